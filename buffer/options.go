package buffer

import (
	"log"

	"github.com/caetanosauer/zero-sub005/common"
	"github.com/caetanosauer/zero-sub005/disk/pages"
	"github.com/caetanosauer/zero-sub005/disk/wal"
)

// OperatingMode tells the pool which restart phase the system is in.
type OperatingMode int32

const (
	ModeNormal OperatingMode = iota

	// ModeLogAnalysis: in doubt pages are being registered. Ordinary fixes are refused and nothing is evicted.
	ModeLogAnalysis

	// ModeRedo: in doubt pages are being replayed. Ordinary fixes are let through by the AccessPolicy.
	ModeRedo
)

func (m OperatingMode) String() string {
	switch m {
	case ModeLogAnalysis:
		return "log_analysis"
	case ModeRedo:
		return "redo"
	default:
		return "normal"
	}
}

// SinglePageRecoverer brings a page up to date using its log chain. See recovery.Recoverer.
type SinglePageRecoverer interface {
	RecoverSinglePage(p pages.Page, vol pages.VolumeID, pid pages.PageID, emlsn pages.LSN, actual bool) error
}

// AccessPolicy decides whether an ordinary fixer may use a resident page while recovery is in progress.
type AccessPolicy interface {
	Allow(vol pages.VolumeID, pid pages.PageID, pageLSN pages.LSN, inDoubt bool) bool
}

// PageCleaner writes dirty pages back to their volumes. The pool only forwards requests to it.
type PageCleaner interface {
	Wakeup()
	ForceUntilLSN(lsn pages.LSN) error
	ForceVolume(vol pages.VolumeID) error
	ForceAll() error
	Stop()
}

type Options struct {
	// BlockCount is the number of frames.
	BlockCount int

	LogManager wal.LogManager
	Recoverer  SinglePageRecoverer
	Policy     AccessPolicy

	// Swizzling enables replacing child pointers of traversable parents with frame indexes.
	Swizzling bool

	EvictRounds int
	Logger      *log.Logger
}

func DefaultOptions() Options {
	return Options{
		BlockCount:  common.DefaultBlockCount,
		LogManager:  wal.NoopLM,
		Swizzling:   true,
		EvictRounds: common.EvictRounds,
		Logger:      log.Default(),
	}
}
