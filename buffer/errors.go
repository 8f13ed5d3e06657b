package buffer

import "github.com/pkg/errors"

var (
	ErrOutOfMemory         = errors.New("frame arena cannot be allocated")
	ErrBufferFull          = errors.New("no free frame and eviction is not allowed")
	ErrFrameNotFound       = errors.New("eviction could not produce a free frame")
	ErrBadChecksum         = errors.New("page checksum mismatch and single page recovery is not applicable")
	ErrAccessConflict      = errors.New("page cannot be accessed while recovery is in progress")
	ErrNoParentSPR         = errors.New("page is corrupted and there is no emlsn to recover it")
	ErrLatchConflict       = errors.New("latch cannot be acquired without waiting")
	ErrVolumeNotMounted    = errors.New("volume is not mounted")
	ErrPageAlreadyResident = errors.New("page is already resident")
	ErrNoCleaner           = errors.New("no page cleaner is registered")
)
