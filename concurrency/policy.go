package concurrency

import (
	"sync/atomic"

	"github.com/caetanosauer/zero-sub005/buffer"
	"github.com/caetanosauer/zero-sub005/disk/pages"
)

// CommitLSNPolicy lets transactions read pages during REDO whose updates are all older than the commit lsn, the lsn
// below which every update is known to be committed. In doubt pages are left to the REDO driver.
type CommitLSNPolicy struct {
	commitLSN atomic.Uint64
}

var _ buffer.AccessPolicy = &CommitLSNPolicy{}

func NewCommitLSNPolicy(commitLSN pages.LSN) *CommitLSNPolicy {
	p := &CommitLSNPolicy{}
	p.commitLSN.Store(uint64(commitLSN))
	return p
}

// SetCommitLSN moves commit lsn forward. Smaller values are ignored.
func (p *CommitLSNPolicy) SetCommitLSN(lsn pages.LSN) {
	for {
		curr := p.commitLSN.Load()
		if uint64(lsn) <= curr || p.commitLSN.CompareAndSwap(curr, uint64(lsn)) {
			return
		}
	}
}

func (p *CommitLSNPolicy) CommitLSN() pages.LSN {
	return pages.LSN(p.commitLSN.Load())
}

func (p *CommitLSNPolicy) Allow(_ pages.VolumeID, _ pages.PageID, pageLSN pages.LSN, inDoubt bool) bool {
	return !inDoubt && pageLSN < p.CommitLSN()
}

// OnDemandPolicy lets every fixer through during REDO. A fixer that hits an in doubt page loads and recovers it
// itself, so pages needed by new transactions do not wait for REDO to reach them.
type OnDemandPolicy struct {
	onDemand atomic.Int64
}

var _ buffer.AccessPolicy = &OnDemandPolicy{}

func (p *OnDemandPolicy) Allow(_ pages.VolumeID, _ pages.PageID, _ pages.LSN, inDoubt bool) bool {
	if inDoubt {
		p.onDemand.Add(1)
	}
	return true
}

// OnDemandLoads returns how many times a fixer was let through to an in doubt page.
func (p *OnDemandPolicy) OnDemandLoads() int64 {
	return p.onDemand.Load()
}
