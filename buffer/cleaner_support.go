package buffer

import (
	"github.com/caetanosauer/zero-sub005/disk/pages"
	"github.com/pkg/errors"
)

// DirtyPage describes a frame that holds updates not yet written to the volume.
type DirtyPage struct {
	Idx     uint32
	Vol     pages.VolumeID
	PID     pages.PageID
	Store   pages.StoreID
	RecLSN  pages.LSN
	PageLSN pages.LSN
	InDoubt bool
}

// GetRecLSNs returns up to n dirty or in doubt frames starting from frame index start, and the index to continue
// from, which is 0 after the last frame.
func (p *Pool) GetRecLSNs(start uint32, n int) ([]DirtyPage, uint32) {
	if start == 0 {
		start = 1
	}

	res := make([]DirtyPage, 0, n)
	idx := start
	for ; int(idx) <= p.blocks && len(res) < n; idx++ {
		cb := p.getCB(idx)
		if !cb.used.Load() {
			continue
		}

		inDoubt := cb.inDoubt.Load()
		if !inDoubt && !cb.dirty.Load() {
			continue
		}

		var lsn pages.LSN
		if !inDoubt {
			lsn = p.frame(idx).LSN()
		}
		vol, pid := cb.identity()
		res = append(res, DirtyPage{
			Idx:     idx,
			Vol:     vol,
			PID:     pid,
			Store:   pages.StoreID(cb.store.Load()),
			RecLSN:  pages.LSN(cb.recLSN.Load()),
			PageLSN: lsn,
			InDoubt: inDoubt,
		})
	}

	if int(idx) > p.blocks {
		idx = 0
	}
	return res, idx
}

// SnapshotForWrite copies a dirty frame into dst the way it must be written: swizzled slots are replaced by page ids
// and checksum is updated. It returns false if the frame is not dirty anymore, holds another page or waits for a
// write order dependency.
func (p *Pool) SnapshotForWrite(d DirtyPage, dst pages.Page) (DirtyPage, bool) {
	cb := p.getCB(d.Idx)
	if !cb.pinIfNotEvicting() {
		return d, false
	}
	defer cb.unpin()

	if cb.key.Load() != hashKey(d.Vol, d.PID) || !cb.used.Load() || cb.inDoubt.Load() || !cb.dirty.Load() {
		return d, false
	}

	cb.latch.Acquire(LatchSH, false)
	// an edge registered after the caller's check comes with an update made under the exclusive latch
	if !p.CheckWriteOrderDependency(d.Idx) {
		cb.latch.Release(LatchSH)
		return d, false
	}

	p.frame(d.Idx).CopyTo(dst)
	// children cannot be unswizzled while the latch is held, so swizzled frames still hold them
	for i := 0; i < dst.ChildCount(); i++ {
		if raw := dst.Child(i); raw.IsSwizzled() {
			dst.SetChild(i, p.getCB(raw.FrameIdx()).pid())
		}
	}
	cb.latch.Release(LatchSH)
	dst.UpdateChecksum()

	d.PageLSN = dst.LSN()
	d.RecLSN = pages.LSN(cb.recLSN.Load())
	return d, true
}

// MarkFlushed marks the frame clean if the page did not change since the snapshot that was written.
func (p *Pool) MarkFlushed(d DirtyPage) bool {
	cb := p.getCB(d.Idx)
	if !cb.pinIfNotEvicting() {
		return false
	}
	defer cb.unpin()

	if cb.key.Load() != hashKey(d.Vol, d.PID) || !cb.used.Load() {
		return false
	}
	return cb.markClean(d.PageLSN, p.frame(d.Idx))
}

func (p *Pool) SetCleaner(c PageCleaner) {
	p.cleanerMu.Lock()
	defer p.cleanerMu.Unlock()
	p.cleaner = c
}

func (p *Pool) getCleaner() PageCleaner {
	p.cleanerMu.RLock()
	defer p.cleanerMu.RUnlock()
	return p.cleaner
}

func (p *Pool) WakeupCleaner() {
	if c := p.getCleaner(); c != nil {
		c.Wakeup()
	}
}

func (p *Pool) ForceUntilLSN(lsn pages.LSN) error {
	c := p.getCleaner()
	if c == nil {
		return errors.Wrapf(ErrNoCleaner, "force until lsn %v", lsn)
	}
	return c.ForceUntilLSN(lsn)
}

func (p *Pool) ForceVolume(vol pages.VolumeID) error {
	c := p.getCleaner()
	if c == nil {
		return errors.Wrapf(ErrNoCleaner, "force volume %v", vol)
	}
	return c.ForceVolume(vol)
}

func (p *Pool) ForceAll() error {
	c := p.getCleaner()
	if c == nil {
		return errors.Wrap(ErrNoCleaner, "force all")
	}
	return c.ForceAll()
}
