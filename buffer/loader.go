package buffer

import (
	"github.com/caetanosauer/zero-sub005/common"
	"github.com/caetanosauer/zero-sub005/disk"
	"github.com/caetanosauer/zero-sub005/disk/pages"
	"github.com/pkg/errors"
)

// loadPage reads the page into its frame and makes sure the image is neither corrupted nor stale. The emlsn is the
// one recorded by the parent, when there is a parent. Log analysis may have stored another one in the control
// block, the newer one wins. Caller holds the frame latched exclusively.
func (p *Pool) loadPage(idx uint32, vol disk.Volume, pid pages.PageID, hasParent bool, emlsn pages.LSN) error {
	cb := p.getCB(idx)
	page := p.frame(idx)

	pastEnd, err := vol.ReadPage(pid, page)
	if err != nil {
		return errors.Wrapf(err, "reading page %v of volume %v", pid, vol.ID())
	}
	p.stats.Incr("disk.read")

	valid := !pastEnd && page.VerifyChecksum() && page.PageID() == pid && page.Volume() == vol.ID()
	target := pages.MaxLSN(emlsn, pages.LSN(cb.lastWriteLSN.Load()))

	if !valid {
		if target == 0 {
			if hasParent {
				return errors.Wrapf(ErrBadChecksum, "page %v of volume %v", pid, vol.ID())
			}
			return errors.Wrapf(ErrNoParentSPR, "page %v of volume %v", pid, vol.ID())
		}
	} else if target <= page.LSN() {
		cb.store.Store(uint32(page.Store()))
		cb.interior.Store(page.IsInterior())
		return nil
	}

	if p.spr == nil {
		return errors.Wrapf(ErrBadChecksum, "page %v of volume %v needs recovery up to lsn %v but there is no recoverer", pid, vol.ID(), target)
	}

	var old pages.LSN
	if valid {
		old = page.LSN()
	}
	if err := p.spr.RecoverSinglePage(page, vol.ID(), pid, target, true); err != nil {
		return errors.Wrapf(err, "single page recovery of page %v of volume %v", pid, vol.ID())
	}

	cb.markDirty(old + 1)
	cb.store.Store(uint32(page.Store()))
	cb.interior.Store(page.IsInterior())
	p.stats.Incr("spr")
	p.logger.Printf("buffer: page %v of volume %v recovered from lsn %v to %v", pid, vol.ID(), old, page.LSN())
	return nil
}

// resolveInDoubt loads a page registered by log analysis. Many fixers may race here, the one that finds the page
// still in doubt after getting the exclusive latch loads it.
func (p *Pool) resolveInDoubt(idx uint32, req *fixRequest) error {
	cb := p.getCB(idx)
	if !cb.latch.Acquire(LatchEX, req.conditional) {
		return errors.Wrapf(ErrLatchConflict, "in doubt page %v", req.pid)
	}
	defer cb.latch.Unlock()

	if !cb.inDoubt.Load() {
		return nil
	}

	desc, err := p.volume(req.vol)
	if err != nil {
		return err
	}

	if err := p.loadPage(idx, desc.vol, req.pid, req.hasParent, req.emlsn); err != nil {
		return err
	}

	page := p.frame(idx)
	if !cb.dirty.Load() {
		// disk image was already current
		cb.markClean(page.LSN(), page)
	}
	cb.inDoubt.Store(false)
	p.stats.Incr("in_doubt.loaded")
	return nil
}

// RegisterAndMark is called by log analysis for every page that has log records. If the page is not resident it
// occupies a frame as an in doubt placeholder that the first fixer loads and recovers. A resident page older than
// lastLSN becomes in doubt as well.
func (p *Pool) RegisterAndMark(vol pages.VolumeID, pid pages.PageID, store pages.StoreID, firstLSN, lastLSN pages.LSN) error {
	common.Assert(firstLSN <= lastLSN, "first lsn %v is after last lsn %v", firstLSN, lastLSN)
	key := hashKey(vol, pid)

	for {
		if idx := p.hash.lookup(key); idx != 0 {
			cb := p.getCB(idx)
			if !cb.pinIfNotEvicting() {
				continue
			}
			if cb.key.Load() != key || !cb.used.Load() {
				cb.unpin()
				continue
			}

			p.markInDoubt(idx, firstLSN, lastLSN)
			cb.unpin()
			return nil
		}

		idx, err := p.grabFreeBlock(p.Mode() != ModeLogAnalysis)
		if err != nil {
			return errors.Wrapf(err, "registering page %v of volume %v", pid, vol)
		}

		cb := p.getCB(idx)
		cb.latch.Acquire(LatchEX, false)
		cb.key.Store(key)
		cb.store.Store(uint32(store))
		cb.lastWriteLSN.Store(uint64(lastLSN))
		cb.recLSN.Store(uint64(firstLSN))
		cb.inDoubt.Store(true)
		cb.used.Store(true)

		if !p.hash.insertIfNotExists(key, idx) {
			p.releaseClaimedFrame(idx, false)
			continue
		}

		cb.latch.Unlock()
		cb.unpin()
		p.stats.Incr("in_doubt.registered")
		return nil
	}
}

func (p *Pool) markInDoubt(idx uint32, firstLSN, lastLSN pages.LSN) {
	cb := p.getCB(idx)
	cb.latch.Acquire(LatchEX, false)
	defer cb.latch.Unlock()

	if !cb.inDoubt.Load() {
		if p.frame(idx).LSN() >= lastLSN {
			return
		}
		common.Assert(!cb.dirty.Load(), "dirty page %v is registered as in doubt", cb.pid())
		cb.inDoubt.Store(true)
	}

	if pages.LSN(cb.lastWriteLSN.Load()) < lastLSN {
		cb.lastWriteLSN.Store(uint64(lastLSN))
	}

	cb.dirtyMu.Lock()
	if rec := pages.LSN(cb.recLSN.Load()); rec == 0 || firstLSN < rec {
		cb.recLSN.Store(uint64(firstLSN))
	}
	cb.dirtyMu.Unlock()
}
