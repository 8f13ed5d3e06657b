package buffer

import (
	"runtime"

	"github.com/caetanosauer/zero-sub005/common"
	"github.com/caetanosauer/zero-sub005/disk"
	"github.com/caetanosauer/zero-sub005/disk/pages"
	"github.com/pkg/errors"
)

var errRetry = errors.New("retry fix")

type fixRequest struct {
	vol         pages.VolumeID
	pid         pages.PageID
	store       pages.StoreID
	mode        LatchMode
	conditional bool
	virgin      bool

	// recovery fixes come from the redo driver and bypass the access policy
	recovery bool

	hasParent bool
	emlsn     pages.LSN
}

// FixRoot latches the root page of a store. Roots are always resident.
func (p *Pool) FixRoot(vol pages.VolumeID, store pages.StoreID, mode LatchMode, conditional bool) (*PageHandle, error) {
	desc, err := p.volume(vol)
	if err != nil {
		return nil, err
	}

	pid, ok := desc.rootPids[store]
	if !ok {
		return nil, errors.Errorf("store %v of volume %v has no root", store, vol)
	}

	return p.fixHandle(&fixRequest{vol: vol, pid: pid, store: store, mode: mode, conditional: conditional})
}

// FixNonRoot latches the child at slot of a latched parent. Swizzled slots are followed without hash lookup. If the
// parent is itself reachable without hash lookups, a root or a swizzled page, the child is swizzled on the way.
func (p *Pool) FixNonRoot(parent *PageHandle, slot int, mode LatchMode, conditional, virgin bool) (*PageHandle, error) {
	common.Assert(parent.mode != LatchNone, "parent of a fix must be latched")

	ppage := parent.page
	if slot != pages.FosterSlot && (slot < 0 || slot >= ppage.ChildCount()) {
		return nil, errors.Errorf("slot %v of page %v is out of range, page has %v children", slot, parent.PageID(), ppage.ChildCount())
	}

	raw := ppage.Child(slot)
	if raw.IsSwizzled() {
		if virgin {
			return nil, errors.Wrapf(ErrPageAlreadyResident, "slot %v of page %v is swizzled", slot, parent.PageID())
		}
		return p.fixSwizzled(raw.FrameIdx(), mode, conditional)
	}
	if raw == 0 {
		return nil, errors.Errorf("slot %v of page %v is empty", slot, parent.PageID())
	}

	pcb := p.getCB(parent.idx)
	req := &fixRequest{
		vol:         parent.Volume(),
		pid:         raw,
		store:       pages.StoreID(pcb.store.Load()),
		mode:        mode,
		conditional: conditional,
		virgin:      virgin,
		hasParent:   true,
		emlsn:       ppage.ChildEMLSN(slot),
	}

	h, err := p.fixHandle(req)
	if err != nil {
		return nil, err
	}
	p.getCB(h.idx).setParent(parent.idx, pcb.key.Load())

	if p.swizzling && slot != pages.FosterSlot && p.isTraversable(parent.idx) {
		p.swizzleChild(parent.idx, slot, raw, h.idx)
	}
	return h, nil
}

// FixDirect latches a page by its id. Without a parent there is no emlsn, so a corrupted page can only be recovered
// if log analysis registered one.
func (p *Pool) FixDirect(vol pages.VolumeID, pid pages.PageID, mode LatchMode, conditional, virgin bool) (*PageHandle, error) {
	return p.fixHandle(&fixRequest{vol: vol, pid: pid, mode: mode, conditional: conditional, virgin: virgin})
}

// FixForRecovery latches a page exclusively for the redo driver. The access policy is not consulted.
func (p *Pool) FixForRecovery(vol pages.VolumeID, pid pages.PageID) (*PageHandle, error) {
	return p.fixHandle(&fixRequest{vol: vol, pid: pid, mode: LatchEX, recovery: true})
}

func (p *Pool) Unfix(h *PageHandle) {
	h.Release()
}

// PinForRefix pins a latched page so that it can be latched again by RefixDirect after being released, without a hash
// lookup. Every call must be matched by UnpinForRefix.
func (p *Pool) PinForRefix(h *PageHandle) uint32 {
	common.Assert(h.mode != LatchNone, "page must be latched to be pinned for refix")
	p.getCB(h.idx).pin()
	return h.idx
}

func (p *Pool) UnpinForRefix(idx uint32) {
	p.getCB(idx).unpin()
}

// RefixDirect latches a frame pinned by PinForRefix.
func (p *Pool) RefixDirect(idx uint32, mode LatchMode, conditional bool) (*PageHandle, error) {
	cb := p.getCB(idx)
	common.Assert(cb.pinCount.Load() > 0, "refix of frame %v which is not pinned", idx)

	if !cb.latch.Acquire(mode, conditional) {
		return nil, errors.Wrapf(ErrLatchConflict, "refix of page %v", cb.pid())
	}
	cb.hit()
	return p.newHandle(idx, mode), nil
}

func (p *Pool) fixSwizzled(idx uint32, mode LatchMode, conditional bool) (*PageHandle, error) {
	// a swizzled frame is pinned on behalf of its parent and the parent is latched by the caller
	cb := p.getCB(idx)
	if err := p.checkAccess(idx, false); err != nil {
		return nil, err
	}
	if !cb.latch.Acquire(mode, conditional) {
		return nil, errors.Wrapf(ErrLatchConflict, "page %v", cb.pid())
	}

	cb.hit()
	p.stats.Incr("fix.swizzled")
	return p.newHandle(idx, mode), nil
}

func (p *Pool) fixHandle(req *fixRequest) (*PageHandle, error) {
	idx, err := p.fix(req)
	if err != nil {
		return nil, err
	}
	return p.newHandle(idx, req.mode), nil
}

// fix returns the frame of the page latched in requested mode.
func (p *Pool) fix(req *fixRequest) (uint32, error) {
	common.Assert(req.mode == LatchSH || req.mode == LatchEX, "fix needs a latch mode, got %v", req.mode)
	if req.pid == 0 || req.pid.IsSwizzled() {
		return 0, errors.Errorf("invalid page id %v", req.pid)
	}

	desc, err := p.volume(req.vol)
	if err != nil {
		return 0, err
	}

	key := hashKey(req.vol, req.pid)
	for {
		if idx := p.hash.lookup(key); idx != 0 {
			ok, err := p.fixHit(idx, key, req)
			if err != nil {
				return 0, err
			}
			if ok {
				return idx, nil
			}

			runtime.Gosched()
			continue
		}

		if p.Mode() == ModeLogAnalysis && !req.recovery {
			return 0, errors.Wrapf(ErrAccessConflict, "page %v during log analysis", req.pid)
		}

		idx, err := p.fixMiss(desc.vol, key, req)
		if errors.Is(err, errRetry) {
			continue
		}
		return idx, err
	}
}

// fixHit tries to use a frame found in the hash index. It returns false when the frame turned out to hold another
// page, in which case the caller looks up again.
func (p *Pool) fixHit(idx uint32, key uint64, req *fixRequest) (bool, error) {
	cb := p.getCB(idx)
	if !cb.pinIfNotEvicting() {
		return false, nil
	}
	if cb.key.Load() != key || !cb.used.Load() {
		cb.unpin()
		return false, nil
	}

	if req.virgin {
		cb.unpin()
		return false, errors.Wrapf(ErrPageAlreadyResident, "virgin page %v", req.pid)
	}

	if err := p.checkAccess(idx, req.recovery); err != nil {
		cb.unpin()
		return false, err
	}

	if cb.inDoubt.Load() {
		if err := p.resolveInDoubt(idx, req); err != nil {
			cb.unpin()
			return false, err
		}
	}

	if !cb.latch.Acquire(req.mode, req.conditional) {
		cb.unpin()
		return false, errors.Wrapf(ErrLatchConflict, "page %v", req.pid)
	}

	// a failed load may have released the frame while we were waiting for the latch
	if cb.key.Load() != key || !cb.used.Load() || cb.inDoubt.Load() {
		cb.latch.Release(req.mode)
		cb.unpin()
		return false, nil
	}

	cb.hit()
	cb.unpin()
	p.stats.Incr("fix.hit")
	return true, nil
}

// fixMiss loads the page into a free frame and publishes it in the hash index. Two threads may load the same page at
// the same time, the one that loses the insert gives its frame back and retries as a hit.
func (p *Pool) fixMiss(vol disk.Volume, key uint64, req *fixRequest) (uint32, error) {
	idx, err := p.grabFreeBlock(p.Mode() != ModeLogAnalysis)
	if err != nil {
		return 0, errors.Wrapf(err, "fixing page %v", req.pid)
	}

	cb := p.getCB(idx)
	cb.latch.Acquire(LatchEX, false)
	cb.key.Store(key)
	cb.store.Store(uint32(req.store))

	if req.virgin {
		p.frame(idx).Format(req.vol, req.store, req.pid, 0)
		cb.markDirty(0)
	} else if err := p.loadPage(idx, vol, req.pid, req.hasParent, req.emlsn); err != nil {
		p.releaseClaimedFrame(idx, false)
		return 0, err
	}

	cb.used.Store(true)
	if !p.hash.insertIfNotExists(key, idx) {
		p.releaseClaimedFrame(idx, false)
		p.stats.Incr("fix.miss_race")
		return 0, errRetry
	}

	cb.hit()
	p.stats.Incr("fix.miss")

	// the claim pin keeps the frame while the latch is switched to requested mode. The page is ours already, so
	// even a conditional request waits for a fixer that got in between.
	if req.mode == LatchSH {
		cb.latch.Unlock()
		cb.latch.Acquire(LatchSH, false)
	}

	cb.unpin()
	return idx, nil
}

// checkAccess consults the access policy while recovery is in progress.
func (p *Pool) checkAccess(idx uint32, recovery bool) error {
	if recovery {
		return nil
	}

	cb := p.getCB(idx)
	switch p.Mode() {
	case ModeNormal:
		return nil
	case ModeLogAnalysis:
		return errors.Wrapf(ErrAccessConflict, "page %v during log analysis", cb.pid())
	}

	inDoubt := cb.inDoubt.Load()
	var lsn pages.LSN
	if !inDoubt {
		lsn = p.frame(idx).LSN()
	}

	vol, pid := cb.identity()
	if p.policy == nil {
		if inDoubt {
			return errors.Wrapf(ErrAccessConflict, "page %v is in doubt", pid)
		}
		return nil
	}

	if !p.policy.Allow(vol, pid, lsn, inDoubt) {
		return errors.Wrapf(ErrAccessConflict, "page %v", pid)
	}
	return nil
}
