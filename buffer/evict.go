package buffer

import (
	"github.com/caetanosauer/zero-sub005/common"
	"github.com/caetanosauer/zero-sub005/disk/pages"
	"github.com/caetanosauer/zero-sub005/disk/wal"
)

type EvictionUrgency int

// anySlot tells evictFrame to look the child up in its parent.
const anySlot = -2

const (
	// EvictNormal evicts only frames that stayed cold for a while.
	EvictNormal EvictionUrgency = iota

	// EvictUrgent treats every candidate as cold.
	EvictUrgent

	// EvictComplete additionally sweeps frames that are not reachable from any root, e.g. pages fixed directly.
	EvictComplete
)

func (u EvictionUrgency) String() string {
	switch u {
	case EvictUrgent:
		return "urgent"
	case EvictComplete:
		return "complete"
	default:
		return "normal"
	}
}

type evictionRun struct {
	urgency EvictionUrgency
	round   int
	target  int
	evicted int
}

func (r *evictionRun) done() bool {
	return r.evicted >= r.target
}

// EvictBlocks walks volumes, stores and then trees from their roots like the hand of a clock and evicts clean,
// unpinned, cold frames until preferred frames are freed or round cap is hit. Zero preferred means a batch
// proportional to pool size. The walk resumes from where the previous call stopped. Returns number of frames evicted.
func (p *Pool) EvictBlocks(urgency EvictionUrgency, preferred int) int {
	p.evictMu.Lock()
	defer p.evictMu.Unlock()

	if preferred <= 0 {
		preferred = max(1, int(float64(p.blocks)*common.EvictBatchRatio))
	}

	run := &evictionRun{urgency: urgency, target: preferred}
	for round := 0; round < p.evictRounds && !run.done(); round++ {
		run.round = round
		p.sweepVolumes(run)
		if urgency == EvictComplete && !run.done() {
			p.sweepFlat(run)
		}
	}

	p.stats.Add("evict", int64(run.evicted))
	if !run.done() {
		p.stats.Incr("evict.round_cap")
		if urgency != EvictNormal {
			p.logger.Printf("buffer: %v eviction freed %v of %v frames", urgency, run.evicted, run.target)
		}
	}
	return run.evicted
}

func (p *Pool) sweepVolumes(run *evictionRun) {
	vols := p.mountedVolumes()
	if len(vols) == 0 {
		return
	}

	start := p.pathway[0] % len(vols)
	for i := 0; i < len(vols); i++ {
		vi := (start + i) % len(vols)
		p.pathway[0] = vi

		desc := vols[vi]
		if n := len(desc.stores); n > 0 {
			storeStart := p.pathway[1] % n
			for j := 0; j < n; j++ {
				si := (storeStart + j) % n
				p.pathway[1] = si

				if root, ok := desc.roots[desc.stores[si]]; ok {
					p.sweepChildren(run, root, 2)
				}
				if run.done() {
					return
				}
			}
		}
		p.pathway[1] = 0
	}
}

// sweepChildren visits children of an interior frame starting from the slot saved in the pathway for this depth.
// Interior children are descended into before they are considered for eviction themselves.
func (p *Pool) sweepChildren(run *evictionRun, parentIdx uint32, depth int) {
	if depth >= len(p.pathway) {
		return
	}

	pcb := p.getCB(parentIdx)
	if !pcb.used.Load() || pcb.inDoubt.Load() || !pcb.interior.Load() || !pcb.latch.TryRLock() {
		return
	}
	vol, _ := pcb.identity()
	ppage := p.frame(parentIdx)
	children := make([]pages.PageID, ppage.ChildCount())
	for i := range children {
		children[i] = ppage.Child(i)
	}
	pcb.latch.RUnlock()

	n := len(children)
	if n == 0 {
		return
	}

	start := p.pathway[depth] % n
	for j := 0; j < n; j++ {
		slot := (start + j) % n
		p.pathway[depth] = slot

		childIdx := p.resolveChild(vol, children[slot])
		if childIdx == 0 {
			continue
		}

		if p.getCB(childIdx).interior.Load() {
			p.sweepChildren(run, childIdx, depth+1)
			if run.done() {
				return
			}
		}

		if p.tryEvictChild(run, parentIdx, slot, childIdx) && run.done() {
			p.pathway[depth] = (slot + 1) % n
			return
		}
	}

	p.pathway[depth] = 0
}

// resolveChild finds the frame of a child slot value. The hash lookup is only a hint, a mismatch is skipped.
func (p *Pool) resolveChild(vol pages.VolumeID, raw pages.PageID) uint32 {
	if raw == 0 {
		return 0
	}
	if raw.IsSwizzled() {
		return raw.FrameIdx()
	}

	key := hashKey(vol, raw)
	idx := p.hash.lookup(key)
	if idx == 0 || p.getCB(idx).key.Load() != key {
		return 0
	}
	return idx
}

func (p *Pool) tryEvictChild(run *evictionRun, parentIdx uint32, slot int, childIdx uint32) bool {
	cb := p.getCB(childIdx)
	if !cb.used.Load() || cb.dirty.Load() || cb.inDoubt.Load() || cb.isRoot.Load() {
		return false
	}

	// swizzled frames are pinned by their parent and must be unswizzled first, hot or not
	if cb.swizzled.Load() && !p.unswizzleAFrame(parentIdx, slot) {
		return false
	}

	if run.urgency == EvictNormal {
		if cb.refCount.Add(-(1 << run.round)) > 0 {
			return false
		}
		cb.refCount.Store(0)
	}

	if !p.evictFrame(childIdx, parentIdx, slot) {
		return false
	}
	run.evicted++
	return true
}

// sweepFlat visits all frames in index order, like a plain clock. A page fixed through a parent that is still resident
// is evicted through that parent so that its emlsn is kept up to date; if the parent is latched the page stays.
func (p *Pool) sweepFlat(run *evictionRun) {
	for i := 0; i < p.blocks && !run.done(); i++ {
		idx := uint32((p.flatHand+i)%p.blocks) + 1
		cb := p.getCB(idx)
		if !cb.used.Load() || cb.dirty.Load() || cb.inDoubt.Load() || cb.isRoot.Load() || cb.swizzled.Load() {
			continue
		}

		if p.evictFrame(idx, p.residentParent(cb), anySlot) {
			run.evicted++
			p.flatHand = int(idx) % p.blocks
		}
	}
}

// residentParent returns the frame of the parent the page was last fixed through, or 0 if that parent left the pool.
// Frames leave the pool only under evictMu, which the caller holds.
func (p *Pool) residentParent(cb *controlBlock) uint32 {
	pidx := cb.parentIdx.Load()
	if pidx == 0 {
		return 0
	}

	pcb := p.getCB(pidx)
	if !pcb.used.Load() || pcb.key.Load() != cb.parentKey.Load() {
		return 0
	}
	return pidx
}

// evictFrame claims the frame by moving its pin count from 0 to -1 and returns it to the free list. If parentIdx is
// not 0 the parent is latched shared and its emlsn for the child is brought up to the child's lsn before the child
// leaves. With anySlot the child is looked up in the parent, and evicted without it if the parent does not point to
// it anymore. Any failure leaves everything as it was.
func (p *Pool) evictFrame(idx uint32, parentIdx uint32, slot int) bool {
	cb := p.getCB(idx)
	if !cb.pinCount.CompareAndSwap(0, -1) {
		return false
	}

	evicted := false
	defer func() {
		if !evicted {
			cb.pinCount.Store(0)
		}
	}()

	key := cb.key.Load()
	if !cb.used.Load() || cb.dirty.Load() || cb.inDoubt.Load() || cb.swizzled.Load() || cb.isRoot.Load() {
		return false
	}
	vol, pid := splitKey(key)

	var ppage pages.Page
	if parentIdx != 0 {
		pcb := p.getCB(parentIdx)
		if !pcb.latch.TryRLock() {
			return false
		}
		defer pcb.latch.RUnlock()

		ppage = p.frame(parentIdx)
		if found, ok := childSlot(ppage, slot, pid); ok {
			slot = found
		} else if slot == anySlot {
			ppage = nil
		} else {
			return false
		}
	}

	if !cb.latch.TryLock() {
		return false
	}

	page := p.frame(idx)
	if cb.dirty.Load() || (page.IsInterior() && p.hasResidentChild(vol, page)) {
		cb.latch.Unlock()
		return false
	}

	if ppage != nil && page.LSN() > ppage.ChildEMLSN(slot) {
		p.updateEMLSN(parentIdx, ppage, slot, pid, page.LSN())
	}

	p.hash.removeIf(key, idx)
	cb.clear()
	cb.latch.Unlock()

	evicted = true
	cb.pinCount.Store(0)
	p.addFreeBlock(idx)
	return true
}

// childSlot returns the slot of the parent that points to pid, trying the given slot first.
func childSlot(ppage pages.Page, slot int, pid pages.PageID) (int, bool) {
	if (slot == pages.FosterSlot || (slot >= 0 && slot < ppage.ChildCount())) && ppage.Child(slot) == pid {
		return slot, true
	}
	return ppage.FindChild(pid, 0)
}

// hasResidentChild reports whether a child of the latched interior page is in the pool. Such a page stays until its
// children are gone, since they need it for their emlsn.
func (p *Pool) hasResidentChild(vol pages.VolumeID, page pages.Page) bool {
	for slot := pages.FosterSlot; slot < page.ChildCount(); slot++ {
		raw := page.Child(slot)
		if raw.IsSwizzled() || p.resolveChild(vol, raw) != 0 {
			return true
		}
	}
	return false
}

// updateEMLSN logs and applies a new emlsn for a child slot while the parent is only latched shared. The emlsn and
// lsn words are written atomically and eviction walkers are serialized, so readers sharing the latch see either
// value and no other writer exists.
func (p *Pool) updateEMLSN(parentIdx uint32, ppage pages.Page, slot int, child pages.PageID, lsn pages.LSN) {
	pcb := p.getCB(parentIdx)

	lr := wal.NewUpdateEMLSNLogRecord(slot, child, lsn)
	lr.Vol, lr.PageID = pcb.identity()
	lr.Store = pages.StoreID(pcb.store.Load())
	lr.PrevPageLsn = ppage.LSN()

	plsn := p.lm.AppendLog(lr)
	ppage.SetChildEMLSN(slot, lsn)
	ppage.SetLSN(plsn)
	pcb.markDirty(plsn)
	p.stats.Incr("emlsn.update")
}
