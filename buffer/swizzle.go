package buffer

import (
	"runtime"

	"github.com/caetanosauer/zero-sub005/common"
	"github.com/caetanosauer/zero-sub005/disk/pages"
)

// isTraversable reports whether the frame is reached without hash lookups. Only children of such frames are swizzled
// so that every swizzled frame has a swizzled or root ancestor chain.
func (p *Pool) isTraversable(idx uint32) bool {
	cb := p.getCB(idx)
	return cb.isRoot.Load() || cb.swizzled.Load()
}

// SwizzleChildren swizzles given child slots of a latched parent if the children are resident. It returns the number
// of slots swizzled. Foster slots and children of parents that are not traversable are skipped.
func (p *Pool) SwizzleChildren(parent *PageHandle, slots []int) int {
	common.Assert(parent.mode != LatchNone, "parent must be latched to swizzle its children")
	if !p.isTraversable(parent.idx) {
		return 0
	}

	vol := parent.Volume()
	n := 0
	for _, slot := range slots {
		if slot == pages.FosterSlot || slot < 0 || slot >= parent.page.ChildCount() {
			continue
		}

		pid := parent.page.Child(slot)
		if pid == 0 || pid.IsSwizzled() {
			continue
		}

		key := hashKey(vol, pid)
		idx := p.hash.lookup(key)
		if idx == 0 {
			continue
		}

		cb := p.getCB(idx)
		if !cb.pinIfNotEvicting() {
			continue
		}
		if cb.key.Load() == key && cb.used.Load() && p.swizzleChild(parent.idx, slot, pid, idx) {
			cb.setParent(parent.idx, p.getCB(parent.idx).key.Load())
			n++
		}
		cb.unpin()
	}

	return n
}

// swizzleChild replaces slot of the parent with the child's frame index and pins the child on behalf of the parent.
// Caller holds the parent latch and keeps the child from being evicted.
func (p *Pool) swizzleChild(parentIdx uint32, slot int, pid pages.PageID, childIdx uint32) bool {
	if slot == pages.FosterSlot {
		return false
	}

	cb := p.getCB(childIdx)
	for !cb.concurrentSwizzling.CompareAndSwap(false, true) {
		runtime.Gosched()
	}
	defer cb.concurrentSwizzling.Store(false)

	if cb.swizzled.Load() || cb.inDoubt.Load() || cb.isRoot.Load() {
		return false
	}

	cb.pin()
	cb.swizzled.Store(true)
	if !p.frame(parentIdx).CompareAndSwapChild(slot, pid, pages.SwizzledPointer(childIdx)) {
		cb.swizzled.Store(false)
		cb.unpin()
		return false
	}

	p.stats.Incr("swizzle")
	return true
}

// unswizzleAFrame restores the page id in slot of the parent and drops the pin the parent held on the child. It gives
// up if the parent cannot be latched exclusively without waiting or if the child has swizzled children itself.
func (p *Pool) unswizzleAFrame(parentIdx uint32, slot int) bool {
	pcb := p.getCB(parentIdx)
	if !pcb.latch.TryLock() {
		return false
	}
	defer pcb.latch.Unlock()

	ppage := p.frame(parentIdx)
	if slot != pages.FosterSlot && slot >= ppage.ChildCount() {
		return false
	}

	raw := ppage.Child(slot)
	if !raw.IsSwizzled() {
		return false
	}

	ccb := p.getCB(raw.FrameIdx())
	if !ccb.latch.TryRLock() {
		return false
	}
	hasSwizzled := p.frame(raw.FrameIdx()).HasSwizzledChild()
	ccb.latch.RUnlock()
	if hasSwizzled {
		return false
	}

	return p.unswizzleSlotLocked(ppage, slot)
}

// unswizzleSlotLocked unswizzles a slot of a page latched exclusively by the caller.
func (p *Pool) unswizzleSlotLocked(page pages.Page, slot int) bool {
	raw := page.Child(slot)
	if !raw.IsSwizzled() {
		return false
	}

	cb := p.getCB(raw.FrameIdx())
	common.Assert(cb.swizzled.Load(), "slot %v points to frame %v which is not swizzled", slot, raw.FrameIdx())

	page.SetChild(slot, cb.pid())
	cb.swizzled.Store(false)
	cb.unpin()
	p.stats.Incr("unswizzle")
	return true
}

// DebugGetOriginalPageID returns the page id a possibly swizzled slot value stands for.
func (p *Pool) DebugGetOriginalPageID(pid pages.PageID) pages.PageID {
	if !pid.IsSwizzled() {
		return pid
	}

	idx := pid.FrameIdx()
	common.Assert(p.IsActiveIdx(idx), "swizzled pointer to inactive frame %v", idx)
	return p.getCB(idx).pid()
}

// NormalizePageID is DebugGetOriginalPageID for slots that may point to frames being evicted; it returns 0 for them.
func (p *Pool) NormalizePageID(pid pages.PageID) pages.PageID {
	if !pid.IsSwizzled() {
		return pid
	}

	cb := p.getCB(pid.FrameIdx())
	if !cb.used.Load() {
		return 0
	}
	return cb.pid()
}

func IsSwizzled(pid pages.PageID) bool {
	return pid.IsSwizzled()
}
