package buffer

import (
	"github.com/caetanosauer/zero-sub005/common"
	"github.com/caetanosauer/zero-sub005/disk/pages"
	"github.com/caetanosauer/zero-sub005/disk/wal"
)

// PageHandle is a latched page. It is returned by the fix methods and must be released exactly once.
type PageHandle struct {
	pool *Pool
	idx  uint32
	mode LatchMode
	page pages.Page
}

func (p *Pool) newHandle(idx uint32, mode LatchMode) *PageHandle {
	return &PageHandle{pool: p, idx: idx, mode: mode, page: p.frame(idx)}
}

// Page returns the frame. It must not be used after Release, and it may only be modified through Apply.
func (h *PageHandle) Page() pages.Page {
	return h.page
}

func (h *PageHandle) Idx() uint32 {
	return h.idx
}

func (h *PageHandle) Mode() LatchMode {
	return h.mode
}

func (h *PageHandle) Volume() pages.VolumeID {
	vol, _ := h.pool.getCB(h.idx).identity()
	return vol
}

func (h *PageHandle) PageID() pages.PageID {
	return h.pool.getCB(h.idx).pid()
}

func (h *PageHandle) Store() pages.StoreID {
	return pages.StoreID(h.pool.getCB(h.idx).store.Load())
}

func (h *PageHandle) IsDirty() bool {
	return h.pool.getCB(h.idx).dirty.Load()
}

// IsSwizzled reports whether the parent of the page points to the frame directly.
func (h *PageHandle) IsSwizzled() bool {
	return h.pool.getCB(h.idx).swizzled.Load()
}

func (h *PageHandle) Release() {
	common.Assert(h.mode != LatchNone, "page %v is released twice", h.PageID())
	h.pool.getCB(h.idx).latch.Release(h.mode)
	h.mode = LatchNone
}

// Apply logs the record as the next record of the page and applies it. Page identity and the link to the previous
// record of the page are filled in here. Page must be latched exclusively.
func (h *PageHandle) Apply(lr *wal.LogRecord) (pages.LSN, error) {
	common.Assert(h.mode == LatchEX, "page %v must be latched exclusively to be updated", h.PageID())

	cb := h.pool.getCB(h.idx)
	lr.Vol, lr.PageID = cb.identity()
	if lr.Store == 0 {
		lr.Store = pages.StoreID(cb.store.Load())
	}
	if err := lr.CanRedo(h.page); err != nil {
		return 0, err
	}

	// a slot that is about to be overwritten gives up the frame it points to
	switch lr.T {
	case wal.TypeFormatPage:
		for i := 0; i < h.page.ChildCount(); i++ {
			h.pool.unswizzleSlotLocked(h.page, i)
		}
	case wal.TypeSetChild:
		if int(lr.Slot) < h.page.ChildCount() {
			h.pool.unswizzleSlotLocked(h.page, int(lr.Slot))
		}
	}

	lr.PrevPageLsn = h.page.LSN()
	lsn := h.pool.lm.AppendLog(lr)
	err := lr.Redo(h.page)
	common.Assert(err == nil, "redo of a checked record failed: %v", err)

	cb.markDirty(lsn)
	if lr.T == wal.TypeFormatPage {
		cb.store.Store(uint32(lr.Store))
		cb.interior.Store(h.page.IsInterior())
	}
	return lsn, nil
}
