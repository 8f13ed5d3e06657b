package buffer

import (
	"github.com/caetanosauer/zero-sub005/disk/pages"
	"github.com/puzpuzpuz/xsync/v3"
)

// hashKey packs a page identity into the key of the page hash index.
func hashKey(vol pages.VolumeID, pid pages.PageID) uint64 {
	return uint64(vol)<<32 | uint64(pid)
}

func splitKey(key uint64) (pages.VolumeID, pages.PageID) {
	return pages.VolumeID(key >> 32), pages.PageID(uint32(key))
}

// hashIndex maps page identities to frame indexes. A hit is only a hint: the frame may be evicted and reused right
// after lookup returns, so callers pin the frame and compare its key before trusting it.
type hashIndex struct {
	m *xsync.MapOf[uint64, uint32]
}

func newHashIndex() *hashIndex {
	return &hashIndex{m: xsync.NewMapOf[uint64, uint32]()}
}

// lookup returns the frame index of the page or 0.
func (h *hashIndex) lookup(key uint64) uint32 {
	idx, _ := h.m.Load(key)
	return idx
}

func (h *hashIndex) insertIfNotExists(key uint64, idx uint32) bool {
	_, loaded := h.m.LoadOrStore(key, idx)
	return !loaded
}

func (h *hashIndex) remove(key uint64) bool {
	_, ok := h.m.LoadAndDelete(key)
	return ok
}

// removeIf removes the entry only if it still points to idx.
func (h *hashIndex) removeIf(key uint64, idx uint32) bool {
	removed := false
	h.m.Compute(key, func(old uint32, loaded bool) (uint32, bool) {
		if loaded && old == idx {
			removed = true
			return 0, true
		}
		return old, !loaded
	})
	return removed
}

func (h *hashIndex) size() int {
	return h.m.Size()
}
