package buffer

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/caetanosauer/zero-sub005/common"
	"github.com/caetanosauer/zero-sub005/disk/pages"
	"golang.org/x/sys/cpu"
)

// controlBlock is the metadata of one frame. Fields that eviction walker, cleaner and stale fixers read without
// holding the frame latch are atomics.
type controlBlock struct {
	// pinCount is -1 while the frame is being evicted. Nobody but the evictor changes it in that state, every other
	// pinner increments it only from a non negative value.
	pinCount atomic.Int32
	latch    Latch

	key      atomic.Uint64 // hashKey(vol, pid)
	store    atomic.Uint32
	used     atomic.Bool
	inDoubt  atomic.Bool
	isRoot   atomic.Bool
	interior atomic.Bool

	// dirty and recLSN change together under dirtyMu.
	dirtyMu sync.Mutex
	dirty   atomic.Bool
	recLSN  atomic.Uint64

	// write order dependency edge, changed under Pool.depMu
	depIdx atomic.Uint32
	depKey atomic.Uint64
	depLSN atomic.Uint64

	refCount atomic.Int32

	swizzled            atomic.Bool
	concurrentSwizzling atomic.Bool

	// parent frame the page was last fixed through. The flat sweep evicts the page through it.
	parentIdx atomic.Uint32
	parentKey atomic.Uint64

	// lastWriteLSN is the last lsn of the page found by log analysis. It is the emlsn of pages that are fixed
	// without a parent.
	lastWriteLSN atomic.Uint64

	_ cpu.CacheLinePad
}

func (cb *controlBlock) identity() (pages.VolumeID, pages.PageID) {
	return splitKey(cb.key.Load())
}

func (cb *controlBlock) pid() pages.PageID {
	_, pid := cb.identity()
	return pid
}

// pinIfNotEvicting increments pin count unless the frame is being evicted.
func (cb *controlBlock) pinIfNotEvicting() bool {
	for {
		v := cb.pinCount.Load()
		if v < 0 {
			return false
		}
		if cb.pinCount.CompareAndSwap(v, v+1) {
			return true
		}
	}
}

// pin increments pin count waiting out a concurrent eviction attempt. Caller must know that the attempt will fail,
// e.g. because it holds the latch or the frame is not in the hash index.
func (cb *controlBlock) pin() {
	for !cb.pinIfNotEvicting() {
		runtime.Gosched()
	}
}

func (cb *controlBlock) unpin() {
	v := cb.pinCount.Add(-1)
	common.Assert(v >= 0, "pin count of frame became negative: %v", v)
}

func (cb *controlBlock) setParent(idx uint32, key uint64) {
	cb.parentKey.Store(key)
	cb.parentIdx.Store(idx)
}

func (cb *controlBlock) hit() {
	if cb.refCount.Load() < common.RefCountMax {
		cb.refCount.Add(1)
	}
}

// markDirty marks the frame dirty. recLSN is set only by the first update after the page became clean.
func (cb *controlBlock) markDirty(lsn pages.LSN) {
	cb.dirtyMu.Lock()
	defer cb.dirtyMu.Unlock()

	cb.dirty.Store(true)
	if cb.recLSN.Load() == 0 {
		cb.recLSN.Store(uint64(lsn))
	}
}

// markClean clears dirty state if the page is still at lsn, meaning nothing changed after it was copied for writing.
func (cb *controlBlock) markClean(lsn pages.LSN, page pages.Page) bool {
	cb.dirtyMu.Lock()
	defer cb.dirtyMu.Unlock()

	if page.LSN() != lsn {
		return false
	}
	cb.dirty.Store(false)
	cb.recLSN.Store(0)
	return true
}

// clear resets the control block of a frame that goes back to the free list. Pin count is left to the caller.
func (cb *controlBlock) clear() {
	cb.used.Store(false)
	cb.key.Store(0)
	cb.store.Store(0)
	cb.inDoubt.Store(false)
	cb.isRoot.Store(false)
	cb.interior.Store(false)
	cb.dirty.Store(false)
	cb.recLSN.Store(0)
	cb.depIdx.Store(0)
	cb.depKey.Store(0)
	cb.depLSN.Store(0)
	cb.refCount.Store(0)
	cb.swizzled.Store(false)
	cb.lastWriteLSN.Store(0)
	cb.parentIdx.Store(0)
	cb.parentKey.Store(0)
}
