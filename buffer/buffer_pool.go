package buffer

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/caetanosauer/zero-sub005/common"
	"github.com/caetanosauer/zero-sub005/disk"
	"github.com/caetanosauer/zero-sub005/disk/pages"
	"github.com/caetanosauer/zero-sub005/disk/wal"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

type volumeDesc struct {
	vol      disk.Volume
	stores   []pages.StoreID
	rootPids map[pages.StoreID]pages.PageID
	roots    map[pages.StoreID]uint32
}

// Pool caches pages of mounted volumes in a fixed number of frames. Frames are addressed by 1 based indexes; index 0
// means no frame. All state lives in arrays allocated once by NewPool and released by Destroy.
type Pool struct {
	blocks int
	arena  []byte
	cbs    []controlBlock
	hash   *hashIndex
	free   *freeList

	lm        wal.LogManager
	spr       SinglePageRecoverer
	policy    AccessPolicy
	swizzling bool
	logger    *log.Logger
	stats     *common.Stats
	mode      atomic.Int32

	volMu   sync.RWMutex
	volumes map[pages.VolumeID]*volumeDesc

	cleanerMu sync.RWMutex
	cleaner   PageCleaner

	// depMu serializes changes of write order dependency edges.
	depMu sync.Mutex

	// evictMu serializes eviction walkers. pathway and flatHand are the clock hands and survive between calls.
	evictMu     sync.Mutex
	evictRounds int
	pathway     []int
	flatHand    int
}

func NewPool(opts Options) (*Pool, error) {
	if opts.BlockCount <= 0 {
		return nil, errors.Errorf("block count must be positive, got %v", opts.BlockCount)
	}
	if opts.LogManager == nil {
		opts.LogManager = wal.NoopLM
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.EvictRounds <= 0 {
		opts.EvictRounds = common.EvictRounds
	}

	// frame 0 is never used so that index arithmetic needs no offset
	arena, err := allocArena((opts.BlockCount + 1) * pages.PageSize)
	if err != nil {
		return nil, err
	}

	return &Pool{
		blocks:      opts.BlockCount,
		arena:       arena,
		cbs:         make([]controlBlock, opts.BlockCount+1),
		hash:        newHashIndex(),
		free:        newFreeList(opts.BlockCount),
		lm:          opts.LogManager,
		spr:         opts.Recoverer,
		policy:      opts.Policy,
		swizzling:   opts.Swizzling,
		logger:      opts.Logger,
		stats:       common.NewStats(),
		volumes:     map[pages.VolumeID]*volumeDesc{},
		evictRounds: opts.EvictRounds,
		pathway:     make([]int, 2+common.MaxTreeDepth),
	}, nil
}

func (p *Pool) getCB(idx uint32) *controlBlock {
	common.Assert(idx > 0 && int(idx) <= p.blocks, "frame index out of range: %v", idx)
	return &p.cbs[idx]
}

func (p *Pool) frame(idx uint32) pages.Page {
	common.Assert(idx > 0 && int(idx) <= p.blocks, "frame index out of range: %v", idx)
	off := int(idx) * pages.PageSize
	return pages.Page(p.arena[off : off+pages.PageSize : off+pages.PageSize])
}

// IsActiveIdx reports whether the frame holds a page.
func (p *Pool) IsActiveIdx(idx uint32) bool {
	return p.getCB(idx).used.Load()
}

func (p *Pool) Blocks() int {
	return p.blocks
}

func (p *Pool) FreeBlocks() int {
	return p.free.len()
}

func (p *Pool) Mode() OperatingMode {
	return OperatingMode(p.mode.Load())
}

func (p *Pool) SetMode(m OperatingMode) {
	old := OperatingMode(p.mode.Swap(int32(m)))
	if old != m {
		p.logger.Printf("buffer: operating mode %v -> %v", old, m)
	}
}

func (p *Pool) SetRecoverer(r SinglePageRecoverer) {
	p.spr = r
}

func (p *Pool) Stats() map[string]int64 {
	return p.stats.Snapshot()
}

func (p *Pool) String() string {
	return fmt.Sprintf("buffer pool: %v frames (%v), %v free, %v resident",
		p.blocks, humanize.IBytes(uint64(p.blocks*pages.PageSize)), p.free.len(), p.hash.size())
}

func (p *Pool) volume(vol pages.VolumeID) (*volumeDesc, error) {
	p.volMu.RLock()
	defer p.volMu.RUnlock()

	desc, ok := p.volumes[vol]
	if !ok {
		return nil, errors.Wrapf(ErrVolumeNotMounted, "volume %v", vol)
	}
	return desc, nil
}

// Volume returns a mounted volume. The page cleaner writes pages through it.
func (p *Pool) Volume(vol pages.VolumeID) (disk.Volume, error) {
	desc, err := p.volume(vol)
	if err != nil {
		return nil, err
	}
	return desc.vol, nil
}

// mountedVolumes returns mounted volumes ordered by id.
func (p *Pool) mountedVolumes() []*volumeDesc {
	p.volMu.RLock()
	defer p.volMu.RUnlock()

	res := make([]*volumeDesc, 0, len(p.volumes))
	for _, d := range p.volumes {
		res = append(res, d)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].vol.ID() < res[j].vol.ID() })
	return res
}

// InstallVolume mounts the volume and loads root pages of all of its stores. Roots stay pinned until the volume is
// uninstalled. Outside normal mode a root that cannot be read correctly is registered as in doubt so that restart
// can recover it.
func (p *Pool) InstallVolume(vol disk.Volume) error {
	p.volMu.RLock()
	_, ok := p.volumes[vol.ID()]
	p.volMu.RUnlock()
	if ok {
		return errors.Errorf("volume %v is already mounted", vol.ID())
	}

	desc := &volumeDesc{
		vol:      vol,
		stores:   vol.Stores(),
		rootPids: map[pages.StoreID]pages.PageID{},
		roots:    map[pages.StoreID]uint32{},
	}

	for _, store := range desc.stores {
		pid, ok := vol.RootPageID(store)
		if !ok {
			return errors.Wrapf(disk.ErrUnknownStore, "store %v of volume %v", store, vol.ID())
		}

		idx, err := p.loadRoot(vol, store, pid)
		if err != nil {
			p.discardFrames(vol.ID())
			return errors.Wrapf(err, "loading root of store %v", store)
		}
		desc.rootPids[store] = pid
		desc.roots[store] = idx
	}

	p.volMu.Lock()
	p.volumes[vol.ID()] = desc
	p.volMu.Unlock()

	p.logger.Printf("buffer: volume %v installed with %v stores", vol.ID(), len(desc.stores))
	return nil
}

func (p *Pool) loadRoot(vol disk.Volume, store pages.StoreID, pid pages.PageID) (uint32, error) {
	key := hashKey(vol.ID(), pid)
	if idx := p.hash.lookup(key); idx != 0 {
		// registered by log analysis before the volume was mounted
		cb := p.getCB(idx)
		cb.pin()
		cb.isRoot.Store(true)
		return idx, nil
	}

	idx, err := p.grabFreeBlock(p.Mode() != ModeLogAnalysis)
	if err != nil {
		return 0, err
	}

	cb := p.getCB(idx)
	cb.latch.Acquire(LatchEX, false)
	cb.key.Store(key)
	cb.store.Store(uint32(store))
	cb.isRoot.Store(true)
	if err := p.loadPage(idx, vol, pid, false, 0); err != nil {
		if p.Mode() == ModeNormal || !errors.Is(err, ErrNoParentSPR) {
			p.releaseClaimedFrame(idx, false)
			return 0, err
		}

		cb.inDoubt.Store(true)
		p.logger.Printf("buffer: root page %v of volume %v is corrupted, waiting for recovery", pid, vol.ID())
	}

	cb.used.Store(true)
	if !p.hash.insertIfNotExists(key, idx) {
		p.releaseClaimedFrame(idx, false)
		return 0, errors.Wrapf(ErrPageAlreadyResident, "root page %v", pid)
	}
	cb.latch.Unlock()

	// the claim pin is kept as the permanent pin of the root
	return idx, nil
}

// UninstallVolume asks the cleaner to write the volume's dirty pages and then drops all frames of the volume. Caller
// must make sure no page of the volume is fixed.
func (p *Pool) UninstallVolume(vol pages.VolumeID) error {
	if _, err := p.volume(vol); err != nil {
		return err
	}

	if c := p.getCleaner(); c != nil {
		if err := c.ForceVolume(vol); err != nil {
			return errors.Wrapf(err, "forcing volume %v", vol)
		}
	}

	p.volMu.Lock()
	delete(p.volumes, vol)
	p.volMu.Unlock()

	p.discardFrames(vol)
	p.logger.Printf("buffer: volume %v uninstalled", vol)
	return nil
}

// discardFrames returns every frame of the volume to the free list regardless of its state.
func (p *Pool) discardFrames(vol pages.VolumeID) {
	p.evictMu.Lock()
	defer p.evictMu.Unlock()

	dropped := 0
	for i := 1; i <= p.blocks; i++ {
		idx := uint32(i)
		cb := p.getCB(idx)
		if !cb.used.Load() {
			continue
		}

		key := cb.key.Load()
		if v, _ := splitKey(key); v != vol {
			continue
		}

		if cb.dirty.Load() || cb.inDoubt.Load() {
			dropped++
		}
		p.hash.removeIf(key, idx)
		cb.clear()
		cb.pinCount.Store(0)
		p.free.push(idx)
	}

	if dropped > 0 {
		p.logger.Printf("buffer: %v dirty pages of volume %v are dropped", dropped, vol)
	}
}

// Destroy stops the cleaner, uninstalls all volumes and releases the frames. The pool cannot be used afterwards.
func (p *Pool) Destroy() error {
	if c := p.getCleaner(); c != nil {
		if err := c.ForceAll(); err != nil {
			p.logger.Printf("buffer: forcing pages on destroy failed: %v", err)
		}
		c.Stop()
		p.SetCleaner(nil)
	}

	for _, d := range p.mountedVolumes() {
		if err := p.UninstallVolume(d.vol.ID()); err != nil {
			return err
		}
	}

	arena := p.arena
	p.arena = nil
	return freeArena(arena)
}

// grabFreeBlock pops a free frame and returns it pinned. When the free list is empty it runs the eviction walker with
// increasing urgency, waking the cleaner up in between, since dirty frames cannot be evicted.
func (p *Pool) grabFreeBlock(evictAllowed bool) (uint32, error) {
	for attempt := 0; attempt < common.MaxGrabAttempts; attempt++ {
		if idx := p.free.pop(); idx != 0 {
			cb := p.getCB(idx)
			cb.pin()
			common.Assert(!cb.used.Load(), "frame %v on free list is in use", idx)
			return idx, nil
		}

		if !evictAllowed {
			return 0, ErrBufferFull
		}

		urgency := EvictNormal
		if attempt >= 2 {
			urgency = EvictComplete
		} else if attempt == 1 {
			urgency = EvictUrgent
		}

		if p.EvictBlocks(urgency, 0) == 0 {
			p.WakeupCleaner()
			backoff(attempt)
		}
	}

	return 0, errors.Wrapf(ErrFrameNotFound, "after %v attempts", common.MaxGrabAttempts)
}

// addFreeBlock returns a cleared frame to the free list.
func (p *Pool) addFreeBlock(idx uint32) {
	cb := p.getCB(idx)
	common.Assert(!cb.used.Load() && !cb.dirty.Load() && !cb.inDoubt.Load(), "frame %v is not clear", idx)
	p.free.push(idx)
}

// releaseClaimedFrame undoes grabFreeBlock for a frame that is latched exclusively by the caller.
func (p *Pool) releaseClaimedFrame(idx uint32, removeHash bool) {
	cb := p.getCB(idx)
	if removeHash {
		p.hash.removeIf(cb.key.Load(), idx)
	}
	cb.clear()
	cb.latch.Unlock()
	cb.unpin()
	p.addFreeBlock(idx)
}

func backoff(attempt int) {
	time.Sleep(time.Duration(attempt+1) * 100 * time.Microsecond)
}
