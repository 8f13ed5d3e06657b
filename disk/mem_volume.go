package disk

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/caetanosauer/zero-sub005/disk/pages"
	"github.com/pkg/errors"
)

// MemVolume is a Volume kept in memory. It counts reads and writes per page and can corrupt pages on purpose, which
// makes it the volume of choice for tests.
type MemVolume struct {
	vol pages.VolumeID

	mu         sync.RWMutex
	data       map[pages.PageID][]byte
	lastPageID pages.PageID
	roots      map[pages.StoreID]pages.PageID

	reads  sync.Map // map[pages.PageID]*atomic.Int64
	writes atomic.Int64
}

var _ Volume = &MemVolume{}

func NewMemVolume(vol pages.VolumeID) *MemVolume {
	return &MemVolume{
		vol:   vol,
		data:  map[pages.PageID][]byte{},
		roots: map[pages.StoreID]pages.PageID{},
	}
}

func (m *MemVolume) ID() pages.VolumeID {
	return m.vol
}

func (m *MemVolume) ReadPage(pid pages.PageID, dest []byte) (bool, error) {
	c, _ := m.reads.LoadOrStore(pid, &atomic.Int64{})
	c.(*atomic.Int64).Add(1)

	m.mu.RLock()
	defer m.mu.RUnlock()

	if pid == 0 || pid > m.lastPageID {
		clear(dest[:PageSize])
		return true, nil
	}

	d, ok := m.data[pid]
	if !ok {
		clear(dest[:PageSize])
		return true, nil
	}

	copy(dest[:PageSize], d)
	return false, nil
}

func (m *MemVolume) WritePage(pid pages.PageID, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.writePage(pid, data)
}

func (m *MemVolume) WritePages(pids []pages.PageID, data [][]byte) error {
	runs, err := consecutiveRuns(pids, data)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, run := range runs {
		for i, d := range run.data {
			if err := m.writePage(run.start+pages.PageID(i), d); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *MemVolume) writePage(pid pages.PageID, data []byte) error {
	if pid == 0 || pid > m.lastPageID {
		return errors.Wrapf(ErrPageNotAllocated, "page %v", pid)
	}

	d := make([]byte, PageSize)
	copy(d, data)
	m.data[pid] = d
	m.writes.Add(1)
	return nil
}

func (m *MemVolume) AllocatePage() (pages.PageID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lastPageID >= pages.MaxPageID {
		return 0, ErrVolumeFull
	}
	m.lastPageID++
	return m.lastPageID, nil
}

func (m *MemVolume) FirstDataPageID() pages.PageID {
	return 1
}

// CreateStore allocates and writes a root page for a new store.
func (m *MemVolume) CreateStore() (pages.StoreID, pages.PageID, error) {
	pid, err := m.AllocatePage()
	if err != nil {
		return 0, 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	store := pages.StoreID(len(m.roots) + 1)
	m.roots[store] = pid
	m.data[pid] = FormatRootPage(m.vol, store, pid)
	return store, pid, nil
}

func (m *MemVolume) Stores() []pages.StoreID {
	m.mu.RLock()
	defer m.mu.RUnlock()

	res := make([]pages.StoreID, 0, len(m.roots))
	for s := range m.roots {
		res = append(res, s)
	}
	sort.Slice(res, func(i, j int) bool { return res[i] < res[j] })
	return res
}

func (m *MemVolume) RootPageID(store pages.StoreID) (pages.PageID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pid, ok := m.roots[store]
	return pid, ok
}

func (m *MemVolume) Close() error {
	return nil
}

// Corrupt flips a byte in the stored image of the page so that its checksum no longer verifies.
func (m *MemVolume) Corrupt(pid pages.PageID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if d, ok := m.data[pid]; ok {
		d[pages.PayloadOffset+PageSize/4] ^= 0xa5
	}
}

// Image returns a copy of the stored image of the page or nil if it was never written.
func (m *MemVolume) Image(pid pages.PageID) pages.Page {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.data[pid]
	if !ok {
		return nil
	}
	res := pages.NewPage()
	copy(res, d)
	return res
}

// Reads returns how many times the page was read.
func (m *MemVolume) Reads(pid pages.PageID) int64 {
	if c, ok := m.reads.Load(pid); ok {
		return c.(*atomic.Int64).Load()
	}
	return 0
}

// Writes returns the total number of page writes.
func (m *MemVolume) Writes() int64 {
	return m.writes.Load()
}
