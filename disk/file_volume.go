package disk

import (
	"encoding/binary"
	"io"
	"log"
	"os"
	"sort"
	"sync"

	"github.com/caetanosauer/zero-sub005/disk/pages"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const volumeMagic uint32 = 0x7a65726f

const maxStores = (PageSize - 64) / 8

// FileVolume keeps a volume in a single file. Page n lives at offset n*PageSize. Page 0 keeps the header which is
// cached in memory and rewritten whenever it changes.
type FileVolume struct {
	file     *os.File
	filename string
	fsync    bool

	mu     sync.Mutex
	header volumeHeader
}

type volumeHeader struct {
	vol        pages.VolumeID
	uuid       uuid.UUID
	lastPageID pages.PageID
	roots      map[pages.StoreID]pages.PageID
}

var _ Volume = &FileVolume{}

// OpenFileVolume opens the volume file, creating it with the given id if it does not exist. For an existing file vol
// is ignored and the id kept in the header is used. created is true when a new file is initialized.
func OpenFileVolume(file string, vol pages.VolumeID, fsync bool) (v *FileVolume, created bool, err error) {
	f, err := os.OpenFile(file, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, false, errors.Wrapf(err, "open volume %v", file)
	}

	stats, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, false, err
	}

	v = &FileVolume{file: f, filename: file, fsync: fsync}
	if stats.Size() == 0 {
		// first page is reserved for the header, so data pages start from 1
		v.header = volumeHeader{vol: vol, uuid: uuid.New(), lastPageID: 0, roots: map[pages.StoreID]pages.PageID{}}
		if err := v.writeHeader(); err != nil {
			_ = f.Close()
			return nil, false, err
		}
		log.Printf("disk: created volume %v (%v) at %v\n", vol, v.header.uuid, file)
		return v, true, nil
	}

	if err := v.readHeader(); err != nil {
		_ = f.Close()
		return nil, false, err
	}

	return v, false, nil
}

func (v *FileVolume) ID() pages.VolumeID {
	return v.header.vol
}

// UUID returns the identity assigned to the volume when its file was created.
func (v *FileVolume) UUID() uuid.UUID {
	return v.header.uuid
}

func (v *FileVolume) ReadPage(pid pages.PageID, dest []byte) (bool, error) {
	v.mu.Lock()
	last := v.header.lastPageID
	v.mu.Unlock()

	if pid == 0 || pid > last {
		clear(dest[:PageSize])
		return true, nil
	}

	n, err := v.file.ReadAt(dest[:PageSize], int64(pid)*PageSize)
	if err == io.EOF || (err == nil && n < PageSize) {
		// allocated but never written
		clear(dest[:PageSize])
		return true, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "read page %v", pid)
	}

	return false, nil
}

func (v *FileVolume) WritePage(pid pages.PageID, data []byte) error {
	if err := v.checkAllocated(pid); err != nil {
		return err
	}

	n, err := v.file.WriteAt(data[:PageSize], int64(pid)*PageSize)
	if err != nil {
		return errors.Wrapf(err, "write page %v", pid)
	}
	if n != PageSize {
		panic("written bytes are not equal to page size")
	}

	return v.sync()
}

func (v *FileVolume) WritePages(pids []pages.PageID, data [][]byte) error {
	runs, err := consecutiveRuns(pids, data)
	if err != nil {
		return err
	}

	for _, run := range runs {
		if err := v.checkAllocated(run.start + pages.PageID(len(run.data)-1)); err != nil {
			return err
		}

		write := make([]byte, 0, PageSize*len(run.data))
		for _, datum := range run.data {
			write = append(write, datum[:PageSize]...)
		}

		if _, err := v.file.WriteAt(write, int64(run.start)*PageSize); err != nil {
			return errors.Wrapf(err, "write pages starting at %v", run.start)
		}
	}

	return v.sync()
}

func (v *FileVolume) AllocatePage() (pages.PageID, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.header.lastPageID >= pages.MaxPageID {
		return 0, ErrVolumeFull
	}

	v.header.lastPageID++
	if err := v.writeHeader(); err != nil {
		v.header.lastPageID--
		return 0, err
	}

	return v.header.lastPageID, nil
}

func (v *FileVolume) FirstDataPageID() pages.PageID {
	return 1
}

// CreateStore allocates a root page, writes its initial image and registers the store in the header.
func (v *FileVolume) CreateStore() (pages.StoreID, pages.PageID, error) {
	pid, err := v.AllocatePage()
	if err != nil {
		return 0, 0, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if len(v.header.roots) >= maxStores {
		return 0, 0, errors.New("too many stores in volume")
	}

	store := pages.StoreID(len(v.header.roots) + 1)
	if _, err := v.file.WriteAt(FormatRootPage(v.header.vol, store, pid), int64(pid)*PageSize); err != nil {
		return 0, 0, errors.Wrap(err, "write root page")
	}

	v.header.roots[store] = pid
	if err := v.writeHeader(); err != nil {
		delete(v.header.roots, store)
		return 0, 0, err
	}

	return store, pid, nil
}

func (v *FileVolume) Stores() []pages.StoreID {
	v.mu.Lock()
	defer v.mu.Unlock()

	res := make([]pages.StoreID, 0, len(v.header.roots))
	for s := range v.header.roots {
		res = append(res, s)
	}
	sort.Slice(res, func(i, j int) bool { return res[i] < res[j] })
	return res
}

func (v *FileVolume) RootPageID(store pages.StoreID) (pages.PageID, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	pid, ok := v.header.roots[store]
	return pid, ok
}

func (v *FileVolume) Close() error {
	if err := v.file.Sync(); err != nil {
		return err
	}
	return v.file.Close()
}

func (v *FileVolume) checkAllocated(pid pages.PageID) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if pid == 0 || pid > v.header.lastPageID {
		return errors.Wrapf(ErrPageNotAllocated, "page %v", pid)
	}
	return nil
}

func (v *FileVolume) sync() error {
	if !v.fsync {
		return nil
	}
	return v.file.Sync()
}

// writeHeader serializes the header into page 0. mu must be held or the volume must not be shared yet.
func (v *FileVolume) writeHeader() error {
	page := make([]byte, PageSize)
	binary.LittleEndian.PutUint32(page, volumeMagic)
	binary.LittleEndian.PutUint16(page[4:], uint16(v.header.vol))
	copy(page[8:24], v.header.uuid[:])
	binary.LittleEndian.PutUint32(page[24:], uint32(v.header.lastPageID))
	binary.LittleEndian.PutUint32(page[28:], uint32(len(v.header.roots)))

	off := 64
	for store, root := range v.header.roots {
		binary.LittleEndian.PutUint32(page[off:], uint32(store))
		binary.LittleEndian.PutUint32(page[off+4:], uint32(root))
		off += 8
	}

	if _, err := v.file.WriteAt(page, 0); err != nil {
		return errors.Wrap(err, "write volume header")
	}
	return v.sync()
}

func (v *FileVolume) readHeader() error {
	page := make([]byte, PageSize)
	if _, err := v.file.ReadAt(page, 0); err != nil {
		return errors.Wrap(err, "read volume header")
	}

	if binary.LittleEndian.Uint32(page) != volumeMagic {
		return ErrBadVolumeHeader
	}

	h := volumeHeader{
		vol:        pages.VolumeID(binary.LittleEndian.Uint16(page[4:])),
		lastPageID: pages.PageID(binary.LittleEndian.Uint32(page[24:])),
		roots:      map[pages.StoreID]pages.PageID{},
	}
	copy(h.uuid[:], page[8:24])

	n := int(binary.LittleEndian.Uint32(page[28:]))
	if n > maxStores {
		return ErrBadVolumeHeader
	}

	off := 64
	for i := 0; i < n; i++ {
		store := pages.StoreID(binary.LittleEndian.Uint32(page[off:]))
		h.roots[store] = pages.PageID(binary.LittleEndian.Uint32(page[off+4:]))
		off += 8
	}

	v.header = h
	return nil
}
