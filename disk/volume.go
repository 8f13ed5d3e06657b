package disk

import (
	"sort"

	"github.com/caetanosauer/zero-sub005/disk/pages"
	"github.com/pkg/errors"
)

const PageSize = pages.PageSize

var (
	ErrPageNotAllocated = errors.New("page is not allocated in the volume")
	ErrUnknownStore     = errors.New("store does not exist in the volume")
	ErrVolumeFull       = errors.New("volume cannot allocate more pages")
	ErrBadVolumeHeader  = errors.New("volume header is corrupted")
)

// Volume is the page io layer a buffer pool reads pages from and the page cleaner writes pages to. Page 0 of every
// volume is reserved for the volume header hence data pages start at FirstDataPageID.
type Volume interface {
	ID() pages.VolumeID

	// ReadPage reads page into dest. If the page was allocated but never written, or lies beyond the end of the
	// volume, dest is zeroed and pastEnd is true.
	ReadPage(pid pages.PageID, dest []byte) (pastEnd bool, err error)
	WritePage(pid pages.PageID, data []byte) error

	// WritePages writes many pages at once. Consecutive page ids are written with a single io request.
	WritePages(pids []pages.PageID, data [][]byte) error

	AllocatePage() (pages.PageID, error)
	FirstDataPageID() pages.PageID

	// Stores returns ids of all stores in ascending order.
	Stores() []pages.StoreID
	RootPageID(store pages.StoreID) (pages.PageID, bool)

	Close() error
}

// FormatRootPage returns the initial image of the root page of a new store. Roots start as empty leaves.
func FormatRootPage(vol pages.VolumeID, store pages.StoreID, pid pages.PageID) pages.Page {
	p := pages.NewPage()
	p.Format(vol, store, pid, 1)
	p.UpdateChecksum()
	return p
}

type pageRun struct {
	start pages.PageID
	data  [][]byte
}

// consecutiveRuns sorts pages by id and groups pages with consecutive ids so that each group can be written by one
// io request.
func consecutiveRuns(pids []pages.PageID, data [][]byte) ([]pageRun, error) {
	if len(pids) != len(data) {
		return nil, errors.New("number of data pages is not equal to number of page ids")
	}

	order := make([]int, len(pids))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool {
		return pids[order[i]] < pids[order[j]]
	})

	runs := make([]pageRun, 0)
	for n, i := range order {
		if n > 0 && pids[i] == pids[order[n-1]]+1 {
			last := &runs[len(runs)-1]
			last.data = append(last.data, data[i])
			continue
		}
		runs = append(runs, pageRun{start: pids[i], data: [][]byte{data[i]}})
	}

	return runs, nil
}
