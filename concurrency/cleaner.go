package concurrency

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/caetanosauer/zero-sub005/buffer"
	"github.com/caetanosauer/zero-sub005/common"
	"github.com/caetanosauer/zero-sub005/disk/pages"
	"github.com/caetanosauer/zero-sub005/disk/wal"
	"github.com/pkg/errors"
)

var ErrForceIncomplete = errors.New("dirty pages are left after forcing")

// maxForceRounds bounds cleaning rounds of a single force call. Pages that are updated faster than they are written
// may never become clean.
const maxForceRounds = 16

type CleanerOptions struct {
	// Interval is the period of background rounds.
	Interval time.Duration

	// BatchSize is the maximum number of pages written with one WritePages call.
	BatchSize int

	Logger *log.Logger
}

func DefaultCleanerOptions() CleanerOptions {
	return CleanerOptions{
		Interval:  common.CleanerInterval,
		BatchSize: common.CleanerBatchSize,
		Logger:    log.Default(),
	}
}

// Cleaner writes dirty frames of a buffer pool back to their volumes, in the background and on demand. Log records up
// to a page's lsn are made durable before the page is written.
type Cleaner struct {
	pool *buffer.Pool
	lm   wal.LogManager
	opts CleanerOptions

	wakeup   chan struct{}
	rounds   *common.Event
	volLocks common.KeyMutex[pages.VolumeID]
	stats    *common.Stats

	mut     sync.Mutex
	done    chan bool
	stopped chan struct{}
}

var _ buffer.PageCleaner = &Cleaner{}

func NewCleaner(pool *buffer.Pool, lm wal.LogManager, opts CleanerOptions) *Cleaner {
	if opts.Interval <= 0 {
		opts.Interval = common.CleanerInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = common.CleanerBatchSize
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}

	return &Cleaner{
		pool:   pool,
		lm:     lm,
		opts:   opts,
		wakeup: make(chan struct{}, 1),
		rounds: common.NewEvent(),
		stats:  common.NewStats(),
	}
}

// Run registers the cleaner with the pool and starts background rounds.
func (c *Cleaner) Run() {
	c.mut.Lock()
	defer c.mut.Unlock()

	if c.done != nil {
		panic("cleaner was already running")
	}

	c.done = make(chan bool)
	c.stopped = make(chan struct{})
	c.pool.SetCleaner(c)

	go func() {
		defer close(c.stopped)

		ticker := time.NewTicker(c.opts.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-c.done:
				return
			case <-ticker.C:
			case <-c.wakeup:
			}
			c.round()
		}
	}()
}

// Stop stops background rounds and waits for the running one. Force methods keep working afterwards.
func (c *Cleaner) Stop() {
	c.mut.Lock()
	defer c.mut.Unlock()

	if c.done == nil {
		return
	}

	close(c.done)
	<-c.stopped
	c.done = nil
}

// Wakeup starts a background round without waiting for the ticker. It never blocks.
func (c *Cleaner) Wakeup() {
	select {
	case c.wakeup <- struct{}{}:
	default:
	}
}

// WakeupAndWait wakes the cleaner up and waits until a round completes or d passes.
func (c *Cleaner) WakeupAndWait(d time.Duration) bool {
	gen := c.rounds.Generation()
	c.Wakeup()
	return c.rounds.WaitAfterTimeout(gen, d)
}

func (c *Cleaner) Stats() map[string]int64 {
	return c.stats.Snapshot()
}

func (c *Cleaner) ForceUntilLSN(lsn pages.LSN) error {
	return c.force(func(d buffer.DirtyPage) bool { return d.RecLSN <= lsn })
}

func (c *Cleaner) ForceVolume(vol pages.VolumeID) error {
	return c.force(func(d buffer.DirtyPage) bool { return d.Vol == vol })
}

func (c *Cleaner) ForceAll() error {
	return c.force(func(buffer.DirtyPage) bool { return true })
}

func (c *Cleaner) round() {
	if _, _, err := c.clean(func(buffer.DirtyPage) bool { return true }); err != nil {
		c.stats.Incr("cleaner.error")
		c.opts.Logger.Printf("cleaner: round failed: %v", err)
	}
	c.stats.Incr("cleaner.round")
	c.rounds.Broadcast()
}

// force runs cleaning rounds in the caller's goroutine until no page selected by filter is dirty. A page held back by
// a write order dependency is written in a later round, after its dependency.
func (c *Cleaner) force(filter func(buffer.DirtyPage) bool) error {
	remaining := 0
	for i := 0; i < maxForceRounds; i++ {
		_, left, err := c.clean(filter)
		if err != nil {
			return err
		}
		if left == 0 {
			return nil
		}
		remaining = left
	}
	return errors.Wrapf(ErrForceIncomplete, "%v pages", remaining)
}

// clean writes dirty pages selected by filter. It returns the number of pages marked clean and the number of selected
// pages that are still dirty.
func (c *Cleaner) clean(filter func(buffer.DirtyPage) bool) (int, int, error) {
	byVol := map[pages.VolumeID][]buffer.DirtyPage{}
	total := 0
	for start := uint32(1); start != 0; {
		var batch []buffer.DirtyPage
		batch, start = c.pool.GetRecLSNs(start, c.opts.BatchSize)
		for _, d := range batch {
			// in doubt pages have no image to write until redo loads them
			if d.InDoubt || !filter(d) {
				continue
			}
			byVol[d.Vol] = append(byVol[d.Vol], d)
			total++
		}
	}
	if total == 0 {
		return 0, 0, nil
	}

	if err := c.lm.Flush(); err != nil {
		return 0, total, errors.Wrap(err, "flushing log before writing pages")
	}

	vols := make([]pages.VolumeID, 0, len(byVol))
	for vol := range byVol {
		vols = append(vols, vol)
	}
	sort.Slice(vols, func(i, j int) bool { return vols[i] < vols[j] })

	cleaned := 0
	for _, vol := range vols {
		n, err := c.writeVolume(vol, byVol[vol])
		cleaned += n
		if err != nil {
			return cleaned, total - cleaned, err
		}
	}

	return cleaned, total - cleaned, nil
}

func (c *Cleaner) writeVolume(vol pages.VolumeID, dirty []buffer.DirtyPage) (int, error) {
	release := c.volLocks.Lock(vol)
	defer release()

	v, err := c.pool.Volume(vol)
	if err != nil {
		return 0, err
	}

	// consecutive page ids are merged into one request by the volume
	sort.Slice(dirty, func(i, j int) bool { return dirty[i].PID < dirty[j].PID })

	cleaned := 0
	for len(dirty) > 0 {
		n := min(len(dirty), c.opts.BatchSize)
		chunk := dirty[:n]
		dirty = dirty[n:]

		pids := make([]pages.PageID, 0, n)
		data := make([][]byte, 0, n)
		snaps := make([]buffer.DirtyPage, 0, n)
		for _, d := range chunk {
			if !c.pool.CheckWriteOrderDependency(d.Idx) {
				c.stats.Incr("cleaner.dependency_wait")
				continue
			}

			buf := pages.NewPage()
			snap, ok := c.pool.SnapshotForWrite(d, buf)
			if !ok {
				continue
			}
			pids = append(pids, d.PID)
			data = append(data, buf)
			snaps = append(snaps, snap)
		}
		if len(pids) == 0 {
			continue
		}

		if err := v.WritePages(pids, data); err != nil {
			c.opts.Logger.Printf("cleaner: writing %v pages of volume %v failed: %v", len(pids), vol, err)
			return cleaned, errors.Wrapf(err, "writing pages of volume %v", vol)
		}
		c.stats.Add("cleaner.written", int64(len(pids)))

		for _, s := range snaps {
			if c.pool.MarkFlushed(s) {
				cleaned++
			}
		}
	}

	return cleaned, nil
}
