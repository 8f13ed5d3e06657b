package concurrency

import (
	"log"
	"sort"

	"github.com/caetanosauer/zero-sub005/buffer"
	"github.com/caetanosauer/zero-sub005/disk/pages"
	"github.com/caetanosauer/zero-sub005/disk/wal"
	"github.com/pkg/errors"
)

// InDoubtPage is a page found by log analysis. Its frame may be older than LastLSN.
type InDoubtPage struct {
	Vol      pages.VolumeID
	PID      pages.PageID
	Store    pages.StoreID
	FirstLSN pages.LSN
	LastLSN  pages.LSN
}

type pageKey struct {
	vol pages.VolumeID
	pid pages.PageID
}

// Restart brings a buffer pool up after a crash. Log analysis registers every page that may be missing updates as in
// doubt, then REDO loads each of them, which recovers it through single page recovery. Volumes must be installed
// before Run, preferably in log analysis mode so that corrupted roots wait for recovery instead of failing.
type Restart struct {
	pool   *buffer.Pool
	logs   wal.LogReader
	logger *log.Logger
}

func NewRestart(pool *buffer.Pool, logs wal.LogReader, logger *log.Logger) *Restart {
	if logger == nil {
		logger = log.Default()
	}
	return &Restart{pool: pool, logs: logs, logger: logger}
}

// Run runs log analysis and REDO and leaves the pool in normal mode.
func (r *Restart) Run() error {
	r.pool.SetMode(buffer.ModeLogAnalysis)
	inDoubt, err := r.Analyze()
	if err != nil {
		return errors.Wrap(err, "log analysis")
	}

	r.pool.SetMode(buffer.ModeRedo)
	if err := r.Redo(inDoubt); err != nil {
		return errors.Wrap(err, "redo")
	}

	r.pool.SetMode(buffer.ModeNormal)
	return nil
}

// lastCheckpoint returns the last complete checkpoint in the log or nil if there is none.
func (r *Restart) lastCheckpoint() (*Checkpoint, error) {
	last := r.logs.CurrLSN()
	if last == 0 {
		return nil, nil
	}

	it := wal.NewLogIterator(r.logs, last+1)
	lr, err := it.Curr()
	if err != nil {
		return nil, err
	}
	if lr.T != wal.TypeCheckpoint {
		lr, err = wal.PrevToType(it, wal.TypeCheckpoint)
		if errors.Is(err, wal.ErrIteratorAtBeginning) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
	}

	return DecodeCheckpoint(lr)
}

// Analyze scans the log from the last checkpoint and registers in the pool every page that has updates in the log
// which may be missing from its volume image. Pages of volumes that are not installed are skipped.
func (r *Restart) Analyze() ([]InDoubtPage, error) {
	cp, err := r.lastCheckpoint()
	if err != nil {
		return nil, err
	}

	found := map[pageKey]*InDoubtPage{}
	start := pages.LSN(1)
	if cp != nil {
		start = cp.BeginLSN
		for _, e := range cp.Dirty {
			if e.PageLSN == 0 {
				continue
			}
			first := e.RecLSN
			if first == 0 {
				first = e.PageLSN
			}
			found[pageKey{e.Vol, e.PID}] = &InDoubtPage{Vol: e.Vol, PID: e.PID, Store: e.Store, FirstLSN: first, LastLSN: e.PageLSN}
		}
	}

	it := wal.NewLogIterator(r.logs, start)
	scanned := 0
	for {
		lr, err := it.Next()
		if errors.Is(err, wal.ErrIteratorAtEnd) {
			break
		}
		if err != nil {
			return nil, err
		}
		scanned++

		if !lr.IsPageRecord() {
			continue
		}

		key := pageKey{lr.Vol, lr.PageID}
		p, ok := found[key]
		if !ok {
			p = &InDoubtPage{Vol: lr.Vol, PID: lr.PageID, Store: lr.Store, FirstLSN: lr.Lsn}
			found[key] = p
		}
		if lr.Lsn > p.LastLSN {
			p.LastLSN = lr.Lsn
		}
		if lr.T == wal.TypeFormatPage {
			p.Store = lr.Store
		}
	}

	res := make([]InDoubtPage, 0, len(found))
	skipped := 0
	for _, p := range found {
		if _, err := r.pool.Volume(p.Vol); err != nil {
			skipped++
			continue
		}
		res = append(res, *p)
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].Vol != res[j].Vol {
			return res[i].Vol < res[j].Vol
		}
		return res[i].PID < res[j].PID
	})

	for _, p := range res {
		if err := r.pool.RegisterAndMark(p.Vol, p.PID, p.Store, p.FirstLSN, p.LastLSN); err != nil {
			return nil, err
		}
	}

	r.logger.Printf("restart: analyzed %v records from lsn %v, %v pages in doubt, %v on missing volumes", scanned, start, len(res), skipped)
	return res, nil
}

// Redo loads every in doubt page. Loading replays the page's missing records.
func (r *Restart) Redo(inDoubt []InDoubtPage) error {
	for _, p := range inDoubt {
		h, err := r.pool.FixForRecovery(p.Vol, p.PID)
		if err != nil {
			return errors.Wrapf(err, "page %v of volume %v", p.PID, p.Vol)
		}

		lsn := h.Page().LSN()
		h.Release()
		if lsn < p.LastLSN {
			return errors.Errorf("page %v of volume %v is at lsn %v after redo, log has updates up to %v", p.PID, p.Vol, lsn, p.LastLSN)
		}
	}

	r.logger.Printf("restart: redo of %v pages done", len(inDoubt))
	return nil
}
