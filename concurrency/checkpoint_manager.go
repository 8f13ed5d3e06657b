package concurrency

import (
	"log"
	"sync"

	"github.com/caetanosauer/zero-sub005/buffer"
	"github.com/caetanosauer/zero-sub005/disk/pages"
	"github.com/caetanosauer/zero-sub005/disk/wal"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack"
)

var ErrCheckpointDuringRestart = errors.New("checkpoint cannot be taken before restart completes")

// DirtyPageEntry is one row of the dirty page table stored in a checkpoint.
type DirtyPageEntry struct {
	Vol     pages.VolumeID `msgpack:"v"`
	PID     pages.PageID   `msgpack:"p"`
	Store   pages.StoreID  `msgpack:"s"`
	RecLSN  pages.LSN      `msgpack:"r"`
	PageLSN pages.LSN      `msgpack:"l"`
}

// Checkpoint is the payload of a checkpoint log record.
type Checkpoint struct {
	// BeginLSN is lsn of the checkpoint begin record. Every update not reflected in Dirty comes after it.
	BeginLSN pages.LSN        `msgpack:"b"`
	Dirty    []DirtyPageEntry `msgpack:"d"`
}

// MinRecLSN returns the smallest recLSN of the dirty page table or 0 if it is empty.
func (c *Checkpoint) MinRecLSN() pages.LSN {
	var res pages.LSN
	for _, e := range c.Dirty {
		if res == 0 || e.RecLSN < res {
			res = e.RecLSN
		}
	}
	return res
}

func DecodeCheckpoint(lr *wal.LogRecord) (*Checkpoint, error) {
	if lr.T != wal.TypeCheckpoint {
		return nil, errors.Errorf("record %v is a %v record, not a checkpoint", lr.Lsn, lr.T)
	}

	c := &Checkpoint{}
	if err := msgpack.Unmarshal(lr.Payload, c); err != nil {
		return nil, errors.Wrapf(err, "decoding checkpoint at lsn %v", lr.Lsn)
	}
	return c, nil
}

type CheckpointManager struct {
	pool   *buffer.Pool
	lm     wal.LogManager
	logger *log.Logger
	lock   sync.Mutex
}

func NewCheckpointManager(pool *buffer.Pool, lm wal.LogManager, logger *log.Logger) *CheckpointManager {
	if logger == nil {
		logger = log.Default()
	}
	return &CheckpointManager{pool: pool, lm: lm, logger: logger}
}

// TakeCheckpoint takes a fuzzy checkpoint: it records the dirty page table without blocking readers or writers and
// without writing any page. Returns lsn of the checkpoint record.
func (c *CheckpointManager) TakeCheckpoint() (pages.LSN, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.pool.Mode() != buffer.ModeNormal {
		return 0, ErrCheckpointDuringRestart
	}

	// pages dirtied while the table is collected have records after begin, analysis picks them up from there
	cp := Checkpoint{BeginLSN: c.lm.AppendLog(wal.NewCheckpointBeginLogRecord())}
	for start := uint32(1); start != 0; {
		var batch []buffer.DirtyPage
		batch, start = c.pool.GetRecLSNs(start, 256)
		for _, d := range batch {
			if d.InDoubt {
				continue
			}
			cp.Dirty = append(cp.Dirty, DirtyPageEntry{Vol: d.Vol, PID: d.PID, Store: d.Store, RecLSN: d.RecLSN, PageLSN: d.PageLSN})
		}
	}

	payload, err := msgpack.Marshal(&cp)
	if err != nil {
		return 0, errors.Wrap(err, "encoding checkpoint")
	}

	lsn := c.lm.AppendLog(wal.NewCheckpointLogRecord(payload))
	if err := c.lm.Flush(); err != nil {
		return 0, errors.Wrap(err, "flushing checkpoint")
	}

	c.logger.Printf("checkpoint: taken at lsn %v with %v dirty pages, min rec lsn %v", lsn, len(cp.Dirty), cp.MinRecLSN())
	return lsn, nil
}
