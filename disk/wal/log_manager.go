package wal

import (
	"sync"
	"sync/atomic"

	"github.com/caetanosauer/zero-sub005/disk/pages"
	"github.com/dgraph-io/ristretto/v2"
	"github.com/pkg/errors"
)

var ErrLsnNotFound = errors.New("no log record with given lsn")

// LogManager is the write side of the log the buffer pool needs: appending page records, and flushing before a
// dirty page is written (write ahead rule).
type LogManager interface {
	// AppendLog appends a log record to wal, set its lsn and return it. This method does not directly flush
	// log buffer's content to disk.
	AppendLog(lr *LogRecord) pages.LSN
	Flush() error
	GetFlushedLSNOrZero() pages.LSN
}

// LogReader gives random access to log records by lsn. Records returned by Fetch are shared and must not be modified.
type LogReader interface {
	Fetch(lsn pages.LSN) (*LogRecord, error)
	CurrLSN() pages.LSN
}

// MemLogManager keeps serialized log records in memory. Lsn of a record is its position in the log starting from 1,
// so lsns are dense. Decoded records are cached since single page recovery fetches the same records repeatedly.
type MemLogManager struct {
	serde LogRecordSerDe

	mu      sync.RWMutex
	records [][]byte

	flushed atomic.Uint64
	cache   *ristretto.Cache[uint64, *LogRecord]
}

var (
	_ LogManager = &MemLogManager{}
	_ LogReader  = &MemLogManager{}
)

// NewMemLogManager creates a log that caches up to cacheSize decoded records.
func NewMemLogManager(cacheSize int64) (*MemLogManager, error) {
	if cacheSize <= 0 {
		cacheSize = 1024
	}

	cache, err := ristretto.NewCache(&ristretto.Config[uint64, *LogRecord]{
		NumCounters: cacheSize * 10,
		MaxCost:     cacheSize,
		BufferItems: 64,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create log record cache")
	}

	return &MemLogManager{
		serde:   NewDefaultSerDe(),
		records: make([][]byte, 0),
		cache:   cache,
	}, nil
}

func (l *MemLogManager) AppendLog(lr *LogRecord) pages.LSN {
	l.mu.Lock()
	defer l.mu.Unlock()

	lr.Lsn = pages.LSN(len(l.records) + 1)
	l.records = append(l.records, l.serde.Serialize(lr))
	return lr.Lsn
}

// Flush makes every appended record durable.
func (l *MemLogManager) Flush() error {
	l.mu.RLock()
	n := uint64(len(l.records))
	l.mu.RUnlock()

	for {
		curr := l.flushed.Load()
		if curr >= n || l.flushed.CompareAndSwap(curr, n) {
			return nil
		}
	}
}

func (l *MemLogManager) GetFlushedLSNOrZero() pages.LSN {
	return pages.LSN(l.flushed.Load())
}

func (l *MemLogManager) CurrLSN() pages.LSN {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return pages.LSN(len(l.records))
}

func (l *MemLogManager) Fetch(lsn pages.LSN) (*LogRecord, error) {
	if lr, ok := l.cache.Get(uint64(lsn)); ok {
		return lr, nil
	}

	l.mu.RLock()
	if lsn == 0 || int(lsn) > len(l.records) {
		l.mu.RUnlock()
		return nil, errors.Wrapf(ErrLsnNotFound, "lsn %v", lsn)
	}
	raw := l.records[lsn-1]
	l.mu.RUnlock()

	lr := &LogRecord{}
	if err := l.serde.Deserialize(raw, lr); err != nil {
		return nil, errors.Wrapf(err, "lsn %v", lsn)
	}

	l.cache.Set(uint64(lsn), lr, 1)
	return lr, nil
}

// Crash drops every record that was not flushed, as if the process had died.
func (l *MemLogManager) Crash() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.records = l.records[:l.flushed.Load()]
	l.cache.Clear()
}

func (l *MemLogManager) Close() {
	l.cache.Close()
}
