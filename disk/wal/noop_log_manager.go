package wal

import (
	"sync/atomic"

	"github.com/caetanosauer/zero-sub005/disk/pages"
)

// NoopLM hands out increasing lsns but keeps nothing. Pages updated through it can never be recovered.
var NoopLM = &noopLM{}

type noopLM struct {
	lsn atomic.Uint64
}

func (n *noopLM) AppendLog(lr *LogRecord) pages.LSN {
	lr.Lsn = pages.LSN(n.lsn.Add(1))
	return lr.Lsn
}

func (n *noopLM) GetFlushedLSNOrZero() pages.LSN {
	return pages.LSN(n.lsn.Load())
}

func (n *noopLM) Flush() error {
	return nil
}

var _ LogManager = &noopLM{}
