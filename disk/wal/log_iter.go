package wal

import (
	"github.com/caetanosauer/zero-sub005/disk/pages"
	"github.com/pkg/errors"
)

var ErrIteratorAtBeginning = errors.New("iterator is at the beginning")
var ErrIteratorAtEnd = errors.New("iterator is at the end")

// LogIterator is used to move around a log.
type LogIterator interface {
	Next() (*LogRecord, error)
	Prev() (*LogRecord, error)
	Curr() (*LogRecord, error)
}

type readerIterator struct {
	r    LogReader
	curr pages.LSN
}

// NewLogIterator returns an iterator over r. The first call to Next returns the record at from.
func NewLogIterator(r LogReader, from pages.LSN) LogIterator {
	if from == 0 {
		from = 1
	}
	return &readerIterator{r: r, curr: from - 1}
}

func (it *readerIterator) Next() (*LogRecord, error) {
	if it.curr >= it.r.CurrLSN() {
		return nil, ErrIteratorAtEnd
	}
	it.curr++
	return it.r.Fetch(it.curr)
}

func (it *readerIterator) Prev() (*LogRecord, error) {
	if it.curr <= 1 {
		return nil, ErrIteratorAtBeginning
	}
	it.curr--
	return it.r.Fetch(it.curr)
}

func (it *readerIterator) Curr() (*LogRecord, error) {
	return it.r.Fetch(it.curr)
}

func PrevToType(it LogIterator, t LogRecordType) (*LogRecord, error) {
	for {
		lr, err := it.Prev()
		if err != nil {
			return nil, err
		}

		if lr.T == t {
			return lr, nil
		}
	}
}

func NextToType(it LogIterator, t LogRecordType) (*LogRecord, error) {
	for {
		lr, err := it.Next()
		if err != nil {
			return nil, err
		}

		if lr.T == t {
			return lr, nil
		}
	}
}
