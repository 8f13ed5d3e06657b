package common

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Stats is a set of named monotonically increasing counters. Counters are created lazily and after creation they
// are incremented without taking the lock.
type Stats struct {
	counters sync.Map // map[string]*atomic.Int64
}

func NewStats() *Stats {
	return &Stats{}
}

func (s *Stats) counter(key string) *atomic.Int64 {
	if v, ok := s.counters.Load(key); ok {
		return v.(*atomic.Int64)
	}

	v, _ := s.counters.LoadOrStore(key, &atomic.Int64{})
	return v.(*atomic.Int64)
}

func (s *Stats) Incr(key string) {
	s.counter(key).Add(1)
}

func (s *Stats) Add(key string, delta int64) {
	s.counter(key).Add(delta)
}

func (s *Stats) Get(key string) int64 {
	if v, ok := s.counters.Load(key); ok {
		return v.(*atomic.Int64).Load()
	}
	return 0
}

// Snapshot returns a copy of all counters.
func (s *Stats) Snapshot() map[string]int64 {
	res := map[string]int64{}
	s.counters.Range(func(key, value any) bool {
		res[key.(string)] = value.(*atomic.Int64).Load()
		return true
	})
	return res
}

// Keys returns counter names in sorted order.
func (s *Stats) Keys() []string {
	keys := make([]string, 0)
	s.counters.Range(func(key, _ any) bool {
		keys = append(keys, key.(string))
		return true
	})
	sort.Strings(keys)
	return keys
}
