package common

import (
	"sync"
	"sync/atomic"
)

var mutexPool sync.Pool

// init initializes mutexPool
func init() {
	mutexPool = sync.Pool{New: func() any {
		return &sync.Mutex{}
	}}
}

// KeyMutex is a set of mutexes addressed by key. The cleaner uses it to serialize forcing the same volume while
// different volumes are forced in parallel.
type KeyMutex[T comparable] struct {
	mutexes sync.Map
	gcLock  sync.Mutex
	counter uint64
}

// Lock acquires a lock for the given key and returns a releaser function. Caller should call releaser after
// it is done with the lock.
func (m *KeyMutex[T]) Lock(key T) func() {
	for {
		m.gcLock.Lock()

		// call gc every 1000th call.
		if c := atomic.AddUint64(&m.counter, 1); c%1000 == 0 {
			m.gc()
		}

		// mutexes are drawn from a pool to reduce gc pressure
		value, _ := m.mutexes.LoadOrStore(key, mutexPool.Get())
		m.gcLock.Unlock()

		mtx := value.(*sync.Mutex)
		mtx.Lock()

		// gc may have collected the mutex between LoadOrStore and Lock. in that case another goroutine could get a
		// fresh mutex for the same key, hence retry.
		if curr, ok := m.mutexes.Load(key); ok && curr == value {
			return func() { mtx.Unlock() }
		}
		mtx.Unlock()
	}
}

// gc garbage collects unlocked mutexes to avoid mutexes map to get fatter infinitely. gcLock must be held so
// that no mutex is handed out while it is being collected.
func (m *KeyMutex[T]) gc() {
	m.mutexes.Range(func(key, value any) bool {
		if mut := value.(*sync.Mutex); mut.TryLock() {
			m.mutexes.Delete(key)
			mut.Unlock()
			mutexPool.Put(mut)
		}

		return true
	})
}
