package common

import (
	"sync"
	"time"
)

// Event lets goroutines wait until another goroutine announces that something happened. Every broadcast bumps a
// generation counter so that a waiter never misses a broadcast that happened after it read the generation.
type Event struct {
	mu  *sync.Mutex
	c   *sync.Cond
	gen uint64
}

// Generation returns current generation. Pass it to WaitAfter to wait for the next broadcast.
func (e *Event) Generation() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gen
}

func (e *Event) Wait() {
	e.WaitAfter(e.Generation())
}

// WaitAfter blocks until a broadcast with a generation greater than gen happens.
func (e *Event) WaitAfter(gen uint64) {
	e.mu.Lock()
	for e.gen <= gen {
		e.c.Wait()
	}
	e.mu.Unlock()
}

// WaitAfterTimeout is same as WaitAfter but gives up after d. It returns false on timeout.
func (e *Event) WaitAfterTimeout(gen uint64, d time.Duration) bool {
	deadline := time.Now().Add(d)
	timer := time.AfterFunc(d, func() {
		e.mu.Lock()
		e.c.Broadcast()
		e.mu.Unlock()
	})
	defer timer.Stop()

	e.mu.Lock()
	defer e.mu.Unlock()
	for e.gen <= gen {
		if !time.Now().Before(deadline) {
			return false
		}
		e.c.Wait()
	}
	return true
}

func (e *Event) Broadcast() {
	e.mu.Lock()
	e.gen++
	e.mu.Unlock()
	e.c.Broadcast()
}

func NewEvent() *Event {
	m := &sync.Mutex{}
	return &Event{
		mu: m,
		c:  sync.NewCond(m),
	}
}
