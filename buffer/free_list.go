package buffer

import "sync"

// freeList is a stack of unused frames linked through next. Index 0 terminates the list.
type freeList struct {
	mu   sync.Mutex
	head uint32
	next []uint32
	size int
}

func newFreeList(blocks int) *freeList {
	f := &freeList{next: make([]uint32, blocks+1)}
	for i := blocks; i >= 1; i-- {
		f.push(uint32(i))
	}
	return f
}

func (f *freeList) push(idx uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.next[idx] = f.head
	f.head = idx
	f.size++
}

func (f *freeList) pop() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()

	idx := f.head
	if idx != 0 {
		f.head = f.next[idx]
		f.next[idx] = 0
		f.size--
	}
	return idx
}

func (f *freeList) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.size
}
