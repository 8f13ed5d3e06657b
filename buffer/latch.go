package buffer

import "sync"

type LatchMode int

const (
	LatchNone LatchMode = iota
	LatchSH
	LatchEX
)

func (m LatchMode) String() string {
	switch m {
	case LatchSH:
		return "SH"
	case LatchEX:
		return "EX"
	default:
		return "NONE"
	}
}

// Latch is the reader writer lock of a frame. It protects page content, never the control block.
type Latch struct {
	mu sync.RWMutex
}

// Acquire latches in given mode. When conditional is set it does not wait and reports whether the latch is taken.
func (l *Latch) Acquire(mode LatchMode, conditional bool) bool {
	switch mode {
	case LatchSH:
		if conditional {
			return l.mu.TryRLock()
		}
		l.mu.RLock()
	case LatchEX:
		if conditional {
			return l.mu.TryLock()
		}
		l.mu.Lock()
	}

	return true
}

func (l *Latch) Release(mode LatchMode) {
	switch mode {
	case LatchSH:
		l.mu.RUnlock()
	case LatchEX:
		l.mu.Unlock()
	}
}

func (l *Latch) TryRLock() bool { return l.mu.TryRLock() }
func (l *Latch) TryLock() bool  { return l.mu.TryLock() }
func (l *Latch) RUnlock()       { l.mu.RUnlock() }
func (l *Latch) Unlock()        { l.mu.Unlock() }
