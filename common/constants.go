package common

import "time"

const (
	// DefaultBlockCount is the number of frames of a pool when no size is given.
	DefaultBlockCount = 1024

	// EvictRounds is the number of CLOCK rounds a single eviction pass runs before giving up. Every round halves
	// the chance of a hot page surviving.
	EvictRounds = 4

	// EvictBatchRatio is the fraction of the pool an eviction pass tries to free when the caller does not ask for
	// a specific number of frames.
	EvictBatchRatio = 0.01

	// MaxGrabAttempts bounds how many times grabbing a free frame escalates eviction before giving up.
	MaxGrabAttempts = 8

	// MaxTreeDepth bounds the depth the eviction walker descends. Deeper pages are simply not visited.
	MaxTreeDepth = 16

	// RefCountMax is the saturation value of the approximate reference counter of a frame.
	RefCountMax = 1 << 12

	// CleanerInterval is the duration between two background cleaning rounds if nobody wakes the cleaner up.
	CleanerInterval = time.Millisecond * 50

	// CleanerBatchSize is the maximum number of pages written by one WritePages call.
	CleanerBatchSize = 64
)
