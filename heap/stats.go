//go:build linux

package heap

import "sync/atomic"

// stats mirrors the original's global heap counters. The per-class
// high-water marks are guarded by the heap's exclusive lock; the rest
// are plain atomics so hot paths bump them without locking.
type stats struct {
	meshCount     atomic.Uint64
	mhAllocCount  atomic.Uint64
	mhFreeCount   atomic.Uint64
	highWaterMark atomic.Uint64
}

// Stats is a point-in-time snapshot of the heap's counters.
type Stats struct {
	// MeshCount is the number of miniheap pairs fused so far.
	MeshCount uint64

	// MhAllocCount and MhFreeCount count miniheap descriptors created
	// and destroyed.
	MhAllocCount uint64
	MhFreeCount  uint64

	// HighWaterMark is the largest number of simultaneously live
	// miniheaps seen.
	HighWaterMark uint64

	// ClassHighWaterMarks has one entry per size class.
	ClassHighWaterMarks []uint64
}

// raiseHighWater lifts the mark to at least n.
func (s *stats) raiseHighWater(n uint64) {
	for {
		old := s.highWaterMark.Load()
		if n <= old || s.highWaterMark.CompareAndSwap(old, n) {
			return
		}
	}
}
