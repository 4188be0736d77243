//go:build linux

// Package localheap is the allocation fast path: a per-worker cache
// holding one miniheap per size class and a shuffled stack of its free
// slot offsets. Pops are lock-free; allocation touches the global heap
// only on refill and retirement, and every free goes straight to the
// global heap.
//
// A LocalHeap is not safe for concurrent use. Give each worker its
// own, the way the original gives each thread one.
package localheap

import (
	"errors"
	"math/bits"

	"github.com/cbehopkins/meshalloc/heap"
	"github.com/cbehopkins/meshalloc/internal"
	"github.com/cbehopkins/meshalloc/miniheap"
)

var (
	ErrBadAlignment = errors.New("localheap: alignment must be a power of two no larger than a page")
)

// shuffleVector holds the randomized freelist for one size class.
type shuffleVector struct {
	mh      *miniheap.MiniHeap
	offsets [internal.MaxSlots]uint16
	length  int
}

// LocalHeap caches miniheaps away from the global lock.
type LocalHeap struct {
	global  *heap.GlobalHeap
	vectors []shuffleVector
}

// New attaches a fresh cache to the global heap.
func New(g *heap.GlobalHeap) *LocalHeap {
	return &LocalHeap{
		global:  g,
		vectors: make([]shuffleVector, g.NumBins()),
	}
}

// Malloc allocates size bytes, from the cache when the size is small
// enough to mesh, from the big heap otherwise.
func (l *LocalHeap) Malloc(size uintptr) uintptr {
	if size > l.global.MaxObjectSize() {
		return l.global.Malloc(size)
	}
	return l.allocFromClass(l.global.SizeClassOf(size))
}

// allocFromClass pops a randomized offset and claims it. A claim can
// lose to nobody (the cache owns its miniheap's allocations), but the
// compare-and-swap keeps the path honest against stray frees.
func (l *LocalHeap) allocFromClass(sizeClass int) uintptr {
	sv := &l.vectors[sizeClass]
	for {
		for sv.length > 0 {
			sv.length--
			off := sv.offsets[sv.length]
			if ptr := sv.mh.MallocAt(int(off)); ptr != 0 {
				return ptr
			}
		}
		l.refill(sv, sizeClass)
	}
}

// refill restocks the shuffle vector, first from slots freed back into
// the attached miniheap, then from a fresh miniheap once the attached
// one has handed out its full capacity.
func (l *LocalHeap) refill(sv *shuffleVector, sizeClass int) {
	if sv.mh != nil {
		if n := sv.mh.FillOffsets(sv.offsets[:]); n > 0 {
			sv.length = n
			return
		}
		// Nothing left to hand out: the miniheap is done and belongs
		// to the global heap (and the meshing engine) now.
		sv.mh.SetDone()
		sv.mh = nil
	}

	sv.mh = l.global.AllocMiniheap(l.global.ClassMaxSize(sizeClass))
	sv.length = sv.mh.FillOffsets(sv.offsets[:])
}

// Free releases ptr through the global heap. The cache keeps no
// per-object state, so there is no local fast path to invalidate.
func (l *LocalHeap) Free(ptr uintptr) {
	l.global.Free(ptr)
}

// Memalign allocates size bytes aligned to alignment, which must be a
// power of two no larger than a page. Size classes are powers of two,
// so the smallest class at least as large as both the size and the
// alignment is automatically a multiple of the alignment; anything
// beyond the largest class goes to the big heap, whose mappings are
// page-aligned.
func (l *LocalHeap) Memalign(alignment, size uintptr) (uintptr, error) {
	if alignment == 0 || bits.OnesCount64(uint64(alignment)) != 1 || alignment > internal.PageSize {
		return 0, ErrBadAlignment
	}

	want := size
	if want < alignment {
		want = alignment
	}
	if want == 0 {
		want = 1
	}
	if want > l.global.MaxObjectSize() {
		return l.global.Malloc(size), nil
	}
	return l.allocFromClass(l.global.SizeClassOf(want)), nil
}

// ReleaseAll retires every attached miniheap back to the global heap.
// Call when the owning worker exits.
func (l *LocalHeap) ReleaseAll() {
	for i := range l.vectors {
		sv := &l.vectors[i]
		if sv.mh != nil {
			l.global.ReleaseMiniheap(sv.mh)
			sv.mh = nil
		}
		sv.length = 0
	}
}
