//go:build linux

// Package meshalloc is a meshing memory allocator: a segregated-fits
// small-object allocator that periodically fuses pairs of sparsely
// occupied slabs onto shared physical pages, returning the freed pages
// to the operating system.
//
// The package-level functions mirror the C allocator surface (malloc,
// free, memalign, usable_size, mallctl) over one process-wide heap.
// They are safe for concurrent use. Embedders wanting per-worker fast
// paths construct their own heap.GlobalHeap and localheap.LocalHeaps
// instead.
package meshalloc

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/cbehopkins/meshalloc/heap"
	"github.com/cbehopkins/meshalloc/internal"
	"github.com/cbehopkins/meshalloc/localheap"
)

var (
	// ErrUnknownName is returned by Mallctl for an unrecognized entry.
	ErrUnknownName = errors.New("meshalloc: unknown mallctl name")

	// ErrBadValue is returned by Mallctl when oldp or newp has the
	// wrong type for the entry.
	ErrBadValue = errors.New("meshalloc: wrong type for mallctl value")
)

var (
	initOnce    sync.Once
	globalHeap  *heap.GlobalHeap
	defaultMu   sync.Mutex
	defaultHeap *localheap.LocalHeap
)

// runtime returns the process-wide heap, building it on first use.
func runtime() (*heap.GlobalHeap, *localheap.LocalHeap) {
	initOnce.Do(func() {
		g, err := heap.New(heap.Config{})
		if err != nil {
			panic(fmt.Sprintf("meshalloc: bootstrap failed: %v", err))
		}
		globalHeap = g
		defaultHeap = localheap.New(g)
	})
	return globalHeap, defaultHeap
}

// Malloc allocates size bytes and returns the pointer, or nil when the
// OS refuses memory.
func Malloc(size uintptr) unsafe.Pointer {
	_, l := runtime()
	defaultMu.Lock()
	ptr := l.Malloc(size)
	defaultMu.Unlock()
	return unsafe.Pointer(ptr)
}

// Free releases an allocation. Freeing nil is a no-op; freeing the
// mesh marker triggers a diagnostic burst of mesh passes; freeing a
// pointer this allocator does not own is silently ignored.
func Free(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}
	g, _ := runtime()
	g.Free(uintptr(ptr))
}

// Calloc allocates count*size bytes, zeroed. Returns nil on overflow
// or allocation failure.
func Calloc(count, size uintptr) unsafe.Pointer {
	if count != 0 && size > ^uintptr(0)/count {
		return nil
	}
	total := count * size
	ptr := Malloc(total)
	if ptr == nil {
		return nil
	}
	mem := unsafe.Slice((*byte)(ptr), total)
	for i := range mem {
		mem[i] = 0
	}
	return ptr
}

// Realloc resizes an allocation, moving it if needed. A nil ptr acts
// like Malloc; a zero size frees and returns nil.
func Realloc(ptr unsafe.Pointer, size uintptr) unsafe.Pointer {
	if ptr == nil {
		return Malloc(size)
	}
	if size == 0 {
		Free(ptr)
		return nil
	}

	old := UsableSize(ptr)
	if old >= size {
		return ptr
	}

	next := Malloc(size)
	if next == nil {
		return nil
	}
	copy(unsafe.Slice((*byte)(next), size), unsafe.Slice((*byte)(ptr), old))
	Free(ptr)
	return next
}

// Memalign allocates size bytes aligned to alignment, a power of two
// no larger than a page.
func Memalign(alignment, size uintptr) (unsafe.Pointer, error) {
	_, l := runtime()
	defaultMu.Lock()
	ptr, err := l.Memalign(alignment, size)
	defaultMu.Unlock()
	if err != nil {
		return nil, err
	}
	return unsafe.Pointer(ptr), nil
}

// UsableSize returns the usable bytes behind ptr: the size-class
// maximum for a small allocation, the recorded size for a large one,
// zero for nil or the mesh marker.
func UsableSize(ptr unsafe.Pointer) uintptr {
	g, _ := runtime()
	return g.UsableSize(uintptr(ptr))
}

// MeshMarker returns the diagnostic sentinel; passing it to Free runs
// a burst of mesh passes and dumps statistics.
func MeshMarker() unsafe.Pointer {
	return unsafe.Pointer(internal.MeshMarker)
}

// BitGet reads a per-object user bit, returning its value (0 or 1).
// Unknown pointers report ErrUnknownName.
func BitGet(typ BitType, ptr unsafe.Pointer) (int, error) {
	g, _ := runtime()
	v, ok := g.BitGet(typ, uintptr(ptr))
	if !ok {
		return 0, ErrUnknownName
	}
	return v, nil
}

// BitSet sets a per-object user bit, returning the previous value.
func BitSet(typ BitType, ptr unsafe.Pointer) (int, error) {
	g, _ := runtime()
	v, ok := g.BitSet(typ, uintptr(ptr))
	if !ok {
		return 0, ErrUnknownName
	}
	return v, nil
}

// BitClear clears a per-object user bit, returning the previous value.
func BitClear(typ BitType, ptr unsafe.Pointer) (int, error) {
	g, _ := runtime()
	v, ok := g.BitClear(typ, uintptr(ptr))
	if !ok {
		return 0, ErrUnknownName
	}
	return v, nil
}

// Mallctl reads and writes entries in the statistics and configuration
// namespace. oldp, when non-nil, receives the current value; newp,
// when non-nil, supplies a new one. Entries:
//
//	version             oldp *string
//	epoch               newp any (refreshes cached stats; a no-op here)
//	mesh.check_period   oldp *int, newp int
//	mesh.now            newp any (runs one mesh pass)
//	stats.meshCount     oldp *uint64
//	stats.mhAllocCount  oldp *uint64
//	stats.mhFreeCount   oldp *uint64
//	stats.highWaterMark oldp *uint64
//	arena.pages         oldp *int (allocated pages)
//	arena.backedPages   oldp *int (physically backed pages)
func Mallctl(name string, oldp, newp interface{}) error {
	g, _ := runtime()

	switch name {
	case "version":
		if oldp != nil {
			s, ok := oldp.(*string)
			if !ok {
				return ErrBadValue
			}
			*s = fmt.Sprintf("%d.%d", VersionMajor, VersionMinor)
		}
		return nil

	case "epoch":
		return nil

	case "mesh.check_period":
		if oldp != nil {
			v, ok := oldp.(*int)
			if !ok {
				return ErrBadValue
			}
			*v = g.MeshPeriod()
		}
		if newp != nil {
			v, ok := newp.(int)
			if !ok || v < 1 {
				return ErrBadValue
			}
			g.SetMeshPeriod(v)
		}
		return nil

	case "mesh.now":
		if newp != nil {
			g.MeshAllSizeClasses()
		}
		return nil

	case "stats.meshCount":
		return statOut(oldp, g.Stats().MeshCount)
	case "stats.mhAllocCount":
		return statOut(oldp, g.Stats().MhAllocCount)
	case "stats.mhFreeCount":
		return statOut(oldp, g.Stats().MhFreeCount)
	case "stats.highWaterMark":
		return statOut(oldp, g.Stats().HighWaterMark)

	case "arena.pages":
		if oldp != nil {
			v, ok := oldp.(*int)
			if !ok {
				return ErrBadValue
			}
			*v = g.Arena().AllocatedPages()
		}
		return nil

	case "arena.backedPages":
		if oldp != nil {
			v, ok := oldp.(*int)
			if !ok {
				return ErrBadValue
			}
			*v = g.Arena().BackedPages()
		}
		return nil
	}

	return ErrUnknownName
}

func statOut(oldp interface{}, value uint64) error {
	if oldp == nil {
		return nil
	}
	v, ok := oldp.(*uint64)
	if !ok {
		return ErrBadValue
	}
	*v = value
	return nil
}
