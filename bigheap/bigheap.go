//go:build linux

// Package bigheap serves allocations above the meshing threshold. Each
// object gets its own anonymous mapping, released wholesale on free.
// Large objects never mesh, so there is nothing clever here: a map from
// address to mapping behind a mutex.
package bigheap

import (
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/cbehopkins/meshalloc/internal"
)

// Heap is the large-object allocator.
type Heap struct {
	mu      sync.Mutex
	objects map[uintptr][]byte
}

// New returns an empty large-object heap.
func New() *Heap {
	return &Heap{objects: make(map[uintptr][]byte)}
}

// roundToPage rounds size up to a whole number of pages.
func roundToPage(size uintptr) uintptr {
	return (size + internal.PageSize - 1) &^ uintptr(internal.PageSize-1)
}

// Malloc allocates size bytes (rounded up to a page multiple) from an
// anonymous mapping. Returns 0 when the OS refuses physical memory,
// which surfaces as a nil malloc to the caller.
func (h *Heap) Malloc(size uintptr) uintptr {
	if size == 0 {
		size = 1
	}
	rounded := roundToPage(size)

	mem, err := unix.Mmap(-1, 0, int(rounded),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return 0
	}

	ptr := uintptr(unsafe.Pointer(&mem[0]))
	h.mu.Lock()
	h.objects[ptr] = mem
	h.mu.Unlock()
	return ptr
}

// Free releases the object at ptr, reporting whether it was ours. A
// foreign pointer is left alone; the caller treats that like a classic
// free of an unknown pointer.
func (h *Heap) Free(ptr uintptr) bool {
	h.mu.Lock()
	mem, ok := h.objects[ptr]
	if ok {
		delete(h.objects, ptr)
	}
	h.mu.Unlock()
	if !ok {
		return false
	}
	_ = unix.Munmap(mem)
	return true
}

// UsableSize returns the mapped size of ptr's object, or 0 for a
// pointer this heap does not own.
func (h *Heap) UsableSize(ptr uintptr) uintptr {
	h.mu.Lock()
	defer h.mu.Unlock()
	if mem, ok := h.objects[ptr]; ok {
		return uintptr(len(mem))
	}
	return 0
}

// Contains reports whether ptr is the base of a live large object.
func (h *Heap) Contains(ptr uintptr) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.objects[ptr]
	return ok
}

// Len returns the number of live large objects.
func (h *Heap) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.objects)
}
