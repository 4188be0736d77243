//go:build linux

// Package arena manages the contiguous virtual address reservation all
// small-object spans are carved from.
//
// The reservation is one MAP_SHARED mapping of a memfd. File backing is
// what makes meshing possible: a virtual span is a window onto a file
// offset, so remapping one span's window onto another's offset leaves
// two virtual spans reading and writing the same physical pages, and
// the orphaned offset can be hole-punched back to the OS.
//
// Because every span lives inside one reservation, pointer-to-span
// arithmetic is a subtraction and a shift; no global table is needed
// to decide "is this address ours".
package arena

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/cbehopkins/meshalloc/bitmap"
	"github.com/cbehopkins/meshalloc/internal"
)

var (
	ErrArenaExhausted = errors.New("arena: virtual address reservation exhausted")
	ErrBadSpan        = errors.New("arena: span out of range")
)

// Arena owns the reservation, the page-level allocation bitmap and the
// free-span recycling lists. All mutating operations serialize on one
// internal lock; the read-only ownership checks (Contains, Begin) are
// lock-free because the reservation never moves.
type Arena struct {
	mu sync.Mutex

	fd      int
	mapping []byte
	base    uintptr
	pages   int

	// One bit per page: allocated to a span.
	allocated *bitmap.Relaxed

	// One bit per page: backed by its own physical storage. Cleared
	// when a mesh or hole punch releases the page's backing. Allocated
	// and backed diverge exactly on meshed-away source spans.
	backed *bitmap.Relaxed

	// Recycled spans keyed by page count.
	freeSpans map[int][]int

	// Bump frontier: first never-allocated page.
	highWater int

	meshedBytes uintptr
}

// DefaultReserveBytes is the reservation size used when the caller does
// not choose one. Virtual address space is cheap; 16 GiB of it costs
// nothing until touched.
const DefaultReserveBytes = 16 << 30

// New reserves reserveBytes of contiguous virtual address space. The
// reservation is file-backed but sparse; physical pages materialize on
// first touch of an allocated span.
func New(reserveBytes uintptr) (*Arena, error) {
	if reserveBytes == 0 {
		reserveBytes = DefaultReserveBytes
	}
	internal.Assertf(reserveBytes%internal.PageSize == 0,
		"reservation %d not a page multiple", reserveBytes)

	fd, err := unix.MemfdCreate("meshalloc-arena", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("arena: memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(reserveBytes)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("arena: ftruncate: %w", err)
	}

	mapping, err := unix.Mmap(fd, 0, int(reserveBytes),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_NORESERVE)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("arena: mmap reservation: %w", err)
	}

	pages := int(reserveBytes / internal.PageSize)
	return &Arena{
		fd:        fd,
		mapping:   mapping,
		base:      uintptr(unsafe.Pointer(&mapping[0])),
		pages:     pages,
		allocated: bitmap.NewRelaxed(pages),
		backed:    bitmap.NewRelaxed(pages),
		freeSpans: make(map[int][]int),
	}, nil
}

// Begin returns the base address of the reservation. Callers use it for
// pointer-to-page arithmetic.
func (a *Arena) Begin() uintptr {
	return a.base
}

// Contains reports whether ptr lies inside the reservation.
func (a *Arena) Contains(ptr uintptr) bool {
	return ptr >= a.base && ptr < a.base+uintptr(a.pages)*internal.PageSize
}

// SpanAddr returns the virtual address of a page index.
func (a *Arena) SpanAddr(page int) uintptr {
	return a.base + uintptr(page)*internal.PageSize
}

// PageIndex returns the page index containing ptr.
func (a *Arena) PageIndex(ptr uintptr) int {
	internal.Assertf(a.Contains(ptr), "pointer %#x outside arena", ptr)
	return int((ptr - a.base) / internal.PageSize)
}

// AllocSpan hands out a contiguous run of pageCount clear pages,
// marking them allocated and backed. A recycled span of exactly
// pageCount pages is reused if one exists; otherwise the span is bumped
// from the high-water mark. Recycled spans of other sizes are neither
// split nor reused for the request.
// Exhausting the reservation is unrecoverable for the process, but the
// error is returned so the heap layer owns the abort.
func (a *Arena) AllocSpan(pageCount int) (int, error) {
	internal.Assertf(pageCount > 0, "span of %d pages", pageCount)

	a.mu.Lock()
	defer a.mu.Unlock()

	page, ok := a.takeFreeSpan(pageCount)
	if !ok {
		if a.highWater+pageCount > a.pages {
			return 0, ErrArenaExhausted
		}
		page = a.highWater
		a.highWater += pageCount
	}

	for i := page; i < page+pageCount; i++ {
		wasClear := a.allocated.TrySet(i)
		internal.Assertf(wasClear, "page %d already allocated", i)
		a.backed.TrySet(i)
	}
	return page, nil
}

// takeFreeSpan pops an exact-size recycled span. Called with the lock held.
func (a *Arena) takeFreeSpan(pageCount int) (int, bool) {
	spans := a.freeSpans[pageCount]
	if len(spans) == 0 {
		return 0, false
	}
	page := spans[len(spans)-1]
	a.freeSpans[pageCount] = spans[:len(spans)-1]
	return page, true
}

// FreeSpan returns a span to the arena. The span's virtual range is
// restored to its identity mapping (a meshed source span may still be
// aliasing another offset) and its file range is hole-punched so the
// OS reclaims any backing pages.
func (a *Arena) FreeSpan(page, pageCount int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if page < 0 || pageCount <= 0 || page+pageCount > a.pages {
		return ErrBadSpan
	}

	byteLen := uintptr(pageCount) * internal.PageSize
	if err := a.remapLocked(page, page, byteLen); err != nil {
		return err
	}
	if err := a.punchLocked(page, byteLen); err != nil {
		return err
	}

	for i := page; i < page+pageCount; i++ {
		wasSet := !a.allocated.Unset(i)
		internal.Assertf(wasSet, "page %d freed while clear", i)
		a.backed.Unset(i)
	}
	a.freeSpans[pageCount] = append(a.freeSpans[pageCount], page)
	return nil
}

// Mesh collapses two spans onto one physical backing. The caller has
// already copied every live object out of the source span into the
// destination span; Mesh remaps the source's virtual range onto the
// destination's file offset and releases the source's orphaned backing.
//
// Post-condition: loads and stores through either virtual span observe
// each other, and the physical footprint has dropped by byteCount.
// On error neither mapping has changed and the mesh can be abandoned.
func (a *Arena) Mesh(dstPage, srcPage int, byteCount uintptr) error {
	internal.Assertf(byteCount%internal.PageSize == 0,
		"mesh length %d not a page multiple", byteCount)
	pageCount := int(byteCount / internal.PageSize)

	a.mu.Lock()
	defer a.mu.Unlock()

	if dstPage < 0 || srcPage < 0 ||
		dstPage+pageCount > a.pages || srcPage+pageCount > a.pages {
		return ErrBadSpan
	}

	if err := a.remapLocked(srcPage, dstPage, byteCount); err != nil {
		return err
	}
	// The source file range no longer has a window onto it; give its
	// pages back. Failure here is harmless (the alias is already in
	// place), it only delays reclamation.
	if err := a.punchLocked(srcPage, byteCount); err != nil {
		log.Printf("meshalloc: %v", err)
	}

	for i := srcPage; i < srcPage+pageCount; i++ {
		a.backed.Unset(i)
	}
	a.meshedBytes += byteCount
	return nil
}

// remapLocked maps the virtual range at page onto the file offset of
// offsetPage. MAP_FIXED replaces the existing window atomically.
func (a *Arena) remapLocked(page, offsetPage int, byteLen uintptr) error {
	addr := a.base + uintptr(page)*internal.PageSize
	p, err := mmap(addr, byteLen,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_FIXED,
		a.fd, int64(offsetPage)*internal.PageSize)
	if err != nil {
		return fmt.Errorf("arena: remap page %d onto offset of page %d: %w", page, offsetPage, err)
	}
	if p != addr {
		return fmt.Errorf("arena: fixed remap of page %d landed at %#x, want %#x", page, p, addr)
	}
	return nil
}

// punchLocked releases the backing of a file range.
func (a *Arena) punchLocked(page int, byteLen uintptr) error {
	err := unix.Fallocate(a.fd,
		unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE,
		int64(page)*internal.PageSize, int64(byteLen))
	if err != nil {
		return fmt.Errorf("arena: punch hole at page %d: %w", page, err)
	}
	return nil
}

// AllocatedPages returns the number of pages handed out to spans.
func (a *Arena) AllocatedPages() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocated.InUseCount()
}

// BackedPages returns the number of pages with their own physical
// backing. After a mesh this is smaller than AllocatedPages.
func (a *Arena) BackedPages() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.backed.InUseCount()
}

// MeshedBytes returns the cumulative bytes of backing released by
// mesh operations.
func (a *Arena) MeshedBytes() uintptr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.meshedBytes
}

// Close releases the reservation. Only tests call this; a process-wide
// allocator lives as long as the process.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.mapping == nil {
		return nil
	}
	if err := unix.Munmap(a.mapping); err != nil {
		return fmt.Errorf("arena: munmap: %w", err)
	}
	a.mapping = nil
	if err := unix.Close(a.fd); err != nil {
		return fmt.Errorf("arena: close memfd: %w", err)
	}
	return nil
}
