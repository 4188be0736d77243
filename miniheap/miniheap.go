// Package miniheap implements the fixed-capacity slab descriptor: one
// per (size class, span), with an atomic occupancy bitmap mapping slot
// indices to allocated objects.
//
// A miniheap starts life over a single span. After meshing it may hold
// several spans, all aliasing the same physical pages, so one bitmap
// keeps describing the logical slots regardless of which virtual
// address a caller used.
package miniheap

import (
	"math/rand"
	"sync/atomic"
	"unsafe"

	"github.com/cbehopkins/meshalloc/bitmap"
	"github.com/cbehopkins/meshalloc/internal"
)

// BitType selects one of the four per-object user bits kept in side
// metadata next to the occupancy bitmap.
type BitType int

const (
	Bit0 BitType = iota
	Bit1
	Bit2
	Bit3

	// BitCount is the number of user bit planes.
	BitCount
)

// MiniHeap is the descriptor for one slab. The occupancy bitmap is the
// only concurrently-mutated state; everything else is fixed at
// construction or guarded by the global heap's locks.
type MiniHeap struct {
	spans       []uintptr
	spanSize    uintptr
	objectSize  uintptr
	objectCount int

	occupancy bitmap.Atomic
	userBits  [BitCount]bitmap.Atomic

	rng  *rand.Rand
	done atomic.Bool

	// Intrusive links for the per-size-class list; owned by the global
	// heap under its exclusive lock.
	next *MiniHeap
	prev *MiniHeap
}

// New creates a descriptor over a single span.
func New(spanStart, spanSize, objectSize uintptr, objectCount int, seed int64) *MiniHeap {
	internal.Assertf(objectCount > 0 && objectCount <= internal.MaxSlots,
		"object count %d out of range", objectCount)
	internal.Assertf(uintptr(objectCount)*objectSize <= spanSize,
		"%d objects of %d bytes exceed span of %d bytes", objectCount, objectSize, spanSize)

	m := &MiniHeap{
		spans:       []uintptr{spanStart},
		spanSize:    spanSize,
		objectSize:  objectSize,
		objectCount: objectCount,
		rng:         rand.New(rand.NewSource(seed)),
	}
	m.occupancy.Init(objectCount)
	for i := range m.userBits {
		m.userBits[i].Init(objectCount)
	}
	return m
}

// MallocAt atomically claims slot and returns its address, or 0 if the
// slot was already taken. The meshing engine uses it to place copied
// objects at predetermined slots.
func (m *MiniHeap) MallocAt(slot int) uintptr {
	if !m.occupancy.TrySet(slot) {
		return 0
	}
	return m.spans[0] + uintptr(slot)*m.objectSize
}

// Free releases the object at ptr. The pointer must lie within one of
// this miniheap's spans; anything else is a caller bug and panics.
// Clearing an already-clear bit is not detected here.
func (m *MiniHeap) Free(ptr uintptr) {
	slot, ok := m.SlotOf(ptr)
	internal.Assertf(ok, "free of %#x not owned by this miniheap", ptr)
	m.occupancy.Unset(slot)
}

// SlotOf resolves ptr to its logical slot index, scanning the owned
// spans. Mid-object pointers resolve to the containing slot.
func (m *MiniHeap) SlotOf(ptr uintptr) (int, bool) {
	for _, span := range m.spans {
		if ptr >= span && ptr < span+m.spanSize {
			slot := int((ptr - span) / m.objectSize)
			if slot >= m.objectCount {
				return 0, false
			}
			return slot, true
		}
	}
	return 0, false
}

// Contains reports whether ptr lies within any owned span.
func (m *MiniHeap) Contains(ptr uintptr) bool {
	_, ok := m.SlotOf(ptr)
	return ok
}

// InUseCount returns the number of allocated slots.
func (m *MiniHeap) InUseCount() int {
	return m.occupancy.InUseCount()
}

// ObjectSize returns the size class maximum served by this slab.
func (m *MiniHeap) ObjectSize() uintptr {
	return m.objectSize
}

// ObjectCount returns the slot capacity.
func (m *MiniHeap) ObjectCount() int {
	return m.objectCount
}

// SpanStart returns the primary span's base address.
func (m *MiniHeap) SpanStart() uintptr {
	return m.spans[0]
}

// SpanSize returns the byte length of each span.
func (m *MiniHeap) SpanSize() uintptr {
	return m.spanSize
}

// Spans returns every owned span start address. The slice is the
// descriptor's own; callers must not mutate it.
func (m *MiniHeap) Spans() []uintptr {
	return m.spans
}

// MeshCount returns the number of spans, 1 before any mesh.
func (m *MiniHeap) MeshCount() int {
	return len(m.spans)
}

// MeshedSpan appends a span absorbed from a meshed-away miniheap.
// Called only on the meshing path with the world stopped.
func (m *MiniHeap) MeshedSpan(spanStart uintptr) {
	m.spans = append(m.spans, spanStart)
}

// IsDone reports whether this miniheap has handed out its full initial
// capacity at least once. Only done miniheaps are meshing candidates.
func (m *MiniHeap) IsDone() bool {
	return m.done.Load()
}

// SetDone marks the miniheap done. The owning cache calls this when it
// retires the miniheap after draining its free slots.
func (m *MiniHeap) SetDone() {
	m.done.Store(true)
}

// IsEmpty reports whether no slot is allocated. A done and empty
// miniheap is dead and the heap frees it.
func (m *MiniHeap) IsEmpty() bool {
	return m.occupancy.InUseCount() == 0
}

// Bitmap exposes the occupancy bitmap to the meshing engine.
func (m *MiniHeap) Bitmap() *bitmap.Atomic {
	return &m.occupancy
}

// UsableSize returns the usable size of an object in this slab, which
// is the size class maximum regardless of the requested size.
func (m *MiniHeap) UsableSize(ptr uintptr) uintptr {
	return m.objectSize
}

// FillOffsets writes the currently-clear slot indices into dst in a
// random permutation and returns how many were written. The shuffle is
// defensive (freelist randomization); it has no allocator-semantic
// effect. Reads race benignly with concurrent frees: a slot that frees
// up after the scan is simply picked up on the next refill, and stale
// entries are rejected by MallocAt's compare-and-swap.
func (m *MiniHeap) FillOffsets(dst []uint16) int {
	n := 0
	for i := 0; i < m.objectCount && n < len(dst); i++ {
		if !m.occupancy.IsSet(i) {
			dst[n] = uint16(i)
			n++
		}
	}
	m.rng.Shuffle(n, func(i, j int) {
		dst[i], dst[j] = dst[j], dst[i]
	})
	return n
}

// memory returns the object bytes for slot, addressed via the primary span.
func (m *MiniHeap) memory(slot int) []byte {
	addr := m.spans[0] + uintptr(slot)*m.objectSize
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), m.objectSize)
}

// CopyObjectFrom copies the object at slot in src into the same slot of
// m, claiming the slot first. Used by the meshing engine; the
// disjointness invariant guarantees the slot is free, so a failed claim
// panics.
func (m *MiniHeap) CopyObjectFrom(src *MiniHeap, slot int) {
	dst := m.MallocAt(slot)
	internal.Assertf(dst != 0, "mesh destination slot %d occupied", slot)
	copy(m.memory(slot), src.memory(slot))
}

// BitGet returns the user bit of the given type for the object at ptr.
func (m *MiniHeap) BitGet(typ BitType, ptr uintptr) int {
	slot, ok := m.SlotOf(ptr)
	internal.Assertf(ok, "user bit on %#x not owned by this miniheap", ptr)
	if m.userBits[typ].IsSet(slot) {
		return 1
	}
	return 0
}

// BitSet sets the user bit, returning the previous value.
func (m *MiniHeap) BitSet(typ BitType, ptr uintptr) int {
	slot, ok := m.SlotOf(ptr)
	internal.Assertf(ok, "user bit on %#x not owned by this miniheap", ptr)
	if m.userBits[typ].TrySet(slot) {
		return 0
	}
	return 1
}

// BitClear clears the user bit, returning the previous value.
func (m *MiniHeap) BitClear(typ BitType, ptr uintptr) int {
	slot, ok := m.SlotOf(ptr)
	internal.Assertf(ok, "user bit on %#x not owned by this miniheap", ptr)
	if m.userBits[typ].Unset(slot) {
		return 0
	}
	return 1
}

// InsertNext links other into the list directly after m.
func (m *MiniHeap) InsertNext(other *MiniHeap) {
	other.next = m.next
	other.prev = m
	if m.next != nil {
		m.next.prev = other
	}
	m.next = other
}

// RemoveFromList unlinks m and returns its former successor.
func (m *MiniHeap) RemoveFromList() *MiniHeap {
	next := m.next
	if m.prev != nil {
		m.prev.next = next
	}
	if next != nil {
		next.prev = m.prev
	}
	m.next = nil
	m.prev = nil
	return next
}

// Next returns the list successor.
func (m *MiniHeap) Next() *MiniHeap {
	return m.next
}

// Prev returns the list predecessor.
func (m *MiniHeap) Prev() *MiniHeap {
	return m.prev
}
