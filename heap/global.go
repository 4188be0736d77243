//go:build linux

// Package heap ties the allocator together: the arena below, the
// per-size-class miniheap lists and the pointer-to-owner map in the
// middle, the meshing engine driven from the free path, and the
// big-object heap for everything above the largest class.
//
// Locking: mhLock guards the lists, the span map and descriptor
// lifetime (readers resolve pointers under the shared side, structural
// changes take it exclusively). The arena and the big heap each carry
// their own lock. Occupancy bitmaps are lock-free.
package heap

import (
	"log"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/cbehopkins/meshalloc/arena"
	"github.com/cbehopkins/meshalloc/bigheap"
	"github.com/cbehopkins/meshalloc/internal"
	"github.com/cbehopkins/meshalloc/meshing"
	"github.com/cbehopkins/meshalloc/miniheap"
	"github.com/cbehopkins/meshalloc/spanmap"
)

// meshBurst is how many mesh passes a mesh-marker free runs.
const meshBurst = 128

// GlobalHeap owns every miniheap descriptor and the arena they draw
// spans from. Thread-local caches refill from it and hand back retired
// miniheaps; everything else reaches it through Malloc and Free.
type GlobalHeap struct {
	cfg           Config
	maxObjectSize uintptr

	arena *arena.Arena
	big   *bigheap.Heap

	mhLock    sync.RWMutex
	heads     []*miniheap.MiniHeap
	tails     []*miniheap.MiniHeap
	counts    []int
	current   []*miniheap.MiniHeap
	classHWM  []uint64
	miniheaps *spanmap.Map[*miniheap.MiniHeap]

	rngMu sync.Mutex
	rng   *rand.Rand

	nextMeshCheck atomic.Int64

	stats stats
}

// New builds a heap over a fresh arena.
func New(cfg Config) (*GlobalHeap, error) {
	cfg, err := cfg.normalize()
	if err != nil {
		return nil, err
	}

	a, err := arena.New(cfg.ArenaBytes)
	if err != nil {
		return nil, err
	}

	g := &GlobalHeap{
		cfg:           cfg,
		maxObjectSize: cfg.SizeClassMaxFor(cfg.NumBins - 1),
		arena:         a,
		big:           cfg.BigHeap,
		heads:         make([]*miniheap.MiniHeap, cfg.NumBins),
		tails:         make([]*miniheap.MiniHeap, cfg.NumBins),
		counts:        make([]int, cfg.NumBins),
		current:       make([]*miniheap.MiniHeap, cfg.NumBins),
		classHWM:      make([]uint64, cfg.NumBins),
		miniheaps:     spanmap.New[*miniheap.MiniHeap](),
		rng:           rand.New(rand.NewSource(cfg.Seed)),
	}
	g.resetNextMeshCheck()
	return g, nil
}

// Close tears the heap down. Tests only.
func (g *GlobalHeap) Close() error {
	return g.arena.Close()
}

// Arena exposes the span arena; caches use Begin for pointer
// arithmetic and tests inspect page accounting.
func (g *GlobalHeap) Arena() *arena.Arena {
	return g.arena
}

// MaxObjectSize returns the largest size served by miniheaps.
func (g *GlobalHeap) MaxObjectSize() uintptr {
	return g.maxObjectSize
}

// NumBins returns the number of small size classes.
func (g *GlobalHeap) NumBins() int {
	return g.cfg.NumBins
}

// SizeClassOf maps a byte size to its class index.
func (g *GlobalHeap) SizeClassOf(size uintptr) int {
	return g.cfg.ClassOf(size)
}

// ClassMaxSize maps a class index to its maximum object size.
func (g *GlobalHeap) ClassMaxSize(sizeClass int) uintptr {
	return g.cfg.SizeClassMaxFor(sizeClass)
}

// AllocMiniheap creates a miniheap for objects of exactly objectSize,
// which must be a size-class maximum. The descriptor is linked into its
// class list and registered for pointer lookup before it is returned.
func (g *GlobalHeap) AllocMiniheap(objectSize uintptr) *miniheap.MiniHeap {
	internal.Assertf(objectSize <= g.maxObjectSize,
		"miniheap object size %d above maximum %d", objectSize, g.maxObjectSize)

	sizeClass := g.cfg.ClassOf(objectSize)
	sizeMax := g.cfg.SizeClassMaxFor(sizeClass)
	internal.Assertf(objectSize == sizeMax,
		"size %d is not the class %d maximum %d", objectSize, sizeClass, sizeMax)

	g.mhLock.Lock()
	defer g.mhLock.Unlock()
	return g.allocMiniheapLocked(sizeClass, sizeMax)
}

func (g *GlobalHeap) allocMiniheapLocked(sizeClass int, sizeMax uintptr) *miniheap.MiniHeap {
	// Multi-page spans amortize descriptor and locking costs for
	// objects at or above the page size.
	nObjects := int(internal.PageSize / sizeMax)
	if nObjects < g.cfg.MinObjectsPerSpan {
		nObjects = g.cfg.MinObjectsPerSpan
	}
	if nObjects > internal.MaxSlots {
		nObjects = internal.MaxSlots
	}

	spanBytes := sizeMax * uintptr(nObjects)
	nPages := int((spanBytes + internal.PageSize - 1) / internal.PageSize)

	page, err := g.arena.AllocSpan(nPages)
	if err != nil {
		// Out of virtual address space is unrecoverable.
		panic(err)
	}

	mh := miniheap.New(g.arena.SpanAddr(page), uintptr(nPages)*internal.PageSize,
		sizeMax, nObjects, internal.Seed())

	g.trackLocked(sizeClass, mh)
	g.miniheaps.Insert(mh.SpanStart(), mh)

	g.stats.mhAllocCount.Add(1)
	g.stats.raiseHighWater(uint64(g.miniheaps.Len()))
	if n := uint64(g.counts[sizeClass]); n > g.classHWM[sizeClass] {
		g.classHWM[sizeClass] = n
	}
	return mh
}

// trackLocked appends mh to its class list. The tail is where the
// not-yet-done heap being allocated from lives, which is what the
// meshing engine's tail exclusion expects.
func (g *GlobalHeap) trackLocked(sizeClass int, mh *miniheap.MiniHeap) {
	if g.tails[sizeClass] == nil {
		g.heads[sizeClass] = mh
	} else {
		g.tails[sizeClass].InsertNext(mh)
	}
	g.tails[sizeClass] = mh
	g.counts[sizeClass]++
}

// untrackLocked unlinks mh from its class list.
func (g *GlobalHeap) untrackLocked(sizeClass int, mh *miniheap.MiniHeap) {
	if g.current[sizeClass] == mh {
		g.current[sizeClass] = nil
	}
	prev := mh.Prev()
	next := mh.RemoveFromList()
	if g.heads[sizeClass] == mh {
		g.heads[sizeClass] = next
	}
	if g.tails[sizeClass] == mh {
		g.tails[sizeClass] = prev
	}
	g.counts[sizeClass]--
}

// MiniheapFor resolves an arbitrary pointer to its owning miniheap, or
// nil. The span map's floor entry is the only span that could contain
// the pointer; a containment check rejects gaps.
func (g *GlobalHeap) MiniheapFor(ptr uintptr) *miniheap.MiniHeap {
	g.mhLock.RLock()
	defer g.mhLock.RUnlock()

	_, mh, ok := g.miniheaps.Floor(ptr)
	if ok && mh.Contains(ptr) {
		return mh
	}
	return nil
}

// Malloc allocates size bytes. Sizes above the largest class go to the
// big heap; a zero return means the OS refused memory. Small sizes are
// served from the class's current miniheap under the exclusive lock.
// This is the slow path behind the thread-local caches, and the whole
// path when no cache is attached.
func (g *GlobalHeap) Malloc(size uintptr) uintptr {
	if size > g.maxObjectSize {
		return g.big.Malloc(size)
	}

	sizeClass := g.cfg.ClassOf(size)
	sizeMax := g.cfg.SizeClassMaxFor(sizeClass)

	g.mhLock.Lock()
	defer g.mhLock.Unlock()

	mh := g.current[sizeClass]
	if mh == nil {
		mh = g.allocMiniheapLocked(sizeClass, sizeMax)
		g.current[sizeClass] = mh
	}

	slot := mh.Bitmap().SetFirstEmpty(0)
	if slot == mh.ObjectCount()-1 {
		// The highest slot just went out, so the heap has handed out
		// its full initial capacity: it is done, and mesh-eligible.
		mh.SetDone()
		g.current[sizeClass] = nil
	}
	return mh.SpanStart() + uintptr(slot)*sizeMax
}

// Free releases ptr. The mesh marker triggers a diagnostic burst of
// mesh passes instead. Unknown pointers are offered to the big heap
// and otherwise ignored, matching free(3) posture for foreign memory.
func (g *GlobalHeap) Free(ptr uintptr) {
	if internal.IsMeshMarker(ptr) {
		g.DumpStats(2)
		for i := 0; i < meshBurst; i++ {
			g.MeshAllSizeClasses()
		}
		g.DumpStats(2)
		return
	}

	mh := g.MiniheapFor(ptr)
	if mh == nil {
		g.big.Free(ptr)
		return
	}

	mh.Free(ptr)
	if mh.IsDone() && mh.IsEmpty() {
		g.FreeMiniheap(mh)
		return
	}
	if g.shouldMesh() {
		g.MeshAllSizeClasses()
	}
}

// UsableSize reports the bytes usable at ptr: the class maximum for a
// small object, the recorded mapping size for a large one, zero for
// nil, the mesh marker, or an unknown pointer.
func (g *GlobalHeap) UsableSize(ptr uintptr) uintptr {
	if ptr == 0 || internal.IsMeshMarker(ptr) {
		return 0
	}
	if mh := g.MiniheapFor(ptr); mh != nil {
		return mh.UsableSize(ptr)
	}
	return g.big.UsableSize(ptr)
}

// ReleaseMiniheap takes back a miniheap a cache has retired. It is
// marked done; if its objects are already gone it dies immediately.
func (g *GlobalHeap) ReleaseMiniheap(mh *miniheap.MiniHeap) {
	mh.SetDone()
	if mh.IsEmpty() {
		g.FreeMiniheap(mh)
	}
}

// FreeMiniheap destroys a miniheap: every span goes back to the arena
// and drops out of the lookup map, the descriptor is unlinked. Safe to
// race: the second caller finds the descriptor already untracked.
func (g *GlobalHeap) FreeMiniheap(mh *miniheap.MiniHeap) {
	g.mhLock.Lock()
	defer g.mhLock.Unlock()
	g.freeMiniheapLocked(mh, true)
}

// freeMiniheapLocked is the shared destruction path. returnSpans is
// false on the mesh path, where the spans now belong to the surviving
// miniheap.
func (g *GlobalHeap) freeMiniheapLocked(mh *miniheap.MiniHeap, returnSpans bool) {
	if got, ok := g.miniheaps.Get(mh.SpanStart()); !ok || got != mh {
		return
	}

	if returnSpans {
		pageCount := int(mh.SpanSize() / internal.PageSize)
		for _, span := range mh.Spans() {
			g.miniheaps.Remove(span)
			if err := g.arena.FreeSpan(g.arena.PageIndex(span), pageCount); err != nil {
				log.Printf("meshalloc: releasing span %#x: %v", span, err)
			}
		}
	}

	g.untrackLocked(g.cfg.ClassOf(mh.ObjectSize()), mh)
	g.stats.mhFreeCount.Add(1)
}

// Mesh fuses src into dst. The caller guarantees the world is stopped.
// The occupancy re-check under the exclusive lock makes a stale
// candidate (mutated between discovery and execution) a clean no-op
// rather than a corruption.
func (g *GlobalHeap) Mesh(dst, src *miniheap.MiniHeap) bool {
	g.mhLock.Lock()
	defer g.mhLock.Unlock()

	if !g.trackedLocked(dst) || !g.trackedLocked(src) {
		return false
	}
	if !dst.IsDone() || !src.IsDone() {
		return false
	}
	var bufD, bufS [4]uint64
	if !meshing.BitmapsDisjoint(dst.Bitmap().Words(bufD[:]), src.Bitmap().Words(bufS[:])) {
		return false
	}

	// Copy every live object across, claiming the same slot index in
	// the destination. Disjointness guarantees the slots are free.
	srcBits := src.Bitmap()
	var copied []int
	for off := srcBits.LowestSetBitAt(0); off < srcBits.Cap(); off = srcBits.LowestSetBitAt(off + 1) {
		dst.CopyObjectFrom(src, off)
		copied = append(copied, off)
	}

	// Collapse the mappings. The primary span carries the remap that
	// releases physical pages; spans src absorbed in earlier meshes
	// follow so every window lands on dst's backing.
	dstPage := g.arena.PageIndex(dst.SpanStart())
	srcSpans := src.Spans()
	if err := g.arena.Mesh(dstPage, g.arena.PageIndex(srcSpans[0]), dst.SpanSize()); err != nil {
		// Abandon: put dst back exactly as it was and keep both heaps.
		log.Printf("meshalloc: mesh abandoned: %v", err)
		for _, off := range copied {
			dst.Bitmap().Unset(off)
		}
		return false
	}
	for _, span := range srcSpans[1:] {
		if err := g.arena.Mesh(dstPage, g.arena.PageIndex(span), dst.SpanSize()); err != nil {
			log.Printf("meshalloc: meshed span %#x not remapped: %v", span, err)
		}
	}

	// Retire src while its map entries still identify it, then repoint
	// every absorbed span at the survivor.
	g.freeMiniheapLocked(src, false)
	for _, span := range srcSpans {
		dst.MeshedSpan(span)
		g.miniheaps.Insert(span, dst)
	}
	g.stats.meshCount.Add(1)
	return true
}

// trackedLocked reports whether mh is still a live descriptor.
func (g *GlobalHeap) trackedLocked(mh *miniheap.MiniHeap) bool {
	got, ok := g.miniheaps.Get(mh.SpanStart())
	return ok && got == mh
}

// MeshAllSizeClasses runs one mesh pass: gather candidate pairs from
// every size class, and if any were found, stop the world and execute
// them. Returns the number of pairs fused.
func (g *GlobalHeap) MeshAllSizeClasses() int {
	type pair struct {
		dst, src *miniheap.MiniHeap
	}
	var merges []pair

	g.mhLock.RLock()
	g.rngMu.Lock()
	for sizeClass := 0; sizeClass < g.cfg.NumBins; sizeClass++ {
		heaps := g.classSliceLocked(sizeClass)
		meshing.RandomSort(g.rng, heaps, func(dst, src *miniheap.MiniHeap) {
			merges = append(merges, pair{dst, src})
		})
	}
	g.rngMu.Unlock()
	g.mhLock.RUnlock()

	if len(merges) == 0 {
		return 0
	}

	g.cfg.StopTheWorld()
	fused := 0
	for _, m := range merges {
		if g.Mesh(m.dst, m.src) {
			fused++
		}
	}
	g.cfg.StartTheWorld()
	return fused
}

// classSliceLocked copies a class list into a slice, head to tail.
func (g *GlobalHeap) classSliceLocked(sizeClass int) []*miniheap.MiniHeap {
	heaps := make([]*miniheap.MiniHeap, 0, g.counts[sizeClass])
	for mh := g.heads[sizeClass]; mh != nil; mh = mh.Next() {
		heaps = append(heaps, mh)
	}
	return heaps
}

// shouldMesh decrements the free-driven countdown; at zero it redraws
// uniformly from [1, MeshPeriod] and reports that a pass is due.
func (g *GlobalHeap) shouldMesh() bool {
	if g.nextMeshCheck.Add(-1) != 0 {
		return false
	}
	g.resetNextMeshCheck()
	return true
}

func (g *GlobalHeap) resetNextMeshCheck() {
	g.rngMu.Lock()
	n := g.rng.Int63n(int64(g.cfg.MeshPeriod)) + 1
	g.rngMu.Unlock()
	g.nextMeshCheck.Store(n)
}

// BitGet reads a per-object user bit. The bool is false for pointers
// no miniheap owns.
func (g *GlobalHeap) BitGet(typ miniheap.BitType, ptr uintptr) (int, bool) {
	mh := g.MiniheapFor(ptr)
	if mh == nil {
		return 0, false
	}
	return mh.BitGet(typ, ptr), true
}

// BitSet sets a per-object user bit, returning the previous value.
func (g *GlobalHeap) BitSet(typ miniheap.BitType, ptr uintptr) (int, bool) {
	mh := g.MiniheapFor(ptr)
	if mh == nil {
		return 0, false
	}
	return mh.BitSet(typ, ptr), true
}

// BitClear clears a per-object user bit, returning the previous value.
func (g *GlobalHeap) BitClear(typ miniheap.BitType, ptr uintptr) (int, bool) {
	mh := g.MiniheapFor(ptr)
	if mh == nil {
		return 0, false
	}
	return mh.BitClear(typ, ptr), true
}

// MeshPeriod returns the configured cadence.
func (g *GlobalHeap) MeshPeriod() int {
	g.rngMu.Lock()
	defer g.rngMu.Unlock()
	return g.cfg.MeshPeriod
}

// SetMeshPeriod adjusts the cadence and redraws the countdown.
// Exposed through the mallctl namespace.
func (g *GlobalHeap) SetMeshPeriod(period int) {
	internal.Assertf(period >= 1, "mesh period %d < 1", period)
	g.rngMu.Lock()
	g.cfg.MeshPeriod = period
	g.rngMu.Unlock()
	g.resetNextMeshCheck()
}

// Stats snapshots the heap counters.
func (g *GlobalHeap) Stats() Stats {
	g.mhLock.RLock()
	hwm := make([]uint64, len(g.classHWM))
	copy(hwm, g.classHWM)
	g.mhLock.RUnlock()

	return Stats{
		MeshCount:           g.stats.meshCount.Load(),
		MhAllocCount:        g.stats.mhAllocCount.Load(),
		MhFreeCount:         g.stats.mhFreeCount.Load(),
		HighWaterMark:       g.stats.highWaterMark.Load(),
		ClassHighWaterMarks: hwm,
	}
}

// LiveMiniheaps returns the number of live descriptors.
func (g *GlobalHeap) LiveMiniheaps() int {
	g.mhLock.RLock()
	defer g.mhLock.RUnlock()
	return g.miniheaps.Len()
}

// DumpStats logs the counters at or above the given verbosity.
func (g *GlobalHeap) DumpStats(level int) {
	if level < 1 {
		return
	}
	s := g.Stats()
	log.Printf("meshalloc: mesh count %d", s.MeshCount)
	log.Printf("meshalloc: miniheap allocs %d frees %d high water %d",
		s.MhAllocCount, s.MhFreeCount, s.HighWaterMark)

	g.mhLock.RLock()
	defer g.mhLock.RUnlock()
	for sizeClass := 0; sizeClass < g.cfg.NumBins; sizeClass++ {
		if g.counts[sizeClass] == 0 {
			continue
		}
		inUse := 0
		capacity := 0
		for mh := g.heads[sizeClass]; mh != nil; mh = mh.Next() {
			inUse += mh.InUseCount()
			capacity += mh.ObjectCount()
		}
		log.Printf("meshalloc: class %5d: %d heaps, occupancy %d/%d",
			g.cfg.SizeClassMaxFor(sizeClass), g.counts[sizeClass], inUse, capacity)
	}
}
