// Package meshing finds pairs of same-size-class miniheaps whose
// occupancy bitmaps are disjoint. Two disjoint slabs can be fused onto
// one physical span: every object keeps its slot index, so copying the
// source objects across and aliasing the virtual mappings is enough.
//
// Candidate search only emits pairs; execution (the copy, the remap,
// the descriptor surgery) belongs to the global heap, which brackets it
// with the stop-the-world barrier.
package meshing

import (
	"math/rand"

	"github.com/cbehopkins/meshalloc/bitmap"
	"github.com/cbehopkins/meshalloc/miniheap"
)

// BitmapsDisjoint reports whether no bit position is set in both a and
// b, using word-wide loads.
func BitmapsDisjoint(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i]&b[i] != 0 {
			return false
		}
	}
	return true
}

// heapsDisjoint snapshots both occupancy bitmaps and tests word-wise
// disjointness. The snapshot is only trustworthy when writers are
// excluded; the caller re-verifies under the stop-the-world barrier
// before executing a mesh.
func heapsDisjoint(h1, h2 *miniheap.MiniHeap) bool {
	var buf1, buf2 [bitmap.MaxAtomicBits / bitmap.WordBits]uint64
	w1 := h1.Bitmap().Words(buf1[:])
	w2 := h2.Bitmap().Words(buf2[:])
	return BitmapsDisjoint(w1, w2)
}

// Found receives a mesh candidate: dst survives, src's objects move
// into dst and src is freed.
type Found func(dst, src *miniheap.MiniHeap)

// RandomSort searches a size class for mesh candidates.
//
// The list is copied and shuffled, then walked as adjacent pairs; the
// first disjoint pair in shuffled order wins. No global optimum is
// sought; the random pairing approximates it well enough. The heap we
// are currently allocating from sits at the list tail; if it is not
// yet done it is excluded up front. A miniheap emitted in one pair is
// skipped in later pairs so no heap meshes twice in a single pass.
func RandomSort(rng *rand.Rand, heaps []*miniheap.MiniHeap, found Found) {
	candidates := make([]*miniheap.MiniHeap, len(heaps))
	copy(candidates, heaps)

	if n := len(candidates); n > 1 && !candidates[n-1].IsDone() {
		candidates = candidates[:n-1]
	}
	if len(candidates) < 2 {
		return
	}

	rng.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})

	taken := make(map[*miniheap.MiniHeap]bool)
	for i := 0; i+1 < len(candidates); i++ {
		h1, h2 := candidates[i], candidates[i+1]
		if taken[h1] || taken[h2] {
			continue
		}
		if !h1.IsDone() || !h2.IsDone() {
			continue
		}
		if !heapsDisjoint(h1, h2) {
			continue
		}
		taken[h1] = true
		taken[h2] = true
		found(h1, h2)
	}
}

// Simple pairs heaps (0,1), (2,3), ... and emits the disjoint pairs.
// Strictly weaker than RandomSort; retained for deterministic tests.
// Returns the number of pairs emitted.
func Simple(heaps []*miniheap.MiniHeap, found Found) int {
	meshes := 0
	for i := 0; i+1 < len(heaps); i += 2 {
		h1, h2 := heaps[i], heaps[i+1]
		if !h1.IsDone() || !h2.IsDone() {
			continue
		}
		if !heapsDisjoint(h1, h2) {
			continue
		}
		meshes++
		if found != nil {
			found(h1, h2)
		}
	}
	return meshes
}
