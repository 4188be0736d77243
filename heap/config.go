//go:build linux

package heap

import (
	"fmt"

	"github.com/cbehopkins/meshalloc/bigheap"
	"github.com/cbehopkins/meshalloc/internal"
)

// Config carries what the original design fixes at compile time: the
// big-heap collaborator, the size-class functions, the mesh cadence and
// the span sizing floor. Zero values fall back to the defaults, so
// `heap.New(heap.Config{})` builds a standard heap.
type Config struct {
	// NumBins is the number of small size classes.
	NumBins int

	// SizeClassMaxFor maps a class index to its maximum object size.
	SizeClassMaxFor func(sizeClass int) uintptr

	// ClassOf maps a byte size to its class index.
	ClassOf func(size uintptr) int

	// MeshPeriod bounds the number of qualifying frees between mesh
	// passes: each gap is drawn uniformly from [1, MeshPeriod], so it
	// averages (MeshPeriod+1)/2. Must be >= 1.
	MeshPeriod int

	// MinObjectsPerSpan floors a miniheap's object count, so objects
	// bigger than a page still amortize their span across several
	// objects. Must be >= 1.
	MinObjectsPerSpan int

	// ArenaBytes sizes the virtual reservation.
	ArenaBytes uintptr

	// BigHeap handles allocations above the largest size class.
	BigHeap *bigheap.Heap

	// StopTheWorld and StartTheWorld bracket mesh execution. The
	// contract: when StopTheWorld returns, no other thread is mutating
	// heap memory, and StartTheWorld resumes them. The default hooks
	// are no-ops; embedders with real mutator control install their
	// own. Neither hook may allocate from this heap.
	StopTheWorld  func()
	StartTheWorld func()

	// Seed fixes the PRNG for deterministic tests; 0 draws a fresh
	// process-wide seed.
	Seed int64
}

// DefaultConfig returns the standard configuration: 11 power-of-two
// bins from 16 B to 16 KiB.
func DefaultConfig() Config {
	return Config{
		NumBins:           internal.NumBins,
		SizeClassMaxFor:   internal.ByteSizeForClass,
		ClassOf:           internal.SizeClass,
		MeshPeriod:        internal.DefaultMeshPeriod,
		MinObjectsPerSpan: internal.MinObjectsPerSpan,
		ArenaBytes:        0, // arena default
	}
}

// normalize fills defaulted fields and validates the rest.
func (c Config) normalize() (Config, error) {
	d := DefaultConfig()
	if c.NumBins == 0 {
		c.NumBins = d.NumBins
	}
	if c.SizeClassMaxFor == nil {
		c.SizeClassMaxFor = d.SizeClassMaxFor
	}
	if c.ClassOf == nil {
		c.ClassOf = d.ClassOf
	}
	if c.MeshPeriod == 0 {
		c.MeshPeriod = d.MeshPeriod
	}
	if c.MinObjectsPerSpan == 0 {
		c.MinObjectsPerSpan = d.MinObjectsPerSpan
	}
	if c.BigHeap == nil {
		c.BigHeap = bigheap.New()
	}
	if c.StopTheWorld == nil {
		c.StopTheWorld = func() {}
	}
	if c.StartTheWorld == nil {
		c.StartTheWorld = func() {}
	}
	if c.Seed == 0 {
		c.Seed = internal.Seed()
	}

	if c.NumBins < 1 {
		return c, fmt.Errorf("heap: NumBins %d < 1", c.NumBins)
	}
	if c.MeshPeriod < 1 {
		return c, fmt.Errorf("heap: MeshPeriod %d < 1", c.MeshPeriod)
	}
	if c.MinObjectsPerSpan < 1 {
		return c, fmt.Errorf("heap: MinObjectsPerSpan %d < 1", c.MinObjectsPerSpan)
	}
	return c, nil
}
