//go:build linux

package meshalloc

import (
	"github.com/cbehopkins/meshalloc/miniheap"
)

// BitType selects one of the four per-object user bits. The bits are
// side metadata the embedding runtime can use for its own bookkeeping
// (a garbage collector's mark bits, for example); the allocator only
// stores them.
type BitType = miniheap.BitType

const (
	Bit0 = miniheap.Bit0
	Bit1 = miniheap.Bit1
	Bit2 = miniheap.Bit2
	Bit3 = miniheap.Bit3

	// The conventional roles of the four bits for a managed-runtime
	// embedder, kept for API compatibility.
	UnprotectedBit   = Bit0
	MarkBit          = Bit1
	UncollectableBit = Bit2
	MarkingBit       = Bit3
)

// Version of the public surface.
const (
	VersionMajor = 1
	VersionMinor = 0
)
