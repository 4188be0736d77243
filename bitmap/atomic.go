package bitmap

import (
	"math/bits"
	"sync/atomic"

	"github.com/cbehopkins/meshalloc/internal"
)

// Atomic is a bounded bit vector whose mutations are lock-free. Storage
// is inline, so an Atomic embeds in a miniheap descriptor without a
// second allocation. Capacity must not exceed MaxAtomicBits.
type Atomic struct {
	words    [MaxAtomicBits / WordBits]uint64
	bitCount int
}

// NewAtomic returns a cleared bitmap with the given capacity.
func NewAtomic(bitCount int) *Atomic {
	b := &Atomic{}
	b.Init(bitCount)
	return b
}

// Init prepares an embedded Atomic in place.
func (b *Atomic) Init(bitCount int) {
	internal.Assertf(bitCount > 0 && bitCount <= MaxAtomicBits,
		"atomic bitmap capacity %d out of range (max %d)", bitCount, MaxAtomicBits)
	b.bitCount = bitCount
	for i := range b.words {
		atomic.StoreUint64(&b.words[i], 0)
	}
}

// Cap returns the bit capacity. It is also the end sentinel for
// iteration via LowestSetBitAt.
func (b *Atomic) Cap() int {
	return b.bitCount
}

// WordCount returns the number of storage words in use.
func (b *Atomic) WordCount() int {
	return wordsFor(b.bitCount)
}

// TrySet sets bit index and returns true iff it was previously clear.
// Linearizable: exactly one of any set of racing TrySet calls on a
// clear bit observes the transition.
func (b *Atomic) TrySet(index int) bool {
	word, off := b.position(index)
	mask := uint64(1) << off
	for {
		old := atomic.LoadUint64(&b.words[word])
		if old&mask != 0 {
			return false
		}
		if atomic.CompareAndSwapUint64(&b.words[word], old, old|mask) {
			return true
		}
	}
}

// Unset clears bit index and returns true iff it was previously clear.
// The inverted return mirrors TrySet's transition reporting: a true
// return tells the caller it was too late, the bit was already clear.
func (b *Atomic) Unset(index int) bool {
	word, off := b.position(index)
	mask := uint64(1) << off
	for {
		old := atomic.LoadUint64(&b.words[word])
		if atomic.CompareAndSwapUint64(&b.words[word], old, old&^mask) {
			return old&mask == 0
		}
	}
}

// IsSet reports whether bit index is set. The read is racy against
// concurrent writers: it is only meaningful when the caller excludes
// writers, e.g. the meshing path under the heap's exclusive lock with
// the world stopped.
func (b *Atomic) IsSet(index int) bool {
	word, off := b.position(index)
	return atomic.LoadUint64(&b.words[word])&(1<<off) != 0
}

// SetFirstEmpty claims the lowest clear bit at or above startAt,
// returning its index. When a compare-and-swap loses a race for a bit
// it advances past the contended bit and keeps scanning. The caller
// must have established spare capacity (InUseCount below Cap with
// writers excluded, or an external slot budget); a full bitmap is an
// invariant violation and panics.
func (b *Atomic) SetFirstEmpty(startAt int) int {
	word, off := b.position(startAt)
	words := b.WordCount()
	for i := word; i < words; {
		w := atomic.LoadUint64(&b.words[i])
		unset := ^w &^ ((1 << off) - 1)
		if i == words-1 {
			unset &= tailMask(b.bitCount)
		}
		if unset == 0 {
			off = 0
			i++
			continue
		}
		bit := uint(bits.TrailingZeros64(unset))
		if atomic.CompareAndSwapUint64(&b.words[i], w, w|(1<<bit)) {
			return i*WordBits + int(bit)
		}
		// Lost the race for this bit; step past it and rescan the word.
		off = bit + 1
		if off == WordBits {
			off = 0
			i++
		}
	}
	panic("meshalloc: bitmap completely full")
}

// LowestSetBitAt returns the index of the lowest set bit at or above
// startAt, or Cap() when there is none. Iteration over set bits:
//
//	for i := b.LowestSetBitAt(0); i < b.Cap(); i = b.LowestSetBitAt(i + 1) { ... }
func (b *Atomic) LowestSetBitAt(startAt int) int {
	var snap [MaxAtomicBits / WordBits]uint64
	words := b.snapshot(&snap)
	return lowestSetInWords(words, b.bitCount, startAt)
}

// HighestSetBitBeforeOrAt returns the index of the highest set bit at
// or below startAt, or Cap() when there is none.
func (b *Atomic) HighestSetBitBeforeOrAt(startAt int) int {
	var snap [MaxAtomicBits / WordBits]uint64
	words := b.snapshot(&snap)
	return highestSetInWords(words, b.bitCount, startAt)
}

// InUseCount returns the number of set bits.
func (b *Atomic) InUseCount() int {
	var snap [MaxAtomicBits / WordBits]uint64
	return popCountWords(b.snapshot(&snap))
}

// Words copies the storage words into dst and returns the filled
// prefix. Word-wide loads are atomic but the slice as a whole is not a
// consistent snapshot unless writers are excluded; the meshing engine
// calls this with the world stopped.
func (b *Atomic) Words(dst []uint64) []uint64 {
	n := b.WordCount()
	internal.Assertf(len(dst) >= n, "word buffer too small: %d < %d", len(dst), n)
	for i := 0; i < n; i++ {
		dst[i] = atomic.LoadUint64(&b.words[i])
	}
	return dst[:n]
}

func (b *Atomic) snapshot(buf *[MaxAtomicBits / WordBits]uint64) []uint64 {
	n := b.WordCount()
	for i := 0; i < n; i++ {
		buf[i] = atomic.LoadUint64(&b.words[i])
	}
	return buf[:n]
}

func (b *Atomic) position(index int) (int, uint) {
	internal.Assertf(index >= 0 && index < b.bitCount,
		"bit index %d out of range [0,%d)", index, b.bitCount)
	return itemPosition(index)
}
