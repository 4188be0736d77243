package bitmap

import (
	"math/rand"
	"sync"
	"testing"
)

// TestAtomicTrySetUnsetTransitions verifies the transition-reporting
// contract: TrySet is true only for a clear bit, Unset is true only
// when the bit was already clear.
func TestAtomicTrySetUnsetTransitions(t *testing.T) {
	b := NewAtomic(128)

	if !b.TrySet(5) {
		t.Fatal("TrySet on clear bit returned false")
	}
	if b.TrySet(5) {
		t.Error("TrySet on set bit returned true")
	}
	if !b.IsSet(5) {
		t.Error("IsSet returned false for set bit")
	}

	if b.Unset(5) {
		t.Error("Unset of a set bit should return false")
	}
	if !b.Unset(5) {
		t.Error("Unset of a clear bit should return true")
	}
	if b.IsSet(5) {
		t.Error("IsSet returned true after Unset")
	}
}

// TestAtomicSetFirstEmptySequence verifies the boundary behavior: on an
// all-zero 256-bit bitmap successive calls return 0, 1, 2, ...
func TestAtomicSetFirstEmptySequence(t *testing.T) {
	b := NewAtomic(256)
	for want := 0; want < 256; want++ {
		got := b.SetFirstEmpty(0)
		if got != want {
			t.Fatalf("SetFirstEmpty call %d: got %d, want %d", want, got, want)
		}
	}
	if b.InUseCount() != 256 {
		t.Errorf("InUseCount after filling: got %d, want 256", b.InUseCount())
	}
}

// TestAtomicSetFirstEmptyStartAt verifies the scan respects its start
// index and skips already-set bits.
func TestAtomicSetFirstEmptyStartAt(t *testing.T) {
	b := NewAtomic(200)
	b.TrySet(64)
	b.TrySet(65)

	if got := b.SetFirstEmpty(64); got != 66 {
		t.Errorf("SetFirstEmpty(64): got %d, want 66", got)
	}
	if got := b.SetFirstEmpty(100); got != 100 {
		t.Errorf("SetFirstEmpty(100): got %d, want 100", got)
	}
}

// TestAtomicSetFirstEmptyFullPanics verifies the invariant violation
// path: claiming a bit on a full bitmap aborts.
func TestAtomicSetFirstEmptyFullPanics(t *testing.T) {
	b := NewAtomic(70)
	for i := 0; i < 70; i++ {
		b.SetFirstEmpty(0)
	}

	defer func() {
		if recover() == nil {
			t.Error("SetFirstEmpty on full bitmap did not panic")
		}
	}()
	b.SetFirstEmpty(0)
}

// TestAtomicRoundTrip applies a random permutation of sets and unsets
// and checks the final state bit by bit against a model.
func TestAtomicRoundTrip(t *testing.T) {
	const bitCount = 250
	const ops = 4096

	rng := rand.New(rand.NewSource(42))
	b := NewAtomic(bitCount)
	model := make([]bool, bitCount)

	for i := 0; i < ops; i++ {
		idx := rng.Intn(bitCount)
		if rng.Intn(2) == 0 {
			got := b.TrySet(idx)
			if got != !model[idx] {
				t.Fatalf("TrySet(%d) transition mismatch: got %v, model %v", idx, got, model[idx])
			}
			model[idx] = true
		} else {
			got := b.Unset(idx)
			if got != !model[idx] {
				t.Fatalf("Unset(%d) transition mismatch: got %v, model %v", idx, got, model[idx])
			}
			model[idx] = false
		}
	}

	want := 0
	for i, set := range model {
		if b.IsSet(i) != set {
			t.Errorf("bit %d: got %v, want %v", i, b.IsSet(i), set)
		}
		if set {
			want++
		}
	}
	if b.InUseCount() != want {
		t.Errorf("InUseCount: got %d, want %d", b.InUseCount(), want)
	}
}

// TestAtomicConcurrentClaim has many goroutines race SetFirstEmpty and
// checks every slot was claimed exactly once.
func TestAtomicConcurrentClaim(t *testing.T) {
	const bitCount = 256
	const workers = 8

	b := NewAtomic(bitCount)
	claimed := make([][]int, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < bitCount/workers; i++ {
				claimed[w] = append(claimed[w], b.SetFirstEmpty(0))
			}
		}(w)
	}
	wg.Wait()

	seen := make(map[int]bool)
	for _, slots := range claimed {
		for _, s := range slots {
			if seen[s] {
				t.Fatalf("slot %d claimed twice", s)
			}
			seen[s] = true
		}
	}
	if len(seen) != bitCount {
		t.Errorf("claimed %d distinct slots, want %d", len(seen), bitCount)
	}
}

// TestAtomicIteration walks set bits in ascending order via the
// LowestSetBitAt scan with Cap() as the end sentinel.
func TestAtomicIteration(t *testing.T) {
	b := NewAtomic(130)
	want := []int{0, 3, 63, 64, 129}
	for _, i := range want {
		b.TrySet(i)
	}

	var got []int
	for i := b.LowestSetBitAt(0); i < b.Cap(); i = b.LowestSetBitAt(i + 1) {
		got = append(got, i)
	}

	if len(got) != len(want) {
		t.Fatalf("iterated %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("iteration index %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

// TestAtomicHighestSetBit exercises the downward scan across word
// boundaries.
func TestAtomicHighestSetBit(t *testing.T) {
	b := NewAtomic(200)
	b.TrySet(10)
	b.TrySet(70)

	if got := b.HighestSetBitBeforeOrAt(199); got != 70 {
		t.Errorf("HighestSetBitBeforeOrAt(199): got %d, want 70", got)
	}
	if got := b.HighestSetBitBeforeOrAt(69); got != 10 {
		t.Errorf("HighestSetBitBeforeOrAt(69): got %d, want 10", got)
	}
	if got := b.HighestSetBitBeforeOrAt(9); got != b.Cap() {
		t.Errorf("HighestSetBitBeforeOrAt(9): got %d, want sentinel %d", got, b.Cap())
	}
}

// TestRelaxedBasicOps covers the relaxed variant's shared API shape.
func TestRelaxedBasicOps(t *testing.T) {
	b := NewRelaxed(1000)

	if !b.TrySet(999) {
		t.Fatal("TrySet on clear bit returned false")
	}
	if b.TrySet(999) {
		t.Error("TrySet on set bit returned true")
	}
	if b.InUseCount() != 1 {
		t.Errorf("InUseCount: got %d, want 1", b.InUseCount())
	}
	if got := b.LowestSetBitAt(0); got != 999 {
		t.Errorf("LowestSetBitAt(0): got %d, want 999", got)
	}
	if b.Unset(999) {
		t.Error("Unset of set bit returned true")
	}
	if b.InUseCount() != 0 {
		t.Errorf("InUseCount after Unset: got %d, want 0", b.InUseCount())
	}
}

// TestRelaxedSetAllInvert verifies the whole-range operations leave
// bits past the logical capacity clear.
func TestRelaxedSetAllInvert(t *testing.T) {
	const bitCount = 70

	b := NewRelaxed(bitCount)
	b.SetAll()
	if b.InUseCount() != bitCount {
		t.Errorf("InUseCount after SetAll: got %d, want %d", b.InUseCount(), bitCount)
	}

	b.Invert()
	if b.InUseCount() != 0 {
		t.Errorf("InUseCount after Invert of full bitmap: got %d, want 0", b.InUseCount())
	}

	b.TrySet(3)
	b.Invert()
	if b.InUseCount() != bitCount-1 {
		t.Errorf("InUseCount after Invert: got %d, want %d", b.InUseCount(), bitCount-1)
	}
	if b.IsSet(3) {
		t.Error("bit 3 still set after Invert")
	}
}

// TestRelaxedSetFirstEmptyRespectsTail verifies the scan never claims a
// bit past the logical capacity.
func TestRelaxedSetFirstEmptyRespectsTail(t *testing.T) {
	const bitCount = 66

	b := NewRelaxed(bitCount)
	for i := 0; i < bitCount; i++ {
		if got := b.SetFirstEmpty(0); got != i {
			t.Fatalf("SetFirstEmpty call %d: got %d", i, got)
		}
	}

	defer func() {
		if recover() == nil {
			t.Error("SetFirstEmpty past capacity did not panic")
		}
	}()
	b.SetFirstEmpty(0)
}
