//go:build linux

package meshalloc

import (
	"testing"
	"unsafe"
)

// TestMallocFreeRoundTrip verifies the package-level surface end to
// end: allocation, usable size, write, free.
func TestMallocFreeRoundTrip(t *testing.T) {
	ptr := Malloc(100)
	if ptr == nil {
		t.Fatal("Malloc returned nil")
	}
	if got := UsableSize(ptr); got < 100 {
		t.Errorf("UsableSize: got %d, want >= 100", got)
	}

	mem := unsafe.Slice((*byte)(ptr), 100)
	for i := range mem {
		mem[i] = byte(i)
	}
	Free(ptr)
}

// TestUsableSizeClasses verifies small allocations report their class
// maximum.
func TestUsableSizeClasses(t *testing.T) {
	cases := []struct {
		size uintptr
		want uintptr
	}{
		{1, 16},
		{16, 16},
		{17, 32},
		{1000, 1024},
		{16384, 16384},
	}
	for _, c := range cases {
		ptr := Malloc(c.size)
		if got := UsableSize(ptr); got != c.want {
			t.Errorf("UsableSize(Malloc(%d)): got %d, want %d", c.size, got, c.want)
		}
		Free(ptr)
	}
}

// TestCallocZeroes verifies Calloc returns zeroed memory after a slot of
// the same class has been dirtied and freed. The cache pops a different
// shuffled slot, so the dirtied slot itself is not reused here.
func TestCallocZeroes(t *testing.T) {
	ptr := Malloc(64)
	mem := unsafe.Slice((*byte)(ptr), 64)
	for i := range mem {
		mem[i] = 0xFF
	}
	Free(ptr)

	got := Calloc(8, 8)
	if got == nil {
		t.Fatal("Calloc returned nil")
	}
	cmem := unsafe.Slice((*byte)(got), 64)
	for i, b := range cmem {
		if b != 0 {
			t.Fatalf("Calloc byte %d not zero: %#x", i, b)
		}
	}
	Free(got)
}

// TestCallocOverflow verifies the multiplication guard.
func TestCallocOverflow(t *testing.T) {
	if Calloc(^uintptr(0), 2) != nil {
		t.Error("overflowing Calloc did not return nil")
	}
}

// TestRealloc verifies grow, shrink-in-place and the degenerate forms.
func TestRealloc(t *testing.T) {
	ptr := Malloc(16)
	mem := unsafe.Slice((*byte)(ptr), 16)
	for i := range mem {
		mem[i] = byte(0x10 + i)
	}

	grown := Realloc(ptr, 1000)
	if grown == nil {
		t.Fatal("Realloc returned nil")
	}
	gmem := unsafe.Slice((*byte)(grown), 16)
	for i := range gmem {
		if gmem[i] != byte(0x10+i) {
			t.Fatalf("Realloc lost byte %d: got %#x", i, gmem[i])
		}
	}

	// Shrinking stays in place: the class already covers it.
	if shrunk := Realloc(grown, 10); shrunk != grown {
		t.Error("shrinking Realloc moved the object")
	}

	if Realloc(grown, 0) != nil {
		t.Error("Realloc to zero did not free")
	}
	if first := Realloc(nil, 32); first == nil {
		t.Error("Realloc(nil) did not allocate")
	} else {
		Free(first)
	}
}

// TestMemalignPackage verifies the aligned path through the default
// cache.
func TestMemalignPackage(t *testing.T) {
	ptr, err := Memalign(256, 100)
	if err != nil {
		t.Fatalf("Memalign: %v", err)
	}
	if uintptr(ptr)%256 != 0 {
		t.Errorf("Memalign result %p not 256-aligned", ptr)
	}
	Free(ptr)

	if _, err := Memalign(3, 100); err == nil {
		t.Error("Memalign with non-power-of-two alignment succeeded")
	}
}

// TestMeshMarkerUsableSize verifies the sentinel is never a real
// allocation.
func TestMeshMarkerUsableSize(t *testing.T) {
	if UsableSize(MeshMarker()) != 0 {
		t.Error("mesh marker has nonzero usable size")
	}
}

// TestUserBitsSurface round-trips a user bit through the public API.
func TestUserBitsSurface(t *testing.T) {
	ptr := Malloc(32)
	defer Free(ptr)

	if prev, err := BitSet(MarkBit, ptr); err != nil || prev != 0 {
		t.Fatalf("BitSet: prev %d, err %v", prev, err)
	}
	if v, err := BitGet(MarkBit, ptr); err != nil || v != 1 {
		t.Fatalf("BitGet: %d, %v", v, err)
	}
	if prev, err := BitClear(MarkBit, ptr); err != nil || prev != 1 {
		t.Fatalf("BitClear: prev %d, err %v", prev, err)
	}

	var local int
	if _, err := BitGet(MarkBit, unsafe.Pointer(&local)); err == nil {
		t.Error("BitGet on foreign pointer succeeded")
	}
}

// TestMallctl exercises the control namespace.
func TestMallctl(t *testing.T) {
	var version string
	if err := Mallctl("version", &version, nil); err != nil {
		t.Fatalf("version: %v", err)
	}
	if version == "" {
		t.Error("empty version")
	}

	var period int
	if err := Mallctl("mesh.check_period", &period, nil); err != nil {
		t.Fatalf("get mesh.check_period: %v", err)
	}
	if period < 1 {
		t.Errorf("mesh period %d < 1", period)
	}
	if err := Mallctl("mesh.check_period", nil, 999); err != nil {
		t.Fatalf("set mesh.check_period: %v", err)
	}
	Mallctl("mesh.check_period", &period, nil)
	if period != 999 {
		t.Errorf("mesh period after set: got %d, want 999", period)
	}

	var meshes uint64
	if err := Mallctl("stats.meshCount", &meshes, nil); err != nil {
		t.Fatalf("stats.meshCount: %v", err)
	}

	var pages int
	if err := Mallctl("arena.pages", &pages, nil); err != nil {
		t.Fatalf("arena.pages: %v", err)
	}

	if err := Mallctl("no.such.entry", nil, nil); err != ErrUnknownName {
		t.Errorf("unknown name: got %v, want ErrUnknownName", err)
	}
	if err := Mallctl("mesh.check_period", &version, nil); err != ErrBadValue {
		t.Errorf("type mismatch: got %v, want ErrBadValue", err)
	}
}

// TestLargeAllocation verifies the big-heap delegation end to end.
func TestLargeAllocation(t *testing.T) {
	const size = 1 << 20

	ptr := Malloc(size)
	if ptr == nil {
		t.Fatal("large Malloc returned nil")
	}
	if got := UsableSize(ptr); got < size {
		t.Errorf("UsableSize: got %d, want >= %d", got, size)
	}
	mem := unsafe.Slice((*byte)(ptr), size)
	mem[0] = 1
	mem[size-1] = 1
	Free(ptr)
	if UsableSize(ptr) != 0 {
		t.Error("large object usable after free")
	}
}
