// Package testutil holds helpers shared by the allocator's tests.
package testutil

import (
	"testing"
	"unsafe"

	"github.com/cbehopkins/meshalloc/miniheap"
)

// BackedSpan returns a span start address backed by ordinary memory,
// pinned for the duration of the test. It lets descriptor tests run
// without standing up an arena.
func BackedSpan(tb testing.TB, size uintptr) uintptr {
	tb.Helper()
	buf := make([]byte, size)
	tb.Cleanup(func() { _ = buf[0] })
	return uintptr(unsafe.Pointer(&buf[0]))
}

// PatternHeap builds a done miniheap of 16-byte objects whose
// occupancy matches the given bit pattern, slot 0 first: "101" claims
// slots 0 and 2.
func PatternHeap(tb testing.TB, pattern string) *miniheap.MiniHeap {
	tb.Helper()

	const objectSize = 16
	objectCount := len(pattern)
	spanSize := uintptr(objectSize * objectCount)
	span := BackedSpan(tb, spanSize)

	mh := miniheap.New(span, spanSize, objectSize, objectCount, 1)
	for i, c := range pattern {
		if c != '0' && c != '1' {
			tb.Fatalf("bad pattern char %q in %q", c, pattern)
		}
		if c == '1' {
			if mh.MallocAt(i) == 0 {
				tb.Fatalf("failed to claim slot %d", i)
			}
		}
	}
	mh.SetDone()
	return mh
}

// PatternBytes fills a deterministic byte sequence for content checks.
func PatternBytes(length int, seed byte) []byte {
	data := make([]byte, length)
	for i := range data {
		data[i] = byte((int(seed) + i*7) % 256)
	}
	return data
}
