package spanmap

import (
	"math/rand"
	"sort"
	"testing"
)

// TestInsertGetRemove covers the exact-match operations.
func TestInsertGetRemove(t *testing.T) {
	m := New[string]()

	m.Insert(0x1000, "a")
	m.Insert(0x2000, "b")
	m.Insert(0x3000, "c")

	if m.Len() != 3 {
		t.Fatalf("Len: got %d, want 3", m.Len())
	}

	v, ok := m.Get(0x2000)
	if !ok || v != "b" {
		t.Errorf("Get(0x2000): got %q, %v", v, ok)
	}
	if _, ok := m.Get(0x2500); ok {
		t.Error("Get of absent key returned ok")
	}

	if !m.Remove(0x2000) {
		t.Error("Remove of present key returned false")
	}
	if m.Remove(0x2000) {
		t.Error("Remove of absent key returned true")
	}
	if m.Len() != 2 {
		t.Errorf("Len after remove: got %d, want 2", m.Len())
	}
}

// TestInsertReplaces verifies duplicate-key insert overwrites in place,
// which is how meshing repoints a span to its surviving owner.
func TestInsertReplaces(t *testing.T) {
	m := New[string]()
	m.Insert(0x1000, "src")
	m.Insert(0x1000, "dst")

	if m.Len() != 1 {
		t.Fatalf("Len after replace: got %d, want 1", m.Len())
	}
	v, _ := m.Get(0x1000)
	if v != "dst" {
		t.Errorf("Get after replace: got %q, want dst", v)
	}
}

// TestFloor verifies greatest-lower-bound lookups, the primitive behind
// pointer-to-owner resolution.
func TestFloor(t *testing.T) {
	m := New[int]()
	m.Insert(0x1000, 1)
	m.Insert(0x3000, 3)
	m.Insert(0x5000, 5)

	cases := []struct {
		query   uintptr
		wantKey uintptr
		wantOK  bool
	}{
		{0x0fff, 0, false},
		{0x1000, 0x1000, true},
		{0x2fff, 0x1000, true},
		{0x3000, 0x3000, true},
		{0x4abc, 0x3000, true},
		{0x9000, 0x5000, true},
	}
	for _, c := range cases {
		key, _, ok := m.Floor(c.query)
		if ok != c.wantOK || (ok && key != c.wantKey) {
			t.Errorf("Floor(%#x): got %#x, %v; want %#x, %v", c.query, key, ok, c.wantKey, c.wantOK)
		}
	}
}

// TestFloorProperty cross-checks Floor against a sorted-slice model
// under random inserts and removes.
func TestFloorProperty(t *testing.T) {
	const rounds = 2000

	rng := rand.New(rand.NewSource(7))
	m := New[int]()
	model := map[uintptr]int{}

	for i := 0; i < rounds; i++ {
		key := uintptr(rng.Intn(512)) * 0x1000
		switch rng.Intn(3) {
		case 0, 1:
			m.Insert(key, i)
			model[key] = i
		case 2:
			got := m.Remove(key)
			_, want := model[key]
			if got != want {
				t.Fatalf("Remove(%#x): got %v, want %v", key, got, want)
			}
			delete(model, key)
		}

		query := uintptr(rng.Intn(600)) * 0x800
		gotKey, gotVal, gotOK := m.Floor(query)

		keys := make([]uintptr, 0, len(model))
		for k := range model {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(a, b int) bool { return keys[a] < keys[b] })
		var wantKey uintptr
		wantOK := false
		for _, k := range keys {
			if k <= query {
				wantKey = k
				wantOK = true
			}
		}

		if gotOK != wantOK || (gotOK && gotKey != wantKey) {
			t.Fatalf("Floor(%#x): got %#x, %v; want %#x, %v", query, gotKey, gotOK, wantKey, wantOK)
		}
		if gotOK && gotVal != model[wantKey] {
			t.Fatalf("Floor(%#x) value: got %d, want %d", query, gotVal, model[wantKey])
		}
	}

	if m.Len() != len(model) {
		t.Errorf("Len: got %d, want %d", m.Len(), len(model))
	}
}

// TestWalkOrder verifies in-order traversal yields ascending keys.
func TestWalkOrder(t *testing.T) {
	m := New[int]()
	keys := []uintptr{5, 1, 9, 3, 7}
	for _, k := range keys {
		m.Insert(k, int(k))
	}

	var got []uintptr
	m.Walk(func(k uintptr, _ int) bool {
		got = append(got, k)
		return true
	})

	if len(got) != len(keys) {
		t.Fatalf("walked %d keys, want %d", len(got), len(keys))
	}
	for i := 1; i < len(got); i++ {
		if got[i] <= got[i-1] {
			t.Fatalf("walk out of order: %v", got)
		}
	}
}
