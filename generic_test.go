//go:build linux

package meshheap

import "testing"

type testStruct struct {
	A int64
	B [8]byte
}

func TestAllocZeroesMemory(t *testing.T) {
	h := newTestHeap(t)

	p := Alloc[testStruct](h)
	if p == nil {
		t.Fatal("Alloc[testStruct] returned nil")
	}
	if p.A != 0 || p.B != [8]byte{} {
		t.Errorf("Alloc[testStruct] value = %+v, want zero value", *p)
	}

	p.A = 42
	Free(h, p)
}

func TestAllocSlice(t *testing.T) {
	h := newTestHeap(t)

	s := AllocSlice[int32](h, 16)
	if len(s) != 16 {
		t.Fatalf("AllocSlice length = %d, want 16", len(s))
	}
	for i, v := range s {
		if v != 0 {
			t.Fatalf("AllocSlice[%d] = %d, want 0", i, v)
		}
	}
	for i := range s {
		s[i] = int32(i)
	}
	for i, v := range s {
		if v != int32(i) {
			t.Fatalf("s[%d] = %d after write, want %d", i, v, i)
		}
	}

	FreeSlice(h, s)
}

func TestAllocSliceZeroLength(t *testing.T) {
	h := newTestHeap(t)
	if s := AllocSlice[byte](h, 0); s != nil {
		t.Fatalf("AllocSlice(h, 0) = %v, want nil", s)
	}
	FreeSlice(h, []byte(nil)) // must not panic
}
