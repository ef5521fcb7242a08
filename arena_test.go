//go:build linux

package meshheap

import (
	"testing"
)

func TestArenaMallocFreeReuse(t *testing.T) {
	a, err := newArena(1 << 20)
	if err != nil {
		t.Fatalf("newArena: %v", err)
	}
	defer a.close()

	base := a.malloc(pageSize)
	if base == 0 {
		t.Fatal("malloc returned 0")
	}
	if a.inUseCount() != 1 {
		t.Errorf("inUseCount = %d, want 1", a.inUseCount())
	}

	a.free(base, pageSize)
	if a.inUseCount() != 0 {
		t.Errorf("inUseCount after free = %d, want 0", a.inUseCount())
	}

	reused := a.malloc(pageSize)
	if reused != base {
		t.Errorf("malloc after free = %#x, want reuse of %#x", reused, base)
	}
}

func TestArenaAssocLookup(t *testing.T) {
	a, err := newArena(1 << 20)
	if err != nil {
		t.Fatalf("newArena: %v", err)
	}
	defer a.close()

	base := a.malloc(pageSize)
	a.assoc(base, handle(42), 1)

	got, ok := a.lookup(base)
	if !ok || got != handle(42) {
		t.Fatalf("lookup(base) = (%v, %v), want (42, true)", got, ok)
	}

	got, ok = a.lookup(base + pageSize/2)
	if !ok || got != handle(42) {
		t.Fatalf("lookup(mid-page) = (%v, %v), want (42, true)", got, ok)
	}

	if _, ok := a.lookup(base + 10*pageSize); ok {
		t.Error("lookup of unmapped address returned ok=true")
	}
}

func TestArenaFreeClearsOwnership(t *testing.T) {
	a, err := newArena(1 << 20)
	if err != nil {
		t.Fatalf("newArena: %v", err)
	}
	defer a.close()

	base := a.malloc(pageSize)
	a.assoc(base, handle(1), 1)
	a.free(base, pageSize)

	if _, ok := a.lookup(base); ok {
		t.Error("lookup succeeded for a freed span")
	}
}

// TestArenaMeshAliasing exercises the testable property from the
// allocator's design: after arena.mesh(d, s, n), writing byte k at d+k
// is observed at s+k, for all 0 <= k < n.
func TestArenaMeshAliasing(t *testing.T) {
	a, err := newArena(4 << 20)
	if err != nil {
		t.Fatalf("newArena: %v", err)
	}
	defer a.close()

	dst := a.malloc(pageSize)
	src := a.malloc(pageSize)
	a.assoc(dst, handle(1), 1)
	a.assoc(src, handle(2), 1)

	dstBytes := byteSliceAt(dst, pageSize)
	for i := range dstBytes {
		dstBytes[i] = byte(i)
	}

	a.mesh(dst, src, pageSize)

	srcBytes := byteSliceAt(src, pageSize)
	for i := range dstBytes {
		if srcBytes[i] != dstBytes[i] {
			t.Fatalf("byte %d: dst=%d src=%d, want equal", i, dstBytes[i], srcBytes[i])
		}
	}

	// Writes through either virtual range must now be visible via the
	// other: the two ranges share one physical backing.
	srcBytes[5] = 0xAB
	if dstBytes[5] != 0xAB {
		t.Fatalf("write through src not observed via dst: got %d", dstBytes[5])
	}

	gotOwner, ok := a.lookup(src)
	if !ok || gotOwner != handle(1) {
		t.Fatalf("lookup(src) after mesh = (%v, %v), want (1, true)", gotOwner, ok)
	}
}

func TestArenaMultiPageMalloc(t *testing.T) {
	a, err := newArena(4 << 20)
	if err != nil {
		t.Fatalf("newArena: %v", err)
	}
	defer a.close()

	spanSize := 4 * pageSize
	base := a.malloc(spanSize)
	b := byteSliceAt(base, spanSize)
	if len(b) != int(spanSize) {
		t.Fatalf("byteSliceAt length = %d, want %d", len(b), spanSize)
	}
	for i := range b {
		b[i] = 1
	}
}
