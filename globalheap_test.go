//go:build linux

package meshheap

import (
	"sync"
	"testing"
)

func newTestHeap(t *testing.T) *GlobalHeap {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ArenaSize = 8 << 20
	h := NewGlobalHeap(cfg)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func TestGlobalHeapAllocFreeRoundTrip(t *testing.T) {
	h := newTestHeap(t)

	before := h.Snapshot().MiniHeapHWM

	addr := h.Alloc(48)
	if addr == 0 {
		t.Fatal("Alloc returned 0")
	}
	if got := h.GetSize(addr); got != h.cfg.ClassMaxSize(h.classFor(48)) {
		t.Fatalf("GetSize = %d, want size class max %d", got, h.cfg.ClassMaxSize(h.classFor(48)))
	}

	var allocated uint64
	h.Mallctl("stats.allocated", &allocated, 8, 0, false)
	if allocated == 0 {
		t.Fatal("stats.allocated should be nonzero right after an allocation")
	}

	h.Free(addr)

	var allocatedAfter uint64
	h.Mallctl("stats.allocated", &allocatedAfter, 8, 0, false)
	if allocatedAfter != 0 {
		t.Fatalf("stats.allocated after freeing the only allocation = %d, want 0", allocatedAfter)
	}

	if h.Snapshot().MiniHeapHWM < before {
		t.Fatal("high-water mark must never decrease")
	}
}

func TestGlobalHeapLargeObjectPath(t *testing.T) {
	h := newTestHeap(t)

	smallAddr := h.Alloc(64)
	bigAddr := h.Alloc(1 << 20)

	if got := h.GetSize(smallAddr); got != h.cfg.ClassMaxSize(h.classFor(64)) {
		t.Fatalf("GetSize(small) = %d", got)
	}
	if got := h.GetSize(bigAddr); got != 1<<20 {
		t.Fatalf("GetSize(big) = %d, want %d", got, 1<<20)
	}

	var activeBefore uint64
	h.Mallctl("stats.active", &activeBefore, 8, 0, false)

	h.Free(bigAddr)
	h.Free(smallAddr)

	var activeAfter uint64
	h.Mallctl("stats.active", &activeAfter, 8, 0, false)
	if activeAfter >= activeBefore {
		t.Fatalf("stats.active after freeing both = %d, want < %d", activeAfter, activeBefore)
	}
}

func TestGlobalHeapGetSizeNil(t *testing.T) {
	h := newTestHeap(t)
	if got := h.GetSize(0); got != 0 {
		t.Fatalf("GetSize(0) = %d, want 0", got)
	}
}

func TestGlobalHeapFreeNilIsNoop(t *testing.T) {
	h := newTestHeap(t)
	h.Free(0) // must not panic
}

func TestGlobalHeapOwnershipExclusivity(t *testing.T) {
	h := newTestHeap(t)

	small := h.Alloc(64)
	big := h.Alloc(1 << 20)

	if _, ok := h.Lookup(big); ok {
		t.Fatal("Lookup resolved a large allocation to a mini-heap")
	}
	mh, ok := h.Lookup(small)
	if !ok {
		t.Fatal("Lookup failed to resolve a live small allocation")
	}
	mh.ReleaseRef()
}

func TestGlobalHeapLookupRefcountSafety(t *testing.T) {
	h := newTestHeap(t)

	addr := h.Alloc(64)
	mh, ok := h.Lookup(addr)
	if !ok {
		t.Fatal("Lookup failed")
	}

	// Free every slot this mini-heap owns while the caller still holds a
	// reference from Lookup; the descriptor must not be torn down.
	h.Free(addr)
	h.MeshAll() // flushes empty mini-heaps; must park the referenced one

	if mh.ObjectSize() == 0 {
		t.Fatal("mini-heap descriptor appears retired while still referenced")
	}

	mh.ReleaseRef()
}

func TestGlobalHeapAcquireMiniHeapFastPath(t *testing.T) {
	h := newTestHeap(t)

	mh := h.AcquireMiniHeap(32)
	var addrs []uintptr
	for i := 0; i < 8; i++ {
		addr := mh.Alloc()
		if addr == 0 {
			t.Fatalf("MiniHeap.Alloc returned 0 on iteration %d", i)
		}
		addrs = append(addrs, addr)
	}
	for _, a := range addrs {
		mh.Free(a)
	}
	mh.Release()
}

func TestGlobalHeapMisroutedSizeFailsFast(t *testing.T) {
	h := newTestHeap(t)
	defer func() {
		if recover() == nil {
			t.Fatal("AcquireMiniHeap with an over-large size should panic")
		}
	}()
	h.AcquireMiniHeap(MaxObjectSize + 1)
}

func TestGlobalHeapMeshCompactReducesResident(t *testing.T) {
	h := newTestHeap(t)

	const n = 2000
	addrs := make([]uintptr, n)
	for i := range addrs {
		addrs[i] = h.Alloc(16)
	}
	for i := 0; i < n; i += 2 {
		h.Free(addrs[i])
	}

	var meshBefore uint64
	h.Mallctl("mesh.check_period", &meshBefore, 8, 0, false)

	h.MeshAll()

	snap := h.Snapshot()
	if snap.MeshCount == 0 {
		t.Skip("meshing found no mergeable pairs in this run; scenario is probabilistic")
	}
}

func TestGlobalHeapMeshPeriodZeroDisablesCounter(t *testing.T) {
	h := newTestHeap(t)
	var zero uint64
	h.Mallctl("mesh.check_period", nil, 0, zero, true)

	for i := 0; i < 10000; i++ {
		addr := h.Alloc(16)
		h.Free(addr)
	}

	if got := h.Snapshot().MeshCount; got != 0 {
		t.Fatalf("MeshCount = %d, want 0 with meshing disabled and no explicit MeshAll", got)
	}
}

func TestGlobalHeapMallctlBadOldLen(t *testing.T) {
	h := newTestHeap(t)
	var v uint64
	if rc := h.Mallctl("mesh.check_period", &v, 4, 0, false); rc == 0 {
		t.Fatal("Mallctl with oldLen < 8 should return a nonzero status")
	}
}

func TestGlobalHeapMallctlUnknownKeyIsNoop(t *testing.T) {
	h := newTestHeap(t)
	if rc := h.Mallctl("totally.unknown", nil, 0, 0, false); rc != 0 {
		t.Fatalf("Mallctl on an unknown key = %d, want 0", rc)
	}
}

func TestGlobalHeapLockUnlockOrder(t *testing.T) {
	h := newTestHeap(t)
	h.Lock()
	h.Unlock()
}

func TestGlobalHeapConcurrentAllocFree(t *testing.T) {
	h := newTestHeap(t)

	const goroutines = 8
	const perGoroutine = 2000

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				addr := h.Alloc(32)
				h.Free(addr)
			}
		}()
	}
	wg.Wait()

	var allocated uint64
	h.Mallctl("stats.allocated", &allocated, 8, 0, false)
	if allocated != 0 {
		t.Fatalf("stats.allocated after a balanced alloc/free storm = %d, want 0", allocated)
	}
}

func TestGlobalHeapLookupFreeReleaseOrdering(t *testing.T) {
	h := newTestHeap(t)
	addr := h.Alloc(48)

	mh, ok := h.Lookup(addr)
	if !ok {
		t.Fatal("Lookup failed")
	}

	done := make(chan struct{})
	go func() {
		h.Free(addr)
		close(done)
	}()
	<-done

	// mh must remain a valid, non-retired descriptor until ReleaseRef.
	_ = mh.ObjectSize()
	mh.ReleaseRef()
}

func TestGlobalHeapDumpStats(t *testing.T) {
	h := newTestHeap(t)
	if got := h.DumpStats(0, false); got != "" {
		t.Fatalf("DumpStats(0, false) = %q, want empty", got)
	}
	addr := h.Alloc(64)
	defer h.Free(addr)
	if got := h.DumpStats(1, true); got == "" {
		t.Fatal("DumpStats(1, true) returned empty string")
	}
}
