//go:build linux

package meshheap

// MiniHeap is a caller-held handle to a mini-heap, obtained from
// AcquireMiniHeap or Lookup. It exists so a front-end cache (a
// per-thread allocator, say) can allocate and free repeatedly against
// one size class without paying the global heap's acquire cost on every
// call.
type MiniHeap struct {
	mh   *miniHeap
	heap *GlobalHeap
}

// Alloc returns the address of a free slot from this mini-heap, or 0 if
// it has none left; callers that see 0 should call
// GlobalHeap.AcquireMiniHeap again rather than retry this handle.
func (m *MiniHeap) Alloc() uintptr {
	addr, ok := m.mh.allocSlot()
	if !ok {
		return 0
	}
	return addr
}

// Free returns addr, which must belong to this mini-heap, to its
// freelist.
func (m *MiniHeap) Free(addr uintptr) {
	m.mh.freeSlot(addr)

	// mhRWLock in shared mode is enough here; the tracker's own mutex
	// (see binnedTracker.postFree) serializes this against any other
	// concurrent Free/MiniHeap.Free in the same size class.
	h := m.heap
	h.mhRWLock.RLock()
	shouldFlush := h.trackers[m.mh.sizeClass].postFree(m.mh)
	h.mhRWLock.RUnlock()

	if shouldFlush {
		h.mhRWLock.Lock()
		h.flushSizeClassLocked(m.mh.sizeClass)
		h.mhRWLock.Unlock()
	}
}

// ObjectSize returns the fixed slot size this mini-heap serves.
func (m *MiniHeap) ObjectSize() uintptr {
	return m.mh.objectSize
}

// Release detaches this mini-heap from its front-end cache, returning
// it to the tracker's reuse pool. Call this when a cache is done with
// the mini-heap it acquired via AcquireMiniHeap, not after Lookup (use
// ReleaseRef for that).
func (m *MiniHeap) Release() {
	h := m.heap
	h.mhRWLock.Lock()
	m.mh.detach()
	h.trackers[m.mh.sizeClass].postFree(m.mh)
	h.mhRWLock.Unlock()
}

// ReleaseRef drops the reference taken by GlobalHeap.Lookup. Call this
// exactly once per successful Lookup; do not call it on a handle from
// AcquireMiniHeap (use Release for that).
func (m *MiniHeap) ReleaseRef() {
	m.mh.unref()
}
