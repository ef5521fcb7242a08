//go:build linux

package meshheap

// MeshAll drives one full meshing pass: it flushes every size class's
// free mini-heaps first (so spans that can simply be returned to the
// arena are, rather than wastefully meshed), then asks each size
// class's bin set for candidate pairs via the configured MeshStrategy,
// and finally stops the world once to apply every pair it found. A pass
// that finds no pairs never stops the world at all.
func (h *GlobalHeap) MeshAll() {
	h.mhRWLock.Lock()

	for class := range h.trackers {
		h.flushSizeClassLocked(class)
	}

	type pair struct{ a, b *miniHeap }
	var pairs []pair
	for _, tracker := range h.trackers {
		tracker.forEachCandidateBin(func(heaps []*miniHeap) {
			candidates := make([]*miniHeap, 0, len(heaps))
			for _, mh := range heaps {
				if mh.isMeshingCandidate() {
					candidates = append(candidates, mh)
				}
			}
			h.cfg.MeshStrategy.FindPairs(h.prng, candidates, func(a, b *miniHeap) {
				pairs = append(pairs, pair{a, b})
			})
		})
	}

	if len(pairs) == 0 {
		h.mhRWLock.Unlock()
		return
	}

	// mhRWLock stays held exclusively from here through the end of the
	// stop-the-world window, per the concurrency model: no other thread
	// may observe or mutate tracker/mini-heap state between candidate
	// discovery and the physical merges that act on it.
	stopTheWorld(func() {
		for _, p := range pairs {
			h.meshPairLocked(p.a, p.b)
		}
	})
	h.stats.meshCount.Add(uint64(len(pairs)))
	h.mhRWLock.Unlock()
}

// meshPairLocked physically merges src into dst, choosing the heap with
// the longer existing mesh chain as dst so that chains never shrink the
// destination's future meshing headroom by accident. Caller must hold
// mhRWLock exclusively and must be inside the stop-the-world window.
func (h *GlobalHeap) meshPairLocked(a, b *miniHeap) {
	dst, src := a, b
	if src.meshCount > dst.meshCount {
		dst, src = src, dst
	}
	if dst.meshCount+src.meshCount > MaxMeshes {
		logf("mesh: skipping pair, combined mesh count would exceed MaxMeshes")
		return
	}

	donorSpans := dst.consume(src)
	for _, span := range donorSpans {
		h.arena.mesh(dst.getSpanStart(), span, dst.spanSize)
	}

	h.trackers[dst.sizeClass].postFree(dst)
	h.trackers[src.sizeClass].remove(src)
	delete(h.handles, src.selfHandle)
	h.stats.mhFreeCount.Add(1)
	src.retire()
}
