// Package meshheap implements the process-wide core of a meshing memory
// allocator: a general-purpose allocator for small (<= 16KiB) objects that
// can reclaim committed physical memory by meshing physically distinct
// virtual spans whose in-use slots are disjoint onto one backing physical
// range, without ever moving a live object's virtual address.
//
// # Overview
//
// [GlobalHeap] is the process-wide authority. It owns a [meshheap] arena
// (a single large virtual-memory reservation carved into page-aligned
// spans), a per-size-class pool of mini-heap descriptors, and a
// conventional sidecar allocator for requests larger than the largest
// size class. Callers route every allocation and free through it:
//
//	cfg := meshheap.DefaultConfig()
//	h := meshheap.NewGlobalHeap(cfg)
//	defer h.Close()
//
//	addr := h.Alloc(64)
//	h.Free(addr)
//
// # Meshing
//
// Only on an explicit call (the free path advances the countdown seeded
// through "mesh.check_period" but never starts a pass itself) the
// heap looks for pairs of mini-heaps in the same size class whose
// occupied-slot bitmaps are disjoint and merges them so that both virtual
// ranges are backed by the same physical pages:
//
//	h.MeshAll()
//
// Meshing is a stop-the-world operation: while candidate pairs are
// physically merged, every other thread in the process is suspended.
//
// # Statistics and control
//
// [GlobalHeap.Mallctl] exposes a small keyed control surface
// ("mesh.check_period", "mesh.compact", "stats.resident",
// "stats.active", "stats.allocated") modeled on jemalloc's mallctl, for
// use by the thread-cache and shim layers that sit in front of this
// package.
//
// # Thread safety
//
// Every exported method on [GlobalHeap] is safe for concurrent use.
// [GlobalHeap.Lock] and [GlobalHeap.Unlock] expose the heap's internal
// quiescence for fork-safety and for tests that need the whole heap to
// stand still.
//
// # What this package does not do
//
// It never moves or compacts a live object, it provides no defense
// against adversarial heap exploitation, it does not share memory across
// processes, and it makes no real-time latency guarantees -- meshing's
// cost is proportional to the number of merged spans. The per-thread
// front-end cache, the libc allocator shim, and the size-class function
// itself are the concern of other packages; this one takes them as
// configuration.
package meshheap
