//go:build linux

package meshheap

import (
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

// GlobalHeap is the process-wide orchestrator: it routes every
// allocation and free, owns the meshable arena and the per-size-class
// mini-heap pools, decides when to mesh, drives the stop-the-world, and
// answers the mallctl control surface.
type GlobalHeap struct {
	cfg Config

	mhRWLock sync.RWMutex
	bigMutex sync.Mutex

	arena    *arena
	big      *bigHeap
	trackers []*binnedTracker

	handles    map[handle]*miniHeap
	nextHandle uint64

	// prng backs mini-heap freelist shuffling and the meshing strategy.
	// Both of its call sites (acquireMiniHeapLocked, MeshAll) hold
	// mhRWLock exclusively, so no extra synchronization is needed here.
	prng *rand.Rand

	meshPeriod    atomic.Uint64
	meshCheckMu   sync.Mutex
	meshCheckRand *rand.Rand
	nextMeshCheck uint64

	stats globalHeapStats
}

// NewGlobalHeap constructs a global heap from cfg, filling in any zero
// field from DefaultConfig except MeshPeriod, where zero keeps the
// countdown disabled. It panics if cfg's size-class table is
// inconsistent with MaxObjectSize, mirroring the original's
// static_assert on getClassMaxSize(NumBins-1).
func NewGlobalHeap(cfg Config) *GlobalHeap {
	def := DefaultConfig()
	if cfg.NumBins == 0 {
		cfg.NumBins = def.NumBins
	}
	if cfg.SizeClass == nil {
		cfg.SizeClass = def.SizeClass
	}
	if cfg.ClassMaxSize == nil {
		cfg.ClassMaxSize = def.ClassMaxSize
	}
	if cfg.ArenaSize == 0 {
		cfg.ArenaSize = def.ArenaSize
	}
	if cfg.MinObjectsPerSpan == 0 {
		cfg.MinObjectsPerSpan = def.MinObjectsPerSpan
	}
	if cfg.MeshStrategy == nil {
		cfg.MeshStrategy = def.MeshStrategy
	}
	if cfg.FlushThreshold == 0 {
		cfg.FlushThreshold = def.FlushThreshold
	}

	if got := cfg.ClassMaxSize(cfg.NumBins - 1); got != MaxObjectSize {
		panic(fmt.Sprintf("meshheap: top size class is %d bytes, expected %d", got, MaxObjectSize))
	}
	if g := gcd(bigHeapAlignment(), Alignment); g != Alignment {
		panic(fmt.Sprintf("meshheap: big heap alignment %d is not a multiple of Alignment (%d)", bigHeapAlignment(), Alignment))
	}

	a, err := newArena(cfg.ArenaSize)
	if err != nil {
		panic(err)
	}

	h := &GlobalHeap{
		cfg:           cfg,
		arena:         a,
		big:           newBigHeap(),
		trackers:      make([]*binnedTracker, cfg.NumBins),
		handles:       make(map[handle]*miniHeap),
		prng:          rand.New(rand.NewSource(time.Now().UnixNano())),
		meshCheckRand: rand.New(rand.NewSource(time.Now().UnixNano() + 1)),
	}
	for i := 0; i < cfg.NumBins; i++ {
		objectSize := cfg.ClassMaxSize(i)
		_, objectCount := spanSizeFor(objectSize, cfg.MinObjectsPerSpan)
		h.trackers[i] = newBinnedTracker(objectSize, objectCount, cfg.FlushThreshold)
	}
	h.meshPeriod.Store(cfg.MeshPeriod)
	h.resetNextMeshCheckLocked()
	return h
}

// Close tears down the heap's arena reservation. It is meant for test
// and short-lived-process teardown; a long-running process keeps its
// global heap, and therefore its arena, for its entire lifetime.
func (h *GlobalHeap) Close() error {
	return h.arena.close()
}

// spanSizeFor computes the span size and resulting slot count for a
// size class: one page's worth of slots, or, for classes where a page
// holds fewer than minObjects objects, enough pages for minObjects of
// them, amortizing the cost of provisioning a mini-heap.
func spanSizeFor(objectSize uintptr, minObjects int) (spanSize uintptr, objectCount int) {
	nObjects := pageSize / objectSize
	if nObjects < uintptr(minObjects) {
		nObjects = uintptr(minObjects)
	}
	total := objectSize * nObjects
	nPages := (total + pageSize - 1) / pageSize
	spanSize = nPages * pageSize
	objectCount = int(spanSize / objectSize)
	return
}

// Alloc allocates size bytes and returns their address. Requests over
// MaxObjectSize go to the large-object sidecar under bigMutex; smaller
// requests are provisioned through acquireMiniHeapLocked. Per this
// package's public contract, Alloc is not meant to be the common path
// for small requests in a system that also has a per-thread front-end
// cache in front of it -- see AcquireMiniHeap for the operation such a
// cache is expected to call instead.
func (h *GlobalHeap) Alloc(size uintptr) uintptr {
	if size == 0 {
		size = 1
	}
	if size > MaxObjectSize {
		h.bigMutex.Lock()
		defer h.bigMutex.Unlock()
		return h.big.malloc(size)
	}
	return h.allocSmall(size)
}

func (h *GlobalHeap) allocSmall(size uintptr) uintptr {
	class := h.classFor(size)

	h.mhRWLock.Lock()
	mh := h.acquireMiniHeapLocked(class)
	addr, ok := mh.allocSlot()
	// Alloc keeps no hold on the mini-heap after taking one slot, so it
	// goes back detached: reusable by the next Alloc, reclaimable once empty.
	mh.detach()
	h.mhRWLock.Unlock()

	if !ok {
		panic("meshheap: acquired mini-heap has no free slots")
	}
	return addr
}

func (h *GlobalHeap) classFor(size uintptr) int {
	class := h.cfg.SizeClass(size)
	if class < 0 || class >= len(h.trackers) {
		panic(fmt.Sprintf("meshheap: size %d classified to out-of-range class %d", size, class))
	}
	if size > h.cfg.ClassMaxSize(class) {
		panic(fmt.Sprintf("meshheap: misrouted size class: %d does not fit class %d", size, class))
	}
	return class
}

// AcquireMiniHeap returns a mini-heap primed for fast allocation of
// objects of the given size: attached, freelist shuffled, ready for its
// caller (typically a per-thread cache) to pull slots from directly via
// the returned handle's Alloc method. This is the "acquireMiniHeap(size)"
// operation named in this package's public contract.
func (h *GlobalHeap) AcquireMiniHeap(size uintptr) *MiniHeap {
	if size > MaxObjectSize {
		panic("meshheap: AcquireMiniHeap: size exceeds MaxObjectSize")
	}
	class := h.classFor(size)
	h.mhRWLock.Lock()
	mh := h.acquireMiniHeapLocked(class)
	h.mhRWLock.Unlock()
	return &MiniHeap{mh: mh, heap: h}
}

// acquireMiniHeapLocked implements allocMiniheap: reuse a tracked
// mini-heap if the bin has one, otherwise provision a fresh one from the
// arena. Caller must hold mhRWLock exclusively.
func (h *GlobalHeap) acquireMiniHeapLocked(class int) *miniHeap {
	tracker := h.trackers[class]
	if existing := tracker.selectForReuse(); existing != nil {
		existing.reattach(h.prng)
		return existing
	}
	return h.allocMiniheapLocked(class)
}

func (h *GlobalHeap) allocMiniheapLocked(class int) *miniHeap {
	tracker := h.trackers[class]
	objectSize := h.cfg.ClassMaxSize(class)
	spanSize, _ := spanSizeFor(objectSize, h.cfg.MinObjectsPerSpan)

	spanBase := h.arena.malloc(spanSize)
	mh := newMiniHeap(objectSize, spanSize, spanBase, class, h.prng)

	h.nextHandle++
	hdl := handle(h.nextHandle)
	mh.selfHandle = hdl
	h.handles[hdl] = mh
	h.arena.assoc(spanBase, hdl, int(spanSize/pageSize))

	tracker.add(mh)
	h.stats.mhAllocCount.Add(1)
	h.stats.bumpHighWaterMark(uint64(len(h.handles)))
	return mh
}

// lookupMiniHeap resolves addr to its owning mini-heap under a shared
// lock, incrementing its refcount on success. Every caller must unref it
// exactly once.
func (h *GlobalHeap) lookupMiniHeap(addr uintptr) (*miniHeap, bool) {
	h.mhRWLock.RLock()
	defer h.mhRWLock.RUnlock()
	hdl, ok := h.arena.lookup(addr)
	if !ok {
		return nil, false
	}
	mh, ok := h.handles[hdl]
	if !ok {
		return nil, false
	}
	mh.ref()
	return mh, true
}

// Lookup is the public form of lookupMiniHeap, wrapping the result in
// the exported MiniHeap handle type. The caller must call ReleaseRef on
// the result exactly once when done with it.
func (h *GlobalHeap) Lookup(addr uintptr) (*MiniHeap, bool) {
	mh, ok := h.lookupMiniHeap(addr)
	if !ok {
		return nil, false
	}
	return &MiniHeap{mh: mh, heap: h}, true
}

// Free classifies addr via the arena's page-to-owner map and routes it
// to the owning mini-heap's free path, or to the large-object sidecar if
// it is unowned by any mini-heap.
func (h *GlobalHeap) Free(addr uintptr) {
	if addr == 0 {
		return
	}
	mh, ok := h.lookupMiniHeap(addr)
	if !ok {
		h.bigMutex.Lock()
		h.big.free(addr)
		h.bigMutex.Unlock()
		return
	}

	mh.freeSlot(addr)
	shouldConsiderMesh := !mh.isEmpty()

	// postFree only needs mhRWLock in shared mode here (it does not
	// touch anything structural at the GlobalHeap level); the tracker
	// serializes its own bin/freeable mutations against the other
	// concurrent frees this RLock allows through, via its own mutex.
	h.mhRWLock.RLock()
	shouldFlush := h.trackers[mh.sizeClass].postFree(mh)
	h.mhRWLock.RUnlock()
	mh.unref()

	if shouldFlush {
		h.mhRWLock.Lock()
		h.flushSizeClassLocked(mh.sizeClass)
		h.mhRWLock.Unlock()
	}

	if !shouldConsiderMesh {
		return
	}
	// The free-path mesh trigger is intentionally never acted on; see
	// the Meshing section of the package documentation. shouldMesh still
	// advances the countdown, but nothing consults its result.
	_ = h.shouldMesh()
}

func (h *GlobalHeap) flushSizeClassLocked(class int) {
	flushed := h.trackers[class].flushFreeMiniheaps()
	for _, mh := range flushed {
		h.releaseMiniHeapLocked(mh)
	}
}

func (h *GlobalHeap) releaseMiniHeapLocked(mh *miniHeap) {
	for _, span := range mh.spans {
		h.arena.free(span, mh.spanSize)
	}
	delete(h.handles, mh.selfHandle)
	h.stats.mhFreeCount.Add(1)
	mh.retire()
}

// GetSize returns the owning mini-heap's object size, or the large
// heap's recorded size for a large allocation. It returns 0 for a nil
// address.
func (h *GlobalHeap) GetSize(addr uintptr) uintptr {
	if addr == 0 {
		return 0
	}
	if mh, ok := h.lookupMiniHeap(addr); ok {
		sz := mh.getSize(addr)
		mh.unref()
		return sz
	}
	h.bigMutex.Lock()
	defer h.bigMutex.Unlock()
	return h.big.getSize(addr)
}

// Lock acquires the mini-heap rw-lock exclusively, then the big-object
// mutex, bringing the heap to a quiescent state. Unlock releases them in
// reverse order. Used by fork-safety and by tests; MeshAll takes only
// mhRWLock, never bigMutex.
func (h *GlobalHeap) Lock() {
	h.mhRWLock.Lock()
	h.bigMutex.Lock()
}

func (h *GlobalHeap) Unlock() {
	h.bigMutex.Unlock()
	h.mhRWLock.Unlock()
}

func (h *GlobalHeap) shouldMesh() bool {
	h.meshCheckMu.Lock()
	defer h.meshCheckMu.Unlock()
	period := h.meshPeriod.Load()
	if period == 0 {
		return false
	}
	if h.nextMeshCheck == 0 {
		h.resetNextMeshCheckLocked()
		return false
	}
	h.nextMeshCheck--
	if h.nextMeshCheck == 0 {
		h.resetNextMeshCheckLocked()
		return true
	}
	return false
}

func (h *GlobalHeap) resetNextMeshCheckLocked() {
	period := h.meshPeriod.Load()
	if period == 0 {
		h.nextMeshCheck = 0
		return
	}
	h.nextMeshCheck = uint64(h.meshCheckRand.Int63n(int64(period))) + 1
}
