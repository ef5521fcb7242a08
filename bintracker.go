package meshheap

import (
	"container/list"
	"sync"
)

// binKind partitions a size class's mini-heaps by fullness.
type binKind int

const (
	binEmpty binKind = iota
	binShallow
	binPartial
	binDeep
	binFull
	numBins
)

// reuseOrder is the order selectForReuse scans bins in: densest first,
// so that emptying shallow mini-heaps (and thereby feeding the meshing
// candidate pool) is preferred over spreading new allocations thin.
var reuseOrder = [...]binKind{binDeep, binPartial, binShallow, binEmpty}

// binForLocked classifies mh by fullness. The caller must already hold
// mh.mu.
func binForLocked(mh *miniHeap) binKind {
	if mh.isEmptyLocked() {
		return binEmpty
	}
	if mh.isFullLocked() {
		return binFull
	}
	frac := float64(mh.inUse) / float64(mh.objectCount)
	switch {
	case frac < 0.25:
		return binShallow
	case frac < 0.75:
		return binPartial
	default:
		return binDeep
	}
}

// binFor is binForLocked's self-locking form, for callers that do not
// otherwise hold mh.mu.
func binFor(mh *miniHeap) binKind {
	mh.mu.Lock()
	defer mh.mu.Unlock()
	return binForLocked(mh)
}

// trackedHeap is the bookkeeping a binnedTracker keeps per mini-heap: its
// current bin and the list.Element that holds its place there, so
// removal and re-binning are both O(1).
type trackedHeap struct {
	mh   *miniHeap
	bin  binKind
	elem *list.Element
}

// binnedTracker holds every mini-heap of one size class, partitioned into
// bins by fullness. Structural callers (allocMiniheap, flushing, meshing)
// reach it while already holding the global heap's mhRWLock exclusively,
// but postFree is reachable with mhRWLock held only in shared mode --
// GlobalHeap.Free and MiniHeap.Free both classify under RLock, and
// Go's RWMutex lets arbitrarily many readers run postFree concurrently
// against the same tracker. The tracker therefore carries its own mutex
// guarding bins/index/freeable, independent of mhRWLock, so concurrent
// frees in the same size class never race on the same list.List or
// freeable slice.
type binnedTracker struct {
	mu sync.Mutex

	objectSize  uintptr
	objectCount int

	bins  [numBins]list.List
	index map[*miniHeap]*trackedHeap

	freeable       []*miniHeap
	flushThreshold int
}

func newBinnedTracker(objectSize uintptr, objectCount, flushThreshold int) *binnedTracker {
	return &binnedTracker{
		objectSize:     objectSize,
		objectCount:    objectCount,
		index:          make(map[*miniHeap]*trackedHeap),
		flushThreshold: flushThreshold,
	}
}

// add places a newly created mini-heap into its current bin.
func (t *binnedTracker) add(mh *miniHeap) {
	t.mu.Lock()
	defer t.mu.Unlock()
	bin := binFor(mh)
	th := &trackedHeap{mh: mh, bin: bin}
	th.elem = t.bins[bin].PushBack(th)
	t.index[mh] = th
}

// remove takes mh out of whatever bin it is in, on destruction.
func (t *binnedTracker) remove(mh *miniHeap) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(mh)
}

// removeLocked is remove's body, for callers that already hold t.mu.
func (t *binnedTracker) removeLocked(mh *miniHeap) {
	th, ok := t.index[mh]
	if !ok {
		return
	}
	t.bins[th.bin].Remove(th.elem)
	delete(t.index, mh)
}

// selectForReuse chooses a not-full, not-attached mini-heap for a fresh
// attachment, preferring the densest non-full bin, with insertion order
// as the tie-break within a bin. It returns nil if every tracked
// mini-heap is either full or already attached.
func (t *binnedTracker) selectForReuse() *miniHeap {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, bin := range reuseOrder {
		for e := t.bins[bin].Front(); e != nil; e = e.Next() {
			mh := e.Value.(*trackedHeap).mh
			mh.mu.Lock()
			skip := mh.attached || mh.isFullLocked()
			mh.mu.Unlock()
			if skip {
				continue
			}
			return mh
		}
	}
	return nil
}

// postFree is called after a slot in mh is freed. It moves mh between
// bins if its occupancy band changed, and schedules it for release if it
// is now empty and detached. shouldFlush is true once the number of
// heaps scheduled for release crosses flushThreshold. Unlike the rest of
// this tracker's structural methods, postFree's callers hold mhRWLock
// only in shared mode, so this method's own mutex is what actually
// serializes it against concurrent postFree calls on the same tracker.
func (t *binnedTracker) postFree(mh *miniHeap) (shouldFlush bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	th, ok := t.index[mh]
	if !ok {
		return false
	}

	mh.mu.Lock()
	bin := binForLocked(mh)
	empty := mh.isEmptyLocked()
	attached := mh.attached
	mh.mu.Unlock()

	if bin != th.bin {
		t.bins[th.bin].Remove(th.elem)
		th.bin = bin
		th.elem = t.bins[bin].PushBack(th)
	}
	if empty && !attached {
		scheduled := false
		for _, f := range t.freeable {
			if f == mh {
				scheduled = true
				break
			}
		}
		if !scheduled {
			t.freeable = append(t.freeable, mh)
		}
		if len(t.freeable) >= t.flushThreshold {
			return true
		}
	}
	return false
}

// flushFreeMiniheaps removes every scheduled, still-empty, still-
// detached, still-unreferenced mini-heap from the tracker and returns
// it for the caller to return its spans to the arena and retire its
// descriptor. A mini-heap with outstanding references is left parked;
// it is retried on the next flush.
func (t *binnedTracker) flushFreeMiniheaps() []*miniHeap {
	t.mu.Lock()
	defer t.mu.Unlock()
	var flushed, parked []*miniHeap
	for _, mh := range t.freeable {
		mh.mu.Lock()
		stillFreeable := mh.refs() == 0 && !mh.attached && mh.isEmptyLocked()
		mh.mu.Unlock()
		if !stillFreeable {
			parked = append(parked, mh)
			continue
		}
		t.removeLocked(mh)
		flushed = append(flushed, mh)
	}
	t.freeable = parked
	return flushed
}

// nonEmptyCount returns the number of tracked mini-heaps with at least
// one slot in use.
func (t *binnedTracker) nonEmptyCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for mh := range t.index {
		mh.mu.Lock()
		if !mh.isEmptyLocked() {
			n++
		}
		mh.mu.Unlock()
	}
	return n
}

// allocatedObjectCount sums in-use slots across every tracked mini-heap.
func (t *binnedTracker) allocatedObjectCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for mh := range t.index {
		mh.mu.Lock()
		n += mh.inUse
		mh.mu.Unlock()
	}
	return n
}

// forEachCandidateBin calls fn once per bin that may hold meshing
// candidates (every bin but binFull -- a full mini-heap can never pair
// with anything, since the mesh postcondition requires disjoint bitmaps
// and a full mini-heap's bitmap is all-ones). fn runs outside t.mu, since
// its callers go on to call back into isMeshingCandidate/bitmapsDisjoint
// on the collected mini-heaps.
func (t *binnedTracker) forEachCandidateBin(fn func(heaps []*miniHeap)) {
	t.mu.Lock()
	var snapshot [binFull][]*miniHeap
	for bin := binEmpty; bin < binFull; bin++ {
		for e := t.bins[bin].Front(); e != nil; e = e.Next() {
			snapshot[bin] = append(snapshot[bin], e.Value.(*trackedHeap).mh)
		}
	}
	t.mu.Unlock()

	for _, heaps := range snapshot {
		if len(heaps) > 0 {
			fn(heaps)
		}
	}
}
