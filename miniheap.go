package meshheap

import (
	"math/rand"
	"sync"
	"sync/atomic"
)

// poisonByte is written over a retired mini-heap descriptor's scalar
// fields as a debug aid, mirroring the original implementation's
// memset(mhp, 0x42, sizeof(MiniHeap)) on retirement. It is not a security
// measure.
const poisonByte = 0x42

var debugPoisoning = false

// SetDebugPoisoning turns the 0x42 poisoning of retired mini-heap
// descriptors on or off. It is off by default; enable it in debug
// builds or tests that want to catch use-after-retire bugs by
// inspection.
func SetDebugPoisoning(enabled bool) {
	debugPoisoning = enabled
}

// miniHeap is the descriptor for one logical pool of same-size-class
// slots, possibly backed by more than one physical span once it has
// absorbed mesh partners. Every field is guarded by mu except where a
// comment says otherwise.
type miniHeap struct {
	mu sync.Mutex

	objectSize  uintptr
	objectCount int
	sizeClass   int    // index into GlobalHeap.trackers; fixed for this descriptor's life
	selfHandle  handle // the key this descriptor is stored under in GlobalHeap.handles

	spans    []uintptr // spans[0] is primary; all alias one another once meshCount > 1
	spanSize uintptr
	meshCount int

	bitmap   []uint64 // objectCount occupancy bits
	freelist []int32  // randomized permutation of free slot indices
	inUse    int

	attached bool

	// refCount is bumped by lookup and dropped by the caller; it is
	// accessed without mu held (it must remain readable while a writer
	// holds mu for structural work), hence it lives in its own
	// synchronization domain via sync/atomic in the ref/unref/refs helpers.
	refCount int32
}

func newMiniHeap(objectSize, spanSize, primarySpan uintptr, sizeClass int, rng *rand.Rand) *miniHeap {
	objectCount := int(spanSize / objectSize)
	mh := &miniHeap{
		objectSize:  objectSize,
		objectCount: objectCount,
		sizeClass:   sizeClass,
		spans:       []uintptr{primarySpan},
		spanSize:    spanSize,
		meshCount:   1,
		bitmap:      make([]uint64, (objectCount+63)/64),
	}
	mh.reattachLocked(rng)
	return mh
}

func (mh *miniHeap) getSpanStart() uintptr {
	return mh.spans[0]
}

func (mh *miniHeap) testBit(i int) bool {
	return mh.bitmap[i/64]&(uint64(1)<<uint(i%64)) != 0
}

func (mh *miniHeap) setBit(i int) {
	mh.bitmap[i/64] |= uint64(1) << uint(i%64)
}

func (mh *miniHeap) clearBit(i int) {
	mh.bitmap[i/64] &^= uint64(1) << uint(i%64)
}

// isEmptyLocked reports whether no slot is in use. The caller must
// already hold mh.mu.
func (mh *miniHeap) isEmptyLocked() bool {
	return mh.inUse == 0
}

// isEmpty is isEmptyLocked's self-locking form, for callers that do not
// otherwise hold mh.mu.
func (mh *miniHeap) isEmpty() bool {
	mh.mu.Lock()
	defer mh.mu.Unlock()
	return mh.isEmptyLocked()
}

// isFullLocked reports whether every slot is in use. The caller must
// already hold mh.mu.
func (mh *miniHeap) isFullLocked() bool {
	return mh.inUse == mh.objectCount
}

// isFull is isFullLocked's self-locking form, for callers that do not
// otherwise hold mh.mu.
func (mh *miniHeap) isFull() bool {
	mh.mu.Lock()
	defer mh.mu.Unlock()
	return mh.isFullLocked()
}

// isMeshingCandidate reports whether this mini-heap may participate in a
// merge: not attached to a front-end cache, not full, and with room left
// under MaxMeshes.
func (mh *miniHeap) isMeshingCandidate() bool {
	mh.mu.Lock()
	defer mh.mu.Unlock()
	return !mh.attached && !mh.isFullLocked() && mh.meshCount < MaxMeshes
}

// allocSlot pops a free slot off the freelist, marks it in-use, and
// returns its address. ok is false if the mini-heap has no free slots.
func (mh *miniHeap) allocSlot() (addr uintptr, ok bool) {
	mh.mu.Lock()
	defer mh.mu.Unlock()
	n := len(mh.freelist)
	if n == 0 {
		return 0, false
	}
	idx := mh.freelist[n-1]
	mh.freelist = mh.freelist[:n-1]
	mh.setBit(int(idx))
	mh.inUse++
	return mh.spans[0] + uintptr(idx)*mh.objectSize, true
}

// freeSlot marks addr's slot free and returns it to the freelist.
func (mh *miniHeap) freeSlot(addr uintptr) {
	mh.mu.Lock()
	defer mh.mu.Unlock()
	idx := mh.indexOfLocked(addr)
	mh.clearBit(idx)
	mh.freelist = append(mh.freelist, int32(idx))
	mh.inUse--
}

// indexOfLocked resolves addr's slot index. addr may fall in any of
// mh.spans, not just the primary: once a donor has been consumed, its
// spans keep their original virtual addresses (meshing aliases physical
// pages, it never moves objects), so the containing span -- not
// spans[0] -- must be found first. Every span shares the same
// objectSize/spanSize layout and aliases the same physical backing at
// matching offsets once meshed, so the slot index is the offset within
// whichever span addr falls in.
func (mh *miniHeap) indexOfLocked(addr uintptr) int {
	for _, base := range mh.spans {
		if addr >= base && addr < base+mh.spanSize {
			return int((addr - base) / mh.objectSize)
		}
	}
	panic("meshheap: address not owned by this mini-heap")
}

func (mh *miniHeap) getSize(uintptr) uintptr {
	return mh.objectSize
}

// reattach primes the freelist with a fresh random permutation of every
// currently-free slot index and marks the mini-heap attached. Called
// when a front-end cache acquires this mini-heap for fast allocation.
func (mh *miniHeap) reattach(rng *rand.Rand) {
	mh.mu.Lock()
	defer mh.mu.Unlock()
	mh.reattachLocked(rng)
}

func (mh *miniHeap) reattachLocked(rng *rand.Rand) {
	mh.attached = true
	free := make([]int32, 0, mh.objectCount-mh.inUse)
	for i := 0; i < mh.objectCount; i++ {
		if !mh.testBit(i) {
			free = append(free, int32(i))
		}
	}
	rng.Shuffle(len(free), func(i, j int) { free[i], free[j] = free[j], free[i] })
	mh.freelist = free
}

func (mh *miniHeap) detach() {
	mh.mu.Lock()
	defer mh.mu.Unlock()
	mh.attached = false
}

// bitmapsDisjoint reports whether mh and other, which must be in the
// same size class, have no slot index in common.
func (mh *miniHeap) bitmapsDisjoint(other *miniHeap) bool {
	mh.mu.Lock()
	defer mh.mu.Unlock()
	other.mu.Lock()
	defer other.mu.Unlock()
	for i := range mh.bitmap {
		if mh.bitmap[i]&other.bitmap[i] != 0 {
			return false
		}
	}
	return true
}

// consume merges donor's spans, bitmap, and occupied slots into mh. The
// caller must already have verified bitmapsDisjoint(mh, donor) and must
// hold the exclusive mhRWLock (consume performs no locking of its own
// beyond the two mini-heaps' descriptor locks, since it runs during a
// stop-the-world where no reader can observe a half-merged state).
// consume copies each of donor's live slots' bytes into mh's primary span
// at the matching offset -- the byte-level counterpart of the bitmap
// union -- before the caller physically remaps donor's spans onto mh's
// backing. It returns donor's span list so the caller can issue one
// arena.mesh per donor span.
func (mh *miniHeap) consume(donor *miniHeap) []uintptr {
	mh.mu.Lock()
	defer mh.mu.Unlock()
	donor.mu.Lock()
	defer donor.mu.Unlock()

	dstBase := mh.spans[0]
	donorBase := donor.spans[0]
	for i := 0; i < donor.objectCount; i++ {
		if !donor.testBit(i) {
			continue
		}
		src := byteSliceAt(donorBase+uintptr(i)*donor.objectSize, donor.objectSize)
		dst := byteSliceAt(dstBase+uintptr(i)*mh.objectSize, mh.objectSize)
		copy(dst, src)
		mh.setBit(i)
	}
	mh.inUse += donor.inUse
	mh.meshCount += donor.meshCount

	donorSpans := donor.spans
	mh.spans = append(mh.spans, donorSpans...)
	return donorSpans
}

// ref bumps the mini-heap's outstanding-borrower count. Every successful
// lookup calls this exactly once; the caller must call unref exactly
// once when done. While refs() > 0 the mini-heap and its spans must not
// be destroyed even if it becomes empty in the meantime.
func (mh *miniHeap) ref() {
	atomic.AddInt32(&mh.refCount, 1)
}

func (mh *miniHeap) unref() {
	atomic.AddInt32(&mh.refCount, -1)
}

func (mh *miniHeap) refs() int32 {
	return atomic.LoadInt32(&mh.refCount)
}

// retire clears a donor mini-heap's descriptor after its spans have been
// absorbed by a mesh partner. With debug poisoning enabled, its scalar
// fields are overwritten with poisonByte first.
func (mh *miniHeap) retire() {
	mh.mu.Lock()
	defer mh.mu.Unlock()
	if debugPoisoning {
		mh.objectSize = poisonByte
		mh.objectCount = poisonByte
		mh.meshCount = poisonByte
		mh.inUse = poisonByte
		logf("retired mini-heap descriptor poisoned")
	}
	mh.spans = nil
	mh.bitmap = nil
	mh.freelist = nil
}
