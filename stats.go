//go:build linux

package meshheap

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// globalHeapStats mirrors the original GlobalHeapStats counters:
// meshCount, mhAllocCount, mhFreeCount, and a best-effort high-water
// mark. Per the spec's own open question, mhHighWaterMark is maintained
// on a best-effort basis and is not meant to be exact under contention.
type globalHeapStats struct {
	meshCount       atomic.Uint64
	mhAllocCount    atomic.Uint64
	mhFreeCount     atomic.Uint64
	mhHighWaterMark atomic.Uint64
}

// Stats is a point-in-time snapshot of the global heap's counters.
type Stats struct {
	MeshCount       uint64
	MiniHeapAllocs  uint64
	MiniHeapFrees   uint64
	MiniHeapHWM     uint64
	AllocatedSpans  int
}

func (s *globalHeapStats) bumpHighWaterMark(cur uint64) {
	for {
		prev := s.mhHighWaterMark.Load()
		if cur <= prev {
			return
		}
		if s.mhHighWaterMark.CompareAndSwap(prev, cur) {
			return
		}
	}
}

// Snapshot returns the current values of every counter this heap
// maintains, along with the arena's in-use span count (the port of the
// original's getAllocatedMiniheapCount/bitmap().inUseCount()).
func (h *GlobalHeap) Snapshot() Stats {
	return Stats{
		MeshCount:      h.stats.meshCount.Load(),
		MiniHeapAllocs: h.stats.mhAllocCount.Load(),
		MiniHeapFrees:  h.stats.mhFreeCount.Load(),
		MiniHeapHWM:    h.stats.mhHighWaterMark.Load(),
		AllocatedSpans: h.AllocatedSpanCount(),
	}
}

// AllocatedSpanCount returns the number of spans currently on loan from
// the arena, the port of the original's getAllocatedMiniheapCount.
func (h *GlobalHeap) AllocatedSpanCount() int {
	return h.arena.inUseCount()
}

// DumpStats formats a human-readable report of the global counters and,
// if detailed is true, every size class's non-empty and allocated-object
// counts -- the port of the original's dumpStats(level, beDetailed). A
// level below 1 returns an empty string without taking any lock.
func (h *GlobalHeap) DumpStats(level int, detailed bool) string {
	if level < 1 {
		return ""
	}
	h.mhRWLock.RLock()
	defer h.mhRWLock.RUnlock()

	s := h.Snapshot()
	var b strings.Builder
	fmt.Fprintf(&b, "MESH COUNT:         %d\n", s.MeshCount)
	fmt.Fprintf(&b, "MH Alloc Count:     %d\n", s.MiniHeapAllocs)
	fmt.Fprintf(&b, "MH Free  Count:     %d\n", s.MiniHeapFrees)
	fmt.Fprintf(&b, "MH High Water Mark: %d\n", s.MiniHeapHWM)
	if detailed {
		for i, t := range h.trackers {
			fmt.Fprintf(&b, "  class %d objectSize=%d nonEmpty=%d allocated=%d\n",
				i, t.objectSize, t.nonEmptyCount(), t.allocatedObjectCount())
		}
	}
	return b.String()
}
