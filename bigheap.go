//go:build linux

package meshheap

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// bigHeap is the conventional allocator for requests larger than
// MaxObjectSize. It never meshes and is not tracked by any binnedTracker;
// every request gets its own page-aligned anonymous mapping, which is the
// direct large-object analogue of the small-path arena's page-granular
// spans. All of its methods are called with the global heap's bigMutex
// already held, so bigHeap itself carries no lock.
type bigHeap struct {
	live map[uintptr]bigBlock
	size uintptr // sum of spanSize over every live block
}

type bigBlock struct {
	requested uintptr
	spanSize  uintptr
}

func newBigHeap() *bigHeap {
	return &bigHeap{live: make(map[uintptr]bigBlock)}
}

// bigHeapAlignment is the alignment every bigHeap.malloc return value
// carries: mmap always hands back page-aligned addresses.
func bigHeapAlignment() uintptr {
	return pageSize
}

func (b *bigHeap) malloc(size uintptr) uintptr {
	spanSize := roundUp(size, pageSize)
	mem, err := unix.Mmap(-1, 0, int(spanSize), unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		panic(fmt.Sprintf("meshheap: big heap: mmap %d bytes: %v", spanSize, err))
	}
	base := uintptr(unsafe.Pointer(&mem[0]))
	b.live[base] = bigBlock{requested: size, spanSize: spanSize}
	b.size += spanSize
	return base
}

func (b *bigHeap) free(base uintptr) {
	blk, ok := b.live[base]
	if !ok {
		panic("meshheap: big heap: free of address not owned by this heap")
	}
	delete(b.live, base)
	b.size -= blk.spanSize
	if err := unix.Munmap(byteSliceAt(base, blk.spanSize)); err != nil {
		panic(fmt.Sprintf("meshheap: big heap: munmap: %v", err))
	}
}

func (b *bigHeap) getSize(base uintptr) uintptr {
	blk, ok := b.live[base]
	if !ok {
		return 0
	}
	return blk.requested
}

// arenaSize returns the total bytes currently committed across every
// live large allocation.
func (b *bigHeap) arenaSize() uintptr {
	return b.size
}
