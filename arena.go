//go:build linux

package meshheap

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// pageSize is the platform's page size, queried once at package init the
// way rsc-tmp's span package hard-codes its rounding unit; we query it
// instead of hard-coding it since the meshable arena's page-to-owner map
// must agree exactly with the kernel's notion of a page.
var pageSize = uintptr(unix.Getpagesize())

// handle is an opaque reference to a mini-heap, stored in the arena's
// page-to-owner map instead of a raw pointer. The arena never dereferences
// a handle; only the global heap (which owns the handle -> *miniHeap
// table) resolves one, and only while holding mhRWLock. This is the
// "arena + index" indirection called for instead of long-lived
// back-pointers living inside arena code.
type handle uint64

// sharedBacking is the memfd a span's physical pages live in, once that
// span has participated in at least one mesh. A span that has never been
// meshed keeps its original private anonymous backing and costs nothing
// extra; promotion to a memfd happens lazily, the first time it is used
// as a mesh destination.
type sharedBacking struct {
	fd       int
	size     uintptr
	refCount int // number of spans (dst plus every meshed src) currently aliasing fd
}

// arena owns the process's small-object virtual region: a single large
// reservation, carved into page-aligned spans on demand, with a
// page-granular reverse map from address to owning handle and a
// free-list of decommitted spans keyed by size for reuse.
type arena struct {
	mu sync.Mutex

	base uintptr
	size uintptr
	top  uintptr // next unused byte in the reservation

	freeSpans map[uintptr][]uintptr // spanSize -> stack of decommitted span bases
	pageOwner map[uintptr]handle    // page base -> owning handle
	backing   map[uintptr]*sharedBacking // span base -> shared backing, once promoted
	inUse     int                   // spans currently on loan (malloc'd, not freed)
}

func newArena(size uintptr) (*arena, error) {
	size = roundUp(size, pageSize)
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_NONE,
		unix.MAP_ANON|unix.MAP_PRIVATE|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("meshheap: arena: reserve %d bytes: %w", size, err)
	}
	base := uintptr(unsafe.Pointer(&mem[0]))
	return &arena{
		base:      base,
		size:      size,
		top:       base,
		freeSpans: make(map[uintptr][]uintptr),
		pageOwner: make(map[uintptr]handle),
		backing:   make(map[uintptr]*sharedBacking),
	}, nil
}

// malloc obtains a page-aligned span of exactly spanSize bytes. Virtual
// memory exhaustion is fatal: per the allocator's failure model there is
// no soft-error path out of this call.
func (a *arena) malloc(spanSize uintptr) uintptr {
	spanSize = roundUp(spanSize, pageSize)

	a.mu.Lock()
	defer a.mu.Unlock()

	if freeList := a.freeSpans[spanSize]; len(freeList) > 0 {
		base := freeList[len(freeList)-1]
		a.freeSpans[spanSize] = freeList[:len(freeList)-1]
		a.inUse++
		return base
	}

	if a.top+spanSize > a.base+a.size {
		panic(fmt.Sprintf("meshheap: arena exhausted requesting %d bytes", spanSize))
	}
	base := a.top
	if err := unix.Mprotect(byteSliceAt(base, spanSize), unix.PROT_READ|unix.PROT_WRITE); err != nil {
		panic(fmt.Sprintf("meshheap: arena: mprotect %d bytes: %v", spanSize, err))
	}
	a.top += spanSize
	a.inUse++
	return base
}

// free returns a span to the arena. The underlying pages are decommitted
// (MADV_DONTNEED) so the kernel reclaims their physical backing, but the
// virtual range itself is kept mapped and parked on a free list for
// reuse by a later malloc of the same span size.
func (a *arena) free(base, spanSize uintptr) {
	spanSize = roundUp(spanSize, pageSize)

	a.mu.Lock()
	defer a.mu.Unlock()

	if bk, promoted := a.backing[base]; promoted {
		// A meshed span is mapped onto a shared memfd, which MADV_DONTNEED
		// would leave intact: map fresh private memory over it instead.
		_, _, errno := unix.Syscall6(unix.SYS_MMAP, base, spanSize,
			uintptr(unix.PROT_READ|unix.PROT_WRITE),
			uintptr(unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_FIXED), ^uintptr(0), 0)
		if errno != 0 {
			panic(fmt.Sprintf("meshheap: arena: remap freed span: %v", errno))
		}
		delete(a.backing, base)
		if bk.refCount--; bk.refCount == 0 {
			_ = unix.Close(bk.fd)
		}
	} else if err := unix.Madvise(byteSliceAt(base, spanSize), unix.MADV_DONTNEED); err != nil {
		panic(fmt.Sprintf("meshheap: arena: madvise %d bytes: %v", spanSize, err))
	}
	for p := base; p < base+spanSize; p += pageSize {
		delete(a.pageOwner, p)
	}
	a.freeSpans[spanSize] = append(a.freeSpans[spanSize], base)
	a.inUse--
}

// assoc records that the nPages pages starting at base are owned by
// owner.
func (a *arena) assoc(base uintptr, owner handle, nPages int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := 0; i < nPages; i++ {
		a.pageOwner[base+uintptr(i)*pageSize] = owner
	}
}

// lookup is an O(1) reverse lookup from an address to its owning handle.
// It returns ok=false for addresses outside any live span.
func (a *arena) lookup(addr uintptr) (handle, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	h, ok := a.pageOwner[pageOf(addr)]
	return h, ok
}

// mesh is the mechanical heart of meshing: it replaces the physical
// backing of srcBase..srcBase+spanSize with dstBase's backing so the two
// virtual ranges observe identical memory thereafter, and repoints the
// page-to-owner map for src's pages at dst's owner.
func (a *arena) mesh(dstBase, srcBase, spanSize uintptr) {
	a.mu.Lock()
	defer a.mu.Unlock()

	dstOwner := a.pageOwner[pageOf(dstBase)]

	bk, promoted := a.backing[dstBase]
	if !promoted {
		bk = a.promoteLocked(dstBase, spanSize)
	}
	if err := mmapFixedShared(srcBase, spanSize, bk.fd, 0); err != nil {
		panic(fmt.Sprintf("meshheap: arena: mesh remap src: %v", err))
	}

	// srcBase may already have been promoted on some earlier mesh (it
	// was itself a dst once). Repointing it at bk supersedes that old
	// backing; drop srcBase's reference to it and close its memfd once
	// nothing else aliases it, or its fd leaks on every re-mesh.
	if old, had := a.backing[srcBase]; had && old != bk {
		old.refCount--
		if old.refCount == 0 {
			_ = unix.Close(old.fd)
		}
	}
	bk.refCount++
	a.backing[srcBase] = bk

	for p := srcBase; p < srcBase+spanSize; p += pageSize {
		a.pageOwner[p] = dstOwner
	}
}

// promoteLocked moves dstBase's span from its original private anonymous
// backing onto a fresh memfd-backed shared mapping, preserving its
// current contents, so that a later mesh can repoint other virtual
// ranges at the same physical pages. Must be called with a.mu held.
func (a *arena) promoteLocked(dstBase, spanSize uintptr) *sharedBacking {
	fd, err := unix.MemfdCreate("meshheap-span", 0)
	if err != nil {
		panic(fmt.Sprintf("meshheap: arena: memfd_create: %v", err))
	}
	if err := unix.Ftruncate(fd, int64(spanSize)); err != nil {
		panic(fmt.Sprintf("meshheap: arena: ftruncate: %v", err))
	}

	scratch, err := unix.Mmap(fd, 0, int(spanSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		panic(fmt.Sprintf("meshheap: arena: mmap memfd: %v", err))
	}
	copy(scratch, byteSliceAt(dstBase, spanSize))
	_ = unix.Munmap(scratch)

	if err := mmapFixedShared(dstBase, spanSize, fd, 0); err != nil {
		panic(fmt.Sprintf("meshheap: arena: mesh remap dst: %v", err))
	}

	bk := &sharedBacking{fd: fd, size: spanSize, refCount: 1}
	a.backing[dstBase] = bk
	return bk
}

// inUseCount returns the number of spans currently on loan.
func (a *arena) inUseCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inUse
}

// close releases the entire reservation. Only meant for test teardown;
// a live process's global heap keeps its arena for its whole lifetime.
func (a *arena) close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	closed := make(map[*sharedBacking]bool)
	for _, bk := range a.backing {
		if closed[bk] {
			continue
		}
		closed[bk] = true
		_ = unix.Close(bk.fd)
	}
	return unix.Munmap(byteSliceAt(a.base, a.size))
}

func pageOf(addr uintptr) uintptr {
	return addr &^ (pageSize - 1)
}

func roundUp(n, align uintptr) uintptr {
	return (n + align - 1) &^ (align - 1)
}

func gcd(a, b uintptr) uintptr {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func byteSliceAt(addr, n uintptr) []byte {
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(n))
}

// mmapFixedShared maps fd at the given fixed virtual address with
// MAP_SHARED, replacing whatever was mapped there. golang.org/x/sys/unix's
// Mmap wrapper never lets the caller pick the address, so the MAP_FIXED
// remap this package's mesh operation needs goes through the mmap
// syscall directly, the same way the rest of this package reaches past
// the convenience wrappers for mprotect/madvise/memfd_create.
func mmapFixedShared(addr, length uintptr, fd int, offset int64) error {
	_, _, errno := unix.Syscall6(unix.SYS_MMAP, addr, length,
		uintptr(unix.PROT_READ|unix.PROT_WRITE),
		uintptr(unix.MAP_SHARED|unix.MAP_FIXED),
		uintptr(fd), uintptr(offset))
	if errno != 0 {
		return errno
	}
	return nil
}
