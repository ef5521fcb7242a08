//go:build linux

package meshheap

import "unsafe"

// Alloc allocates space for one T and returns a pointer to it. Unlike
// the underlying byte-range allocator, which hands back whatever was
// last in a reused slot, Alloc writes T's zero value before returning.
func Alloc[T any](h *GlobalHeap) *T {
	var zero T
	addr := h.Alloc(unsafe.Sizeof(zero))
	p := (*T)(unsafe.Pointer(addr))
	*p = zero
	return p
}

// AllocSlice allocates a contiguous run of n T values and returns a Go
// slice over them. The slice's backing memory is owned by h; it must be
// released with FreeSlice, not left for the garbage collector, since it
// was never allocated through Go's own runtime.
func AllocSlice[T any](h *GlobalHeap, n int) []T {
	if n == 0 {
		return nil
	}
	var zero T
	elemSize := unsafe.Sizeof(zero)
	addr := h.Alloc(elemSize * uintptr(n))
	s := unsafe.Slice((*T)(unsafe.Pointer(addr)), n)
	for i := range s {
		s[i] = zero
	}
	return s
}

// Free releases a pointer obtained from Alloc[T].
func Free[T any](h *GlobalHeap, p *T) {
	h.Free(uintptr(unsafe.Pointer(p)))
}

// FreeSlice releases a slice obtained from AllocSlice[T]. It is a
// programming error to call this with a slice whose address is not the
// one AllocSlice returned, since the allocator's free path resolves the
// whole span by that base address alone.
func FreeSlice[T any](h *GlobalHeap, s []T) {
	if len(s) == 0 {
		return
	}
	h.Free(uintptr(unsafe.Pointer(&s[0])))
}
