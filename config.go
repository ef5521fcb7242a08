package meshheap

// MaxObjectSize is the largest request size routed through the mini-heap
// path. Anything larger is handed to the large-object sidecar.
const MaxObjectSize = 16 * 1024

// MaxMeshes bounds how many physical spans a single mini-heap may alias
// after repeated meshing. A pair whose combined mesh count would exceed
// this is skipped rather than merged.
const MaxMeshes = 16

// Alignment is the allocator's guaranteed minimum alignment for every
// returned address, small or large. NewGlobalHeap asserts that it
// divides the big heap's own alignment.
const Alignment = 16

// SizeClassFunc maps a requested size to a size-class index in
// [0, NumBins). It is supplied by the caller; this package treats it as
// an opaque configuration value, per its out-of-scope boundary around
// size-class selection.
type SizeClassFunc func(size uintptr) int

// ClassMaxSizeFunc maps a size-class index to the maximum object size
// that class serves. ClassMaxSizeFunc(NumBins-1) must equal MaxObjectSize.
type ClassMaxSizeFunc func(class int) uintptr

// Config bundles every value the global heap needs at construction time,
// generalizing a single constructor parameter (as the arena package this
// heap grew out of does for its chunk size) into a small struct of
// function values and constants, per the allocator's own guidance that
// these choices are configuration, not compile-time specialization.
type Config struct {
	// NumBins is the number of size classes.
	NumBins int

	// SizeClass resolves a request size to a size-class index.
	SizeClass SizeClassFunc

	// ClassMaxSize resolves a size-class index to its maximum object size.
	ClassMaxSize ClassMaxSizeFunc

	// MeshPeriod is the default value of the mesh-check countdown seed.
	// Zero disables the free-path countdown entirely (meshing then only
	// ever runs via an explicit MeshAll/mallctl("mesh.compact") call).
	MeshPeriod uint64

	// ArenaSize is the size, in bytes, of the virtual region the
	// meshable arena reserves up front. It is a pure virtual-memory
	// reservation (PROT_NONE) and costs no physical memory until spans
	// within it are committed.
	ArenaSize uintptr

	// MinObjectsPerSpan is the minimum slot count a freshly created
	// mini-heap must have, amortizing the cost of creating a mini-heap:
	// classes whose objects fit fewer than this many per page get
	// multi-page spans.
	MinObjectsPerSpan int

	// MeshStrategy discovers meshing candidate pairs within a bin.
	// Defaults to DefaultMeshStrategy (simpleGreedySplitting).
	MeshStrategy MeshStrategy

	// FlushThreshold is how many empty, detached mini-heaps a size
	// class's binnedTracker accumulates before flushFreeMiniheaps is
	// triggered automatically from postFree.
	FlushThreshold int
}

// defaultClassMaxSizes is a simple power-of-two-ish table: class i serves
// objects up to defaultClassMaxSizes[i] bytes. It purposefully does not try to
// be the production jemalloc/tcmalloc size-class table -- the choice of
// size-class function is out of scope for this package and supplied only
// as a usable default.
var defaultClassMaxSizes = buildDefaultClassMaxSizes()

func buildDefaultClassMaxSizes() []uintptr {
	sizes := []uintptr{}
	for s := uintptr(16); s <= 128; s += 16 {
		sizes = append(sizes, s)
	}
	for s := uintptr(160); s <= 1024; s += 32 {
		sizes = append(sizes, s)
	}
	for s := uintptr(1280); s <= 4096; s += 256 {
		sizes = append(sizes, s)
	}
	for s := uintptr(5120); s <= MaxObjectSize; s += 1024 {
		sizes = append(sizes, s)
	}
	if sizes[len(sizes)-1] != MaxObjectSize {
		sizes = append(sizes, MaxObjectSize)
	}
	return sizes
}

func defaultSizeClass(size uintptr) int {
	for i, max := range defaultClassMaxSizes {
		if size <= max {
			return i
		}
	}
	return len(defaultClassMaxSizes) - 1
}

func defaultClassMaxSize(class int) uintptr {
	return defaultClassMaxSizes[class]
}

// DefaultConfig returns a Config using the package's built-in size-class
// table, a 64KiB-page-friendly arena reservation, and meshing disabled on
// the free path (MeshPeriod nonzero only seeds the countdown, whose seed
// "mesh.check_period" reads and writes; the free path itself never acts
// on it -- see GlobalHeap.Free).
func DefaultConfig() Config {
	return Config{
		NumBins:           len(defaultClassMaxSizes),
		SizeClass:         defaultSizeClass,
		ClassMaxSize:      defaultClassMaxSize,
		MeshPeriod:        1024,
		ArenaSize:         1 << 30, // 1GiB virtual reservation
		MinObjectsPerSpan: 8,
		MeshStrategy:      DefaultMeshStrategy,
		FlushThreshold:    4,
	}
}
