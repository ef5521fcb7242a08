package meshheap

import "math/rand"

// MeshStrategy discovers candidate pairs of mini-heaps within one size
// class's bin whose occupancy bitmaps are disjoint, emitting each pair
// it finds via emit. The spec treats the concrete sampling algorithm as
// an external, swappable collaborator; this package supplies
// simpleGreedySplitting as its default.
type MeshStrategy interface {
	FindPairs(rng *rand.Rand, heaps []*miniHeap, emit func(a, b *miniHeap))
}

// simpleGreedySplitting randomly partitions the candidate set into two
// halves and greedily pairs each left-half mini-heap with the first
// disjoint-bitmap mini-heap it finds in the right half.
type simpleGreedySplitting struct{}

// DefaultMeshStrategy is the package's built-in MeshStrategy.
var DefaultMeshStrategy MeshStrategy = simpleGreedySplitting{}

func (simpleGreedySplitting) FindPairs(rng *rand.Rand, heaps []*miniHeap, emit func(a, b *miniHeap)) {
	if len(heaps) < 2 {
		return
	}
	shuffled := make([]*miniHeap, len(heaps))
	copy(shuffled, heaps)
	rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	mid := len(shuffled) / 2
	left, right := shuffled[:mid], shuffled[mid:]

	used := make(map[*miniHeap]bool, len(shuffled))
	for _, a := range left {
		if used[a] {
			continue
		}
		for _, b := range right {
			if used[b] || a == b {
				continue
			}
			if a.bitmapsDisjoint(b) {
				emit(a, b)
				used[a] = true
				used[b] = true
				break
			}
		}
	}
}
