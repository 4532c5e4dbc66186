// Package hnsw implements the Hierarchical Navigable Small World graph
// behind the engine: an in-memory builder with incremental insertion,
// a packed on-disk serialization of the finished graph, and a
// memory-mapped two-stage searcher over that format.
package hnsw

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/McMonds/vector-engine/index"
	"github.com/McMonds/vector-engine/internal/queue"
	"github.com/McMonds/vector-engine/internal/simd"
	"github.com/McMonds/vector-engine/internal/visited"
)

const (
	// layerNormalizationBase is the base constant for the exponential
	// layer probability distribution.
	layerNormalizationBase = 1.0

	// mmax0Multiplier is the multiplier for maximum connections at
	// layer 0.
	mmax0Multiplier = 2

	// maxNodeLevel caps the sampled level so it fits the on-disk u8.
	// P(level > 60) is negligible for every legal M.
	maxNodeLevel = 255

	// DefaultM is the default number of bidirectional links.
	DefaultM = 16

	// DefaultEFConstruction is the default beam width during insertion.
	DefaultEFConstruction = 200
)

// Options represents the options for configuring the builder.
type Options struct {
	Dimension      int
	M              int
	EFConstruction int

	// RandomSeed fixes the level-generation PRNG. When set, repeated
	// builds over the same insertion order produce identical graphs
	// and byte-identical files. Nil seeds from the clock.
	RandomSeed *int64

	// HugePages marks the saved file as wanting transparent huge
	// pages; loaders issue the madvise on Linux.
	HugePages bool
}

// DefaultOptions contains the default options for the builder.
var DefaultOptions = Options{
	M:              DefaultM,
	EFConstruction: DefaultEFConstruction,
}

// node is the build-time metadata for one inserted vector. Adjacency
// is index-based: no pointers exist anywhere in the graph, which is
// what makes the on-disk mirror of this structure trivial.
type node struct {
	level int
	conns [][]uint32 // conns[layer] holds neighbor ids on that layer
}

// Builder constructs an HNSW graph incrementally. A Builder is the
// only owner of the mutable graph; insertions serialize on it.
type Builder struct {
	mu sync.Mutex

	opts Options

	maxConnectionsPerLayer int
	maxConnectionsLayer0   int
	layerMultiplier        float64

	nodes   []node
	vectors []float32 // flat, len = count*dim

	entryPoint uint32
	maxLevel   int

	rng *rand.Rand

	// Scratch reused across insertions.
	minQueue *queue.PriorityQueue
	maxQueue *queue.PriorityQueue
	visited  *visited.Set
}

// NewBuilder creates a new builder instance.
func NewBuilder(optFns ...func(o *Options)) (*Builder, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Dimension <= 0 {
		return nil, &index.ErrDimensionMismatch{Expected: 1, Actual: opts.Dimension}
	}
	if err := index.ValidateM(opts.M); err != nil {
		return nil, err
	}
	if opts.EFConstruction <= 0 {
		opts.EFConstruction = DefaultEFConstruction
	}

	var rng *rand.Rand
	if opts.RandomSeed != nil {
		rng = rand.New(rand.NewSource(*opts.RandomSeed))
	} else {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	return &Builder{
		opts:                   opts,
		maxConnectionsPerLayer: opts.M,
		maxConnectionsLayer0:   mmax0Multiplier * opts.M,
		layerMultiplier:        layerNormalizationBase / math.Log(float64(opts.M)),
		maxLevel:               -1,
		rng:                    rng,
		minQueue:               queue.NewMin(opts.EFConstruction),
		maxQueue:               queue.NewMax(opts.EFConstruction),
		visited:                visited.New(1024),
	}, nil
}

// Dimension returns the configured vector dimension.
func (b *Builder) Dimension() int { return b.opts.Dimension }

// Len returns the number of inserted vectors.
func (b *Builder) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.nodes)
}

// vector returns the stored vector for id. Caller holds the lock.
func (b *Builder) vector(id uint32) []float32 {
	d := b.opts.Dimension
	off := int(id) * d
	return b.vectors[off : off+d : off+d]
}

// dist computes the exact squared L2 distance between v and node id.
func (b *Builder) dist(v []float32, id uint32) float32 {
	return simd.SquaredL2(v, b.vector(id))
}

// randomLevel samples a level from the exponential distribution
// floor(-ln(U) * mL), U ~ Uniform(0,1].
func (b *Builder) randomLevel() int {
	u := b.rng.Float64()
	if u == 0 {
		u = math.SmallestNonzeroFloat64
	}
	level := int(math.Floor(-math.Log(u) * b.layerMultiplier))
	if level > maxNodeLevel {
		level = maxNodeLevel
	}
	return level
}

// Insert adds a vector and returns its assigned id (ids are assigned
// monotonically from zero).
func (b *Builder) Insert(v []float32) (uint32, error) {
	if len(v) == 0 {
		return 0, index.ErrEmptyVector
	}
	if len(v) != b.opts.Dimension {
		return 0, &index.ErrDimensionMismatch{Expected: b.opts.Dimension, Actual: len(v)}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	id := uint32(len(b.nodes))
	for i, x := range v {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return 0, &index.ErrNonFiniteVector{ID: id, Component: i}
		}
	}

	level := b.randomLevel()

	b.vectors = append(b.vectors, v...)
	b.nodes = append(b.nodes, node{
		level: level,
		conns: make([][]uint32, level+1),
	})

	// First node becomes the entry point with no neighbors.
	if id == 0 {
		b.entryPoint = 0
		b.maxLevel = level
		return id, nil
	}

	b.link(id, v, level)

	if level > b.maxLevel {
		b.maxLevel = level
		b.entryPoint = id
	}

	return id, nil
}

// link runs the descent and wiring for a freshly appended node.
func (b *Builder) link(id uint32, v []float32, level int) {
	currID := b.entryPoint
	currDist := b.dist(v, currID)

	// 1. Greedy width-1 descent from the top layer to level+1.
	for l := b.maxLevel; l > level; l-- {
		currID, currDist = b.greedyStep(v, currID, currDist, l)
	}

	// 2. Beam search and wiring from min(level, maxLevel) down to 0.
	for l := min(level, b.maxLevel); l >= 0; l-- {
		results := b.searchLayer(v, currID, currDist, l, b.opts.EFConstruction)

		if best, ok := results.MinItem(); ok {
			currID = best.Node
			currDist = best.Distance
		}

		maxConns := b.maxConnectionsPerLayer
		if l == 0 {
			maxConns = b.maxConnectionsLayer0
		}

		neighbors := b.selectNeighborsHeuristic(v, results.Items(), maxConns)
		b.nodes[id].conns[l] = neighbors

		for _, neighborID := range neighbors {
			b.addConnection(neighborID, id, l, maxConns)
		}
	}
}

// greedyStep runs the width-1 beam on a single layer: hill-climb to
// the closest node reachable from the entry.
func (b *Builder) greedyStep(v []float32, currID uint32, currDist float32, layer int) (uint32, float32) {
	for changed := true; changed; {
		changed = false
		for _, nextID := range b.connections(currID, layer) {
			nextDist := b.dist(v, nextID)
			if nextDist < currDist || (nextDist == currDist && nextID < currID) {
				currID = nextID
				currDist = nextDist
				changed = true
			}
		}
	}
	return currID, currDist
}

func (b *Builder) connections(id uint32, layer int) []uint32 {
	n := &b.nodes[id]
	if layer > n.level {
		return nil
	}
	return n.conns[layer]
}

// searchLayer performs beam search of width ef on one layer. The
// returned max-heap holds up to ef results; it is valid until the next
// searchLayer call.
func (b *Builder) searchLayer(query []float32, epID uint32, epDist float32, layer, ef int) *queue.PriorityQueue {
	b.visited.EnsureCapacity(len(b.nodes))
	b.visited.NextEpoch()

	candidates := b.minQueue // min-heap: best candidates to expand
	candidates.Reset()
	results := b.maxQueue // max-heap: current top-ef results
	results.Reset()

	b.visited.Visit(epID)
	candidates.PushItem(queue.PriorityQueueItem{Node: epID, Distance: epDist})
	results.PushItem(queue.PriorityQueueItem{Node: epID, Distance: epDist})

	for candidates.Len() > 0 {
		curr, _ := candidates.PopItem()

		if worst, ok := results.TopItem(); ok {
			if curr.Distance > worst.Distance && results.Len() >= ef {
				break
			}
		}

		for _, nextID := range b.connections(curr.Node, layer) {
			if b.visited.Visited(nextID) {
				continue
			}
			b.visited.Visit(nextID)

			nextDist := b.dist(query, nextID)

			if results.Len() >= ef {
				worst, _ := results.TopItem()
				if nextDist > worst.Distance {
					continue
				}
			}

			candidates.PushItem(queue.PriorityQueueItem{Node: nextID, Distance: nextDist})
			results.PushItem(queue.PriorityQueueItem{Node: nextID, Distance: nextDist})
			if results.Len() > ef {
				_, _ = results.PopItem()
			}
		}
	}

	return results
}

// Search returns the k nearest inserted vectors to query using exact
// f32 distances over the in-memory graph. The serialized form answers
// through the two-stage quantized pipeline instead; use Search here
// for build-time verification and tooling.
func (b *Builder) Search(query []float32, k, ef int) ([]index.SearchResult, error) {
	if err := index.ValidateSearchArgs(b.opts.Dimension, len(query), k, ef); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.nodes) == 0 {
		return nil, nil
	}

	currID := b.entryPoint
	currDist := b.dist(query, currID)
	for l := b.maxLevel; l >= 1; l-- {
		currID, currDist = b.greedyStep(query, currID, currDist, l)
	}

	results := b.searchLayer(query, currID, currDist, 0, ef)

	for results.Len() > k {
		_, _ = results.PopItem()
	}
	out := make([]index.SearchResult, results.Len())
	for i := results.Len() - 1; i >= 0; i-- {
		item, _ := results.PopItem()
		out[i] = index.SearchResult{ID: item.Node, Distance: item.Distance}
	}
	return out, nil
}

// selectNeighborsHeuristic applies the diversity rule: walking the
// candidate pool nearest-first, a candidate is kept only if it is
// closer to the inserted vector than to every already-kept neighbor.
// Remaining slots are filled from the rejected pool nearest-first so
// sparse regions stay connected.
func (b *Builder) selectNeighborsHeuristic(v []float32, pool []queue.PriorityQueueItem, m int) []uint32 {
	sorted := make([]queue.PriorityQueueItem, len(pool))
	copy(sorted, pool)
	sortItemsAscending(sorted)

	result := make([]uint32, 0, m)
	var rejected []queue.PriorityQueueItem

	for _, cand := range sorted {
		if len(result) >= m {
			break
		}

		candVec := b.vector(cand.Node)
		good := true
		for _, kept := range result {
			if simd.SquaredL2(candVec, b.vector(kept)) < cand.Distance {
				good = false
				break
			}
		}

		if good {
			result = append(result, cand.Node)
		} else {
			rejected = append(rejected, cand)
		}
	}

	for _, cand := range rejected {
		if len(result) >= m {
			break
		}
		result = append(result, cand.Node)
	}

	return result
}

// addConnection wires target into source's neighbor list on layer,
// re-running the heuristic when the list exceeds the cap.
func (b *Builder) addConnection(sourceID, targetID uint32, layer, maxConns int) {
	conns := b.nodes[sourceID].conns[layer]
	for _, c := range conns {
		if c == targetID {
			return
		}
	}

	conns = append(conns, targetID)
	if len(conns) <= maxConns {
		b.nodes[sourceID].conns[layer] = conns
		return
	}

	// Over cap: prune back with the same diversity heuristic, ranked
	// by distance from the source.
	sourceVec := b.vector(sourceID)
	pool := make([]queue.PriorityQueueItem, len(conns))
	for i, c := range conns {
		pool[i] = queue.PriorityQueueItem{Node: c, Distance: simd.SquaredL2(sourceVec, b.vector(c))}
	}

	b.nodes[sourceID].conns[layer] = b.selectNeighborsHeuristic(sourceVec, pool, maxConns)
}

// sortItemsAscending sorts by (distance, id) ascending. Insertion sort:
// pools are at most ef_construction items and mostly small.
func sortItemsAscending(items []queue.PriorityQueueItem) {
	for i := 1; i < len(items); i++ {
		x := items[i]
		j := i - 1
		for j >= 0 && itemAfter(items[j], x) {
			items[j+1] = items[j]
			j--
		}
		items[j+1] = x
	}
}

func itemAfter(a, b queue.PriorityQueueItem) bool {
	if a.Distance != b.Distance {
		return a.Distance > b.Distance
	}
	return a.Node > b.Node
}
