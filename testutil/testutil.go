// Package testutil provides seeded data generation and ground-truth
// helpers shared by tests and calibration.
package testutil

import (
	"math/rand"
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/McMonds/vector-engine/index"
	"github.com/McMonds/vector-engine/internal/simd"
)

// RNG is a thread-safe seeded random number generator.
type RNG struct {
	mu   sync.Mutex
	rand *rand.Rand
	seed int64
}

// NewRNG creates a new RNG instance with the specified seed.
func NewRNG(seed int64) *RNG {
	return &RNG{
		rand: rand.New(rand.NewSource(seed)),
		seed: seed,
	}
}

// Seed returns the initial seed.
func (r *RNG) Seed() int64 { return r.seed }

// Float32 returns a pseudo-random number in [0.0, 1.0).
func (r *RNG) Float32() float32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Float32()
}

// Intn returns a non-negative pseudo-random number in [0, n).
func (r *RNG) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Intn(n)
}

// FillUniform fills dst with random values in [0, 1).
// Locks once per call (preferred over calling Float32 in a loop).
func (r *RNG) FillUniform(dst []float32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range dst {
		dst[i] = r.rand.Float32()
	}
}

// UniformVectors generates count uniform random vectors of the given
// dimension.
func (r *RNG) UniformVectors(count, dim int) [][]float32 {
	out := make([][]float32, count)
	for i := range out {
		out[i] = make([]float32, dim)
		r.FillUniform(out[i])
	}
	return out
}

// ExactTopK computes the exact k nearest vectors to query by linear
// scan, with the same (distance, id) ordering the engine uses.
func ExactTopK(vectors [][]float32, query []float32, k int) []index.SearchResult {
	results := make([]index.SearchResult, len(vectors))
	for i, v := range vectors {
		results[i] = index.SearchResult{ID: uint32(i), Distance: simd.SquaredL2(query, v)}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Distance != results[j].Distance {
			return results[i].Distance < results[j].Distance
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > k {
		results = results[:k]
	}
	return results
}

// Recall returns |got ∩ want| / |want| over the result id sets.
func Recall(want, got []index.SearchResult) float64 {
	if len(want) == 0 {
		return 1
	}

	truth := roaring.New()
	for _, r := range want {
		truth.Add(r.ID)
	}
	found := roaring.New()
	for _, r := range got {
		found.Add(r.ID)
	}

	return float64(truth.AndCardinality(found)) / float64(truth.GetCardinality())
}
