package hnsw

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/McMonds/vector-engine/index"
	"github.com/McMonds/vector-engine/testutil"
)

func seeded(seed int64) *int64 { return &seed }

func newTestBuilder(t *testing.T, dim, m, ef int, seed int64) *Builder {
	t.Helper()
	b, err := NewBuilder(func(o *Options) {
		o.Dimension = dim
		o.M = m
		o.EFConstruction = ef
		o.RandomSeed = seeded(seed)
	})
	require.NoError(t, err)
	return b
}

func TestNewBuilderValidation(t *testing.T) {
	_, err := NewBuilder(func(o *Options) {
		o.Dimension = 0
	})
	assert.Error(t, err)

	_, err = NewBuilder(func(o *Options) {
		o.Dimension = 8
		o.M = 1
	})
	var badM *index.ErrInvalidM
	assert.ErrorAs(t, err, &badM)

	_, err = NewBuilder(func(o *Options) {
		o.Dimension = 8
		o.M = 65
	})
	assert.ErrorAs(t, err, &badM)

	b, err := NewBuilder(func(o *Options) {
		o.Dimension = 8
	})
	require.NoError(t, err)
	assert.Equal(t, DefaultM, b.maxConnectionsPerLayer)
	assert.Equal(t, 2*DefaultM, b.maxConnectionsLayer0)
}

func TestInsertAssignsMonotonicIDs(t *testing.T) {
	b := newTestBuilder(t, 3, 8, 50, 1)
	for i := 0; i < 10; i++ {
		id, err := b.Insert([]float32{float32(i), 0, 0})
		require.NoError(t, err)
		assert.Equal(t, uint32(i), id)
	}
	assert.Equal(t, 10, b.Len())
}

func TestInsertRejectsDimensionMismatch(t *testing.T) {
	b := newTestBuilder(t, 4, 8, 50, 1)
	_, err := b.Insert([]float32{1, 2, 3})
	var dm *index.ErrDimensionMismatch
	require.ErrorAs(t, err, &dm)
	assert.Equal(t, 4, dm.Expected)
	assert.Equal(t, 3, dm.Actual)

	_, err = b.Insert(nil)
	assert.ErrorIs(t, err, index.ErrEmptyVector)
}

func TestInsertRejectsNonFinite(t *testing.T) {
	b := newTestBuilder(t, 3, 8, 50, 1)
	_, err := b.Insert([]float32{1, 2, 3})
	require.NoError(t, err)

	_, err = b.Insert([]float32{1, float32(math.NaN()), 3})
	var poison *index.ErrNonFiniteVector
	require.ErrorAs(t, err, &poison)
	assert.Equal(t, uint32(1), poison.ID)
	assert.Equal(t, 1, poison.Component)

	_, err = b.Insert([]float32{1, 2, float32(math.Inf(-1))})
	require.ErrorAs(t, err, &poison)

	// Poisoned insert must not have grown the graph.
	assert.Equal(t, 1, b.Len())
}

// Graph invariants: on every layer a node appears on, its neighbor ids
// are distinct, never the node itself, refer to nodes with level >= the
// layer, and respect the per-layer degree cap.
func TestGraphInvariants(t *testing.T) {
	rng := testutil.NewRNG(7)
	b := newTestBuilder(t, 8, 6, 60, 7)

	for i := 0; i < 600; i++ {
		v := make([]float32, 8)
		rng.FillUniform(v)
		_, err := b.Insert(v)
		require.NoError(t, err)
	}

	for id := range b.nodes {
		n := &b.nodes[id]
		for layer := 0; layer <= n.level; layer++ {
			maxConns := b.maxConnectionsPerLayer
			if layer == 0 {
				maxConns = b.maxConnectionsLayer0
			}
			assert.LessOrEqual(t, len(n.conns[layer]), maxConns)

			seen := map[uint32]bool{}
			for _, neighborID := range n.conns[layer] {
				assert.NotEqual(t, uint32(id), neighborID, "self link on layer %d", layer)
				assert.False(t, seen[neighborID], "duplicate neighbor %d on layer %d", neighborID, layer)
				seen[neighborID] = true
				assert.GreaterOrEqual(t, b.nodes[neighborID].level, layer,
					"node %d links to %d below its level", id, neighborID)
			}
		}
	}
}

func TestEntryPointTracksMaxLevel(t *testing.T) {
	rng := testutil.NewRNG(13)
	b := newTestBuilder(t, 4, 8, 40, 13)

	for i := 0; i < 500; i++ {
		v := make([]float32, 4)
		rng.FillUniform(v)
		_, err := b.Insert(v)
		require.NoError(t, err)

		assert.Equal(t, b.maxLevel, b.nodes[b.entryPoint].level,
			"entry point level diverged after insert %d", i)
	}
}

// Level distribution: the sampled level must follow
// P(L=l) = (1 - 1/M) * (1/M)^l within 3 sigma over many draws.
func TestLevelDistribution(t *testing.T) {
	b := newTestBuilder(t, 4, 16, 40, 21)

	const draws = 100000
	counts := map[int]int{}
	for i := 0; i < draws; i++ {
		counts[b.randomLevel()]++
	}

	m := 16.0
	for level := 0; ; level++ {
		p := (1 - 1/m) * math.Pow(1/m, float64(level))
		mean := draws * p
		if mean < 100 {
			break
		}
		sigma := math.Sqrt(draws * p * (1 - p))
		assert.InDeltaf(t, mean, float64(counts[level]), 3*sigma,
			"level %d: observed %d, expected %.1f", level, counts[level], mean)
	}
}

func TestBuilderSearch(t *testing.T) {
	b := newTestBuilder(t, 3, 16, 200, 2)
	for _, v := range [][]float32{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}} {
		_, err := b.Insert(v)
		require.NoError(t, err)
	}

	res, err := b.Search([]float32{0.9, 0.1, 0}, 1, 200)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, uint32(0), res[0].ID)
	assert.InDelta(t, 0.02, float64(res[0].Distance), 1e-6)

	_, err = b.Search([]float32{1, 2}, 1, 10)
	var dm *index.ErrDimensionMismatch
	assert.ErrorAs(t, err, &dm)

	_, err = b.Search([]float32{1, 2, 3}, 5, 4)
	assert.ErrorIs(t, err, index.ErrInvalidEF)
}

func TestBuilderSearchEmpty(t *testing.T) {
	b := newTestBuilder(t, 3, 8, 40, 2)
	res, err := b.Search([]float32{1, 2, 3}, 1, 10)
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestBuilderStats(t *testing.T) {
	b := newTestBuilder(t, 3, 8, 40, 5)
	for i := 0; i < 50; i++ {
		_, err := b.Insert([]float32{float32(i), float32(i % 7), 1})
		require.NoError(t, err)
	}

	s := b.Stats()
	assert.Equal(t, 50, s.Count)
	assert.Equal(t, 3, s.Dimension)
	assert.Equal(t, 8, s.M)
	assert.Equal(t, 16, s.M0)
	assert.Equal(t, s.MaxLevel+1, len(s.LevelHistogram))

	total := 0
	for _, c := range s.LevelHistogram {
		total += c
	}
	assert.Equal(t, 50, total)
	assert.Positive(t, s.NeighborCount)
}
