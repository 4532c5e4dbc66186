package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/McMonds/vector-engine/index"
)

func TestRNGIsDeterministic(t *testing.T) {
	a := NewRNG(99)
	b := NewRNG(99)

	va := make([]float32, 16)
	vb := make([]float32, 16)
	a.FillUniform(va)
	b.FillUniform(vb)

	assert.Equal(t, va, vb)
	assert.Equal(t, int64(99), a.Seed())
}

func TestExactTopK(t *testing.T) {
	vectors := [][]float32{
		{0, 0}, // id 0, dist 25
		{3, 4}, // id 1, dist 0
		{3, 3}, // id 2, dist 1
	}

	got := ExactTopK(vectors, []float32{3, 4}, 2)
	assert.Equal(t, uint32(1), got[0].ID)
	assert.Equal(t, uint32(2), got[1].ID)
}

func TestRecall(t *testing.T) {
	want := []index.SearchResult{{ID: 1}, {ID: 2}, {ID: 3}, {ID: 4}}
	got := []index.SearchResult{{ID: 2}, {ID: 4}, {ID: 9}, {ID: 1}}

	assert.InDelta(t, 0.75, Recall(want, got), 1e-9)
	assert.Equal(t, 1.0, Recall(nil, got))
	assert.Equal(t, 1.0, Recall(want, want))
}
