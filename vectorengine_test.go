package vectorengine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/McMonds/vector-engine/metrics"
	"github.com/McMonds/vector-engine/resource"
	"github.com/McMonds/vector-engine/scheduler"
	"github.com/McMonds/vector-engine/testutil"
)

func buildAndLoad(t *testing.T, vectors [][]float32, optFns ...Option) *MmapIndex {
	t.Helper()

	idx, err := Build(vectors, append([]Option{WithRandomSeed(42)}, optFns...)...)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "index.vecx")
	require.NoError(t, idx.Save(path))

	m, err := Load(path, optFns...)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestBuildSaveLoadSearch(t *testing.T) {
	m := buildAndLoad(t, [][]float32{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}})

	assert.Equal(t, 3, m.Len())
	assert.Equal(t, 3, m.Dim())

	res, err := m.Search([]float32{0.9, 0.1, 0}, 1, 200)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, uint32(0), res[0].ID)
	assert.InDelta(t, 0.02, float64(res[0].Distance), 1e-6)
}

func TestBuildRejectsEmptyInput(t *testing.T) {
	_, err := Build(nil)
	assert.Error(t, err)
	assert.True(t, IsConfigError(err))
}

func TestSearchConfigErrors(t *testing.T) {
	m := buildAndLoad(t, testutil.NewRNG(1).UniformVectors(50, 64))

	_, err := m.Search(make([]float32, 64), 0, 10)
	assert.ErrorIs(t, err, ErrInvalidK)
	assert.True(t, IsConfigError(err))

	_, err = m.Search(make([]float32, 64), 10, 9)
	assert.ErrorIs(t, err, ErrInvalidEF)

	// Index built with D=64, queried with 65 components.
	_, err = m.Search(make([]float32, 65), 10, 20)
	var dm *DimensionMismatchError
	require.ErrorAs(t, err, &dm)
	assert.True(t, IsConfigError(err))
}

func TestBuildPoisonSurfacesID(t *testing.T) {
	idx, err := New(3, WithRandomSeed(1))
	require.NoError(t, err)

	_, err = idx.Insert([]float32{1, 2, 3})
	require.NoError(t, err)

	nan := float32(0)
	nan /= nan
	_, err = idx.Insert([]float32{nan, 0, 0})
	var poison *NonFiniteVectorError
	require.ErrorAs(t, err, &poison)
	assert.Equal(t, uint32(1), poison.ID)
}

func TestErrorHelpers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.vecx")
	require.NoError(t, os.WriteFile(path, []byte("XXXXjunkjunkjunk"), 0o644))

	_, err := Load(path)
	assert.True(t, IsFormatError(err))
	assert.False(t, IsChecksumMismatch(err))
	assert.False(t, IsConfigError(err))
}

func TestLoadChecksumMismatch(t *testing.T) {
	idx, err := Build(testutil.NewRNG(2).UniformVectors(100, 16), WithRandomSeed(2))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "index.vecx")
	require.NoError(t, idx.Save(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-1] ^= 0x80
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err = Load(path)
	assert.True(t, IsChecksumMismatch(err))
}

func TestWorkerPoolPath(t *testing.T) {
	m := buildAndLoad(t, testutil.NewRNG(3).UniformVectors(200, 16),
		WithWorkerPool(scheduler.ModeSafe))
	require.NotNil(t, m.Pool())

	q := make([]float32, 16)
	testutil.NewRNG(4).FillUniform(q)

	inline, err := m.Search(q, 5, 50)
	require.NoError(t, err)
	pooled, err := m.SearchContext(context.Background(), q, 5, 50)
	require.NoError(t, err)
	assert.Equal(t, inline, pooled)
}

func TestMetricsWiring(t *testing.T) {
	reg := prometheus.NewRegistry()
	mtr := metrics.New(reg)

	idx, err := Build(testutil.NewRNG(5).UniformVectors(30, 8),
		WithRandomSeed(5), WithMetrics(mtr))
	require.NoError(t, err)
	assert.Equal(t, 30.0, promtest.ToFloat64(mtr.InsertsTotal))

	path := filepath.Join(t.TempDir(), "index.vecx")
	require.NoError(t, idx.Save(path))

	m, err := Load(path, WithMetrics(mtr))
	require.NoError(t, err)
	defer m.Close()

	_, err = m.Search(make([]float32, 8), 3, 10)
	require.NoError(t, err)
	assert.Equal(t, 1.0, promtest.ToFloat64(mtr.QueriesTotal))
}

func TestResourceControllerWiring(t *testing.T) {
	ctrl := resource.NewController(resource.Config{})

	idx, err := Build(testutil.NewRNG(6).UniformVectors(50, 8),
		WithRandomSeed(6), WithResourceController(ctrl))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "index.vecx")
	require.NoError(t, idx.Save(path))

	m, err := Load(path, WithResourceController(ctrl))
	require.NoError(t, err)

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, fi.Size(), ctrl.MemoryUsage())

	require.NoError(t, m.Close())
	assert.Zero(t, ctrl.MemoryUsage())
}

func TestCalibrateEF(t *testing.T) {
	m := buildAndLoad(t, testutil.NewRNG(7).UniformVectors(500, 16))

	queries := testutil.NewRNG(8).UniformVectors(10, 16)
	res, err := m.CalibrateEF(context.Background(), queries, 5)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, res.EF, 5)
	assert.NotEmpty(t, res.Sweep)
	assert.Positive(t, res.Recall)
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("VECTORENGINE_MODE", "saturate")
	t.Setenv("VECTORENGINE_QUEUE_DEPTH", "64")

	cfg, err := ConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "saturate", cfg.Mode)
	assert.Equal(t, 64, cfg.QueueDepth)
	assert.Equal(t, 0.95, cfg.TargetRecall)
	assert.Equal(t, 256, cfg.MaxEF)
}

func TestRoundTripDeterminism(t *testing.T) {
	vectors := testutil.NewRNG(9).UniformVectors(150, 12)

	build := func() []byte {
		idx, err := Build(vectors, WithRandomSeed(77))
		require.NoError(t, err)
		path := filepath.Join(t.TempDir(), "index.vecx")
		require.NoError(t, idx.Save(path))
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		return data
	}

	assert.Equal(t, build(), build())
}
