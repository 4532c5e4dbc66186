package simd

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// squaredL2Reference is the naive definition the kernels must match
// bit-for-bit.
func squaredL2Reference(a, b []float32) float32 {
	var acc float32
	for i := range a {
		d := a[i] - b[i]
		acc += d * d
	}
	return acc
}

func dotInt8Reference(a, b []int8) int32 {
	var acc int32
	for i := range a {
		acc += int32(a[i]) * int32(b[i])
	}
	return acc
}

func TestSquaredL2TiersBitIdentical(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	tiers := map[string]func(a, b []float32) float32{
		"generic":   squaredL2Generic,
		"blocked8":  squaredL2Blocked8,
		"blocked16": squaredL2Blocked16,
	}

	for dim := 1; dim <= 1024; dim++ {
		a := make([]float32, dim)
		b := make([]float32, dim)
		for i := range a {
			a[i] = rng.Float32()*20 - 10
			b[i] = rng.Float32()*20 - 10
		}

		want := squaredL2Reference(a, b)
		for name, fn := range tiers {
			got := fn(a, b)
			if math.Float32bits(got) != math.Float32bits(want) {
				t.Fatalf("dim %d tier %s: got %x want %x", dim, name, math.Float32bits(got), math.Float32bits(want))
			}
		}
	}
}

func TestSquaredL2SpecialValues(t *testing.T) {
	a := []float32{0, -0, 1e-38, 3.4e38, -3.4e38, 1, 2, 3, 4}
	b := []float32{0, 0, -1e-38, 3.4e38, 3.4e38, 9, 8, 7, 6}

	want := squaredL2Reference(a, b)
	assert.Equal(t, math.Float32bits(want), math.Float32bits(squaredL2Blocked8(a, b)))
	assert.Equal(t, math.Float32bits(want), math.Float32bits(squaredL2Blocked16(a, b)))
}

func TestDotInt8MatchesReference(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	tiers := map[string]func(a, b []int8) int32{
		"generic":   dotInt8Generic,
		"blocked8":  dotInt8Blocked8,
		"blocked16": dotInt8Blocked16,
	}

	for _, dim := range []int{1, 2, 7, 8, 9, 15, 16, 17, 31, 64, 127, 128, 129, 512, 1024} {
		a := make([]int8, dim)
		b := make([]int8, dim)
		for i := range a {
			a[i] = int8(rng.Intn(256) - 128)
			b[i] = int8(rng.Intn(256) - 128)
		}

		want := dotInt8Reference(a, b)
		for name, fn := range tiers {
			assert.Equalf(t, want, fn(a, b), "dim %d tier %s", dim, name)
		}
	}
}

func TestDotInt8NoOverflowAtExtremes(t *testing.T) {
	// Worst case magnitude: every lane -128 * -128 over the maximum
	// supported dimension. 65536 * 16384 = 2^30, inside int32.
	const dim = 65536
	a := make([]int8, dim)
	b := make([]int8, dim)
	for i := range a {
		a[i] = -128
		b[i] = -128
	}

	want := int32(dim) * 16384
	assert.Equal(t, want, dotInt8Generic(a, b))
	assert.Equal(t, want, dotInt8Blocked8(a, b))
	assert.Equal(t, want, dotInt8Blocked16(a, b))
}

func TestBindKernels(t *testing.T) {
	// Restore whatever init selected when the test finishes.
	defer bindKernels(activeISA)

	a := []float32{1, 2, 3, 4, 5, 6, 7, 8, 9}
	b := []float32{9, 8, 7, 6, 5, 4, 3, 2, 1}
	want := squaredL2Reference(a, b)

	for _, isa := range []ISA{Generic, NEON, AVX2, AVX512} {
		bindKernels(isa)
		assert.Equalf(t, want, SquaredL2(a, b), "isa %s", isa)
		assert.Equalf(t, dotInt8Reference([]int8{1, -2, 3}, []int8{-4, 5, -6}), DotInt8([]int8{1, -2, 3}, []int8{-4, 5, -6}), "isa %s", isa)
	}
}

func TestParseISA(t *testing.T) {
	isa, ok := ParseISA(" AVX2 ")
	require.True(t, ok)
	assert.Equal(t, AVX2, isa)

	_, ok = ParseISA("sse9")
	assert.False(t, ok)

	assert.Equal(t, "avx512", AVX512.String())
	assert.Equal(t, "generic", Generic.String())
}

func TestActiveISAIsAvailable(t *testing.T) {
	assert.True(t, isISAAvailable(ActiveISA()))
}
