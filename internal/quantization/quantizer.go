// Package quantization converts float32 vectors into the int8
// representation used by the coarse search stage.
//
// Vectors are L2-normalized and scaled per vector: normalization
// concentrates components near zero, so a per-vector scale preserves
// relative ordering far better than a single global scale. The original
// norm is stored next to the codes so distance kernels can recover
// approximate magnitudes.
package quantization

import (
	"math"

	"github.com/McMonds/vector-engine/internal/simd"
)

// Quantized is the int8 encoding of a single vector.
type Quantized struct {
	// Codes holds one int8 per dimension: round(v[i]/norm * scale).
	Codes []int8
	// Scale maps the normalized components into int8 range: 127/max|u[i]|.
	Scale float32
	// Norm is the L2 norm of the original vector.
	Norm float32
}

// Quantize encodes v. A zero vector encodes to all-zero codes with
// scale 1 and norm 0.
func Quantize(v []float32) Quantized {
	q := Quantized{Codes: make([]int8, len(v))}
	QuantizeInto(v, &q)
	return q
}

// QuantizeInto encodes v into out, reusing out.Codes when it has the
// right length. Used by the query path to stay allocation-free.
func QuantizeInto(v []float32, out *Quantized) {
	if len(out.Codes) != len(v) {
		out.Codes = make([]int8, len(v))
	}

	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	norm := float32(math.Sqrt(sumSq))

	if norm == 0 {
		for i := range out.Codes {
			out.Codes[i] = 0
		}
		out.Scale = 1
		out.Norm = 0
		return
	}

	invNorm := 1 / norm
	var maxAbs float32
	for _, x := range v {
		a := x * invNorm
		if a < 0 {
			a = -a
		}
		if a > maxAbs {
			maxAbs = a
		}
	}

	// maxAbs is in (0, 1]: at least one normalized component has
	// magnitude >= 1/sqrt(D) > 0.
	scale := 127 / maxAbs
	for i, x := range v {
		s := math.RoundToEven(float64(x*invNorm) * float64(scale))
		if s > 127 {
			s = 127
		} else if s < -128 {
			s = -128
		}
		out.Codes[i] = int8(s)
	}
	out.Scale = scale
	out.Norm = norm
}

// ApproxSquaredL2 recovers an approximate squared L2 distance between
// two quantized vectors from their int8 dot product:
//
//	||a||^2 + ||b||^2 - 2*(a.b)
//
// where a.b is reconstructed as dot/(scaleA*scaleB) * normA*normB.
// The value is a rank-preserving surrogate, not an exact distance.
func ApproxSquaredL2(a, b Quantized) float32 {
	dot := simd.DotInt8(a.Codes, b.Codes)
	return ApproxSquaredL2FromDot(dot, a.Scale, b.Scale, a.Norm, b.Norm)
}

// ApproxSquaredL2FromDot is the same reconstruction for callers that
// computed the dot product themselves (e.g. over mmap'd code slices).
func ApproxSquaredL2FromDot(dot int32, scaleA, scaleB, normA, normB float32) float32 {
	cross := float32(dot) / (scaleA * scaleB) * normA * normB
	return normA*normA + normB*normB - 2*cross
}
