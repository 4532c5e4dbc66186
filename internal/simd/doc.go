// Package simd provides the distance kernels for the hot search path.
//
// Kernels are selected once at process start based on detected CPU
// features (AVX-512, AVX2+FMA, NEON) and bound to package-level
// function pointers, so dispatch costs nothing per call. The selection
// can be forced with the VECTORENGINE_SIMD environment variable
// ("generic", "neon", "avx2", "avx512").
//
// All tiers of a kernel are bit-for-bit identical on finite inputs:
// search tie-breaking depends on exact distance values, so a tier
// switch must never reorder results.
//
// None of the kernels bounds-check: callers validate that both slices
// have the configured dimension before calling in.
package simd
