// Package vectorengine is a high-performance approximate nearest
// neighbor search engine over dense float32 vectors.
//
// The engine couples four pieces:
//
//   - An HNSW graph index built incrementally in memory
//     (incremental insertion, greedy beam search, heuristic neighbor
//     pruning).
//   - A zero-copy on-disk format that mirrors the in-memory layout, so
//     a saved index is searched directly over memory-mapped pages with
//     no parse step and no deserialization cost at startup.
//   - SIMD-dispatched distance kernels: exact float32 squared-L2 and a
//     quantized int8 surrogate, selected once per process by CPU
//     feature detection.
//   - A two-stage search pipeline (quantized graph traversal, then
//     full-precision rerank) behind a worker pool pinned to physical
//     cores.
//
// # Quick start
//
//	idx, err := vectorengine.Build(vectors,
//	    vectorengine.WithM(16),
//	    vectorengine.WithEFConstruction(200),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := idx.Save("index.vecx"); err != nil {
//	    log.Fatal(err)
//	}
//
//	m, err := vectorengine.Load("index.vecx")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer m.Close()
//
//	results, err := m.Search(query, 10, 200)
//
// Search over a loaded index is read-only and safe for any number of
// concurrent callers. For maximum throughput, attach a pinned worker
// pool with WithWorkerPool and submit through SearchContext.
//
// Engine-level defaults (scheduler mode, queue depth, calibration
// targets) can be set through VECTORENGINE_* environment variables;
// see Config.
package vectorengine
