package vectorengine

import (
	"context"
	"os"
	"time"

	"github.com/McMonds/vector-engine/index"
	"github.com/McMonds/vector-engine/index/hnsw"
	"github.com/McMonds/vector-engine/resource"
	"github.com/McMonds/vector-engine/scheduler"
)

// SearchResult is a single search hit: the vector id and its exact
// squared L2 distance to the query.
type SearchResult = index.SearchResult

// Stats summarizes an index.
type Stats = hnsw.Stats

// Index is a mutable index under construction. It is owned by one
// builder; insertions serialize internally.
type Index struct {
	builder *hnsw.Builder
	opts    options
}

// New creates an empty index for vectors of the given dimension.
func New(dimension int, optFns ...Option) (*Index, error) {
	o := resolveOptions(optFns)

	b, err := hnsw.NewBuilder(func(bo *hnsw.Options) {
		bo.Dimension = dimension
		bo.M = o.m
		bo.EFConstruction = o.efConstruction
		bo.RandomSeed = o.randomSeed
		bo.HugePages = o.hugePages
	})
	if err != nil {
		return nil, err
	}

	return &Index{builder: b, opts: o}, nil
}

// Build creates an index over the given vectors. All vectors must
// share the same dimension; ids are assigned in slice order.
func Build(vectors [][]float32, optFns ...Option) (*Index, error) {
	if len(vectors) == 0 {
		return nil, index.ErrEmptyVector
	}

	idx, err := New(len(vectors[0]), optFns...)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	for _, v := range vectors {
		if _, err := idx.Insert(v); err != nil {
			idx.opts.logger.LogBuild(context.Background(), len(vectors), len(vectors[0]), time.Since(start), err)
			return nil, err
		}
	}
	idx.opts.logger.LogBuild(context.Background(), len(vectors), len(vectors[0]), time.Since(start), nil)

	return idx, nil
}

// Insert adds one vector and returns its assigned id.
func (i *Index) Insert(v []float32) (uint32, error) {
	id, err := i.builder.Insert(v)
	if err == nil && i.opts.metrics != nil {
		i.opts.metrics.InsertsTotal.Inc()
	}
	return id, err
}

// Search queries the in-memory graph with exact f32 distances. The
// serving path is Load + MmapIndex.Search; this exists for build-time
// verification before an index is saved.
func (i *Index) Search(query []float32, k, ef int) ([]SearchResult, error) {
	return i.builder.Search(query, k, ef)
}

// Len returns the number of inserted vectors.
func (i *Index) Len() int { return i.builder.Len() }

// Dim returns the vector dimension.
func (i *Index) Dim() int { return i.builder.Dimension() }

// Stats returns statistics about the graph under construction.
func (i *Index) Stats() Stats { return i.builder.Stats() }

// Save writes the index to path atomically (temp file, fsync, rename).
// The full-precision arena is XOR-obfuscated with a per-file key; the
// body is protected by a CRC32 recorded in the header.
func (i *Index) Save(path string) error {
	start := time.Now()

	if c := i.opts.controller; c != nil {
		// Budget the serialized bytes against the IO limit up front.
		if err := c.AcquireIO(context.Background(), i.estimateSaveSize()); err != nil {
			return err
		}
	}

	err := i.builder.SaveToFile(path)
	i.opts.logger.LogSave(context.Background(), path, time.Since(start), err)
	return err
}

// estimateSaveSize approximates the file size for IO budgeting.
func (i *Index) estimateSaveSize() int {
	s := i.builder.Stats()
	perVector := s.Dimension*4 + s.Dimension + 8 // f32 row + quantized row
	return s.Count*perVector + s.NeighborCount*4
}

// MmapIndex is a read-only index backed by a memory-mapped file.
// Searches are safe for arbitrary concurrent callers; the mapping is
// released by Close.
type MmapIndex struct {
	idx  *hnsw.MmapIndex
	pool *scheduler.Pool
	opts options

	mappedBytes int64
	controller  *resource.Controller
}

// Load memory-maps the index file at path and validates it (header
// consistency, CRC32 over the body, structural bounds). No
// deserialization happens; first-access page faults aside, the index
// is ready immediately regardless of size.
func Load(path string, optFns ...Option) (*MmapIndex, error) {
	o := resolveOptions(optFns)

	var mappedBytes int64
	if o.controller != nil {
		if fi, err := os.Stat(path); err == nil {
			mappedBytes = fi.Size()
			if err := o.controller.AcquireMemory(context.Background(), mappedBytes); err != nil {
				return nil, err
			}
		}
	}

	idx, err := hnsw.LoadMmap(path)
	if err != nil {
		if o.controller != nil {
			o.controller.ReleaseMemory(mappedBytes)
		}
		o.logger.LogLoad(context.Background(), path, 0, 0, err)
		return nil, err
	}

	m := &MmapIndex{
		idx:         idx,
		opts:        o,
		mappedBytes: mappedBytes,
		controller:  o.controller,
	}

	if o.usePool {
		pool, err := scheduler.NewPool(idx, func(po *scheduler.Options) {
			po.Mode = o.poolMode
			po.Workers = o.workers
			po.QueueDepth = o.queueDepth
			po.Metrics = o.metrics
		})
		if err != nil {
			idx.Close()
			if o.controller != nil {
				o.controller.ReleaseMemory(mappedBytes)
			}
			return nil, err
		}
		m.pool = pool
	}

	o.logger.LogLoad(context.Background(), path, idx.Len(), idx.Dim(), nil)
	return m, nil
}

// Search returns the k nearest vectors to query with beam width ef
// (ef >= k). The call runs on the caller's goroutine; use
// SearchContext to route through the worker pool.
func (m *MmapIndex) Search(query []float32, k, ef int) ([]SearchResult, error) {
	// The pool observes its own metrics; inline searches observe here.
	if m.opts.metrics != nil && m.pool == nil {
		start := time.Now()
		res, err := m.idx.Search(query, k, ef)
		m.opts.metrics.QueriesTotal.Inc()
		m.opts.metrics.QueryLatency.Observe(time.Since(start).Seconds())
		return res, err
	}
	return m.idx.Search(query, k, ef)
}

// SearchContext submits the query through the worker pool (falling
// back to an inline search when no pool is attached). The context
// deadline is honored at dispatch: a query still queued past its
// deadline is dropped without running.
func (m *MmapIndex) SearchContext(ctx context.Context, query []float32, k, ef int) ([]SearchResult, error) {
	if m.pool == nil {
		return m.Search(query, k, ef)
	}
	return m.pool.Search(ctx, query, k, ef)
}

// BruteSearch returns the exact top k by linear scan. Ground truth
// for calibration and tests, not a serving path.
func (m *MmapIndex) BruteSearch(query []float32, k int) ([]SearchResult, error) {
	return m.idx.BruteSearch(query, k)
}

// CalibrateEF sweeps the beam width on sample queries until the target
// recall (default 0.95) is reached, and returns the chosen ef.
func (m *MmapIndex) CalibrateEF(ctx context.Context, queries [][]float32, k int) (scheduler.CalibrationResult, error) {
	if err := m.controller.AcquireBackground(ctx); err != nil {
		return scheduler.CalibrationResult{}, err
	}
	defer m.controller.ReleaseBackground()

	cfg := defaultConfig()
	res, err := scheduler.CalibrateEF(ctx, m.idx, queries, k, func(o *scheduler.CalibrateOptions) {
		o.TargetRecall = cfg.TargetRecall
		o.MaxEF = cfg.MaxEF
		o.Metrics = m.opts.metrics
	})
	if err == nil {
		m.opts.logger.LogCalibration(ctx, res.EF, res.Recall, res.Reached)
	}
	return res, err
}

// Pool returns the attached worker pool, or nil.
func (m *MmapIndex) Pool() *scheduler.Pool { return m.pool }

// Len returns the number of vectors in the index.
func (m *MmapIndex) Len() int { return m.idx.Len() }

// Dim returns the vector dimension.
func (m *MmapIndex) Dim() int { return m.idx.Dim() }

// Stats returns statistics about the mapped index.
func (m *MmapIndex) Stats() Stats { return m.idx.Stats() }

// Close stops the worker pool (if any) and releases the mapping.
func (m *MmapIndex) Close() error {
	if m.pool != nil {
		m.pool.Close()
	}
	err := m.idx.Close()
	if m.controller != nil {
		m.controller.ReleaseMemory(m.mappedBytes)
		m.controller = nil
	}
	return err
}
