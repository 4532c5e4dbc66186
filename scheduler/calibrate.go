package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"

	"github.com/McMonds/vector-engine/index"
	"github.com/McMonds/vector-engine/metrics"
)

// CalibrationIndex is the index surface calibration needs: the ANN
// path under test and the exact path for ground truth.
// *hnsw.MmapIndex satisfies this.
type CalibrationIndex interface {
	Searcher
	BruteSearch(query []float32, k int) ([]index.SearchResult, error)
}

// CalibrateOptions configures the Pareto-EF sweep.
type CalibrateOptions struct {
	// TargetRecall is the recall the sweep must reach. Default 0.95.
	TargetRecall float64

	// MaxEF caps the sweep. Default 256.
	MaxEF int

	// Parallelism bounds concurrent ground-truth scans. Default 4.
	Parallelism int

	// Metrics records the chosen ef. Nil disables.
	Metrics *metrics.Metrics
}

// EFSample is one point of the sweep.
type EFSample struct {
	EF     int
	Recall float64
}

// CalibrationResult is the outcome of a sweep.
type CalibrationResult struct {
	// EF is the smallest swept beam width whose recall reached the
	// target, or the widest swept value if none did.
	EF int

	// Recall is the measured recall at EF.
	Recall float64

	// Reached reports whether the target was met.
	Reached bool

	// Sweep holds every sampled point in ascending EF order.
	Sweep []EFSample
}

// CalibrateEF finds the smallest beam width that reaches the target
// recall on the given sample queries, sweeping ef over k, 2k, 4k, ...
// up to MaxEF. Ground truth comes from exhaustive search.
func CalibrateEF(ctx context.Context, idx CalibrationIndex, queries [][]float32, k int, optFns ...func(o *CalibrateOptions)) (CalibrationResult, error) {
	opts := CalibrateOptions{
		TargetRecall: 0.95,
		MaxEF:        256,
		Parallelism:  4,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	if len(queries) == 0 {
		return CalibrationResult{}, errors.New("scheduler: calibration needs sample queries")
	}
	if k <= 0 {
		return CalibrationResult{}, index.ErrInvalidK
	}

	// Ground truth, computed once per query.
	truth := make([]*roaring.Bitmap, len(queries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Parallelism)
	for i, q := range queries {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			exact, err := idx.BruteSearch(q, k)
			if err != nil {
				return err
			}
			bm := roaring.New()
			for _, r := range exact {
				bm.Add(r.ID)
			}
			truth[i] = bm
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return CalibrationResult{}, err
	}

	var result CalibrationResult
	for ef := k; ; ef *= 2 {
		if ef > opts.MaxEF {
			break
		}

		recall, err := measureRecall(ctx, idx, queries, truth, k, ef)
		if err != nil {
			return CalibrationResult{}, err
		}
		result.Sweep = append(result.Sweep, EFSample{EF: ef, Recall: recall})
		result.EF = ef
		result.Recall = recall

		if recall >= opts.TargetRecall {
			result.Reached = true
			break
		}
	}

	if len(result.Sweep) == 0 {
		// k alone exceeded MaxEF; measure it anyway.
		recall, err := measureRecall(ctx, idx, queries, truth, k, k)
		if err != nil {
			return CalibrationResult{}, err
		}
		result = CalibrationResult{
			EF:      k,
			Recall:  recall,
			Reached: recall >= opts.TargetRecall,
			Sweep:   []EFSample{{EF: k, Recall: recall}},
		}
	}

	if opts.Metrics != nil {
		opts.Metrics.CalibratedEF.Set(float64(result.EF))
	}

	return result, nil
}

func measureRecall(ctx context.Context, idx CalibrationIndex, queries [][]float32, truth []*roaring.Bitmap, k, ef int) (float64, error) {
	var total float64
	for i, q := range queries {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		got, err := idx.Search(q, k, ef)
		if err != nil {
			return 0, err
		}

		found := roaring.New()
		for _, r := range got {
			found.Add(r.ID)
		}

		want := truth[i].GetCardinality()
		if want == 0 {
			total++
			continue
		}
		total += float64(truth[i].AndCardinality(found)) / float64(want)
	}
	return total / float64(len(queries)), nil
}

// SteadyState detects benchmark convergence: QPS samples go into a
// rolling window and the run is converged once the coefficient of
// variation over the window drops below the threshold.
type SteadyState struct {
	horizon   int
	threshold float64
	samples   []float64
}

// NewSteadyState creates a detector over a rolling window of horizon
// samples. Non-positive arguments fall back to 20 windows / 0.02.
func NewSteadyState(horizon int, threshold float64) *SteadyState {
	if horizon <= 0 {
		horizon = 20
	}
	if threshold <= 0 {
		threshold = 0.02
	}
	return &SteadyState{
		horizon:   horizon,
		threshold: threshold,
		samples:   make([]float64, 0, horizon),
	}
}

// Record adds one window's QPS sample.
func (s *SteadyState) Record(qps float64) {
	if len(s.samples) == s.horizon {
		copy(s.samples, s.samples[1:])
		s.samples = s.samples[:s.horizon-1]
	}
	s.samples = append(s.samples, qps)
}

// CoV returns the coefficient of variation over the window. ok is
// false until the window is full.
func (s *SteadyState) CoV() (cov float64, ok bool) {
	if len(s.samples) < s.horizon {
		return 0, false
	}
	mean, std := stat.MeanStdDev(s.samples, nil)
	if mean == 0 {
		return 0, false
	}
	return std / mean, true
}

// Converged reports whether the run has reached steady state.
func (s *SteadyState) Converged() bool {
	cov, ok := s.CoV()
	return ok && cov < s.threshold
}

// Mean returns the mean QPS over the current window.
func (s *SteadyState) Mean() float64 {
	if len(s.samples) == 0 {
		return 0
	}
	return stat.Mean(s.samples, nil)
}

// ThroughputOptions configures MeasureThroughput.
type ThroughputOptions struct {
	// Window is the QPS sampling interval. Default 250ms.
	Window time.Duration

	// Horizon is the rolling window length. Default 20.
	Horizon int

	// CoVThreshold terminates the run. Default 0.02.
	CoVThreshold float64

	// Timeout is the hard stop. Default 60s.
	Timeout time.Duration

	// Producers is the number of submitting goroutines. Default: one
	// per pool worker.
	Producers int
}

// ThroughputResult summarizes a measurement run.
type ThroughputResult struct {
	QPS       float64 // mean over the final window
	Queries   uint64
	Elapsed   time.Duration
	Converged bool
}

// MeasureThroughput drives the pool with the sample queries until QPS
// reaches steady state or the timeout expires.
func MeasureThroughput(ctx context.Context, pool *Pool, queries [][]float32, k, ef int, optFns ...func(o *ThroughputOptions)) (ThroughputResult, error) {
	opts := ThroughputOptions{
		Window:       250 * time.Millisecond,
		Horizon:      20,
		CoVThreshold: 0.02,
		Timeout:      60 * time.Second,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if len(queries) == 0 {
		return ThroughputResult{}, errors.New("scheduler: throughput run needs queries")
	}
	if opts.Producers <= 0 {
		opts.Producers = len(pool.Workers())
	}

	runCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	var completed atomic.Uint64
	var g errgroup.Group
	for p := 0; p < opts.Producers; p++ {
		g.Go(func() error {
			for i := p; ; i++ {
				if runCtx.Err() != nil {
					return nil
				}
				q := queries[i%len(queries)]
				if _, err := pool.Search(runCtx, q, k, ef); err != nil {
					if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
						return nil
					}
					return err
				}
				completed.Add(1)
			}
		})
	}

	monitor := NewSteadyState(opts.Horizon, opts.CoVThreshold)
	ticker := time.NewTicker(opts.Window)
	defer ticker.Stop()

	start := time.Now()
	var prev uint64
	converged := false

sampling:
	for {
		select {
		case <-runCtx.Done():
			break sampling
		case <-ticker.C:
			now := completed.Load()
			monitor.Record(float64(now-prev) / opts.Window.Seconds())
			prev = now
			if monitor.Converged() {
				converged = true
				break sampling
			}
		}
	}

	cancel()
	err := g.Wait()

	return ThroughputResult{
		QPS:       monitor.Mean(),
		Queries:   completed.Load(),
		Elapsed:   time.Since(start),
		Converged: converged,
	}, err
}
