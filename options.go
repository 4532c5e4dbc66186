package vectorengine

import (
	"github.com/McMonds/vector-engine/index/hnsw"
	"github.com/McMonds/vector-engine/metrics"
	"github.com/McMonds/vector-engine/resource"
	"github.com/McMonds/vector-engine/scheduler"
)

type options struct {
	m              int
	efConstruction int
	randomSeed     *int64
	hugePages      bool

	logger     *Logger
	metrics    *metrics.Metrics
	controller *resource.Controller

	usePool    bool
	poolMode   scheduler.Mode
	queueDepth int
	workers    int
}

// Option configures Build and Load behavior.
type Option func(*options)

func resolveOptions(optFns []Option) options {
	cfg := defaultConfig()

	o := options{
		m:              hnsw.DefaultM,
		efConstruction: hnsw.DefaultEFConstruction,
		queueDepth:     cfg.QueueDepth,
	}
	if mode, ok := scheduler.ParseMode(cfg.Mode); ok {
		o.poolMode = mode
	}

	for _, fn := range optFns {
		fn(&o)
	}

	if o.logger == nil {
		o.logger = NoopLogger()
	}
	return o
}

// WithM sets the target out-degree on layers >= 1 (layer 0 uses 2*M).
// Valid range is [2, 64].
func WithM(m int) Option {
	return func(o *options) { o.m = m }
}

// WithEFConstruction sets the beam width used during insertion.
func WithEFConstruction(ef int) Option {
	return func(o *options) { o.efConstruction = ef }
}

// WithRandomSeed fixes the level-generation PRNG and the file
// obfuscation key, making builds fully reproducible. Without a seed,
// level generation is non-deterministic per process and the key comes
// from the cryptographic RNG.
func WithRandomSeed(seed int64) Option {
	return func(o *options) { o.randomSeed = &seed }
}

// WithHugePages marks saved files as wanting transparent huge pages;
// loading them issues MADV_HUGEPAGE on Linux.
func WithHugePages() Option {
	return func(o *options) { o.hugePages = true }
}

// WithLogger attaches a logger. Default: no logging.
func WithLogger(l *Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithResourceController attaches a resource controller: loaded
// mappings count against its memory budget, saves against its IO
// budget, calibration against its background slots.
func WithResourceController(c *resource.Controller) Option {
	return func(o *options) { o.controller = c }
}

// WithWorkerPool starts a pinned worker pool on Load. Queries
// submitted through SearchContext are routed to the pool.
func WithWorkerPool(mode scheduler.Mode) Option {
	return func(o *options) {
		o.usePool = true
		o.poolMode = mode
	}
}

// WithWorkers overrides the worker count derived from the mode.
func WithWorkers(n int) Option {
	return func(o *options) {
		o.usePool = true
		o.workers = n
	}
}

// WithQueueDepth bounds the pool's inbound query queue.
func WithQueueDepth(depth int) Option {
	return func(o *options) { o.queueDepth = depth }
}
