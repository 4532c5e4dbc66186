package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/McMonds/vector-engine/index"
	"github.com/McMonds/vector-engine/metrics"
)

// Mode selects the worker placement strategy.
type Mode int

const (
	// ModeDefault pins one worker to each physical-core
	// representative. Hyperthread siblings stay idle.
	ModeDefault Mode = iota
	// ModeSafe spawns one worker per physical core but leaves thread
	// placement to the OS scheduler (for shared hosts).
	ModeSafe
	// ModeSaturate pins one worker to every logical CPU,
	// representatives first, then hyperthread siblings.
	ModeSaturate
)

// String returns the string representation of a Mode.
func (m Mode) String() string {
	switch m {
	case ModeDefault:
		return "default"
	case ModeSafe:
		return "safe"
	case ModeSaturate:
		return "saturate"
	default:
		return "unknown"
	}
}

// ParseMode parses a mode name.
func ParseMode(s string) (Mode, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "default":
		return ModeDefault, true
	case "safe":
		return ModeSafe, true
	case "saturate":
		return ModeSaturate, true
	default:
		return ModeDefault, false
	}
}

var (
	// ErrPoolClosed is returned when submitting to a closed pool.
	ErrPoolClosed = errors.New("scheduler: pool is closed")
	// ErrQueueFull is returned when the inbound queue is saturated.
	ErrQueueFull = errors.New("scheduler: queue is full")
)

// Searcher answers top-k queries. *hnsw.MmapIndex satisfies this.
type Searcher interface {
	Search(query []float32, k, ef int) ([]index.SearchResult, error)
}

// Options configures a Pool.
type Options struct {
	// Mode selects worker placement. Default: ModeDefault.
	Mode Mode

	// Workers overrides the worker count derived from Mode.
	Workers int

	// QueueDepth bounds the inbound query queue. Default 1024.
	QueueDepth int

	// Topology overrides the detected topology (tests).
	Topology *Topology

	// Metrics receives query counters and latencies. Nil disables.
	Metrics *metrics.Metrics
}

// request is one queued query with its reply slot.
type request struct {
	query    []float32
	k, ef    int
	deadline time.Time
	reply    chan response
}

type response struct {
	results []index.SearchResult
	err     error
}

// Pool routes queries to pinned worker threads.
//
// Queries are independent: each worker pops one request, runs it to
// completion and writes the reply slot. No ordering is preserved
// between workers and nothing synchronizes on the hot path.
type Pool struct {
	searcher Searcher
	opts     Options

	cpus   []int // pinned logical CPU per worker; -1 = unpinned
	workCh chan request
	stopCh chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewPool starts the worker pool for the given searcher.
func NewPool(s Searcher, optFns ...func(o *Options)) (*Pool, error) {
	opts := Options{QueueDepth: 1024}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 1024
	}

	topo := opts.Topology
	if topo == nil {
		topo = DetectTopology()
	}

	cpus, err := placeWorkers(topo, opts.Mode, opts.Workers)
	if err != nil {
		return nil, err
	}

	p := &Pool{
		searcher: s,
		opts:     opts,
		cpus:     cpus,
		workCh:   make(chan request, opts.QueueDepth),
		stopCh:   make(chan struct{}),
	}

	p.wg.Add(len(cpus))
	for _, cpu := range cpus {
		go p.worker(cpu)
	}

	return p, nil
}

// placeWorkers resolves the logical CPU assignment for each worker.
func placeWorkers(topo *Topology, mode Mode, override int) ([]int, error) {
	order := topo.OptimizedOrder()
	if len(order) == 0 {
		return nil, fmt.Errorf("scheduler: empty topology")
	}

	var cpus []int
	switch mode {
	case ModeDefault:
		cpus = topo.Representatives()
	case ModeSaturate:
		cpus = order
	case ModeSafe:
		// Same worker count as default, but unpinned.
		cpus = make([]int, topo.PhysicalCores())
		for i := range cpus {
			cpus[i] = -1
		}
	default:
		return nil, fmt.Errorf("scheduler: unknown mode %d", mode)
	}

	if override > 0 {
		for len(cpus) < override {
			// More workers than placement slots: the extras float.
			cpus = append(cpus, -1)
		}
		cpus = cpus[:override]
	}

	return cpus, nil
}

// worker runs queries on a dedicated, optionally pinned OS thread.
func (p *Pool) worker(logicalCPU int) {
	defer p.wg.Done()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if logicalCPU >= 0 {
		// Best effort: an EPERM in a restricted sandbox should not
		// take the worker down.
		_ = pinThread(logicalCPU)
	}

	for {
		select {
		case <-p.stopCh:
			return
		case req := <-p.workCh:
			p.serve(req)
		}
	}
}

func (p *Pool) serve(req request) {
	// Deadline check at dequeue: a query that waited too long is
	// dropped without burning a search on it.
	if !req.deadline.IsZero() && time.Now().After(req.deadline) {
		if p.opts.Metrics != nil {
			p.opts.Metrics.QueriesDropped.Inc()
		}
		req.reply <- response{err: context.DeadlineExceeded}
		return
	}

	start := time.Now()
	results, err := p.searcher.Search(req.query, req.k, req.ef)
	if p.opts.Metrics != nil {
		p.opts.Metrics.QueriesTotal.Inc()
		p.opts.Metrics.QueryLatency.Observe(time.Since(start).Seconds())
	}
	req.reply <- response{results: results, err: err}
}

// Search submits a query and blocks until its result is ready. The
// context deadline, if any, is enforced at dequeue time; a single
// running query is never interrupted.
func (p *Pool) Search(ctx context.Context, query []float32, k, ef int) ([]index.SearchResult, error) {
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}

	req := request{
		query: query,
		k:     k,
		ef:    ef,
		reply: make(chan response, 1),
	}
	if dl, ok := ctx.Deadline(); ok {
		req.deadline = dl
	}

	select {
	case p.workCh <- req:
	case <-p.stopCh:
		return nil, ErrPoolClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case resp := <-req.reply:
		return resp.results, resp.err
	case <-ctx.Done():
		// The worker may still complete the query; the buffered reply
		// slot keeps it from blocking.
		return nil, ctx.Err()
	}
}

// TrySearch submits without blocking on a full queue.
func (p *Pool) TrySearch(ctx context.Context, query []float32, k, ef int) ([]index.SearchResult, error) {
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}

	req := request{
		query: query,
		k:     k,
		ef:    ef,
		reply: make(chan response, 1),
	}
	if dl, ok := ctx.Deadline(); ok {
		req.deadline = dl
	}

	select {
	case p.workCh <- req:
	default:
		return nil, ErrQueueFull
	}

	select {
	case resp := <-req.reply:
		return resp.results, resp.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Workers returns the logical CPU each worker is pinned to (-1 for
// unpinned workers).
func (p *Pool) Workers() []int {
	out := make([]int, len(p.cpus))
	copy(out, p.cpus)
	return out
}

// Close shuts the pool down and waits for workers to exit. Queued but
// undispatched queries are abandoned.
func (p *Pool) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	close(p.stopCh)
	p.wg.Wait()
}
