// Package supply runs the elastic pool of asynchronous workers that produce
// example batches for the trainer.
//
// Coordination model: every worker owns a capacity-1 permission channel;
// true means produce one more batch, false means terminate. Produced batches
// funnel through one shared capacity-1 result channel, so consumption is
// first-ready-first-consumed across workers and strictly sequential within
// one worker.
package supply

import (
	"context"
	"runtime"
	"sync"

	"github.com/pkg/errors"
	uatomic "go.uber.org/atomic"

	"github.com/example/segtrain/internal/device"
	"github.com/example/segtrain/internal/observability"
	"github.com/example/segtrain/internal/tensor"
)

// Supplier produces one example batch. A returned error is fatal to the
// whole pool; there is no partial recovery.
type Supplier func(ctx context.Context) (*tensor.Batch, error)

// Result is one worker delivery: the produced batch or the error that
// killed the worker.
type Result struct {
	WorkerID int
	Batch    *tensor.Batch
	Err      error
}

// Options tunes pool elasticity.
type Options struct {
	// InitialWorkers is the number of workers spawned by Start. Defaults
	// to 1.
	InitialWorkers int
	// MaxWorkers caps elastic growth. Defaults to runtime.NumCPU().
	MaxWorkers int
	// MemoryUtilization reports host memory usage in percent; growth stops
	// at or above MemoryHighWater. Defaults to reading /proc/meminfo.
	MemoryUtilization func() float64
	// MemoryHighWater in percent. Defaults to 80.
	MemoryHighWater float64
}

// Pool coordinates the supplier workers.
type Pool struct {
	supplier Supplier
	opts     Options

	ctx     context.Context
	cancel  context.CancelFunc
	results chan Result
	wg      sync.WaitGroup

	mu     sync.Mutex
	perms  []chan bool
	closed bool

	live     uatomic.Int64
	produced uatomic.Int64
}

// NewPool builds a pool around the supplier. Start must be called before
// Next.
func NewPool(supplier Supplier, opts Options) *Pool {
	if opts.InitialWorkers <= 0 {
		opts.InitialWorkers = 1
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = runtime.NumCPU()
	}
	if opts.InitialWorkers > opts.MaxWorkers {
		opts.InitialWorkers = opts.MaxWorkers
	}
	if opts.MemoryUtilization == nil {
		opts.MemoryUtilization = device.HostMemoryUtilization
	}
	if opts.MemoryHighWater <= 0 {
		opts.MemoryHighWater = 80
	}
	return &Pool{
		supplier: supplier,
		opts:     opts,
		results:  make(chan Result, 1),
	}
}

// Start spawns the initial workers, each pre-armed with one permission
// token.
func (p *Pool) Start(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < p.opts.InitialWorkers; i++ {
		p.spawnLocked()
	}
}

// spawnLocked registers one worker with a seeded permission channel.
// Caller holds p.mu.
func (p *Pool) spawnLocked() {
	id := len(p.perms)
	perm := make(chan bool, 1)
	perm <- true
	p.perms = append(p.perms, perm)
	p.live.Inc()
	p.wg.Add(1)
	go p.worker(id, perm)
	observability.Default.IncCounter("supplier_spawns_total", nil, 1)
	observability.Default.SetGauge("supplier_live_workers", nil, float64(p.live.Load()))
}

func (p *Pool) worker(id int, perm chan bool) {
	defer func() {
		p.live.Dec()
		observability.Default.SetGauge("supplier_live_workers", nil, float64(p.live.Load()))
		p.wg.Done()
	}()
	for {
		var tok bool
		select {
		case tok = <-perm:
		case <-p.ctx.Done():
			return
		}
		if !tok {
			return
		}
		batch, err := p.supplier(p.ctx)
		select {
		case p.results <- Result{WorkerID: id, Batch: batch, Err: err}:
		case <-p.ctx.Done():
			return
		}
		if err != nil {
			// The pool is about to tear down; don't wait for a token
			// that will never come.
			return
		}
	}
}

// Next returns the next produced batch, re-arming the producing worker. A
// supplier failure joins every live worker and surfaces as a fatal error.
// When no batch is immediately ready the pool considers growing by one
// worker before blocking.
func (p *Pool) Next(ctx context.Context) (*tensor.Batch, error) {
	var r Result
	select {
	case r = <-p.results:
	default:
		p.maybeGrow()
		select {
		case r = <-p.results:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if r.Err != nil {
		p.Close()
		return nil, errors.Wrapf(r.Err, "training-set supplier failed on worker %d", r.WorkerID)
	}
	p.rearm(r.WorkerID)
	p.produced.Inc()
	observability.Default.IncCounter("supplier_batches_total", nil, 1)
	return r.Batch, nil
}

func (p *Pool) rearm(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || id >= len(p.perms) {
		return
	}
	select {
	case p.perms[id] <- true:
	default:
		// Token already pending; the worker has not consumed the last one.
	}
}

// maybeGrow spawns one additional worker when the pool is starved, below its
// worker cap, and host memory usage leaves headroom.
func (p *Pool) maybeGrow() {
	if int(p.live.Load()) >= p.opts.MaxWorkers {
		return
	}
	if p.opts.MemoryUtilization() >= p.opts.MemoryHighWater {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || len(p.perms) >= p.opts.MaxWorkers {
		return
	}
	p.spawnLocked()
}

// Live reports the number of running workers.
func (p *Pool) Live() int { return int(p.live.Load()) }

// Produced reports consumed batches.
func (p *Pool) Produced() int64 { return p.produced.Load() }

// Close broadcasts termination tokens and joins every worker, draining any
// in-flight results so no worker stays blocked on the shared channel.
// Idempotent.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	perms := make([]chan bool, len(p.perms))
	copy(perms, p.perms)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	// Drain results so a worker mid-delivery can finish its production and
	// then observe its false token.
	go func() {
		for {
			select {
			case <-p.results:
			case <-done:
				return
			}
		}
	}()
	for _, perm := range perms {
		select {
		case perm <- false:
		case <-done:
		}
	}
	<-done
	if p.cancel != nil {
		p.cancel()
	}
}
