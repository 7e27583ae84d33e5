// Package report implements the telemetry broker: bounded, lossy-under-
// backpressure reporters that coalesce error/performance/image-state
// snapshots and deliver them on dedicated consumer goroutines.
//
// Every concrete reporter owns a capacity-1 message channel. Flushing is
// try-then-send: if the consumer has not drained the previous snapshot the
// flush is skipped and the caller is never blocked. A slow telemetry
// consumer therefore costs samples, not training throughput.
package report

import (
	"sync"

	uatomic "go.uber.org/atomic"

	"github.com/example/segtrain/internal/observability"
	"github.com/example/segtrain/pkg/trainapi"
)

// Handler consumes coalesced snapshots on the reporter's private consumer
// goroutine, off the training hot path.
type Handler func(trainapi.Snapshot)

// Sample is one update delivered to a reporter (or fanned out to a
// composition). Each reporter kind reads only the fields it cares about.
type Sample struct {
	Loss       float64
	Throughput float64

	// Image planes for the image-state reporter; ignored by the series
	// reporters. Row-major, with Shape describing both planes.
	Input     []float64
	Reference []float64
	Shape     []int

	// Observations is the observation delta counted against the flush
	// threshold.
	Observations int
}

// Reporter is the operation surface shared by concrete reporters and
// compositions.
type Reporter interface {
	// Update buffers a sample and flushes a coalesced snapshot once the
	// observation countdown is spent and the channel is free.
	Update(s Sample)
	// Stop drains any pending snapshot and terminates the consumer
	// goroutine. Blocks until the consumer has exited.
	Stop()
	// Reset drains any pending snapshot, tells the consumer to discard
	// state, and clears local buffers.
	Reset()
}

type msgKind int

const (
	msgData msgKind = iota
	msgStop
	msgClear
)

type message struct {
	kind msgKind
	snap trainapi.Snapshot
}

// core carries the channel/countdown mechanics shared by the concrete
// kinds. The kind hooks supply buffering and coalescing.
type core struct {
	kind    trainapi.SnapshotKind
	mu      sync.Mutex
	ch      chan message
	wg      sync.WaitGroup
	limit   int
	current int
	handler Handler

	buffer   func(Sample)
	coalesce func() trainapi.Snapshot
	clear    func()

	stopped bool

	flushes uatomic.Int64
	skips   uatomic.Int64
}

func newCore(kind trainapi.SnapshotKind, obsLimit int, handler Handler) *core {
	if obsLimit <= 0 {
		obsLimit = 1
	}
	c := &core{
		kind:    kind,
		ch:      make(chan message, 1),
		limit:   obsLimit,
		current: obsLimit,
		handler: handler,
	}
	c.wg.Add(1)
	go c.consume()
	return c
}

func (c *core) consume() {
	defer c.wg.Done()
	for m := range c.ch {
		switch m.kind {
		case msgStop:
			return
		case msgClear:
			// Caller already cleared local state.
		default:
			if c.handler != nil {
				c.handler(m.snap)
			}
		}
	}
}

func (c *core) Update(s Sample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.buffer(s)
	c.current -= s.Observations
	if c.current > 0 {
		return
	}
	select {
	case c.ch <- message{kind: msgData, snap: c.coalesce()}:
		c.current = c.limit
		c.clear()
		c.flushes.Inc()
		observability.Default.IncCounter("reporter_flushes_total", map[string]string{"kind": string(c.kind)}, 1)
	default:
		// Consumer still holds the previous snapshot; drop this flush.
		c.skips.Inc()
		observability.Default.IncCounter("reporter_flush_skips_total", map[string]string{"kind": string(c.kind)}, 1)
	}
}

func (c *core) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.drainLocked()
	c.ch <- message{kind: msgStop}
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *core) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.drainLocked()
	c.ch <- message{kind: msgClear}
	c.clear()
	c.current = c.limit
}

// drainLocked removes an undelivered snapshot so the following sentinel
// cannot block. The consumer may concurrently pull the pending message; both
// outcomes leave room for one more send.
func (c *core) drainLocked() {
	select {
	case <-c.ch:
	default:
	}
}

// Flushes reports delivered snapshots; Skips reports flushes dropped to
// backpressure.
func (c *core) Flushes() int64 { return c.flushes.Load() }
func (c *core) Skips() int64   { return c.skips.Load() }

// ErrorReporter coalesces a loss series with its observation deltas.
type ErrorReporter struct {
	*core
	losses []float64
	obs    []int
}

// NewError builds an error reporter flushing every obsLimit observations.
func NewError(obsLimit int, handler Handler) *ErrorReporter {
	r := &ErrorReporter{}
	r.core = newCore(trainapi.SnapshotError, obsLimit, handler)
	r.core.buffer = func(s Sample) {
		r.losses = append(r.losses, s.Loss)
		r.obs = append(r.obs, s.Observations)
	}
	r.core.coalesce = func() trainapi.Snapshot {
		return trainapi.Snapshot{
			Kind:         trainapi.SnapshotError,
			Losses:       append([]float64(nil), r.losses...),
			Observations: append([]int(nil), r.obs...),
		}
	}
	r.core.clear = func() {
		r.losses = r.losses[:0]
		r.obs = r.obs[:0]
	}
	return r
}

// BufferedSamples reports how many samples are waiting for the next flush.
func (r *ErrorReporter) BufferedSamples() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.losses)
}

// PerformanceReporter coalesces a throughput series (observations/second)
// with its observation deltas.
type PerformanceReporter struct {
	*core
	throughput []float64
	obs        []int
}

// NewPerformance builds a performance reporter flushing every obsLimit
// observations.
func NewPerformance(obsLimit int, handler Handler) *PerformanceReporter {
	r := &PerformanceReporter{}
	r.core = newCore(trainapi.SnapshotPerformance, obsLimit, handler)
	r.core.buffer = func(s Sample) {
		r.throughput = append(r.throughput, s.Throughput)
		r.obs = append(r.obs, s.Observations)
	}
	r.core.coalesce = func() trainapi.Snapshot {
		return trainapi.Snapshot{
			Kind:         trainapi.SnapshotPerformance,
			Throughput:   append([]float64(nil), r.throughput...),
			Observations: append([]int(nil), r.obs...),
		}
	}
	r.core.clear = func() {
		r.throughput = r.throughput[:0]
		r.obs = r.obs[:0]
	}
	return r
}

// BufferedSamples reports how many samples are waiting for the next flush.
func (r *PerformanceReporter) BufferedSamples() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.throughput)
}

// Predict recomputes the live prediction plane for the current input at
// flush time.
type Predict func(input []float64, shape []int) []float64

// ImageStateReporter tracks the most recent input/reference planes and
// recomputes a prediction only when a snapshot is actually flushed. It keeps
// no series buffers, so Reset has nothing to clear beyond the pending
// message.
type ImageStateReporter struct {
	*core
	predict   Predict
	input     []float64
	reference []float64
	shape     []int
}

// NewImageState builds an image-state reporter flushing every obsLimit
// observations.
func NewImageState(obsLimit int, predict Predict, handler Handler) *ImageStateReporter {
	r := &ImageStateReporter{predict: predict}
	r.core = newCore(trainapi.SnapshotImageState, obsLimit, handler)
	r.core.buffer = func(s Sample) {
		if s.Input != nil {
			r.input = s.Input
			r.reference = s.Reference
			r.shape = s.Shape
		}
	}
	r.core.coalesce = func() trainapi.Snapshot {
		img := &trainapi.ImageState{
			Input:     append([]float64(nil), r.input...),
			Reference: append([]float64(nil), r.reference...),
			Shape:     append([]int(nil), r.shape...),
		}
		if r.predict != nil && r.input != nil {
			img.Predicted = r.predict(r.input, r.shape)
		}
		return trainapi.Snapshot{Kind: trainapi.SnapshotImageState, Image: img}
	}
	// The current planes survive a flush: the next snapshot simply
	// re-predicts whatever the latest update installed.
	r.core.clear = func() {}
	return r
}

// Composition fans every operation out to its children in order. It owns no
// channel of its own.
type Composition struct {
	children []Reporter
}

// Compose builds a composition over the given reporters.
func Compose(children ...Reporter) *Composition {
	return &Composition{children: children}
}

func (c *Composition) Update(s Sample) {
	for _, child := range c.children {
		child.Update(s)
	}
}

func (c *Composition) Stop() {
	for _, child := range c.children {
		child.Stop()
	}
}

func (c *Composition) Reset() {
	for _, child := range c.children {
		child.Reset()
	}
}
