package train

import (
	"context"
	"log"
	"math"
	"sync"
	"time"

	uatomic "go.uber.org/atomic"

	"github.com/example/segtrain/internal/device"
	"github.com/example/segtrain/internal/observability"
)

// Progress periodically logs run vitals: observation throughput, loss,
// memory utilization and an ETA against the expected observation total.
// The orchestrator callback feeds it; a ticker goroutine reads it.
type Progress struct {
	interval     time.Duration
	expected     int64
	observations uatomic.Int64
	lossBits     uatomic.Uint64
	started      time.Time
	once         sync.Once
	cancel       context.CancelFunc
}

// NewProgress builds a logger expecting roughly expected observations over
// the run; zero disables the ETA.
func NewProgress(interval time.Duration, expected int64) *Progress {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Progress{interval: interval, expected: expected}
}

// Observe is the Callback hook. Safe for concurrent use.
func (p *Progress) Observe(ev StepEvent) {
	p.observations.Add(int64(ev.ObservationDelta))
	p.lossBits.Store(math.Float64bits(ev.Loss))
}

// Start launches the ticker goroutine until Stop or ctx cancellation.
func (p *Progress) Start(ctx context.Context) {
	p.once.Do(func() {
		ctx, p.cancel = context.WithCancel(ctx)
		p.started = time.Now()
		go p.loop(ctx)
	})
}

// Stop halts the ticker goroutine.
func (p *Progress) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
}

func (p *Progress) loop(ctx context.Context) {
	t := time.NewTicker(p.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.report()
		}
	}
}

func (p *Progress) report() {
	obs := p.observations.Load()
	elapsed := time.Since(p.started).Seconds()
	rate := 0.0
	if elapsed > 0 {
		rate = float64(obs) / elapsed
	}
	loss := math.Float64frombits(p.lossBits.Load())
	memUtil := device.HostMemoryUtilization()

	eta := "n/a"
	if p.expected > 0 && rate > 0 && obs < p.expected {
		remaining := time.Duration(float64(p.expected-obs) / rate * float64(time.Second))
		eta = remaining.Round(time.Second).String()
	}

	observability.Default.SetGauge("progress_observations_per_second", nil, rate)
	observability.Default.SetGauge("host_memory_utilization", nil, memUtil)
	log.Printf("progress: %d observations, %.1f obs/s, loss %.6f, mem %.1f%%, eta %s",
		obs, rate, loss, memUtil, eta)
}
