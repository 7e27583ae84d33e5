package train

import (
	"context"
	"runtime"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/segtrain/internal/device"
	"github.com/example/segtrain/internal/observability"
	"github.com/example/segtrain/internal/tensor"
)

// ProbeBatch builds a synthetic batch of n examples with the same shapes the
// supplier produces, for calibration staging.
type ProbeBatch func(n int) *tensor.Batch

// Sizer calibrates the largest example count stageable on the accelerator
// without exceeding its soft memory limit, given the already-resident
// parameter/optimizer/state memory.
type Sizer struct {
	alloc device.Allocator
	exec  *Executor
	probe ProbeBatch
	w     Weights
}

// NewSizer wires the calibrator to the allocator, the step executor and the
// synthetic batch builder.
func NewSizer(alloc device.Allocator, exec *Executor, probe ProbeBatch, w Weights) *Sizer {
	return &Sizer{alloc: alloc, exec: exec, probe: probe, w: w}
}

// Calibrate finds the maximal memory factor in [1, requested]: exponential
// probing doubles from 1 until the first rejection, then binary search
// narrows between the last accepted and first rejected factor. An
// accelerator OOM during a probe is a rejection, not an error; anything
// else is fatal. The live training triple is never touched; every probe
// steps a disposable clone.
func (s *Sizer) Calibrate(ctx context.Context, live *TrainState, requested int) (int, error) {
	if requested < 1 {
		requested = 1
	}
	ctx, span := observability.StartSpan(ctx, "sizer.calibrate",
		attribute.Int("requested", requested),
	)
	defer span.End()

	accepted := 0
	rejected := 0
	for factor := 1; factor <= requested; {
		ok, err := s.accept(ctx, live, factor)
		if err != nil {
			return 0, err
		}
		if !ok {
			rejected = factor
			break
		}
		accepted = factor
		if factor == requested {
			break
		}
		factor *= 2
		if factor > requested {
			factor = requested
		}
	}

	if rejected != 0 {
		lo, hi := accepted, rejected
		for hi-lo > 1 {
			mid := lo + (hi-lo)/2
			ok, err := s.accept(ctx, live, mid)
			if err != nil {
				return 0, err
			}
			if ok {
				lo = mid
			} else {
				hi = mid
			}
		}
		accepted = lo
	}

	if accepted < 1 {
		accepted = 1
	}
	span.SetAttributes(attribute.Int("memory_factor", accepted))
	observability.Default.SetGauge("calibrated_memory_factor", nil, float64(accepted))
	return accepted, nil
}

// accept stages a synthetic batch of the candidate size and runs one
// gradient step on a deep clone, accepting when live usage stays within the
// soft limit. Reclaims between probes so fragmentation cannot fake a
// rejection.
func (s *Sizer) accept(ctx context.Context, live *TrainState, factor int) (bool, error) {
	defer func() {
		s.alloc.Reclaim()
		runtime.GC()
	}()
	observability.Default.IncCounter("calibration_probes_total", nil, 1)

	batch := s.probe(factor)
	release, err := s.alloc.Stage(ctx, batch)
	if err != nil {
		if errors.Is(err, device.ErrOOM) {
			return false, nil
		}
		return false, errors.Wrapf(err, "stage probe batch of %d", factor)
	}
	defer release()

	clone := live.Clone()
	if _, err := s.exec.Step(ctx, clone, batch.In, batch.Out, s.w, 1); err != nil {
		if errors.Is(err, device.ErrOOM) {
			return false, nil
		}
		return false, errors.Wrapf(err, "probe step at factor %d", factor)
	}
	return s.alloc.LiveBytes() <= s.alloc.Limits().Soft, nil
}
