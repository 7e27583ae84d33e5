// Package sched picks the micro-batch granularity for each macro-batch,
// balancing exploitation of the fastest known granularity against the
// exploration a non-stationary throughput landscape demands.
package sched

import (
	"context"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/example/segtrain/internal/observability"
)

// slot owns the bounded rolling throughput window for one granularity.
type slot struct {
	window  []float64
	sampled bool
}

func (s *slot) push(v float64, limit int) {
	s.window = append(s.window, v)
	if len(s.window) > limit {
		s.window = s.window[1:]
	}
	s.sampled = true
}

func (s *slot) mean() float64 {
	if len(s.window) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range s.window {
		sum += v
	}
	return sum / float64(len(s.window))
}

// Scheduler selects one of K granularities per decision. Not safe for
// concurrent use: the orchestrator consults it from the main loop only.
type Scheduler struct {
	policy   Policy
	rng      *rand.Rand
	slots    []slot
	current  int
	absolute float64
	lastPick time.Time
	now      func() time.Time
}

// New builds a scheduler over granularities 1..k, starting at granularity k
// (the whole macro-batch). rng must be seeded by the caller; tests pass a
// fixed seed for determinism.
func New(k int, policy Policy, rng *rand.Rand) *Scheduler {
	if k < 1 {
		k = 1
	}
	return &Scheduler{
		policy:  policy.normalized(),
		rng:     rng,
		slots:   make([]slot, k),
		current: k,
		now:     time.Now,
	}
}

// K returns the number of granularities.
func (s *Scheduler) K() int { return len(s.slots) }

// Current returns the active granularity.
func (s *Scheduler) Current() int { return s.current }

// AbsolutePerformance returns the rolling-average throughput recorded at the
// most recent exploitation decision. Zero until the first exploit pick.
func (s *Scheduler) AbsolutePerformance() float64 { return s.absolute }

// Record appends an observed throughput sample (observations/second) to the
// granularity's rolling window, evicting the oldest sample past the window
// bound.
func (s *Scheduler) Record(granularity int, obsPerSec float64) {
	if granularity < 1 || granularity > len(s.slots) {
		return
	}
	s.slots[granularity-1].push(obsPerSec, s.policy.HistoryLen)
}

// Pick decides the granularity for the next macro-batch. Callers invoke it
// only after a full macro-batch completes; Pick additionally rate-limits
// itself to one decision per TimeStabilized. changed reports that the
// granularity moved, which invalidates any cached gradient-accumulation
// factor.
func (s *Scheduler) Pick(ctx context.Context) (granularity int, changed bool) {
	now := s.now()
	if !s.lastPick.IsZero() && now.Sub(s.lastPick) < s.policy.TimeStabilized {
		return s.current, false
	}
	s.lastPick = now

	_, span := observability.StartSpan(ctx, "sched.pick")
	defer span.End()

	k := len(s.slots)
	chosen := s.current
	mode := "exploit"
	switch {
	case s.rng.Float64() < s.policy.TestProbability:
		mode = "explore"
		chosen = 1 + s.rng.Intn(k)
		if s.policy.ExplorationUpdatesEstimate && s.slots[chosen-1].sampled {
			s.absolute = s.slots[chosen-1].mean()
		}
	case float64(s.neverSampledCount()) > float64(k)*(1-s.policy.TestCoverage):
		mode = "coverage"
		chosen = s.pickNeverSampled()
	default:
		best, bestMean := s.current, -1.0
		for i := range s.slots {
			if !s.slots[i].sampled {
				continue
			}
			if m := s.slots[i].mean(); m > bestMean {
				best, bestMean = i+1, m
			}
		}
		chosen = best
		if bestMean >= 0 {
			s.absolute = bestMean
		}
	}

	changed = chosen != s.current
	s.current = chosen
	span.SetAttributes(
		attribute.String("decision.mode", mode),
		attribute.Int("granularity", chosen),
		attribute.Bool("changed", changed),
	)
	observability.Default.IncCounter("sched_decisions_total", map[string]string{"mode": mode}, 1)
	observability.Default.SetGauge("sched_granularity", nil, float64(chosen))
	return chosen, changed
}

func (s *Scheduler) neverSampledCount() int {
	n := 0
	for i := range s.slots {
		if !s.slots[i].sampled {
			n++
		}
	}
	return n
}

// pickNeverSampled picks uniformly among the never-sampled granularities.
func (s *Scheduler) pickNeverSampled() int {
	candidates := make([]int, 0, len(s.slots))
	for i := range s.slots {
		if !s.slots[i].sampled {
			candidates = append(candidates, i+1)
		}
	}
	if len(candidates) == 0 {
		return s.current
	}
	return candidates[s.rng.Intn(len(candidates))]
}
