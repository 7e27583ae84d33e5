package device

import (
	"context"
	"sync"

	"github.com/example/segtrain/internal/tensor"
)

// Synthetic is a deterministic allocator for tests and calibration property
// checks. Each staged example costs BytesPerExample, and a fixed Resident
// amount models already-staged parameters and optimizer state.
type Synthetic struct {
	mu              sync.Mutex
	limits          Limits
	bytesPerExample uint64
	resident        uint64
	staged          uint64
	reclaims        int
	stageCalls      int
}

// NewSynthetic builds a synthetic allocator with linear per-example cost.
func NewSynthetic(limits Limits, bytesPerExample, resident uint64) *Synthetic {
	return &Synthetic{limits: limits, bytesPerExample: bytesPerExample, resident: resident}
}

func (s *Synthetic) LiveBytes() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resident + s.staged
}

func (s *Synthetic) Limits() Limits { return s.limits }

func (s *Synthetic) Reclaim() {
	s.mu.Lock()
	s.reclaims++
	s.mu.Unlock()
}

func (s *Synthetic) Stage(_ context.Context, b *tensor.Batch) (func(), error) {
	need := uint64(b.Len()) * s.bytesPerExample
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stageCalls++
	live := s.resident + s.staged
	if live+need > s.limits.Soft {
		return nil, &OOMError{Requested: need, Live: live, Limit: s.limits.Soft}
	}
	s.staged += need
	return func() {
		s.mu.Lock()
		if s.staged >= need {
			s.staged -= need
		} else {
			s.staged = 0
		}
		s.mu.Unlock()
	}, nil
}

// Reclaims reports how many times Reclaim was called.
func (s *Synthetic) Reclaims() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reclaims
}

// StageCalls reports how many staging probes were attempted.
func (s *Synthetic) StageCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stageCalls
}
