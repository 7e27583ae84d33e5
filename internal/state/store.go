// Package state persists run records and their phase transitions. The
// in-memory store is the default; the interface leaves room for durable
// backends.
package state

import (
	"context"
	"sync"
	"time"
)

type Store interface {
	CreateRun(ctx context.Context, run RunRecord) error
	GetRun(ctx context.Context, runID string) (RunRecord, bool, error)
	UpdateRun(ctx context.Context, run RunRecord) error
	ListRuns(ctx context.Context, experiment string) ([]RunRecord, error)
	AppendTransition(ctx context.Context, tr TransitionRecord) error
	ListTransitions(ctx context.Context, runID string) ([]TransitionRecord, error)
}

type MemoryStore struct {
	mu          sync.Mutex
	runs        map[string]RunRecord
	transitions []TransitionRecord
	nextID      int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:        make(map[string]RunRecord),
		transitions: make([]TransitionRecord, 0, 64),
		nextID:      1,
	}
}

func (m *MemoryStore) CreateRun(_ context.Context, run RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now
	m.runs[run.ID] = run
	return nil
}

func (m *MemoryStore) GetRun(_ context.Context, runID string) (RunRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	return run, ok, nil
}

func (m *MemoryStore) UpdateRun(_ context.Context, run RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run.UpdatedAt = time.Now().UTC()
	m.runs[run.ID] = run
	return nil
}

func (m *MemoryStore) ListRuns(_ context.Context, experiment string) ([]RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RunRecord, 0, len(m.runs))
	for _, r := range m.runs {
		if experiment != "" && r.Experiment != experiment {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (m *MemoryStore) AppendTransition(_ context.Context, tr TransitionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tr.ID = m.nextID
	m.nextID++
	if tr.At.IsZero() {
		tr.At = time.Now().UTC()
	}
	m.transitions = append(m.transitions, tr)
	return nil
}

func (m *MemoryStore) ListTransitions(_ context.Context, runID string) ([]TransitionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TransitionRecord, 0, 8)
	for _, tr := range m.transitions {
		if tr.RunID == runID {
			out = append(out, tr)
		}
	}
	return out, nil
}
