package state

import "time"

// RunRecord tracks one training run attempt from setup to completion. A
// NaN-triggered restart closes the current record and opens a fresh one
// under the same experiment.
type RunRecord struct {
	ID           string
	Experiment   string
	Status       string
	Phase        string
	Epoch        int
	Observations int64
	MemoryFactor int
	Granularity  int
	LastLoss     float64
	Message      string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TransitionRecord is one phase transition inside a run, kept as an append
// only trail for post-hoc inspection.
type TransitionRecord struct {
	ID      int64
	RunID   string
	From    string
	To      string
	Message string
	At      time.Time
}
