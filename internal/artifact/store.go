// Package artifact persists training checkpoints. The local filesystem
// backend is the default; MinIO serves shared storage between lab machines.
package artifact

import (
	"context"
	"time"
)

// TensorPayload is the serialized form of one tensor.
type TensorPayload struct {
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
}

// Checkpoint is one saved training snapshot.
type Checkpoint struct {
	RunID      string                   `json:"run_id"`
	Experiment string                   `json:"experiment"`
	Epoch      int                      `json:"epoch"`
	Loss       float64                  `json:"loss"`
	Params     []TensorPayload          `json:"params"`
	State      map[string]TensorPayload `json:"state"`
	SavedAt    time.Time                `json:"saved_at"`
}

// Store saves and restores checkpoints. Save returns the URI the checkpoint
// landed at.
type Store interface {
	Save(ctx context.Context, cp Checkpoint) (string, error)
	Load(ctx context.Context, runID string, epoch int) (Checkpoint, error)
}
