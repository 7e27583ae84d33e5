// Package trainapi holds the exported plain types the training core hands to
// embedder-supplied handlers and callbacks: coalesced telemetry snapshots and
// run lifecycle states.
package trainapi

// SnapshotKind tags which reporter coalesced a snapshot.
type SnapshotKind string

const (
	SnapshotError       SnapshotKind = "error"
	SnapshotPerformance SnapshotKind = "performance"
	SnapshotImageState  SnapshotKind = "image_state"
)

// ImageState is the input/reference/predicted plane triple flushed by the
// image-state reporter. Planes are row-major with the given shape.
type ImageState struct {
	Input     []float64 `json:"input"`
	Reference []float64 `json:"reference"`
	Predicted []float64 `json:"predicted"`
	Shape     []int     `json:"shape"`
}

// Snapshot is one coalesced telemetry delivery. Error snapshots fill Losses,
// performance snapshots fill Throughput, image-state snapshots fill Image;
// Observations carries the per-sample observation deltas for the series
// kinds.
type Snapshot struct {
	Kind         SnapshotKind `json:"kind"`
	Losses       []float64    `json:"losses,omitempty"`
	Throughput   []float64    `json:"throughput,omitempty"`
	Observations []int        `json:"observations,omitempty"`
	Image        *ImageState  `json:"image,omitempty"`
}

// Run phases, in execution order. A NaN validation loss moves a run back to
// PhaseSetup with a fresh attempt counter.
const (
	PhaseSetup     = "Setup"
	PhaseCalibrate = "Calibrate"
	PhaseTrain     = "Train"
	PhaseValidate  = "Validate"
)

// Run statuses.
const (
	RunRunning   = "Running"
	RunCompleted = "Completed"
	RunFailed    = "Failed"
	RunRestarted = "Restarted"
)
