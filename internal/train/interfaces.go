// Package train is the training orchestration core: the gradient step
// executor, the memory-constrained batch sizer, and the orchestrator that
// ties the supplier pool, the micro-batch scheduler and the telemetry
// callback together.
package train

import (
	"math/rand"

	"github.com/example/segtrain/internal/tensor"
)

// Params is the flat list of trainable parameter tensors. It is exclusively
// owned by the main loop; the only delegated mutation happens inside the
// semaphore-guarded step executor.
type Params struct {
	Tensors []*tensor.Tensor
}

// Clone deep-copies every parameter tensor.
func (p *Params) Clone() *Params {
	out := &Params{Tensors: make([]*tensor.Tensor, len(p.Tensors))}
	for i, t := range p.Tensors {
		out.Tensors[i] = t.Clone()
	}
	return out
}

// ZeroGrad clears every gradient buffer.
func (p *Params) ZeroGrad() {
	for _, t := range p.Tensors {
		t.ZeroGrad()
	}
}

// Bytes reports the parameter footprint including gradients.
func (p *Params) Bytes() uint64 {
	var total uint64
	for _, t := range p.Tensors {
		total += t.Bytes()
	}
	return total
}

// State holds non-trainable model state (normalization statistics and the
// like), keyed by name.
type State struct {
	Tensors map[string]*tensor.Tensor
}

// NewState returns an empty state.
func NewState() *State { return &State{Tensors: map[string]*tensor.Tensor{}} }

// Clone deep-copies the state.
func (s *State) Clone() *State {
	out := NewState()
	for k, t := range s.Tensors {
		out.Tensors[k] = t.Clone()
	}
	return out
}

// Model maps an input stack to an output stack under the given parameters
// and state, returning the possibly-updated state.
type Model interface {
	Apply(in *tensor.Tensor, p *Params, st *State) (out *tensor.Tensor, newState *State, err error)
}

// Weights is the loss configuration: per-class weights for the weighted
// segmentation loss. Loss internals beyond this call contract are the loss
// collaborator's business.
type Weights struct {
	Class []float64
}

// Loss evaluates the weighted scalar loss for a batch and accumulates the
// gradient with respect to p into the parameter gradient buffers.
type Loss interface {
	Eval(m Model, p *Params, st *State, in, out *tensor.Tensor, w Weights) (loss float64, newState *State, err error)
}

// Optimizer applies one in-place update using the gradients currently held
// by the parameters. scale multiplies the effective step, which is how the
// gradient-accumulation factor keeps the optimizer step size independent of
// micro-batch granularity.
type Optimizer interface {
	Step(p *Params, scale float64) error
	Clone() Optimizer
}

// TrainState aggregates the mutable training triple. Calibration probes
// operate on Clone(), never the live instance.
type TrainState struct {
	Params *Params
	State  *State
	Opt    Optimizer
}

// Clone deep-copies parameters, state and optimizer slots.
func (t *TrainState) Clone() *TrainState {
	return &TrainState{
		Params: t.Params.Clone(),
		State:  t.State.Clone(),
		Opt:    t.Opt.Clone(),
	}
}

// Initializer produces a freshly initialized training triple. The
// orchestrator calls it at setup and again on every NaN-triggered restart.
type Initializer func(rng *rand.Rand) *TrainState

// StepEvent is handed to the after-step callback.
type StepEvent struct {
	Loss                float64
	Model               Model
	Train               *TrainState
	In                  *tensor.Tensor
	Out                 *tensor.Tensor
	ObservationDelta    int
	Devices             int
	AbsolutePerformance float64
}

// Callback runs after every gradient step, side-effect only. The typical
// callback drives a report.Reporter composition.
type Callback func(StepEvent)
