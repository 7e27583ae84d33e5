package train

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"github.com/example/segtrain/internal/observability"
	"github.com/example/segtrain/internal/tensor"
)

// stepSem serializes gradient steps process-wide. Parameters, state and the
// optimizer are shared mutable aggregates, and calibration probes run the
// same path on clones, so exactly one step may be in flight at a time.
var stepSem = semaphore.NewWeighted(1)

// Executor performs one differentiate-and-update step. It is stateless
// beyond its collaborators; all mutation lands in the TrainState it is
// handed.
type Executor struct {
	model Model
	loss  Loss
}

// NewExecutor binds the executor to its model and loss collaborators.
func NewExecutor(model Model, loss Loss) *Executor {
	return &Executor{model: model, loss: loss}
}

// Step computes the weighted loss for one micro-batch, differentiates with
// respect to the parameters and applies one in-place optimizer update
// scaled by scale (1 / gradient-accumulation factor). Returns the loss
// value. Any numerical or allocation failure propagates.
func (e *Executor) Step(ctx context.Context, ts *TrainState, in, out *tensor.Tensor, w Weights, scale float64) (float64, error) {
	if err := stepSem.Acquire(ctx, 1); err != nil {
		return 0, err
	}
	defer stepSem.Release(1)

	ts.Params.ZeroGrad()
	loss, newState, err := e.loss.Eval(e.model, ts.Params, ts.State, in, out, w)
	if err != nil {
		return 0, errors.Wrap(err, "loss evaluation")
	}
	ts.State = newState
	if err := ts.Opt.Step(ts.Params, scale); err != nil {
		return 0, errors.Wrap(err, "optimizer update")
	}
	observability.Default.IncCounter("gradient_steps_total", nil, 1)
	return loss, nil
}
