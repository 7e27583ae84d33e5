package train

import (
	"context"
	"log"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/segtrain/internal/artifact"
	"github.com/example/segtrain/internal/observability"
	"github.com/example/segtrain/internal/sched"
	"github.com/example/segtrain/internal/state"
	"github.com/example/segtrain/internal/supply"
	"github.com/example/segtrain/internal/tensor"
	"github.com/example/segtrain/pkg/trainapi"
)

// RunOptions configures one orchestrated training run.
type RunOptions struct {
	Experiment      string
	Epochs          int
	BatchesPerEpoch int
	// RequestedBatch is the upper bound handed to calibration; the
	// calibrated memory factor caps micro-batch size and fixes the
	// scheduler's granularity range.
	RequestedBatch int
	MaxRestarts    int
	Seed           int64
	Weights        Weights
	Policy         sched.Policy
}

// Orchestrator drives the phase loop: setup, calibrate, then per epoch a
// training pass and a validation pass. A non-finite validation loss throws
// the whole run away and starts over from a fresh initialization.
type Orchestrator struct {
	exec     *Executor
	sizer    *Sizer
	init     Initializer
	supplier supply.Supplier
	poolOpts supply.Options
	validate    func(ctx context.Context) (*tensor.Batch, error)
	store       state.Store
	checkpoints artifact.Store
	callback    Callback
	opts        RunOptions
}

// NewOrchestrator wires the run. validate supplies the held-out batch; when
// nil the supplier is consulted for one. checkpoints receives the final
// parameters of a completed run; callback and checkpoints may be nil.
func NewOrchestrator(
	exec *Executor,
	sizer *Sizer,
	init Initializer,
	supplier supply.Supplier,
	poolOpts supply.Options,
	validate func(ctx context.Context) (*tensor.Batch, error),
	store state.Store,
	checkpoints artifact.Store,
	callback Callback,
	opts RunOptions,
) *Orchestrator {
	if opts.Epochs < 1 {
		opts.Epochs = 1
	}
	if opts.BatchesPerEpoch < 1 {
		opts.BatchesPerEpoch = 1
	}
	if opts.RequestedBatch < 1 {
		opts.RequestedBatch = 1
	}
	if validate == nil {
		validate = func(ctx context.Context) (*tensor.Batch, error) { return supplier(ctx) }
	}
	if store == nil {
		store = state.NewMemoryStore()
	}
	return &Orchestrator{
		exec:        exec,
		sizer:       sizer,
		init:        init,
		supplier:    supplier,
		poolOpts:    poolOpts,
		validate:    validate,
		store:       store,
		checkpoints: checkpoints,
		callback:    callback,
		opts:        opts,
	}
}

// Run executes the training run, restarting from scratch on non-finite
// validation loss until MaxRestarts is exhausted. Returns the final record
// of the attempt that completed.
func (o *Orchestrator) Run(ctx context.Context) (state.RunRecord, error) {
	rng := rand.New(rand.NewSource(o.opts.Seed))
	var last state.RunRecord
	for attempt := 0; ; attempt++ {
		rec, restart, err := o.attempt(ctx, rng, attempt)
		last = rec
		if err != nil {
			return last, err
		}
		if !restart {
			return last, nil
		}
		if attempt >= o.opts.MaxRestarts {
			last.Status = trainapi.RunFailed
			last.Message = "restart budget exhausted"
			_ = o.store.UpdateRun(ctx, last)
			return last, errors.Errorf("training diverged %d times, giving up", attempt+1)
		}
		log.Printf("run %s diverged, restarting (attempt %d/%d)", rec.ID, attempt+1, o.opts.MaxRestarts)
	}
}

// attempt runs one full pass of the phase loop. restart=true means the
// attempt hit a non-finite validation loss and a fresh one should begin.
func (o *Orchestrator) attempt(ctx context.Context, rng *rand.Rand, attempt int) (state.RunRecord, bool, error) {
	ctx, span := observability.StartSpan(ctx, "orchestrator.run",
		attribute.String("experiment", o.opts.Experiment),
		attribute.Int("attempt", attempt),
	)
	defer span.End()

	rec := state.RunRecord{
		ID:         uuid.NewString(),
		Experiment: o.opts.Experiment,
		Status:     trainapi.RunRunning,
		Phase:      trainapi.PhaseSetup,
	}
	if err := o.store.CreateRun(ctx, rec); err != nil {
		return rec, false, errors.Wrap(err, "create run record")
	}

	ts := o.init(rng)

	if err := o.transition(ctx, &rec, trainapi.PhaseCalibrate, ""); err != nil {
		return rec, false, err
	}
	factor, err := o.sizer.Calibrate(ctx, ts, o.opts.RequestedBatch)
	if err != nil {
		return o.fail(ctx, rec, errors.Wrap(err, "calibration"))
	}
	rec.MemoryFactor = factor
	scheduler := sched.New(factor, o.opts.Policy, rng)

	pool := supply.NewPool(o.supplier, o.poolOpts)
	poolCtx, cancelPool := context.WithCancel(ctx)
	pool.Start(poolCtx)
	defer cancelPool()
	defer pool.Close()

	for epoch := 0; epoch < o.opts.Epochs; epoch++ {
		rec.Epoch = epoch
		if err := o.transition(ctx, &rec, trainapi.PhaseTrain, ""); err != nil {
			return rec, false, err
		}
		if err := o.trainEpoch(ctx, &rec, ts, pool, scheduler); err != nil {
			return o.fail(ctx, rec, err)
		}

		if err := o.transition(ctx, &rec, trainapi.PhaseValidate, ""); err != nil {
			return rec, false, err
		}
		loss, err := o.validationLoss(ctx, ts)
		if err != nil {
			return o.fail(ctx, rec, errors.Wrap(err, "validation"))
		}
		rec.LastLoss = loss
		observability.Default.SetGauge("validation_loss", nil, loss)
		if math.IsNaN(loss) || math.IsInf(loss, 0) {
			rec.Status = trainapi.RunRestarted
			rec.Message = "non-finite validation loss"
			_ = o.store.UpdateRun(ctx, rec)
			observability.Default.IncCounter("run_restarts_total", nil, 1)
			return rec, true, nil
		}
		log.Printf("run %s epoch %d: validation loss %.6f", rec.ID, epoch, loss)
	}

	rec.Status = trainapi.RunCompleted
	if err := o.store.UpdateRun(ctx, rec); err != nil {
		return rec, false, errors.Wrap(err, "finalize run record")
	}
	if o.checkpoints != nil {
		uri, err := o.checkpoints.Save(ctx, newCheckpoint(rec, ts))
		if err != nil {
			return rec, false, errors.Wrap(err, "save checkpoint")
		}
		log.Printf("run %s checkpoint saved to %s", rec.ID, uri)
	}
	return rec, false, nil
}

// newCheckpoint serializes the final training triple of a completed run.
func newCheckpoint(rec state.RunRecord, ts *TrainState) artifact.Checkpoint {
	cp := artifact.Checkpoint{
		RunID:      rec.ID,
		Experiment: rec.Experiment,
		Epoch:      rec.Epoch,
		Loss:       rec.LastLoss,
		State:      map[string]artifact.TensorPayload{},
	}
	for _, t := range ts.Params.Tensors {
		cp.Params = append(cp.Params, tensorPayload(t))
	}
	for name, t := range ts.State.Tensors {
		cp.State[name] = tensorPayload(t)
	}
	return cp
}

func tensorPayload(t *tensor.Tensor) artifact.TensorPayload {
	return artifact.TensorPayload{
		Shape: append([]int(nil), t.Shape()...),
		Data:  append([]float64(nil), t.Data()...),
	}
}

// trainEpoch consumes BatchesPerEpoch macro-batches, splitting each into
// micro-batches at the scheduler's granularity and recording throughput
// back.
func (o *Orchestrator) trainEpoch(ctx context.Context, rec *state.RunRecord, ts *TrainState, pool *supply.Pool, scheduler *sched.Scheduler) error {
	granularity := scheduler.Current()
	for b := 0; b < o.opts.BatchesPerEpoch; b++ {
		batch, err := pool.Next(ctx)
		if err != nil {
			return errors.Wrap(err, "training set supply")
		}
		rec.Granularity = granularity

		start := time.Now()
		loss, err := o.macroStep(ctx, ts, batch, granularity, scheduler.AbsolutePerformance())
		if err != nil {
			return err
		}
		elapsed := time.Since(start).Seconds()
		if elapsed > 0 {
			scheduler.Record(granularity, float64(batch.Len())/elapsed)
		}
		// Decisions only follow completed macro-batches; the first batch of
		// a run always executes at the calibrated granularity.
		if g, _ := scheduler.Pick(ctx); g != granularity {
			granularity = g
		}

		rec.Observations += int64(batch.Len())
		rec.LastLoss = loss
		observability.Default.SetGauge("train_loss", nil, loss)
		observability.Default.IncCounter("train_observations_total", nil, float64(batch.Len()))
	}
	return o.store.UpdateRun(ctx, *rec)
}

// macroStep splits a macro-batch into micro-batches of at most granularity
// examples and runs one accumulation-scaled gradient step per micro-batch.
// Each step is weighted by its share of the macro-batch, so the aggregate
// update equals a single whole-batch step even when the last micro-batch is
// short.
func (o *Orchestrator) macroStep(ctx context.Context, ts *TrainState, batch *tensor.Batch, granularity int, absolute float64) (float64, error) {
	n := batch.Len()
	if granularity < 1 {
		granularity = 1
	}

	total := 0.0
	for off := 0; off < n; off += granularity {
		end := off + granularity
		if end > n {
			end = n
		}
		micro := batch.Slice(off, end)
		scale := float64(micro.Len()) / float64(n)
		loss, err := o.exec.Step(ctx, ts, micro.In, micro.Out, o.opts.Weights, scale)
		if err != nil {
			return 0, errors.Wrap(err, "gradient step")
		}
		total += loss * scale

		if o.callback != nil {
			o.callback(StepEvent{
				Loss:                loss,
				Model:               o.exec.model,
				Train:               ts,
				In:                  micro.In,
				Out:                 micro.Out,
				ObservationDelta:    micro.Len(),
				Devices:             1,
				AbsolutePerformance: absolute,
			})
		}
	}
	return total, nil
}

// validationLoss evaluates the held-out batch on clones so validation never
// perturbs the live parameters or state.
func (o *Orchestrator) validationLoss(ctx context.Context, ts *TrainState) (float64, error) {
	batch, err := o.validate(ctx)
	if err != nil {
		return 0, err
	}
	params := ts.Params.Clone()
	loss, _, err := o.exec.loss.Eval(o.exec.model, params, ts.State.Clone(), batch.In, batch.Out, o.opts.Weights)
	if err != nil {
		return 0, err
	}
	return loss, nil
}

func (o *Orchestrator) transition(ctx context.Context, rec *state.RunRecord, phase, msg string) error {
	tr := state.TransitionRecord{RunID: rec.ID, From: rec.Phase, To: phase, Message: msg}
	rec.Phase = phase
	if err := o.store.AppendTransition(ctx, tr); err != nil {
		return errors.Wrap(err, "append transition")
	}
	return errors.Wrap(o.store.UpdateRun(ctx, *rec), "update run record")
}

func (o *Orchestrator) fail(ctx context.Context, rec state.RunRecord, err error) (state.RunRecord, bool, error) {
	rec.Status = trainapi.RunFailed
	rec.Message = err.Error()
	_ = o.store.UpdateRun(ctx, rec)
	return rec, false, err
}
