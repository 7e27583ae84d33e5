package train

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	uatomic "go.uber.org/atomic"

	"github.com/example/segtrain/internal/artifact"
	"github.com/example/segtrain/internal/device"
	"github.com/example/segtrain/internal/sched"
	"github.com/example/segtrain/internal/state"
	"github.com/example/segtrain/internal/supply"
	"github.com/example/segtrain/internal/tensor"
	"github.com/example/segtrain/pkg/trainapi"
)

// sumSupplier produces batches labeled y = x1 + x2 from a locked rng; pool
// workers call it concurrently.
func sumSupplier(seed int64, batchLen int) supply.Supplier {
	var mu sync.Mutex
	rng := rand.New(rand.NewSource(seed))
	return func(ctx context.Context) (*tensor.Batch, error) {
		mu.Lock()
		defer mu.Unlock()
		in := tensor.NewRand(rng, 1, batchLen, 2)
		out := tensor.New(batchLen, 1)
		for r := 0; r < batchLen; r++ {
			out.Data()[r] = in.Data()[r*2] + in.Data()[r*2+1]
		}
		return &tensor.Batch{In: in, Out: out}, nil
	}
}

func quietPool() supply.Options {
	return supply.Options{
		InitialWorkers:    1,
		MaxWorkers:        2,
		MemoryUtilization: func() float64 { return 10 },
	}
}

func testOrchestrator(t *testing.T, m *LinearModel, init Initializer, opts RunOptions, cp artifact.Store, cb Callback) (*Orchestrator, *state.MemoryStore) {
	t.Helper()
	exec := NewExecutor(m, WeightedMSE{})
	alloc := device.NewSynthetic(device.Limits{Soft: 1 << 16, Hard: 1 << 17}, 1, 0)
	sizer := NewSizer(alloc, exec, probeFor(m), opts.Weights)
	store := state.NewMemoryStore()
	o := NewOrchestrator(exec, sizer, init, sumSupplier(opts.Seed, 8), quietPool(), nil, store, cp, cb, opts)
	return o, store
}

func TestRunCompletes(t *testing.T) {
	m := &LinearModel{InDim: 2, OutDim: 1}
	opts := RunOptions{
		Experiment:      "sum",
		Epochs:          2,
		BatchesPerEpoch: 3,
		RequestedBatch:  4,
		Seed:            5,
		Policy:          sched.Policy{TestProbability: 0, TimeStabilized: time.Hour},
	}
	o, store := testOrchestrator(t, m, NewLinearInit(m, 0.05), opts, nil, nil)

	rec, err := o.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, trainapi.RunCompleted, rec.Status)
	require.Equal(t, int64(2*3*8), rec.Observations)
	require.Equal(t, 4, rec.MemoryFactor)
	require.False(t, math.IsNaN(rec.LastLoss))

	trs, err := store.ListTransitions(context.Background(), rec.ID)
	require.NoError(t, err)
	var phases []string
	for _, tr := range trs {
		phases = append(phases, tr.To)
	}
	require.Equal(t, []string{
		trainapi.PhaseCalibrate,
		trainapi.PhaseTrain, trainapi.PhaseValidate,
		trainapi.PhaseTrain, trainapi.PhaseValidate,
	}, phases)
}

func TestCallbackSeesEveryMicroBatch(t *testing.T) {
	m := &LinearModel{InDim: 2, OutDim: 1}
	var steps uatomic.Int64
	var obs uatomic.Int64
	cb := func(ev StepEvent) {
		steps.Inc()
		obs.Add(int64(ev.ObservationDelta))
	}
	opts := RunOptions{
		Experiment:      "sum",
		Epochs:          1,
		BatchesPerEpoch: 2,
		RequestedBatch:  1,
		Seed:            9,
		Policy:          sched.Policy{TestProbability: 0, TimeStabilized: time.Hour},
	}
	o, _ := testOrchestrator(t, m, NewLinearInit(m, 0.05), opts, nil, cb)

	_, err := o.Run(context.Background())
	require.NoError(t, err)
	// Memory factor 1 forces granularity 1: one callback per example.
	require.Equal(t, int64(2*8), steps.Load())
	require.Equal(t, int64(2*8), obs.Load())
}

// poisonedInit returns NaN parameters for the first n attempts, then
// delegates to the real initializer.
func poisonedInit(m *LinearModel, n int) Initializer {
	real := NewLinearInit(m, 0.05)
	calls := 0
	return func(rng *rand.Rand) *TrainState {
		calls++
		ts := real(rng)
		if calls <= n {
			for _, tn := range ts.Params.Tensors {
				for i := range tn.Data() {
					tn.Data()[i] = math.NaN()
				}
			}
		}
		return ts
	}
}

func TestRunRestartsOnNaNValidation(t *testing.T) {
	m := &LinearModel{InDim: 2, OutDim: 1}
	opts := RunOptions{
		Experiment:      "sum",
		Epochs:          1,
		BatchesPerEpoch: 1,
		RequestedBatch:  2,
		MaxRestarts:     3,
		Seed:            13,
		Policy:          sched.Policy{TestProbability: 0, TimeStabilized: time.Hour},
	}
	o, store := testOrchestrator(t, m, poisonedInit(m, 1), opts, nil, nil)

	rec, err := o.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, trainapi.RunCompleted, rec.Status)

	runs, err := store.ListRuns(context.Background(), "sum")
	require.NoError(t, err)
	require.Len(t, runs, 2)
	restarted := 0
	for _, r := range runs {
		if r.Status == trainapi.RunRestarted {
			restarted++
			require.Equal(t, "non-finite validation loss", r.Message)
		}
	}
	require.Equal(t, 1, restarted)
}

func TestRunFailsWhenRestartBudgetExhausted(t *testing.T) {
	m := &LinearModel{InDim: 2, OutDim: 1}
	opts := RunOptions{
		Experiment:      "sum",
		Epochs:          1,
		BatchesPerEpoch: 1,
		RequestedBatch:  2,
		MaxRestarts:     1,
		Seed:            13,
		Policy:          sched.Policy{TestProbability: 0, TimeStabilized: time.Hour},
	}
	o, store := testOrchestrator(t, m, poisonedInit(m, 100), opts, nil, nil)

	rec, err := o.Run(context.Background())
	require.Error(t, err)
	require.Equal(t, trainapi.RunFailed, rec.Status)
	require.Equal(t, "restart budget exhausted", rec.Message)

	runs, err := store.ListRuns(context.Background(), "sum")
	require.NoError(t, err)
	require.Len(t, runs, 2)
}

func TestCompletedRunCheckpointsParameters(t *testing.T) {
	m := &LinearModel{InDim: 2, OutDim: 1}
	checkpoints := artifact.NewLocal(t.TempDir())
	opts := RunOptions{
		Experiment:      "sum",
		Epochs:          2,
		BatchesPerEpoch: 2,
		RequestedBatch:  4,
		Seed:            17,
		Policy:          sched.Policy{TestProbability: 0, TimeStabilized: time.Hour},
	}
	o, _ := testOrchestrator(t, m, NewLinearInit(m, 0.05), opts, checkpoints, nil)

	rec, err := o.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, trainapi.RunCompleted, rec.Status)

	cp, err := checkpoints.Load(context.Background(), rec.ID, rec.Epoch)
	require.NoError(t, err)
	require.Equal(t, "sum", cp.Experiment)
	require.Len(t, cp.Params, 2)
	require.Equal(t, []int{2, 1}, cp.Params[0].Shape)
	require.Len(t, cp.Params[0].Data, 2)
	require.Equal(t, []int{1}, cp.Params[1].Shape)
	require.NotEmpty(t, cp.State["batches_seen"].Data)
	require.GreaterOrEqual(t, cp.State["batches_seen"].Data[0], 1.0)
}

func TestFirstMacroBatchRunsAtCalibratedGranularity(t *testing.T) {
	m := &LinearModel{InDim: 2, OutDim: 1}
	var mu sync.Mutex
	var deltas []int
	cb := func(ev StepEvent) {
		mu.Lock()
		deltas = append(deltas, ev.ObservationDelta)
		mu.Unlock()
	}
	opts := RunOptions{
		Experiment:      "sum",
		Epochs:          1,
		BatchesPerEpoch: 2,
		RequestedBatch:  4,
		Seed:            23,
		Policy:          sched.Policy{TestProbability: 0, TimeStabilized: time.Hour},
	}
	o, _ := testOrchestrator(t, m, NewLinearInit(m, 0.05), opts, nil, cb)

	_, err := o.Run(context.Background())
	require.NoError(t, err)

	// The scheduler is only consulted after a macro-batch completes, so the
	// first 8 observations run at the calibrated granularity of 4.
	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(deltas), 2)
	require.Equal(t, []int{4, 4}, deltas[:2])
}

func TestProgressAccumulatesObservations(t *testing.T) {
	p := NewProgress(time.Hour, 100)
	p.Observe(StepEvent{ObservationDelta: 8, Loss: 0.5})
	p.Observe(StepEvent{ObservationDelta: 4, Loss: 0.25})
	require.Equal(t, int64(12), p.observations.Load())
	require.Equal(t, 0.25, math.Float64frombits(p.lossBits.Load()))

	p.Start(context.Background())
	p.Stop()
}
