// Command segtrain runs the training orchestrator against the reference
// linear model with synthetically generated segmentation patches. Real
// models plug in through the train.Model and train.Loss interfaces.
package main

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/example/segtrain/internal/artifact"
	"github.com/example/segtrain/internal/config"
	"github.com/example/segtrain/internal/device"
	"github.com/example/segtrain/internal/observability"
	"github.com/example/segtrain/internal/report"
	"github.com/example/segtrain/internal/state"
	"github.com/example/segtrain/internal/supply"
	"github.com/example/segtrain/internal/tensor"
	"github.com/example/segtrain/internal/train"
	"github.com/example/segtrain/pkg/trainapi"
)

var version = "dev"

const (
	patchDim   = 16
	numClasses = 2
	batchLen   = 32
)

func main() {
	var cfgPath string

	root := &cobra.Command{
		Use:   "segtrain",
		Short: "Training orchestrator for segmentation experiments",
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to YAML config")

	root.AddCommand(
		trainCmd(&cfgPath),
		calibrateCmd(&cfgPath),
		versionCmd(),
	)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func trainCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "train",
		Short: "Run a full training run: calibrate, train, validate",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			shutdown, err := observability.InitTracingFromEnv("segtrain")
			if err != nil {
				return err
			}
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					log.Printf("tracer shutdown: %v", err)
				}
			}()

			return runTraining(ctx, cfg)
		},
	}
}

func calibrateCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "calibrate",
		Short: "Only calibrate the memory factor and print it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			model := &train.LinearModel{InDim: patchDim, OutDim: numClasses}
			exec := train.NewExecutor(model, train.WeightedMSE{})
			sizer := train.NewSizer(device.NewHost(0, 0), exec, probeBatch(model), weightsFor(cfg))
			ts := train.NewLinearInit(model, 0.01)(rand.New(rand.NewSource(cfg.Seed)))

			factor, err := sizer.Calibrate(cmd.Context(), ts, cfg.RequestedBatch)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "memory factor: %d\n", factor)
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the segtrain version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func runTraining(ctx context.Context, cfg config.Config) error {
	model := &train.LinearModel{InDim: patchDim, OutDim: numClasses}
	exec := train.NewExecutor(model, train.WeightedMSE{})
	alloc := device.NewHost(0, 0)
	sizer := train.NewSizer(alloc, exec, probeBatch(model), weightsFor(cfg))
	store := state.NewMemoryStore()

	checkpoints, err := checkpointStore(ctx, cfg)
	if err != nil {
		return err
	}

	progress := train.NewProgress(cfg.ProgressEvery, int64(cfg.Epochs*cfg.BatchesPerEpoch*batchLen))
	progress.Start(ctx)
	defer progress.Stop()

	reporters := report.Compose(
		report.NewError(batchLen*cfg.BatchesPerEpoch, logSnapshot),
		report.NewPerformance(batchLen*cfg.BatchesPerEpoch, logSnapshot),
	)
	defer reporters.Stop()

	callback := func(ev train.StepEvent) {
		progress.Observe(ev)
		reporters.Update(report.Sample{
			Loss:         ev.Loss,
			Throughput:   ev.AbsolutePerformance,
			Observations: ev.ObservationDelta,
		})
	}

	o := train.NewOrchestrator(
		exec, sizer,
		train.NewLinearInit(model, 0.01),
		syntheticSupplier(cfg.Seed),
		supply.Options{
			InitialWorkers:  cfg.InitialWorkers,
			MaxWorkers:      cfg.MaxWorkers,
			MemoryHighWater: cfg.MemoryHighWater,
		},
		nil,
		store,
		checkpoints,
		callback,
		train.RunOptions{
			Experiment:      cfg.Experiment,
			Epochs:          cfg.Epochs,
			BatchesPerEpoch: cfg.BatchesPerEpoch,
			RequestedBatch:  cfg.RequestedBatch,
			MaxRestarts:     cfg.MaxRestarts,
			Seed:            cfg.Seed,
			Weights:         weightsFor(cfg),
			Policy:          cfg.Scheduler,
		},
	)

	rec, err := o.Run(ctx)
	if err != nil {
		return err
	}
	log.Printf("run %s %s: %d observations, final loss %.6f",
		rec.ID, rec.Status, rec.Observations, rec.LastLoss)

	if cfg.MetricsDump {
		fmt.Print(observability.Default.RenderPrometheus())
	}
	return nil
}

func checkpointStore(ctx context.Context, cfg config.Config) (artifact.Store, error) {
	switch cfg.CheckpointBackend {
	case "minio":
		return artifact.NewMinIO(ctx, artifact.MinIOConfig{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			Bucket:    cfg.MinIOBucket,
			UseSSL:    cfg.MinIOUseSSL,
		})
	default:
		return artifact.NewLocal(cfg.CheckpointRoot), nil
	}
}

func weightsFor(cfg config.Config) train.Weights {
	return train.Weights{Class: cfg.ClassWeights}
}

func probeBatch(m *train.LinearModel) train.ProbeBatch {
	return func(n int) *tensor.Batch {
		return &tensor.Batch{
			In:  tensor.New(n, m.InDim),
			Out: tensor.New(n, m.OutDim),
		}
	}
}

// syntheticSupplier produces patches whose reference segmentation follows a
// fixed linear map plus noise, so the demo run has something learnable.
func syntheticSupplier(seed int64) supply.Supplier {
	var mu sync.Mutex
	rng := rand.New(rand.NewSource(seed))
	truth := tensor.NewRand(rand.New(rand.NewSource(seed+1)), 0.5, patchDim, numClasses)
	return func(ctx context.Context) (*tensor.Batch, error) {
		mu.Lock()
		defer mu.Unlock()
		in := tensor.NewRand(rng, 1, batchLen, patchDim)
		out := tensor.New(batchLen, numClasses)
		for r := 0; r < batchLen; r++ {
			for j := 0; j < numClasses; j++ {
				sum := rng.NormFloat64() * 0.01
				for i := 0; i < patchDim; i++ {
					sum += in.Data()[r*patchDim+i] * truth.Data()[i*numClasses+j]
				}
				out.Data()[r*numClasses+j] = sum
			}
		}
		return &tensor.Batch{In: in, Out: out}, nil
	}
}

func logSnapshot(s trainapi.Snapshot) {
	n := 0
	for _, o := range s.Observations {
		n += o
	}
	log.Printf("%s snapshot: %d points over %d observations", s.Kind, len(s.Losses)+len(s.Throughput), n)
}
