package supply

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/example/segtrain/internal/tensor"
)

func fixedBatch(n int) *tensor.Batch {
	b, err := tensor.NewBatch(tensor.New(n, 2), tensor.New(n, 1))
	if err != nil {
		panic(err)
	}
	return b
}

// noGrow disables elastic scaling by reporting saturated host memory.
func noGrow() float64 { return 100 }

func TestPoolConsumesObservationTargetAndJoins(t *testing.T) {
	pool := NewPool(func(context.Context) (*tensor.Batch, error) {
		return fixedBatch(50), nil
	}, Options{InitialWorkers: 2, MaxWorkers: 2, MemoryUtilization: noGrow})
	pool.Start(context.Background())

	const observationTotal = 100
	seen := 0
	batches := 0
	for seen < observationTotal {
		b, err := pool.Next(context.Background())
		if err != nil {
			t.Fatalf("next batch: %v", err)
		}
		seen += b.Len()
		batches++
	}
	if batches != 2 {
		t.Fatalf("expected exactly 2 batches for 100 observations, got %d", batches)
	}
	pool.Close()

	deadline := time.Now().Add(2 * time.Second)
	for pool.Live() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("orphaned workers after close: %d", pool.Live())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSupplierFailureIsFatalAndJoinsAll(t *testing.T) {
	boom := errors.New("corrupt study archive")
	var calls sync.Map
	pool := NewPool(func(context.Context) (*tensor.Batch, error) {
		calls.Store(time.Now().UnixNano(), true)
		return nil, boom
	}, Options{InitialWorkers: 3, MaxWorkers: 3, MemoryUtilization: noGrow})
	pool.Start(context.Background())

	_, err := pool.Next(context.Background())
	if err == nil {
		t.Fatalf("expected fatal supplier error")
	}
	if !errors.Is(err, boom) {
		t.Fatalf("error must wrap the supplier failure, got %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for pool.Live() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("workers not joined after fatal failure: %d live", pool.Live())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSequentialWithinWorker(t *testing.T) {
	var mu sync.Mutex
	inFlight := 0
	maxInFlight := 0
	pool := NewPool(func(context.Context) (*tensor.Batch, error) {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()
		time.Sleep(time.Duration(rand.Intn(3)) * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return fixedBatch(4), nil
	}, Options{InitialWorkers: 1, MaxWorkers: 1, MemoryUtilization: noGrow})
	pool.Start(context.Background())
	defer pool.Close()

	for i := 0; i < 20; i++ {
		if _, err := pool.Next(context.Background()); err != nil {
			t.Fatalf("next: %v", err)
		}
	}
	if maxInFlight != 1 {
		t.Fatalf("single worker must produce strictly sequentially, saw %d concurrent productions", maxInFlight)
	}
}

func TestElasticGrowth(t *testing.T) {
	block := make(chan struct{})
	pool := NewPool(func(ctx context.Context) (*tensor.Batch, error) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return fixedBatch(1), nil
	}, Options{
		InitialWorkers:    1,
		MaxWorkers:        4,
		MemoryUtilization: func() float64 { return 10 },
	})
	pool.Start(context.Background())
	defer func() {
		close(block)
		pool.Close()
	}()

	// The single worker is stuck producing, so the result channel is empty
	// and Next should grow the pool before blocking.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, _ = pool.Next(ctx)
	if pool.Live() != 2 {
		t.Fatalf("expected elastic growth to 2 workers, got %d", pool.Live())
	}
}

func TestGrowthBlockedByMemoryPressure(t *testing.T) {
	block := make(chan struct{})
	pool := NewPool(func(ctx context.Context) (*tensor.Batch, error) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return fixedBatch(1), nil
	}, Options{
		InitialWorkers:    1,
		MaxWorkers:        4,
		MemoryUtilization: func() float64 { return 95 },
	})
	pool.Start(context.Background())
	defer func() {
		close(block)
		pool.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, _ = pool.Next(ctx)
	if pool.Live() != 1 {
		t.Fatalf("memory pressure must block elastic growth, got %d workers", pool.Live())
	}
}
