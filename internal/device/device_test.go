package device

import (
	"context"
	"errors"
	"testing"

	"github.com/example/segtrain/internal/tensor"
)

func syntheticBatch(n int) *tensor.Batch {
	b, err := tensor.NewBatch(tensor.New(n, 2), tensor.New(n, 1))
	if err != nil {
		panic(err)
	}
	return b
}

func TestSyntheticStageLinearCost(t *testing.T) {
	alloc := NewSynthetic(Limits{Soft: 100, Hard: 120}, 10, 20)
	release, err := alloc.Stage(context.Background(), syntheticBatch(5))
	if err != nil {
		t.Fatalf("stage within budget failed: %v", err)
	}
	if got := alloc.LiveBytes(); got != 70 {
		t.Fatalf("expected 70 live bytes, got %d", got)
	}
	release()
	if got := alloc.LiveBytes(); got != 20 {
		t.Fatalf("expected resident-only 20 bytes after release, got %d", got)
	}
}

func TestSyntheticStageOOM(t *testing.T) {
	alloc := NewSynthetic(Limits{Soft: 100, Hard: 120}, 10, 20)
	_, err := alloc.Stage(context.Background(), syntheticBatch(9))
	if err == nil {
		t.Fatalf("expected OOM staging 9 examples over a soft limit of 100")
	}
	if !errors.Is(err, ErrOOM) {
		t.Fatalf("staging failure must satisfy errors.Is(err, ErrOOM), got %v", err)
	}
	var oom *OOMError
	if !errors.As(err, &oom) {
		t.Fatalf("expected *OOMError, got %T", err)
	}
	if oom.Requested != 90 {
		t.Fatalf("expected requested 90 bytes, got %d", oom.Requested)
	}
}

func TestHostStageReleases(t *testing.T) {
	h := NewHost(1<<40, 1<<40)
	release, err := h.Stage(context.Background(), syntheticBatch(4))
	if err != nil {
		t.Fatalf("host stage failed: %v", err)
	}
	release()
	release() // double release must not underflow
	if h.Limits().Soft == 0 || h.Limits().Hard < h.Limits().Soft {
		t.Fatalf("host limits not normalized: %+v", h.Limits())
	}
}
