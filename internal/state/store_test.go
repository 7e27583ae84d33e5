package state

import (
	"context"
	"testing"
)

func TestMemoryStoreRunLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	run := RunRecord{ID: "run-1", Experiment: "liver", Status: "running", Phase: "setup"}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, ok, err := s.GetRun(ctx, "run-1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Fatalf("timestamps not set: %+v", got)
	}

	got.Phase = "train"
	got.Epoch = 3
	if err := s.UpdateRun(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}
	got2, _, _ := s.GetRun(ctx, "run-1")
	if got2.Epoch != 3 || got2.Phase != "train" {
		t.Fatalf("update not applied: %+v", got2)
	}
	if got2.UpdatedAt.Before(got.CreatedAt) {
		t.Fatalf("UpdatedAt went backwards")
	}
}

func TestMemoryStoreListFiltersByExperiment(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.CreateRun(ctx, RunRecord{ID: "a", Experiment: "liver"})
	_ = s.CreateRun(ctx, RunRecord{ID: "b", Experiment: "spleen"})
	_ = s.CreateRun(ctx, RunRecord{ID: "c", Experiment: "liver"})

	runs, err := s.ListRuns(ctx, "liver")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 liver runs, got %d", len(runs))
	}
	all, _ := s.ListRuns(ctx, "")
	if len(all) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(all))
	}
}

func TestMemoryStoreTransitionsOrdered(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for _, to := range []string{"calibrate", "train", "validate"} {
		if err := s.AppendTransition(ctx, TransitionRecord{RunID: "run-1", To: to}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	_ = s.AppendTransition(ctx, TransitionRecord{RunID: "other", To: "train"})

	trs, err := s.ListTransitions(ctx, "run-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(trs) != 3 {
		t.Fatalf("expected 3 transitions, got %d", len(trs))
	}
	for i, tr := range trs {
		if tr.ID != int64(i+1) {
			t.Fatalf("ids not monotonic: %+v", trs)
		}
		if tr.At.IsZero() {
			t.Fatalf("At not defaulted")
		}
	}
}
