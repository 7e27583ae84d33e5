package observability

import (
	"strings"
	"testing"
)

func TestRenderPrometheus(t *testing.T) {
	r := NewRegistry()
	r.IncCounter("reporter_flushes_total", map[string]string{"kind": "performance"}, 3)
	r.SetGauge("supplier_live_workers", map[string]string{"pool": "train"}, 2)

	out := r.RenderPrometheus()
	if !strings.Contains(out, `reporter_flushes_total{kind="performance"} 3`) {
		t.Fatalf("missing flush counter in output: %s", out)
	}
	if !strings.Contains(out, `supplier_live_workers{pool="train"} 2`) {
		t.Fatalf("missing worker gauge in output: %s", out)
	}
}

func TestCounterValueAndReset(t *testing.T) {
	r := NewRegistry()
	r.IncCounter("calibration_probes_total", nil, 1)
	r.IncCounter("calibration_probes_total", nil, 4)
	if got := r.CounterValue("calibration_probes_total", nil); got != 5 {
		t.Fatalf("expected counter value 5, got %v", got)
	}
	r.Reset()
	if got := r.CounterValue("calibration_probes_total", nil); got != 0 {
		t.Fatalf("expected reset counter, got %v", got)
	}
}
