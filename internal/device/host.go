package device

import (
	"context"
	"os"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"

	"github.com/example/segtrain/internal/tensor"
)

// Host is an allocator backed by ordinary process memory. It is the default
// when no real accelerator is attached: LiveBytes reads the Go heap, and the
// soft/hard ceilings come from configuration (or a fraction of host memory
// when unset).
type Host struct {
	mu     sync.Mutex
	limits Limits
	staged uint64
}

// NewHost builds a host allocator. Zero soft/hard select defaults derived
// from /proc/meminfo: soft = 50% and hard = 80% of total host memory, with a
// 1 GiB floor when the meminfo read fails.
func NewHost(soft, hard uint64) *Host {
	if soft == 0 || hard == 0 {
		total := hostTotalBytes()
		if total == 0 {
			total = 2 << 30
		}
		if soft == 0 {
			soft = total / 2
		}
		if hard == 0 {
			hard = total * 8 / 10
		}
	}
	if hard < soft {
		hard = soft
	}
	return &Host{limits: Limits{Soft: soft, Hard: hard}}
}

func (h *Host) LiveBytes() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc
}

func (h *Host) Limits() Limits { return h.limits }

// Reclaim forces a collection and returns freed pages to the OS, so probe
// measurements are not poisoned by fragmentation.
func (h *Host) Reclaim() {
	runtime.GC()
	debug.FreeOSMemory()
}

func (h *Host) Stage(_ context.Context, b *tensor.Batch) (func(), error) {
	need := b.Bytes()
	h.mu.Lock()
	defer h.mu.Unlock()
	live := h.LiveBytes() + h.staged
	if live+need > h.limits.Hard {
		return nil, &OOMError{Requested: need, Live: live, Limit: h.limits.Hard}
	}
	h.staged += need
	return func() {
		h.mu.Lock()
		if h.staged >= need {
			h.staged -= need
		} else {
			h.staged = 0
		}
		h.mu.Unlock()
	}, nil
}

// HostMemoryUtilization reports used host memory as a percentage, parsed
// from /proc/meminfo. Returns 0 when the file is unavailable (non-Linux), so
// callers treat unknown as unconstrained.
func HostMemoryUtilization() float64 {
	b, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0
	}
	var totalKB, availKB float64
	for _, line := range strings.Split(string(b), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			totalKB, _ = strconv.ParseFloat(fields[1], 64)
		case "MemAvailable:":
			availKB, _ = strconv.ParseFloat(fields[1], 64)
		}
	}
	if totalKB <= 0 || availKB < 0 {
		return 0
	}
	used := ((totalKB - availKB) / totalKB) * 100.0
	if used < 0 {
		used = 0
	}
	if used > 100 {
		used = 100
	}
	return used
}

func hostTotalBytes() uint64 {
	b, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0
	}
	for _, line := range strings.Split(string(b), "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[0] == "MemTotal:" {
			kb, err := strconv.ParseUint(fields[1], 10, 64)
			if err != nil {
				return 0
			}
			return kb * 1024
		}
	}
	return 0
}
