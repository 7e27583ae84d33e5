// Package device defines the accelerator allocator contract the training
// core calibrates against, plus host and synthetic implementations.
package device

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/segtrain/internal/tensor"
)

// Limits carries the two accelerator memory ceilings. Soft is the operating
// budget calibration must stay under; Hard is the absolute cap.
type Limits struct {
	Soft uint64
	Hard uint64
}

// ErrOOM marks an accelerator out-of-memory condition. During calibration it
// is a negative probe result, not a failure; during real training it is
// fatal.
var ErrOOM = errors.New("device: out of memory")

// OOMError wraps ErrOOM with the allocation detail that triggered it.
type OOMError struct {
	Requested uint64
	Live      uint64
	Limit     uint64
}

func (e *OOMError) Error() string {
	return fmt.Sprintf("device: out of memory: requested %d bytes with %d live (limit %d)", e.Requested, e.Live, e.Limit)
}

func (e *OOMError) Unwrap() error { return ErrOOM }

// Allocator is the device-memory contract consumed by the batch sizer and
// the orchestrator.
//
// Stage transfers a batch to the device and returns a release func that
// frees the staged copy. A staging failure due to memory pressure satisfies
// errors.Is(err, ErrOOM).
type Allocator interface {
	LiveBytes() uint64
	Limits() Limits
	Reclaim()
	Stage(ctx context.Context, b *tensor.Batch) (release func(), err error)
}
