// Package tensor holds the minimal dense tensor and example-batch types the
// training core moves between suppliers, the accelerator and the step
// executor. It is deliberately small: model math lives behind the Model and
// Loss collaborators, not here.
package tensor

import (
	"fmt"
	"math/rand"
)

// Tensor is a dense float64 array in row-major order with an attached
// gradient buffer of the same size. Not safe for concurrent use; the
// training core serializes all mutation behind the step semaphore.
type Tensor struct {
	data  []float64
	grad  []float64
	shape []int
}

// New creates a zero tensor with the given shape. Invalid shapes are
// programmer errors and panic.
func New(shape ...int) *Tensor {
	if len(shape) == 0 {
		panic("tensor: shape cannot be empty")
	}
	size := 1
	for i, dim := range shape {
		if dim <= 0 {
			panic(fmt.Sprintf("tensor: shape[%d] must be positive, got %d", i, dim))
		}
		size *= dim
	}
	shapeCopy := make([]int, len(shape))
	copy(shapeCopy, shape)
	return &Tensor{
		data:  make([]float64, size),
		grad:  make([]float64, size),
		shape: shapeCopy,
	}
}

// NewRand creates a tensor with small normally distributed values drawn from
// rng, for fresh parameter initialization.
func NewRand(rng *rand.Rand, scale float64, shape ...int) *Tensor {
	t := New(shape...)
	for i := range t.data {
		t.data[i] = rng.NormFloat64() * scale
	}
	return t
}

// FromData wraps data in a tensor of the given shape. The slice is copied.
func FromData(data []float64, shape ...int) *Tensor {
	t := New(shape...)
	if len(data) != len(t.data) {
		panic(fmt.Sprintf("tensor: data length %d does not match shape size %d", len(data), len(t.data)))
	}
	copy(t.data, data)
	return t
}

// Shape returns a copy of the tensor's shape.
func (t *Tensor) Shape() []int {
	out := make([]int, len(t.shape))
	copy(out, t.shape)
	return out
}

// Size returns the total number of elements.
func (t *Tensor) Size() int { return len(t.data) }

// Bytes returns the in-memory footprint of data plus gradient.
func (t *Tensor) Bytes() uint64 { return uint64(len(t.data)+len(t.grad)) * 8 }

// Data exposes the backing value slice. Callers must not resize it.
func (t *Tensor) Data() []float64 { return t.data }

// Grad exposes the backing gradient slice. Callers must not resize it.
func (t *Tensor) Grad() []float64 { return t.grad }

// ZeroGrad clears the gradient buffer.
func (t *Tensor) ZeroGrad() {
	for i := range t.grad {
		t.grad[i] = 0
	}
}

// Clone returns a deep copy of the tensor including its gradient.
func (t *Tensor) Clone() *Tensor {
	out := New(t.shape...)
	copy(out.data, t.data)
	copy(out.grad, t.grad)
	return out
}

// Row returns the number of rows (leading dimension). A scalar tensor has
// one row.
func (t *Tensor) Rows() int {
	if len(t.shape) == 0 {
		return 1
	}
	return t.shape[0]
}

// SliceRows returns a view-free copy of rows [from, to) as a new tensor.
// The leading dimension of the result is to-from.
func (t *Tensor) SliceRows(from, to int) *Tensor {
	rows := t.Rows()
	if from < 0 || to > rows || from >= to {
		panic(fmt.Sprintf("tensor: invalid row slice [%d, %d) of %d", from, to, rows))
	}
	rowSize := len(t.data) / rows
	shape := t.Shape()
	shape[0] = to - from
	out := New(shape...)
	copy(out.data, t.data[from*rowSize:to*rowSize])
	return out
}

// Batch is one supplier-produced example set: paired input and output stacks
// with a uniform leading dimension.
type Batch struct {
	In  *Tensor
	Out *Tensor
}

// NewBatch pairs an input and output stack. The leading dimensions must
// agree; a shape mismatch here means the supplier is broken.
func NewBatch(in, out *Tensor) (*Batch, error) {
	if in == nil || out == nil {
		return nil, fmt.Errorf("tensor: batch requires both input and output stacks")
	}
	if in.Rows() != out.Rows() {
		return nil, fmt.Errorf("tensor: batch length mismatch: inputs %d, outputs %d", in.Rows(), out.Rows())
	}
	return &Batch{In: in, Out: out}, nil
}

// Len returns the number of examples in the batch.
func (b *Batch) Len() int { return b.In.Rows() }

// Bytes returns the combined footprint of both stacks.
func (b *Batch) Bytes() uint64 { return b.In.Bytes() + b.Out.Bytes() }

// Slice returns the examples [from, to) as a new batch.
func (b *Batch) Slice(from, to int) *Batch {
	return &Batch{In: b.In.SliceRows(from, to), Out: b.Out.SliceRows(from, to)}
}
