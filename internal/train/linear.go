package train

import (
	"math/rand"

	"github.com/pkg/errors"

	"github.com/example/segtrain/internal/tensor"
)

// LinearModel is a single dense layer mapping feature vectors to per-class
// scores. It is the reference collaborator used by the CLI demo and the
// package tests; real segmentation networks plug in through the same Model
// interface.
type LinearModel struct {
	InDim  int
	OutDim int
}

// Apply computes in·W + b. Parameters are [W (InDim×OutDim), b (OutDim)].
// State tracks the number of batches seen, standing in for normalization
// statistics.
func (m *LinearModel) Apply(in *tensor.Tensor, p *Params, st *State) (*tensor.Tensor, *State, error) {
	if len(p.Tensors) != 2 {
		return nil, nil, errors.Errorf("linear model expects 2 parameter tensors, got %d", len(p.Tensors))
	}
	w, b := p.Tensors[0], p.Tensors[1]
	rows := in.Rows()
	out := tensor.New(rows, m.OutDim)
	inData, wData, bData, outData := in.Data(), w.Data(), b.Data(), out.Data()
	for r := 0; r < rows; r++ {
		for j := 0; j < m.OutDim; j++ {
			sum := bData[j]
			for i := 0; i < m.InDim; i++ {
				sum += inData[r*m.InDim+i] * wData[i*m.OutDim+j]
			}
			outData[r*m.OutDim+j] = sum
		}
	}

	newState := st.Clone()
	seen, ok := newState.Tensors["batches_seen"]
	if !ok {
		seen = tensor.New(1)
		newState.Tensors["batches_seen"] = seen
	}
	seen.Data()[0]++
	return out, newState, nil
}

// NewLinearInit returns an initializer for a LinearModel with an SGD
// optimizer, suitable for the orchestrator's restart semantics.
func NewLinearInit(m *LinearModel, lr float64) Initializer {
	return func(rng *rand.Rand) *TrainState {
		return &TrainState{
			Params: &Params{Tensors: []*tensor.Tensor{
				tensor.NewRand(rng, 0.02, m.InDim, m.OutDim),
				tensor.New(m.OutDim),
			}},
			State: NewState(),
			Opt:   &SGD{LR: lr},
		}
	}
}

// WeightedMSE is a per-class weighted mean squared error with an analytic
// gradient for the linear model.
type WeightedMSE struct{}

// Eval runs the model forward and accumulates dLoss/dW and dLoss/db into
// the parameter gradient buffers. Class weights default to 1 when absent.
func (WeightedMSE) Eval(m Model, p *Params, st *State, in, out *tensor.Tensor, w Weights) (float64, *State, error) {
	pred, newState, err := m.Apply(in, p, st)
	if err != nil {
		return 0, nil, err
	}
	lm, ok := m.(*LinearModel)
	if !ok {
		return 0, nil, errors.New("weighted MSE gradient only supports the linear reference model")
	}
	rows := in.Rows()
	n := float64(rows * lm.OutDim)

	weight := func(class int) float64 {
		if class < len(w.Class) {
			return w.Class[class]
		}
		return 1
	}

	wT, bT := p.Tensors[0], p.Tensors[1]
	predData, outData, inData := pred.Data(), out.Data(), in.Data()
	loss := 0.0
	for r := 0; r < rows; r++ {
		for j := 0; j < lm.OutDim; j++ {
			diff := predData[r*lm.OutDim+j] - outData[r*lm.OutDim+j]
			cw := weight(j)
			loss += cw * diff * diff / n
			g := cw * 2 * diff / n
			bT.Grad()[j] += g
			for i := 0; i < lm.InDim; i++ {
				wT.Grad()[i*lm.OutDim+j] += g * inData[r*lm.InDim+i]
			}
		}
	}
	return loss, newState, nil
}

// SGD is plain stochastic gradient descent. scale folds the gradient
// accumulation factor into the step so the effective update is independent
// of micro-batch granularity.
type SGD struct {
	LR          float64
	WeightDecay float64
}

func (o *SGD) Step(p *Params, scale float64) error {
	if scale <= 0 {
		scale = 1
	}
	for _, t := range p.Tensors {
		data, grad := t.Data(), t.Grad()
		for i := range data {
			g := grad[i] + o.WeightDecay*data[i]
			data[i] -= o.LR * scale * g
		}
	}
	return nil
}

func (o *SGD) Clone() Optimizer {
	cp := *o
	return &cp
}
