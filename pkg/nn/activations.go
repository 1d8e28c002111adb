package nn

import (
	"math"

	"github.com/explainlab/relprop/pkg/autograd"
	"github.com/explainlab/relprop/pkg/tensor"
)

// ReLU zeroes negative entries. Its gradient passes only where the input
// was strictly positive.
type ReLU struct {
	autograd.Hooks
}

// NewReLU builds a rectified linear activation.
func NewReLU() *ReLU { return &ReLU{} }

func (r *ReLU) Kind() LayerKind    { return KindReLU }
func (r *ReLU) Name() string       { return "relu" }
func (r *ReLU) Children() []Module { return nil }
func (r *ReLU) CloneModule() Module {
	return &ReLU{}
}

func (r *ReLU) Forward(inputs ...*tensor.Tensor) *tensor.Tensor {
	return tensor.ClampMin(inputs[0], 0)
}

func (r *ReLU) VJP(inputs []*tensor.Tensor, output, grad *tensor.Tensor) []*tensor.Tensor {
	x := inputs[0]
	gx := tensor.ZerosLike(x)
	for i, xv := range x.Data {
		if xv > 0 {
			gx.Data[i] = grad.Data[i]
		}
	}
	return []*tensor.Tensor{gx}
}

// Sigmoid is the logistic activation. Attribution rejects it; it exists so
// models containing one can still run forward.
type Sigmoid struct {
	autograd.Hooks
}

// NewSigmoid builds a logistic activation.
func NewSigmoid() *Sigmoid { return &Sigmoid{} }

func (s *Sigmoid) Kind() LayerKind    { return KindSigmoid }
func (s *Sigmoid) Name() string       { return "sigmoid" }
func (s *Sigmoid) Children() []Module { return nil }
func (s *Sigmoid) CloneModule() Module {
	return &Sigmoid{}
}

func (s *Sigmoid) Forward(inputs ...*tensor.Tensor) *tensor.Tensor {
	return tensor.Apply(inputs[0], func(v float64) float64 {
		return 1 / (1 + math.Exp(-v))
	})
}

func (s *Sigmoid) VJP(inputs []*tensor.Tensor, output, grad *tensor.Tensor) []*tensor.Tensor {
	gx := tensor.ZerosLike(output)
	for i, yv := range output.Data {
		gx.Data[i] = grad.Data[i] * yv * (1 - yv)
	}
	return []*tensor.Tensor{gx}
}

// Tanh is the hyperbolic tangent activation. Attribution rejects it; it
// exists so models containing one can still run forward.
type Tanh struct {
	autograd.Hooks
}

// NewTanh builds a hyperbolic tangent activation.
func NewTanh() *Tanh { return &Tanh{} }

func (t *Tanh) Kind() LayerKind    { return KindTanh }
func (t *Tanh) Name() string       { return "tanh" }
func (t *Tanh) Children() []Module { return nil }
func (t *Tanh) CloneModule() Module {
	return &Tanh{}
}

func (t *Tanh) Forward(inputs ...*tensor.Tensor) *tensor.Tensor {
	return tensor.Apply(inputs[0], math.Tanh)
}

func (t *Tanh) VJP(inputs []*tensor.Tensor, output, grad *tensor.Tensor) []*tensor.Tensor {
	gx := tensor.ZerosLike(output)
	for i, yv := range output.Data {
		gx.Data[i] = grad.Data[i] * (1 - yv*yv)
	}
	return []*tensor.Tensor{gx}
}
