package nn

import (
	"fmt"

	"github.com/explainlab/relprop/pkg/autograd"
	"github.com/explainlab/relprop/pkg/tensor"
)

// Flatten collapses all dimensions after the batch dimension.
type Flatten struct {
	autograd.Hooks
}

// NewFlatten builds a batch-preserving flatten.
func NewFlatten() *Flatten { return &Flatten{} }

func (f *Flatten) Kind() LayerKind    { return KindFlatten }
func (f *Flatten) Name() string       { return "flatten" }
func (f *Flatten) Children() []Module { return nil }
func (f *Flatten) CloneModule() Module {
	return &Flatten{}
}

func (f *Flatten) Forward(inputs ...*tensor.Tensor) *tensor.Tensor {
	x := inputs[0]
	if len(x.Shape) < 2 {
		panic(fmt.Sprintf("nn: flatten expects a batched input, got shape %v", x.Shape))
	}
	flat := x.NumElements() / x.Shape[0]
	// Copy rather than view: the graph must not alias the input tensor.
	out, err := x.Clone().Reshape(x.Shape[0], flat)
	if err != nil {
		panic(err)
	}
	return out
}

func (f *Flatten) VJP(inputs []*tensor.Tensor, output, grad *tensor.Tensor) []*tensor.Tensor {
	gx, err := grad.Clone().Reshape(inputs[0].Shape...)
	if err != nil {
		panic(err)
	}
	return []*tensor.Tensor{gx}
}

// Dropout is an identity in inference mode. P records the training-time
// drop probability for manifest round-trips.
type Dropout struct {
	autograd.Hooks

	P float64
}

// NewDropout builds an inference-mode dropout.
func NewDropout(p float64) *Dropout { return &Dropout{P: p} }

func (d *Dropout) Kind() LayerKind    { return KindDropout }
func (d *Dropout) Name() string       { return "dropout" }
func (d *Dropout) Children() []Module { return nil }
func (d *Dropout) CloneModule() Module {
	return &Dropout{P: d.P}
}

func (d *Dropout) Forward(inputs ...*tensor.Tensor) *tensor.Tensor {
	return inputs[0].Clone()
}

func (d *Dropout) VJP(inputs []*tensor.Tensor, output, grad *tensor.Tensor) []*tensor.Tensor {
	return []*tensor.Tensor{grad.Clone()}
}
