package autograd

import "github.com/explainlab/relprop/pkg/tensor"

// addOp is the elementwise sum of two values. It exists for models whose
// trunks merge, such as residual connections; gradients split unchanged
// onto both branches.
type addOp struct{}

func (addOp) Name() string { return "add" }

func (addOp) Forward(inputs ...*tensor.Tensor) *tensor.Tensor {
	return tensor.Add(inputs[0], inputs[1])
}

func (addOp) VJP(inputs []*tensor.Tensor, output, grad *tensor.Tensor) []*tensor.Tensor {
	return []*tensor.Tensor{grad.Clone(), grad.Clone()}
}

// AddValues records the elementwise sum of a and b.
func AddValues(a, b *Value) *Value {
	return Apply(addOp{}, a, b)
}
