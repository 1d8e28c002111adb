package autograd

import (
	"context"
	"fmt"

	"github.com/explainlab/relprop/pkg/tensor"
)

// Model is anything the runtime can differentiate through: a callable that
// records a value graph from inputs to a single output. Extra arguments
// are forwarded untouched and do not participate in differentiation.
type Model interface {
	Forward(inputs []*Value, extra ...any) (*Value, error)
}

// Seeder derives the initial backward gradient from a forward output.
type Seeder interface {
	Seed(output *tensor.Tensor) (*tensor.Tensor, error)
}

// RunForward executes one recorded forward pass.
func RunForward(ctx context.Context, m Model, inputs []*Value, extra ...any) (*Value, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out, err := m.Forward(inputs, extra...)
	if err != nil {
		return nil, fmt.Errorf("forward pass: %w", err)
	}
	if out == nil {
		return nil, fmt.Errorf("forward pass: model returned no output")
	}
	return out, nil
}

// Gradients runs a forward pass, seeds the output via target, and returns
// one gradient per input, aligned with inputs, together with the forward
// output tensor. Inputs that do not reach the output get zero gradients.
func Gradients(ctx context.Context, m Model, inputs []*Value, target Seeder, extra ...any) ([]*tensor.Tensor, *tensor.Tensor, error) {
	out, err := RunForward(ctx, m, inputs, extra...)
	if err != nil {
		return nil, nil, err
	}

	seed, err := target.Seed(out.Tensor)
	if err != nil {
		return nil, nil, err
	}

	leafGrads, err := Backward(out, seed)
	if err != nil {
		return nil, nil, err
	}

	grads := make([]*tensor.Tensor, len(inputs))
	for i, in := range inputs {
		if g, ok := leafGrads[in]; ok {
			grads[i] = g
		} else {
			grads[i] = tensor.ZerosLike(in.Tensor)
		}
	}
	return grads, out.Tensor, nil
}
