// Package autograd is the reverse-mode differentiation runtime the
// attribution engine drives. It records operator applications into a value
// graph, computes vector-Jacobian products in reverse topological order,
// and exposes the interception points the engine needs: forward,
// forward-pre, and backward hooks on operators, and gradient relays on
// individual values, all with removable handles.
//
// The runtime is single-threaded per graph: values, hooks, and relays
// carry no locking, and a graph must not be shared between concurrent
// backward passes.
package autograd

import (
	"fmt"

	"github.com/explainlab/relprop/pkg/tensor"
)

// Op is a differentiable operator. Forward computes the output tensor from
// input tensors; VJP maps the output-side gradient to one gradient per
// input, given the tensors captured at record time.
type Op interface {
	Name() string
	Forward(inputs ...*tensor.Tensor) *tensor.Tensor
	VJP(inputs []*tensor.Tensor, output, grad *tensor.Tensor) []*tensor.Tensor
}

// Value is one node of the recorded computation graph: a tensor plus the
// operator application that produced it. Leaf values (model inputs) have
// no producer.
type Value struct {
	Tensor *tensor.Tensor

	producer     *node
	requiresGrad bool
	relays       []*relayEntry
	relaySeq     int
}

// node captures one operator application.
type node struct {
	op     Op
	inputs []*Value
	// ins holds the input tensors as the operator saw them, after any
	// forward-pre hook rewrote their data.
	ins []*tensor.Tensor
}

// NewLeaf wraps a tensor as a graph leaf.
func NewLeaf(t *tensor.Tensor) *Value {
	return &Value{Tensor: t}
}

// Leaf reports whether v is a graph input rather than an operator output.
func (v *Value) Leaf() bool {
	return v.producer == nil
}

// RequiresGrad reports whether backward passes propagate into v.
func (v *Value) RequiresGrad() bool {
	return v.requiresGrad
}

// SetRequiresGrad toggles gradient tracking for v. On non-leaf values the
// flag is derived from the inputs at record time and toggling is a no-op
// discouraged by convention; the engine only toggles leaves.
func (v *Value) SetRequiresGrad(on bool) {
	v.requiresGrad = on
}

// Producer returns the operator that produced v, or nil for leaves.
func (v *Value) Producer() Op {
	if v.producer == nil {
		return nil
	}
	return v.producer.op
}

// Apply records one operator application: fires op's forward-pre hooks
// (which may rewrite input data in place), computes the forward result,
// then fires forward hooks (which may substitute the output value).
func Apply(op Op, inputs ...*Value) *Value {
	carrier, hooked := op.(HookCarrier)
	if hooked {
		carrier.HookSet().firePre(op, inputs)
	}

	ins := make([]*tensor.Tensor, len(inputs))
	requires := false
	for i, in := range inputs {
		ins[i] = in.Tensor
		requires = requires || in.requiresGrad
	}

	out := &Value{
		Tensor:       op.Forward(ins...),
		producer:     &node{op: op, inputs: inputs, ins: ins},
		requiresGrad: requires,
	}

	if hooked {
		if replacement := carrier.HookSet().fireForward(op, inputs, out); replacement != nil {
			out = replacement
		}
	}
	return out
}

// Backward propagates seed from root to every reachable value that
// requires gradient and returns the accumulated leaf-side gradients. The
// seed must be shaped like root's tensor.
//
// Per value, in reverse topological order: relays registered by consumers
// fire first (newest first), defining the gradient reported to backward
// hooks as grad-output; then relays registered by the producing operator
// itself; then the operator's VJP; then backward hooks, whose non-nil
// result replaces the input-side gradients.
func Backward(root *Value, seed *tensor.Tensor) (map[*Value]*tensor.Tensor, error) {
	if root.producer == nil {
		return nil, fmt.Errorf("autograd: backward from a leaf value")
	}
	if !seed.Shape.Equal(root.Tensor.Shape) {
		return nil, fmt.Errorf("autograd: seed shape %v against output shape %v", seed.Shape, root.Tensor.Shape)
	}

	order := topoOrder(root)
	grads := map[*Value]*tensor.Tensor{root: seed.Clone()}

	for i := len(order) - 1; i >= 0; i-- {
		v := order[i]
		g, ok := grads[v]
		if !ok {
			continue
		}
		n := v.producer

		g = v.fireRelays(g, n.op, false)
		gradOutput := g
		g = v.fireRelays(g, n.op, true)

		gradInput := n.op.VJP(n.ins, v.Tensor, g)
		if len(gradInput) != len(n.inputs) {
			return nil, fmt.Errorf("autograd: %s produced %d input gradients for %d inputs", n.op.Name(), len(gradInput), len(n.inputs))
		}

		if carrier, hooked := n.op.(HookCarrier); hooked {
			gradInput = carrier.HookSet().fireBackward(n.op, gradInput, gradOutput)
			if len(gradInput) != len(n.inputs) {
				return nil, fmt.Errorf("autograd: backward hook on %s replaced %d input gradients with a different arity", n.op.Name(), len(n.inputs))
			}
		}

		for j, in := range n.inputs {
			if !in.requiresGrad || gradInput[j] == nil {
				continue
			}
			if acc, ok := grads[in]; ok {
				tensor.AccumulateInto(acc, gradInput[j])
			} else {
				grads[in] = gradInput[j].Clone()
			}
		}
		// Interior gradients are not part of the result; keeping them
		// would pin every intermediate tensor until the caller drops the map.
		if v != root {
			delete(grads, v)
		}
	}

	leafGrads := make(map[*Value]*tensor.Tensor)
	for v, g := range grads {
		if v.Leaf() {
			leafGrads[v] = g
		}
	}
	return leafGrads, nil
}

// topoOrder returns all non-leaf values reachable from root in forward
// (dependency) order.
func topoOrder(root *Value) []*Value {
	var order []*Value
	seen := make(map[*Value]bool)

	var visit func(v *Value)
	visit = func(v *Value) {
		if v == nil || seen[v] || v.producer == nil {
			return
		}
		seen[v] = true
		for _, in := range v.producer.inputs {
			visit(in)
		}
		order = append(order, v)
	}
	visit(root)
	return order
}

// ApplyGradientRequirements turns gradient tracking on for every input and
// returns the prior flags so the caller can restore them.
func ApplyGradientRequirements(inputs []*Value) []bool {
	prior := make([]bool, len(inputs))
	for i, in := range inputs {
		prior[i] = in.requiresGrad
		in.requiresGrad = true
	}
	return prior
}

// UndoGradientRequirements restores flags recorded by
// ApplyGradientRequirements.
func UndoGradientRequirements(inputs []*Value, prior []bool) {
	for i, in := range inputs {
		if i < len(prior) {
			in.requiresGrad = prior[i]
		}
	}
}
