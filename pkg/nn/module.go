// Package nn provides the operator modules the attribution engine
// traverses: parametric layers, activations, pooling, and the Sequential
// container. Leaf modules are autograd operators; containers expose
// ordered children. All layers run in inference mode.
package nn

import (
	"fmt"

	"github.com/explainlab/relprop/pkg/autograd"
	"github.com/explainlab/relprop/pkg/tensor"
)

// LayerKind identifies a module type. Kinds double as the serialization
// names used by model manifests.
type LayerKind string

const (
	KindSequential        LayerKind = "sequential"
	KindLinear            LayerKind = "linear"
	KindConv2D            LayerKind = "conv2d"
	KindMaxPool2D         LayerKind = "maxpool2d"
	KindAvgPool2D         LayerKind = "avgpool2d"
	KindAdaptiveAvgPool2D LayerKind = "adaptive-avgpool2d"
	KindBatchNorm2D       LayerKind = "batchnorm2d"
	KindReLU              LayerKind = "relu"
	KindSigmoid           LayerKind = "sigmoid"
	KindTanh              LayerKind = "tanh"
	KindFlatten           LayerKind = "flatten"
	KindDropout           LayerKind = "dropout"
)

// Module is one node of the model tree. Containers return their ordered
// children; leaves return none and additionally implement autograd.Op.
type Module interface {
	Kind() LayerKind
	Children() []Module
	CloneModule() Module
}

// Layer is a leaf module: a hookable autograd operator.
type Layer interface {
	Module
	autograd.Op
	autograd.HookCarrier
}

// Parametric is implemented by layers carrying trainable tensors. Either
// accessor may return nil when the layer has no such tensor.
type Parametric interface {
	Weight() *tensor.Tensor
	Bias() *tensor.Tensor
}

// Sequential chains modules; each child consumes the previous child's
// output. Children may be layers or nested containers. It implements
// autograd.Model over a single input.
type Sequential struct {
	children []Module
}

// NewSequential builds a sequential container over the given modules.
func NewSequential(children ...Module) *Sequential {
	return &Sequential{children: children}
}

func (s *Sequential) Kind() LayerKind { return KindSequential }

func (s *Sequential) Children() []Module { return s.children }

// Append adds modules to the end of the chain.
func (s *Sequential) Append(children ...Module) *Sequential {
	s.children = append(s.children, children...)
	return s
}

// CloneModule deep-copies the container and every descendant, dropping any
// registered hooks.
func (s *Sequential) CloneModule() Module {
	clone := &Sequential{children: make([]Module, len(s.children))}
	for i, c := range s.children {
		clone.children[i] = c.CloneModule()
	}
	return clone
}

// Forward records the chain over a single input value.
func (s *Sequential) Forward(inputs []*autograd.Value, extra ...any) (*autograd.Value, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("sequential model takes exactly one input, got %d", len(inputs))
	}
	v := inputs[0]
	for _, c := range s.children {
		switch child := c.(type) {
		case Layer:
			v = autograd.Apply(child, v)
		case autograd.Model:
			var err error
			v, err = child.Forward([]*autograd.Value{v})
			if err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("sequential child %q is neither a layer nor a model", c.Kind())
		}
	}
	return v, nil
}

// Leaves returns the leaf layers of a module tree in forward order.
func Leaves(m Module) []Layer {
	var out []Layer
	var walk func(Module)
	walk = func(mod Module) {
		children := mod.Children()
		if len(children) == 0 {
			if l, ok := mod.(Layer); ok {
				out = append(out, l)
			}
			return
		}
		for _, c := range children {
			walk(c)
		}
	}
	walk(m)
	return out
}

func checkRank(t *tensor.Tensor, rank int, layer string) {
	if len(t.Shape) != rank {
		panic(fmt.Sprintf("nn: %s expects rank-%d input, got shape %v", layer, rank, t.Shape))
	}
}
