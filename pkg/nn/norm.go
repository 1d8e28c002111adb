package nn

import (
	"fmt"
	"math"

	"github.com/explainlab/relprop/pkg/autograd"
	"github.com/explainlab/relprop/pkg/tensor"
)

// BatchNorm2D normalizes per channel using frozen running statistics, the
// inference-mode behavior of batch normalization:
//
//	y = (x - mean) / sqrt(var + eps) * gamma + beta
type BatchNorm2D struct {
	autograd.Hooks

	Features int
	Gamma    *tensor.Tensor
	Beta     *tensor.Tensor
	Mean     *tensor.Tensor
	Var      *tensor.Tensor
	Eps      float64
}

// NewBatchNorm2D builds an identity-initialized batch norm over the given
// channel count.
func NewBatchNorm2D(features int) *BatchNorm2D {
	return &BatchNorm2D{
		Features: features,
		Gamma:    tensor.Full(1, features),
		Beta:     tensor.Zeros(features),
		Mean:     tensor.Zeros(features),
		Var:      tensor.Full(1, features),
		Eps:      1e-5,
	}
}

func (n *BatchNorm2D) Kind() LayerKind    { return KindBatchNorm2D }
func (n *BatchNorm2D) Children() []Module { return nil }

func (n *BatchNorm2D) Name() string {
	return fmt.Sprintf("batchnorm2d(%d)", n.Features)
}

func (n *BatchNorm2D) Weight() *tensor.Tensor { return n.Gamma }
func (n *BatchNorm2D) Bias() *tensor.Tensor   { return n.Beta }

func (n *BatchNorm2D) CloneModule() Module {
	return &BatchNorm2D{
		Features: n.Features,
		Gamma:    n.Gamma.Clone(),
		Beta:     n.Beta.Clone(),
		Mean:     n.Mean.Clone(),
		Var:      n.Var.Clone(),
		Eps:      n.Eps,
	}
}

// channelScale folds gamma and the running variance into one multiplier
// per channel.
func (n *BatchNorm2D) channelScale(c int) float64 {
	return n.Gamma.Data[c] / math.Sqrt(n.Var.Data[c]+n.Eps)
}

func (n *BatchNorm2D) Forward(inputs ...*tensor.Tensor) *tensor.Tensor {
	x := inputs[0]
	checkRank(x, 4, "batchnorm2d")
	if x.Shape[1] != n.Features {
		panic(fmt.Sprintf("nn: batchnorm2d expects %d channels, got %d", n.Features, x.Shape[1]))
	}

	batch, ch, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	y := tensor.ZerosLike(x)
	plane := h * w
	for c := 0; c < ch; c++ {
		scale := n.channelScale(c)
		shift := n.Beta.Data[c] - n.Mean.Data[c]*scale
		for b := 0; b < batch; b++ {
			base := (b*ch + c) * plane
			for i := 0; i < plane; i++ {
				y.Data[base+i] = x.Data[base+i]*scale + shift
			}
		}
	}
	return y
}

func (n *BatchNorm2D) VJP(inputs []*tensor.Tensor, output, grad *tensor.Tensor) []*tensor.Tensor {
	x := inputs[0]
	batch, ch := x.Shape[0], x.Shape[1]
	plane := x.Shape[2] * x.Shape[3]
	gx := tensor.ZerosLike(x)
	for c := 0; c < ch; c++ {
		scale := n.channelScale(c)
		for b := 0; b < batch; b++ {
			base := (b*ch + c) * plane
			for i := 0; i < plane; i++ {
				gx.Data[base+i] = grad.Data[base+i] * scale
			}
		}
	}
	return []*tensor.Tensor{gx}
}
