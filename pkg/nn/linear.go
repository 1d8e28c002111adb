package nn

import (
	"fmt"

	"github.com/explainlab/relprop/pkg/autograd"
	"github.com/explainlab/relprop/pkg/tensor"
)

// Linear is a fully connected layer: y = x·Wᵀ + b, with W shaped
// [out, in] and b shaped [out].
type Linear struct {
	autograd.Hooks

	In  int
	Out int
	W   *tensor.Tensor
	B   *tensor.Tensor
}

// NewLinear builds a zero-initialized fully connected layer.
func NewLinear(in, out int) *Linear {
	return &Linear{
		In:  in,
		Out: out,
		W:   tensor.Zeros(out, in),
		B:   tensor.Zeros(out),
	}
}

func (l *Linear) Kind() LayerKind    { return KindLinear }
func (l *Linear) Name() string       { return fmt.Sprintf("linear(%d->%d)", l.In, l.Out) }
func (l *Linear) Children() []Module { return nil }

func (l *Linear) Weight() *tensor.Tensor { return l.W }
func (l *Linear) Bias() *tensor.Tensor   { return l.B }

func (l *Linear) CloneModule() Module {
	return &Linear{In: l.In, Out: l.Out, W: l.W.Clone(), B: l.B.Clone()}
}

func (l *Linear) Forward(inputs ...*tensor.Tensor) *tensor.Tensor {
	x := inputs[0]
	checkRank(x, 2, "linear")
	if x.Shape[1] != l.In {
		panic(fmt.Sprintf("nn: linear expects %d features, got %d", l.In, x.Shape[1]))
	}

	batch := x.Shape[0]
	y := tensor.Zeros(batch, l.Out)
	for b := 0; b < batch; b++ {
		xRow := x.Data[b*l.In : (b+1)*l.In]
		yRow := y.Data[b*l.Out : (b+1)*l.Out]
		for o := 0; o < l.Out; o++ {
			wRow := l.W.Data[o*l.In : (o+1)*l.In]
			sum := l.B.Data[o]
			for i, xv := range xRow {
				if xv != 0 {
					sum += xv * wRow[i]
				}
			}
			yRow[o] = sum
		}
	}
	return y
}

func (l *Linear) VJP(inputs []*tensor.Tensor, output, grad *tensor.Tensor) []*tensor.Tensor {
	x := inputs[0]
	batch := x.Shape[0]
	gx := tensor.ZerosLike(x)
	for b := 0; b < batch; b++ {
		gRow := grad.Data[b*l.Out : (b+1)*l.Out]
		gxRow := gx.Data[b*l.In : (b+1)*l.In]
		for o, gv := range gRow {
			if gv == 0 {
				continue
			}
			wRow := l.W.Data[o*l.In : (o+1)*l.In]
			for i, wv := range wRow {
				gxRow[i] += gv * wv
			}
		}
	}
	return []*tensor.Tensor{gx}
}
