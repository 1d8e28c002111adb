package nn

import (
	"fmt"

	"github.com/explainlab/relprop/pkg/autograd"
	"github.com/explainlab/relprop/pkg/tensor"
)

// Conv2D is a 2D cross-correlation over [batch, channel, height, width]
// inputs with zero padding. W is shaped [outC, inC, kh, kw], B [outC].
type Conv2D struct {
	autograd.Hooks

	InChannels  int
	OutChannels int
	KernelH     int
	KernelW     int
	StrideH     int
	StrideW     int
	PadH        int
	PadW        int

	W *tensor.Tensor
	B *tensor.Tensor
}

// NewConv2D builds a zero-initialized convolution with square kernel and
// unit stride.
func NewConv2D(inC, outC, kernel int) *Conv2D {
	return &Conv2D{
		InChannels:  inC,
		OutChannels: outC,
		KernelH:     kernel,
		KernelW:     kernel,
		StrideH:     1,
		StrideW:     1,
		W:           tensor.Zeros(outC, inC, kernel, kernel),
		B:           tensor.Zeros(outC),
	}
}

func (c *Conv2D) Kind() LayerKind    { return KindConv2D }
func (c *Conv2D) Children() []Module { return nil }

func (c *Conv2D) Name() string {
	return fmt.Sprintf("conv2d(%dx%d,%d->%d)", c.KernelH, c.KernelW, c.InChannels, c.OutChannels)
}

func (c *Conv2D) Weight() *tensor.Tensor { return c.W }
func (c *Conv2D) Bias() *tensor.Tensor   { return c.B }

func (c *Conv2D) CloneModule() Module {
	clone := *c
	clone.Hooks = autograd.Hooks{}
	clone.W = c.W.Clone()
	clone.B = c.B.Clone()
	return &clone
}

func (c *Conv2D) outDims(h, w int) (int, int) {
	outH := (h+2*c.PadH-c.KernelH)/c.StrideH + 1
	outW := (w+2*c.PadW-c.KernelW)/c.StrideW + 1
	if outH < 1 || outW < 1 {
		panic(fmt.Sprintf("nn: conv2d kernel %dx%d does not fit input %dx%d", c.KernelH, c.KernelW, h, w))
	}
	return outH, outW
}

func (c *Conv2D) Forward(inputs ...*tensor.Tensor) *tensor.Tensor {
	x := inputs[0]
	checkRank(x, 4, "conv2d")
	if x.Shape[1] != c.InChannels {
		panic(fmt.Sprintf("nn: conv2d expects %d channels, got %d", c.InChannels, x.Shape[1]))
	}

	batch, h, w := x.Shape[0], x.Shape[2], x.Shape[3]
	outH, outW := c.outDims(h, w)
	y := tensor.Zeros(batch, c.OutChannels, outH, outW)

	for b := 0; b < batch; b++ {
		for co := 0; co < c.OutChannels; co++ {
			for oi := 0; oi < outH; oi++ {
				for oj := 0; oj < outW; oj++ {
					sum := c.B.Data[co]
					for ci := 0; ci < c.InChannels; ci++ {
						for u := 0; u < c.KernelH; u++ {
							ih := oi*c.StrideH - c.PadH + u
							if ih < 0 || ih >= h {
								continue
							}
							for v := 0; v < c.KernelW; v++ {
								iw := oj*c.StrideW - c.PadW + v
								if iw < 0 || iw >= w {
									continue
								}
								sum += x.At(b, ci, ih, iw) * c.W.At(co, ci, u, v)
							}
						}
					}
					y.Set(sum, b, co, oi, oj)
				}
			}
		}
	}
	return y
}

func (c *Conv2D) VJP(inputs []*tensor.Tensor, output, grad *tensor.Tensor) []*tensor.Tensor {
	x := inputs[0]
	batch, h, w := x.Shape[0], x.Shape[2], x.Shape[3]
	outH, outW := output.Shape[2], output.Shape[3]
	gx := tensor.ZerosLike(x)

	for b := 0; b < batch; b++ {
		for co := 0; co < c.OutChannels; co++ {
			for oi := 0; oi < outH; oi++ {
				for oj := 0; oj < outW; oj++ {
					gv := grad.At(b, co, oi, oj)
					if gv == 0 {
						continue
					}
					for ci := 0; ci < c.InChannels; ci++ {
						for u := 0; u < c.KernelH; u++ {
							ih := oi*c.StrideH - c.PadH + u
							if ih < 0 || ih >= h {
								continue
							}
							for v := 0; v < c.KernelW; v++ {
								iw := oj*c.StrideW - c.PadW + v
								if iw < 0 || iw >= w {
									continue
								}
								gx.Set(gx.At(b, ci, ih, iw)+gv*c.W.At(co, ci, u, v), b, ci, ih, iw)
							}
						}
					}
				}
			}
		}
	}
	return []*tensor.Tensor{gx}
}
