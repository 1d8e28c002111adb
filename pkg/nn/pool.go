package nn

import (
	"fmt"
	"math"

	"github.com/explainlab/relprop/pkg/autograd"
	"github.com/explainlab/relprop/pkg/tensor"
)

// MaxPool2D takes the maximum over non-overlapping or strided windows.
// A zero stride defaults to the kernel size. Gradients route to the first
// maximal element of each window.
type MaxPool2D struct {
	autograd.Hooks

	KernelH int
	KernelW int
	StrideH int
	StrideW int
}

// NewMaxPool2D builds a square max pool whose stride equals its kernel.
func NewMaxPool2D(kernel int) *MaxPool2D {
	return &MaxPool2D{KernelH: kernel, KernelW: kernel}
}

func (p *MaxPool2D) Kind() LayerKind    { return KindMaxPool2D }
func (p *MaxPool2D) Children() []Module { return nil }

func (p *MaxPool2D) Name() string {
	return fmt.Sprintf("maxpool2d(%dx%d)", p.KernelH, p.KernelW)
}

func (p *MaxPool2D) CloneModule() Module {
	clone := *p
	clone.Hooks = autograd.Hooks{}
	return &clone
}

func (p *MaxPool2D) strides() (int, int) {
	sh, sw := p.StrideH, p.StrideW
	if sh == 0 {
		sh = p.KernelH
	}
	if sw == 0 {
		sw = p.KernelW
	}
	return sh, sw
}

func (p *MaxPool2D) Forward(inputs ...*tensor.Tensor) *tensor.Tensor {
	x := inputs[0]
	checkRank(x, 4, "maxpool2d")
	sh, sw := p.strides()
	batch, ch, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	outH, outW := pooledDims(h, w, p.KernelH, p.KernelW, sh, sw, "maxpool2d")
	y := tensor.Zeros(batch, ch, outH, outW)

	for b := 0; b < batch; b++ {
		for c := 0; c < ch; c++ {
			for oi := 0; oi < outH; oi++ {
				for oj := 0; oj < outW; oj++ {
					best := math.Inf(-1)
					for u := 0; u < p.KernelH; u++ {
						for v := 0; v < p.KernelW; v++ {
							if xv := x.At(b, c, oi*sh+u, oj*sw+v); xv > best {
								best = xv
							}
						}
					}
					y.Set(best, b, c, oi, oj)
				}
			}
		}
	}
	return y
}

func (p *MaxPool2D) VJP(inputs []*tensor.Tensor, output, grad *tensor.Tensor) []*tensor.Tensor {
	x := inputs[0]
	sh, sw := p.strides()
	batch, ch := x.Shape[0], x.Shape[1]
	outH, outW := output.Shape[2], output.Shape[3]
	gx := tensor.ZerosLike(x)

	for b := 0; b < batch; b++ {
		for c := 0; c < ch; c++ {
			for oi := 0; oi < outH; oi++ {
				for oj := 0; oj < outW; oj++ {
					gv := grad.At(b, c, oi, oj)
					if gv == 0 {
						continue
					}
					bi, bj := oi*sh, oj*sw
					best := x.At(b, c, bi, bj)
					for u := 0; u < p.KernelH; u++ {
						for v := 0; v < p.KernelW; v++ {
							if xv := x.At(b, c, oi*sh+u, oj*sw+v); xv > best {
								best, bi, bj = xv, oi*sh+u, oj*sw+v
							}
						}
					}
					gx.Set(gx.At(b, c, bi, bj)+gv, b, c, bi, bj)
				}
			}
		}
	}
	return []*tensor.Tensor{gx}
}

// AvgPool2D averages over strided windows. A zero stride defaults to the
// kernel size.
type AvgPool2D struct {
	autograd.Hooks

	KernelH int
	KernelW int
	StrideH int
	StrideW int
}

// NewAvgPool2D builds a square average pool whose stride equals its kernel.
func NewAvgPool2D(kernel int) *AvgPool2D {
	return &AvgPool2D{KernelH: kernel, KernelW: kernel}
}

func (p *AvgPool2D) Kind() LayerKind    { return KindAvgPool2D }
func (p *AvgPool2D) Children() []Module { return nil }

func (p *AvgPool2D) Name() string {
	return fmt.Sprintf("avgpool2d(%dx%d)", p.KernelH, p.KernelW)
}

func (p *AvgPool2D) CloneModule() Module {
	clone := *p
	clone.Hooks = autograd.Hooks{}
	return &clone
}

func (p *AvgPool2D) strides() (int, int) {
	sh, sw := p.StrideH, p.StrideW
	if sh == 0 {
		sh = p.KernelH
	}
	if sw == 0 {
		sw = p.KernelW
	}
	return sh, sw
}

func (p *AvgPool2D) Forward(inputs ...*tensor.Tensor) *tensor.Tensor {
	x := inputs[0]
	checkRank(x, 4, "avgpool2d")
	sh, sw := p.strides()
	batch, ch, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	outH, outW := pooledDims(h, w, p.KernelH, p.KernelW, sh, sw, "avgpool2d")
	y := tensor.Zeros(batch, ch, outH, outW)
	norm := 1.0 / float64(p.KernelH*p.KernelW)

	for b := 0; b < batch; b++ {
		for c := 0; c < ch; c++ {
			for oi := 0; oi < outH; oi++ {
				for oj := 0; oj < outW; oj++ {
					sum := 0.0
					for u := 0; u < p.KernelH; u++ {
						for v := 0; v < p.KernelW; v++ {
							sum += x.At(b, c, oi*sh+u, oj*sw+v)
						}
					}
					y.Set(sum*norm, b, c, oi, oj)
				}
			}
		}
	}
	return y
}

func (p *AvgPool2D) VJP(inputs []*tensor.Tensor, output, grad *tensor.Tensor) []*tensor.Tensor {
	x := inputs[0]
	sh, sw := p.strides()
	batch, ch := x.Shape[0], x.Shape[1]
	outH, outW := output.Shape[2], output.Shape[3]
	gx := tensor.ZerosLike(x)
	norm := 1.0 / float64(p.KernelH*p.KernelW)

	for b := 0; b < batch; b++ {
		for c := 0; c < ch; c++ {
			for oi := 0; oi < outH; oi++ {
				for oj := 0; oj < outW; oj++ {
					gv := grad.At(b, c, oi, oj) * norm
					if gv == 0 {
						continue
					}
					for u := 0; u < p.KernelH; u++ {
						for v := 0; v < p.KernelW; v++ {
							ih, iw := oi*sh+u, oj*sw+v
							gx.Set(gx.At(b, c, ih, iw)+gv, b, c, ih, iw)
						}
					}
				}
			}
		}
	}
	return []*tensor.Tensor{gx}
}

// AdaptiveAvgPool2D averages over windows chosen so the output always has
// the configured spatial size, regardless of input size.
type AdaptiveAvgPool2D struct {
	autograd.Hooks

	OutH int
	OutW int
}

// NewAdaptiveAvgPool2D builds an adaptive average pool with the given
// output size.
func NewAdaptiveAvgPool2D(outH, outW int) *AdaptiveAvgPool2D {
	return &AdaptiveAvgPool2D{OutH: outH, OutW: outW}
}

func (p *AdaptiveAvgPool2D) Kind() LayerKind    { return KindAdaptiveAvgPool2D }
func (p *AdaptiveAvgPool2D) Children() []Module { return nil }

func (p *AdaptiveAvgPool2D) Name() string {
	return fmt.Sprintf("adaptive-avgpool2d(%dx%d)", p.OutH, p.OutW)
}

func (p *AdaptiveAvgPool2D) CloneModule() Module {
	clone := *p
	clone.Hooks = autograd.Hooks{}
	return &clone
}

// adaptiveWindow returns the half-open input range feeding output index i
// along a dimension of size in.
func adaptiveWindow(i, out, in int) (int, int) {
	return (i * in) / out, ((i+1)*in + out - 1) / out
}

func (p *AdaptiveAvgPool2D) Forward(inputs ...*tensor.Tensor) *tensor.Tensor {
	x := inputs[0]
	checkRank(x, 4, "adaptive-avgpool2d")
	batch, ch, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	y := tensor.Zeros(batch, ch, p.OutH, p.OutW)

	for b := 0; b < batch; b++ {
		for c := 0; c < ch; c++ {
			for oi := 0; oi < p.OutH; oi++ {
				h0, h1 := adaptiveWindow(oi, p.OutH, h)
				for oj := 0; oj < p.OutW; oj++ {
					w0, w1 := adaptiveWindow(oj, p.OutW, w)
					sum := 0.0
					for ih := h0; ih < h1; ih++ {
						for iw := w0; iw < w1; iw++ {
							sum += x.At(b, c, ih, iw)
						}
					}
					y.Set(sum/float64((h1-h0)*(w1-w0)), b, c, oi, oj)
				}
			}
		}
	}
	return y
}

func (p *AdaptiveAvgPool2D) VJP(inputs []*tensor.Tensor, output, grad *tensor.Tensor) []*tensor.Tensor {
	x := inputs[0]
	batch, ch, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	gx := tensor.ZerosLike(x)

	for b := 0; b < batch; b++ {
		for c := 0; c < ch; c++ {
			for oi := 0; oi < p.OutH; oi++ {
				h0, h1 := adaptiveWindow(oi, p.OutH, h)
				for oj := 0; oj < p.OutW; oj++ {
					w0, w1 := adaptiveWindow(oj, p.OutW, w)
					gv := grad.At(b, c, oi, oj) / float64((h1-h0)*(w1-w0))
					if gv == 0 {
						continue
					}
					for ih := h0; ih < h1; ih++ {
						for iw := w0; iw < w1; iw++ {
							gx.Set(gx.At(b, c, ih, iw)+gv, b, c, ih, iw)
						}
					}
				}
			}
		}
	}
	return []*tensor.Tensor{gx}
}

func pooledDims(h, w, kh, kw, sh, sw int, layer string) (int, int) {
	outH := (h-kh)/sh + 1
	outW := (w-kw)/sw + 1
	if outH < 1 || outW < 1 {
		panic(fmt.Sprintf("nn: %s window %dx%d does not fit input %dx%d", layer, kh, kw, h, w))
	}
	return outH, outW
}
