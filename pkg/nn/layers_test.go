package nn_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/explainlab/relprop/pkg/autograd"
	"github.com/explainlab/relprop/pkg/nn"
	"github.com/explainlab/relprop/pkg/tensor"
)

// fillPattern writes a deterministic, tie-free, zero-free pattern.
func fillPattern(t *tensor.Tensor) {
	for i := range t.Data {
		t.Data[i] = math.Sin(float64(i)*1.7+0.3)*2 + 0.01*float64(i+1)
	}
}

func weightedSum(out, seed *tensor.Tensor) float64 {
	s := 0.0
	for i, v := range out.Data {
		s += v * seed.Data[i]
	}
	return s
}

// checkVJP compares a layer's analytic input gradient against central
// finite differences of the seeded forward pass.
func checkVJP(t *testing.T, layer nn.Layer, x *tensor.Tensor) {
	t.Helper()

	out := layer.Forward(x)
	seed := tensor.ZerosLike(out)
	for i := range seed.Data {
		seed.Data[i] = math.Cos(float64(i) * 0.9)
	}

	gx := layer.VJP([]*tensor.Tensor{x}, out, seed)[0]
	require.True(t, gx.Shape.Equal(x.Shape))

	const h = 1e-6
	for i := range x.Data {
		orig := x.Data[i]
		x.Data[i] = orig + h
		fp := weightedSum(layer.Forward(x), seed)
		x.Data[i] = orig - h
		fm := weightedSum(layer.Forward(x), seed)
		x.Data[i] = orig

		assert.InDelta(t, (fp-fm)/(2*h), gx.Data[i], 1e-4, "input element %d", i)
	}
}

func TestLinearForward(t *testing.T) {
	l := nn.NewLinear(3, 2)
	l.W = tensor.MustFromSlice([]float64{
		1, 2, 3,
		4, 5, 6,
	}, 2, 3)
	l.B = tensor.MustFromSlice([]float64{0.5, -0.5}, 2)

	x := tensor.MustFromSlice([]float64{
		1, 0, -1,
		2, 2, 2,
	}, 2, 3)
	y := l.Forward(x)

	assert.Equal(t, tensor.Shape{2, 2}, y.Shape)
	assert.InDeltaSlice(t, []float64{-1.5, -2.5, 12.5, 29.5}, y.Data, 1e-12)
}

func TestLinearVJP(t *testing.T) {
	l := nn.NewLinear(4, 3)
	fillPattern(l.W)
	fillPattern(l.B)

	x := tensor.Zeros(2, 4)
	fillPattern(x)
	checkVJP(t, l, x)
}

func TestConv2DForward(t *testing.T) {
	t.Run("plain", func(t *testing.T) {
		c := nn.NewConv2D(1, 1, 2)
		c.W = tensor.MustFromSlice([]float64{1, 0, 0, 1}, 1, 1, 2, 2)
		c.B = tensor.MustFromSlice([]float64{0.5}, 1)

		x := tensor.MustFromSlice([]float64{
			1, 2, 3,
			4, 5, 6,
			7, 8, 9,
		}, 1, 1, 3, 3)
		y := c.Forward(x)
		assert.Equal(t, tensor.Shape{1, 1, 2, 2}, y.Shape)
		assert.InDeltaSlice(t, []float64{6.5, 8.5, 12.5, 14.5}, y.Data, 1e-12)
	})

	t.Run("padded", func(t *testing.T) {
		c := nn.NewConv2D(1, 1, 3)
		c.PadH, c.PadW = 1, 1
		for i := range c.W.Data {
			c.W.Data[i] = 1
		}
		x := tensor.MustFromSlice([]float64{1, 2, 3, 4}, 1, 1, 2, 2)
		y := c.Forward(x)
		assert.Equal(t, tensor.Shape{1, 1, 2, 2}, y.Shape)
		assert.InDeltaSlice(t, []float64{10, 10, 10, 10}, y.Data, 1e-12)
	})

	t.Run("strided", func(t *testing.T) {
		c := nn.NewConv2D(1, 1, 2)
		c.StrideH, c.StrideW = 2, 2
		for i := range c.W.Data {
			c.W.Data[i] = 1
		}
		x := tensor.Zeros(1, 1, 4, 4)
		for i := range x.Data {
			x.Data[i] = float64(i + 1)
		}
		y := c.Forward(x)
		assert.InDeltaSlice(t, []float64{14, 22, 46, 54}, y.Data, 1e-12)
	})
}

func TestConv2DVJP(t *testing.T) {
	c := nn.NewConv2D(2, 3, 2)
	c.StrideH, c.StrideW = 1, 1
	c.PadH, c.PadW = 1, 1
	fillPattern(c.W)
	fillPattern(c.B)

	x := tensor.Zeros(2, 2, 4, 4)
	fillPattern(x)
	checkVJP(t, c, x)
}

func TestMaxPool2D(t *testing.T) {
	p := nn.NewMaxPool2D(2)
	x := tensor.MustFromSlice([]float64{
		5, 5, 1, 2,
		3, 4, 8, 6,
	}, 1, 1, 2, 4)

	y := p.Forward(x)
	assert.Equal(t, tensor.Shape{1, 1, 1, 2}, y.Shape)
	assert.Equal(t, []float64{5, 8}, y.Data)

	// Ties route to the first maximal element in scan order.
	grad := tensor.MustFromSlice([]float64{1, 2}, 1, 1, 1, 2)
	gx := p.VJP([]*tensor.Tensor{x}, y, grad)[0]
	assert.Equal(t, []float64{
		1, 0, 0, 0,
		0, 0, 2, 0,
	}, gx.Data)
}

func TestMaxPool2DVJP(t *testing.T) {
	p := nn.NewMaxPool2D(2)
	x := tensor.Zeros(1, 2, 4, 4)
	fillPattern(x)
	checkVJP(t, p, x)
}

func TestAvgPool2D(t *testing.T) {
	p := nn.NewAvgPool2D(2)
	x := tensor.MustFromSlice([]float64{1, 2, 3, 6}, 1, 1, 2, 2)

	y := p.Forward(x)
	assert.Equal(t, []float64{3}, y.Data)

	grad := tensor.MustFromSlice([]float64{4}, 1, 1, 1, 1)
	gx := p.VJP([]*tensor.Tensor{x}, y, grad)[0]
	assert.Equal(t, []float64{1, 1, 1, 1}, gx.Data)
}

func TestAdaptiveAvgPool2D(t *testing.T) {
	p := nn.NewAdaptiveAvgPool2D(2, 2)
	x := tensor.Zeros(1, 1, 5, 5)
	for i := range x.Data {
		x.Data[i] = float64(i)
	}

	y := p.Forward(x)
	assert.Equal(t, tensor.Shape{1, 1, 2, 2}, y.Shape)
	// Row windows [0,3) and [2,5) overlap on the middle row.
	first := 0.0
	for _, r := range []int{0, 1, 2} {
		for _, c := range []int{0, 1, 2} {
			first += x.At(0, 0, r, c)
		}
	}
	assert.InDelta(t, first/9, y.At(0, 0, 0, 0), 1e-12)

	checkVJP(t, p, x)
}

func TestBatchNorm2D(t *testing.T) {
	n := nn.NewBatchNorm2D(1)
	n.Gamma.Data[0] = 2
	n.Beta.Data[0] = 1
	n.Mean.Data[0] = 3
	n.Var.Data[0] = 4
	n.Eps = 0

	x := tensor.MustFromSlice([]float64{1, 3, 5, 7}, 1, 1, 1, 4)
	y := n.Forward(x)
	assert.InDeltaSlice(t, []float64{-1, 1, 3, 5}, y.Data, 1e-12)

	checkVJP(t, n, x)
}

func TestReLU(t *testing.T) {
	r := nn.NewReLU()
	x := tensor.MustFromSlice([]float64{-2, 0, 0.5, 3}, 1, 4)

	y := r.Forward(x)
	assert.Equal(t, []float64{0, 0, 0.5, 3}, y.Data)

	grad := tensor.Full(1, 1, 4)
	gx := r.VJP([]*tensor.Tensor{x}, y, grad)[0]
	// Zero input blocks gradient.
	assert.Equal(t, []float64{0, 0, 1, 1}, gx.Data)
}

func TestSigmoidAndTanhVJP(t *testing.T) {
	x := tensor.Zeros(2, 3)
	fillPattern(x)
	checkVJP(t, nn.NewSigmoid(), x)
	checkVJP(t, nn.NewTanh(), x)
}

func TestFlatten(t *testing.T) {
	f := nn.NewFlatten()
	x := tensor.Zeros(2, 3, 2, 2)
	fillPattern(x)

	y := f.Forward(x)
	assert.Equal(t, tensor.Shape{2, 12}, y.Shape)
	assert.Equal(t, x.Data, y.Data)

	grad := tensor.ZerosLike(y)
	fillPattern(grad)
	gx := f.VJP([]*tensor.Tensor{x}, y, grad)[0]
	assert.Equal(t, tensor.Shape{2, 3, 2, 2}, gx.Shape)
	assert.Equal(t, grad.Data, gx.Data)
}

func TestDropoutIsIdentityInference(t *testing.T) {
	d := nn.NewDropout(0.4)
	x := tensor.MustFromSlice([]float64{1, 2, 3}, 1, 3)
	assert.Equal(t, x.Data, d.Forward(x).Data)
}

func TestSequentialNestedForward(t *testing.T) {
	inner := nn.NewSequential(nn.NewReLU(), nn.NewFlatten())
	l := nn.NewLinear(4, 2)
	l.W = tensor.MustFromSlice([]float64{
		1, 1, 1, 1,
		1, -1, 1, -1,
	}, 2, 4)
	model := nn.NewSequential(inner, l)

	leaves := nn.Leaves(model)
	require.Len(t, leaves, 3)
	assert.Equal(t, nn.KindReLU, leaves[0].Kind())
	assert.Equal(t, nn.KindFlatten, leaves[1].Kind())
	assert.Equal(t, nn.KindLinear, leaves[2].Kind())

	x := autograd.NewLeaf(tensor.MustFromSlice([]float64{1, -2, 3, 4}, 1, 2, 2))
	out, err := model.Forward([]*autograd.Value{x})
	require.NoError(t, err)
	assert.Equal(t, []float64{8, 0}, out.Tensor.Data)
}

func TestSequentialRejectsMultipleInputs(t *testing.T) {
	model := nn.NewSequential(nn.NewReLU())
	a := autograd.NewLeaf(tensor.Zeros(1, 1))
	b := autograd.NewLeaf(tensor.Zeros(1, 1))
	_, err := model.Forward([]*autograd.Value{a, b})
	require.Error(t, err)
}

func TestCloneModuleIsDeep(t *testing.T) {
	l := nn.NewLinear(2, 2)
	l.W.Data[0] = 1
	handleCalls := 0
	l.RegisterForwardPreHook(func(autograd.Op, []*autograd.Value) { handleCalls++ })

	model := nn.NewSequential(l, nn.NewReLU())
	clone := model.CloneModule().(*nn.Sequential)

	cloneLinear := nn.Leaves(clone)[0].(*nn.Linear)
	cloneLinear.W.Data[0] = 99
	assert.Equal(t, 1.0, l.W.Data[0])

	// Hooks do not survive cloning.
	x := autograd.NewLeaf(tensor.Zeros(1, 2))
	_, err := clone.Forward([]*autograd.Value{x})
	require.NoError(t, err)
	assert.Zero(t, handleCalls)
}
