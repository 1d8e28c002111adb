package autograd_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/explainlab/relprop/pkg/autograd"
	"github.com/explainlab/relprop/pkg/tensor"
)

// scaleOp multiplies its single input by a constant factor.
type scaleOp struct {
	autograd.Hooks
	factor float64
}

func (s *scaleOp) Name() string { return "scale" }

func (s *scaleOp) Forward(inputs ...*tensor.Tensor) *tensor.Tensor {
	return tensor.Scale(inputs[0], s.factor)
}

func (s *scaleOp) VJP(inputs []*tensor.Tensor, output, grad *tensor.Tensor) []*tensor.Tensor {
	return []*tensor.Tensor{tensor.Scale(grad, s.factor)}
}

type chainModel struct {
	ops []*scaleOp
}

func (m *chainModel) Forward(inputs []*autograd.Value, extra ...any) (*autograd.Value, error) {
	v := inputs[0]
	for _, op := range m.ops {
		v = autograd.Apply(op, v)
	}
	return v, nil
}

type onesSeeder struct{}

func (onesSeeder) Seed(output *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.Full(1, output.Shape...), nil
}

func TestBackwardChain(t *testing.T) {
	x := autograd.NewLeaf(tensor.MustFromSlice([]float64{1, 2}, 2))
	x.SetRequiresGrad(true)

	v := autograd.Apply(&scaleOp{factor: 2}, x)
	out := autograd.Apply(&scaleOp{factor: 3}, v)

	grads, err := autograd.Backward(out, tensor.Full(1, out.Tensor.Shape...))
	require.NoError(t, err)
	require.Contains(t, grads, x)
	assert.Equal(t, []float64{6, 6}, grads[x].Data)
}

func TestBackwardDiamondAccumulates(t *testing.T) {
	x := autograd.NewLeaf(tensor.MustFromSlice([]float64{1, 1}, 2))
	x.SetRequiresGrad(true)

	left := autograd.Apply(&scaleOp{factor: 2}, x)
	right := autograd.Apply(&scaleOp{factor: 3}, x)
	out := autograd.AddValues(left, right)

	grads, err := autograd.Backward(out, tensor.Full(1, out.Tensor.Shape...))
	require.NoError(t, err)
	assert.Equal(t, []float64{5, 5}, grads[x].Data)
}

func TestBackwardSkipsUntrackedLeaves(t *testing.T) {
	x := autograd.NewLeaf(tensor.MustFromSlice([]float64{4}, 1))
	out := autograd.Apply(&scaleOp{factor: 2}, x)

	grads, err := autograd.Backward(out, tensor.Full(1, out.Tensor.Shape...))
	require.NoError(t, err)
	assert.Empty(t, grads)
}

func TestBackwardErrors(t *testing.T) {
	t.Run("leaf root", func(t *testing.T) {
		x := autograd.NewLeaf(tensor.Zeros(1))
		_, err := autograd.Backward(x, tensor.Zeros(1))
		require.Error(t, err)
	})

	t.Run("seed shape mismatch", func(t *testing.T) {
		x := autograd.NewLeaf(tensor.Zeros(2))
		x.SetRequiresGrad(true)
		out := autograd.Apply(&scaleOp{factor: 1}, x)
		_, err := autograd.Backward(out, tensor.Zeros(3))
		require.Error(t, err)
	})
}

func TestForwardPreHookRewritesInput(t *testing.T) {
	op := &scaleOp{factor: 2}
	handle := op.RegisterForwardPreHook(func(_ autograd.Op, inputs []*autograd.Value) {
		inputs[0].Tensor.CopyDataFrom(tensor.MustFromSlice([]float64{10, 20}, 2))
	})
	defer handle.Remove()

	x := autograd.NewLeaf(tensor.MustFromSlice([]float64{1, 2}, 2))
	out := autograd.Apply(op, x)

	assert.Equal(t, []float64{20, 40}, out.Tensor.Data)
	// The rewrite happens in place, so the leaf sees it too.
	assert.Equal(t, []float64{10, 20}, x.Tensor.Data)
}

func TestForwardHookReplacesOutput(t *testing.T) {
	op := &scaleOp{factor: 2}
	op.RegisterForwardHook(func(_ autograd.Op, _ []*autograd.Value, output *autograd.Value) *autograd.Value {
		return autograd.NewLeaf(tensor.Full(7, output.Tensor.Shape...))
	})

	x := autograd.NewLeaf(tensor.MustFromSlice([]float64{1, 2}, 2))
	out := autograd.Apply(op, x)
	assert.Equal(t, []float64{7, 7}, out.Tensor.Data)
}

func TestBackwardHookReplacesGradInput(t *testing.T) {
	op := &scaleOp{factor: 5}
	var seenOutput *tensor.Tensor
	op.RegisterBackwardHook(func(_ autograd.Op, gradInput []*tensor.Tensor, gradOutput *tensor.Tensor) []*tensor.Tensor {
		seenOutput = gradOutput.Clone()
		return []*tensor.Tensor{tensor.Full(1, gradInput[0].Shape...)}
	})

	x := autograd.NewLeaf(tensor.MustFromSlice([]float64{3, 3}, 2))
	x.SetRequiresGrad(true)
	out := autograd.Apply(op, x)

	grads, err := autograd.Backward(out, tensor.Full(2, out.Tensor.Shape...))
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 2}, seenOutput.Data)
	assert.Equal(t, []float64{1, 1}, grads[x].Data)
}

func TestRelayOrdering(t *testing.T) {
	producer := &scaleOp{factor: 1}
	consumer := &scaleOp{factor: 1}

	x := autograd.NewLeaf(tensor.MustFromSlice([]float64{1}, 1))
	x.SetRequiresGrad(true)
	mid := autograd.Apply(producer, x)
	out := autograd.Apply(consumer, mid)

	// The consumer-owned relay must fire before the producer-owned one,
	// and backward hooks on the producer must observe the value in between.
	mid.RegisterGradRelay(producer, func(g *tensor.Tensor) *tensor.Tensor {
		return tensor.Scale(g, 10)
	})
	mid.RegisterGradRelay(consumer, func(g *tensor.Tensor) *tensor.Tensor {
		return tensor.Scale(g, 3)
	})

	var between *tensor.Tensor
	producer.RegisterBackwardHook(func(_ autograd.Op, gradInput []*tensor.Tensor, gradOutput *tensor.Tensor) []*tensor.Tensor {
		between = gradOutput.Clone()
		return nil
	})

	grads, err := autograd.Backward(out, tensor.Full(1, out.Tensor.Shape...))
	require.NoError(t, err)
	require.NotNil(t, between)
	assert.Equal(t, []float64{3}, between.Data)
	assert.Equal(t, []float64{30}, grads[x].Data)
}

func TestHandleRemoveIsIdempotent(t *testing.T) {
	op := &scaleOp{factor: 2}
	calls := 0
	handle := op.RegisterForwardPreHook(func(autograd.Op, []*autograd.Value) { calls++ })

	x := autograd.NewLeaf(tensor.Zeros(1))
	autograd.Apply(op, x)
	require.Equal(t, 1, calls)

	handle.Remove()
	handle.Remove()
	autograd.Apply(op, x)
	assert.Equal(t, 1, calls)
}

func TestGradientRequirementsRoundTrip(t *testing.T) {
	a := autograd.NewLeaf(tensor.Zeros(1))
	b := autograd.NewLeaf(tensor.Zeros(1))
	b.SetRequiresGrad(true)

	inputs := []*autograd.Value{a, b}
	prior := autograd.ApplyGradientRequirements(inputs)
	assert.True(t, a.RequiresGrad())
	assert.True(t, b.RequiresGrad())

	autograd.UndoGradientRequirements(inputs, prior)
	assert.False(t, a.RequiresGrad())
	assert.True(t, b.RequiresGrad())
}

func TestGradientsAlignsWithInputs(t *testing.T) {
	model := &chainModel{ops: []*scaleOp{{factor: 2}, {factor: 4}}}

	used := autograd.NewLeaf(tensor.MustFromSlice([]float64{1, 2}, 2))
	unused := autograd.NewLeaf(tensor.MustFromSlice([]float64{0, 0, 0}, 3))
	inputs := []*autograd.Value{used, unused}
	autograd.ApplyGradientRequirements(inputs)

	grads, out, err := autograd.Gradients(context.Background(), model, inputs, onesSeeder{})
	require.NoError(t, err)
	assert.Equal(t, []float64{8, 16}, out.Data)
	assert.Equal(t, []float64{8, 8}, grads[0].Data)
	assert.Equal(t, []float64{0, 0, 0}, grads[1].Data)
}

func TestGradientsHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	model := &chainModel{ops: []*scaleOp{{factor: 2}}}
	x := autograd.NewLeaf(tensor.Zeros(1))
	_, _, err := autograd.Gradients(ctx, model, []*autograd.Value{x}, onesSeeder{})
	require.ErrorIs(t, err, context.Canceled)
}

func TestChainGradientProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 6).Draw(t, "depth")
		ops := make([]*scaleOp, n)
		want := 1.0
		for i := range ops {
			f := rapid.Float64Range(-3, 3).Draw(t, "factor")
			ops[i] = &scaleOp{factor: f}
			want *= f
		}

		x := autograd.NewLeaf(tensor.MustFromSlice([]float64{1}, 1))
		autograd.ApplyGradientRequirements([]*autograd.Value{x})

		grads, _, err := autograd.Gradients(context.Background(), &chainModel{ops: ops}, []*autograd.Value{x}, onesSeeder{})
		require.NoError(t, err)
		assert.InDelta(t, want, grads[0].Data[0], 1e-9)
	})
}
