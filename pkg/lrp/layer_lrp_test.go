package lrp_test

import (
	"context"
	"log/slog"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/explainlab/relprop/pkg/domain"
	"github.com/explainlab/relprop/pkg/lrp"
	"github.com/explainlab/relprop/pkg/nn"
	"github.com/explainlab/relprop/pkg/tensor"
)

func TestLayerLRPLinearRelevance(t *testing.T) {
	model, opts := epsilonChain(t)
	scoped, err := lrp.NewLayerLRP(model, nn.Leaves(model)[0], opts...)
	require.NoError(t, err)

	x := tensor.MustFromSlice([]float64{1, 2}, 1, 2)
	res, err := scoped.Attribute(context.Background(), lrp.Request{
		Inputs:      []*tensor.Tensor{x},
		Target:      lrp.Index(0),
		ReturnDelta: true,
	})
	require.NoError(t, err)

	// The hidden relevance is normalized, not scaled back to the score.
	require.Len(t, res.Values, 1)
	assert.InDeltaSlice(t, []float64{0.6, 0.4}, res.Values[0].Data, 1e-6)

	// Delta compares the score of 5 against the unit mass at the layer.
	require.Len(t, res.Delta, 1)
	assert.InDelta(t, 4, res.Delta[0], 1e-6)
}

func TestLayerLRPHonorsAllLayers(t *testing.T) {
	model, opts := epsilonChain(t)
	scoped, err := lrp.NewLayerLRP(model, nn.Leaves(model)[0], opts...)
	require.NoError(t, err)

	x := tensor.MustFromSlice([]float64{1, 2}, 1, 2)
	res, err := scoped.Attribute(context.Background(), lrp.Request{
		Inputs:    []*tensor.Tensor{x},
		Target:    lrp.Index(0),
		AllLayers: true,
	})
	require.NoError(t, err)

	// The table still leads with the input attribution; the designated
	// layer's entry is what Values carries.
	require.Len(t, res.Layers, 4)
	assert.InDeltaSlice(t, []float64{3, 2}, res.Layers[0].Data, 1e-6)
	assert.Equal(t, res.Values[0].Data, res.Layers[1].Data)
}

func TestLayerLRPMatchesFullPropagation(t *testing.T) {
	conv := nn.NewConv2D(1, 2, 2)
	for i := range conv.W.Data {
		conv.W.Data[i] = 0.5
	}
	model := nn.NewSequential(
		conv,
		nn.NewReLU(),
		nn.NewMaxPool2D(3),
		nn.NewFlatten(),
		newLinear(t, 2, 1, []float64{0.5, 0.5}, nil),
	)
	quiet := lrp.WithLogger(slog.New(&logCapture{}))

	x := tensor.Zeros(1, 1, 4, 4)
	for i := range x.Data {
		x.Data[i] = math.Sin(float64(i)*1.7+0.3)*2 + 0.01*float64(i+1)
	}
	req := lrp.Request{Inputs: []*tensor.Tensor{x}, Target: lrp.Index(0)}

	scoped, err := lrp.NewLayerLRP(model, nn.Leaves(model)[2], quiet)
	require.NoError(t, err)
	res, err := scoped.Attribute(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, res.Values, 1)
	assert.Equal(t, tensor.Shape{1, 2, 1, 1}, res.Values[0].Shape)
	assert.InDelta(t, 1, tensor.Sum(res.Values[0]), 1e-6)

	// A full run over the same model reports the identical pool entry in
	// its layer table.
	full, err := lrp.New(model, quiet).Attribute(context.Background(), lrp.Request{
		Inputs:    req.Inputs,
		Target:    req.Target,
		AllLayers: true,
	})
	require.NoError(t, err)
	assert.Equal(t, full.Layers[3].Data, res.Values[0].Data)
}

func TestNewLayerLRPValidation(t *testing.T) {
	model, _ := epsilonChain(t)

	t.Run("nil model", func(t *testing.T) {
		_, err := lrp.NewLayerLRP(nil, nn.NewLinear(2, 2))
		assert.ErrorIs(t, err, domain.ErrModelNotLoaded)
	})

	t.Run("foreign layer", func(t *testing.T) {
		_, err := lrp.NewLayerLRP(model, nn.NewLinear(2, 2))
		assert.ErrorIs(t, err, domain.ErrLayerNotFound)
	})

	t.Run("nil layer", func(t *testing.T) {
		_, err := lrp.NewLayerLRP(model, nil)
		assert.ErrorIs(t, err, domain.ErrLayerNotFound)
	})
}

func TestLayerLRPRequiresRedistributingRule(t *testing.T) {
	t.Run("activation layer", func(t *testing.T) {
		model, opts := epsilonChain(t)
		scoped, err := lrp.NewLayerLRP(model, nn.Leaves(model)[1], opts...)
		require.NoError(t, err)

		_, err = scoped.Attribute(context.Background(), lrp.Request{
			Inputs: []*tensor.Tensor{tensor.MustFromSlice([]float64{1, 2}, 1, 2)},
			Target: lrp.Index(0),
		})
		assert.ErrorIs(t, err, domain.ErrInvalidRule)
	})

	t.Run("layer without a rule", func(t *testing.T) {
		model := nn.NewSequential(
			nn.NewConv2D(1, 1, 2),
			nn.NewFlatten(),
			newLinear(t, 9, 1, []float64{1, 1, 1, 1, 1, 1, 1, 1, 1}, nil),
		)
		scoped, err := lrp.NewLayerLRP(model, nn.Leaves(model)[1],
			lrp.WithLogger(slog.New(&logCapture{})))
		require.NoError(t, err)

		_, err = scoped.Attribute(context.Background(), lrp.Request{
			Inputs: []*tensor.Tensor{tensor.Zeros(1, 1, 4, 4)},
			Target: lrp.Index(0),
		})
		assert.ErrorIs(t, err, domain.ErrInvalidRule)
	})
}
