package lrp

import (
	"context"
	"fmt"

	"github.com/explainlab/relprop/pkg/domain"
	"github.com/explainlab/relprop/pkg/nn"
)

// LayerLRP reports relevance at one designated intermediate layer instead
// of the model inputs. The relevance is taken from the propagation's
// normalized stream, so entries sum to roughly one per example rather than
// to the selected score.
type LayerLRP struct {
	engine *Engine
	scoped int
}

// NewLayerLRP builds a layer-scoped engine. layer must be one of the leaf
// layers of model's module tree; it is matched by identity.
func NewLayerLRP(model Network, layer nn.Layer, opts ...Option) (*LayerLRP, error) {
	engine := New(model, opts...)
	if model == nil {
		return nil, domain.ErrModelNotLoaded
	}

	layers, err := flattenLayers(model, engine.logger)
	if err != nil {
		return nil, err
	}
	scoped := -1
	for i, l := range layers {
		if l == layer {
			scoped = i
			break
		}
	}
	if scoped < 0 {
		name := "nil"
		if layer != nil {
			name = layer.Name()
		}
		return nil, fmt.Errorf("%w: designated layer %s is not a leaf of the model", domain.ErrLayerNotFound, name)
	}
	return &LayerLRP{engine: engine, scoped: scoped}, nil
}

// Attribute runs the propagation and returns the designated layer's
// output-side relevance as the single entry of Result.Values. Shape
// follows the layer's output. Delta and the all-layers table behave as in
// Engine.Attribute, with Delta computed against the layer relevance.
func (l *LayerLRP) Attribute(ctx context.Context, req Request) (*Result, error) {
	return l.engine.attribute(ctx, req, l.scoped)
}
