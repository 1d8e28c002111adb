package lrp

import (
	"fmt"
	"log/slog"

	"github.com/explainlab/relprop/pkg/domain"
	"github.com/explainlab/relprop/pkg/nn"
)

// flattenLayers returns the leaf layers of root in traversal order, which
// for sequential models is forward execution order. It fails fast on
// saturating activations, whose gradient does not carry relevance, and on
// layer instances wired into the tree more than once, which would make
// per-layer rule state ambiguous.
func flattenLayers(root nn.Module, logger *slog.Logger) ([]nn.Layer, error) {
	var layers []nn.Layer
	seen := make(map[nn.Layer]int)

	var walk func(m nn.Module) error
	walk = func(m nn.Module) error {
		if children := m.Children(); len(children) > 0 {
			for _, child := range children {
				if err := walk(child); err != nil {
					return err
				}
			}
			return nil
		}

		switch m.Kind() {
		case nn.KindSigmoid, nn.KindTanh:
			return fmt.Errorf("%w: %s", domain.ErrUnsupportedActivation, m.Kind())
		}

		layer, ok := m.(nn.Layer)
		if !ok {
			logger.Warn("skipping leaf module that is not an operator", "kind", string(m.Kind()))
			return nil
		}
		if prev, dup := seen[layer]; dup {
			return fmt.Errorf("%w: layer %q wired at positions %d and %d; shared layer instances are unsupported",
				domain.ErrConfigInvalid, layer.Name(), prev, len(layers))
		}
		seen[layer] = len(layers)
		layers = append(layers, layer)
		return nil
	}

	if err := walk(root); err != nil {
		return nil, err
	}
	return layers, nil
}
