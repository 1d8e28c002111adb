package lrp

import (
	"fmt"

	"github.com/explainlab/relprop/pkg/domain"
	"github.com/explainlab/relprop/pkg/tensor"
)

// Target identifies which output scalars receive attribution credit, per
// batch element. A nil Target requires the model to emit one scalar per
// example.
type Target interface {
	// Seed builds the initial output-side relevance: one at each selected
	// output scalar, zero elsewhere.
	Seed(output *tensor.Tensor) (*tensor.Tensor, error)
	// Select extracts the selected output score per example, shaped [batch].
	Select(output *tensor.Tensor) (*tensor.Tensor, error)
}

// Index selects one shared output column for every example. Valid for
// two-dimensional outputs.
type Index int

// Indices selects one output column per example. Valid for
// two-dimensional outputs; length must equal the batch size.
type Indices []int

// IndexTuple selects one shared multi-dimensional output position for
// every example; its length must equal the output rank minus one.
type IndexTuple []int

// IndexTuples selects one multi-dimensional output position per example;
// length must equal the batch size.
type IndexTuples [][]int

func (t Index) positions(shape tensor.Shape) ([][]int, error) {
	if len(shape) != 2 {
		return nil, fmt.Errorf("%w: integer target needs a 2D output, got shape %v (use an index tuple)", domain.ErrInvalidTarget, shape)
	}
	if int(t) < 0 || int(t) >= shape[1] {
		return nil, fmt.Errorf("%w: index %d out of range for %d outputs", domain.ErrInvalidTarget, int(t), shape[1])
	}
	pos := make([][]int, shape[0])
	for b := range pos {
		pos[b] = []int{int(t)}
	}
	return pos, nil
}

func (t Indices) positions(shape tensor.Shape) ([][]int, error) {
	if len(shape) != 2 {
		return nil, fmt.Errorf("%w: per-example index targets need a 2D output, got shape %v", domain.ErrInvalidTarget, shape)
	}
	if len(t) != shape[0] {
		return nil, fmt.Errorf("%w: %d indices for batch of %d", domain.ErrInvalidTarget, len(t), shape[0])
	}
	pos := make([][]int, shape[0])
	for b, i := range t {
		if i < 0 || i >= shape[1] {
			return nil, fmt.Errorf("%w: index %d out of range for %d outputs", domain.ErrInvalidTarget, i, shape[1])
		}
		pos[b] = []int{i}
	}
	return pos, nil
}

func (t IndexTuple) positions(shape tensor.Shape) ([][]int, error) {
	if err := checkTuple(t, shape); err != nil {
		return nil, err
	}
	pos := make([][]int, shape[0])
	for b := range pos {
		pos[b] = t
	}
	return pos, nil
}

func (t IndexTuples) positions(shape tensor.Shape) ([][]int, error) {
	if len(t) != shape[0] {
		return nil, fmt.Errorf("%w: %d index tuples for batch of %d", domain.ErrInvalidTarget, len(t), shape[0])
	}
	pos := make([][]int, shape[0])
	for b, tuple := range t {
		if err := checkTuple(tuple, shape); err != nil {
			return nil, err
		}
		pos[b] = tuple
	}
	return pos, nil
}

func checkTuple(tuple []int, shape tensor.Shape) error {
	if len(tuple) != len(shape)-1 {
		return fmt.Errorf("%w: tuple length %d does not match output rank %d", domain.ErrInvalidTarget, len(tuple), len(shape))
	}
	for d, i := range tuple {
		if i < 0 || i >= shape[d+1] {
			return fmt.Errorf("%w: tuple index %d out of range for dimension of size %d", domain.ErrInvalidTarget, i, shape[d+1])
		}
	}
	return nil
}

func (t Index) Seed(output *tensor.Tensor) (*tensor.Tensor, error) {
	return seedAt(output, t)
}

func (t Index) Select(output *tensor.Tensor) (*tensor.Tensor, error) {
	return selectAt(output, t)
}

func (t Indices) Seed(output *tensor.Tensor) (*tensor.Tensor, error) {
	return seedAt(output, t)
}

func (t Indices) Select(output *tensor.Tensor) (*tensor.Tensor, error) {
	return selectAt(output, t)
}

func (t IndexTuple) Seed(output *tensor.Tensor) (*tensor.Tensor, error) {
	return seedAt(output, t)
}

func (t IndexTuple) Select(output *tensor.Tensor) (*tensor.Tensor, error) {
	return selectAt(output, t)
}

func (t IndexTuples) Seed(output *tensor.Tensor) (*tensor.Tensor, error) {
	return seedAt(output, t)
}

func (t IndexTuples) Select(output *tensor.Tensor) (*tensor.Tensor, error) {
	return selectAt(output, t)
}

type positioner interface {
	positions(shape tensor.Shape) ([][]int, error)
}

func seedAt(output *tensor.Tensor, p positioner) (*tensor.Tensor, error) {
	pos, err := p.positions(output.Shape)
	if err != nil {
		return nil, err
	}
	seed := tensor.ZerosLike(output)
	for b, tuple := range pos {
		seed.Set(1, append([]int{b}, tuple...)...)
	}
	return seed, nil
}

func selectAt(output *tensor.Tensor, p positioner) (*tensor.Tensor, error) {
	pos, err := p.positions(output.Shape)
	if err != nil {
		return nil, err
	}
	scores := tensor.Zeros(output.Shape[0])
	for b, tuple := range pos {
		scores.Data[b] = output.At(append([]int{b}, tuple...)...)
	}
	return scores, nil
}

// scalarTarget handles the nil-target case: models emitting one scalar
// per example.
type scalarTarget struct{}

func (scalarTarget) check(output *tensor.Tensor) error {
	if len(output.Shape) == 0 || output.NumElements() != output.Shape[0] {
		return fmt.Errorf("%w: output shape %v is not scalar per example; provide a target", domain.ErrInvalidTarget, output.Shape)
	}
	return nil
}

func (t scalarTarget) Seed(output *tensor.Tensor) (*tensor.Tensor, error) {
	if err := t.check(output); err != nil {
		return nil, err
	}
	return tensor.Full(1, output.Shape...), nil
}

func (t scalarTarget) Select(output *tensor.Tensor) (*tensor.Tensor, error) {
	if err := t.check(output); err != nil {
		return nil, err
	}
	scores := tensor.Zeros(output.Shape[0])
	copy(scores.Data, output.Data)
	return scores, nil
}

func normalizeTarget(t Target) Target {
	if t == nil {
		return scalarTarget{}
	}
	return t
}
