// Package tensor implements the dense float64 arrays the relevance
// propagation engine computes with: shapes, elementwise algebra, matrix
// multiplication, and batch-wise reductions. Tensors are row-major and
// CPU-resident; dimension 0 is the batch dimension by convention.
package tensor

import (
	"fmt"
	"strings"
)

// Shape is the dimension sizes of a tensor, e.g. [2, 3, 4].
type Shape []int

// NumElements returns the total number of elements (product of dimensions).
func (s Shape) NumElements() int {
	if len(s) == 0 {
		return 0
	}
	n := 1
	for _, d := range s {
		if d <= 0 {
			return 0
		}
		n *= d
	}
	return n
}

// Equal reports whether two shapes have identical dimensions.
func (s Shape) Equal(other Shape) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// Clone returns an independent copy of the shape.
func (s Shape) Clone() Shape {
	out := make(Shape, len(s))
	copy(out, s)
	return out
}

func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, d := range s {
		parts[i] = fmt.Sprintf("%d", d)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// strides returns element (not byte) strides for row-major layout.
func (s Shape) strides() []int {
	if len(s) == 0 {
		return nil
	}
	st := make([]int, len(s))
	st[len(s)-1] = 1
	for i := len(s) - 2; i >= 0; i-- {
		st[i] = st[i+1] * s[i+1]
	}
	return st
}

// Tensor is a dense row-major float64 array. Data is shared by views
// (Reshape); Clone produces an independent copy.
type Tensor struct {
	Data  []float64
	Shape Shape
}

// Zeros allocates a zero-filled tensor of the given shape.
func Zeros(shape ...int) *Tensor {
	s := Shape(shape).Clone()
	return &Tensor{Data: make([]float64, s.NumElements()), Shape: s}
}

// ZerosLike allocates a zero-filled tensor shaped like t.
func ZerosLike(t *Tensor) *Tensor {
	return Zeros(t.Shape...)
}

// Full allocates a tensor of the given shape with every element set to v.
func Full(v float64, shape ...int) *Tensor {
	t := Zeros(shape...)
	for i := range t.Data {
		t.Data[i] = v
	}
	return t
}

// FromSlice creates a tensor that copies data into the given shape.
func FromSlice(data []float64, shape ...int) (*Tensor, error) {
	s := Shape(shape)
	if s.NumElements() != len(data) {
		return nil, fmt.Errorf("shape %v has %d elements, data has %d", s, s.NumElements(), len(data))
	}
	buf := make([]float64, len(data))
	copy(buf, data)
	return &Tensor{Data: buf, Shape: s.Clone()}, nil
}

// MustFromSlice is FromSlice for statically known shapes; it panics on
// mismatch and exists mainly for tests and fixtures.
func MustFromSlice(data []float64, shape ...int) *Tensor {
	t, err := FromSlice(data, shape...)
	if err != nil {
		panic(err)
	}
	return t
}

// NumElements returns the total number of elements.
func (t *Tensor) NumElements() int {
	return t.Shape.NumElements()
}

// Batch returns the size of dimension 0, the batch dimension.
func (t *Tensor) Batch() int {
	if len(t.Shape) == 0 {
		return 0
	}
	return t.Shape[0]
}

// Clone allocates a new tensor with the same shape and copies data.
func (t *Tensor) Clone() *Tensor {
	buf := make([]float64, len(t.Data))
	copy(buf, t.Data)
	return &Tensor{Data: buf, Shape: t.Shape.Clone()}
}

// Reshape returns a view sharing storage with t under a new shape. The
// element counts must match.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	s := Shape(shape)
	if s.NumElements() != t.NumElements() {
		return nil, fmt.Errorf("reshape %v has %d elements, tensor has %d", s, s.NumElements(), t.NumElements())
	}
	return &Tensor{Data: t.Data, Shape: s.Clone()}, nil
}

// At returns the element at the given multi-dimensional index.
func (t *Tensor) At(idx ...int) float64 {
	return t.Data[t.offset(idx)]
}

// Set assigns the element at the given multi-dimensional index.
func (t *Tensor) Set(v float64, idx ...int) {
	t.Data[t.offset(idx)] = v
}

func (t *Tensor) offset(idx []int) int {
	if len(idx) != len(t.Shape) {
		panic(fmt.Sprintf("tensor: index rank %d against shape %v", len(idx), t.Shape))
	}
	st := t.Shape.strides()
	off := 0
	for i, ix := range idx {
		if ix < 0 || ix >= t.Shape[i] {
			panic(fmt.Sprintf("tensor: index %v out of range for shape %v", idx, t.Shape))
		}
		off += ix * st[i]
	}
	return off
}

// CopyDataFrom overwrites t's data with src's data in place. Shapes must
// have equal element counts; the receiver keeps its own shape.
func (t *Tensor) CopyDataFrom(src *Tensor) {
	if len(t.Data) != len(src.Data) {
		panic(fmt.Sprintf("tensor: copy data %d elements into %d", len(src.Data), len(t.Data)))
	}
	copy(t.Data, src.Data)
}
