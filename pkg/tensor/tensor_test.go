package tensor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestFromSlice_ShapeMismatch(t *testing.T) {
	_, err := FromSlice([]float64{1, 2, 3}, 2, 2)
	assert.Error(t, err)
}

func TestReshape_SharesData(t *testing.T) {
	a := MustFromSlice([]float64{1, 2, 3, 4, 5, 6}, 2, 3)
	b, err := a.Reshape(3, 2)
	require.NoError(t, err)

	b.Data[0] = 42
	assert.Equal(t, 42.0, a.Data[0])
	assert.Equal(t, Shape{3, 2}, b.Shape)

	_, err = a.Reshape(4, 2)
	assert.Error(t, err)
}

func TestClone_Independent(t *testing.T) {
	a := MustFromSlice([]float64{1, 2, 3, 4}, 4)
	b := a.Clone()
	a.Data[0] = 99
	assert.Equal(t, 1.0, b.Data[0])
}

func TestMatMul(t *testing.T) {
	a := MustFromSlice([]float64{1, 2, 3, 4, 5, 6}, 2, 3)
	b := MustFromSlice([]float64{7, 8, 9, 10, 11, 12}, 3, 2)

	got := MatMul(a, b)

	want := MustFromSlice([]float64{58, 64, 139, 154}, 2, 2)
	assert.Equal(t, want.Data, got.Data)
	assert.Equal(t, Shape{2, 2}, got.Shape)
}

func TestSumPerExample(t *testing.T) {
	a := MustFromSlice([]float64{1, 2, 3, 4, 5, 6}, 2, 3)
	got := SumPerExample(a)
	assert.Equal(t, []float64{6, 15}, got.Data)
}

func TestMulPerExample(t *testing.T) {
	a := MustFromSlice([]float64{1, 1, 1, 2, 2, 2}, 2, 3)
	scale := MustFromSlice([]float64{10, 100}, 2)
	got := MulPerExample(a, scale)
	assert.Equal(t, []float64{10, 10, 10, 200, 200, 200}, got.Data)
}

func TestStabilize_SignConvention(t *testing.T) {
	a := MustFromSlice([]float64{2, -2, 0}, 3)
	got := Stabilize(a, 0.5)
	assert.Equal(t, []float64{2.5, -2.5, 0.5}, got.Data)
}

func TestAt_Set(t *testing.T) {
	a := Zeros(2, 3, 4)
	a.Set(7, 1, 2, 3)
	assert.Equal(t, 7.0, a.At(1, 2, 3))
	assert.Equal(t, 7.0, a.Data[1*12+2*4+3])

	assert.Panics(t, func() { a.At(2, 0, 0) })
	assert.Panics(t, func() { a.At(0, 0) })
}

func TestElementwiseProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 32).Draw(t, "n")
		gen := rapid.SliceOfN(rapid.Float64Range(-1e3, 1e3), n, n)
		a := MustFromSlice(gen.Draw(t, "a"), n)
		b := MustFromSlice(gen.Draw(t, "b"), n)

		// Addition commutes; subtraction then addition restores a.
		ab := Add(a, b)
		ba := Add(b, a)
		for i := range ab.Data {
			if ab.Data[i] != ba.Data[i] {
				t.Fatalf("add not commutative at %d: %v vs %v", i, ab.Data[i], ba.Data[i])
			}
		}

		back := Add(Sub(a, b), b)
		for i := range back.Data {
			if diff := back.Data[i] - a.Data[i]; diff > 1e-9 || diff < -1e-9 {
				t.Fatalf("sub/add roundtrip drift at %d: %v", i, diff)
			}
		}

		// Per-example sum over a flat batch equals elementwise values.
		s := SumPerExample(a)
		for i := range a.Data {
			if s.Data[i] != a.Data[i] {
				t.Fatalf("flat per-example sum mismatch at %d", i)
			}
		}
	})
}
