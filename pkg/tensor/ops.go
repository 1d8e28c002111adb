package tensor

import (
	"fmt"
	"math"
)

func sameShape(op string, a, b *Tensor) {
	if !a.Shape.Equal(b.Shape) {
		panic(fmt.Sprintf("tensor: %s shape mismatch %v vs %v", op, a.Shape, b.Shape))
	}
}

// Add returns a + b elementwise.
func Add(a, b *Tensor) *Tensor {
	sameShape("add", a, b)
	out := ZerosLike(a)
	for i := range a.Data {
		out.Data[i] = a.Data[i] + b.Data[i]
	}
	return out
}

// Sub returns a - b elementwise.
func Sub(a, b *Tensor) *Tensor {
	sameShape("sub", a, b)
	out := ZerosLike(a)
	for i := range a.Data {
		out.Data[i] = a.Data[i] - b.Data[i]
	}
	return out
}

// Mul returns a * b elementwise (Hadamard product).
func Mul(a, b *Tensor) *Tensor {
	sameShape("mul", a, b)
	out := ZerosLike(a)
	for i := range a.Data {
		out.Data[i] = a.Data[i] * b.Data[i]
	}
	return out
}

// Div returns a / b elementwise. The caller is responsible for b being
// bounded away from zero (the propagation rules stabilize denominators
// before dividing).
func Div(a, b *Tensor) *Tensor {
	sameShape("div", a, b)
	out := ZerosLike(a)
	for i := range a.Data {
		out.Data[i] = a.Data[i] / b.Data[i]
	}
	return out
}

// Scale returns t * v elementwise.
func Scale(t *Tensor, v float64) *Tensor {
	out := ZerosLike(t)
	for i := range t.Data {
		out.Data[i] = t.Data[i] * v
	}
	return out
}

// Apply returns f mapped over every element.
func Apply(t *Tensor, f func(float64) float64) *Tensor {
	out := ZerosLike(t)
	for i := range t.Data {
		out.Data[i] = f(t.Data[i])
	}
	return out
}

// AccumulateInto adds src into dst in place; shapes must match.
func AccumulateInto(dst, src *Tensor) {
	sameShape("accumulate", dst, src)
	for i := range dst.Data {
		dst.Data[i] += src.Data[i]
	}
}

// Sum returns the sum of all elements.
func Sum(t *Tensor) float64 {
	s := 0.0
	for _, v := range t.Data {
		s += v
	}
	return s
}

// SumPerExample reduces over every dimension except dimension 0 and
// returns a [batch] tensor of per-example sums.
func SumPerExample(t *Tensor) *Tensor {
	b := t.Batch()
	out := Zeros(b)
	if b == 0 {
		return out
	}
	per := len(t.Data) / b
	for i, v := range t.Data {
		out.Data[i/per] += v
	}
	return out
}

// MulPerExample multiplies every element of example i by scale.Data[i].
// scale must be a [batch] tensor with batch matching t's dimension 0.
func MulPerExample(t, scale *Tensor) *Tensor {
	b := t.Batch()
	if len(scale.Shape) != 1 || scale.Shape[0] != b {
		panic(fmt.Sprintf("tensor: per-example scale %v against batch %d", scale.Shape, b))
	}
	out := ZerosLike(t)
	per := len(t.Data) / b
	for i, v := range t.Data {
		out.Data[i] = v * scale.Data[i/per]
	}
	return out
}

// MatMul computes a[m,k] x b[k,n] -> [m,n].
func MatMul(a, b *Tensor) *Tensor {
	if len(a.Shape) != 2 || len(b.Shape) != 2 || a.Shape[1] != b.Shape[0] {
		panic(fmt.Sprintf("tensor: matmul shapes %v x %v", a.Shape, b.Shape))
	}
	m, k, n := a.Shape[0], a.Shape[1], b.Shape[1]
	out := Zeros(m, n)
	for i := 0; i < m; i++ {
		arow := a.Data[i*k : (i+1)*k]
		orow := out.Data[i*n : (i+1)*n]
		for p := 0; p < k; p++ {
			av := arow[p]
			if av == 0 {
				continue
			}
			brow := b.Data[p*n : (p+1)*n]
			for j := 0; j < n; j++ {
				orow[j] += av * brow[j]
			}
		}
	}
	return out
}

// ClampMin returns t with every element floored at min.
func ClampMin(t *Tensor, min float64) *Tensor {
	return Apply(t, func(v float64) float64 {
		if v < min {
			return min
		}
		return v
	})
}

// Stabilize returns t + eps*sign(t), with sign(0) treated as +1, the
// denominator nudge used by epsilon-style redistribution.
func Stabilize(t *Tensor, eps float64) *Tensor {
	return Apply(t, func(v float64) float64 {
		if math.Signbit(v) {
			return v - eps
		}
		return v + eps
	})
}

// MaxAbs returns the largest absolute element value, or 0 for empty tensors.
func MaxAbs(t *Tensor) float64 {
	m := 0.0
	for _, v := range t.Data {
		if a := math.Abs(v); a > m {
			m = a
		}
	}
	return m
}
