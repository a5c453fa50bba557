package tensor

import (
	"fmt"
	"math"
)

// Roll cyclically shifts the tensor by the same displacement along each of the
// given dimensions. Elements shifted past the end wrap around to the start, so
// Roll(d, dims...) followed by Roll(-d, dims...) is the identity.
func (t *Tensor) Roll(shift int, dims ...int) *Tensor {
	out := New(t.shape...)
	idx := make([]int, len(t.shape))
	dst := make([]int, len(t.shape))
	for flat := range t.Data {
		unravel(flat, t.strides, idx)
		copy(dst, idx)
		for _, d := range dims {
			n := t.shape[d]
			dst[d] = ((idx[d]+shift)%n + n) % n
		}
		out.Data[out.offset(dst)] = t.Data[flat]
	}
	return out
}

// Permute returns a copy of t with dimensions reordered so that output
// dimension i is input dimension order[i].
func (t *Tensor) Permute(order ...int) (*Tensor, error) {
	if len(order) != len(t.shape) {
		return nil, fmt.Errorf("tensor: permutation %v does not match rank %d", order, len(t.shape))
	}
	seen := make([]bool, len(order))
	shape := make([]int, len(order))
	for i, o := range order {
		if o < 0 || o >= len(t.shape) || seen[o] {
			return nil, fmt.Errorf("tensor: invalid permutation %v", order)
		}
		seen[o] = true
		shape[i] = t.shape[o]
	}
	out := New(shape...)
	src := make([]int, len(t.shape))
	dst := make([]int, len(t.shape))
	for flat := range t.Data {
		unravel(flat, t.strides, src)
		for i, o := range order {
			dst[i] = src[o]
		}
		out.Data[out.offset(dst)] = t.Data[flat]
	}
	return out, nil
}

// MatMul multiplies two rank-2 tensors.
func MatMul(a, b *Tensor) (*Tensor, error) {
	if a.Rank() != 2 || b.Rank() != 2 {
		return nil, fmt.Errorf("tensor: MatMul needs rank-2 operands, got %v x %v", a.shape, b.shape)
	}
	m, ka := a.shape[0], a.shape[1]
	kb, n := b.shape[0], b.shape[1]
	if ka != kb {
		return nil, fmt.Errorf("tensor: MatMul shape mismatch %v x %v", a.shape, b.shape)
	}
	out := New(m, n)
	for i := 0; i < m; i++ {
		arow := a.Data[i*ka : (i+1)*ka]
		orow := out.Data[i*n : (i+1)*n]
		for k, av := range arow {
			if av == 0 {
				continue
			}
			brow := b.Data[k*n : (k+1)*n]
			for j, bv := range brow {
				orow[j] += av * bv
			}
		}
	}
	return out, nil
}

// Softmax applies a numerically stable softmax along the last dimension.
// -Inf logits contribute zero probability.
func Softmax(t *Tensor) *Tensor {
	out := t.Clone()
	n := t.shape[len(t.shape)-1]
	for start := 0; start < len(out.Data); start += n {
		row := out.Data[start : start+n]
		maxv := math.Inf(-1)
		for _, v := range row {
			if v > maxv {
				maxv = v
			}
		}
		if math.IsInf(maxv, -1) {
			// Whole row is masked out; leave a uniform distribution rather
			// than dividing zero by zero.
			for i := range row {
				row[i] = 1.0 / float64(n)
			}
			continue
		}
		sum := 0.0
		for i, v := range row {
			e := math.Exp(v - maxv)
			row[i] = e
			sum += e
		}
		for i := range row {
			row[i] /= sum
		}
	}
	return out
}

// Apply returns a new tensor with f applied elementwise.
func (t *Tensor) Apply(f func(float64) float64) *Tensor {
	out := New(t.shape...)
	for i, v := range t.Data {
		out.Data[i] = f(v)
	}
	return out
}

// AddInto accumulates other into t elementwise. Shapes must match exactly.
func (t *Tensor) AddInto(other *Tensor) error {
	if !sameShape(t.shape, other.shape) {
		return fmt.Errorf("tensor: AddInto shape mismatch %v vs %v", t.shape, other.shape)
	}
	for i, v := range other.Data {
		t.Data[i] += v
	}
	return nil
}

// AllClose reports whether a and b have the same shape and elementwise
// absolute difference within tol.
func AllClose(a, b *Tensor, tol float64) bool {
	if !sameShape(a.shape, b.shape) {
		return false
	}
	for i := range a.Data {
		if math.Abs(a.Data[i]-b.Data[i]) > tol {
			return false
		}
	}
	return true
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func unravel(flat int, strides []int, idx []int) {
	for i, s := range strides {
		idx[i] = flat / s
		flat %= s
	}
}
