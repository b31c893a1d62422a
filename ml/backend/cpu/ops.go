package cpu

import (
	"fmt"
	"math"

	"github.com/ollama/speechenc/ml"
)

func broadcastShapes(a, b []int) ([]int, error) {
	shape := make([]int, max(len(a), len(b)))
	for i := range shape {
		da, db := 1, 1
		if j := len(a) - len(shape) + i; j >= 0 {
			da = a[j]
		}
		if j := len(b) - len(shape) + i; j >= 0 {
			db = b[j]
		}

		switch {
		case da == db, db == 1:
			shape[i] = da
		case da == 1:
			shape[i] = db
		default:
			return nil, fmt.Errorf("shapes %v and %v cannot be broadcast", a, b)
		}
	}

	return shape, nil
}

// broadcastStrides returns element strides into a tensor of the given shape
// when it is indexed with coordinates of out. Broadcast dimensions get a
// stride of zero.
func broadcastStrides(shape, out []int) []int {
	strides := make([]int, len(out))
	stride := 1
	for i := len(out) - 1; i >= 0; i-- {
		j := len(shape) - len(out) + i
		if j < 0 {
			continue
		}

		if shape[j] != 1 {
			strides[i] = stride
		}
		stride *= shape[j]
	}

	return strides
}

func (t *Tensor) binary(ctx ml.Context, t2 ml.Tensor, fn func(x, y float32) float32) ml.Tensor {
	b := fromBackend(t2)
	shape, err := broadcastShapes(t.shape, b.shape)
	if err != nil {
		panic(err)
	}

	out := empty(ctx, t.dtype, shape...)
	buf := out.buffer()

	xs, ys := t.values(), b.values()
	sx, sy := broadcastStrides(t.shape, shape), broadcastStrides(b.shape, shape)

	idx := make([]int, len(shape))
	var ix, iy int
	for i := range buf {
		buf[i] = fn(xs[ix], ys[iy])

		for d := len(shape) - 1; d >= 0; d-- {
			idx[d]++
			ix += sx[d]
			iy += sy[d]
			if idx[d] < shape[d] {
				break
			}

			ix -= sx[d] * shape[d]
			iy -= sy[d] * shape[d]
			idx[d] = 0
		}
	}

	out.commit(buf)
	return out
}

func (t *Tensor) unary(ctx ml.Context, fn func(x float32) float32) ml.Tensor {
	out := empty(ctx, t.dtype, t.shape...)
	buf := out.buffer()
	for i, v := range t.values() {
		buf[i] = fn(v)
	}

	out.commit(buf)
	return out
}

func (t *Tensor) Add(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.binary(ctx, t2, func(x, y float32) float32 { return x + y })
}

func (t *Tensor) Sub(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.binary(ctx, t2, func(x, y float32) float32 { return x - y })
}

func (t *Tensor) Mul(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.binary(ctx, t2, func(x, y float32) float32 { return x * y })
}

func (t *Tensor) Div(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.binary(ctx, t2, func(x, y float32) float32 { return x / y })
}

func (t *Tensor) Scale(ctx ml.Context, s float64) ml.Tensor {
	return t.unary(ctx, func(x float32) float32 { return float32(float64(x) * s) })
}

func sigmoid(x float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(x))))
}

func (t *Tensor) Sigmoid(ctx ml.Context) ml.Tensor {
	return t.unary(ctx, sigmoid)
}

// GELU uses the exact erf formulation
func (t *Tensor) GELU(ctx ml.Context) ml.Tensor {
	return t.unary(ctx, func(x float32) float32 {
		return float32(0.5 * float64(x) * (1 + math.Erf(float64(x)/math.Sqrt2)))
	})
}

func (t *Tensor) GLU(ctx ml.Context, dim int) ml.Tensor {
	if dim < 0 || dim >= len(t.shape) {
		panic(fmt.Errorf("glu: dimension %d out of range for shape %v", dim, t.shape))
	}

	if t.shape[dim]%2 != 0 {
		panic(fmt.Errorf("glu: dimension %d of shape %v must be even", dim, t.shape))
	}

	outer, inner := 1, 1
	for _, d := range t.shape[:dim] {
		outer *= d
	}
	for _, d := range t.shape[dim+1:] {
		inner *= d
	}

	half := t.shape[dim] / 2
	shape := t.Shape()
	shape[dim] = half

	out := empty(ctx, t.dtype, shape...)
	buf := out.buffer()
	xs := t.values()
	for o := range outer {
		for j := range half {
			a := xs[(o*2*half+j)*inner:][:inner]
			b := xs[(o*2*half+j+half)*inner:][:inner]
			dst := buf[(o*half+j)*inner:][:inner]
			for k := range dst {
				dst[k] = a[k] * sigmoid(b[k])
			}
		}
	}

	out.commit(buf)
	return out
}

func (t *Tensor) MaskedFill(ctx ml.Context, mask ml.Tensor, value float32) ml.Tensor {
	return t.binary(ctx, mask, func(x, m float32) float32 {
		if m != 0 {
			return value
		}

		return x
	})
}

func (t *Tensor) Cast(ctx ml.Context, dtype ml.DType) ml.Tensor {
	out := empty(ctx, dtype, t.shape...)
	buf := out.buffer()
	copy(buf, t.values())
	out.commit(buf)
	return out
}
