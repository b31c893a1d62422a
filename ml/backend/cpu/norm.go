package cpu

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/ollama/speechenc/logutil"
	"github.com/ollama/speechenc/ml"
)

func (t *Tensor) LayerNorm(ctx ml.Context, w, b ml.Tensor, eps float32) ml.Tensor {
	if len(t.shape) == 0 {
		panic("layer norm: scalar input")
	}

	n := t.shape[len(t.shape)-1]

	var weight, bias []float32
	if w != nil {
		weight = fromBackend(w).values()
		if len(weight) != n {
			panic(fmt.Errorf("layer norm: weight has %d elements, want %d", len(weight), n))
		}
	}
	if b != nil {
		bias = fromBackend(b).values()
		if len(bias) != n {
			panic(fmt.Errorf("layer norm: bias has %d elements, want %d", len(bias), n))
		}
	}

	logutil.Trace("cpu: layer norm", "t", t, "affine", w != nil || b != nil)

	out := empty(ctx, t.dtype, t.shape...)
	buf := out.buffer()
	if n == 0 {
		return out
	}

	xs := t.values()
	row := make([]float64, n)
	for r := 0; r < len(xs)/n; r++ {
		for i, v := range xs[r*n : (r+1)*n] {
			row[i] = float64(v)
		}

		mean := floats.Sum(row) / float64(n)
		floats.AddConst(-mean, row)
		variance := floats.Dot(row, row) / float64(n)
		floats.Scale(1/math.Sqrt(variance+float64(eps)), row)

		dst := buf[r*n : (r+1)*n]
		for i, v := range row {
			if weight != nil {
				v *= float64(weight[i])
			}
			if bias != nil {
				v += float64(bias[i])
			}
			dst[i] = float32(v)
		}
	}

	out.commit(buf)
	logutil.Trace("cpu: layer norm output", "out", out, "values", dumped{out})
	return out
}

func (t *Tensor) L2Norm(ctx ml.Context, dim int) ml.Tensor {
	if dim < 0 || dim >= len(t.shape) {
		panic(fmt.Errorf("l2 norm: dimension %d out of range for shape %v", dim, t.shape))
	}

	outer, inner := 1, 1
	for _, d := range t.shape[:dim] {
		outer *= d
	}
	for _, d := range t.shape[dim+1:] {
		inner *= d
	}

	shape := make([]int, len(t.shape))
	for i := range shape {
		shape[i] = 1
	}
	shape[dim] = t.shape[dim]

	sums := make([]float64, t.shape[dim])
	row := make([]float64, inner)

	xs := t.values()
	for o := range outer {
		for j := range sums {
			for k, v := range xs[(o*t.shape[dim]+j)*inner:][:inner] {
				row[k] = float64(v)
			}
			sums[j] += floats.Dot(row, row)
		}
	}

	out := empty(ctx, t.dtype, shape...)
	buf := out.buffer()
	for j, s := range sums {
		buf[j] = float32(math.Sqrt(s))
	}

	out.commit(buf)
	return out
}
