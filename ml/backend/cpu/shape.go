package cpu

import (
	"fmt"
	"slices"

	"github.com/pdevine/tensor"

	"github.com/ollama/speechenc/ml"
)

// inferShape updates shape in place to resolve a single -1 dimension
func inferShape(t *Tensor, shape []int) {
	total := 1
	for _, dim := range t.shape {
		total *= dim
	}

	inferred := -1
	for i := range shape {
		switch {
		case shape[i] == -1:
			if inferred != -1 {
				panic("only one dimension can be inferred")
			}
			inferred = i
		case shape[i] == 0:
			panic("dimension cannot be zero")
		}
	}

	if inferred != -1 {
		known := 1
		for i, dim := range shape {
			if i != inferred {
				known *= dim
			}
		}

		if known == 0 || total%known != 0 {
			panic("cannot infer dimension")
		}

		shape[inferred] = total / known
	}
}

func (t *Tensor) Reshape(ctx ml.Context, shape ...int) ml.Tensor {
	shape = slices.Clone(shape)
	inferShape(t, shape)

	n := 1
	for _, dim := range shape {
		n *= dim
	}

	if n != t.len() {
		panic(fmt.Errorf("cannot reshape %v into %v", t.shape, shape))
	}

	out := empty(ctx, t.dtype, shape...)
	copy(out.f32s, t.f32s)
	copy(out.i32s, t.i32s)
	return out
}

func (t *Tensor) Contiguous(ctx ml.Context) ml.Tensor {
	out := empty(ctx, t.dtype, t.shape...)
	copy(out.f32s, t.f32s)
	copy(out.i32s, t.i32s)
	return out
}

func (t *Tensor) Permute(ctx ml.Context, order ...int) ml.Tensor {
	if len(order) != len(t.shape) {
		panic(fmt.Errorf("permute: order %v does not match rank of %v", order, t.shape))
	}

	identity := true
	seen := make([]bool, len(order))
	shape := make([]int, len(order))
	for i, o := range order {
		if o < 0 || o >= len(order) || seen[o] {
			panic(fmt.Errorf("permute: invalid order %v", order))
		}

		seen[o] = true
		shape[i] = t.shape[o]
		identity = identity && o == i
	}

	if identity || t.len() == 0 {
		out := empty(ctx, t.dtype, shape...)
		copy(out.f32s, t.f32s)
		copy(out.i32s, t.i32s)
		return out
	}

	// the dense tensor takes ownership of its backing, which Transpose
	// rearranges in place
	var backing any
	if t.dtype == ml.DTypeI32 {
		backing = slices.Clone(t.i32s)
	} else {
		backing = slices.Clone(t.f32s)
	}

	n := tensor.New(tensor.WithShape(t.shape...), tensor.WithBacking(backing))
	if err := n.T(order...); err != nil {
		panic(err)
	}

	if err := n.Transpose(); err != nil {
		panic(err)
	}

	out := empty(ctx, t.dtype, shape...)
	switch data := n.Data().(type) {
	case []float32:
		copy(out.f32s, data)
	case []int32:
		copy(out.i32s, data)
	}

	return out
}

func (t *Tensor) Slice(ctx ml.Context, dim, low, high, step int) ml.Tensor {
	if dim < 0 || dim >= len(t.shape) {
		panic(fmt.Errorf("slice: dimension %d out of range for shape %v", dim, t.shape))
	}

	if low < 0 || high > t.shape[dim] || low > high || step < 1 {
		panic(fmt.Errorf("slice: invalid range [%d:%d:%d] for dimension of size %d", low, high, step, t.shape[dim]))
	}

	outer, inner := 1, 1
	for _, d := range t.shape[:dim] {
		outer *= d
	}
	for _, d := range t.shape[dim+1:] {
		inner *= d
	}

	shape := t.Shape()
	shape[dim] = (high - low + step - 1) / step

	out := empty(ctx, t.dtype, shape...)
	for o := range outer {
		for j := range shape[dim] {
			src := (o*t.shape[dim] + low + j*step) * inner
			dst := (o*shape[dim] + j) * inner
			if t.dtype == ml.DTypeI32 {
				copy(out.i32s[dst:dst+inner], t.i32s[src:src+inner])
			} else {
				copy(out.f32s[dst:dst+inner], t.f32s[src:src+inner])
			}
		}
	}

	return out
}
