package nn

import (
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/ollama/speechenc/ml"
)

type sampler interface {
	Rand() float64
}

func sample(ctx ml.Context, dist sampler, dtype ml.DType, shape []int) (ml.Tensor, error) {
	n := 1
	for _, dim := range shape {
		n *= dim
	}

	s := make([]float32, n)
	for i := range s {
		s[i] = float32(dist.Rand())
	}

	t, err := ctx.FromFloatSlice(s, shape...)
	if err != nil {
		return nil, err
	}

	if dtype != ml.DTypeF32 {
		t = t.Cast(ctx, dtype)
	}

	return t, nil
}

// Normal returns a tensor drawn from N(mean, std^2)
func Normal(ctx ml.Context, src rand.Source, dtype ml.DType, mean, std float64, shape ...int) (ml.Tensor, error) {
	return sample(ctx, distuv.Normal{Mu: mean, Sigma: std, Src: src}, dtype, shape)
}

// Uniform returns a tensor drawn from U(low, high)
func Uniform(ctx ml.Context, src rand.Source, dtype ml.DType, low, high float64, shape ...int) (ml.Tensor, error) {
	return sample(ctx, distuv.Uniform{Min: low, Max: high, Src: src}, dtype, shape)
}

// Constant returns a tensor with every element set to value
func Constant(ctx ml.Context, dtype ml.DType, value float32, shape ...int) ml.Tensor {
	if value == 0 {
		return ctx.Zeros(dtype, shape...)
	}

	n := 1
	for _, dim := range shape {
		n *= dim
	}

	s := make([]float32, n)
	for i := range s {
		s[i] = value
	}

	t, err := ctx.FromFloatSlice(s, shape...)
	if err != nil {
		panic(err)
	}

	if dtype != ml.DTypeF32 {
		t = t.Cast(ctx, dtype)
	}

	return t
}
