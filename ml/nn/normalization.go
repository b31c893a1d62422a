package nn

import (
	"github.com/ollama/speechenc/ml"
)

// LayerNorm normalizes over the last dimension. Weight and Bias are nil when
// the norm has no learnable affine transform.
type LayerNorm struct {
	Weight ml.Tensor `gguf:"weight"`
	Bias   ml.Tensor `gguf:"bias"`
}

func NewLayerNorm(ctx ml.Context, dtype ml.DType, dim int, affine bool) *LayerNorm {
	if !affine {
		return &LayerNorm{}
	}

	return &LayerNorm{
		Weight: Constant(ctx, dtype, 1, dim),
		Bias:   Constant(ctx, dtype, 0, dim),
	}
}

func (m *LayerNorm) Forward(ctx ml.Context, t ml.Tensor, eps float32) ml.Tensor {
	return t.LayerNorm(ctx, m.Weight, m.Bias, eps)
}
