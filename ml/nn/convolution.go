package nn

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"

	"github.com/ollama/speechenc/ml"
)

type Conv1D struct {
	Weight ml.Tensor `gguf:"weight"`
	Bias   ml.Tensor `gguf:"bias"`
}

// NewConv1D allocates a convolution with a (out, in/groups, k) kernel and a
// bias, both drawn from U(-1/sqrt(fan_in), 1/sqrt(fan_in)) where fan_in is
// in/groups*k.
func NewConv1D(ctx ml.Context, src rand.Source, dtype ml.DType, in, out, kernelSize, groups int) (*Conv1D, error) {
	if in <= 0 || out <= 0 || kernelSize <= 0 || groups <= 0 {
		return nil, fmt.Errorf("conv1d: sizes must be positive, got in=%d out=%d kernel=%d groups=%d", in, out, kernelSize, groups)
	}

	if in%groups != 0 || out%groups != 0 {
		return nil, fmt.Errorf("conv1d: channels (%d, %d) not divisible by groups %d", in, out, groups)
	}

	bound := 1 / math.Sqrt(float64(in/groups*kernelSize))

	weight, err := Uniform(ctx, src, dtype, -bound, bound, out, in/groups, kernelSize)
	if err != nil {
		return nil, err
	}

	bias, err := Uniform(ctx, src, dtype, -bound, bound, out)
	if err != nil {
		return nil, err
	}

	return &Conv1D{Weight: weight, Bias: bias}, nil
}

func (m *Conv1D) Forward(ctx ml.Context, t ml.Tensor, s, p0, p1, d, groups int) ml.Tensor {
	t = m.Weight.Conv1D(ctx, t, s, p0, p1, d, groups)
	if m.Bias != nil {
		t = t.Add(ctx, m.Bias.Reshape(ctx, 1, -1, 1))
	}

	return t
}

// WeightNormConv1D is a convolution whose kernel is stored as a direction and
// a magnitude. The effective kernel is Magnitude * Direction / ||Direction||
// where the norm is taken over every dimension except Dim.
type WeightNormConv1D struct {
	Direction ml.Tensor `gguf:"weight_v"`
	Magnitude ml.Tensor `gguf:"weight_g"`
	Bias      ml.Tensor `gguf:"bias"`

	Dim int
}

// NewWeightNormConv1D decomposes weight along dim. The magnitude starts out
// as the norm of weight so the effective kernel equals weight.
func NewWeightNormConv1D(ctx ml.Context, weight, bias ml.Tensor, dim int) *WeightNormConv1D {
	return &WeightNormConv1D{
		Direction: weight,
		Magnitude: weight.L2Norm(ctx, dim),
		Bias:      bias,
		Dim:       dim,
	}
}

func (m *WeightNormConv1D) Weight(ctx ml.Context) ml.Tensor {
	norm := m.Direction.L2Norm(ctx, m.Dim)
	return m.Direction.Mul(ctx, m.Magnitude.Div(ctx, norm))
}

func (m *WeightNormConv1D) Forward(ctx ml.Context, t ml.Tensor, s, p0, p1, d, groups int) ml.Tensor {
	t = m.Weight(ctx).Conv1D(ctx, t, s, p0, p1, d, groups)
	if m.Bias != nil {
		t = t.Add(ctx, m.Bias.Reshape(ctx, 1, -1, 1))
	}

	return t
}
