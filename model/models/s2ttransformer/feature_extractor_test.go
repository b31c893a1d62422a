package s2ttransformer

import (
	"strconv"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"

	"github.com/ollama/speechenc/fs"
	"github.com/ollama/speechenc/ml"
	_ "github.com/ollama/speechenc/ml/backend"
	"github.com/ollama/speechenc/model"
)

func setup(tb testing.TB) ml.Context {
	tb.Helper()

	b, err := ml.NewBackend("cpu", ml.BackendParams{NumThreads: 4})
	if err != nil {
		tb.Fatal(err)
	}

	ctx := b.NewContext()
	tb.Cleanup(func() {
		ctx.Close()
		b.Close()
	})

	return ctx
}

func arange(ctx ml.Context, tb testing.TB, shape ...int) ml.Tensor {
	tb.Helper()

	n := 1
	for _, dim := range shape {
		n *= dim
	}

	s := make([]float32, n)
	for i := range s {
		s[i] = float32(i%17)/17 - 0.5
	}

	t, err := ctx.FromFloatSlice(s, shape...)
	if err != nil {
		tb.Fatal(err)
	}

	return t
}

func TestFbankSubsampler(t *testing.T) {
	ctx := setup(t)

	m, err := NewFbankSubsampler(ctx, FbankSubsamplerOptions{
		NumChannels: 80,
		InnerDim:    512,
		FeatureDim:  256,
		Source:      rand.NewSource(1),
	})
	require.NoError(t, err)
	require.Len(t, m.Layers, 2)
	require.Equal(t, 256, m.FeatureDim())

	if diff := cmp.Diff([]int{512, 80, 3}, m.Layers[0].Conv.Weight.Shape()); diff != "" {
		t.Errorf("layer 0 weight mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([]int{512, 256, 3}, m.Layers[1].Conv.Weight.Shape()); diff != "" {
		t.Errorf("layer 1 weight mismatch (-want +got):\n%s", diff)
	}

	seqLens := []int{100, 80}
	out, outLens := m.Forward(ctx, arange(ctx, t, 2, 100, 80), seqLens)

	if diff := cmp.Diff([]int{2, 25, 256}, out.Shape()); diff != "" {
		t.Errorf("shape mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([]int{25, 20}, outLens); diff != "" {
		t.Errorf("lengths mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([]int{100, 80}, seqLens); diff != "" {
		t.Errorf("input lengths modified (-want +got):\n%s", diff)
	}
}

func TestFbankSubsamplerNilSeqLens(t *testing.T) {
	ctx := setup(t)

	m, err := NewFbankSubsampler(ctx, FbankSubsamplerOptions{
		NumChannels: 4,
		InnerDim:    8,
		FeatureDim:  6,
		Source:      rand.NewSource(1),
	})
	require.NoError(t, err)

	out, outLens := m.Forward(ctx, arange(ctx, t, 1, 9, 4), nil)
	require.Nil(t, outLens)

	if diff := cmp.Diff([]int{1, 3, 6}, out.Shape()); diff != "" {
		t.Errorf("shape mismatch (-want +got):\n%s", diff)
	}
}

func TestFbankSubsamplerValues(t *testing.T) {
	ctx := setup(t)

	m, err := NewFbankSubsampler(ctx, FbankSubsamplerOptions{
		NumChannels: 1,
		InnerDim:    2,
		FeatureDim:  1,
		KernelSizes: []int{1},
	})
	require.NoError(t, err)

	// first output channel passes the input through, the second gates it
	// with sigmoid(0) = 0.5
	m.Layers[0].Conv.Weight, err = ctx.FromFloatSlice([]float32{1, 0}, 2, 1, 1)
	require.NoError(t, err)
	m.Layers[0].Conv.Bias, err = ctx.FromFloatSlice([]float32{0, 0}, 2)
	require.NoError(t, err)

	seqs, err := ctx.FromFloatSlice([]float32{1, 2, 3, 4, 5}, 1, 5, 1)
	require.NoError(t, err)

	out, outLens := m.Forward(ctx, seqs, []int{5})

	if diff := cmp.Diff([]int{1, 3, 1}, out.Shape()); diff != "" {
		t.Errorf("shape mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([]float32{0.5, 1.5, 2.5}, out.Floats(), cmpopts.EquateApprox(0, 1e-6)); diff != "" {
		t.Errorf("values mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([]int{3}, outLens); diff != "" {
		t.Errorf("lengths mismatch (-want +got):\n%s", diff)
	}
}

func TestComputeSeqLens(t *testing.T) {
	cases := []struct {
		name        string
		kernelSizes []int
		seqLens     []int
		want        []int
	}{
		{"one layer", []int{3}, []int{0, 1, 2, 3, 4, 5}, []int{0, 1, 1, 2, 2, 3}},
		{"two layers", []int{3, 3}, []int{0, 1, 2, 3, 4, 5, 100, 80}, []int{0, 1, 1, 1, 1, 2, 25, 20}},
		{"three layers", []int{3, 3, 3}, []int{0, 7, 8, 9, 100}, []int{0, 1, 1, 2, 13}},
		{"empty", []int{3, 3}, []int{}, []int{}},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			m := &FbankSubsampler{Layers: make([]*SubsamplerLayer, len(tt.kernelSizes))}
			if diff := cmp.Diff(tt.want, m.ComputeSeqLens(tt.seqLens)); diff != "" {
				t.Errorf("lengths mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFbankSubsamplerSeqLensFitOutput(t *testing.T) {
	ctx := setup(t)

	m, err := NewFbankSubsampler(ctx, FbankSubsamplerOptions{
		NumChannels: 2,
		InnerDim:    4,
		FeatureDim:  3,
		KernelSizes: []int{3, 5, 3},
		Source:      rand.NewSource(7),
	})
	require.NoError(t, err)

	for frames := 1; frames <= 24; frames++ {
		t.Run(strconv.Itoa(frames), func(t *testing.T) {
			seqLens := []int{0, frames / 2, frames}
			out, outLens := m.Forward(ctx, arange(ctx, t, 3, frames, 2), seqLens)
			require.Equal(t, 3, out.Dim(2))

			for i, n := range outLens {
				require.LessOrEqual(t, n, out.Dim(1), "sequence %d of %d frames", i, frames)
			}

			require.Equal(t, out.Dim(1), outLens[2], "full sequence of %d frames", frames)
			require.Equal(t, 0, outLens[0])
		})
	}
}

func TestFbankSubsamplerDeterministic(t *testing.T) {
	ctx := setup(t)

	opts := FbankSubsamplerOptions{NumChannels: 3, InnerDim: 4, FeatureDim: 2}

	opts.Source = rand.NewSource(42)
	a, err := NewFbankSubsampler(ctx, opts)
	require.NoError(t, err)

	opts.Source = rand.NewSource(42)
	b, err := NewFbankSubsampler(ctx, opts)
	require.NoError(t, err)

	for i := range a.Layers {
		if diff := cmp.Diff(a.Layers[i].Conv.Weight.Floats(), b.Layers[i].Conv.Weight.Floats()); diff != "" {
			t.Errorf("layer %d weight mismatch (-a +b):\n%s", i, diff)
		}
	}

	// default conv init is bounded by 1/sqrt(fan_in)
	for _, v := range a.Layers[0].Conv.Weight.Floats() {
		require.LessOrEqual(t, v, float32(1/3.0))
		require.GreaterOrEqual(t, v, float32(-1/3.0))
	}
}

func TestFbankSubsamplerHalfPrecision(t *testing.T) {
	ctx := setup(t)

	m, err := NewFbankSubsampler(ctx, FbankSubsamplerOptions{
		NumChannels: 4,
		InnerDim:    8,
		FeatureDim:  2,
		DType:       ml.DTypeF16,
		Source:      rand.NewSource(1),
	})
	require.NoError(t, err)
	require.Equal(t, ml.DTypeF16, m.Layers[0].Conv.Weight.DType())

	seqs := arange(ctx, t, 2, 8, 4).Cast(ctx, ml.DTypeF16)
	out, _ := m.Forward(ctx, seqs, nil)
	require.Equal(t, ml.DTypeF16, out.DType())

	if diff := cmp.Diff([]int{2, 2, 2}, out.Shape()); diff != "" {
		t.Errorf("shape mismatch (-want +got):\n%s", diff)
	}
}

func TestFbankSubsamplerParameters(t *testing.T) {
	ctx := setup(t)

	m, err := NewFbankSubsampler(ctx, FbankSubsamplerOptions{
		NumChannels: 80,
		InnerDim:    512,
		FeatureDim:  256,
		Source:      rand.NewSource(1),
	})
	require.NoError(t, err)

	params := model.Parameters(m)
	require.Len(t, params, 4)
	require.Same(t, m.Layers[0].Conv.Weight, params["blk.0.conv.weight"])
	require.Same(t, m.Layers[0].Conv.Bias, params["blk.0.conv.bias"])
	require.Same(t, m.Layers[1].Conv.Weight, params["blk.1.conv.weight"])
	require.Same(t, m.Layers[1].Conv.Bias, params["blk.1.conv.bias"])

	require.Equal(t, 512*80*3+512+512*256*3+512, model.NumParameters(m))
}

func TestFbankSubsamplerOptions(t *testing.T) {
	ctx := setup(t)

	cases := []struct {
		name string
		opts FbankSubsamplerOptions
	}{
		{"zero channels", FbankSubsamplerOptions{InnerDim: 4, FeatureDim: 2}},
		{"zero inner dim", FbankSubsamplerOptions{NumChannels: 4, FeatureDim: 2}},
		{"odd inner dim", FbankSubsamplerOptions{NumChannels: 4, InnerDim: 5, FeatureDim: 2}},
		{"zero feature dim", FbankSubsamplerOptions{NumChannels: 4, InnerDim: 4}},
		{"zero kernel", FbankSubsamplerOptions{NumChannels: 4, InnerDim: 4, FeatureDim: 2, KernelSizes: []int{3, 0}}},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewFbankSubsampler(ctx, tt.opts)
			require.Error(t, err)
		})
	}

	// a single layer never uses the inner dimension's halves
	_, err := NewFbankSubsampler(ctx, FbankSubsamplerOptions{NumChannels: 4, InnerDim: 5, FeatureDim: 2, KernelSizes: []int{3}})
	require.NoError(t, err)
}

func TestNewFbankSubsamplerFromConfig(t *testing.T) {
	ctx := setup(t)

	m, err := NewFbankSubsamplerFromConfig(ctx, fs.KV{
		"general.architecture":                           "s2t_transformer",
		"s2t_transformer.embedding_length":               uint32(16),
		"s2t_transformer.feature_extractor.num_channels": uint32(10),
		"s2t_transformer.feature_extractor.inner_dim":    uint32(12),
		"s2t_transformer.feature_extractor.kernel_sizes": []int32{5, 3, 3},
	})
	require.NoError(t, err)
	require.Len(t, m.Layers, 3)
	require.Equal(t, 16, m.FeatureDim())

	for i, want := range [][]int{{12, 10, 5}, {12, 6, 3}, {32, 6, 3}} {
		if diff := cmp.Diff(want, m.Layers[i].Conv.Weight.Shape()); diff != "" {
			t.Errorf("layer %d weight mismatch (-want +got):\n%s", i, diff)
		}
	}

	m, err = NewFbankSubsamplerFromConfig(ctx, fs.KV{"general.architecture": "s2t_transformer"})
	require.NoError(t, err)
	require.Len(t, m.Layers, 2)
	require.Equal(t, 256, m.FeatureDim())

	if diff := cmp.Diff([]int{1024, 80, 3}, m.Layers[0].Conv.Weight.Shape()); diff != "" {
		t.Errorf("default layer 0 weight mismatch (-want +got):\n%s", diff)
	}
}
