package model

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"

	"github.com/ollama/speechenc/ml"
	_ "github.com/ollama/speechenc/ml/backend"
	"github.com/ollama/speechenc/ml/nn"
)

func setup(tb testing.TB) ml.Context {
	tb.Helper()

	b, err := ml.NewBackend("cpu", ml.BackendParams{NumThreads: 1})
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

type fakeBlock struct {
	Conv *nn.Conv1D    `gguf:"conv"`
	Norm *nn.LayerNorm `gguf:"norm,alt:ln"`
}

type fakeModel struct {
	Blocks   []*fakeBlock  `gguf:"blk"`
	Heads    [2]*nn.Conv1D `gguf:"head"`
	Output   ml.Tensor     `gguf:"output"`
	Missing  ml.Tensor     `gguf:"missing"`
	Untagged *nn.LayerNorm

	hidden ml.Tensor
}

func TestParameters(t *testing.T) {
	ctx := setup(t)
	src := rand.NewSource(1)

	newConv := func() *nn.Conv1D {
		conv, err := nn.NewConv1D(ctx, src, ml.DTypeF32, 2, 2, 3, 1)
		require.NoError(t, err)
		return conv
	}

	m := &fakeModel{
		Blocks: []*fakeBlock{
			{Conv: newConv(), Norm: nn.NewLayerNorm(ctx, ml.DTypeF32, 2, true)},
			{Conv: newConv(), Norm: nn.NewLayerNorm(ctx, ml.DTypeF32, 2, false)},
			nil,
		},
		Heads:    [2]*nn.Conv1D{newConv()},
		Output:   nn.Constant(ctx, ml.DTypeF32, 1, 4),
		Untagged: nn.NewLayerNorm(ctx, ml.DTypeF32, 2, true),
		hidden:   nn.Constant(ctx, ml.DTypeF32, 1, 4),
	}

	params := Parameters(m)

	var names []string
	for name := range params {
		names = append(names, name)
	}

	want := []string{
		"blk.0.conv.bias",
		"blk.0.conv.weight",
		"blk.0.norm.bias",
		"blk.0.norm.weight",
		"blk.1.conv.bias",
		"blk.1.conv.weight",
		"head.0.bias",
		"head.0.weight",
		"output",
		// untagged fields keep their parent's name
		"bias",
		"weight",
	}

	if diff := cmp.Diff(want, names, cmpopts.SortSlices(func(a, b string) bool { return a < b })); diff != "" {
		t.Errorf("names mismatch (-want +got):\n%s", diff)
	}

	require.Same(t, m.Blocks[1].Conv.Weight, params["blk.1.conv.weight"])
	require.Same(t, m.Output, params["output"])
	require.Same(t, m.Untagged.Weight, params["weight"])

	// 3 convolutions of 2*2*3+2, 2 affine norms of 2+2 and the output
	require.Equal(t, 3*14+2*4+4, NumParameters(m))
}

func TestParametersEmpty(t *testing.T) {
	require.Empty(t, Parameters(nil))
	require.Empty(t, Parameters((*fakeModel)(nil)))
	require.Empty(t, Parameters(&fakeModel{}))
	require.Zero(t, NumParameters(&fakeModel{}))
}
