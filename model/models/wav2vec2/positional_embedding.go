// Package wav2vec2 implements the convolutional positional embeddings of
// wav2vec 2.0 and its data2vec-style stacked variant.
package wav2vec2

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"golang.org/x/exp/rand"

	"github.com/ollama/speechenc/envconfig"
	"github.com/ollama/speechenc/fs"
	"github.com/ollama/speechenc/kvcache"
	"github.com/ollama/speechenc/ml"
	"github.com/ollama/speechenc/ml/nn"
	"github.com/ollama/speechenc/model"
)

func validate(embedDim, kernelSize, numGroups int) error {
	var errs []error
	if embedDim <= 0 {
		errs = append(errs, fmt.Errorf("embedding dimension must be positive, got %d", embedDim))
	}

	if kernelSize <= 0 {
		errs = append(errs, fmt.Errorf("kernel size must be positive, got %d", kernelSize))
	}

	if numGroups <= 0 {
		errs = append(errs, fmt.Errorf("number of groups must be positive, got %d", numGroups))
	} else if embedDim%numGroups != 0 {
		errs = append(errs, fmt.Errorf("embedding dimension %d not divisible by %d groups", embedDim, numGroups))
	}

	return errors.Join(errs...)
}

func source(src rand.Source) rand.Source {
	if src == nil {
		return rand.NewSource(envconfig.Seed)
	}

	return src
}

type PositionalEmbeddingOptions struct {
	EmbedDim int

	// KernelSize defaults to 128
	KernelSize int

	// NumGroups defaults to 16
	NumGroups int

	DType  ml.DType
	Source rand.Source
}

// PositionalEmbedding produces relative positional information with a single
// grouped convolution over the sequence, as described in "wav2vec 2.0: A
// Framework for Self-Supervised Learning of Speech Representations".
type PositionalEmbedding struct {
	Conv *nn.WeightNormConv1D `gguf:"conv"`

	KernelSize int
	NumGroups  int

	embedDim int
}

var _ model.PositionalEmbedding = (*PositionalEmbedding)(nil)

func NewPositionalEmbedding(ctx ml.Context, opts PositionalEmbeddingOptions) (*PositionalEmbedding, error) {
	opts.KernelSize = cmp.Or(opts.KernelSize, 128)
	opts.NumGroups = cmp.Or(opts.NumGroups, 16)

	if err := validate(opts.EmbedDim, opts.KernelSize, opts.NumGroups); err != nil {
		return nil, fmt.Errorf("wav2vec2 positional embedding: %w", err)
	}

	std := math.Sqrt(4 / float64(opts.KernelSize*opts.EmbedDim))
	weight, err := nn.Normal(ctx, source(opts.Source), opts.DType, 0, std, opts.EmbedDim, opts.EmbedDim/opts.NumGroups, opts.KernelSize)
	if err != nil {
		return nil, fmt.Errorf("wav2vec2 positional embedding: %w", err)
	}

	bias := nn.Constant(ctx, opts.DType, 0, opts.EmbedDim)

	m := &PositionalEmbedding{
		// normalize over every axis but the kernel position axis
		Conv:       nn.NewWeightNormConv1D(ctx, weight, bias, 2),
		KernelSize: opts.KernelSize,
		NumGroups:  opts.NumGroups,
		embedDim:   opts.EmbedDim,
	}

	slog.Debug("wav2vec2 positional embedding", "dim", opts.EmbedDim, "kernel", opts.KernelSize, "groups", opts.NumGroups, "parameters", model.NumParameters(m))
	return m, nil
}

func NewPositionalEmbeddingFromConfig(ctx ml.Context, c fs.Config) (*PositionalEmbedding, error) {
	return NewPositionalEmbedding(ctx, PositionalEmbeddingOptions{
		EmbedDim:   int(c.Uint("embedding_length")),
		KernelSize: int(c.Uint("pos_encoder.kernel_size", 128)),
		NumGroups:  int(c.Uint("pos_encoder.groups", 16)),
	})
}

func (m *PositionalEmbedding) EmbedDim() int {
	return m.embedDim
}

func (m *PositionalEmbedding) Forward(ctx ml.Context, seqs ml.Tensor, padMask *nn.PaddingMask, state kvcache.Cache) (ml.Tensor, error) {
	if state != nil {
		return nil, fmt.Errorf("wav2vec2 positional embedding does not support incremental encoding: %w", kvcache.ErrNotSupported)
	}

	// padded positions must be zero or they leak into the convolution
	seqs = nn.ApplyPaddingMask(ctx, seqs, padMask)

	// (N, S, E) -> (N, E, S)
	embed := seqs.Permute(ctx, 0, 2, 1)

	embed = m.Conv.Forward(ctx, embed, 1, m.KernelSize/2, m.KernelSize/2, 1, m.NumGroups)

	// symmetric padding with an even kernel yields one extra step
	if m.KernelSize%2 == 0 {
		embed = embed.Slice(ctx, 2, 0, embed.Dim(2)-1, 1)
	}

	embed = embed.GELU(ctx)

	// (N, E, S) -> (N, S, E)
	embed = embed.Permute(ctx, 0, 2, 1)

	return seqs.Add(ctx, embed), nil
}

type StackedPositionalEmbeddingOptions struct {
	EmbedDim int

	// KernelSize is the kernel size budget shared by all layers. Each layer
	// uses max(3, KernelSize/NumLayers).
	KernelSize int
	NumGroups  int
	NumLayers  int

	// NormEps defaults to 1e-5
	NormEps float32

	DType  ml.DType
	Source rand.Source
}

// PositionalEmbeddingLayer is a grouped convolution with same padding
// followed by a layer norm over the channels and a GELU. It works on
// channel-first (N, E, S) sequences.
type PositionalEmbeddingLayer struct {
	Conv      *nn.Conv1D    `gguf:"conv"`
	LayerNorm *nn.LayerNorm `gguf:"norm"`

	KernelSize int
	NumGroups  int
	NormEps    float32
}

func newPositionalEmbeddingLayer(ctx ml.Context, src rand.Source, dtype ml.DType, embedDim, kernelSize, numGroups int, eps float32) (*PositionalEmbeddingLayer, error) {
	conv, err := nn.NewConv1D(ctx, src, dtype, embedDim, embedDim, kernelSize, numGroups)
	if err != nil {
		return nil, err
	}

	return &PositionalEmbeddingLayer{
		Conv:       conv,
		LayerNorm:  nn.NewLayerNorm(ctx, dtype, embedDim, false),
		KernelSize: kernelSize,
		NumGroups:  numGroups,
		NormEps:    eps,
	}, nil
}

func (l *PositionalEmbeddingLayer) Forward(ctx ml.Context, t ml.Tensor) ml.Tensor {
	pad := l.KernelSize - 1
	t = l.Conv.Forward(ctx, t, 1, pad/2, pad-pad/2, 1, l.NumGroups)

	// (N, E, S) -> (N, S, E)
	t = t.Permute(ctx, 0, 2, 1)
	t = l.LayerNorm.Forward(ctx, t, l.NormEps)

	// (N, S, E) -> (N, E, S)
	t = t.Permute(ctx, 0, 2, 1)
	return t.GELU(ctx)
}

// StackedPositionalEmbedding produces positional information with a stack of
// convolutions. It is not part of the wav2vec 2.0 paper but is used by the
// data2vec audio models.
type StackedPositionalEmbedding struct {
	Layers []*PositionalEmbeddingLayer `gguf:"blk"`

	embedDim int
}

var _ model.PositionalEmbedding = (*StackedPositionalEmbedding)(nil)

func NewStackedPositionalEmbedding(ctx ml.Context, opts StackedPositionalEmbeddingOptions) (*StackedPositionalEmbedding, error) {
	opts.NormEps = cmp.Or(opts.NormEps, 1e-5)

	if opts.NumLayers <= 0 {
		return nil, fmt.Errorf("wav2vec2 stacked positional embedding: number of layers must be positive, got %d", opts.NumLayers)
	}

	if err := validate(opts.EmbedDim, opts.KernelSize, opts.NumGroups); err != nil {
		return nil, fmt.Errorf("wav2vec2 stacked positional embedding: %w", err)
	}

	src := source(opts.Source)
	k := max(3, opts.KernelSize/opts.NumLayers)

	layers := make([]*PositionalEmbeddingLayer, opts.NumLayers)
	for i := range layers {
		layer, err := newPositionalEmbeddingLayer(ctx, src, opts.DType, opts.EmbedDim, k, opts.NumGroups, opts.NormEps)
		if err != nil {
			return nil, fmt.Errorf("wav2vec2 stacked positional embedding: layer %d: %w", i, err)
		}

		layers[i] = layer
	}

	m := &StackedPositionalEmbedding{Layers: layers, embedDim: opts.EmbedDim}
	slog.Debug("wav2vec2 stacked positional embedding", "dim", opts.EmbedDim, "layers", opts.NumLayers, "kernel", k, "groups", opts.NumGroups, "parameters", model.NumParameters(m))
	return m, nil
}

func NewStackedPositionalEmbeddingFromConfig(ctx ml.Context, c fs.Config) (*StackedPositionalEmbedding, error) {
	return NewStackedPositionalEmbedding(ctx, StackedPositionalEmbeddingOptions{
		EmbedDim:   int(c.Uint("embedding_length")),
		KernelSize: int(c.Uint("pos_encoder.kernel_size", 95)),
		NumGroups:  int(c.Uint("pos_encoder.groups", 16)),
		NumLayers:  int(c.Uint("pos_encoder.layers", 5)),
		NormEps:    c.Float("attention.layer_norm_epsilon", 1e-5),
	})
}

func (m *StackedPositionalEmbedding) EmbedDim() int {
	return m.embedDim
}

func (m *StackedPositionalEmbedding) Forward(ctx ml.Context, seqs ml.Tensor, padMask *nn.PaddingMask, state kvcache.Cache) (ml.Tensor, error) {
	if state != nil {
		return nil, fmt.Errorf("wav2vec2 stacked positional embedding does not support incremental encoding: %w", kvcache.ErrNotSupported)
	}

	seqs = nn.ApplyPaddingMask(ctx, seqs, padMask)

	// (N, S, E) -> (N, E, S)
	embed := seqs.Permute(ctx, 0, 2, 1)

	for _, layer := range m.Layers {
		embed = layer.Forward(ctx, embed)
	}

	// (N, E, S) -> (N, S, E)
	embed = embed.Permute(ctx, 0, 2, 1)

	return seqs.Add(ctx, embed), nil
}
