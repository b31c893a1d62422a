// Package s2ttransformer implements the speech front end of the S2T
// Transformer, which embeds log-mel filterbanks with strided convolutions.
package s2ttransformer

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"

	"golang.org/x/exp/rand"

	"github.com/ollama/speechenc/envconfig"
	"github.com/ollama/speechenc/fs"
	"github.com/ollama/speechenc/ml"
	"github.com/ollama/speechenc/ml/nn"
	"github.com/ollama/speechenc/model"
)

// Stride is the stride of every subsampling convolution
const Stride = 2

var defaultKernelSizes = []int{3, 3}

type FbankSubsamplerOptions struct {
	// NumChannels is the number of channels of the input filterbanks
	NumChannels int

	// InnerDim is the output width of the intermediate convolutions
	InnerDim int

	// FeatureDim is the width of the extracted features
	FeatureDim int

	// KernelSizes holds the kernel size of each convolution. Empty means
	// two convolutions of size 3.
	KernelSizes []int

	DType  ml.DType
	Source rand.Source
}

func (o *FbankSubsamplerOptions) validate() error {
	var errs []error
	if o.NumChannels <= 0 {
		errs = append(errs, fmt.Errorf("number of channels must be positive, got %d", o.NumChannels))
	}

	if o.InnerDim <= 0 {
		errs = append(errs, fmt.Errorf("inner dimension must be positive, got %d", o.InnerDim))
	} else if len(o.KernelSizes) > 1 && o.InnerDim%2 != 0 {
		errs = append(errs, fmt.Errorf("inner dimension must be even, got %d", o.InnerDim))
	}

	if o.FeatureDim <= 0 {
		errs = append(errs, fmt.Errorf("feature dimension must be positive, got %d", o.FeatureDim))
	}

	for i, k := range o.KernelSizes {
		if k <= 0 {
			errs = append(errs, fmt.Errorf("kernel size %d must be positive, got %d", i, k))
		}
	}

	return errors.Join(errs...)
}

// SubsamplerLayer is a stride 2 convolution followed by a GLU over the
// channel axis, which halves the channel count
type SubsamplerLayer struct {
	Conv *nn.Conv1D `gguf:"conv"`

	KernelSize int
}

func (l *SubsamplerLayer) Forward(ctx ml.Context, t ml.Tensor) ml.Tensor {
	t = l.Conv.Forward(ctx, t, Stride, l.KernelSize/2, l.KernelSize/2, 1, 1)
	return t.GLU(ctx, 1)
}

// FbankSubsampler extracts features from log-mel filterbanks and embeds
// them in a latent space with a stack of strided 1D convolutions, as in
// "fairseq S2T: Fast Speech-to-Text Modeling with fairseq" section 2.1.
type FbankSubsampler struct {
	Layers []*SubsamplerLayer `gguf:"blk"`

	featureDim int
}

var _ model.FeatureExtractor = (*FbankSubsampler)(nil)

func NewFbankSubsampler(ctx ml.Context, opts FbankSubsamplerOptions) (*FbankSubsampler, error) {
	if len(opts.KernelSizes) == 0 {
		opts.KernelSizes = defaultKernelSizes
	}

	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("fbank subsampler: %w", err)
	}

	src := opts.Source
	if src == nil {
		src = rand.NewSource(envconfig.Seed)
	}

	last := len(opts.KernelSizes) - 1

	layers := make([]*SubsamplerLayer, len(opts.KernelSizes))
	for i, k := range opts.KernelSizes {
		in := opts.NumChannels
		if i > 0 {
			in = opts.InnerDim / 2
		}

		out := opts.InnerDim
		if i == last {
			out = opts.FeatureDim * 2
		}

		conv, err := nn.NewConv1D(ctx, src, opts.DType, in, out, k, 1)
		if err != nil {
			return nil, fmt.Errorf("fbank subsampler: layer %d: %w", i, err)
		}

		slog.Debug("fbank subsampler", "layer", i, "in", in, "out", out, "kernel", k)
		layers[i] = &SubsamplerLayer{Conv: conv, KernelSize: k}
	}

	m := &FbankSubsampler{Layers: layers, featureDim: opts.FeatureDim}
	slog.Debug("fbank subsampler", "layers", len(layers), "parameters", model.NumParameters(m))
	return m, nil
}

func NewFbankSubsamplerFromConfig(ctx ml.Context, c fs.Config) (*FbankSubsampler, error) {
	var kernelSizes []int
	for _, k := range c.Ints("feature_extractor.kernel_sizes", []int32{3, 3}) {
		kernelSizes = append(kernelSizes, int(k))
	}

	return NewFbankSubsampler(ctx, FbankSubsamplerOptions{
		NumChannels: int(c.Uint("feature_extractor.num_channels", 80)),
		InnerDim:    int(c.Uint("feature_extractor.inner_dim", 1024)),
		FeatureDim:  int(c.Uint("embedding_length", 256)),
		KernelSizes: kernelSizes,
	})
}

func (m *FbankSubsampler) FeatureDim() int {
	return m.featureDim
}

// Forward embeds seqs (N, F, C) into (N, S, FeatureDim) where S is F shrunk
// by the stride once per layer. seqLens, if not nil, is recomputed for the
// shorter output; the caller's slice is left untouched.
func (m *FbankSubsampler) Forward(ctx ml.Context, seqs ml.Tensor, seqLens []int) (ml.Tensor, []int) {
	// (N, F, C) -> (N, C, F)
	seqs = seqs.Permute(ctx, 0, 2, 1)

	for _, layer := range m.Layers {
		seqs = layer.Forward(ctx, seqs)
	}

	// (N, E, S) -> (N, S, E)
	seqs = seqs.Permute(ctx, 0, 2, 1)

	if seqLens == nil {
		return seqs, nil
	}

	return seqs, m.ComputeSeqLens(seqLens)
}

// ComputeSeqLens returns the length of each sequence after subsampling. A
// length of zero stays zero.
func (m *FbankSubsampler) ComputeSeqLens(seqLens []int) []int {
	seqLens = slices.Clone(seqLens)
	for i, n := range seqLens {
		l := float64(n)
		for range m.Layers {
			l = math.Floor((l-1)/Stride + 1)
		}

		seqLens[i] = int(l)
	}

	return seqLens
}
