package nn

import (
	"fmt"
	"slices"

	"github.com/ollama/speechenc/ml"
)

// PaddingMask marks the time steps of a batch that lie past the end of each
// sequence.
type PaddingMask struct {
	seqLens     []int
	batchSeqLen int
}

func NewPaddingMask(seqLens []int, batchSeqLen int) (*PaddingMask, error) {
	for i, n := range seqLens {
		if n < 0 || n > batchSeqLen {
			return nil, fmt.Errorf("padding mask: length %d of sequence %d outside [0, %d]", n, i, batchSeqLen)
		}
	}

	return &PaddingMask{seqLens: slices.Clone(seqLens), batchSeqLen: batchSeqLen}, nil
}

func (m *PaddingMask) SeqLens() []int {
	return slices.Clone(m.seqLens)
}

func (m *PaddingMask) BatchSeqLen() int {
	return m.batchSeqLen
}

// Tensor materializes the mask with shape (N, S, 1), 1 at padded positions
// and 0 elsewhere, so it broadcasts over the feature dimension.
func (m *PaddingMask) Tensor(ctx ml.Context) ml.Tensor {
	s := make([]float32, len(m.seqLens)*m.batchSeqLen)
	for i, n := range m.seqLens {
		for j := n; j < m.batchSeqLen; j++ {
			s[i*m.batchSeqLen+j] = 1
		}
	}

	t, err := ctx.FromFloatSlice(s, len(m.seqLens), m.batchSeqLen, 1)
	if err != nil {
		panic(err)
	}

	return t
}

// ApplyPaddingMask returns seqs (N, S, E) with every padded position set to
// exactly zero. Non-padded positions are copied unchanged.
func ApplyPaddingMask(ctx ml.Context, seqs ml.Tensor, m *PaddingMask) ml.Tensor {
	if m == nil {
		return seqs
	}

	if seqs.Dim(0) != len(m.seqLens) || seqs.Dim(1) != m.batchSeqLen {
		panic(fmt.Errorf("padding mask for %d sequences of length %d does not match %v", len(m.seqLens), m.batchSeqLen, seqs.Shape()))
	}

	return seqs.MaskedFill(ctx, m.Tensor(ctx), 0)
}
