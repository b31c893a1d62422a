package cpu

import (
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/ollama/speechenc/logutil"
	"github.com/ollama/speechenc/ml"
)

type conv1DParams struct {
	batch       int
	inChannels  int
	length      int
	outChannels int
	kernelSize  int
	outLength   int
	inPerGroup  int
	outPerGroup int
}

func prepareConv1D(kernel, input *Tensor, s, p0, p1, d, groups int) (conv1DParams, error) {
	if s <= 0 || d <= 0 || groups <= 0 {
		return conv1DParams{}, fmt.Errorf("conv1d: stride, dilation and groups must be positive, got %d, %d, %d", s, d, groups)
	}

	if p0 < 0 || p1 < 0 {
		return conv1DParams{}, fmt.Errorf("conv1d: padding must not be negative, got %d, %d", p0, p1)
	}

	if len(input.shape) != 3 || len(kernel.shape) != 3 {
		return conv1DParams{}, fmt.Errorf("conv1d: expected input and kernel of rank 3, got %v and %v", input.shape, kernel.shape)
	}

	p := conv1DParams{
		batch:       input.shape[0],
		inChannels:  input.shape[1],
		length:      input.shape[2],
		outChannels: kernel.shape[0],
		kernelSize:  kernel.shape[2],
	}

	if p.inChannels%groups != 0 || p.outChannels%groups != 0 {
		return conv1DParams{}, fmt.Errorf("conv1d: channels (%d, %d) not divisible by groups %d", p.inChannels, p.outChannels, groups)
	}

	p.inPerGroup = p.inChannels / groups
	p.outPerGroup = p.outChannels / groups

	if kernel.shape[1] != p.inPerGroup {
		return conv1DParams{}, fmt.Errorf("conv1d: kernel %v expects %d input channels per group, input %v has %d", kernel.shape, kernel.shape[1], input.shape, p.inPerGroup)
	}

	p.outLength = (p.length+p0+p1-d*(p.kernelSize-1)-1)/s + 1
	if p.outLength <= 0 {
		return conv1DParams{}, fmt.Errorf("conv1d: input of length %d too short for kernel size %d", p.length, p.kernelSize)
	}

	return p, nil
}

func (t *Tensor) Conv1D(ctx ml.Context, t2 ml.Tensor, s, p0, p1, d, groups int) ml.Tensor {
	input := fromBackend(t2)
	p, err := prepareConv1D(t, input, s, p0, p1, d, groups)
	if err != nil {
		panic(err)
	}

	logutil.Trace("cpu: conv1d", "kernel", t, "input", input, "stride", s, "padding", []int{p0, p1}, "groups", groups)

	out := empty(ctx, input.dtype, p.batch, p.outChannels, p.outLength)
	buf := out.buffer()

	xs, ws := input.values(), t.values()

	// each (batch, output channel) row is independent
	rows := p.batch * p.outChannels
	chunk := (rows + t.b.threads - 1) / t.b.threads

	var g errgroup.Group
	g.SetLimit(t.b.threads)
	for lo := 0; lo < rows; lo += chunk {
		hi := min(lo+chunk, rows)
		g.Go(func() error {
			for r := lo; r < hi; r++ {
				b, oc := r/p.outChannels, r%p.outChannels
				inStart := (oc / p.outPerGroup) * p.inPerGroup
				dst := buf[r*p.outLength:][:p.outLength]
				for ox := range dst {
					var sum float32
					for ic := range p.inPerGroup {
						x := xs[(b*p.inChannels+inStart+ic)*p.length:][:p.length]
						w := ws[(oc*p.inPerGroup+ic)*p.kernelSize:][:p.kernelSize]
						for kx, wv := range w {
							pos := ox*s - p0 + kx*d
							if pos < 0 || pos >= p.length {
								continue
							}

							sum += x[pos] * wv
						}
					}
					dst[ox] = sum
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		panic(err)
	}

	out.commit(buf)
	logutil.Trace("cpu: conv1d output", "out", out, "values", dumped{out})
	return out
}
