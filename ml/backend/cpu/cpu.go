// Package cpu implements ml.Backend with plain Go slices. Tensors are dense
// and row-major; every op materializes its result.
package cpu

import (
	"cmp"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"slices"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"

	"github.com/ollama/speechenc/envconfig"
	"github.com/ollama/speechenc/ml"
)

type Backend struct {
	// threads bounds the goroutines a single kernel may fan out to
	threads int
}

func New(params ml.BackendParams) (ml.Backend, error) {
	threads := cmp.Or(params.NumThreads, envconfig.NumThreads)
	if threads < 1 {
		return nil, fmt.Errorf("cpu: thread count must be positive, got %d", threads)
	}

	slog.Debug("cpu backend", "threads", threads)
	return &Backend{threads: threads}, nil
}

func init() {
	ml.RegisterBackend("cpu", New)
}

func (b *Backend) NewContext() ml.Context {
	var tensors []*Tensor
	return &Context{b: b, tensors: &tensors}
}

func (b *Backend) Close() {}

type Context struct {
	b *Backend

	// tensors are the tensors allocated in this context so that their
	// storage can be released when the context is closed
	tensors *[]*Tensor
}

func (c *Context) newTensor(dtype ml.DType, shape []int) *Tensor {
	for _, dim := range shape {
		if dim < 0 {
			panic(fmt.Errorf("invalid shape: %v", shape))
		}
	}

	n := 1
	for _, dim := range shape {
		n *= dim
	}

	t := &Tensor{b: c.b, dtype: dtype, shape: slices.Clone(shape)}
	switch dtype {
	case ml.DTypeF32, ml.DTypeF16, ml.DTypeBF16:
		t.f32s = make([]float32, n)
	case ml.DTypeI32:
		t.i32s = make([]int32, n)
	default:
		panic("unsupported dtype")
	}

	*c.tensors = append(*c.tensors, t)
	return t
}

func (c *Context) Empty(dtype ml.DType, shape ...int) ml.Tensor {
	return c.newTensor(dtype, shape)
}

// Zeros is the same as Empty since new storage is always zeroed
func (c *Context) Zeros(dtype ml.DType, shape ...int) ml.Tensor {
	return c.newTensor(dtype, shape)
}

func checkShape[S ~[]E, E any](s S, shape ...int) error {
	n := 1
	for _, v := range shape {
		if v < 0 {
			return fmt.Errorf("invalid shape: %v", shape)
		}
		n *= v
	}

	if n != len(s) {
		return fmt.Errorf("invalid shape %v for %d elements", shape, len(s))
	}

	return nil
}

func (c *Context) FromFloatSlice(s []float32, shape ...int) (ml.Tensor, error) {
	if err := checkShape(s, shape...); err != nil {
		return nil, err
	}

	t := c.newTensor(ml.DTypeF32, shape)
	copy(t.f32s, s)
	return t, nil
}

func (c *Context) FromIntSlice(s []int32, shape ...int) (ml.Tensor, error) {
	if err := checkShape(s, shape...); err != nil {
		return nil, err
	}

	t := c.newTensor(ml.DTypeI32, shape)
	copy(t.i32s, s)
	return t, nil
}

func (c *Context) Arange(start, stop, step float32, dtype ml.DType) ml.Tensor {
	if step == 0 {
		panic("arange: step cannot be zero")
	}

	n := max(0, int(math.Ceil(float64((stop-start)/step))))
	t := c.newTensor(dtype, []int{n})
	buf := t.buffer()
	for i := range buf {
		buf[i] = start + float32(i)*step
	}

	t.commit(buf)
	return t
}

func (c *Context) Close() {
	if c != nil {
		for _, t := range *c.tensors {
			t.f32s, t.i32s = nil, nil
		}
		*c.tensors = nil
	}
}

type Tensor struct {
	b *Backend

	dtype ml.DType
	shape []int

	// f32s holds F32, F16 and BF16 data; half precision values are kept
	// rounded to their storage precision. i32s holds I32 data.
	f32s []float32
	i32s []int32
}

func (t *Tensor) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("type", t.dtype.String()),
		slog.Any("shape", t.shape),
	)
}

// dumped renders tensor contents only when the record is handled
type dumped struct{ t ml.Tensor }

func (d dumped) LogValue() slog.Value {
	return slog.StringValue(ml.Dump(d.t))
}

func (t *Tensor) Dim(n int) int {
	return t.shape[n]
}

func (t *Tensor) Stride(n int) int {
	stride := t.dtype.Size()
	for _, dim := range t.shape[n+1:] {
		stride *= dim
	}

	return stride
}

func (t *Tensor) Shape() []int {
	return slices.Clone(t.shape)
}

func (t *Tensor) DType() ml.DType {
	return t.dtype
}

func (t *Tensor) len() int {
	if t.dtype == ml.DTypeI32 {
		return len(t.i32s)
	}

	return len(t.f32s)
}

func (t *Tensor) Bytes() []byte {
	if t.f32s == nil && t.i32s == nil {
		return nil
	}

	bts := make([]byte, t.len()*t.dtype.Size())
	switch t.dtype {
	case ml.DTypeF32:
		for i, v := range t.f32s {
			binary.LittleEndian.PutUint32(bts[4*i:], math.Float32bits(v))
		}
	case ml.DTypeF16:
		for i, v := range t.f32s {
			binary.LittleEndian.PutUint16(bts[2*i:], float16.Fromfloat32(v).Bits())
		}
	case ml.DTypeBF16:
		bts = bfloat16.EncodeFloat32(t.f32s)
	case ml.DTypeI32:
		for i, v := range t.i32s {
			binary.LittleEndian.PutUint32(bts[4*i:], uint32(v))
		}
	}

	return bts
}

func (t *Tensor) Floats() []float32 {
	if t.dtype == ml.DTypeI32 {
		if t.i32s == nil {
			return nil
		}

		f32s := make([]float32, len(t.i32s))
		for i, v := range t.i32s {
			f32s[i] = float32(v)
		}
		return f32s
	}

	return slices.Clone(t.f32s)
}

func (t *Tensor) Ints() []int32 {
	if t.dtype != ml.DTypeI32 {
		if t.f32s == nil {
			return nil
		}

		i32s := make([]int32, len(t.f32s))
		for i, v := range t.f32s {
			i32s[i] = int32(v)
		}
		return i32s
	}

	return slices.Clone(t.i32s)
}

// values returns the elements of t as float32 without copying when possible
func (t *Tensor) values() []float32 {
	if t.dtype == ml.DTypeI32 {
		return t.Floats()
	}

	return t.f32s
}

// buffer returns a float32 slice to compute t's contents into. For float
// dtypes it is t's own storage.
func (t *Tensor) buffer() []float32 {
	if t.dtype == ml.DTypeI32 {
		return make([]float32, len(t.i32s))
	}

	return t.f32s
}

// commit stores buf, produced by buffer, as t's contents at t's precision
func (t *Tensor) commit(buf []float32) {
	switch t.dtype {
	case ml.DTypeF16:
		for i, v := range buf {
			t.f32s[i] = float16.Fromfloat32(v).Float32()
		}
	case ml.DTypeBF16:
		copy(t.f32s, bfloat16.DecodeFloat32(bfloat16.EncodeFloat32(buf)))
	case ml.DTypeI32:
		for i, v := range buf {
			t.i32s[i] = int32(v)
		}
	}
}

// fromBackend asserts that t2 was produced by this backend
func fromBackend(t2 ml.Tensor) *Tensor {
	t, ok := t2.(*Tensor)
	if !ok {
		panic(fmt.Errorf("cpu: unsupported tensor type %T", t2))
	}

	return t
}

// empty allocates the result of an op through ctx so that wrapping contexts
// observe the allocation
func empty(ctx ml.Context, dtype ml.DType, shape ...int) *Tensor {
	return fromBackend(ctx.Empty(dtype, shape...))
}
