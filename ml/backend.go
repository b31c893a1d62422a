package ml

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

var ErrBackendNotFound = errors.New("backend not found")

type Backend interface {
	NewContext() Context
	Close()
}

// BackendParams controls how a backend executes its kernels
type BackendParams struct {
	// NumThreads is the upper bound on goroutines a single op may use
	NumThreads int
}

var (
	backendsMu sync.Mutex
	backends   = make(map[string]func(BackendParams) (Backend, error))
)

func RegisterBackend(name string, f func(BackendParams) (Backend, error)) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	if _, ok := backends[name]; ok {
		panic("backend: backend already registered")
	}

	backends[name] = f
}

func NewBackend(name string, params BackendParams) (Backend, error) {
	backendsMu.Lock()
	backend, ok := backends[name]
	backendsMu.Unlock()
	if ok {
		return backend(params)
	}

	return nil, fmt.Errorf("%w: %q", ErrBackendNotFound, name)
}

type Context interface {
	Empty(dtype DType, shape ...int) Tensor
	Zeros(dtype DType, shape ...int) Tensor
	FromFloatSlice(s []float32, shape ...int) (Tensor, error)
	FromIntSlice(s []int32, shape ...int) (Tensor, error)
	Arange(start, stop, step float32, dtype DType) Tensor

	Close()
}

// Tensor is a row-major n-dimensional array. Operations never modify the
// receiver or their arguments; each returns a new tensor allocated in ctx.
type Tensor interface {
	Dim(n int) int
	Stride(n int) int

	Shape() []int
	DType() DType

	Bytes() []byte
	Floats() []float32
	Ints() []int32

	// Add, Sub, Mul and Div broadcast their operands the way numpy does
	Add(ctx Context, t2 Tensor) Tensor
	Sub(ctx Context, t2 Tensor) Tensor
	Mul(ctx Context, t2 Tensor) Tensor
	Div(ctx Context, t2 Tensor) Tensor
	Scale(ctx Context, s float64) Tensor

	Sigmoid(ctx Context) Tensor
	GELU(ctx Context) Tensor
	// GLU splits dim in two halves a and b and returns a * sigmoid(b)
	GLU(ctx Context, dim int) Tensor

	// LayerNorm normalizes over the last dimension. A nil weight or bias
	// leaves the corresponding affine step out.
	LayerNorm(ctx Context, weight, bias Tensor, eps float32) Tensor
	// L2Norm computes the euclidean norm over every dimension except dim.
	// The result keeps the rank of t with every other dimension set to 1.
	L2Norm(ctx Context, dim int) Tensor

	// Conv1D convolves input (N, C_in, L) with the receiver, a kernel of
	// shape (C_out, C_in/groups, K). p0 and p1 pad the start and the end of
	// the time axis with zeros.
	Conv1D(ctx Context, input Tensor, s, p0, p1, d, groups int) Tensor

	// MaskedFill replaces elements where the broadcast mask is non-zero
	MaskedFill(ctx Context, mask Tensor, value float32) Tensor

	Reshape(ctx Context, shape ...int) Tensor
	Permute(ctx Context, shape ...int) Tensor
	Contiguous(ctx Context) Tensor
	Slice(ctx Context, dim, low, high, step int) Tensor
	Cast(ctx Context, dtype DType) Tensor
}

type number interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~float32 | ~float64 |
		~complex64 | ~complex128
}

func mul[T number](s ...T) T {
	p := T(1)
	for _, v := range s {
		p *= v
	}

	return p
}

type DumpOptions struct {
	// Items is the number of elements to print at the beginning and end of each dimension.
	Items int

	// Precision is the number of decimal places to print. Applies to float32 and float64.
	Precision int
}

func Dump(t Tensor, opts ...DumpOptions) string {
	if len(opts) < 1 {
		opts = append(opts, DumpOptions{
			Items:     3,
			Precision: 4,
		})
	}

	switch t.DType() {
	case DTypeF32:
		return dump[[]float32](t, opts[0])
	case DTypeF16:
		return dumpFloats(t.Shape(), decodeF16(t.Bytes()), opts[0])
	case DTypeBF16:
		return dumpFloats(t.Shape(), bfloat16.DecodeFloat32(t.Bytes()), opts[0])
	case DTypeI32:
		return dump[[]int32](t, opts[0])
	default:
		return "<unsupported>"
	}
}

func decodeF16(bts []byte) []float32 {
	f32s := make([]float32, len(bts)/2)
	for i := range f32s {
		f32s[i] = float16.Frombits(binary.LittleEndian.Uint16(bts[2*i:])).Float32()
	}

	return f32s
}

func dump[S ~[]E, E number](t Tensor, opts DumpOptions) string {
	bts := t.Bytes()
	if bts == nil {
		return "<nil>"
	}

	s := make(S, mul(t.Shape()...))
	if err := binary.Read(bytes.NewBuffer(bts), binary.LittleEndian, &s); err != nil {
		panic(err)
	}

	return dumpFloats(t.Shape(), s, opts)
}

func dumpFloats[S ~[]E, E number](shape []int, s S, opts DumpOptions) string {
	if len(shape) == 0 {
		return "[]"
	}

	var sb strings.Builder
	var f func([]int, int)
	f = func(dims []int, stride int) {
		prefix := strings.Repeat(" ", len(shape)-len(dims)+1)
		fmt.Fprint(&sb, "[")
		defer func() { fmt.Fprint(&sb, "]") }()
		for i := 0; i < dims[0]; i++ {
			if i >= opts.Items && i < dims[0]-opts.Items {
				fmt.Fprint(&sb, "..., ")
				// skip to next printable element
				skip := dims[0] - 2*opts.Items
				if len(dims) > 1 {
					stride += mul(append(slices.Clone(dims[1:]), skip)...)
					fmt.Fprint(&sb, strings.Repeat("\n", len(dims)-1), prefix)
				}
				i += skip - 1
			} else if len(dims) > 1 {
				f(dims[1:], stride)
				stride += mul(dims[1:]...)
				if i < dims[0]-1 {
					fmt.Fprint(&sb, ",", strings.Repeat("\n", len(dims)-1), prefix)
				}
			} else {
				switch v := any(s[stride+i]).(type) {
				case float32:
					fmt.Fprint(&sb, formatFloat(float64(v), opts.Precision))
				case float64:
					fmt.Fprint(&sb, formatFloat(v, opts.Precision))
				default:
					fmt.Fprint(&sb, v)
				}
				if i < dims[0]-1 {
					fmt.Fprint(&sb, ", ")
				}
			}
		}
	}
	f(shape, 0)

	return sb.String()
}

func formatFloat(f float64, precision int) string {
	return fmt.Sprintf("%.*f", precision, f)
}

type DType int

const (
	DTypeF32 DType = iota
	DTypeF16
	DTypeBF16
	DTypeI32
	DTypeOther
)

func (d DType) String() string {
	switch d {
	case DTypeF32:
		return "f32"
	case DTypeF16:
		return "f16"
	case DTypeBF16:
		return "bf16"
	case DTypeI32:
		return "i32"
	default:
		return "other"
	}
}

// Size returns the number of bytes a single element occupies
func (d DType) Size() int {
	switch d {
	case DTypeF16, DTypeBF16:
		return 2
	default:
		return 4
	}
}
