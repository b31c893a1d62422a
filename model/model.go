package model

import (
	"reflect"
	"slices"
	"strconv"
	"strings"

	"github.com/ollama/speechenc/kvcache"
	"github.com/ollama/speechenc/ml"
	"github.com/ollama/speechenc/ml/nn"
)

// FeatureExtractor turns a batch of filterbank or waveform features into the
// sequence an encoder consumes
type FeatureExtractor interface {
	// Forward maps seqs (N, S, C) to (N, S', FeatureDim()). When seqLens is
	// not nil the returned lengths describe the valid prefix of each output
	// sequence; otherwise nil is returned.
	Forward(ctx ml.Context, seqs ml.Tensor, seqLens []int) (ml.Tensor, []int)

	FeatureDim() int
}

// PositionalEmbedding adds positional information to a batch of embeddings
type PositionalEmbedding interface {
	// Forward returns seqs (N, S, E) with positional information added. The
	// output has the same shape as seqs. Implementations that cannot decode
	// incrementally return an error wrapping kvcache.ErrNotSupported when
	// state is not nil. A typed nil pointer such as (*kvcache.StateBag)(nil)
	// is a non-nil interface value and is rejected as well.
	Forward(ctx ml.Context, seqs ml.Tensor, padMask *nn.PaddingMask, state kvcache.Cache) (ml.Tensor, error)

	EmbedDim() int
}

// Parameters returns the tensors reachable from m keyed by the names in their
// gguf struct tags, joined with "." and indexed by position inside slices,
// e.g. "blk.0.conv.weight". Nil tensors are skipped.
func Parameters(m any) map[string]ml.Tensor {
	params := make(map[string]ml.Tensor)
	collectParameters(params, reflect.ValueOf(m))
	return params
}

// NumParameters is the total number of elements of the tensors in Parameters
func NumParameters(m any) int {
	var n int
	for _, t := range Parameters(m) {
		size := 1
		for _, d := range t.Shape() {
			size *= d
		}
		n += size
	}

	return n
}

func collectParameters(params map[string]ml.Tensor, v reflect.Value, names ...string) {
	if !v.IsValid() || !v.CanInterface() {
		return
	}

	switch v.Kind() {
	case reflect.Pointer, reflect.Interface:
		if v.IsNil() {
			return
		}
	}

	if t, ok := v.Interface().(ml.Tensor); ok {
		params[strings.Join(names, ".")] = t
		return
	}

	switch v.Kind() {
	case reflect.Pointer, reflect.Interface:
		collectParameters(params, v.Elem(), names...)
	case reflect.Struct:
		t := v.Type()
		for i := range t.NumField() {
			field := t.Field(i)
			if !field.IsExported() {
				continue
			}

			fieldNames := names
			if name, _, _ := strings.Cut(field.Tag.Get("gguf"), ","); name != "" {
				fieldNames = append(slices.Clone(names), name)
			}

			collectParameters(params, v.Field(i), fieldNames...)
		}
	case reflect.Slice, reflect.Array:
		for i := range v.Len() {
			collectParameters(params, v.Index(i), append(slices.Clone(names), strconv.Itoa(i))...)
		}
	}
}
