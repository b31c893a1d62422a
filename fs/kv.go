package fs

import (
	"log/slog"
	"slices"
	"strings"
)

// KV is an in-memory Config. Keys outside the general. namespace are looked
// up under the architecture prefix, so "embedding_length" on a wav2vec2
// config reads "wav2vec2.embedding_length".
type KV map[string]any

var _ Config = KV(nil)

func (kv KV) Architecture() string {
	return kv.String("general.architecture", "unknown")
}

func (kv KV) String(key string, defaultValue ...string) string {
	val, _ := keyValue(kv, key, append(defaultValue, "")...)
	return val
}

func (kv KV) Uint(key string, defaultValue ...uint32) uint32 {
	val, _ := keyValue(kv, key, append(defaultValue, 0)...)
	return val
}

func (kv KV) Float(key string, defaultValue ...float32) float32 {
	val, _ := keyValue(kv, key, append(defaultValue, 0)...)
	return val
}

func (kv KV) Bool(key string, defaultValue ...bool) bool {
	val, _ := keyValue(kv, key, append(defaultValue, false)...)
	return val
}

func (kv KV) Strings(key string, defaultValue ...[]string) []string {
	val, _ := keyValue(kv, key, append(defaultValue, nil)...)
	return val
}

func (kv KV) Ints(key string, defaultValue ...[]int32) []int32 {
	val, _ := keyValue(kv, key, append(defaultValue, nil)...)
	return val
}

func (kv KV) Floats(key string, defaultValue ...[]float32) []float32 {
	val, _ := keyValue(kv, key, append(defaultValue, nil)...)
	return val
}

func (kv KV) Bools(key string, defaultValue ...[]bool) []bool {
	val, _ := keyValue(kv, key, append(defaultValue, nil)...)
	return val
}

func (kv KV) Len() int {
	return len(kv)
}

// Keys returns the keys of kv in sorted order
func (kv KV) Keys() []string {
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}

	slices.Sort(keys)
	return keys
}

func (kv KV) Value(key string) any {
	return kv[key]
}

type valueTypes interface {
	string | uint32 | float32 | bool |
		[]string | []int32 | []float32 | []bool
}

func keyValue[T valueTypes](kv KV, key string, defaultValue ...T) (T, bool) {
	if !strings.HasPrefix(key, "general.") {
		key = kv.Architecture() + "." + key
	}

	if val, ok := kv[key].(T); ok {
		return val, true
	}

	slog.Debug("key with type not found", "key", key, "default", defaultValue[0])
	return defaultValue[0], false
}
