package kvcache

import (
	"errors"
)

var (
	ErrKvCacheFull  = errors.New("could not find a kv cache slot")
	ErrNotSupported = errors.New("model does not support operation")
)

// Cache carries layer state from one step of incremental decoding to the
// next. Layers that only process full sequences reject a non-nil Cache with
// ErrNotSupported.
type Cache interface {
	// Step returns the number of steps decoded so far
	Step() int

	// MaxNumSteps returns the number of steps the cache can hold
	MaxNumSteps() int

	// IncreaseStep advances the cache by delta steps. It fails with
	// ErrKvCacheFull if that would exceed MaxNumSteps.
	IncreaseStep(delta int) error

	// Get returns the state a layer stored under key
	Get(key any) (any, bool)

	// Set stores the state of a layer under key
	Set(key, state any)

	// Close releases the stored state
	Close()
}
