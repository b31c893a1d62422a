package kvcache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStateBag(t *testing.T) {
	var cache Cache = NewStateBag(4)
	require.Equal(t, 0, cache.Step())
	require.Equal(t, 4, cache.MaxNumSteps())

	require.NoError(t, cache.IncreaseStep(3))
	require.Equal(t, 3, cache.Step())

	err := cache.IncreaseStep(2)
	require.ErrorIs(t, err, ErrKvCacheFull)
	require.Equal(t, 3, cache.Step())

	require.Error(t, cache.IncreaseStep(-1))

	require.NoError(t, cache.IncreaseStep(1))
	require.Equal(t, 4, cache.Step())
}

func TestStateBagStates(t *testing.T) {
	type layer struct{ name string }
	a, b := &layer{"a"}, &layer{"b"}

	cache := NewStateBag(1)
	cache.Set(a, []int{1, 2})

	state, ok := cache.Get(a)
	require.True(t, ok)
	require.Equal(t, []int{1, 2}, state)

	_, ok = cache.Get(b)
	require.False(t, ok)

	cache.Close()
	_, ok = cache.Get(a)
	require.False(t, ok)
	require.Equal(t, 0, cache.Step())
}
