package kvcache

import (
	"fmt"
)

// StateBag is a Cache backed by a map keyed by layer
//
// Not safe for concurrent use
type StateBag struct {
	step        int
	maxNumSteps int

	states map[any]any
}

func NewStateBag(maxNumSteps int) *StateBag {
	return &StateBag{
		maxNumSteps: maxNumSteps,
		states:      make(map[any]any),
	}
}

func (b *StateBag) Step() int {
	return b.step
}

func (b *StateBag) MaxNumSteps() int {
	return b.maxNumSteps
}

func (b *StateBag) IncreaseStep(delta int) error {
	if delta < 0 {
		return fmt.Errorf("step delta must not be negative, got %d", delta)
	}

	if b.step+delta > b.maxNumSteps {
		return fmt.Errorf("%w: step %d + %d exceeds %d", ErrKvCacheFull, b.step, delta, b.maxNumSteps)
	}

	b.step += delta
	return nil
}

func (b *StateBag) Get(key any) (any, bool) {
	state, ok := b.states[key]
	return state, ok
}

func (b *StateBag) Set(key, state any) {
	b.states[key] = state
}

func (b *StateBag) Close() {
	clear(b.states)
	b.step = 0
}
