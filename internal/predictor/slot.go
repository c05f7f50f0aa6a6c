package predictor

import (
	"context"
	"fmt"
)

// slot admits one caller at a time. Waiting callers give up when their
// context ends.
type slot chan struct{}

func newSlot() slot {
	return make(slot, 1)
}

func (s slot) acquire(ctx context.Context) error {
	select {
	case s <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: waiting for model: %v", ErrPredictionFailure, ctx.Err())
	}
}

func (s slot) release() {
	<-s
}

// run executes fn while holding the slot. The caller stops waiting when ctx
// ends, but the slot is held until fn returns so the next caller never
// overlaps a session still in flight.
func (s slot) run(ctx context.Context, fn func() ([]float32, error)) ([]float32, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}

	type result struct {
		scores []float32
		err    error
	}
	done := make(chan result, 1)
	go func() {
		defer s.release()
		scores, err := fn()
		done <- result{scores: scores, err: err}
	}()

	select {
	case r := <-done:
		return r.scores, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: running model: %v", ErrPredictionFailure, ctx.Err())
	}
}
