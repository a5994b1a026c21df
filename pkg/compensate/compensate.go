// Package compensate runs a chain of steps where each step knows how to undo
// itself. A failed step rolls back the steps before it; a fully committed
// chain can be rolled back later through the returned Record.
package compensate

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
)

var ErrAlreadyCompensated = errors.New("compensate: already compensated")

type Step struct {
	Name       string
	Forward    func(ctx context.Context) error
	Compensate func(ctx context.Context) error
}

// StepError reports the step whose Forward failed and, if rollback of the
// earlier steps also failed, the first rollback error.
type StepError struct {
	Step     string
	Err      error
	Rollback error
}

func (e *StepError) Error() string {
	if e.Rollback != nil {
		return fmt.Sprintf("step %s: %v (rollback: %v)", e.Step, e.Err, e.Rollback)
	}
	return fmt.Sprintf("step %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Record is the undo handle of a committed chain.
type Record struct {
	steps []Step
	done  atomic.Bool
}

// Run executes steps in order. When a Forward fails, the Compensate of every
// step that already completed runs in reverse order and a *StepError is
// returned.
func Run(ctx context.Context, steps ...Step) (*Record, error) {
	completed := make([]Step, 0, len(steps))
	for _, s := range steps {
		if s.Forward != nil {
			if err := s.Forward(ctx); err != nil {
				return nil, &StepError{Step: s.Name, Err: err, Rollback: rollback(ctx, completed)}
			}
		}
		completed = append(completed, s)
	}
	return &Record{steps: completed}, nil
}

// Compensate undoes the chain in reverse order, stopping at the first error.
// It runs at most once; later calls return ErrAlreadyCompensated.
func (r *Record) Compensate(ctx context.Context) error {
	if !r.done.CompareAndSwap(false, true) {
		return ErrAlreadyCompensated
	}
	return rollback(ctx, r.steps)
}

// Compensated reports whether Compensate has been called.
func (r *Record) Compensated() bool {
	return r.done.Load()
}

func rollback(ctx context.Context, steps []Step) error {
	for i := len(steps) - 1; i >= 0; i-- {
		if steps[i].Compensate == nil {
			continue
		}
		if err := steps[i].Compensate(ctx); err != nil {
			return fmt.Errorf("compensate %s: %w", steps[i].Name, err)
		}
	}
	return nil
}
