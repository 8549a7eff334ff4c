package saga

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// Step represents a single step in a saga with an execute and compensate function.
type Step struct {
	Name       string
	Execute    func(ctx context.Context) error
	Compensate func(ctx context.Context) error
}

// Error describes a failed saga run. Err is the step failure; CompensationErr
// is set when undoing the completed steps failed too.
type Error struct {
	Saga            string
	Step            string
	Index           int
	Err             error
	CompensationErr error
}

func (e *Error) Error() string {
	if e.CompensationErr != nil {
		return fmt.Sprintf("saga %s: step %q failed (%v), compensation also failed: %v", e.Saga, e.Step, e.Err, e.CompensationErr)
	}
	return fmt.Sprintf("saga %s: step %q failed: %v", e.Saga, e.Step, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Saga orchestrates a series of steps with automatic compensation on failure.
type Saga struct {
	name   string
	steps  []Step
	logger zerolog.Logger
}

// New creates a new saga with the given name.
func New(name string, logger zerolog.Logger) *Saga {
	return &Saga{
		name:   name,
		logger: logger.With().Str("saga", name).Logger(),
	}
}

// AddStep adds a step to the saga.
func (s *Saga) AddStep(step Step) *Saga {
	s.steps = append(s.steps, step)
	return s
}

// Execute runs all steps in order. When one fails, the steps already
// completed are compensated in reverse order and an *Error is returned.
// Compensation runs on a context that survives cancellation of ctx.
func (s *Saga) Execute(ctx context.Context) error {
	completed := make([]int, 0, len(s.steps))

	for i, step := range s.steps {
		if err := step.Execute(ctx); err != nil {
			s.logger.Warn().Err(err).Str("step", step.Name).Msg("saga step failed, compensating")
			return &Error{
				Saga:            s.name,
				Step:            step.Name,
				Index:           i,
				Err:             err,
				CompensationErr: s.compensate(context.WithoutCancel(ctx), completed),
			}
		}
		completed = append(completed, i)
	}

	return nil
}

func (s *Saga) compensate(ctx context.Context, completedIndexes []int) error {
	var errs []error
	for i := len(completedIndexes) - 1; i >= 0; i-- {
		step := s.steps[completedIndexes[i]]
		if step.Compensate == nil {
			continue
		}
		if err := step.Compensate(ctx); err != nil {
			s.logger.Error().Err(err).Str("step", step.Name).Msg("saga compensation failed")
			errs = append(errs, fmt.Errorf("compensate step %q: %w", step.Name, err))
		}
	}
	return errors.Join(errs...)
}
