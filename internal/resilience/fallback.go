package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when no entry of a [FallbackGroup] produced a
// result.
var ErrAllFailed = errors.New("all sources failed")

// FallbackConfig is the breaker template for every entry of a
// [FallbackGroup]. Its Name is replaced by the entry name.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

type source[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup is an ordered list of interchangeable sources, each behind
// its own breaker. Sources are added before the group is shared.
type FallbackGroup[T any] struct {
	cfg     FallbackConfig
	sources []source[T]
}

// NewFallbackGroup returns a group whose first source is primary.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends a source tried after the existing ones.
func (fg *FallbackGroup[T]) AddFallback(name string, v T) {
	bc := fg.cfg.CircuitBreaker
	bc.Name = name
	fg.sources = append(fg.sources, source[T]{name: name, value: v, breaker: NewCircuitBreaker(bc)})
}

// Len returns the number of sources.
func (fg *FallbackGroup[T]) Len() int { return len(fg.sources) }

// Available returns the names of the sources whose breaker would admit a
// call right now.
func (fg *FallbackGroup[T]) Available() []string {
	var names []string
	for _, s := range fg.sources {
		if s.breaker.State() != StateOpen {
			names = append(names, s.name)
		}
	}
	return names
}

// ExecuteWithResult calls fn on each source in order until one succeeds and
// returns the result with the source's name. Sources with an open breaker
// are skipped. It stops early once ctx is done. The returned error wraps
// [ErrAllFailed] and every source's error.
func ExecuteWithResult[T, R any](ctx context.Context, fg *FallbackGroup[T], fn func(context.Context, T) (R, error)) (R, string, error) {
	var (
		zero R
		errs []error
	)
	for _, s := range fg.sources {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		var out R
		err := s.breaker.Execute(func() error {
			var err error
			out, err = fn(ctx, s.value)
			return err
		})
		if err == nil {
			return out, s.name, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
		if !errors.Is(err, ErrCircuitOpen) {
			slog.Warn("resilience: source failed", "source", s.name, "err", err)
		}
	}
	return zero, "", fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}
