// Package retry computes reconnection delays for transient upstream failures.
//
// A [Policy] is an immutable description of the backoff curve. A [Schedule]
// is the mutable per-client cursor over that curve: it counts consecutive
// failed attempts, hands out the next delay and is reset every time a stream
// starts successfully.
//
// Delays are non-decreasing in the attempt number and never exceed
// [Policy.Max].
package retry

import (
	"errors"
	"math"
	"sync"
	"time"
)

// Default backoff parameters.
const (
	DefaultInitial     = 500 * time.Millisecond
	DefaultMax         = 30 * time.Second
	DefaultMultiplier  = 2.0
	DefaultMaxAttempts = 8
)

// ErrExhausted is returned by [Schedule.Next] once the configured number of
// attempts has been used up.
var ErrExhausted = errors.New("retry: attempts exhausted")

// Policy describes an exponential backoff curve. The zero value is not
// useful; start from [DefaultPolicy] or fill every field.
type Policy struct {
	// Initial is the delay before the first retry.
	Initial time.Duration `yaml:"initial"`

	// Max caps every delay.
	Max time.Duration `yaml:"max"`

	// Multiplier grows the delay between attempts. Values below 1 are
	// treated as 1 so the curve never shrinks.
	Multiplier float64 `yaml:"multiplier"`

	// MaxAttempts bounds the number of retries. Zero or negative means
	// unbounded.
	MaxAttempts int `yaml:"max_attempts"`
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		Initial:     DefaultInitial,
		Max:         DefaultMax,
		Multiplier:  DefaultMultiplier,
		MaxAttempts: DefaultMaxAttempts,
	}
}

// Validate reports whether the policy describes a usable curve.
func (p Policy) Validate() error {
	var errs []error
	if p.Initial <= 0 {
		errs = append(errs, errors.New("retry: initial delay must be positive"))
	}
	if p.Max < p.Initial {
		errs = append(errs, errors.New("retry: max delay must be >= initial delay"))
	}
	if p.Multiplier < 1 {
		errs = append(errs, errors.New("retry: multiplier must be >= 1"))
	}
	return errors.Join(errs...)
}

// Unbounded reports whether the policy retries forever.
func (p Policy) Unbounded() bool { return p.MaxAttempts <= 0 }

// Delay returns the wait before retry number attempt (1-based). Attempts
// below 1 are treated as 1.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.Initial) * math.Pow(mult, float64(attempt-1))
	if math.IsInf(d, 0) || math.IsNaN(d) || d > float64(p.Max) {
		return p.Max
	}
	return time.Duration(d)
}

// Schedule tracks consecutive attempts against a [Policy]. It is safe for
// concurrent use.
type Schedule struct {
	policy Policy

	mu      sync.Mutex
	attempt int
}

// NewSchedule returns a schedule positioned before the first retry.
func NewSchedule(p Policy) *Schedule {
	return &Schedule{policy: p}
}

// Next advances the schedule and returns the delay to wait before the next
// attempt. It returns [ErrExhausted] when the policy's attempt budget has been
// used; the schedule does not advance in that case.
func (s *Schedule) Next() (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.policy.Unbounded() && s.attempt >= s.policy.MaxAttempts {
		return 0, ErrExhausted
	}
	s.attempt++
	return s.policy.Delay(s.attempt), nil
}

// Attempt returns the number of retries handed out since the last reset.
func (s *Schedule) Attempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt
}

// Reset rewinds the schedule after a successful stream start.
func (s *Schedule) Reset() {
	s.mu.Lock()
	s.attempt = 0
	s.mu.Unlock()
}

// Policy returns the policy backing the schedule.
func (s *Schedule) Policy() Policy { return s.policy }
