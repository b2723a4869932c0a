package connect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/jukebridge/internal/resilience"
	"golang.org/x/sync/errgroup"
)

// Selector defaults.
const (
	DefaultProbeTimeout = 2 * time.Second
	DefaultAPCooldown   = time.Minute
	maxConcurrentProbes = 8
)

// ErrNoAccessPoint is returned when no access point could be reached.
var ErrNoAccessPoint = errors.New("connect: no reachable access point")

// Resolver lists candidate access points.
type Resolver interface {
	Resolve(ctx context.Context) ([]string, error)
}

// HTTPResolver asks a resolver endpoint for access points. The endpoint
// answers with {"accesspoint": ["host:port", ...]}.
type HTTPResolver struct {
	URL    string
	Client *http.Client
}

// Resolve implements [Resolver].
func (r *HTTPResolver) Resolve(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("resolver: build request: %w", err)
	}
	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("resolver: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("resolver: unexpected status %s", resp.Status)
	}
	var body struct {
		AccessPoint []string `json:"accesspoint"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("resolver: decode: %w", err)
	}
	if len(body.AccessPoint) == 0 {
		return nil, errors.New("resolver: empty access point list")
	}
	return body.AccessPoint, nil
}

// StaticResolver always returns the same list.
type StaticResolver []string

// Resolve implements [Resolver].
func (s StaticResolver) Resolve(context.Context) ([]string, error) {
	if len(s) == 0 {
		return nil, errors.New("static resolver: no access points configured")
	}
	return slices.Clone([]string(s)), nil
}

// Prober measures how long it takes to reach an access point.
type Prober func(ctx context.Context, ap string) (time.Duration, error)

// TCPProber measures the TCP connect time to ap.
func TCPProber(ctx context.Context, ap string) (time.Duration, error) {
	var d net.Dialer
	start := time.Now()
	conn, err := d.DialContext(ctx, "tcp", ap)
	if err != nil {
		return 0, err
	}
	elapsed := time.Since(start)
	_ = conn.Close()
	return elapsed, nil
}

// SelectorConfig configures an [APSelector].
type SelectorConfig struct {
	// Resolvers are tried in order; the first to answer wins.
	Resolvers []Resolver

	// Prober defaults to [TCPProber].
	Prober Prober

	// ProbeTimeout bounds a whole probe round. Default [DefaultProbeTimeout].
	ProbeTimeout time.Duration

	// Cooldown is how long a failed access point is avoided.
	// Default [DefaultAPCooldown].
	Cooldown time.Duration

	// Now overrides the clock for cooldown bookkeeping.
	Now func() time.Time
}

// APSelector picks the lowest-latency healthy access point. It resolves
// candidates through a chain of resolvers and probes them concurrently. An
// access point reported through [APSelector.MarkFailed] is skipped until its
// cooldown expires.
//
// APSelector is safe for concurrent use and is shared by all sessions.
type APSelector struct {
	resolvers    *resilience.FallbackGroup[Resolver]
	prober       Prober
	probeTimeout time.Duration
	cooldown     time.Duration
	now          func() time.Time

	mu       sync.Mutex
	breakers map[string]*resilience.CircuitBreaker
}

// NewAPSelector creates an APSelector. At least one resolver is required.
func NewAPSelector(cfg SelectorConfig) (*APSelector, error) {
	if len(cfg.Resolvers) == 0 {
		return nil, errors.New("connect: selector needs at least one resolver")
	}
	if cfg.Prober == nil {
		cfg.Prober = TCPProber
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultAPCooldown
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	fb := resilience.FallbackConfig{CircuitBreaker: resilience.CircuitBreakerConfig{
		MaxFailures:  3,
		ResetTimeout: cfg.Cooldown,
		Now:          cfg.Now,
	}}
	group := resilience.NewFallbackGroup(cfg.Resolvers[0], resolverName(0), fb)
	for i, r := range cfg.Resolvers[1:] {
		group.AddFallback(resolverName(i+1), r)
	}

	return &APSelector{
		resolvers:    group,
		prober:       cfg.Prober,
		probeTimeout: cfg.ProbeTimeout,
		cooldown:     cfg.Cooldown,
		now:          cfg.Now,
		breakers:     make(map[string]*resilience.CircuitBreaker),
	}, nil
}

func resolverName(i int) string { return fmt.Sprintf("resolver-%d", i) }

func (s *APSelector) breaker(ap string) *resilience.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[ap]
	if !ok {
		b = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         "ap " + ap,
			MaxFailures:  1,
			ResetTimeout: s.cooldown,
			Now:          s.now,
		})
		s.breakers[ap] = b
	}
	return b
}

// MarkFailed puts ap on cooldown.
func (s *APSelector) MarkFailed(ap string) {
	if ap == "" {
		return
	}
	s.breaker(ap).Trip()
}

// MarkHealthy clears ap's cooldown.
func (s *APSelector) MarkHealthy(ap string) {
	if ap == "" {
		return
	}
	s.breaker(ap).Reset()
}

// Healthy reports whether ap is outside its cooldown.
func (s *APSelector) Healthy(ap string) bool {
	return s.breaker(ap).State() != resilience.StateOpen
}

// ErrNoResolver is returned by [APSelector.Check] while every resolver is
// cooling down.
var ErrNoResolver = errors.New("connect: every access point resolver is cooling down")

// Check reports whether at least one resolver may be asked for access
// points. It does no I/O and is meant for readiness probes.
func (s *APSelector) Check(context.Context) error {
	if len(s.resolvers.Available()) == 0 {
		return ErrNoResolver
	}
	return nil
}

type probeResult struct {
	ap      string
	latency time.Duration
	err     error
}

// Select resolves access points, drops those in exclude and those on
// cooldown, probes the rest concurrently and returns the fastest.
//
// When every candidate is excluded or cooling down, Select widens the
// candidate set step by step (first ignoring cooldown, then exclude) rather
// than failing outright, so a deployment with a single access point can
// still reconnect.
func (s *APSelector) Select(ctx context.Context, exclude ...string) (string, error) {
	aps, source, err := resilience.ExecuteWithResult(ctx, s.resolvers, func(ctx context.Context, r Resolver) ([]string, error) {
		return r.Resolve(ctx)
	})
	if err != nil {
		return "", &NetworkError{Op: "resolve", Err: err}
	}

	candidates := s.candidates(aps, exclude, true)
	if len(candidates) == 0 {
		candidates = s.candidates(aps, exclude, false)
	}
	if len(candidates) == 0 {
		candidates = slices.Compact(slices.Sorted(slices.Values(aps)))
	}

	slog.Debug("connect: probing access points", "source", source, "candidates", len(candidates))

	results := s.probe(ctx, candidates)
	best := probeResult{}
	var errs []error
	for _, r := range results {
		if r.err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.ap, r.err))
			continue
		}
		if best.ap == "" || r.latency < best.latency {
			best = r
		}
	}
	if best.ap == "" {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &NetworkError{Op: "probe", Err: errors.Join(append([]error{ErrNoAccessPoint}, errs...)...)}
	}
	return best.ap, nil
}

func (s *APSelector) candidates(aps, exclude []string, healthyOnly bool) []string {
	var out []string
	for _, ap := range aps {
		if slices.Contains(exclude, ap) || slices.Contains(out, ap) {
			continue
		}
		if healthyOnly && !s.Healthy(ap) {
			continue
		}
		out = append(out, ap)
	}
	return out
}

// probe measures every candidate concurrently within the probe timeout.
// Unreachable access points are put on cooldown.
func (s *APSelector) probe(ctx context.Context, aps []string) []probeResult {
	pctx, cancel := context.WithTimeout(ctx, s.probeTimeout)
	defer cancel()

	results := make([]probeResult, len(aps))
	var g errgroup.Group
	g.SetLimit(maxConcurrentProbes)
	for i, ap := range aps {
		g.Go(func() error {
			latency, err := s.prober(pctx, ap)
			results[i] = probeResult{ap: ap, latency: latency, err: err}
			if err != nil && ctx.Err() == nil {
				s.MarkFailed(ap)
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}
