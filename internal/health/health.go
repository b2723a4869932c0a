// Package health serves the liveness (/healthz) and readiness (/readyz)
// probes.
//
// /healthz answers 200 whenever the process can serve HTTP. /readyz runs
// every registered [Checker] concurrently and answers 503 when a required
// check fails or the process is draining. Failed optional checks only mark
// the report "degraded".
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultTimeout bounds each check.
const DefaultTimeout = 5 * time.Second

// ErrDraining is reported under "lifecycle" once [Handler.SetDraining] ran.
var ErrDraining = errors.New("shutting down")

// Status summarises a [Report].
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusFail     Status = "fail"
)

// Checker probes one dependency.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error

	// Optional checks never fail readiness.
	Optional bool
}

// Pinger is implemented by database pools such as pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DatabaseCheck pings p.
func DatabaseCheck(name string, p Pinger) Checker {
	return Checker{Name: name, Check: p.Ping}
}

// StateCheck wraps a synchronous probe such as "is the gateway connected".
func StateCheck(name string, probe func() error) Checker {
	return Checker{Name: name, Check: func(context.Context) error { return probe() }}
}

// CheckResult is one entry of a [Report].
type CheckResult struct {
	Status    Status  `json:"status"`
	Error     string  `json:"error,omitempty"`
	LatencyMS float64 `json:"latency_ms"`
}

// Report is the /readyz body.
type Report struct {
	Status Status                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// Handler serves the probes. The checker list is fixed at construction.
type Handler struct {
	checkers []Checker
	timeout  time.Duration
	draining atomic.Bool
}

// Option configures a [Handler].
type Option func(*Handler)

// WithTimeout overrides [DefaultTimeout].
func WithTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// New returns a Handler running checkers on each readiness probe.
func New(checkers []Checker, opts ...Option) *Handler {
	h := &Handler{
		checkers: append([]Checker(nil), checkers...),
		timeout:  DefaultTimeout,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// SetDraining makes readiness fail from now on so traffic moves away while
// sessions shut down.
func (h *Handler) SetDraining() { h.draining.Store(true) }

// Run evaluates every check.
func (h *Handler) Run(ctx context.Context) Report {
	rep := Report{Status: StatusOK, Checks: make(map[string]CheckResult, len(h.checkers)+1)}
	var mu sync.Mutex
	record := func(c Checker, err error, took time.Duration) {
		res := CheckResult{Status: StatusOK, LatencyMS: float64(took.Microseconds()) / 1000}
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			res.Error = err.Error()
			res.Status = StatusFail
			switch {
			case !c.Optional:
				rep.Status = StatusFail
			case rep.Status == StatusOK:
				rep.Status = StatusDegraded
			}
		}
		rep.Checks[c.Name] = res
	}

	if h.draining.Load() {
		record(Checker{Name: "lifecycle"}, ErrDraining, 0)
	}

	var g errgroup.Group
	for _, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, h.timeout)
			defer cancel()
			start := time.Now()
			err := c.Check(cctx)
			record(c, err, time.Since(start))
			return nil
		})
	}
	_ = g.Wait()
	return rep
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Report{Status: StatusOK})
}

// Readyz is the readiness probe.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := h.Run(r.Context())
	code := http.StatusOK
	if rep.Status == StatusFail {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, rep)
}

// Register mounts both probes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
