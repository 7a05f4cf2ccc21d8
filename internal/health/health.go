// Package health provides HTTP health and readiness check handlers.
//
// The package exposes two endpoints:
//
//   - /healthz: liveness probe; always returns 200 OK.
//   - /readyz: readiness probe; returns 200 only when the server is not
//     draining and all registered [Checker] functions pass.
//
// Responses are JSON objects with a top-level "status" field ("ok" or "fail")
// and a "checks" map containing the result of each named checker.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voicesift/internal/resilience"
)

// checkTimeout is the maximum time a single readiness check may take before
// the context is cancelled.
const checkTimeout = 5 * time.Second

// ErrDraining is reported by /readyz after [Handler.SetDraining].
var ErrDraining = errors.New("health: draining")

// Checker is a named health check function. The Check function should return
// nil when the dependency is healthy and a non-nil error describing the
// failure otherwise.
type Checker struct {
	// Name is a short label for this check (e.g. "postgres", "upload").
	// It appears as a key in the JSON response.
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// Pinger is implemented by stores that can probe their connection.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping returns a [Checker] that calls p.Ping.
func Ping(name string, p Pinger) Checker {
	return Checker{Name: name, Check: p.Ping}
}

// Breaker returns a [Checker] that fails while cb is open.
func Breaker(name string, cb *resilience.CircuitBreaker) Checker {
	return Checker{Name: name, Check: func(context.Context) error {
		if st := cb.State(); st == resilience.StateOpen {
			return fmt.Errorf("circuit %s is %s", cb.Name(), st)
		}
		return nil
	}}
}

// Capacity returns a [Checker] that fails while load reports no free slot.
// A limit of 0 never fails.
func Capacity(name string, load func() (active, limit int)) Checker {
	return Checker{Name: name, Check: func(context.Context) error {
		if active, limit := load(); limit > 0 && active >= limit {
			return fmt.Errorf("%d of %d in use", active, limit)
		}
		return nil
	}}
}

// result is the JSON response body for health endpoints.
type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz endpoints. It is safe for concurrent
// use; the checker list is fixed at construction time.
type Handler struct {
	checkers []Checker
	draining atomic.Bool
}

// New creates a [Handler] that evaluates the given checkers concurrently on
// each /readyz request.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// SetDraining marks the server as shutting down. While draining, /readyz
// fails so load balancers stop routing new streams here.
func (h *Handler) SetDraining(v bool) { h.draining.Store(v) }

// Healthz is a liveness probe that always returns 200 OK. A running process
// that can serve HTTP is considered alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz is a readiness probe that returns 200 only when every registered
// [Checker] passes. Each checker is given a context with a [checkTimeout]
// deadline derived from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := h.run(r.Context())
	res := result{Status: "ok", Checks: checks}
	status := http.StatusOK
	if h.draining.Load() {
		checks["server"] = "fail: " + ErrDraining.Error()
	}
	for _, v := range checks {
		if v != "ok" {
			res.Status = "fail"
			status = http.StatusServiceUnavailable
			break
		}
	}
	writeJSON(w, status, res)
}

// run evaluates every checker and returns "ok" or "fail: <reason>" per name.
func (h *Handler) run(ctx context.Context) map[string]string {
	var (
		mu     sync.Mutex
		checks = make(map[string]string, len(h.checkers)+1)
		g      errgroup.Group
	)
	for _, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			v := "ok"
			if err := c.Check(cctx); err != nil {
				v = "fail: " + err.Error()
			}
			mu.Lock()
			checks[c.Name] = v
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return checks
}

// Probe routes.
const (
	LivePath  = "/healthz"
	ReadyPath = "/readyz"
)

// Register adds the liveness and readiness routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET "+LivePath, h.Healthz)
	mux.HandleFunc("GET "+ReadyPath, h.Readyz)
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
