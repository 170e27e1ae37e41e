// Package health provides HTTP liveness and readiness handlers for the
// receiver.
//
//   - /healthz answers 200 while the process can serve HTTP.
//   - /readyz answers 200 only when every registered [Checker] passes,
//     typically "a listen session is running" and "its ticks are advancing".
//
// Responses are JSON objects with a "status" field ("ok" or "fail") and a
// "checks" map with the result of each named checker.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 2 * time.Second

// Checker is a named readiness check. Check returns nil when healthy.
type Checker struct {
	// Name is the key of this check in the JSON response.
	Name string

	// Check tests the component. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// Running returns a checker that fails while running reports false.
func Running(name string, running func() bool) Checker {
	return Checker{Name: name, Check: func(context.Context) error {
		if !running() {
			return errors.New("not running")
		}
		return nil
	}}
}

// Advancing returns a checker that fails when counter has not changed for
// longer than stall. It detects a capture device that stopped delivering
// samples without reporting an error.
func Advancing(name string, counter func() uint64, stall time.Duration) Checker {
	var (
		mu      sync.Mutex
		last    uint64
		changed = time.Now()
	)
	return Checker{Name: name, Check: func(context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		now := time.Now()
		if v := counter(); v != last {
			last, changed = v, now
			return nil
		}
		if idle := now.Sub(changed); idle > stall {
			return fmt.Errorf("stalled at %d for %s", last, idle.Round(time.Millisecond))
		}
		return nil
	}}
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. The checker list is fixed at
// construction time.
type Handler struct {
	checkers []Checker
}

// New creates a [Handler] that evaluates checkers on each /readyz request.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Healthz is the liveness endpoint.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz runs all checkers concurrently, each bounded by [checkTimeout].
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	outcomes := make([]error, len(h.checkers))
	var g errgroup.Group
	for i, c := range h.checkers {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			outcomes[i] = c.Check(ctx)
			return nil
		})
	}
	_ = g.Wait()

	res := result{Status: "ok", Checks: make(map[string]string, len(h.checkers))}
	status := http.StatusOK
	for i, c := range h.checkers {
		if err := outcomes[i]; err != nil {
			res.Checks[c.Name] = "fail: " + err.Error()
			res.Status = "fail"
			status = http.StatusServiceUnavailable
			continue
		}
		res.Checks[c.Name] = "ok"
	}
	writeJSON(w, status, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
