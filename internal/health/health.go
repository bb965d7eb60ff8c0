// Package health serves the liveness and readiness probes.
//
// /healthz reports liveness: a process that answers HTTP is alive, so it
// always returns 200. /readyz runs every registered [Checker] concurrently
// under a per-check deadline and returns 503 when any fails. The JSON body
// names each check with its outcome and latency, so an operator can see
// which dependency is the problem without grepping logs.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named readiness check. Check returns nil when the dependency
// can serve and an error describing the failure otherwise. It must respect
// context cancellation.
type Checker struct {
	// Name labels the check in the JSON response (e.g. "llm").
	Name string

	Check func(ctx context.Context) error
}

// checkResult is one check's outcome in the response body.
type checkResult struct {
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// response is the body of both probe endpoints.
type response struct {
	Status string                 `json:"status"`
	Checks map[string]checkResult `json:"checks,omitempty"`
}

// Handler serves the probe endpoints. The checker list is fixed at
// construction, so the handler is safe for concurrent use.
type Handler struct {
	checkers []Checker
}

// New creates a [Handler] evaluating the given checkers on each /readyz
// request.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Healthz always returns 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, response{Status: "ok"})
}

// Readyz runs all checks concurrently and returns 200 only when every one
// passes. A failing check never cancels its siblings; the response always
// carries the full picture.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	results := make([]checkResult, len(h.checkers))

	var g errgroup.Group
	for i, c := range h.checkers {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()

			start := time.Now()
			err := c.Check(ctx)
			elapsed := time.Since(start).Milliseconds()

			if err != nil {
				results[i] = checkResult{Status: "fail", Error: err.Error(), LatencyMS: elapsed}
				return err
			}
			results[i] = checkResult{Status: "ok", LatencyMS: elapsed}
			return nil
		})
	}
	failed := g.Wait() != nil

	res := response{Status: "ok", Checks: make(map[string]checkResult, len(h.checkers))}
	for i, c := range h.checkers {
		res.Checks[c.Name] = results[i]
	}

	status := http.StatusOK
	if failed {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Register adds the probe routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
