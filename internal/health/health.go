// Package health provides the operational HTTP surface of the agent: the
// liveness and readiness probes and the Prometheus scrape endpoint bundled
// by [Server].
//
//   - /healthz — liveness; a process that can serve HTTP is alive.
//   - /readyz  — readiness; 200 only when every registered provider probe
//     passes. Probes run concurrently and each result carries its latency,
//     so a provider going slow is visible before it goes dead.
//   - /metrics — Prometheus scrape endpoint.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// checkTimeout bounds each readiness probe.
const checkTimeout = 5 * time.Second

// Checker probes one upstream dependency of the call path, typically a cheap
// authenticated request against a speech provider. Check returns nil when
// the dependency can serve a call right now.
type Checker struct {
	// Name labels the dependency in the JSON response (e.g. "tts",
	// "transport").
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// checkResult is one probe's outcome in the readiness response.
type checkResult struct {
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// report is the JSON response body for the probe endpoints.
type report struct {
	Status string                 `json:"status"`
	Checks map[string]checkResult `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. Safe for concurrent use; the checker
// list is fixed at construction time.
type Handler struct {
	checkers []Checker
}

// New creates a [Handler] over the given dependency probes.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Healthz always returns 200 OK.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, report{Status: "ok"})
}

// Readyz runs every probe concurrently, each under its own [checkTimeout],
// and returns 200 only when all pass. One dead provider makes the whole
// agent unready: a call cannot be served without its full speech path.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	type named struct {
		name string
		res  checkResult
	}
	results := make(chan named, len(h.checkers))
	for _, c := range h.checkers {
		go func() {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			start := time.Now()
			err := c.Check(ctx)
			res := checkResult{Status: "ok", LatencyMS: time.Since(start).Milliseconds()}
			if err != nil {
				res.Status = "fail"
				res.Error = err.Error()
			}
			results <- named{name: c.Name, res: res}
		}()
	}

	rep := report{Status: "ok", Checks: make(map[string]checkResult, len(h.checkers))}
	status := http.StatusOK
	for range h.checkers {
		n := <-results
		rep.Checks[n.name] = n.res
		if n.res.Status != "ok" {
			rep.Status = "fail"
			status = http.StatusServiceUnavailable
		}
	}

	writeJSON(w, status, rep)
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
