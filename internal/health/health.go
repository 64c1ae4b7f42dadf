// Package health serves the liveness, readiness and status endpoints of a
// stereocast process.
//
//   - /healthz: always 200 while the process can serve HTTP.
//   - /readyz: 200 only when every registered Checker passes, typically
//     "the pipeline is STARTED".
//   - /status: the pipeline snapshot as JSON.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"
)

const checkTimeout = 2 * time.Second

// Checker is one named readiness probe.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// RunningChecker reports ready while isRunning returns true.
func RunningChecker(name string, isRunning func() bool) Checker {
	return Checker{
		Name: name,
		Check: func(context.Context) error {
			if !isRunning() {
				return errors.New("not running")
			}
			return nil
		},
	}
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the health endpoints. The checker list and status source
// are fixed at construction.
type Handler struct {
	checkers []Checker
	status   func() any
}

// New creates a Handler. status may be nil, in which case /status is not
// registered.
func New(status func() any, checkers ...Checker) *Handler {
	return &Handler{
		checkers: append([]Checker(nil), checkers...),
		status:   status,
	}
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz runs every checker with a bounded context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	res := result{Status: "ok", Checks: make(map[string]string, len(h.checkers))}
	code := http.StatusOK

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			res.Checks[c.Name] = "fail: " + err.Error()
			res.Status = "fail"
			code = http.StatusServiceUnavailable
			continue
		}
		res.Checks[c.Name] = "ok"
	}
	writeJSON(w, code, res)
}

// Status writes the current status snapshot.
func (h *Handler) Status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.status())
}

// Register adds the routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	if h.status != nil {
		mux.HandleFunc("GET /status", h.Status)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
