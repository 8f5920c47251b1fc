// Package health serves the liveness and readiness endpoints.
//
// /healthz answers 200 while the process can serve HTTP. /readyz runs every
// registered [Checker] and answers 503 if any required check fails. Optional
// checks (the bridge peer, for one) are reported but only degrade the status.
//
//	{"status":"degraded","checks":{"pipeline":{"status":"ok","took_ms":0},
//	 "bridge":{"status":"fail","error":"bridge: no peer connected","optional":true,"took_ms":0}}}
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Overall statuses.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusFail     = "fail"
)

// DefaultTimeout bounds each check.
const DefaultTimeout = 2 * time.Second

// Checker is one named readiness check.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error

	// Optional failures report as degraded instead of failing readiness.
	Optional bool
}

// Probe is implemented by components that know whether they are healthy.
type Probe interface {
	Healthy(ctx context.Context) error
}

// For wraps p as a required [Checker].
func For(name string, p Probe) Checker {
	return Checker{Name: name, Check: p.Healthy}
}

// Optional wraps p as an optional [Checker].
func Optional(name string, p Probe) Checker {
	return Checker{Name: name, Check: p.Healthy, Optional: true}
}

// CheckResult is the outcome of one checker.
type CheckResult struct {
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
	Optional bool   `json:"optional,omitempty"`
	TookMS   int64  `json:"took_ms"`
}

// Report is the /readyz response body.
type Report struct {
	Status string                 `json:"status"`
	Uptime string                 `json:"uptime,omitempty"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz.
type Handler struct {
	timeout time.Duration
	started time.Time

	mu       sync.RWMutex
	checkers []Checker
}

// New returns a Handler running checkers with [DefaultTimeout] each.
func New(checkers ...Checker) *Handler {
	return &Handler{
		timeout:  DefaultTimeout,
		started:  time.Now(),
		checkers: slices.Clone(checkers),
	}
}

// SetTimeout changes the per-check deadline. Non-positive values are ignored.
func (h *Handler) SetTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	h.mu.Lock()
	h.timeout = d
	h.mu.Unlock()
}

// Add registers c. A checker with the same name is replaced.
func (h *Handler) Add(c Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if i := slices.IndexFunc(h.checkers, func(o Checker) bool { return o.Name == c.Name }); i >= 0 {
		h.checkers[i] = c
		return
	}
	h.checkers = append(h.checkers, c)
}

// Register mounts GET /healthz and GET /readyz on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Healthz always answers 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Report{
		Status: StatusOK,
		Uptime: time.Since(h.started).Round(time.Second).String(),
	})
}

// Readyz runs all checkers concurrently and answers 200 unless a required
// one fails.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := h.Check(r.Context())
	code := http.StatusOK
	if rep.Status == StatusFail {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, rep)
}

// Check evaluates every checker and returns the combined report.
func (h *Handler) Check(ctx context.Context) Report {
	h.mu.RLock()
	checkers := slices.Clone(h.checkers)
	timeout := h.timeout
	h.mu.RUnlock()

	results := make([]CheckResult, len(checkers))
	var g errgroup.Group
	for i, c := range checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			start := time.Now()
			res := CheckResult{Status: StatusOK, Optional: c.Optional}
			if err := c.Check(cctx); err != nil {
				res.Status = StatusFail
				res.Error = err.Error()
			}
			res.TookMS = time.Since(start).Milliseconds()
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	rep := Report{Status: StatusOK, Checks: make(map[string]CheckResult, len(checkers))}
	for i, c := range checkers {
		res := results[i]
		rep.Checks[c.Name] = res
		if res.Status != StatusFail {
			continue
		}
		if !c.Optional {
			rep.Status = StatusFail
		} else if rep.Status == StatusOK {
			rep.Status = StatusDegraded
		}
	}
	return rep
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
