// Package health provides liveness and readiness endpoints for the posting
// scheduler's side server.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// probeTimeout bounds each probe so one stuck dependency cannot hang the
// readiness endpoint.
const probeTimeout = 5 * time.Second

// Status of one dependency.
type Status string

const (
	StatusOK   Status = "ok"
	StatusDown Status = "down"
)

// Probe checks one dependency. A nil error means the dependency is usable.
type Probe func(ctx context.Context) error

// Result is one probe's outcome.
type Result struct {
	Status Status `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Checker runs named probes against the scheduler's dependencies: the token
// store, the source queue, and the object store when configured.
type Checker struct {
	mu     sync.RWMutex
	probes map[string]Probe
	logger zerolog.Logger
}

// NewChecker creates a health checker.
func NewChecker(logger zerolog.Logger) *Checker {
	return &Checker{
		probes: make(map[string]Probe),
		logger: logger.With().Str("component", "health").Logger(),
	}
}

// Register adds a named probe.
func (c *Checker) Register(name string, p Probe) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probes[name] = p
}

// RunAll executes all probes concurrently.
func (c *Checker) RunAll(ctx context.Context) map[string]Result {
	c.mu.RLock()
	probes := make(map[string]Probe, len(c.probes))
	for name, p := range c.probes {
		probes[name] = p
	}
	c.mu.RUnlock()

	results := make(map[string]Result, len(probes))
	var wg sync.WaitGroup
	var mu sync.Mutex

	for name, p := range probes {
		wg.Add(1)
		go func(n string, probe Probe) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
			defer cancel()

			res := Result{Status: StatusOK}
			if err := probe(probeCtx); err != nil {
				res = Result{Status: StatusDown, Detail: err.Error()}
				c.logger.Warn().Str("probe", n).Err(err).Msg("dependency down")
			}

			mu.Lock()
			results[n] = res
			mu.Unlock()
		}(name, p)
	}

	wg.Wait()
	return results
}

// IsReady reports whether every probe passes.
func (c *Checker) IsReady(ctx context.Context) bool {
	for _, res := range c.RunAll(ctx) {
		if res.Status == StatusDown {
			return false
		}
	}
	return true
}

// LivenessHandler returns the handler for /healthz.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}

// ReadinessHandler returns the handler for /readyz.
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		results := c.RunAll(r.Context())

		ready := true
		for _, res := range results {
			if res.Status == StatusDown {
				ready = false
				break
			}
		}

		resp := map[string]interface{}{
			"checks": results,
		}

		if ready {
			resp["status"] = "ready"
			w.WriteHeader(http.StatusOK)
		} else {
			resp["status"] = "not_ready"
			w.WriteHeader(http.StatusServiceUnavailable)
		}

		json.NewEncoder(w).Encode(resp)
	}
}
