// Package health serves liveness and readiness probes.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

func Liveness() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}

type ReadinessReporter interface {
	Readiness() (ready bool, partitions []int32)
}

// Check is a named dependency probe. Optional checks are reported but do
// not fail readiness.
type Check struct {
	Name     string
	Probe    func(ctx context.Context) error
	Optional bool
}

const checkTimeout = 2 * time.Second

func Readiness(rr ReadinessReporter, checks ...Check) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		type resp struct {
			Status     string            `json:"status"`
			Partitions []int32           `json:"partitions,omitempty"`
			Checks     map[string]string `json:"checks,omitempty"`
		}
		ready := true
		var parts []int32
		if rr != nil {
			ready, parts = rr.Readiness()
		}
		out := resp{Status: "not_ready"}

		if len(checks) > 0 {
			out.Checks = make(map[string]string, len(checks))
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			for _, c := range checks {
				if err := c.Probe(ctx); err != nil {
					out.Checks[c.Name] = err.Error()
					if !c.Optional {
						ready = false
					}
					continue
				}
				out.Checks[c.Name] = "ok"
			}
		}

		if ready {
			out.Status = "ready"
			out.Partitions = parts
		}
		w.Header().Set("Content-Type", "application/json")
		if !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(out)
	}
}
