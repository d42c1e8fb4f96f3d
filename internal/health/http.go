package health

import (
	"io"
	"net/http"
)

// HealthzHandler serves /-/healthy: 200 "ok" or 503 with the probe error.
func HealthzHandler(p Probe) http.HandlerFunc { return probeHandler(p, "ok\n") }

// ReadyzHandler serves /-/ready: 200 "ready" or 503 with the probe error.
func ReadyzHandler(p Probe) http.HandlerFunc { return probeHandler(p, "ready\n") }

// A nil probe always passes.
func probeHandler(p Probe, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// probe answers must never come from a cache
		w.Header().Set("Cache-Control", "no-store")
		if p != nil {
			if err := p.Check(r.Context()); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, body)
	}
}
