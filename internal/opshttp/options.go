package opshttp

import (
	"net/http"

	"github.com/keithlinneman/capserve/internal/health"
)

// Options configures the internal ops listener.
type Options struct {
	Port        int // default 9000
	Metrics     http.Handler
	EnablePprof bool

	// Health is liveness; Readiness also covers the store, the rewrite
	// sandbox and the shutdown gate. Nil probes always pass.
	Health    health.Probe
	Readiness health.Probe

	UseRecoverMW bool
	OnPanic      func()
}
