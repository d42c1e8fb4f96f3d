package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/capserve/internal/health"
	"github.com/keithlinneman/capserve/internal/httpmw"
	"github.com/keithlinneman/capserve/internal/log"
)

type Options struct {
	Logger       log.Logger
	Port         int
	UseRecoverMW bool
	OnPanic      func()
	MetricsMW    func(http.Handler) http.Handler
	RateLimitMW  func(http.Handler) http.Handler // applied to every request; install limits live in packagehttp
	ClientIPOpts httpmw.ClientIPOptions
	Health       health.Probe
	Readiness    health.Probe

	// APIRoutes registers the control-plane endpoints (package API).
	APIRoutes func(chi.Router)

	// SiteHandler serves synthetic package hosts. It is also the 404
	// fallback for the API host so unknown paths get the themed page.
	SiteHandler http.Handler
	// Packages decides which hosts are package origins (origin.Origin).
	// Nil sends every request through the API router.
	Packages httpmw.PackageResolver

	// MaxBodyBytes bounds request bodies on the API host. default: 1KB.
	// Package hosts are read-only and always get 1KB.
	MaxBodyBytes int64

	// Server timeouts; zero keeps DefaultReadTimeout and DefaultWriteTimeout.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}
