package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/capserve/internal/version"
)

const namespace = "capserve"

// HostResolver tells package origin hosts apart from the API host.
type HostResolver interface {
	PackageID(host string) (string, bool)
}

// ServerMetrics owns a private registry. Every collector lives under the
// capserve namespace; HTTP series carry only method, route, status and host
// class so package ids and raw paths never become label values.
type ServerMetrics struct {
	reg     *prometheus.Registry
	handler http.Handler
	hosts   HostResolver

	// http
	inflight  prometheus.Gauge
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	respBytes *prometheus.HistogramVec
	panics    prometheus.Counter

	// process
	buildInfo *prometheus.GaugeVec
	profiling prometheus.Gauge

	// install path
	limited         prometheus.Counter
	limiterFull     prometheus.Counter
	installs        *prometheus.CounterVec
	installTime     prometheus.Histogram
	rewriteTime     prometheus.Histogram
	sandboxRestarts prometheus.Counter
	rules           prometheus.Gauge
	live            prometheus.Gauge
	sweeps          prometheus.Counter
	sweepErrors     *prometheus.CounterVec
	evicted         prometheus.Counter
	orphans         prometheus.Counter
	lastSweepTime   prometheus.Gauge
}

func counter(sub, name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Subsystem: sub, Name: name, Help: help})
}

func gauge(sub, name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Subsystem: sub, Name: name, Help: help})
}

func histogram(sub, name, help string, buckets []float64) prometheus.Histogram {
	return prometheus.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Subsystem: sub, Name: name, Help: help, Buckets: buckets})
}

var httpLabels = []string{"method", "route", "host"}

// New builds the registry with the Go and process collectors included.
func New() *ServerMetrics {
	m := &ServerMetrics{
		reg: prometheus.NewRegistry(),

		inflight: gauge("http", "inflight_requests", "HTTP requests currently being served"),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "HTTP requests by method, route, host class and status",
		}, append(httpLabels, "status")),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "server_errors_total",
			Help: "HTTP 5xx responses by method, route and host class",
		}, httpLabels),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, httpLabels),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "response_size_bytes",
			Help:    "HTTP response body size",
			Buckets: prometheus.ExponentialBuckets(256, 4, 10),
		}, httpLabels),
		panics: counter("http", "panics_total", "Handler panics recovered by the server"),

		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "build_info",
			Help: "Build metadata, always 1",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		profiling: gauge("", "profiling_active", "1 when continuous profiling is running"),

		limited:     counter("install", "rate_limited_total", "Installs refused by the per-address limiter"),
		limiterFull: counter("install", "rate_limiter_full_total", "Times the limiter table filled and refused new addresses"),
		installs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "installs_total",
			Help: "Package installs by result",
		}, []string{"result"}),
		installTime: histogram("", "install_duration_seconds", "Time to unpack, rewrite, store and publish one package",
			[]float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}),
		rewriteTime: histogram("", "rewrite_duration_seconds", "Time to rewrite one HTML document in the sandbox",
			[]float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1, 5, 10}),
		sandboxRestarts: counter("sandbox", "restarts_total", "Sandbox workers restarted after the previous one exited"),
		rules:           gauge("", "installed_rules", "Redirect rules currently installed in the rule sink"),

		live:   gauge("", "live_packages", "Packages in the retention index after the last sweep"),
		sweeps: counter("", "sweeps_total", "Lifecycle sweeps run"),
		sweepErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sweep_errors_total",
			Help: "Lifecycle sweep errors by type",
		}, []string{"type"}),
		evicted:       counter("", "evicted_packages_total", "Packages evicted after their retention expired"),
		orphans:       counter("", "orphans_collected_total", "Stored packages collected because the retention index did not list them"),
		lastSweepTime: gauge("", "sweeper_last_success_timestamp_seconds", "Unix time of the last sweep that finished without error"),
	}

	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.inflight, m.requests, m.errors, m.latency, m.respBytes, m.panics,
		m.buildInfo, m.profiling,
		m.limited, m.limiterFull,
		m.installs, m.installTime, m.rewriteTime, m.sandboxRestarts, m.rules,
		m.live, m.sweeps, m.sweepErrors, m.evicted, m.orphans, m.lastSweepTime,
	)
	m.handler = promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
	return m
}

func (m *ServerMetrics) Handler() http.Handler { return m.handler }

// ClassifyHosts makes Middleware label package host traffic "package"
// instead of "api". Call before serving.
func (m *ServerMetrics) ClassifyHosts(res HostResolver) { m.hosts = res }

func (m *ServerMetrics) IncHttpPanic() { m.panics.Inc() }

// SetBuildInfoFromVersion is called once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.WithLabelValues(app, component, vi.Version, vi.Commit, vi.CommitDate,
		vi.BuildId, vi.BuildDate, dirty, vi.GoVersion).Set(1)
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	v := 0.0
	if active {
		v = 1
	}
	m.profiling.Set(v)
}

func (m *ServerMetrics) IncRateLimitDenied()   { m.limited.Inc() }
func (m *ServerMetrics) IncRateLimitCapacity() { m.limiterFull.Inc() }

// IncInstall counts one install attempt; result is "ok" or an error class.
func (m *ServerMetrics) IncInstall(result string) {
	m.installs.WithLabelValues(result).Inc()
}

func (m *ServerMetrics) ObserveInstallDuration(seconds float64) { m.installTime.Observe(seconds) }
func (m *ServerMetrics) ObserveRewriteDuration(seconds float64) { m.rewriteTime.Observe(seconds) }
func (m *ServerMetrics) IncSandboxRestart()                     { m.sandboxRestarts.Inc() }
func (m *ServerMetrics) SetInstalledRules(n int)                { m.rules.Set(float64(n)) }

func (m *ServerMetrics) SetLivePackages(n int)                     { m.live.Set(float64(n)) }
func (m *ServerMetrics) IncSweeps()                                { m.sweeps.Inc() }
func (m *ServerMetrics) IncSweepError(errType string)              { m.sweepErrors.WithLabelValues(errType).Inc() }
func (m *ServerMetrics) AddEvicted(n int)                          { m.evicted.Add(float64(n)) }
func (m *ServerMetrics) AddOrphans(n int)                          { m.orphans.Add(float64(n)) }
func (m *ServerMetrics) SetSweeperLastSuccess(unixSeconds float64) { m.lastSweepTime.Set(unixSeconds) }
