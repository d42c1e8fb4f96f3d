package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/keithlinneman/capserve/internal/cfg"
	"github.com/keithlinneman/capserve/internal/log"
	"github.com/keithlinneman/capserve/internal/metrics"
	"github.com/keithlinneman/capserve/internal/otelx"
	"github.com/keithlinneman/capserve/internal/prof"
	v "github.com/keithlinneman/capserve/internal/version"
)

const envPrefix = "CAPSERVE_"

// loadConfig parses flags, fills the rest from CAPSERVE_* variables and
// validates the result. Validation is skipped when only -V was asked for.
func loadConfig(fs *flag.FlagSet, args []string) (cfg.App, bool, error) {
	var (
		conf        cfg.App
		showVersion bool
	)
	cfg.Register(fs, &conf)
	fs.BoolVar(&showVersion, "V", false, "print version and build information, then exit")
	if err := fs.Parse(args); err != nil {
		return conf, false, err
	}
	if showVersion {
		return conf, true, nil
	}
	cfg.FillFromEnv(fs, envPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})
	return conf, false, cfg.Validate(conf)
}

func printVersion(w io.Writer, vi v.Info) { fmt.Fprintln(w, vi.String()) }

// newLogger assumes conf passed cfg.Validate. An empty stacktrace level
// means stacks at the log level.
func newLogger(conf cfg.App) (log.Logger, error) {
	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		return nil, err
	}
	stackLvl := lvl
	if conf.StacktraceLevel != "" {
		if stackLvl, err = log.ParseLevel(conf.StacktraceLevel); err != nil {
			return nil, err
		}
	}
	return log.New(log.Options{
		App:               v.AppName,
		Version:           v.Version,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JsonFormat:        conf.LogJSON,
		MaxErrorLinks:     conf.MaxErrorLinks,
		IncludeErrorLinks: conf.IncludeErrorLinks,
	})
}

func logStartup(ctx context.Context, L log.Logger, conf cfg.App, vi v.Info) {
	L.Info(ctx, "starting",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"trusted_hops", conf.TrustedHops,
		"store_backend", conf.StoreBackend,
		"sandbox_mode", conf.SandboxMode,
		"origin", conf.OriginScheme+"://*."+conf.OriginTLD,
		"retention", conf.Retention,
		"sweep_interval", conf.SweepInterval,
		"rewrite_timeout", conf.RewriteTimeout,
		"max_archive_bytes", conf.MaxArchiveBytes,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"trace_sample", conf.TraceSample,
	)
}

// observability owns the process-wide profiler, tracer provider and
// metrics registry. close is idempotent.
type observability struct {
	metrics *metrics.ServerMetrics

	stopProf  func()
	stopTrace otelx.ShutdownFunc
	once      sync.Once
	L         log.Logger
}

// startObservability never fails startup: a profiler or exporter that
// cannot start is logged and replaced with a no-op.
func startObservability(ctx context.Context, L log.Logger, conf cfg.App, vi v.Info) *observability {
	shared := map[string]string{
		"store_backend": conf.StoreBackend,
		"sandbox_mode":  conf.SandboxMode,
	}

	tags := map[string]string{
		"app":       v.AppName,
		"component": "server",
		"version":   vi.Version,
		"commit":    vi.Commit,
		"build_id":  vi.BuildId,
	}
	for k, val := range shared {
		tags[k] = val
	}
	stopProf, profErr := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags:          tags,
	})
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope not started", "pyro_server", conf.PyroServer)
		stopProf = func() {}
	}

	// the collector is a local agent, so no TLS
	stopTrace, err := otelx.Init(ctx, otelx.Options{
		Enabled:    conf.EnableTracing,
		Endpoint:   conf.OTLPEndpoint,
		Insecure:   true,
		Sample:     conf.TraceSample,
		Service:    v.AppName,
		Component:  "server",
		Version:    vi.Version,
		Attributes: shared,
	})
	if err != nil {
		L.Error(ctx, err, "tracing not started", "otlp_endpoint", conf.OTLPEndpoint)
		stopTrace = func(context.Context) error { return nil }
	}

	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "server", vi)
	m.SetProfilingActive(conf.EnablePyroscope && profErr == nil)

	return &observability{metrics: m, stopProf: stopProf, stopTrace: stopTrace, L: L}
}

func (o *observability) close(ctx context.Context) {
	o.once.Do(func() {
		if err := o.stopTrace(ctx); err != nil {
			o.L.Error(ctx, err, "tracer shutdown")
		}
		o.stopProf()
	})
}
