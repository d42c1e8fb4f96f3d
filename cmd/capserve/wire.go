package main

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/keithlinneman/capserve/internal/cfg"
	"github.com/keithlinneman/capserve/internal/content"
	"github.com/keithlinneman/capserve/internal/health"
	"github.com/keithlinneman/capserve/internal/httpmw"
	"github.com/keithlinneman/capserve/internal/httpserver"
	"github.com/keithlinneman/capserve/internal/install"
	"github.com/keithlinneman/capserve/internal/kvstore"
	"github.com/keithlinneman/capserve/internal/kvstore/s3kv"
	"github.com/keithlinneman/capserve/internal/kvstore/sqlitekv"
	"github.com/keithlinneman/capserve/internal/lifecycle"
	"github.com/keithlinneman/capserve/internal/log"
	"github.com/keithlinneman/capserve/internal/metrics"
	"github.com/keithlinneman/capserve/internal/opshttp"
	"github.com/keithlinneman/capserve/internal/origin"
	"github.com/keithlinneman/capserve/internal/packagehttp"
	"github.com/keithlinneman/capserve/internal/ratelimit"
	"github.com/keithlinneman/capserve/internal/routes"
	"github.com/keithlinneman/capserve/internal/rulesink"
	"github.com/keithlinneman/capserve/internal/sandbox"
	"github.com/keithlinneman/capserve/internal/sitehandler"
	"github.com/keithlinneman/capserve/internal/webassets"
	"github.com/keithlinneman/capserve/internal/xerrors"
)

// uploads and sandboxed rewrites outlast the default server timeouts
const ioTimeout = 2 * time.Minute

// app is the running server: the store, the sandbox and everything
// built on them, plus the listeners once listen succeeds.
type app struct {
	L       log.Logger
	m       *metrics.ServerMetrics
	kv      kvstore.Store
	sandbox *sandbox.Supervisor
	gate    health.ShutdownGate
	ready   health.Probe

	api  *packagehttp.API
	site http.Handler
	host origin.Origin

	stops []namedStop
	once  sync.Once
}

type namedStop struct {
	name string
	stop func(context.Context) error
}

// build opens the store, starts the sandbox, restores installed packages
// and starts the sweeper. On error everything opened so far is closed.
func build(ctx context.Context, L log.Logger, conf cfg.App, m *metrics.ServerMetrics) (a *app, err error) {
	a = &app{L: L, m: m}
	defer func() {
		if err != nil {
			a.close(context.Background())
			a = nil
		}
	}()

	if a.host, err = origin.New(conf.OriginScheme, conf.OriginTLD); err != nil {
		return a, xerrors.Wrap(err, "origin")
	}
	m.ClassifyHosts(a.host)

	if a.kv, err = openStore(ctx, L, conf); err != nil {
		return a, xerrors.Wrapf(err, "open %s store", conf.StoreBackend)
	}
	a.onClose("content store", func(context.Context) error { return a.kv.Close() })
	store := content.NewStore(a.kv)

	// the worker outlives the signal so draining installs can finish
	if a.sandbox, err = startSandbox(context.WithoutCancel(ctx), L, conf, a.host, m.IncSandboxRestart); err != nil {
		return a, xerrors.Wrapf(err, "start %s sandbox", conf.SandboxMode)
	}
	a.onClose("sandbox", func(context.Context) error { return a.sandbox.Close() })

	loader, err := content.NewLoader(content.LoaderOptions{
		Logger:         L.With("subsystem", "loader"),
		Store:          store,
		Rewriter:       a.sandbox,
		Limits:         content.Limits{MaxArchive: conf.MaxArchiveBytes},
		Metrics:        m,
		RewriteTimeout: conf.RewriteTimeout,
	})
	if err != nil {
		return a, xerrors.Wrap(err, "package loader")
	}

	sink := rulesink.NewMemory()
	compiler, err := routes.NewCompiler(routes.CompilerOptions{
		Logger:  L.With("subsystem", "routes"),
		Content: store,
		Sink:    sink,
		Origin:  a.host,
		Metrics: m,
	})
	if err != nil {
		return a, xerrors.Wrap(err, "route compiler")
	}

	svc, err := install.New(install.Options{
		Logger:    L.With("subsystem", "install"),
		Loader:    loader,
		Publisher: compiler,
		Store:     store,
		Origin:    a.host,
		Metrics:   m,
		Retention: conf.Retention,
	})
	if err != nil {
		return a, xerrors.Wrap(err, "install service")
	}

	// rules live in memory; packages in a durable store need republishing
	if n, rerr := svc.Restore(ctx); rerr != nil {
		L.Error(ctx, rerr, "some packages could not be restored", "restored", n)
	}
	checkRules(ctx, L, compiler, sink)

	sweeper := lifecycle.NewSweeper(lifecycle.SweeperOptions{
		Logger:    L.With("subsystem", "sweeper"),
		Store:     store,
		InFlight:  loader,
		Retention: conf.Retention,
		Interval:  conf.SweepInterval,
		OnEvict:   svc.Evict,
		Metrics:   m,
	})
	go func() {
		if err := sweeper.Run(ctx); err != nil && ctx.Err() == nil {
			L.Error(ctx, err, "sweeper stopped")
		}
	}()

	// unready while draining or while a dependency is unreachable
	a.ready = health.All(
		a.gate.Probe(),
		health.Named("store", health.CheckFunc(store.Ping)),
		health.Named("sandbox", health.CheckFunc(a.sandbox.Ping)),
	)

	limiter := ratelimit.New(ctx,
		ratelimit.WithRate(conf.InstallRate, conf.InstallBurst),
		ratelimit.WithMaxVisitors(conf.InstallClients),
		ratelimit.WithTTL(conf.InstallIdleTTL),
		ratelimit.WithOnDenied(func(string) { m.IncRateLimitDenied() }),
		// once per address until it ages out of the table
		ratelimit.WithOnFirstDenied(func(ip string) {
			L.Warn(ctx, "install rate limit triggered", "ip", ip)
		}),
		ratelimit.WithOnCapacity(func() {
			m.IncRateLimitCapacity()
			L.Warn(ctx, "rate limit table full, new clients rejected")
		}),
	)

	if a.api, err = packagehttp.NewAPI(packagehttp.Options{
		Logger:          L.With("subsystem", "api"),
		Installer:       svc,
		MaxArchiveBytes: conf.MaxArchiveBytes,
		InstallMW:       []func(http.Handler) http.Handler{limiter.Middleware},
	}); err != nil {
		return a, xerrors.Wrap(err, "package api")
	}

	if a.site, err = sitehandler.New(sitehandler.Options{
		Logger:     L.With("subsystem", "site"),
		Rules:      sink,
		Origin:     a.host,
		FallbackFS: webassets.FallbackFS(),
	}); err != nil {
		return a, xerrors.Wrap(err, "site handler")
	}
	return a, nil
}

// listen starts the public listener and the admin listener (metrics,
// probes, pprof), which refuses public and forwarded clients.
func (a *app) listen(ctx context.Context, conf cfg.App) error {
	stopHTTP, err := httpserver.Start(ctx, httpserver.Options{
		Logger:       a.L,
		Port:         conf.HTTPPort,
		Health:       health.Live(),
		Readiness:    a.ready,
		APIRoutes:    a.api.RegisterRoutes,
		SiteHandler:  a.site,
		Packages:     a.host,
		ClientIPOpts: httpmw.ClientIPOptions{TrustedHops: conf.TrustedHops},
		UseRecoverMW: true,
		OnPanic:      a.m.IncHttpPanic,
		MetricsMW:    a.m.Middleware,
		// room for multipart framing around the archive
		MaxBodyBytes: conf.MaxArchiveBytes + 1<<20,
		ReadTimeout:  ioTimeout,
		WriteTimeout: ioTimeout,
	})
	if err != nil {
		return xerrors.Wrap(err, "http listener")
	}
	a.onClose("http server", stopHTTP)

	stopOps, err := opshttp.Start(ctx, a.L, &opshttp.Options{
		Port:         conf.AdminPort,
		Metrics:      a.m.Handler(),
		EnablePprof:  conf.EnablePprof,
		Health:       health.Live(),
		Readiness:    a.ready,
		UseRecoverMW: true,
		OnPanic:      a.m.IncHttpPanic,
	})
	if err != nil {
		return xerrors.Wrap(err, "admin listener")
	}
	a.onClose("admin server", stopOps)
	return nil
}

func (a *app) onClose(name string, stop func(context.Context) error) {
	a.stops = append(a.stops, namedStop{name, stop})
}

// close stops everything in reverse start order, listeners first. Only
// the first call does anything.
func (a *app) close(ctx context.Context) {
	a.once.Do(func() {
		for i := len(a.stops) - 1; i >= 0; i-- {
			s := a.stops[i]
			if err := s.stop(ctx); err != nil {
				a.L.Error(ctx, err, "shutdown failed", "what", s.name)
			}
		}
	})
}

type ruleCounter interface{ Count() int }

type ruleTable interface{ Len() int }

// checkRules compares what the compiler believes it installed with what the
// sink holds. They only differ after a partially applied batch.
func checkRules(ctx context.Context, L log.Logger, compiled ruleCounter, sink ruleTable) bool {
	n, held := compiled.Count(), sink.Len()
	if n != held {
		L.Warn(ctx, "rule sink out of step with the compiler", "compiled", n, "installed", held)
		return false
	}
	L.Info(ctx, "rules installed", "rules", held)
	return true
}

func openStore(ctx context.Context, L log.Logger, conf cfg.App) (kvstore.Store, error) {
	switch conf.StoreBackend {
	case cfg.StoreSQLite:
		return sqlitekv.Open(sqlitekv.Options{
			Path:   conf.StoreSQLitePath,
			Logger: L.With("subsystem", "sqlitekv"),
		})
	case cfg.StoreS3:
		return s3kv.New(ctx, s3kv.Options{
			Logger: L.With("subsystem", "s3kv"),
			Bucket: conf.StoreS3Bucket,
			Prefix: conf.StoreS3Prefix,
		})
	default:
		return kvstore.NewMemory(), nil
	}
}

// startSandbox supervises the worker so a crashed or killed one is
// replaced instead of failing every later install.
func startSandbox(ctx context.Context, L log.Logger, conf cfg.App, o origin.Origin, onRestart func()) (*sandbox.Supervisor, error) {
	sl := L.With("subsystem", "sandbox")
	start := func(ctx context.Context) (*sandbox.Client, error) {
		return sandbox.StartSubprocess(ctx, sandbox.SubprocessOptions{
			Logger: sl,
			Args:   workerArgs(conf.OriginScheme, conf.OriginTLD),
		})
	}
	if conf.SandboxMode == cfg.SandboxInProcess {
		start = func(context.Context) (*sandbox.Client, error) {
			return sandbox.NewInProcess(sandbox.ServerOptions{
				Logger:  sl,
				Handler: sandbox.RewriteHandler(o),
			}), nil
		}
	}
	return sandbox.NewSupervisor(ctx, sandbox.SupervisorOptions{
		Logger:    sl,
		Start:     start,
		OnRestart: onRestart,
	})
}
