// Command capserve installs cap site packages and serves each one from
// its own origin. Started with the sandbox worker flag it instead runs
// the HTML rewrite worker on stdin/stdout.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/keithlinneman/capserve/internal/log"
	v "github.com/keithlinneman/capserve/internal/version"
)

const (
	// load balancers need a few failed readiness checks before they stop
	// sending traffic
	drainDelay      = 60 * time.Second
	shutdownTimeout = 10 * time.Second
)

func main() {
	// before flag parsing; the worker has its own flags
	if isWorker(os.Args) {
		os.Exit(runWorker(os.Args[2:]))
	}
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conf, showVersion, err := loadConfig(flag.CommandLine, args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		return 1
	}
	vi := v.Get()
	if showVersion {
		printVersion(os.Stdout, vi)
		return 0
	}

	lg, err := newLogger(conf)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		return 1
	}
	defer lg.Sync()
	L := lg.With("component", "server")
	ctx = log.WithContext(ctx, L)
	logStartup(ctx, L, conf, vi)

	obs := startObservability(ctx, L, conf, vi)
	defer obs.close(context.Background())

	a, err := build(ctx, L, conf, obs.metrics)
	if err != nil {
		L.Error(ctx, err, "startup failed")
		return 1
	}
	defer a.close(context.Background())

	if err := a.listen(ctx, conf); err != nil {
		L.Error(ctx, err, "failed to start listeners")
		return 1
	}

	if err := notifySystemd(); err != nil {
		// a Type=notify unit times out on its own if this mattered
		L.Warn(ctx, "systemd readiness not sent", "error", err)
	}

	<-ctx.Done()
	stop()
	drain(L, a)

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	a.close(sctx)
	obs.close(sctx)
	L.Info(sctx, "shutdown complete")
	return 0
}

// drain fails readiness and waits drainDelay so in-flight requests finish
// and probes notice. A second signal cuts the wait short.
func drain(L log.Logger, a *app) {
	ctx := context.Background()
	a.gate.Set("draining")
	L.Info(ctx, "draining", "delay", drainDelay)

	again := make(chan os.Signal, 1)
	signal.Notify(again, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(again)

	select {
	case <-time.After(drainDelay):
		L.Info(ctx, "drain complete")
	case <-again:
		L.Warn(ctx, "second signal, skipping drain")
	}
}
