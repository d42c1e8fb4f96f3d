package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/keithlinneman/capserve/internal/log"
	"github.com/keithlinneman/capserve/internal/origin"
	"github.com/keithlinneman/capserve/internal/sandbox"
	v "github.com/keithlinneman/capserve/internal/version"
)

// isWorker reports whether the process was started as a sandbox worker.
func isWorker(args []string) bool {
	return len(args) > 1 && args[1] == sandbox.WorkerFlag
}

// workerArgs are passed by the server so the worker builds the same origin.
func workerArgs(scheme, tld string) []string {
	return []string{"-origin-scheme", scheme, "-origin-tld", tld}
}

// runWorker serves rewrite requests on stdin/stdout until stdin closes.
// stdout carries the protocol, so logs go to stderr.
func runWorker(args []string) int {
	fs := flag.NewFlagSet(sandbox.WorkerFlag, flag.ContinueOnError)
	scheme := fs.String("origin-scheme", "https", "")
	tld := fs.String("origin-tld", "cap", "")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	lg, err := log.New(log.Options{
		App:        v.AppName,
		Component:  "sandbox",
		Version:    v.Version,
		JsonFormat: true,
		Writer:     os.Stderr,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		return 1
	}

	o, err := origin.New(*scheme, *tld)
	if err != nil {
		lg.Error(context.Background(), err, "invalid worker origin")
		return 1
	}

	// the parent owns shutdown; closing stdin is the normal exit
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()
	signal.Ignore(os.Interrupt)

	if err := sandbox.ServeStdio(ctx, sandbox.ServerOptions{
		Logger:  lg,
		Handler: sandbox.RewriteHandler(o),
	}); err != nil {
		lg.Error(ctx, err, "sandbox worker exited")
		return 1
	}
	return 0
}
