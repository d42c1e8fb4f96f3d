// Package prof runs continuous profiling against a Pyroscope server.
package prof

import (
	"context"
	"fmt"
	"runtime"

	"github.com/grafana/pyroscope-go"

	"github.com/keithlinneman/capserve/internal/log"
	"github.com/keithlinneman/capserve/internal/xerrors"
)

// Options configures the profiler. Tags label every profile; capserve
// tags store_backend and sandbox_mode so flame graphs split by
// deployment shape.
type Options struct {
	Enabled       bool
	AppName       string
	ServerAddress string
	TenantID      string
	Tags          map[string]string

	// zero leaves the runtime default (off)
	MutexProfileFraction int
	BlockProfileRate     int
}

var profileTypes = []pyroscope.ProfileType{
	pyroscope.ProfileCPU,
	pyroscope.ProfileAllocObjects,
	pyroscope.ProfileAllocSpace,
	pyroscope.ProfileInuseObjects,
	pyroscope.ProfileInuseSpace,
	pyroscope.ProfileGoroutines,
	pyroscope.ProfileMutexCount,
	pyroscope.ProfileMutexDuration,
	pyroscope.ProfileBlockCount,
	pyroscope.ProfileBlockDuration,
}

func (o Options) validate() error {
	if o.ServerAddress == "" {
		return xerrors.New("pyroscope server address is empty")
	}
	for k := range o.Tags {
		if !validTagKey(k) {
			return xerrors.Newf("invalid tag key %q (letters, digits and _ only)", k)
		}
	}
	return nil
}

func (o Options) config(L log.Logger) pyroscope.Config {
	return pyroscope.Config{
		ApplicationName: o.AppName,
		ServerAddress:   o.ServerAddress,
		TenantID:        o.TenantID,
		Tags:            o.Tags,
		ProfileTypes:    profileTypes,
		Logger:          pyroLogger{L: L},
	}
}

// Start begins profiling and returns its stop function, which is never
// nil. Disabled profiling is not an error. Callers log the error.
func Start(ctx context.Context, opts Options) (func(), error) {
	L := log.FromContext(ctx).With("pyro_server", opts.ServerAddress, "app_name", opts.AppName)
	if !opts.Enabled {
		L.Info(ctx, "pyroscope disabled")
		return func() {}, nil
	}
	if err := opts.validate(); err != nil {
		return func() {}, err
	}

	if opts.MutexProfileFraction > 0 {
		runtime.SetMutexProfileFraction(opts.MutexProfileFraction)
	}
	if opts.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(opts.BlockProfileRate)
	}

	p, err := pyroscope.Start(opts.config(L))
	if err != nil {
		return func() {}, xerrors.Wrap(err, "start pyroscope")
	}
	L.Info(ctx, "pyroscope started")
	return func() {
		p.Stop()
		L.Info(context.Background(), "pyroscope stopped")
	}, nil
}

func validTagKey(k string) bool {
	if k == "" {
		return false
	}
	for _, r := range k {
		if r != '_' && (r < '0' || r > '9') && (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') {
			return false
		}
	}
	return true
}

// pyroLogger routes the profiler's own chatter into the service log.
// Upload failures are worth a warning; the rest is debug noise.
type pyroLogger struct{ L log.Logger }

func (p pyroLogger) Infof(format string, args ...any) {
	p.L.Debug(context.Background(), fmt.Sprintf(format, args...))
}

func (p pyroLogger) Debugf(format string, args ...any) {
	p.L.Debug(context.Background(), fmt.Sprintf(format, args...))
}

func (p pyroLogger) Errorf(format string, args ...any) {
	p.L.Warn(context.Background(), fmt.Sprintf(format, args...))
}
