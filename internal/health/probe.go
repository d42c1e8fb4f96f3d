package health

import (
	"context"
	"sync/atomic"

	"github.com/keithlinneman/capserve/internal/xerrors"
)

// Probe is evaluated on every probe request; a nil error means healthy and
// the error text is served as the reason otherwise.
type Probe interface{ Check(context.Context) error }

// CheckFunc adapts a function such as kvstore.Store.Ping into a Probe.
type CheckFunc func(context.Context) error

func (f CheckFunc) Check(ctx context.Context) error { return f(ctx) }

// Live always passes. Liveness only says the process can answer HTTP.
func Live() CheckFunc {
	return func(context.Context) error { return nil }
}

// Named prefixes failures with the dependency name ("store: ...") so a
// failing readiness response says which part is down.
func Named(name string, p Probe) CheckFunc {
	return func(ctx context.Context) error {
		if p == nil {
			return nil
		}
		return xerrors.Wrap(p.Check(ctx), name)
	}
}

// All passes when every probe passes and reports the first failure.
// Nil probes are skipped.
func All(ps ...Probe) CheckFunc {
	return func(ctx context.Context) error {
		for _, p := range ps {
			if p == nil {
				continue
			}
			if err := p.Check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

// ShutdownGate fails readiness from the moment shutdown starts so load
// balancers stop routing installs and page loads before the drain.
type ShutdownGate struct {
	reason atomic.Pointer[string]
}

// Set closes the gate. An empty reason reads as "draining".
func (g *ShutdownGate) Set(reason string) {
	if reason == "" {
		reason = "draining"
	}
	g.reason.Store(&reason)
}

// Clear reopens the gate.
func (g *ShutdownGate) Clear() { g.reason.Store(nil) }

func (g *ShutdownGate) Probe() CheckFunc {
	return func(context.Context) error {
		if r := g.reason.Load(); r != nil {
			return xerrors.New(*r)
		}
		return nil
	}
}
