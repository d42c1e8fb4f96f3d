package health

import (
	"context"
	"errors"
	"sync"
	"testing"
)

var ctx = context.Background()

func fails(msg string) CheckFunc {
	return func(context.Context) error { return errors.New(msg) }
}

func TestNamed(t *testing.T) {
	if err := Named("store", Live()).Check(ctx); err != nil {
		t.Fatalf("passing probe: %v", err)
	}
	if err := Named("store", nil).Check(ctx); err != nil {
		t.Fatalf("nil probe: %v", err)
	}
	root := errors.New("bucket not found")
	err := Named("store", CheckFunc(func(context.Context) error { return root })).Check(ctx)
	if err == nil || err.Error() != "store: bucket not found" {
		t.Fatalf("err = %v", err)
	}
	if !errors.Is(err, root) {
		t.Fatal("Named hides the underlying error")
	}
}

func TestAll(t *testing.T) {
	var ranThird bool
	third := CheckFunc(func(context.Context) error { ranThird = true; return nil })

	tests := []struct {
		name   string
		probes []Probe
		want   string
	}{
		{"empty", nil, ""},
		{"all pass", []Probe{Live(), Live()}, ""},
		{"nil skipped", []Probe{nil, Live(), nil}, ""},
		{"first failure wins", []Probe{Live(), fails("store down"), fails("sandbox down")}, "store down"},
		{"nil before failure", []Probe{nil, fails("sandbox down")}, "sandbox down"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := All(tt.probes...).Check(ctx)
			got := ""
			if err != nil {
				got = err.Error()
			}
			if got != tt.want {
				t.Fatalf("All = %q, want %q", got, tt.want)
			}
		})
	}

	_ = All(fails("store down"), third).Check(ctx)
	if ranThird {
		t.Fatal("All kept checking after a failure")
	}
}

func TestShutdownGate(t *testing.T) {
	var g ShutdownGate
	p := g.Probe()

	steps := []struct {
		do   func()
		want string
	}{
		{func() {}, ""},
		{func() { g.Set("sigterm") }, "sigterm"},
		{func() { g.Set("") }, "draining"},
		{func() { g.Clear() }, ""},
		{func() { g.Set("second signal") }, "second signal"},
	}
	for i, s := range steps {
		s.do()
		err := p.Check(ctx)
		got := ""
		if err != nil {
			got = err.Error()
		}
		if got != s.want {
			t.Fatalf("step %d: probe = %q, want %q", i, got, s.want)
		}
	}
}

func TestShutdownGate_InReadiness(t *testing.T) {
	var g ShutdownGate
	ready := All(g.Probe(), Named("store", Live()), Named("sandbox", Live()))
	if err := ready.Check(ctx); err != nil {
		t.Fatalf("before drain: %v", err)
	}
	g.Set("draining")
	if err := ready.Check(ctx); err == nil || err.Error() != "draining" {
		t.Fatalf("during drain: %v", err)
	}
}

func TestShutdownGate_Concurrent(t *testing.T) {
	var g ShutdownGate
	p := g.Probe()
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				g.Set("draining")
			} else {
				g.Clear()
			}
		}()
		go func() {
			defer wg.Done()
			_ = p.Check(ctx)
		}()
	}
	wg.Wait()
}
