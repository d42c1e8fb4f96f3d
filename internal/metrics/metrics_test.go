package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/keithlinneman/capserve/internal/version"
)

// sample finds the series of family name whose labels include want.
func sample(t *testing.T, reg *prometheus.Registry, name string, want map[string]string) *dto.Metric {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
	series:
		for _, s := range f.GetMetric() {
			got := map[string]string{}
			for _, lp := range s.GetLabel() {
				got[lp.GetName()] = lp.GetValue()
			}
			for k, v := range want {
				if got[k] != v {
					continue series
				}
			}
			return s
		}
	}
	t.Fatalf("no %s series with labels %v", name, want)
	return nil
}

func value(s *dto.Metric) float64 {
	switch {
	case s.GetCounter() != nil:
		return s.GetCounter().GetValue()
	case s.GetGauge() != nil:
		return s.GetGauge().GetValue()
	case s.GetHistogram() != nil:
		return float64(s.GetHistogram().GetSampleCount())
	}
	return 0
}

func scrape(t *testing.T, m *ServerMetrics, accept string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("scrape status = %d", rec.Code)
	}
	return rec
}

func TestHandler_Scrape(t *testing.T) {
	m := New()
	body := scrape(t, m, "").Body.String()

	for _, name := range []string{
		"capserve_http_inflight_requests",
		"capserve_http_panics_total",
		"capserve_profiling_active",
		"capserve_install_rate_limited_total",
		"capserve_install_rate_limiter_full_total",
		"capserve_installed_rules",
		"capserve_live_packages",
		"capserve_sweeps_total",
		"go_goroutines",
		"process_",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("scrape is missing %s", name)
		}
	}
}

func TestHandler_OpenMetrics(t *testing.T) {
	rec := scrape(t, New(), "application/openmetrics-text; version=1.0.0")
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/openmetrics-text") {
		t.Fatalf("Content-Type = %q", ct)
	}
}

func TestNew_RegistriesAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.IncInstall("ok")
	a.IncInstall("ok")
	b.IncInstall("ok")
	if got := value(sample(t, a.reg, "capserve_installs_total", map[string]string{"result": "ok"})); got != 2 {
		t.Fatalf("a installs = %v, want 2", got)
	}
	if got := value(sample(t, b.reg, "capserve_installs_total", map[string]string{"result": "ok"})); got != 1 {
		t.Fatalf("b installs = %v, want 1", got)
	}
}

func TestRecorders(t *testing.T) {
	tests := []struct {
		name   string
		record func(*ServerMetrics)
		family string
		labels map[string]string
		want   float64
	}{
		{"panic", func(m *ServerMetrics) { m.IncHttpPanic(); m.IncHttpPanic() }, "capserve_http_panics_total", nil, 2},
		{"rate limited", func(m *ServerMetrics) { m.IncRateLimitDenied() }, "capserve_install_rate_limited_total", nil, 1},
		{"limiter full", func(m *ServerMetrics) { m.IncRateLimitCapacity() }, "capserve_install_rate_limiter_full_total", nil, 1},
		{"profiling on", func(m *ServerMetrics) { m.SetProfilingActive(true) }, "capserve_profiling_active", nil, 1},
		{"profiling off", func(m *ServerMetrics) { m.SetProfilingActive(true); m.SetProfilingActive(false) }, "capserve_profiling_active", nil, 0},
		{"install result", func(m *ServerMetrics) {
			m.IncInstall("ok")
			m.IncInstall("missing_content")
			m.IncInstall("missing_content")
		}, "capserve_installs_total", map[string]string{"result": "missing_content"}, 2},
		{"install time", func(m *ServerMetrics) { m.ObserveInstallDuration(0.3) }, "capserve_install_duration_seconds", nil, 1},
		{"rewrite time", func(m *ServerMetrics) {
			m.ObserveRewriteDuration(0.002)
			m.ObserveRewriteDuration(0.004)
		}, "capserve_rewrite_duration_seconds", nil, 2},
		{"sandbox restarts", func(m *ServerMetrics) { m.IncSandboxRestart() }, "capserve_sandbox_restarts_total", nil, 1},
		{"rules", func(m *ServerMetrics) { m.SetInstalledRules(12); m.SetInstalledRules(9) }, "capserve_installed_rules", nil, 9},
		{"live packages", func(m *ServerMetrics) { m.SetLivePackages(4) }, "capserve_live_packages", nil, 4},
		{"sweeps", func(m *ServerMetrics) { m.IncSweeps(); m.IncSweeps(); m.IncSweeps() }, "capserve_sweeps_total", nil, 3},
		{"sweep errors", func(m *ServerMetrics) {
			m.IncSweepError("index")
			m.IncSweepError("delete")
			m.IncSweepError("delete")
		}, "capserve_sweep_errors_total", map[string]string{"type": "delete"}, 2},
		{"evicted", func(m *ServerMetrics) { m.AddEvicted(3); m.AddEvicted(2) }, "capserve_evicted_packages_total", nil, 5},
		{"orphans", func(m *ServerMetrics) { m.AddOrphans(7) }, "capserve_orphans_collected_total", nil, 7},
		{"last sweep", func(m *ServerMetrics) { m.SetSweeperLastSuccess(1.7e9) }, "capserve_sweeper_last_success_timestamp_seconds", nil, 1.7e9},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New()
			tt.record(m)
			if got := value(sample(t, m.reg, tt.family, tt.labels)); got != tt.want {
				t.Fatalf("%s = %v, want %v", tt.family, got, tt.want)
			}
		})
	}
}

func TestSetBuildInfoFromVersion(t *testing.T) {
	dirty := true
	tests := []struct {
		name string
		vi   version.Info
		want map[string]string
	}{
		{
			name: "release",
			vi: version.Info{
				Version: "1.4.0", Commit: "9f1c2e7", CommitDate: "2026-09-30",
				BuildId: "ci-881", BuildDate: "2026-10-01T08:00:00Z", GoVersion: "go1.24.11",
				VCSDirty: &dirty,
			},
			want: map[string]string{
				"app": "capserve", "component": "server", "version": "1.4.0", "commit": "9f1c2e7",
				"build_id": "ci-881", "go_version": "go1.24.11", "vcs_dirty": "true",
			},
		},
		{
			name: "unknown dirty state",
			vi:   version.Info{Version: "dev"},
			want: map[string]string{"version": "dev", "vcs_dirty": "unknown"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New()
			m.SetBuildInfoFromVersion("capserve", "server", tt.vi)
			if got := value(sample(t, m.reg, "capserve_build_info", tt.want)); got != 1 {
				t.Fatalf("build_info = %v, want 1", got)
			}
		})
	}
}

func TestResponseSizeBuckets(t *testing.T) {
	m := New()
	m.respBytes.WithLabelValues("GET", "/*", hostPackage).Observe(2 << 20)

	h := sample(t, m.reg, "capserve_http_response_size_bytes", nil).GetHistogram()
	b := h.GetBucket()
	if len(b) != 10 {
		t.Fatalf("buckets = %d, want 10", len(b))
	}
	if b[0].GetUpperBound() != 256 || b[len(b)-1].GetUpperBound() != 256<<18 {
		t.Fatalf("bucket range = %v..%v", b[0].GetUpperBound(), b[len(b)-1].GetUpperBound())
	}
}
