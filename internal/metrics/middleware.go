package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
)

// countingWriter remembers the status and counts body bytes.
type countingWriter struct {
	http.ResponseWriter
	status int
	n      int
}

func (w *countingWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *countingWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.n += n
	return n, err
}

func (w *countingWriter) code() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

// unmatchedRoute labels requests that never reached a chi pattern.
const unmatchedRoute = "unmatched"

const (
	hostAPI     = "api"
	hostPackage = "package"
)

// Middleware records HTTP series for every request. It must wrap the chi
// routers: the route context it seeds is the one they fill in, which is
// how the final pattern becomes visible here.
func (m *ServerMetrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rctx := chi.RouteContext(r.Context())
		if rctx == nil {
			rctx = chi.NewRouteContext()
			r = r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
		}

		m.inflight.Inc()
		defer m.inflight.Dec()

		cw := &countingWriter{ResponseWriter: w}
		next.ServeHTTP(cw, r)

		route := rctx.RoutePattern()
		if route == "" {
			route = unmatchedRoute
		}
		labels := []string{r.Method, route, m.hostClass(r.Host)}
		code := cw.code()

		m.requests.WithLabelValues(append(labels, strconv.Itoa(code))...).Inc()
		if code >= http.StatusInternalServerError {
			m.errors.WithLabelValues(labels...).Inc()
		}
		observe(m.latency.WithLabelValues(labels...), time.Since(start).Seconds(), traceExemplar(r.Context()))
		m.respBytes.WithLabelValues(labels...).Observe(float64(cw.n))
	})
}

func (m *ServerMetrics) hostClass(host string) string {
	if m.hosts != nil {
		if _, ok := m.hosts.PackageID(host); ok {
			return hostPackage
		}
	}
	return hostAPI
}

func observe(o prometheus.Observer, v float64, ex prometheus.Labels) {
	if ex != nil {
		if eo, ok := o.(prometheus.ExemplarObserver); ok {
			eo.ObserveWithExemplar(v, ex)
			return
		}
	}
	o.Observe(v)
}

// traceExemplar links a latency sample to its trace when the span is sampled.
func traceExemplar(ctx context.Context) prometheus.Labels {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() || !sc.IsSampled() {
		return nil
	}
	return prometheus.Labels{"trace_id": sc.TraceID().String()}
}
