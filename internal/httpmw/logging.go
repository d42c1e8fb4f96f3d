package httpmw

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/capserve/internal/log"
)

// WithLogger stores a request-scoped logger in the context. Requests for a
// synthetic package host also carry package.id when res is set.
// The client address comes from ClientIP, so XFF trust follows its hop count.
func WithLogger(base log.Logger, res PackageResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			peer := r.RemoteAddr
			if h, _, err := net.SplitHostPort(peer); err == nil {
				peer = h
			}
			client := ClientIPFromContext(ctx)
			if client == "" {
				client = peer
			}

			attrs := []attribute.KeyValue{
				attribute.String("request_id", RequestIDFromContext(ctx)),
				attribute.String("server.address", r.Host),
				attribute.String("client.address", client),
				attribute.String("network.peer.address", peer),
				attribute.String("url.scheme", requestScheme(r)),
			}
			fields := []any{
				"request_id", RequestIDFromContext(ctx),
				"client.address", client,
				"network.peer.address", peer,
				"server.address", r.Host,
				"http.request.method", r.Method,
				"url.path", r.URL.Path,
				"url.scheme", requestScheme(r),
			}
			if q := r.URL.RawQuery; q != "" {
				attrs = append(attrs, attribute.String("url.query", q))
				fields = append(fields, "url.query", q)
			}
			if res != nil {
				if id, ok := res.PackageID(r.Host); ok {
					fields = append(fields, "package.id", id)
				}
			}

			if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
				span.SetAttributes(attrs...)
			}

			ctx = log.WithContext(ctx, base.With(fields...))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AccessLog writes one "http request" line per response. Requests for
// which quiet returns true are served without a log line.
func AccessLog(quiet func(*http.Request) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := newRecorder(w, r, start)

			next.ServeHTTP(rec, r)
			rec.close()

			if quiet != nil && quiet(r) {
				return
			}
			ctx := r.Context()

			route := r.URL.Path
			if rc := chi.RouteContext(ctx); rc != nil {
				if p := rc.RoutePattern(); p != "" {
					route = p
				}
			}
			reqBytes := r.ContentLength
			if reqBytes < 0 {
				reqBytes = 0
			}

			log.FromContext(ctx).Info(ctx, "http request",
				"http.response.status_code", rec.code(),
				"http.server.request.duration", time.Since(start).Seconds(),
				"http.response.body.size", rec.bytes,
				"http.request.body.size", reqBytes,
				"http.route", route,
			)
		})
	}
}

// requestScheme is "http" or "https". X-Forwarded-Proto wins when it names
// one of them, then the request URL, then TLS. Anything else is ignored so
// header junk never reaches logs or span attributes.
func requestScheme(r *http.Request) string {
	if xf := r.Header.Get("X-Forwarded-Proto"); xf != "" {
		first, _, _ := strings.Cut(xf, ",")
		if s, ok := knownScheme(first); ok {
			return s
		}
	}
	if r.URL != nil {
		if s, ok := knownScheme(r.URL.Scheme); ok {
			return s
		}
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

func knownScheme(s string) (string, bool) {
	switch s = strings.ToLower(strings.TrimSpace(s)); s {
	case "http", "https":
		return s, true
	}
	return "", false
}

// Scope tags the request logger and span with the handler serving it.
func Scope(handler string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			ctx = log.WithContext(ctx, log.FromContext(ctx).With("handler", handler))
			if span := trace.SpanFromContext(ctx); span.IsRecording() {
				span.SetAttributes(attribute.String("app.handler", handler))
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
