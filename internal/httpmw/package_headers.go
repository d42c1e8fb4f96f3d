package httpmw

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// PackageResolver maps a request host to the package it names.
// origin.Origin implements it.
type PackageResolver interface {
	PackageID(host string) (string, bool)
}

// PackageHeaders adds X-Package-Id to responses for synthetic package hosts
// and tags the current span with the package id.
func PackageHeaders(res PackageResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if res != nil {
				if id, ok := res.PackageID(r.Host); ok {
					w.Header().Set("X-Package-Id", id)
					if span := trace.SpanFromContext(r.Context()); span.IsRecording() {
						span.SetAttributes(attribute.String("package.id", id))
					}
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
