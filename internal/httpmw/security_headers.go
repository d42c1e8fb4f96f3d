package httpmw

import "net/http"

// The API takes uploads but has no cookies or sessions, so there is no
// ambient credential for CSRF to ride on.

// hardening is applied to every response on every host. Package hosts
// replace Content-Security-Policy with their own, looser policy.
var hardening = [...][2]string{
	{"Strict-Transport-Security", "max-age=31536000; includeSubDomains; preload"},
	{"Content-Security-Policy", "default-src 'self'; base-uri 'self'; form-action 'self'; frame-ancestors 'none'; object-src 'none'; upgrade-insecure-requests"},
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"Referrer-Policy", "strict-origin-when-cross-origin"},
	{"Permissions-Policy", "accelerometer=(), camera=(), geolocation=(), gyroscope=(), magnetometer=(), microphone=(), payment=(), usb=()"},
	{"X-Permitted-Cross-Domain-Policies", "none"},
	{"Cross-Origin-Opener-Policy", "same-origin"},
	// each package is its own origin; cross-package embedding is refused
	{"Cross-Origin-Resource-Policy", "same-origin"},
}

func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		for _, kv := range hardening {
			h.Set(kv[0], kv[1])
		}
		next.ServeHTTP(w, r)
	})
}
