package httpmw

import "net/http"

// MaxBody caps request bodies at limit bytes. Reading past the cap fails
// with *http.MaxBytesError, which handlers map to 413 in their own error
// format, and the server closes the connection after the response.
func MaxBody(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
			next.ServeHTTP(w, r)
		})
	}
}
