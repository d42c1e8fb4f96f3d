package httpmw

import (
	"errors"
	"net/http"
	"runtime/debug"

	"github.com/keithlinneman/capserve/internal/log"
	"github.com/keithlinneman/capserve/internal/xerrors"
)

// panicError turns a recovered value into an error carrying the stack.
func panicError(v any) error {
	if err, ok := v.(error); ok {
		return xerrors.Wrap(xerrors.EnsureTrace(err), "panic")
	}
	return xerrors.Newf("panic: %v", v)
}

// Recover logs a handler panic with its stack, calls onPanic if set and
// answers 500. http.ErrAbortHandler is re-raised so net/http can abort the
// connection as intended.
func Recover(L log.Logger, onPanic func()) func(http.Handler) http.Handler {
	if L == nil {
		L = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				v := recover()
				if v == nil {
					return
				}
				if err, ok := v.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					panic(v)
				}

				L.With(
					"method", r.Method,
					"host", r.Host,
					"path", r.URL.Path,
					"request_id", RequestIDFromContext(r.Context()),
					"stack", string(debug.Stack()),
				).Error(r.Context(), panicError(v), "handler panic recovered")

				if onPanic != nil {
					onPanic()
				}
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
