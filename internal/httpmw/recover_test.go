package httpmw

import (
	"errors"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRecover(t *testing.T) {
	errCorrupt := errors.New("corrupt record")
	tests := []struct {
		name    string
		handler http.HandlerFunc
		code    int
		body    string
		logged  string
		cause   error
	}{
		{"no panic", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"id":"7f3a"}`))
		}, http.StatusCreated, `{"id":"7f3a"}`, "", nil},
		{"string", func(http.ResponseWriter, *http.Request) { panic("nil rule batch") },
			http.StatusInternalServerError, "Internal Server Error\n", "panic: nil rule batch", nil},
		{"error", func(http.ResponseWriter, *http.Request) { panic(errCorrupt) },
			http.StatusInternalServerError, "Internal Server Error\n", "panic: corrupt record", errCorrupt},
		{"wrapped error", func(http.ResponseWriter, *http.Request) {
			panic(&fs.PathError{Op: "open", Path: "index.html", Err: fs.ErrNotExist})
		},
			http.StatusInternalServerError, "Internal Server Error\n", "panic: open index.html", fs.ErrNotExist},
		{"int", func(http.ResponseWriter, *http.Request) { panic(42) },
			http.StatusInternalServerError, "Internal Server Error\n", "panic: 42", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			L := &recordingLogger{}
			var calls int
			h := Recover(L, func() { calls++ })(tt.handler)

			req := httptest.NewRequest(http.MethodPost, "/api/packages", nil)
			req.Host = "capserve.local"
			req = req.WithContext(WithRequestID(req.Context(), "req-9"))
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.code || rec.Body.String() != tt.body {
				t.Fatalf("got %d %q, want %d %q", rec.Code, rec.Body.String(), tt.code, tt.body)
			}
			if tt.logged == "" {
				if len(L.errs) != 0 || calls != 0 {
					t.Fatalf("logged %v, onPanic ran %d times", L.errs, calls)
				}
				return
			}
			if len(L.errs) != 1 || !strings.HasPrefix(L.errs[0].Error(), tt.logged) {
				t.Fatalf("logged %v, want %q", L.errs, tt.logged)
			}
			if tt.cause != nil && !errors.Is(L.errs[0], tt.cause) {
				t.Errorf("logged error lost its cause %v", tt.cause)
			}
			if calls != 1 {
				t.Errorf("onPanic ran %d times", calls)
			}
			for key, want := range map[string]any{"method": "POST", "host": "capserve.local", "path": "/api/packages", "request_id": "req-9"} {
				if got, _ := L.field(key); got != want {
					t.Errorf("%s = %v, want %v", key, got, want)
				}
			}
			st, _ := L.field("stack")
			if s, _ := st.(string); !strings.Contains(s, "goroutine") {
				t.Errorf("stack field = %v", st)
			}
		})
	}
}

func TestRecover_NilLoggerAndHook(t *testing.T) {
	h := Recover(nil, nil)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("sandbox gone") }))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestRecover_AbortHandlerPropagates(t *testing.T) {
	L := &recordingLogger{}
	h := Recover(L, nil)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic(http.ErrAbortHandler) }))

	defer func() {
		if v := recover(); v != http.ErrAbortHandler {
			t.Fatalf("recovered %v, want http.ErrAbortHandler", v)
		}
		if len(L.errs) != 0 {
			t.Fatalf("abort was logged: %v", L.errs)
		}
	}()
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/big.bin", nil))
	t.Fatal("ServeHTTP returned normally")
}

func TestPanicError_HasStack(t *testing.T) {
	for _, v := range []any{"boom", errors.New("boom")} {
		var st interface{ StackPCs() []uintptr }
		if !errors.As(panicError(v), &st) || len(st.StackPCs()) == 0 {
			t.Errorf("panicError(%T) carries no stack", v)
		}
	}
}
