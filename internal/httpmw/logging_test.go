package httpmw

import (
	"bufio"
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/capserve/internal/log"
)

// recordingLogger keeps every With and Info call. With returns the same
// logger so fields from all layers land in one place.
type recordingLogger struct {
	mu    sync.Mutex
	withs [][]any
	lines []logLine
	errs  []error
}

type logLine struct {
	msg string
	kv  []any
}

func (l *recordingLogger) With(kv ...any) log.Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.withs = append(l.withs, kv)
	return l
}

func (l *recordingLogger) Info(_ context.Context, msg string, kv ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, logLine{msg: msg, kv: kv})
}

func (l *recordingLogger) Debug(context.Context, string, ...any) {}
func (l *recordingLogger) Warn(context.Context, string, ...any)  {}
func (l *recordingLogger) Error(_ context.Context, err error, _ string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs = append(l.errs, err)
}

func (l *recordingLogger) Sync() error { return nil }

// field finds key in any With call, latest first.
func (l *recordingLogger) field(key string) (any, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.withs) - 1; i >= 0; i-- {
		if v, ok := kvLookup(l.withs[i], key); ok {
			return v, true
		}
	}
	return nil, false
}

func (l *recordingLogger) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lines)
}

func (l *recordingLogger) last() logLine {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.lines) == 0 {
		return logLine{}
	}
	return l.lines[len(l.lines)-1]
}

func kvLookup(kv []any, key string) (any, bool) {
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok && k == key {
			return kv[i+1], true
		}
	}
	return nil, false
}

// capHosts resolves "<id>.cap" hosts like origin.Default does.
type capHosts struct{}

func (capHosts) PackageID(host string) (string, bool) {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	id, ok := strings.CutSuffix(host, ".cap")
	return id, ok && id != ""
}

// recorder

type flushWriter struct {
	*httptest.ResponseRecorder
	flushed bool
}

func (f *flushWriter) Flush() { f.flushed = true }

type hijackWriter struct{ *httptest.ResponseRecorder }

func (hijackWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	c1, c2 := net.Pipe()
	_ = c2.Close()
	return c1, nil, nil
}

func TestRecorder_StatusAndBytes(t *testing.T) {
	tests := []struct {
		name       string
		handler    func(w http.ResponseWriter)
		wantStatus int
		wantBytes  int64
	}{
		{"nothing written", func(http.ResponseWriter) {}, http.StatusOK, 0},
		{"body only", func(w http.ResponseWriter) { _, _ = w.Write([]byte("<html>")) }, http.StatusOK, 6},
		{"header then body", func(w http.ResponseWriter) {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte("missing"))
		}, http.StatusNotFound, 7},
		{"many writes", func(w http.ResponseWriter) {
			for range 3 {
				_, _ = w.Write([]byte("abcd"))
			}
		}, http.StatusOK, 12},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			rec := newRecorder(httptest.NewRecorder(), req, time.Now())
			tt.handler(rec)
			rec.close()
			if rec.code() != tt.wantStatus {
				t.Errorf("code = %d, want %d", rec.code(), tt.wantStatus)
			}
			if rec.bytes != tt.wantBytes {
				t.Errorf("bytes = %d, want %d", rec.bytes, tt.wantBytes)
			}
		})
	}
}

func TestRecorder_FlushPassthrough(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	fw := &flushWriter{ResponseRecorder: httptest.NewRecorder()}
	newRecorder(fw, req, time.Now()).Flush()
	if !fw.flushed {
		t.Fatal("Flush not forwarded")
	}

	// no Flusher underneath: must not panic
	plain := struct{ http.ResponseWriter }{httptest.NewRecorder()}
	newRecorder(plain, req, time.Now()).Flush()
}

func TestRecorder_Hijack(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	conn, _, err := newRecorder(hijackWriter{httptest.NewRecorder()}, req, time.Now()).Hijack()
	if err != nil {
		t.Fatalf("Hijack: %v", err)
	}
	_ = conn.Close()

	plain := struct{ http.ResponseWriter }{httptest.NewRecorder()}
	if _, _, err := newRecorder(plain, req, time.Now()).Hijack(); err == nil {
		t.Fatal("expected error when the writer cannot hijack")
	}
}

// requestScheme

func TestRequestScheme(t *testing.T) {
	tests := []struct {
		name string
		xfp  string
		url  string
		tls  bool
		want string
	}{
		{"default", "", "/", false, "http"},
		{"tls", "", "/", true, "https"},
		{"absolute url", "", "https://4f1c.cap/", false, "https"},
		{"xfp https", "https", "/", false, "https"},
		{"xfp wins over tls", "http", "/", true, "http"},
		{"xfp mixed case", "HTTPS", "/", false, "https"},
		{"xfp first of list", "https, http", "/", false, "https"},
		{"xfp junk falls back", "gopher", "/", true, "https"},
		{"xfp newline ignored", "https\r\nX-Evil: 1", "/", false, "http"},
		{"xfp null byte ignored", "ht\x00tp", "/", false, "http"},
		{"xfp padded", "  https  ", "/", false, "https"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.url, nil)
			if tt.xfp != "" {
				req.Header["X-Forwarded-Proto"] = []string{tt.xfp}
			}
			if tt.tls {
				req.TLS = &tls.ConnectionState{}
			} else {
				req.TLS = nil
			}
			if got := requestScheme(req); got != tt.want {
				t.Fatalf("requestScheme = %q, want %q", got, tt.want)
			}
		})
	}
}

// WithLogger

func serveWithLogger(t *testing.T, L *recordingLogger, req *http.Request) {
	t.Helper()
	h := WithLogger(L, capHosts{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.FromContext(r.Context()).Info(r.Context(), "handled")
	}))
	h.ServeHTTP(httptest.NewRecorder(), req)
}

func TestWithLogger_RequestFields(t *testing.T) {
	L := &recordingLogger{}
	req := httptest.NewRequest(http.MethodPost, "/api/packages?dry=1", nil)
	req.Host = "capserve.internal"
	req.RemoteAddr = "10.0.0.7:51234"
	req = req.WithContext(WithRequestID(req.Context(), "req-42"))

	serveWithLogger(t, L, req)

	want := map[string]any{
		"request_id":           "req-42",
		"server.address":       "capserve.internal",
		"network.peer.address": "10.0.0.7",
		"client.address":       "10.0.0.7",
		"http.request.method":  "POST",
		"url.path":             "/api/packages",
		"url.query":            "dry=1",
		"url.scheme":           "http",
	}
	for k, v := range want {
		got, ok := L.field(k)
		if !ok || got != v {
			t.Errorf("%s = %v (present=%v), want %v", k, got, ok, v)
		}
	}
	if _, ok := L.field("package.id"); ok {
		t.Error("package.id set for the API host")
	}
	if L.count() != 1 || L.last().msg != "handled" {
		t.Fatalf("handler did not log through the request logger")
	}
}

func TestWithLogger_ClientIPFromContext(t *testing.T) {
	L := &recordingLogger{}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:443"
	// an untrusted header must not override the resolved client ip
	req.Header.Set("X-Forwarded-For", "198.51.100.9")
	req = req.WithContext(WithClientIP(req.Context(), "203.0.113.50"))

	serveWithLogger(t, L, req)

	if got, _ := L.field("client.address"); got != "203.0.113.50" {
		t.Fatalf("client.address = %v, want 203.0.113.50", got)
	}
	if got, _ := L.field("network.peer.address"); got != "10.0.0.1" {
		t.Fatalf("network.peer.address = %v, want 10.0.0.1", got)
	}
}

func TestWithLogger_PackageHost(t *testing.T) {
	L := &recordingLogger{}
	req := httptest.NewRequest(http.MethodGet, "/index.html", nil)
	req.Host = "4f1c2a9e.cap:8080"

	serveWithLogger(t, L, req)

	if got, _ := L.field("package.id"); got != "4f1c2a9e" {
		t.Fatalf("package.id = %v, want 4f1c2a9e", got)
	}
}

func TestWithLogger_PeerWithoutPort(t *testing.T) {
	L := &recordingLogger{}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "unix-socket"

	serveWithLogger(t, L, req)

	if got, _ := L.field("network.peer.address"); got != "unix-socket" {
		t.Fatalf("network.peer.address = %v", got)
	}
}

// AccessLog

func accessLogged(L *recordingLogger, quiet func(*http.Request) bool, h http.HandlerFunc, req *http.Request) *httptest.ResponseRecorder {
	wrapped := AccessLog(quiet)(h)
	req = req.WithContext(log.WithContext(req.Context(), L))
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)
	return rec
}

func TestAccessLog_Line(t *testing.T) {
	L := &recordingLogger{}
	req := httptest.NewRequest(http.MethodPost, "/api/packages", strings.NewReader("zipbytes"))
	accessLogged(L, nil, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"x"}`))
	}, req)

	if L.count() != 1 {
		t.Fatalf("lines = %d, want 1", L.count())
	}
	line := L.last()
	if line.msg != "http request" {
		t.Fatalf("msg = %q", line.msg)
	}
	checks := map[string]any{
		"http.response.status_code": http.StatusCreated,
		"http.response.body.size":   int64(10),
		"http.request.body.size":    int64(8),
		"http.route":                "/api/packages",
	}
	for k, v := range checks {
		if got, _ := kvLookup(line.kv, k); got != v {
			t.Errorf("%s = %v, want %v", k, got, v)
		}
	}
	if d, ok := kvLookup(line.kv, "http.server.request.duration"); !ok {
		t.Error("duration missing")
	} else if secs, _ := d.(float64); secs < 0 {
		t.Errorf("duration = %v", d)
	}
}

func TestAccessLog_Quiet(t *testing.T) {
	quiet := func(r *http.Request) bool { return r.URL.Path == "/-/ready" }
	ok := func(w http.ResponseWriter, r *http.Request) {}

	L := &recordingLogger{}
	accessLogged(L, quiet, ok, httptest.NewRequest(http.MethodGet, "/-/ready", nil))
	if L.count() != 0 {
		t.Fatal("quiet request was logged")
	}
	accessLogged(L, quiet, ok, httptest.NewRequest(http.MethodGet, "/api/packages", nil))
	if L.count() != 1 {
		t.Fatal("regular request not logged")
	}
}

func TestAccessLog_UnknownLengthIsZero(t *testing.T) {
	L := &recordingLogger{}
	req := httptest.NewRequest(http.MethodPost, "/api/packages", nil)
	req.ContentLength = -1
	accessLogged(L, nil, func(http.ResponseWriter, *http.Request) {}, req)
	if got, _ := kvLookup(L.last().kv, "http.request.body.size"); got != int64(0) {
		t.Fatalf("http.request.body.size = %v, want 0", got)
	}
}

func TestAccessLog_ChiRoutePattern(t *testing.T) {
	L := &recordingLogger{}
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(log.WithContext(req.Context(), L)))
		})
	})
	r.Use(AccessLog(nil))
	r.Get("/api/packages/{id}", func(w http.ResponseWriter, r *http.Request) {})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/packages/4f1c2a9e", nil))

	if got, _ := kvLookup(L.last().kv, "http.route"); got != "/api/packages/{id}" {
		t.Fatalf("http.route = %v", got)
	}
}

// Scope

func TestScope(t *testing.T) {
	L := &recordingLogger{}
	called := false
	h := Scope("packages.install")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		log.FromContext(r.Context()).Info(r.Context(), "in handler")
	}))
	req := httptest.NewRequest(http.MethodPost, "/api/packages", nil)
	req = req.WithContext(log.WithContext(req.Context(), L))
	h.ServeHTTP(httptest.NewRecorder(), req)

	if !called {
		t.Fatal("handler not called")
	}
	if got, _ := L.field("handler"); got != "packages.install" {
		t.Fatalf("handler field = %v", got)
	}
}

func FuzzRequestScheme(f *testing.F) {
	f.Add("https", "")
	f.Add("HTTP, https", "")
	f.Add("\x00", "https://a.cap/")
	f.Add("javascript", "")
	f.Fuzz(func(t *testing.T, xfp, target string) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header["X-Forwarded-Proto"] = []string{xfp}
		if u, err := req.URL.Parse(target); err == nil {
			req.URL = u
		}
		if s := requestScheme(req); s != "http" && s != "https" {
			t.Fatalf("requestScheme = %q", s)
		}
	})
}
