package httpmw

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var errNoHijack = errors.New("httpmw: underlying ResponseWriter cannot hijack")

// recorder captures the status and body size of a response. When the
// request span is recording it also opens a "response.write" child span
// at the first header or body write, so time-to-first-byte and time spent
// blocked on a slow client are visible separately from handler time.
type recorder struct {
	http.ResponseWriter
	status int
	bytes  int64

	ctx     context.Context
	started time.Time

	span     trace.Span
	opened   bool
	ttfb     time.Duration
	blocked  time.Duration
	firstErr error
}

func newRecorder(w http.ResponseWriter, r *http.Request, started time.Time) *recorder {
	return &recorder{ResponseWriter: w, ctx: r.Context(), started: started}
}

// code is the status sent, or 200 when the handler wrote nothing.
func (rec *recorder) code() int {
	if rec.status == 0 {
		return http.StatusOK
	}
	return rec.status
}

func (rec *recorder) open() {
	if rec.opened {
		return
	}
	rec.opened = true
	rec.ttfb = time.Since(rec.started)

	if parent := trace.SpanFromContext(rec.ctx); !parent.IsRecording() {
		return
	}
	rec.ctx, rec.span = otel.Tracer("capserve/httpmw").Start(rec.ctx, "response.write",
		trace.WithAttributes(attribute.Float64("http.server.ttfb_seconds", rec.ttfb.Seconds())),
	)
}

func (rec *recorder) close() {
	if rec.span == nil {
		return
	}
	rec.span.SetAttributes(
		attribute.Int("http.response.status_code", rec.code()),
		attribute.Int64("http.response.body.size", rec.bytes),
		attribute.Float64("http.server.write.block_seconds", rec.blocked.Seconds()),
	)
	if rec.firstErr != nil {
		rec.span.RecordError(rec.firstErr)
		rec.span.SetStatus(codes.Error, rec.firstErr.Error())
	}
	rec.span.End()
}

func (rec *recorder) WriteHeader(code int) {
	rec.open()
	rec.status = code
	t := time.Now()
	rec.ResponseWriter.WriteHeader(code)
	rec.blocked += time.Since(t)
}

func (rec *recorder) Write(b []byte) (int, error) {
	rec.open()
	if rec.status == 0 {
		rec.status = http.StatusOK
	}
	t := time.Now()
	n, err := rec.ResponseWriter.Write(b)
	rec.blocked += time.Since(t)
	rec.bytes += int64(n)
	if err != nil && rec.firstErr == nil {
		rec.firstErr = err
	}
	return n, err
}

func (rec *recorder) Flush() {
	if f, ok := rec.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rec *recorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rec.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errNoHijack
	}
	return h.Hijack()
}
