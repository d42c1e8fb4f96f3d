package log

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"time"
)

type slogLogger struct {
	h     slog.Handler
	attrs []slog.Attr
	links int // 0 disables error_links
}

func newSlog(opts Options) (Logger, error) {
	w := opts.Writer
	if w == nil {
		w = os.Stdout
	}
	stackAt := opts.StacktraceLevel
	if stackAt == 0 {
		stackAt = slog.LevelError
	}

	ho := &slog.HandlerOptions{Level: opts.Level, AddSource: true}
	var h slog.Handler = slog.NewTextHandler(w, ho)
	if opts.JsonFormat {
		h = slog.NewJSONHandler(w, ho)
	}

	l := &slogLogger{
		h:     stackHandler{next: traceHandler{next: h}, level: stackAt},
		attrs: []slog.Attr{slog.String("app", opts.App)},
	}
	if opts.Component != "" {
		l.attrs = append(l.attrs, slog.String("component", opts.Component))
	}
	if opts.Version != "" {
		l.attrs = append(l.attrs, slog.String("version", opts.Version))
	}
	if opts.IncludeErrorLinks {
		l.links = opts.MaxErrorLinks
		if l.links <= 0 {
			l.links = 8
		}
	}
	return l, nil
}

// With never mutates s, so a derived logger can be handed to another
// goroutine while the parent keeps logging.
func (s *slogLogger) With(kv ...any) Logger {
	cp := *s
	cp.attrs = append(s.attrs[:len(s.attrs):len(s.attrs)], pairs(kv)...)
	return &cp
}

func (s *slogLogger) Debug(ctx context.Context, msg string, kv ...any) {
	s.emit(ctx, slog.LevelDebug, msg, kv)
}

func (s *slogLogger) Info(ctx context.Context, msg string, kv ...any) {
	s.emit(ctx, slog.LevelInfo, msg, kv)
}

func (s *slogLogger) Warn(ctx context.Context, msg string, kv ...any) {
	s.emit(ctx, slog.LevelWarn, msg, kv)
}

func (s *slogLogger) Error(ctx context.Context, err error, msg string, kv ...any) {
	if err != nil {
		kv = append(kv, describe(err, s.links)...)
	}
	s.emit(ctx, slog.LevelError, msg, kv)
}

func (s *slogLogger) Sync() error { return nil }

func (s *slogLogger) emit(ctx context.Context, lvl slog.Level, msg string, kv []any) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !s.h.Enabled(ctx, lvl) {
		return
	}
	// source is the caller of Debug/Info/Warn/Error
	var pc [1]uintptr
	runtime.Callers(3, pc[:])

	r := slog.NewRecord(time.Now(), lvl, msg, pc[0])
	r.AddAttrs(s.attrs...)
	r.AddAttrs(pairs(kv)...)
	_ = s.h.Handle(ctx, r)
}

// pairs turns alternating key/value arguments into attrs. Non-string keys
// and a trailing key without a value are dropped.
func pairs(kv []any) []slog.Attr {
	out := make([]slog.Attr, 0, len(kv)/2)
	for i := 1; i < len(kv); i += 2 {
		if k, ok := kv[i-1].(string); ok {
			out = append(out, slog.Any(k, kv[i]))
		}
	}
	return out
}
