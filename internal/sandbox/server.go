package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync"

	"github.com/keithlinneman/capserve/internal/log"
	"github.com/keithlinneman/capserve/internal/origin"
	"github.com/keithlinneman/capserve/internal/rewrite"
	"github.com/keithlinneman/capserve/internal/xerrors"
)

// HandlerFunc produces the rewritten document for one request.
type HandlerFunc func(ctx context.Context, req Request) (string, error)

// RewriteHandler returns the production handler for origin o.
func RewriteHandler(o origin.Origin) HandlerFunc {
	return func(_ context.Context, req Request) (string, error) {
		return rewrite.HTML(req.Content, req.PackageID, req.BasePath, o)
	}
}

type ServerOptions struct {
	Logger  log.Logger
	Handler HandlerFunc
	// Workers bounds concurrently handled requests. Zero means GOMAXPROCS.
	Workers int
}

// Serve reads requests from rw until it fails or ctx ends and answers each
// one. Requests are handled concurrently; responses may be written out of
// order. Returns nil on a clean EOF.
func Serve(ctx context.Context, rw io.ReadWriter, opts ServerOptions) error {
	if opts.Handler == nil {
		return xerrors.New("sandbox: Handler is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	dec := newDecoder(rw)
	enc := newEncoder(rw)
	var (
		wmu sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, workers)
	)
	defer wg.Wait()

	for {
		var req Request
		if err := dec.Decode(&req); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || ctx.Err() != nil {
				return nil
			}
			return xerrors.Wrap(err, "sandbox: decode request")
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return nil
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			resp := handle(ctx, opts.Handler, req)
			wmu.Lock()
			err := enc.Encode(resp)
			wmu.Unlock()
			if err != nil {
				opts.Logger.Warn(ctx, "sandbox: write response failed", "request_id", req.ID, "error", err)
			}
		}()
	}
}

func handle(ctx context.Context, h HandlerFunc, req Request) (resp Response) {
	resp.ID = req.ID
	defer func() {
		if r := recover(); r != nil {
			resp.Content = ""
			resp.Error = fmt.Sprintf("worker panic: %v", r)
		}
	}()
	out, err := h(ctx, req)
	if err != nil {
		resp.Error = err.Error()
		return resp
	}
	resp.Content = out
	return resp
}
