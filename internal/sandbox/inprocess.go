package sandbox

import (
	"context"
	"net"

	"github.com/keithlinneman/capserve/internal/log"
)

// NewInProcess serves a worker goroutine on one end of a net.Pipe and
// returns a client on the other. Closing the client stops the worker.
func NewInProcess(opts ServerOptions) *Client {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	clientEnd, workerEnd := net.Pipe()

	go func() {
		defer workerEnd.Close()
		if err := Serve(context.Background(), workerEnd, opts); err != nil {
			opts.Logger.Error(context.Background(), err, "in-process sandbox worker stopped")
		}
	}()

	return NewClient(clientEnd, opts.Logger)
}
