package sandbox

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/fxamacker/cbor/v2"

	"github.com/keithlinneman/capserve/internal/log"
	"github.com/keithlinneman/capserve/internal/xerrors"
)

// ErrClosed is returned once the connection to the worker is gone.
var ErrClosed = errors.New("sandbox: worker connection closed")

// WorkerError is a failure reported by the worker for one request.
type WorkerError struct {
	RequestID uint64
	Message   string
}

func (e *WorkerError) Error() string { return "sandbox worker: " + e.Message }

// Client multiplexes rewrite requests over one worker connection.
type Client struct {
	conn   io.ReadWriteCloser
	logger log.Logger

	wmu sync.Mutex
	enc *cbor.Encoder

	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan Response
	err     error // set once the read loop exits

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient starts reading responses from conn. Close releases it.
func NewClient(conn io.ReadWriteCloser, logger log.Logger) *Client {
	if logger == nil {
		logger = log.Nop()
	}
	c := &Client{
		conn:    conn,
		logger:  logger,
		enc:     newEncoder(conn),
		pending: make(map[uint64]chan Response),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Client) readLoop() {
	dec := newDecoder(c.conn)
	for {
		var resp Response
		if err := dec.Decode(&resp); err != nil {
			c.fail(err)
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.mu.Unlock()
		if !ok {
			c.logger.Warn(context.Background(), "sandbox: response for unknown request", "request_id", resp.ID)
			continue
		}
		ch <- resp
	}
}

// fail records the terminal error and wakes every waiter.
func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
			c.err = ErrClosed
		} else {
			c.err = xerrors.Mark(xerrors.Wrap(err, "sandbox: read response"), ErrClosed)
		}
	}
	c.pending = make(map[uint64]chan Response)
	c.mu.Unlock()
	close(c.done)
}

// Err returns the reason the client stopped, or nil while it is live.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Rewrite sends one document and waits for its response or ctx.
func (c *Client) Rewrite(ctx context.Context, html, packageID, basePath string) (string, error) {
	if err := c.Err(); err != nil {
		return "", err
	}
	req := Request{
		ID:        c.nextID.Add(1),
		PackageID: packageID,
		BasePath:  basePath,
		Content:   html,
	}
	ch := make(chan Response, 1)

	c.mu.Lock()
	c.pending[req.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}()

	if err := c.send(ctx, req); err != nil {
		return "", err
	}

	select {
	case resp := <-ch:
		if resp.Error != "" {
			return "", xerrors.WithStack(&WorkerError{RequestID: resp.ID, Message: resp.Error})
		}
		return resp.Content, nil
	case <-ctx.Done():
		return "", xerrors.Wrapf(ctx.Err(), "sandbox: request %d", req.ID)
	case <-c.done:
		return "", c.Err()
	}
}

// send writes req, giving up when ctx ends. An abandoned write keeps the
// frame lock until it completes so the stream is never left mid-frame.
func (c *Client) send(ctx context.Context, req Request) error {
	errc := make(chan error, 1)
	go func() {
		c.wmu.Lock()
		defer c.wmu.Unlock()
		errc <- c.enc.Encode(req)
	}()
	select {
	case err := <-errc:
		if err != nil {
			return xerrors.Mark(xerrors.Wrap(err, "sandbox: write request"), ErrClosed)
		}
		return nil
	case <-ctx.Done():
		return xerrors.Wrapf(ctx.Err(), "sandbox: request %d", req.ID)
	case <-c.done:
		return c.Err()
	}
}

// Ping round-trips an empty document.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Rewrite(ctx, "", "ping", "/")
	return err
}

// Close shuts the connection; pending calls fail with ErrClosed.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() { err = c.conn.Close() })
	return err
}
