package sandbox

import (
	"context"
	"sync"
	"time"

	"github.com/keithlinneman/capserve/internal/log"
	"github.com/keithlinneman/capserve/internal/xerrors"
)

// StartFunc starts a fresh worker. ctx bounds the worker's life, not the
// call.
type StartFunc func(ctx context.Context) (*Client, error)

type SupervisorOptions struct {
	Logger log.Logger
	Start  StartFunc
	// MinBackoff is the wait after a worker dies before the first restart
	// attempt; it doubles on every attempt up to MaxBackoff. default: 100ms, 30s
	MinBackoff time.Duration
	MaxBackoff time.Duration
	// OnRestart runs after a replacement worker started.
	OnRestart func()

	now func() time.Time
}

// Supervisor keeps one live worker behind a Client-shaped API. A worker
// that exits (crash, OOM kill) is replaced on the next call that needs
// it, so readiness probes drive recovery even with no installs.
type Supervisor struct {
	ctx  context.Context
	opts SupervisorOptions

	mu      sync.Mutex
	cur     *Client
	started time.Time
	backoff time.Duration
	retryAt time.Time
	failing bool // restart attempts since the last live worker
	closed  bool
}

// NewSupervisor starts the first worker; failing that is a startup error.
func NewSupervisor(ctx context.Context, opts SupervisorOptions) (*Supervisor, error) {
	if opts.Start == nil {
		return nil, xerrors.New("sandbox: supervisor needs a start function")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = 100 * time.Millisecond
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = max(30*time.Second, opts.MinBackoff)
	}
	if opts.now == nil {
		opts.now = time.Now
	}
	c, err := opts.Start(ctx)
	if err != nil {
		return nil, err
	}
	return &Supervisor{ctx: ctx, opts: opts, cur: c, started: opts.now(), backoff: opts.MinBackoff}, nil
}

// client returns the live worker, replacing a dead one unless the
// previous attempt was too recent.
func (s *Supervisor) client() (*Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	down := s.cur.Err()
	if down == nil {
		return s.cur, nil
	}
	now := s.opts.now()
	if now.Before(s.retryAt) {
		return nil, down
	}

	// a worker that ran for a while earns a fresh backoff
	if !s.failing && now.Sub(s.started) > s.opts.MaxBackoff {
		s.backoff = s.opts.MinBackoff
	}
	s.failing = true
	s.retryAt = now.Add(s.backoff)
	s.backoff = min(2*s.backoff, s.opts.MaxBackoff)

	c, err := s.opts.Start(s.ctx)
	if err != nil {
		s.opts.Logger.Error(s.ctx, err, "sandbox worker restart failed", "previous", down.Error(), "retry_at", s.retryAt)
		return nil, xerrors.Mark(xerrors.Wrap(err, "sandbox: restart worker"), ErrClosed)
	}
	_ = s.cur.Close()
	s.cur, s.started, s.failing = c, now, false
	s.opts.Logger.Warn(s.ctx, "sandbox worker restarted", "previous", down.Error())
	if s.opts.OnRestart != nil {
		s.opts.OnRestart()
	}
	return c, nil
}

func (s *Supervisor) Rewrite(ctx context.Context, html, packageID, basePath string) (string, error) {
	c, err := s.client()
	if err != nil {
		return "", err
	}
	return c.Rewrite(ctx, html, packageID, basePath)
}

// Ping restarts a dead worker before round-tripping.
func (s *Supervisor) Ping(ctx context.Context) error {
	c, err := s.client()
	if err != nil {
		return err
	}
	return c.Ping(ctx)
}

// Close stops the current worker; later calls fail with ErrClosed.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.cur.Close()
}
