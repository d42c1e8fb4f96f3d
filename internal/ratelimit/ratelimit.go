package ratelimit

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/keithlinneman/capserve/internal/httpmw"
)

type client struct {
	bucket   *rate.Limiter
	lastSeen time.Time
	// warned is set on the first denial and lives as long as the entry
	warned bool
}

type verdict int

const (
	allowed verdict = iota
	limited
	full
)

// IPLimiter keeps one token bucket per client address.
type IPLimiter struct {
	mu      sync.Mutex
	clients map[string]*client
	now     func() time.Time

	perSecond rate.Limit
	burst     int
	ttl       time.Duration

	// maxClients bounds the table; 0 means unbounded. New addresses are
	// refused while it is full, known ones keep their buckets.
	maxClients int
	full       bool

	OnFirstDenied func(ip string)
	OnDenied      func(ip string)
	OnCapacity    func()
}

type Option func(*IPLimiter)

// WithRate sets the bucket refill rate and its size.
// WithRate(1, 5) allows five installs at once, then one per second.
func WithRate(perSecond float64, burst int) Option {
	return func(l *IPLimiter) {
		l.perSecond = rate.Limit(perSecond)
		l.burst = burst
	}
}

// WithTTL sets how long an idle address keeps its bucket.
func WithTTL(d time.Duration) Option {
	return func(l *IPLimiter) { l.ttl = d }
}

// WithMaxVisitors caps tracked addresses; new ones are refused while the
// table is full. Zero means no cap.
func WithMaxVisitors(n int) Option {
	return func(l *IPLimiter) { l.maxClients = n }
}

// WithOnFirstDenied runs once per tracked address, for logging.
func WithOnFirstDenied(fn func(ip string)) Option {
	return func(l *IPLimiter) { l.OnFirstDenied = fn }
}

// WithOnDenied runs on every refusal, capacity refusals included.
func WithOnDenied(fn func(ip string)) Option {
	return func(l *IPLimiter) { l.OnDenied = fn }
}

// WithOnCapacity runs when the table first fills up, and again after
// eviction has made room and it fills once more.
func WithOnCapacity(fn func()) Option {
	return func(l *IPLimiter) { l.OnCapacity = fn }
}

// New returns a limiter whose idle entries are evicted until ctx ends.
func New(ctx context.Context, opts ...Option) *IPLimiter {
	l := &IPLimiter{
		clients:    make(map[string]*client),
		now:        time.Now,
		perSecond:  10,
		burst:      30,
		ttl:        5 * time.Minute,
		maxClients: 100000,
	}
	for _, o := range opts {
		o(l)
	}
	go l.evictLoop(ctx)
	return l
}

func (l *IPLimiter) decide(ip string) (verdict, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.clients[ip]
	if !ok {
		if l.maxClients > 0 && len(l.clients) >= l.maxClients {
			first := !l.full
			l.full = true
			return full, first
		}
		c = &client{bucket: rate.NewLimiter(l.perSecond, l.burst)}
		l.clients[ip] = c
	}
	now := l.now()
	c.lastSeen = now
	if c.bucket.AllowN(now, 1) {
		return allowed, false
	}
	first := !c.warned
	c.warned = true
	return limited, first
}

// allow reports whether ip may install now. Hooks run after the lock is
// released so they may log or touch metrics freely.
func (l *IPLimiter) allow(ip string) bool {
	v, first := l.decide(ip)
	switch v {
	case full:
		if first && l.OnCapacity != nil {
			l.OnCapacity()
		}
	case limited:
		if first && l.OnFirstDenied != nil {
			l.OnFirstDenied(ip)
		}
	default:
		return true
	}
	if l.OnDenied != nil {
		l.OnDenied(ip)
	}
	return false
}

// evictIdle drops entries unseen for longer than ttl and clears the full
// flag once there is room again.
func (l *IPLimiter) evictIdle(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for ip, c := range l.clients {
		if now.Sub(c.lastSeen) > l.ttl {
			delete(l.clients, ip)
			n++
		}
	}
	if l.maxClients == 0 || len(l.clients) < l.maxClients {
		l.full = false
	}
	return n
}

func (l *IPLimiter) evictLoop(ctx context.Context) {
	t := time.NewTicker(l.ttl / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			l.evictIdle(l.now())
		}
	}
}

func (l *IPLimiter) tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// retryAfter is the whole seconds needed to earn one token, at least 1.
func (l *IPLimiter) retryAfter() string {
	if l.perSecond <= 0 || l.perSecond == rate.Inf {
		return "30"
	}
	return strconv.Itoa(int(math.Max(1, math.Ceil(1/float64(l.perSecond)))))
}

// Middleware refuses installs over the limit with 429. It reads the address
// stored by httpmw.ClientIPWithOptions, so that must wrap it.
func (l *IPLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.allow(httpmw.ClientIPFromContext(r.Context())) {
			next.ServeHTTP(w, r)
			return
		}
		h := w.Header()
		h.Set("Content-Type", "application/json; charset=utf-8")
		h.Set("Retry-After", l.retryAfter())
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"too many installs","result":"rate_limited"}` + "\n"))
	})
}
