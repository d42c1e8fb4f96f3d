// internal/lifecycle/sweeper.go
//
// Sweeper expires packages whose retention has elapsed and collects
// content left behind by loads that never reached the retention index.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/keithlinneman/capserve/internal/content"
	"github.com/keithlinneman/capserve/internal/log"
)

const (
	DefaultRetention     = 30 * time.Minute
	DefaultSweepInterval = 30 * time.Minute

	// maxBackoff caps exponential backoff on consecutive store errors.
	maxBackoff = 5 * time.Minute
)

// Store is the part of content.Store the sweeper uses.
type Store interface {
	ReadIndex(ctx context.Context) ([]content.IndexEntry, error)
	RemoveFromIndex(ctx context.Context, ids ...string) error
	GetPackage(ctx context.Context, id string) (*content.Package, error)
	DeleteContent(ctx context.Context, pkg string, files ...string) error
	DeletePackage(ctx context.Context, id string) error
	StoredPackageIDs(ctx context.Context) ([]string, error)
	PurgePackage(ctx context.Context, pkg string) error
}

// InFlightTracker reports packages still being written by a loader.
type InFlightTracker interface {
	InFlight() []string
}

// SweeperMetrics is implemented by the metrics package.
type SweeperMetrics interface {
	IncSweeps()
	IncSweepError(errType string)
	AddEvicted(n int)
	AddOrphans(n int)
	SetLivePackages(n int)
	SetSweeperLastSuccess(unixSeconds float64)
}

type SweeperOptions struct {
	Logger   log.Logger
	Store    Store
	InFlight InFlightTracker

	// Retention is how long a package lives. Zero means DefaultRetention.
	Retention time.Duration
	// Interval between sweeps. Zero means DefaultSweepInterval.
	Interval time.Duration

	// OnEvict runs before any stored bytes of a package are deleted and
	// must uninstall its rules. An error leaves the package for the next sweep.
	OnEvict func(ctx context.Context, packageID string) error

	Metrics SweeperMetrics
	Now     func() time.Time
}

// Result summarizes one sweep.
type Result struct {
	Evicted []string
	Orphans []string
	Live    int
}

// Sweeper runs retention sweeps on an interval.
type Sweeper struct {
	store     Store
	inflight  InFlightTracker
	logger    log.Logger
	retention time.Duration
	interval  time.Duration
	onEvict   func(ctx context.Context, packageID string) error
	metrics   SweeperMetrics
	now       func() time.Time

	consecutiveErrs int
	sweepCount      int64
	evictedCount    int64
}

// NewSweeper creates a Sweeper. Call Run to start the loop.
func NewSweeper(opts SweeperOptions) *Sweeper {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultSweepInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.OnEvict == nil {
		opts.OnEvict = func(context.Context, string) error { return nil }
	}
	return &Sweeper{
		store:     opts.Store,
		inflight:  opts.InFlight,
		logger:    opts.Logger,
		retention: opts.Retention,
		interval:  opts.Interval,
		onEvict:   opts.OnEvict,
		metrics:   opts.Metrics,
		now:       opts.Now,
	}
}

// Run sweeps once immediately, then every interval, backing off while the
// store keeps failing. Blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info(ctx, "sweeper starting",
		"retention", s.retention.String(),
		"interval", s.interval.String(),
	)

	s.tick(ctx)
	ticker := time.NewTicker(s.nextDelay())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info(ctx, "sweeper stopping",
				"reason", ctx.Err(),
				"sweeps", s.sweepCount,
				"evicted", s.evictedCount,
			)
			return ctx.Err()
		case <-ticker.C:
			hadErrs := s.consecutiveErrs
			s.tick(ctx)
			if s.consecutiveErrs > 0 || hadErrs > 0 {
				ticker.Reset(s.nextDelay())
			}
		}
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	if _, err := s.SweepOnce(ctx); err != nil {
		s.consecutiveErrs++
		s.logger.Warn(ctx, "sweeper: backing off",
			"consecutive_errors", s.consecutiveErrs,
			"next_sweep_in", s.nextDelay().String(),
		)
		return
	}
	if s.consecutiveErrs > 0 {
		s.logger.Info(ctx, "sweeper: recovered, resuming normal interval",
			"had_consecutive_errors", s.consecutiveErrs,
		)
		s.consecutiveErrs = 0
	}
}

func (s *Sweeper) nextDelay() time.Duration {
	if s.consecutiveErrs == 0 {
		return s.interval
	}
	return s.backoffDuration()
}

// backoffDuration computes exponential backoff capped at maxBackoff.
// consecutiveErrs=1 → 2x interval, =2 → 4x, etc.
func (s *Sweeper) backoffDuration() time.Duration {
	mult := math.Pow(2, float64(s.consecutiveErrs))
	d := time.Duration(float64(s.interval) * mult)
	if d > maxBackoff || d <= 0 {
		d = maxBackoff
	}
	return d
}

// SweepOnce evicts every package at or past its retention, then collects
// orphans. Packages younger than the retention are never touched.
func (s *Sweeper) SweepOnce(ctx context.Context) (Result, error) {
	s.sweepCount++
	if s.metrics != nil {
		s.metrics.IncSweeps()
	}

	var res Result
	idx, err := s.store.ReadIndex(ctx)
	if err != nil {
		s.logger.Error(ctx, err, "sweeper: read retention index failed")
		s.incErr("index")
		return res, err
	}

	now := s.now()
	var errs []error
	for _, e := range idx {
		if e.Age(now) < s.retention {
			continue
		}
		if err := s.evict(ctx, e.PackageID); err != nil {
			errs = append(errs, err)
			continue
		}
		res.Evicted = append(res.Evicted, e.PackageID)
	}
	if len(res.Evicted) > 0 {
		if err := s.store.RemoveFromIndex(ctx, res.Evicted...); err != nil {
			s.logger.Error(ctx, err, "sweeper: rewrite retention index failed", "evicted", len(res.Evicted))
			s.incErr("index")
			errs = append(errs, err)
		}
		s.evictedCount += int64(len(res.Evicted))
		if s.metrics != nil {
			s.metrics.AddEvicted(len(res.Evicted))
		}
	}

	orphans, live, err := s.collectOrphans(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	res.Orphans = orphans
	res.Live = live

	if len(errs) > 0 {
		return res, errors.Join(errs...)
	}
	if s.metrics != nil {
		s.metrics.SetSweeperLastSuccess(float64(now.Unix()))
	}
	if len(res.Evicted) > 0 || len(res.Orphans) > 0 {
		s.logger.Info(ctx, "sweep complete",
			"evicted", len(res.Evicted),
			"orphans", len(res.Orphans),
			"live", res.Live,
		)
	}
	return res, nil
}

// evict removes rules first, then content, then the record.
func (s *Sweeper) evict(ctx context.Context, id string) error {
	if err := s.callOnEvict(ctx, id); err != nil {
		s.logger.Error(ctx, err, "sweeper: uninstall rules failed, keeping package", "package_id", id)
		s.incErr("rules")
		return err
	}

	pkg, err := s.store.GetPackage(ctx, id)
	switch {
	case errors.Is(err, content.ErrNotFound):
		err = s.store.PurgePackage(ctx, id)
	case err == nil:
		if err = s.store.DeleteContent(ctx, id, pkg.ContentKeys...); err == nil {
			err = s.store.DeletePackage(ctx, id)
		}
	}
	if err != nil {
		s.logger.Error(ctx, err, "sweeper: delete package failed", "package_id", id)
		s.incErr("delete")
		return err
	}
	s.logger.Info(ctx, "package expired", "package_id", id)
	return nil
}

func (s *Sweeper) callOnEvict(ctx context.Context, id string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("OnEvict panic: %v", r)
		}
	}()
	return s.onEvict(ctx, id)
}

// collectOrphans deletes stored packages that are neither indexed nor
// being loaded. Stored ids are listed before the in-flight snapshot and the
// index read, so a load finishing mid-sweep is always seen in one of them.
func (s *Sweeper) collectOrphans(ctx context.Context) (orphans []string, live int, err error) {
	stored, err := s.store.StoredPackageIDs(ctx)
	if err != nil {
		s.logger.Error(ctx, err, "sweeper: list stored packages failed")
		s.incErr("list")
		return nil, 0, err
	}
	var inflight []string
	if s.inflight != nil {
		inflight = s.inflight.InFlight()
	}
	idx, err := s.store.ReadIndex(ctx)
	if err != nil {
		s.incErr("index")
		return nil, 0, err
	}
	live = len(idx)
	if s.metrics != nil {
		s.metrics.SetLivePackages(live)
	}

	indexed := make(map[string]struct{}, len(idx))
	for _, e := range idx {
		indexed[e.PackageID] = struct{}{}
	}

	var errs []error
	for _, id := range stored {
		if _, ok := indexed[id]; ok || slices.Contains(inflight, id) {
			continue
		}
		if err := s.callOnEvict(ctx, id); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := s.store.PurgePackage(ctx, id); err != nil {
			s.incErr("delete")
			errs = append(errs, err)
			continue
		}
		s.logger.Warn(ctx, "sweeper: collected orphaned package", "package_id", id)
		orphans = append(orphans, id)
	}
	if len(orphans) > 0 && s.metrics != nil {
		s.metrics.AddOrphans(len(orphans))
	}
	return orphans, live, errors.Join(errs...)
}

func (s *Sweeper) incErr(errType string) {
	if s.metrics != nil {
		s.metrics.IncSweepError(errType)
	}
}
