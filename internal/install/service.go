// internal/install/service.go
package install

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/capserve/internal/content"
	"github.com/keithlinneman/capserve/internal/lifecycle"
	"github.com/keithlinneman/capserve/internal/log"
	"github.com/keithlinneman/capserve/internal/origin"
	"github.com/keithlinneman/capserve/internal/xerrors"
)

const tracerName = "capserve/install"

// Loader stores an archive as a package.
type Loader interface {
	Load(ctx context.Context, archive []byte) (*content.Package, error)
}

// Publisher installs and removes a package's redirect rules.
type Publisher interface {
	Publish(ctx context.Context, packageID string, rs []content.Route) error
	Remove(ctx context.Context, packageID string) error
	RuleIDs(packageID string) []int64
	Published(packageID string) bool
}

// Store is the part of content.Store the service reads and cleans up.
type Store interface {
	ReadIndex(ctx context.Context) ([]content.IndexEntry, error)
	GetPackage(ctx context.Context, id string) (*content.Package, error)
	DeleteContent(ctx context.Context, pkg string, files ...string) error
	DeletePackage(ctx context.Context, id string) error
	RemoveFromIndex(ctx context.Context, ids ...string) error
}

// Metrics is implemented by the metrics package.
type Metrics interface {
	IncInstall(result string)
	ObserveInstallDuration(seconds float64)
}

type Options struct {
	Logger    log.Logger
	Loader    Loader
	Publisher Publisher
	Store     Store
	Origin    origin.Origin
	Metrics   Metrics

	// Retention is used to report expiry and to skip expired packages on
	// restore. Zero means lifecycle.DefaultRetention.
	Retention time.Duration
	Now       func() time.Time
}

// Installed describes a live package.
type Installed struct {
	Package   *content.Package
	Origin    string
	RuleIDs   []int64
	ExpiresAt time.Time
}

// Service installs packages end to end: load, then publish rules.
type Service struct {
	loader    Loader
	publisher Publisher
	store     Store
	origin    origin.Origin
	metrics   Metrics
	logger    log.Logger
	retention time.Duration
	now       func() time.Time
}

func New(opts Options) (*Service, error) {
	if opts.Loader == nil || opts.Publisher == nil || opts.Store == nil {
		return nil, xerrors.New("install: Loader, Publisher and Store are required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Origin == (origin.Origin{}) {
		opts.Origin = origin.Default()
	}
	if opts.Retention <= 0 {
		opts.Retention = lifecycle.DefaultRetention
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		loader:    opts.Loader,
		publisher: opts.Publisher,
		store:     opts.Store,
		origin:    opts.Origin,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		retention: opts.Retention,
		now:       opts.Now,
	}, nil
}

// Install loads archive and publishes its routes. A publish failure,
// routes.UnresolvedRoute included, discards the stored package instead of
// leaving it for the sweeper: the caller gets either a live origin or an
// error, never content that no rule can reach.
func (s *Service) Install(ctx context.Context, archive []byte) (inst *Installed, err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "install.package",
		trace.WithAttributes(attribute.Int("archive.bytes", len(archive))),
	)
	start := time.Now()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, Result(err))
		}
		span.End()
		if s.metrics != nil {
			s.metrics.IncInstall(Result(err))
			s.metrics.ObserveInstallDuration(time.Since(start).Seconds())
		}
	}()

	pkg, err := s.loader.Load(ctx, archive)
	if err != nil {
		s.logger.Warn(ctx, "package load failed", "error", err, "result", Result(err))
		return nil, err
	}
	span.SetAttributes(attribute.String("package.id", pkg.ID))

	if err := s.publish(ctx, pkg); err != nil {
		s.discard(ctx, pkg)
		s.logger.Warn(ctx, "package publish failed", "package_id", pkg.ID, "error", err, "result", Result(err))
		return nil, err
	}

	inst = s.describe(pkg)
	s.logger.Info(ctx, "package installed",
		"package_id", pkg.ID,
		"origin", inst.Origin,
		"rules", len(inst.RuleIDs),
		"expires_at", inst.ExpiresAt,
	)
	return inst, nil
}

func (s *Service) publish(ctx context.Context, pkg *content.Package) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "routes.publish",
		trace.WithAttributes(
			attribute.String("package.id", pkg.ID),
			attribute.Int("routes", len(pkg.Routes)),
		),
	)
	defer span.End()
	if err := s.publisher.Publish(ctx, pkg.ID, pkg.Routes); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		return err
	}
	return nil
}

// discard deletes a loaded package in reverse write order. Anything it
// cannot delete is left to the sweeper's orphan pass.
func (s *Service) discard(ctx context.Context, pkg *content.Package) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	if err := s.store.RemoveFromIndex(cctx, pkg.ID); err != nil {
		s.logger.Error(cctx, err, "discard: remove from index failed", "package_id", pkg.ID)
	}
	if err := s.store.DeleteContent(cctx, pkg.ID, pkg.ContentKeys...); err != nil {
		s.logger.Error(cctx, err, "discard: delete content failed", "package_id", pkg.ID)
	}
	if err := s.store.DeletePackage(cctx, pkg.ID); err != nil {
		s.logger.Error(cctx, err, "discard: delete package record failed", "package_id", pkg.ID)
	}
}

// Restore republishes rules for every unexpired package in the retention
// index. Rules live in memory, so a durable store needs this after restart.
// It returns how many packages were published and every failure joined.
func (s *Service) Restore(ctx context.Context) (int, error) {
	idx, err := s.store.ReadIndex(ctx)
	if err != nil {
		return 0, err
	}
	now := s.now()
	restored := 0
	var errs []error
	for _, e := range idx {
		// already live; republishing would only churn rule ids
		if e.Age(now) >= s.retention || s.publisher.Published(e.PackageID) {
			continue
		}
		pkg, err := s.store.GetPackage(ctx, e.PackageID)
		if err != nil {
			if errors.Is(err, content.ErrNotFound) {
				// the sweeper drops index entries without records
				continue
			}
			errs = append(errs, err)
			continue
		}
		if err := s.publish(ctx, pkg); err != nil {
			s.logger.Warn(ctx, "restore publish failed", "package_id", pkg.ID, "error", err)
			errs = append(errs, xerrors.Wrapf(err, "restore %s", pkg.ID))
			continue
		}
		restored++
	}
	s.logger.Info(ctx, "packages restored", "restored", restored, "indexed", len(idx), "failed", len(errs))
	return restored, errors.Join(errs...)
}

// Evict removes a package's rules. The sweeper calls it before deleting
// stored bytes.
func (s *Service) Evict(ctx context.Context, packageID string) error {
	return s.publisher.Remove(ctx, packageID)
}

// Get describes one package. Missing packages return content.ErrNotFound.
func (s *Service) Get(ctx context.Context, packageID string) (*Installed, error) {
	pkg, err := s.store.GetPackage(ctx, packageID)
	if err != nil {
		return nil, err
	}
	return s.describe(pkg), nil
}

// List describes every package in the retention index, oldest first.
func (s *Service) List(ctx context.Context) ([]*Installed, error) {
	idx, err := s.store.ReadIndex(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Installed, 0, len(idx))
	for _, e := range idx {
		pkg, err := s.store.GetPackage(ctx, e.PackageID)
		if errors.Is(err, content.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, s.describe(pkg))
	}
	return out, nil
}

func (s *Service) describe(pkg *content.Package) *Installed {
	return &Installed{
		Package:   pkg,
		Origin:    s.origin.Base(pkg.ID),
		RuleIDs:   s.publisher.RuleIDs(pkg.ID),
		ExpiresAt: pkg.CreatedAt.Add(s.retention),
	}
}

// Result classifies an install outcome for metrics and logs.
func Result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, content.ErrArchiveTooLarge):
		return "too_large"
	case errors.Is(err, content.ErrMissingContent):
		return "missing_content"
	case errors.Is(err, content.ErrRewriteTimeout):
		return "rewrite_timeout"
	case errors.Is(err, content.ErrSandboxFailure):
		return "sandbox_failure"
	case errors.Is(err, content.ErrUnresolvedRoute):
		return "unresolved_route"
	case errors.Is(err, content.ErrStoreFailure):
		return "store_failure"
	case errors.Is(err, content.ErrMalformedPackage):
		return "malformed"
	default:
		return "error"
	}
}
