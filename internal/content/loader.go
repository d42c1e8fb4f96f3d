// internal/content/loader.go
package content

import (
	"context"
	"errors"
	"io/fs"
	"mime"
	"path"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/capserve/internal/cryptoutil"
	"github.com/keithlinneman/capserve/internal/log"
	"github.com/keithlinneman/capserve/internal/xerrors"
)

const tracerName = "capserve/content"

// DefaultRewriteTimeout bounds a single sandbox rewrite call.
const DefaultRewriteTimeout = 10 * time.Second

// Rewriter rewrites package-relative references in an HTML document.
// The sandbox client implements it.
type Rewriter interface {
	Rewrite(ctx context.Context, html, packageID, basePath string) (string, error)
}

// LoaderMetrics is implemented by the metrics package.
type LoaderMetrics interface {
	ObserveRewriteDuration(seconds float64)
}

type LoaderOptions struct {
	Logger   log.Logger
	Store    *Store
	Rewriter Rewriter
	Limits   Limits
	Metrics  LoaderMetrics

	// RewriteTimeout bounds each rewrite call. Zero means DefaultRewriteTimeout.
	RewriteTimeout time.Duration

	// Now and NewID are overridable for tests.
	Now   func() time.Time
	NewID func() string
}

// Loader turns an archive into a stored package.
type Loader struct {
	store          *Store
	rewriter       Rewriter
	limits         Limits
	metrics        LoaderMetrics
	logger         log.Logger
	rewriteTimeout time.Duration
	now            func() time.Time
	newID          func() string

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewLoader creates a Loader with the given options.
func NewLoader(opts LoaderOptions) (*Loader, error) {
	if opts.Store == nil {
		return nil, xerrors.New("content: Store is required")
	}
	if opts.Rewriter == nil {
		return nil, xerrors.New("content: Rewriter is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.RewriteTimeout <= 0 {
		opts.RewriteTimeout = DefaultRewriteTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.New().String() }
	}
	return &Loader{
		store:          opts.Store,
		rewriter:       opts.Rewriter,
		limits:         opts.Limits.withDefaults(),
		metrics:        opts.Metrics,
		logger:         opts.Logger,
		rewriteTimeout: opts.RewriteTimeout,
		now:            opts.Now,
		newID:          opts.NewID,
		inflight:       make(map[string]struct{}),
	}, nil
}

// InFlight returns the ids of packages currently being loaded.
func (l *Loader) InFlight() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]string, 0, len(l.inflight))
	for id := range l.inflight {
		ids = append(ids, id)
	}
	return ids
}

func (l *Loader) begin(id string) {
	l.mu.Lock()
	l.inflight[id] = struct{}{}
	l.mu.Unlock()
}

func (l *Loader) end(id string) {
	l.mu.Lock()
	delete(l.inflight, id)
	l.mu.Unlock()
}

// Load extracts and validates archive, stores every manifest file (HTML
// rewritten), then writes the package record and appends the retention
// index. On any failure the items already written are deleted.
func (l *Loader) Load(ctx context.Context, archive []byte) (*Package, error) {
	fsys, err := OpenBundle(archive, l.limits)
	if err != nil {
		return nil, err
	}
	if fsys, err = bundleRoot(fsys); err != nil {
		return nil, err
	}
	desc, err := ReadDescriptors(fsys)
	if err != nil {
		return nil, err
	}

	pkg := &Package{
		ID:          l.newID(),
		Metadata:    desc.Metadata,
		Manifest:    desc.Manifest,
		Routes:      desc.Routes,
		ContentKeys: make([]string, 0, len(desc.Manifest)),
	}
	l.begin(pkg.ID)
	defer l.end(pkg.ID)

	l.logger.Info(ctx, "loading package",
		"package_id", pkg.ID,
		"name", pkg.Metadata.Name(),
		"version", pkg.Metadata.Version(),
		"archive_sha256", cryptoutil.SHA256Hex(archive),
		"files", len(desc.Manifest),
		"routes", len(desc.Routes),
	)

	recordWritten := false
	if err := l.persist(ctx, fsys, pkg, &recordWritten); err != nil {
		l.rollback(ctx, pkg, recordWritten)
		return nil, err
	}

	l.logger.Info(ctx, "package loaded", "package_id", pkg.ID, "created_at", pkg.CreatedAt)
	return pkg, nil
}

func (l *Loader) persist(ctx context.Context, fsys fs.FS, pkg *Package, recordWritten *bool) error {
	for _, entry := range pkg.Manifest {
		data, err := fs.ReadFile(fsys, path.Join(ContentDir, entry.File))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return xerrors.WithStack(&MissingContentError{File: entry.File})
			}
			return xerrors.Mark(xerrors.Wrapf(err, "read %s", entry.File), ErrMalformedPackage)
		}

		mediaType := entry.Mime
		if mediaType == "" {
			mediaType = mimetype.Detect(data).String()
		}
		text := string(data)
		if IsHTML(mediaType) {
			text, err = l.rewrite(ctx, text, pkg.ID, basePathFor(entry.File, pkg.Routes))
			if err != nil {
				return xerrors.Wrapf(err, "rewrite %s", entry.File)
			}
		}

		if err := l.store.PutContent(ctx, Item{
			PackageID: pkg.ID,
			File:      entry.File,
			MediaType: mediaType,
			Text:      text,
		}); err != nil {
			return err
		}
		pkg.ContentKeys = append(pkg.ContentKeys, entry.File)
	}

	pkg.CreatedAt = l.now().UTC()
	if err := l.store.PutPackage(ctx, pkg); err != nil {
		return err
	}
	*recordWritten = true

	return l.store.AppendIndex(ctx, IndexEntry{PackageID: pkg.ID, CreatedAt: pkg.CreatedAt})
}

func (l *Loader) rewrite(ctx context.Context, html, id, basePath string) (string, error) {
	rctx, cancel := context.WithTimeout(ctx, l.rewriteTimeout)
	defer cancel()

	rctx, span := otel.Tracer(tracerName).Start(rctx, "content.rewrite",
		trace.WithAttributes(
			attribute.String("package.id", id),
			attribute.String("rewrite.base_path", basePath),
			attribute.Int("rewrite.input_bytes", len(html)),
		),
	)
	defer span.End()

	start := time.Now()
	out, err := l.rewriter.Rewrite(rctx, html, id, basePath)
	if l.metrics != nil {
		l.metrics.ObserveRewriteDuration(time.Since(start).Seconds())
	}
	if err == nil {
		return out, nil
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, "rewrite failed")
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(rctx.Err(), context.DeadlineExceeded) {
		return "", xerrors.Mark(xerrors.Mark(err, ErrRewriteTimeout), ErrMalformedPackage)
	}
	return "", xerrors.Mark(xerrors.Mark(err, ErrSandboxFailure), ErrMalformedPackage)
}

// rollback removes what a failed load wrote. It runs detached from ctx so
// a cancelled request still cleans up.
func (l *Loader) rollback(ctx context.Context, pkg *Package, recordWritten bool) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	if err := l.store.DeleteContent(cctx, pkg.ID, pkg.ContentKeys...); err != nil {
		l.logger.Error(cctx, err, "rollback: delete content failed, left for the sweeper",
			"package_id", pkg.ID, "files", len(pkg.ContentKeys))
	}
	if recordWritten {
		if err := l.store.DeletePackage(cctx, pkg.ID); err != nil {
			l.logger.Error(cctx, err, "rollback: delete package record failed", "package_id", pkg.ID)
		}
	}
	l.logger.Warn(cctx, "package load rolled back", "package_id", pkg.ID, "files_removed", len(pkg.ContentKeys))
}

// IsHTML reports whether a media type is rewritten as markup.
func IsHTML(mediaType string) bool {
	mt, _, err := mime.ParseMediaType(mediaType)
	if err != nil {
		return false
	}
	return mt == "text/html" || mt == "application/xhtml+xml"
}

// basePathFor returns the path of the first route serving file, or /file.
func basePathFor(file string, routes []Route) string {
	for _, r := range routes {
		if r.Target.File == file {
			return r.Path
		}
	}
	return "/" + file
}
