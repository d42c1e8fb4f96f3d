// Package routes compiles a package's route table into redirect rules and
// installs them on a rule sink as one batch.
package routes

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/keithlinneman/capserve/internal/content"
	"github.com/keithlinneman/capserve/internal/log"
	"github.com/keithlinneman/capserve/internal/origin"
	"github.com/keithlinneman/capserve/internal/rulesink"
	"github.com/keithlinneman/capserve/internal/xerrors"
)

// RulePriority is assigned to every compiled rule.
const RulePriority = 1

// ContentReader is the part of content.Store the compiler reads.
type ContentReader interface {
	GetContent(ctx context.Context, pkg, file string) (content.Item, error)
}

// CompilerMetrics is implemented by the metrics package.
type CompilerMetrics interface {
	SetInstalledRules(n int)
}

type CompilerOptions struct {
	Logger  log.Logger
	Content ContentReader
	Sink    rulesink.Sink
	Origin  origin.Origin
	Metrics CompilerMetrics
}

// Compiler owns the rule id namespace. Ids come from one counter shared by
// every package and are never reused within a process.
type Compiler struct {
	content ContentReader
	sink    rulesink.Sink
	origin  origin.Origin
	logger  log.Logger
	metrics CompilerMetrics

	nextID atomic.Int64

	mu    sync.Mutex
	byPkg map[string][]int64
	count int
}

func NewCompiler(opts CompilerOptions) (*Compiler, error) {
	if opts.Content == nil || opts.Sink == nil {
		return nil, xerrors.New("routes: Content and Sink are required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Origin == (origin.Origin{}) {
		opts.Origin = origin.Default()
	}
	return &Compiler{
		content: opts.Content,
		sink:    opts.Sink,
		origin:  opts.Origin,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		byPkg:   make(map[string][]int64),
	}, nil
}

// Compile builds one rule per route without installing anything. A route
// whose target has no stored content fails with *content.UnresolvedRouteError.
func (c *Compiler) Compile(ctx context.Context, packageID string, rs []content.Route) ([]rulesink.Rule, error) {
	rules := make([]rulesink.Rule, 0, len(rs))
	for _, r := range rs {
		it, err := c.content.GetContent(ctx, packageID, r.Target.File)
		if errors.Is(err, content.ErrNotFound) {
			return nil, xerrors.WithStack(&content.UnresolvedRouteError{Path: r.Path, File: r.Target.File})
		}
		if err != nil {
			return nil, xerrors.Wrapf(err, "routes: read %s for %s", r.Target.File, r.Path)
		}
		rules = append(rules, rulesink.Rule{
			Priority:      RulePriority,
			URLPattern:    c.origin.URL(packageID, r.Path),
			DataURI:       rulesink.EncodeDataURI(it.MediaType, []byte(it.Text)),
			ResourceTypes: rulesink.AllResourceTypes,
			PackageID:     packageID,
		})
	}
	for i := range rules {
		rules[i].ID = c.nextID.Add(1)
	}
	return rules, nil
}

// Publish compiles routes and swaps them in for any rules the package
// already had, in a single sink batch.
func (c *Compiler) Publish(ctx context.Context, packageID string, rs []content.Route) error {
	rules, err := c.Compile(ctx, packageID, rs)
	if err != nil {
		return err
	}
	ids := make([]int64, len(rules))
	for i, r := range rules {
		ids[i] = r.ID
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.byPkg[packageID]
	if err := c.sink.Apply(ctx, rulesink.Batch{Remove: prev, Add: rules}); err != nil {
		return xerrors.Wrapf(err, "routes: install %d rules for %s", len(rules), packageID)
	}
	c.byPkg[packageID] = ids
	c.count += len(ids) - len(prev)
	c.observe()

	c.logger.Info(ctx, "rules published",
		"package_id", packageID,
		"rules", len(ids),
		"replaced", len(prev),
	)
	return nil
}

// Remove uninstalls every rule of a package. Unknown packages are a no-op.
func (c *Compiler) Remove(ctx context.Context, packageID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev, ok := c.byPkg[packageID]
	if !ok {
		return nil
	}
	if err := c.sink.Apply(ctx, rulesink.Batch{Remove: prev}); err != nil {
		return xerrors.Wrapf(err, "routes: remove rules for %s", packageID)
	}
	delete(c.byPkg, packageID)
	c.count -= len(prev)
	c.observe()
	return nil
}

// RuleIDs returns the installed rule ids of a package.
func (c *Compiler) RuleIDs(packageID string) []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int64(nil), c.byPkg[packageID]...)
}

// Published reports whether the package currently has a rule batch.
func (c *Compiler) Published(packageID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.byPkg[packageID]
	return ok
}

// Count returns the number of rules installed through this compiler.
func (c *Compiler) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

func (c *Compiler) observe() {
	if c.metrics != nil {
		c.metrics.SetInstalledRules(c.count)
	}
}
