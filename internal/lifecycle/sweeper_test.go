package lifecycle

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/keithlinneman/capserve/internal/content"
	"github.com/keithlinneman/capserve/internal/kvstore"
)

type fakeMetrics struct {
	sweeps, evicted, orphans, live int
	errs                           []string
	lastSuccess                    float64
}

func (m *fakeMetrics) IncSweeps()                       { m.sweeps++ }
func (m *fakeMetrics) IncSweepError(t string)           { m.errs = append(m.errs, t) }
func (m *fakeMetrics) AddEvicted(n int)                 { m.evicted += n }
func (m *fakeMetrics) AddOrphans(n int)                 { m.orphans += n }
func (m *fakeMetrics) SetLivePackages(n int)            { m.live = n }
func (m *fakeMetrics) SetSweeperLastSuccess(ts float64) { m.lastSuccess = ts }

type staticInFlight []string

func (s staticInFlight) InFlight() []string { return s }

type fixture struct {
	kv      *kvstore.Memory
	store   *content.Store
	now     time.Time
	metrics *fakeMetrics

	mu      sync.Mutex
	evicted []string
	// contentPresentAtEvict records whether a package's content still
	// existed when OnEvict ran.
	contentPresentAtEvict map[string]bool
	evictErr              error
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	kv := kvstore.NewMemory()
	return &fixture{
		kv:                    kv,
		store:                 content.NewStore(kv),
		now:                   time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
		metrics:               &fakeMetrics{},
		contentPresentAtEvict: map[string]bool{},
	}
}

// install writes a package the way the loader does: content, record, index.
func (f *fixture) install(t *testing.T, id string, age time.Duration) {
	t.Helper()
	ctx := context.Background()
	created := f.now.Add(-age)
	if err := f.store.PutContent(ctx, content.Item{PackageID: id, File: "index.html", MediaType: "text/html", Text: id}); err != nil {
		t.Fatal(err)
	}
	if err := f.store.PutPackage(ctx, &content.Package{ID: id, ContentKeys: []string{"index.html"}, CreatedAt: created}); err != nil {
		t.Fatal(err)
	}
	if err := f.store.AppendIndex(ctx, content.IndexEntry{PackageID: id, CreatedAt: created}); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) sweeper(opts ...func(*SweeperOptions)) *Sweeper {
	o := SweeperOptions{
		Store:     f.store,
		Retention: 30 * time.Minute,
		Interval:  time.Second,
		Metrics:   f.metrics,
		Now:       func() time.Time { return f.now },
		OnEvict: func(ctx context.Context, id string) error {
			f.mu.Lock()
			defer f.mu.Unlock()
			if f.evictErr != nil {
				return f.evictErr
			}
			_, err := f.store.GetContent(ctx, id, "index.html")
			f.contentPresentAtEvict[id] = err == nil
			f.evicted = append(f.evicted, id)
			return nil
		},
	}
	for _, fn := range opts {
		fn(&o)
	}
	return NewSweeper(o)
}

func (f *fixture) indexIDs(t *testing.T) []string {
	t.Helper()
	idx, err := f.store.ReadIndex(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, e := range idx {
		ids = append(ids, e.PackageID)
	}
	return ids
}

func TestSweepOnce_RetentionBoundary(t *testing.T) {
	f := newFixture(t)
	f.install(t, "old", 31*time.Minute)
	f.install(t, "exact", 30*time.Minute)
	f.install(t, "young", 29*time.Minute+59*time.Second)

	res, err := f.sweeper().SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if !slices.Equal(res.Evicted, []string{"old", "exact"}) {
		t.Fatalf("Evicted = %v, want [old exact]", res.Evicted)
	}
	if got := f.indexIDs(t); !slices.Equal(got, []string{"young"}) {
		t.Fatalf("index = %v, want [young]", got)
	}
	if _, err := f.store.GetContent(context.Background(), "young", "index.html"); err != nil {
		t.Fatalf("young package touched: %v", err)
	}
	for _, id := range []string{"old", "exact"} {
		if _, err := f.store.GetPackage(context.Background(), id); !errors.Is(err, content.ErrNotFound) {
			t.Errorf("%s record survived: %v", id, err)
		}
	}
	if res.Live != 1 || f.metrics.evicted != 2 || f.metrics.live != 1 || f.metrics.lastSuccess == 0 {
		t.Fatalf("res=%+v metrics=%+v", res, f.metrics)
	}
}

func TestSweepOnce_RulesRemovedBeforeContent(t *testing.T) {
	f := newFixture(t)
	f.install(t, "old", time.Hour)

	if _, err := f.sweeper().SweepOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !f.contentPresentAtEvict["old"] {
		t.Fatal("content was deleted before rules were uninstalled")
	}
	if f.kv.Len() != 1 { // only the retention index key remains
		keys, _ := f.kv.List(context.Background(), "")
		t.Fatalf("keys left: %v", keys)
	}
}

func TestSweepOnce_EvictFailureKeepsPackage(t *testing.T) {
	f := newFixture(t)
	f.install(t, "old", time.Hour)
	f.evictErr = errors.New("sink unavailable")

	_, err := f.sweeper().SweepOnce(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if got := f.indexIDs(t); !slices.Equal(got, []string{"old"}) {
		t.Fatalf("index = %v, package must stay until its rules are gone", got)
	}
	if _, err := f.store.GetContent(context.Background(), "old", "index.html"); err != nil {
		t.Fatalf("content deleted despite failed eviction: %v", err)
	}
	if !slices.Contains(f.metrics.errs, "rules") {
		t.Fatalf("errs = %v", f.metrics.errs)
	}
}

func TestSweepOnce_CollectsOrphansButNotInFlight(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.install(t, "live", time.Minute)
	_ = f.store.PutContent(ctx, content.Item{PackageID: "crashed", File: "a.css"})
	_ = f.store.PutContent(ctx, content.Item{PackageID: "loading", File: "a.css"})
	_ = f.store.PutPackage(ctx, &content.Package{ID: "recordonly"})

	s := f.sweeper(func(o *SweeperOptions) { o.InFlight = staticInFlight{"loading"} })
	res, err := s.SweepOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(res.Orphans, []string{"crashed", "recordonly"}) {
		t.Fatalf("Orphans = %v", res.Orphans)
	}
	ids, _ := f.store.StoredPackageIDs(ctx)
	if !slices.Equal(ids, []string{"live", "loading"}) {
		t.Fatalf("stored = %v, want [live loading]", ids)
	}
	if f.metrics.orphans != 2 {
		t.Fatalf("orphans metric = %d", f.metrics.orphans)
	}
}

func TestSweepOnce_MissingRecordPurgesByPrefix(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.install(t, "old", time.Hour)
	_ = f.store.PutContent(ctx, content.Item{PackageID: "old", File: "extra.js"})
	_ = f.store.DeletePackage(ctx, "old")

	if _, err := f.sweeper().SweepOnce(ctx); err != nil {
		t.Fatal(err)
	}
	ids, _ := f.store.StoredPackageIDs(ctx)
	if len(ids) != 0 {
		t.Fatalf("stored = %v", ids)
	}
}

func TestSweepOnce_IndexReadError(t *testing.T) {
	f := newFixture(t)
	_ = f.kv.Set(context.Background(), content.IndexKey, []byte("not json"))

	if _, err := f.sweeper().SweepOnce(context.Background()); !errors.Is(err, content.ErrStoreFailure) {
		t.Fatalf("err = %v, want ErrStoreFailure", err)
	}
	if !slices.Equal(f.metrics.errs, []string{"index"}) {
		t.Fatalf("errs = %v", f.metrics.errs)
	}
}

func TestBackoffDuration_Progression(t *testing.T) {
	s := &Sweeper{interval: 30 * time.Second}

	tests := []struct {
		consecutiveErrs int
		want            time.Duration
	}{
		{0, 30 * time.Second},
		{1, 60 * time.Second},
		{2, 120 * time.Second},
		{3, 240 * time.Second},
		{4, 5 * time.Minute},
		{40, 5 * time.Minute},
	}
	for _, tt := range tests {
		s.consecutiveErrs = tt.consecutiveErrs
		if got := s.nextDelay(); got != tt.want {
			t.Errorf("errs=%d: nextDelay = %v, want %v", tt.consecutiveErrs, got, tt.want)
		}
	}
}

func TestRun_SweepsAtStartAndStops(t *testing.T) {
	f := newFixture(t)
	f.install(t, "old", time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.sweeper(func(o *SweeperOptions) { o.Interval = time.Hour }).Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for {
		f.mu.Lock()
		n := len(f.evicted)
		f.mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("startup sweep did not run")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v", err)
	}
}
