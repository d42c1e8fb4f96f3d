package install

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/keithlinneman/capserve/internal/content"
	"github.com/keithlinneman/capserve/internal/kvstore"
	"github.com/keithlinneman/capserve/internal/origin"
	"github.com/keithlinneman/capserve/internal/routes"
	"github.com/keithlinneman/capserve/internal/rulesink"
	"github.com/keithlinneman/capserve/internal/sandbox"
)

// test fixtures

func makeZip(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	names := make([]string, 0, len(entries))
	for k := range entries {
		names = append(names, k)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range names {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip create %q: %v", name, err)
		}
		if _, err := w.Write([]byte(entries[name])); err != nil {
			t.Fatalf("zip write %q: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}

func siteArchive(t *testing.T) []byte {
	return makeZip(t, map[string]string{
		"metadata.json":      `{"name":"demo","version":"0.3.1"}`,
		"manifest.json":      `{"content":[{"file":"index.html","mime":"text/html"},{"file":"app.js","mime":"application/javascript"}]}`,
		"routes.json":        `{"routes":[{"path":"/","target":{"file":"index.html"}},{"path":"/app.js","target":{"file":"app.js"}}]}`,
		"content/index.html": `<html><body><script src="./app.js"></script></body></html>`,
		"content/app.js":     `console.log("hi")`,
	})
}

type fakeMetrics struct {
	mu        sync.Mutex
	results   []string
	durations int
}

func (f *fakeMetrics) IncInstall(result string) {
	f.mu.Lock()
	f.results = append(f.results, result)
	f.mu.Unlock()
}

func (f *fakeMetrics) ObserveInstallDuration(float64) {
	f.mu.Lock()
	f.durations++
	f.mu.Unlock()
}

// failingPublisher wraps a real compiler and fails Publish.
type failingPublisher struct {
	*routes.Compiler
	err error
}

func (f *failingPublisher) Publish(context.Context, string, []content.Route) error { return f.err }

type stack struct {
	kv       *kvstore.Memory
	store    *content.Store
	sink     *rulesink.Memory
	compiler *routes.Compiler
	svc      *Service
	metrics  *fakeMetrics
}

func newStack(t *testing.T, kv *kvstore.Memory, now func() time.Time) *stack {
	t.Helper()
	o := origin.Default()
	st := &stack{
		kv:      kv,
		store:   content.NewStore(kv),
		sink:    rulesink.NewMemory(),
		metrics: &fakeMetrics{},
	}

	rw := sandbox.NewInProcess(sandbox.ServerOptions{Handler: sandbox.RewriteHandler(o)})
	t.Cleanup(func() { _ = rw.Close() })

	loader, err := content.NewLoader(content.LoaderOptions{Store: st.store, Rewriter: rw, Now: now})
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	st.compiler, err = routes.NewCompiler(routes.CompilerOptions{Content: st.store, Sink: st.sink, Origin: o})
	if err != nil {
		t.Fatalf("NewCompiler: %v", err)
	}
	st.svc, err = New(Options{
		Loader:    loader,
		Publisher: st.compiler,
		Store:     st.store,
		Origin:    o,
		Metrics:   st.metrics,
		Now:       now,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return st
}

// Install

func TestInstall_ServesRewrittenIndexAtRoot(t *testing.T) {
	st := newStack(t, kvstore.NewMemory(), nil)
	ctx := context.Background()

	inst, err := st.svc.Install(ctx, siteArchive(t))
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	id := inst.Package.ID

	if inst.Origin != "https://"+id+".cap" {
		t.Fatalf("Origin = %q", inst.Origin)
	}
	if len(inst.RuleIDs) != 2 {
		t.Fatalf("RuleIDs = %v, want 2 ids", inst.RuleIDs)
	}
	if !inst.ExpiresAt.Equal(inst.Package.CreatedAt.Add(30 * time.Minute)) {
		t.Fatalf("ExpiresAt = %v, CreatedAt = %v", inst.ExpiresAt, inst.Package.CreatedAt)
	}

	rule, ok := st.sink.Lookup("https://" + id + ".cap/")
	if !ok {
		t.Fatal("no rule for package root")
	}
	mt, body, err := rulesink.DecodeDataURI(rule.DataURI)
	if err != nil {
		t.Fatalf("DecodeDataURI: %v", err)
	}
	if mt != "text/html" {
		t.Fatalf("media type = %q", mt)
	}
	want := `src="https://` + id + `.cap/app.js"`
	if !strings.Contains(string(body), want) {
		t.Fatalf("served index missing %s:\n%s", want, body)
	}

	if got := st.metrics.results; len(got) != 1 || got[0] != "ok" {
		t.Fatalf("install results = %v", got)
	}
}

func TestInstall_LoadFailureCountsResult(t *testing.T) {
	st := newStack(t, kvstore.NewMemory(), nil)

	_, err := st.svc.Install(context.Background(), []byte("not an archive"))
	if !errors.Is(err, content.ErrMalformedPackage) {
		t.Fatalf("err = %v, want ErrMalformedPackage", err)
	}
	if got := st.metrics.results; len(got) != 1 || got[0] != "malformed" {
		t.Fatalf("install results = %v", got)
	}
	if st.metrics.durations != 1 {
		t.Fatalf("durations observed = %d, want 1", st.metrics.durations)
	}
}

func TestInstall_PublishFailureDiscardsPackage(t *testing.T) {
	st := newStack(t, kvstore.NewMemory(), nil)
	pubErr := &content.UnresolvedRouteError{Path: "/", File: "index.html"}
	st.svc.publisher = &failingPublisher{Compiler: st.compiler, err: pubErr}
	ctx := context.Background()

	_, err := st.svc.Install(ctx, siteArchive(t))
	if !errors.Is(err, content.ErrUnresolvedRoute) {
		t.Fatalf("err = %v, want ErrUnresolvedRoute", err)
	}

	idx, err := st.store.ReadIndex(ctx)
	if err != nil {
		t.Fatalf("ReadIndex: %v", err)
	}
	if len(idx) != 0 {
		t.Fatalf("index = %v, want empty", idx)
	}
	ids, err := st.store.StoredPackageIDs(ctx)
	if err != nil {
		t.Fatalf("StoredPackageIDs: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("stored packages = %v, want none", ids)
	}
	if st.sink.Len() != 0 {
		t.Fatalf("sink has %d rules, want 0", st.sink.Len())
	}
	if got := st.metrics.results; len(got) != 1 || got[0] != "unresolved_route" {
		t.Fatalf("install results = %v", got)
	}
}

// Restore

func TestRestore_RepublishesLivePackages(t *testing.T) {
	kv := kvstore.NewMemory()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	ctx := context.Background()

	first := newStack(t, kv, clock)
	old, err := first.svc.Install(ctx, siteArchive(t))
	if err != nil {
		t.Fatalf("Install old: %v", err)
	}
	now = now.Add(20 * time.Minute)
	fresh, err := first.svc.Install(ctx, siteArchive(t))
	if err != nil {
		t.Fatalf("Install fresh: %v", err)
	}

	// restart: same store, empty sink; old is now past retention
	now = now.Add(15 * time.Minute)
	second := newStack(t, kv, clock)
	n, err := second.svc.Restore(ctx)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if n != 1 {
		t.Fatalf("restored = %d, want 1", n)
	}
	if _, ok := second.sink.Lookup("https://" + fresh.Package.ID + ".cap/"); !ok {
		t.Fatal("fresh package not republished")
	}
	if _, ok := second.sink.Lookup("https://" + old.Package.ID + ".cap/"); ok {
		t.Fatal("expired package republished")
	}
}

func TestRestore_SkipsLivePackages(t *testing.T) {
	st := newStack(t, kvstore.NewMemory(), nil)
	ctx := context.Background()

	inst, err := st.svc.Install(ctx, siteArchive(t))
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	before := st.compiler.RuleIDs(inst.Package.ID)
	for i := range 2 {
		n, err := st.svc.Restore(ctx)
		if err != nil || n != 0 {
			t.Fatalf("Restore #%d = %d, %v; want 0, nil", i+1, n, err)
		}
	}
	if after := st.compiler.RuleIDs(inst.Package.ID); !slices.Equal(before, after) {
		t.Fatalf("rule ids changed: %v -> %v", before, after)
	}
	if st.sink.Len() != st.compiler.Count() || st.sink.Len() != len(before) {
		t.Fatalf("sink %d, compiler %d, package %d rules", st.sink.Len(), st.compiler.Count(), len(before))
	}
}

func TestRestore_SkipsIndexEntriesWithoutRecord(t *testing.T) {
	st := newStack(t, kvstore.NewMemory(), nil)
	ctx := context.Background()

	if err := st.store.AppendIndex(ctx, content.IndexEntry{PackageID: "ghost", CreatedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("AppendIndex: %v", err)
	}
	n, err := st.svc.Restore(ctx)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if n != 0 {
		t.Fatalf("restored = %d, want 0", n)
	}
}

// Evict, Get, List

func TestEvict_RemovesRulesOnly(t *testing.T) {
	st := newStack(t, kvstore.NewMemory(), nil)
	ctx := context.Background()

	inst, err := st.svc.Install(ctx, siteArchive(t))
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if err := st.svc.Evict(ctx, inst.Package.ID); err != nil {
		t.Fatalf("Evict: %v", err)
	}
	if st.sink.Len() != 0 {
		t.Fatalf("sink has %d rules after evict", st.sink.Len())
	}
	if _, err := st.store.GetPackage(ctx, inst.Package.ID); err != nil {
		t.Fatalf("record should remain for the sweeper: %v", err)
	}
}

func TestGetAndList(t *testing.T) {
	st := newStack(t, kvstore.NewMemory(), nil)
	ctx := context.Background()

	a, err := st.svc.Install(ctx, siteArchive(t))
	if err != nil {
		t.Fatalf("Install a: %v", err)
	}
	b, err := st.svc.Install(ctx, siteArchive(t))
	if err != nil {
		t.Fatalf("Install b: %v", err)
	}

	got, err := st.svc.Get(ctx, b.Package.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Package.Metadata.Name() != "demo" || got.Package.Metadata.Version() != "0.3.1" {
		t.Fatalf("metadata = %v", got.Package.Metadata)
	}
	if len(got.Package.Routes) != 2 {
		t.Fatalf("routes = %v", got.Package.Routes)
	}

	if _, err := st.svc.Get(ctx, "missing"); !errors.Is(err, content.ErrNotFound) {
		t.Fatalf("Get missing err = %v, want ErrNotFound", err)
	}

	list, err := st.svc.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 || list[0].Package.ID != a.Package.ID || list[1].Package.ID != b.Package.ID {
		t.Fatalf("List = %+v", list)
	}
}

func TestNew_RequiresDependencies(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("expected error for missing dependencies")
	}
}

// Result

func TestResult(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, "ok"},
		{"too large", content.ErrArchiveTooLarge, "too_large"},
		{"missing", &content.MissingContentError{File: "a.css"}, "missing_content"},
		{"timeout", content.ErrRewriteTimeout, "rewrite_timeout"},
		{"sandbox", content.ErrSandboxFailure, "sandbox_failure"},
		{"unresolved", &content.UnresolvedRouteError{Path: "/", File: "x"}, "unresolved_route"},
		{"store", &content.StoreError{Op: "set", Key: "k", Err: errors.New("down")}, "store_failure"},
		{"malformed", content.ErrMalformedPackage, "malformed"},
		{"other", errors.New("boom"), "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Result(tt.err); got != tt.want {
				t.Fatalf("Result(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}
