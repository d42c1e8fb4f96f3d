package content

import (
	"archive/tar"
	"bytes"
	"context"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"

	"github.com/keithlinneman/capserve/internal/kvstore"
)

// makeTarGz builds a .tar.gz archive in memory from path -> content pairs.
func makeTarGz(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)

	for _, name := range sortedKeys(entries) {
		content := entries[name]
		if err := tw.WriteHeader(&tar.Header{
			Name: name,
			Mode: 0640,
			Size: int64(len(content)),
		}); err != nil {
			t.Fatalf("write tar header %q: %v", name, err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatalf("write tar content %q: %v", name, err)
		}
	}

	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	if err := gw.Close(); err != nil {
		t.Fatalf("close gzip: %v", err)
	}
	return buf.Bytes()
}

// makeTarGzWithType builds a .tar.gz with a single entry of the given type flag.
func makeTarGzWithType(t *testing.T, name string, typeflag byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)

	hdr := &tar.Header{Name: name, Mode: 0640, Typeflag: typeflag}
	if typeflag == tar.TypeSymlink || typeflag == tar.TypeLink {
		hdr.Linkname = "target"
	}
	if err := tw.WriteHeader(hdr); err != nil {
		t.Fatalf("write tar header: %v", err)
	}
	tw.Close()
	gw.Close()
	return buf.Bytes()
}

// makeZip builds a zip archive in memory from path -> content pairs.
func makeZip(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range sortedKeys(entries) {
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

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// sitePackage returns the entries of a small valid package: an index page
// that links a stylesheet and a script, plus an about page under /blog.
func sitePackage() map[string]string {
	return map[string]string{
		"metadata.json": `{"name":"demo","version":"1.2.0","author":"x"}`,
		"manifest.json": `{"content":[
			{"file":"index.html","mime":"text/html"},
			{"file":"style.css","mime":"text/css"},
			{"file":"app.js","mime":"application/javascript"},
			{"file":"post.html","mime":"text/html; charset=utf-8"}
		]}`,
		"routes.json": `{"routes":[
			{"path":"/","target":{"file":"index.html"}},
			{"path":"/blog/post","target":{"file":"post.html"}},
			{"path":"/style.css","target":{"file":"style.css"}},
			{"path":"/app.js","target":{"file":"app.js"}}
		]}`,
		"content/index.html": `<html><head><link rel="stylesheet" href="style.css"></head><body><script src="./app.js"></script></body></html>`,
		"content/style.css":  `body{color:red}`,
		"content/app.js":     `console.log(1)`,
		"content/post.html":  `<a href="other">x</a>`,
	}
}

// fakeRewriter records calls and tags documents instead of parsing them.
type fakeRewriter struct {
	mu    sync.Mutex
	calls []rewriteCall
	err   error
	block bool
}

type rewriteCall struct {
	packageID string
	basePath  string
}

func (f *fakeRewriter) Rewrite(ctx context.Context, html, packageID, basePath string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, rewriteCall{packageID, basePath})
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if f.err != nil {
		return "", f.err
	}
	return "<!-- rewritten " + basePath + " -->" + html, nil
}

// failingKV wraps a Memory store and fails Set for keys with failPrefix.
type failingKV struct {
	*kvstore.Memory
	failPrefix string
	err        error
}

func (f *failingKV) Set(ctx context.Context, key string, value []byte) error {
	if f.failPrefix != "" && strings.HasPrefix(key, f.failPrefix) {
		return f.err
	}
	return f.Memory.Set(ctx, key, value)
}
