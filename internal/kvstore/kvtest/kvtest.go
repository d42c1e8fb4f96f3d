// Package kvtest holds the behaviour every kvstore backend must share.
package kvtest

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/keithlinneman/capserve/internal/kvstore"
)

// Conformance runs the shared checks against fresh stores from newStore.
func Conformance(t *testing.T, newStore func(t *testing.T) kvstore.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("get missing", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.Get(ctx, "nope"); !errors.Is(err, kvstore.ErrNotFound) {
			t.Fatalf("Get missing err = %v, want kvstore.ErrNotFound", err)
		}
	})

	t.Run("set get overwrite", func(t *testing.T) {
		s := newStore(t)
		if err := s.Set(ctx, "a", []byte("one")); err != nil {
			t.Fatalf("Set: %v", err)
		}
		if err := s.Set(ctx, "a", []byte("two")); err != nil {
			t.Fatalf("Set overwrite: %v", err)
		}
		got, err := s.Get(ctx, "a")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if string(got) != "two" {
			t.Fatalf("Get = %q, want two", got)
		}
	})

	t.Run("empty value", func(t *testing.T) {
		s := newStore(t)
		if err := s.Set(ctx, "empty", nil); err != nil {
			t.Fatalf("Set: %v", err)
		}
		got, err := s.Get(ctx, "empty")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if len(got) != 0 {
			t.Fatalf("Get = %q, want empty", got)
		}
	})

	t.Run("delete many and missing", func(t *testing.T) {
		s := newStore(t)
		for _, k := range []string{"x/1", "x/2", "y"} {
			if err := s.Set(ctx, k, []byte(k)); err != nil {
				t.Fatalf("Set %s: %v", k, err)
			}
		}
		if err := s.Delete(ctx, "x/1", "x/2", "never-existed"); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if _, err := s.Get(ctx, "x/1"); !errors.Is(err, kvstore.ErrNotFound) {
			t.Fatalf("x/1 still present: %v", err)
		}
		if _, err := s.Get(ctx, "y"); err != nil {
			t.Fatalf("y removed: %v", err)
		}
	})

	t.Run("list prefix sorted", func(t *testing.T) {
		s := newStore(t)
		for _, k := range []string{"content/b/2", "content/a/1", "package/a", "content/b/1"} {
			if err := s.Set(ctx, k, []byte("v")); err != nil {
				t.Fatalf("Set %s: %v", k, err)
			}
		}
		got, err := s.List(ctx, "content/")
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		want := []string{"content/a/1", "content/b/1", "content/b/2"}
		if !slices.Equal(got, want) {
			t.Fatalf("List = %v, want %v", got, want)
		}
		none, err := s.List(ctx, "missing/")
		if err != nil {
			t.Fatalf("List missing: %v", err)
		}
		if len(none) != 0 {
			t.Fatalf("List missing = %v, want empty", none)
		}
	})

	t.Run("ping", func(t *testing.T) {
		if err := newStore(t).Ping(ctx); err != nil {
			t.Fatalf("Ping: %v", err)
		}
	})
}
