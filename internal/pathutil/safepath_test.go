package pathutil

import (
	"strings"
	"testing"
)

func TestHasDotSegments(t *testing.T) {
	tests := map[string]bool{
		"":                    false,
		"index.html":          false,
		"/docs/guide.html":    false,
		"assets/.well-known":  false,
		"/..hidden/x":         false,
		"notes...txt":         false,
		".":                   true,
		"..":                  true,
		"../etc/passwd":       true,
		"site/../../x":        true,
		"/a/./b":              true,
		"/a/b/..":             true,
		"/a/b/.":              true,
		`..\windows\win.ini`:  true,
		`site\..\escape.html`: true,
		`dir\file.css`:        false,
	}
	for p, want := range tests {
		if got := HasDotSegments(p); got != want {
			t.Errorf("HasDotSegments(%q) = %v, want %v", p, got, want)
		}
	}
}

func FuzzHasDotSegments(f *testing.F) {
	for _, s := range []string{"a/./b", `a\..\b`, "...", "./", "", "x/.."} {
		f.Add(s)
	}
	f.Fuzz(func(t *testing.T, p string) {
		want := false
		for _, seg := range strings.FieldsFunc(p, func(r rune) bool { return r == '/' || r == '\\' }) {
			if seg == "." || seg == ".." {
				want = true
			}
		}
		if got := HasDotSegments(p); got != want {
			t.Errorf("HasDotSegments(%q) = %v, want %v", p, got, want)
		}
	})
}
