package sitehandler

import (
	"strings"

	"github.com/keithlinneman/capserve/internal/pathutil"
)

// requestPath validates a URL path for rule lookup. Rules match exact
// declared paths, so the path is not cleaned or rewritten; ambiguous or
// unsafe paths are rejected instead.
func requestPath(urlPath string) (string, bool) {
	p := urlPath
	if p == "" {
		p = "/"
	}
	if !strings.HasPrefix(p, "/") {
		return "", false
	}
	if strings.Contains(p, "\x00") || strings.Contains(p, "\\") {
		return "", false
	}
	if pathutil.HasDotSegments(p) {
		return "", false
	}
	return p, true
}
