// Package pathutil checks request paths and archive member names for
// traversal.
package pathutil

// HasDotSegments reports whether any segment of p is "." or "..".
// Backslash separates segments too, since archives built on Windows
// use it in member names.
func HasDotSegments(p string) bool {
	start := 0
	for i := 0; i <= len(p); i++ {
		if i < len(p) && p[i] != '/' && p[i] != '\\' {
			continue
		}
		if seg := p[start:i]; seg == "." || seg == ".." {
			return true
		}
		start = i + 1
	}
	return false
}
