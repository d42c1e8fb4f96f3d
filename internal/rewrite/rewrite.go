// Package rewrite turns package-relative references in HTML documents into
// absolute URLs on the package's synthetic origin.
package rewrite

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/keithlinneman/capserve/internal/origin"
	"github.com/keithlinneman/capserve/internal/xerrors"
)

// Selector lists every element whose reference is rewritten.
const Selector = "link[rel~=stylesheet], script[src], img[src], a[href], audio[src], video[src], source[src]"

// refAttrs are read in order; the first non-empty value is the reference.
var refAttrs = [...]string{"href", "src"}

var schemeRE = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9+.\-]*:`)

// HTML rewrites doc for packageID. basePath is the route path the document
// is served under and anchors relative references. The result is stable
// under repeated application.
func HTML(doc, packageID, basePath string, o origin.Origin) (string, error) {
	d, err := goquery.NewDocumentFromReader(strings.NewReader(doc))
	if err != nil {
		return "", xerrors.Wrap(err, "parse html")
	}

	d.Find(Selector).Each(func(_ int, s *goquery.Selection) {
		ref := firstRef(s)
		if ref == "" || isAbsolute(ref) {
			return
		}
		if goquery.NodeName(s) == "a" && strings.HasPrefix(ref, "#") {
			return
		}
		abs := o.URL(packageID, Resolve(ref, basePath))
		for _, attr := range refAttrs {
			if _, ok := s.Attr(attr); ok {
				s.SetAttr(attr, abs)
			}
		}
	})

	out, err := d.Html()
	if err != nil {
		return "", xerrors.Wrap(err, "render html")
	}
	return out, nil
}

func firstRef(s *goquery.Selection) string {
	for _, attr := range refAttrs {
		if v := strings.TrimSpace(s.AttrOr(attr, "")); v != "" {
			return v
		}
	}
	return ""
}

// isAbsolute reports refs that carry a scheme or are protocol-relative.
func isAbsolute(ref string) bool {
	return schemeRE.MatchString(ref) || strings.HasPrefix(ref, "//")
}

// Resolve maps a package-relative reference to an origin path. Root-relative
// refs are kept; others are joined to the directory of basePath.
func Resolve(ref, basePath string) string {
	if strings.HasPrefix(ref, "/") {
		return ref
	}
	for strings.HasPrefix(ref, "./") {
		ref = ref[2:]
	}
	dir := basePath
	if i := strings.LastIndex(dir, "/"); i >= 0 {
		dir = dir[:i]
	} else {
		dir = ""
	}
	return dir + "/" + ref
}
