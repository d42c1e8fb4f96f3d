// Package origin names the synthetic per-package web origins that
// installed packages are served under: scheme://<packageId>.<tld><path>.
package origin

import (
	"net"
	"net/url"
	"strings"

	"github.com/keithlinneman/capserve/internal/xerrors"
)

const (
	DefaultScheme = "https"
	DefaultTLD    = "cap"
)

// Origin holds the scheme and virtual top-level domain shared by every package.
type Origin struct {
	Scheme string
	TLD    string
}

// Default returns the https://<id>.cap origin.
func Default() Origin {
	return Origin{Scheme: DefaultScheme, TLD: DefaultTLD}
}

// New validates scheme and tld. Empty values fall back to the defaults.
func New(scheme, tld string) (Origin, error) {
	o := Origin{
		Scheme: strings.ToLower(strings.TrimSpace(scheme)),
		TLD:    strings.ToLower(strings.Trim(strings.TrimSpace(tld), ".")),
	}
	if o.Scheme == "" {
		o.Scheme = DefaultScheme
	}
	if o.TLD == "" {
		o.TLD = DefaultTLD
	}
	if o.Scheme != "http" && o.Scheme != "https" {
		return Origin{}, xerrors.Newf("origin: unsupported scheme %q (http|https)", scheme)
	}
	if strings.ContainsAny(o.TLD, "/:@ ") {
		return Origin{}, xerrors.Newf("origin: invalid tld %q", tld)
	}
	return o, nil
}

// Host returns the synthetic hostname for a package.
func (o Origin) Host(packageID string) string {
	return packageID + "." + o.TLD
}

// Base returns scheme://<id>.<tld> without a trailing slash.
func (o Origin) Base(packageID string) string {
	return o.Scheme + "://" + o.Host(packageID)
}

// URL joins the package base with an absolute path. p must start with '/'.
func (o Origin) URL(packageID, p string) string {
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return o.Base(packageID) + p
}

// PackageID extracts the package id from a host (port allowed).
// Returns false when host is not under the virtual tld.
func (o Origin) PackageID(host string) (string, bool) {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	suffix := "." + o.TLD
	if !strings.HasSuffix(host, suffix) {
		return "", false
	}
	id := strings.TrimSuffix(host, suffix)
	if id == "" || strings.Contains(id, ".") {
		return "", false
	}
	return id, true
}

// Split parses an absolute synthetic URL into its package id and path.
func (o Origin) Split(raw string) (packageID, path string, ok bool) {
	u, err := url.Parse(raw)
	if err != nil || !strings.EqualFold(u.Scheme, o.Scheme) {
		return "", "", false
	}
	id, ok := o.PackageID(u.Host)
	if !ok {
		return "", "", false
	}
	path = u.EscapedPath()
	if path == "" {
		path = "/"
	}
	return id, path, true
}
