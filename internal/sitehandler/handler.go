package sitehandler

import (
	"bytes"
	"errors"
	"io/fs"
	"mime"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/keithlinneman/capserve/internal/cryptoutil"
	"github.com/keithlinneman/capserve/internal/rulesink"
)

// Handler serves synthetic package origins from the installed rule set.
// A request for https://<id>.<tld><path> answers with the body of the rule
// whose URL pattern is exactly that URL.
type Handler struct {
	opts Options

	// themed 404, read once; nil means plain text
	notFoundPage []byte
	notFoundType string
}

func New(opts Options) (*Handler, error) {
	opts.setDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	h := &Handler{opts: opts}
	page, err := fs.ReadFile(opts.FallbackFS, opts.Fallback404File)
	switch {
	case err == nil:
		h.notFoundPage = page
		h.notFoundType = mime.TypeByExtension(path.Ext(opts.Fallback404File))
		if h.notFoundType == "" {
			h.notFoundType = http.DetectContentType(page)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, err
	}
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	hdr := w.Header()
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		hdr.Set("Allow", "GET, HEAD")
		hdr.Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	rule, id, ok := h.lookup(r)
	if !ok {
		h.notFound(w, r)
		return
	}
	mediaType, body, err := rulesink.DecodeDataURI(rule.DataURI)
	if err != nil {
		h.opts.Logger.Error(r.Context(), err, "installed rule has an invalid data uri",
			"package_id", id, "rule_id", rule.ID)
		hdr.Set("Cache-Control", "no-store")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	hdr.Set("Content-Type", mediaType)
	hdr.Set("Content-Security-Policy", h.opts.ContentSecurityPolicy)
	hdr.Set("ETag", cryptoutil.StrongETag(body))
	hdr.Set("X-Rule-Id", strconv.FormatInt(rule.ID, 10))
	if cc := cacheControlFor(mediaType, &h.opts); cc != "" {
		hdr.Set("Cache-Control", cc)
	}
	// conditional requests, ranges and HEAD
	http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(body))
}

// lookup maps host and path back to the installed rule URL.
func (h *Handler) lookup(r *http.Request) (rulesink.Rule, string, bool) {
	id, ok := h.opts.Origin.PackageID(r.Host)
	if !ok {
		return rulesink.Rule{}, "", false
	}
	p, ok := requestPath(r.URL.Path)
	if !ok {
		return rulesink.Rule{}, id, false
	}
	// routes are keyed as declared, so "/a%20b.html" only matches the
	// escaped form and "/a b.html" only the decoded one
	if raw := r.URL.EscapedPath(); raw != p {
		if rule, ok := h.opts.Rules.Lookup(h.opts.Origin.URL(id, raw)); ok {
			return rule, id, true
		}
	}
	rule, ok := h.opts.Rules.Lookup(h.opts.Origin.URL(id, p))
	return rule, id, ok
}

// notFound is never cached: the package may be installed a moment later.
func (h *Handler) notFound(w http.ResponseWriter, r *http.Request) {
	hdr := w.Header()
	hdr.Set("Cache-Control", "no-store")
	body, ctype := h.notFoundPage, h.notFoundType
	if body == nil {
		body, ctype = []byte("404 page not found"), "text/plain; charset=utf-8"
	}
	hdr.Set("Content-Type", ctype)
	hdr.Set("Content-Length", strconv.Itoa(len(body)))
	hdr.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusNotFound)
	if r.Method != http.MethodHead {
		_, _ = w.Write(body)
	}
}
