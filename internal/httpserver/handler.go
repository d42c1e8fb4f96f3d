package httpserver

import (
	"net/http"
	"path"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/capserve/internal/health"
	"github.com/keithlinneman/capserve/internal/httpmw"
	"github.com/keithlinneman/capserve/internal/log"
)

const (
	defaultAPIMaxBody = 1024
	// nothing on a package host reads a body
	siteMaxBody = 1024
)

// compressible lists the response types gzip/deflate is applied to.
var compressible = []string{
	"text/html",
	"text/css",
	"text/javascript",
	"application/javascript",
	"application/json",
	"image/svg+xml",
	"image/x-icon",
}

// untraced asset extensions; documents and API calls get spans
var untracedExt = map[string]bool{
	".css": true, ".js": true, ".mjs": true, ".map": true,
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true, ".svg": true, ".ico": true,
	".woff": true, ".woff2": true,
}

// NewHandler assembles the public handler: package origin hosts go to a
// "/*" site router, every other host to the API router, and both sit
// behind the shared middleware stack. Start owns the *http.Server; main
// only needs this for tests and embedding.
func NewHandler(opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultAPIMaxBody
	}

	api := apiRouter(opts)
	var core http.Handler = api
	if opts.SiteHandler != nil && opts.Packages != nil {
		core = hostDispatch(opts.Packages, siteRouter(opts.SiteHandler), api)
	}

	var recoverMW, packageHeaders func(http.Handler) http.Handler
	if opts.UseRecoverMW {
		recoverMW = httpmw.Recover(opts.Logger, opts.OnPanic)
	}
	if opts.Packages != nil {
		packageHeaders = httpmw.PackageHeaders(opts.Packages)
	}

	// outermost first; nil entries are skipped
	return httpmw.Chain(core,
		httpmw.SecurityHeaders, // on every response, including panics
		recoverMW,
		httpmw.RequestID("X-Request-Id"),
		httpmw.ClientIPWithOptions(opts.ClientIPOpts), // before anything keyed on the client address
		opts.RateLimitMW,
		traced,
		packageHeaders,
		httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id"),
		opts.MetricsMW,
		httpmw.WithLogger(opts.Logger, opts.Packages), // innermost so it sees trace ids
	)
}

func apiRouter(opts Options) chi.Router {
	r := chi.NewRouter()
	useCommon(r, opts.MaxBodyBytes)

	if opts.Health != nil {
		r.Get("/-/healthy", health.HealthzHandler(opts.Health))
	}
	if opts.Readiness != nil {
		r.Get("/-/ready", health.ReadyzHandler(opts.Readiness))
	}
	if opts.APIRoutes != nil {
		opts.APIRoutes(r)
	}
	// unknown API paths get the themed 404 from the site handler
	if opts.SiteHandler != nil {
		r.NotFound(opts.SiteHandler.ServeHTTP)
		r.MethodNotAllowed(opts.SiteHandler.ServeHTTP)
	}
	return r
}

// siteRouter has a single "/*" route so metrics and spans see one route
// for every package path.
func siteRouter(site http.Handler) chi.Router {
	r := chi.NewRouter()
	useCommon(r, siteMaxBody)
	r.Use(httpmw.Scope("site"))
	r.Handle("/*", site)
	return r
}

func useCommon(r chi.Router, maxBody int64) {
	r.Use(middleware.Compress(5, compressible...))
	r.Use(httpmw.AnnotateHTTPRoute)
	r.Use(httpmw.AccessLog(func(r *http.Request) bool { return !shouldTrace(r.URL.Path) }))
	r.Use(httpmw.MaxBody(maxBody))
}

func traced(next http.Handler) http.Handler {
	return otelhttp.NewHandler(next, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool { return shouldTrace(r.URL.Path) }),
		// renamed to the route pattern by AnnotateHTTPRoute once matched
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string { return r.Method + " " + r.URL.Path }),
		// callers are untrusted; their trace context becomes a link, not a parent
		otelhttp.WithPublicEndpointFn(func(*http.Request) bool { return true }),
	)
}

// hostDispatch sends package origin hosts to site and everything else to api.
func hostDispatch(res httpmw.PackageResolver, site, api http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := res.PackageID(r.Host); ok {
			site.ServeHTTP(w, r)
			return
		}
		api.ServeHTTP(w, r)
	})
}

// shouldTrace skips probes, browser housekeeping and static assets.
func shouldTrace(p string) bool {
	switch p {
	case "/-/healthy", "/-/ready", "/favicon.ico", "/favicon.svg", "/robots.txt":
		return false
	}
	return !untracedExt[strings.ToLower(path.Ext(p))]
}
