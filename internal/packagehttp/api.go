// Package packagehttp is the JSON API for installing and inspecting packages.
package packagehttp

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"

	"github.com/keithlinneman/capserve/internal/content"
	"github.com/keithlinneman/capserve/internal/httpmw"
	"github.com/keithlinneman/capserve/internal/install"
	"github.com/keithlinneman/capserve/internal/log"
)

// DefaultMaxArchiveBytes applies when Options.MaxArchiveBytes is zero.
const DefaultMaxArchiveBytes int64 = 50 << 20

// Installer is implemented by install.Service.
type Installer interface {
	Install(ctx context.Context, archive []byte) (*install.Installed, error)
	Get(ctx context.Context, packageID string) (*install.Installed, error)
	List(ctx context.Context) ([]*install.Installed, error)
}

type Options struct {
	Logger    log.Logger
	Installer Installer

	MaxArchiveBytes int64

	// InstallMW wraps only the install route (rate limiting).
	InstallMW []func(http.Handler) http.Handler
}

// API implements the package endpoints
type API struct {
	svc       Installer
	logger    log.Logger
	maxBytes  int64
	installMW []func(http.Handler) http.Handler
}

func NewAPI(opts Options) (*API, error) {
	if opts.Installer == nil {
		return nil, errors.New("packagehttp: Installer is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.MaxArchiveBytes <= 0 {
		opts.MaxArchiveBytes = DefaultMaxArchiveBytes
	}
	return &API{
		svc:       opts.Installer,
		logger:    opts.Logger,
		maxBytes:  opts.MaxArchiveBytes,
		installMW: opts.InstallMW,
	}, nil
}

// RegisterRoutes attaches the package endpoints to the router
func (api *API) RegisterRoutes(r chi.Router) {
	r.Method(http.MethodGet, "/api/packages", httpmw.Chain(
		http.HandlerFunc(api.HandleList), httpmw.Scope("packages.list"),
	))
	r.Method(http.MethodGet, "/api/packages/{id}", httpmw.Chain(
		http.HandlerFunc(api.HandleGet), httpmw.Scope("packages.get"),
	))

	// install middleware runs before the handler scope is attached
	mws := make([]func(http.Handler) http.Handler, 0, len(api.installMW)+1)
	mws = append(mws, api.installMW...)
	mws = append(mws, httpmw.Scope("packages.install"))
	r.Method(http.MethodPost, "/api/packages", httpmw.Chain(http.HandlerFunc(api.HandleInstall), mws...))
}

// HandleInstall stores and publishes one uploaded archive.
func (api *API) HandleInstall(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	archive, err := readArchive(r, api.maxBytes)
	if err != nil {
		api.writeError(ctx, w, err)
		return
	}

	inst, err := api.svc.Install(ctx, archive)
	if err != nil {
		api.writeError(ctx, w, err)
		return
	}

	w.Header().Set("Location", "/api/packages/"+inst.Package.ID)
	api.writeJSON(ctx, w, http.StatusCreated, toResponse(inst))
}

func (api *API) HandleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	inst, err := api.svc.Get(ctx, id)
	if err != nil {
		api.writeError(ctx, w, err)
		return
	}
	api.writeJSON(ctx, w, http.StatusOK, toResponse(inst))
}

func (api *API) HandleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	all, err := api.svc.List(ctx)
	if err != nil {
		api.writeError(ctx, w, err)
		return
	}
	resp := ListResponse{Packages: make([]PackageResponse, 0, len(all)), Count: len(all)}
	for _, inst := range all {
		resp.Packages = append(resp.Packages, toResponse(inst))
	}
	api.writeJSON(ctx, w, http.StatusOK, resp)
}

// statusFor maps install and lookup errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, content.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, content.ErrArchiveTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, errNoArchive), errors.Is(err, errUnsupportedFile):
		return http.StatusBadRequest
	case errors.Is(err, content.ErrRewriteTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, content.ErrSandboxFailure):
		return http.StatusBadGateway
	case errors.Is(err, content.ErrMissingContent), errors.Is(err, content.ErrMalformedPackage):
		return http.StatusUnprocessableEntity
	case errors.Is(err, content.ErrUnresolvedRoute):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (api *API) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	status := statusFor(err)
	resp := ErrorResponse{Error: err.Error()}

	switch status {
	case http.StatusNotFound:
		resp.Error = "package not found"
	case http.StatusBadRequest:
	default:
		resp.Result = install.Result(err)
	}

	var mce *content.MissingContentError
	if errors.As(err, &mce) {
		resp.File = mce.File
	}
	var ure *content.UnresolvedRouteError
	if errors.As(err, &ure) {
		resp.Path = ure.Path
		resp.File = ure.File
	}

	if status >= http.StatusInternalServerError {
		api.logger.Error(ctx, err, "package request failed", "status", status)
		// store internals stay in the log
		if status == http.StatusInternalServerError {
			resp.Error = http.StatusText(status)
		}
	}
	api.writeJSON(ctx, w, status, resp)
}

func (api *API) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		api.logger.Warn(ctx, "failed to encode JSON response", "error", err)
	}
}
