package packagehttp

import (
	"time"

	"github.com/keithlinneman/capserve/internal/content"
	"github.com/keithlinneman/capserve/internal/install"
)

// PackageResponse describes one live package.
type PackageResponse struct {
	ID        string           `json:"id"`
	Origin    string           `json:"origin"`
	Name      string           `json:"name,omitempty"`
	Version   string           `json:"version,omitempty"`
	Metadata  content.Metadata `json:"metadata,omitempty"`
	Routes    []RouteInfo      `json:"routes"`
	Files     int              `json:"files"`
	RuleIDs   []int64          `json:"ruleIds"`
	CreatedAt time.Time        `json:"createdAt"`
	ExpiresAt time.Time        `json:"expiresAt"`
}

// RouteInfo is one published route and the synthetic URL that serves it.
type RouteInfo struct {
	Path string `json:"path"`
	URL  string `json:"url"`
	File string `json:"file"`
}

type ListResponse struct {
	Packages []PackageResponse `json:"packages"`
	Count    int               `json:"count"`
}

// ErrorResponse is the body of every non-2xx API answer.
type ErrorResponse struct {
	Error  string `json:"error"`
	Result string `json:"result,omitempty"`
	// set for missing content and unresolved routes
	File string `json:"file,omitempty"`
	Path string `json:"path,omitempty"`
}

func toResponse(inst *install.Installed) PackageResponse {
	pkg := inst.Package
	routes := make([]RouteInfo, 0, len(pkg.Routes))
	for _, r := range pkg.Routes {
		routes = append(routes, RouteInfo{
			Path: r.Path,
			URL:  inst.Origin + r.Path,
			File: r.Target.File,
		})
	}
	ruleIDs := inst.RuleIDs
	if ruleIDs == nil {
		ruleIDs = []int64{}
	}
	return PackageResponse{
		ID:        pkg.ID,
		Origin:    inst.Origin,
		Name:      pkg.Metadata.Name(),
		Version:   pkg.Metadata.Version(),
		Metadata:  pkg.Metadata,
		Routes:    routes,
		Files:     len(pkg.ContentKeys),
		RuleIDs:   ruleIDs,
		CreatedAt: pkg.CreatedAt,
		ExpiresAt: inst.ExpiresAt,
	}
}
