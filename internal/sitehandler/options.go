package sitehandler

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/keithlinneman/capserve/internal/log"
	"github.com/keithlinneman/capserve/internal/origin"
	"github.com/keithlinneman/capserve/internal/rulesink"
)

var ErrInvalidOptions = errors.New("sitehandler: invalid options")

// RuleLookup finds the installed rule for an absolute synthetic URL.
// rulesink.Sink implements it.
type RuleLookup interface {
	Lookup(url string) (rulesink.Rule, bool)
}

type Options struct {
	Logger log.Logger
	// Installed redirect rules
	Rules RuleLookup
	// Origin naming used to rebuild the rule URL from Host + path
	Origin origin.Origin
	// fallback FS (themed 404 page)
	FallbackFS fs.FS

	// Fallback404File is read from FallbackFS. default: "404.html"
	Fallback404File string

	// Cache policies applied by media type.
	HTMLCacheControl  string // default: "no-cache"
	AssetCacheControl string // default: "private, max-age=300"
	OtherCacheControl string // default: "private, max-age=60"

	// ContentSecurityPolicy replaces the API policy on package responses so
	// inline markup inside packages keeps working.
	ContentSecurityPolicy string
}

const defaultPackageCSP = "default-src 'self' data:; script-src 'self' 'unsafe-inline'; style-src 'self' 'unsafe-inline'; img-src 'self' data:; font-src 'self' data:; media-src 'self' data:; connect-src 'none'; base-uri 'self'; form-action 'none'; frame-ancestors 'none'; object-src 'none'"

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = log.Nop()
	}
	if o.Origin == (origin.Origin{}) {
		o.Origin = origin.Default()
	}
	if o.Fallback404File == "" {
		o.Fallback404File = "404.html"
	}
	if o.HTMLCacheControl == "" {
		o.HTMLCacheControl = "no-cache"
	}
	if o.AssetCacheControl == "" {
		o.AssetCacheControl = "private, max-age=300"
	}
	if o.OtherCacheControl == "" {
		o.OtherCacheControl = "private, max-age=60"
	}
	if o.ContentSecurityPolicy == "" {
		o.ContentSecurityPolicy = defaultPackageCSP
	}
}

func (o *Options) validate() error {
	if o.Rules == nil {
		return fmt.Errorf("%w: Rules is nil", ErrInvalidOptions)
	}
	if o.FallbackFS == nil {
		return fmt.Errorf("%w: FallbackFS is nil", ErrInvalidOptions)
	}
	// Fallback 404 is optional; we degrade to plain text if missing.
	return nil
}
