package content

import (
	"time"
)

// Descriptor file names at the archive root.
const (
	MetadataFile = "metadata.json"
	ManifestFile = "manifest.json"
	RoutesFile   = "routes.json"
	ContentDir   = "content"
)

// Metadata is the free-form metadata.json object. It is stored and
// returned as-is; only name and version are read.
type Metadata map[string]any

func (m Metadata) Name() string    { return m.str("name") }
func (m Metadata) Version() string { return m.str("version") }

func (m Metadata) str(key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

type ManifestEntry struct {
	File string `json:"file"`
	Mime string `json:"mime"`
}

type manifestDoc struct {
	Content []ManifestEntry `json:"content"`
}

type Target struct {
	File string `json:"file"`
}

type Route struct {
	Path   string `json:"path"`
	Target Target `json:"target"`
}

type routesDoc struct {
	Routes []Route `json:"routes"`
}

// Package is the stored record of one installed package.
type Package struct {
	ID          string          `json:"id"`
	Metadata    Metadata        `json:"metadata"`
	Manifest    []ManifestEntry `json:"manifest"`
	Routes      []Route         `json:"routes"`
	ContentKeys []string        `json:"contentKeys"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// Item is one stored file of a package. Text holds raw bytes, which may
// be binary for images and fonts.
type Item struct {
	PackageID string
	File      string
	MediaType string
	Text      string
}

// IndexEntry is one row of the retention index.
type IndexEntry struct {
	PackageID string    `json:"packageId"`
	CreatedAt time.Time `json:"createdAt"`
}

// Age reports how long ago the entry was created relative to now.
func (e IndexEntry) Age(now time.Time) time.Duration {
	return now.Sub(e.CreatedAt)
}
