// Package webassets embeds the pages served when no package route matches.
package webassets

import (
	"embed"
	"io/fs"
)

// NotFoundPage is the themed 404 document inside FallbackFS.
const NotFoundPage = "404.html"

//go:embed fallback
var embedded embed.FS

var fallback = mustSub(embedded, "fallback")

func mustSub(fsys fs.FS, dir string) fs.FS {
	sub, err := fs.Sub(fsys, dir)
	if err != nil {
		panic("webassets: " + err.Error())
	}
	return sub
}

// FallbackFS is rooted at fallback/.
func FallbackFS() fs.FS { return fallback }
