package sitehandler

import (
	"mime"
	"strings"
)

func cacheControlFor(mediaType string, o *Options) string {
	mt, _, err := mime.ParseMediaType(mediaType)
	if err != nil {
		// unparseable types are treated like documents
		return o.HTMLCacheControl
	}
	switch {
	case mt == "text/html", mt == "application/xhtml+xml":
		return o.HTMLCacheControl
	// static asset types
	case mt == "text/css",
		mt == "application/javascript", mt == "text/javascript",
		mt == "application/wasm",
		strings.HasPrefix(mt, "image/"),
		strings.HasPrefix(mt, "font/"),
		strings.HasPrefix(mt, "audio/"),
		strings.HasPrefix(mt, "video/"):
		return o.AssetCacheControl
	default:
		return o.OtherCacheControl
	}
}
