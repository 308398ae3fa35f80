// Package web bundles the static listener player page served at the site
// root.
package web

import (
	"embed"
	"io/fs"
)

//go:embed static/*
var staticFiles embed.FS

// Static returns a filesystem rooted at the bundled player assets.
func Static() (fs.FS, error) {
	return fs.Sub(staticFiles, "static")
}
