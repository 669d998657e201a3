package web

import (
	"embed"
	"io/fs"
)

//go:embed static/*
var staticFiles embed.FS

// dashboardFS returns the embedded dashboard rooted at static/.
func dashboardFS() (fs.FS, error) {
	return fs.Sub(staticFiles, "static")
}
