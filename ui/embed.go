// Package ui provides the embedded web UI for the dashboard.
package ui

import (
	"embed"
	"io/fs"
	"net/http"
	"strings"
)

//go:embed static/*
var static embed.FS

// Handler returns an http.Handler that serves the embedded web UI.
// Unknown non-asset paths fall back to index.html for client-side routing.
func Handler() http.Handler {
	fsys, err := fs.Sub(static, "static")
	if err != nil {
		panic("failed to get static subdirectory: " + err.Error())
	}

	fileServer := http.FileServer(http.FS(fsys))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		filePath := strings.TrimPrefix(r.URL.Path, "/")
		if filePath == "" {
			filePath = "index.html"
		}

		if _, err := fs.Stat(fsys, filePath); err == nil {
			fileServer.ServeHTTP(w, r)
			return
		}

		if !isAssetPath(r.URL.Path) {
			r.URL.Path = "/"
			fileServer.ServeHTTP(w, r)
			return
		}

		http.NotFound(w, r)
	})
}

// isAssetPath returns true if the path appears to be a static asset.
func isAssetPath(path string) bool {
	assetExtensions := []string{
		".js", ".css", ".json", ".map",
		".png", ".jpg", ".svg", ".webp", ".ico",
		".woff", ".woff2", ".ttf",
	}
	for _, ext := range assetExtensions {
		if strings.HasSuffix(path, ext) {
			return true
		}
	}
	return false
}
