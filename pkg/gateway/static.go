package gateway

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// serveStatic is the catch-all: any path not starting with /api/ is
// public and serves the SPA, falling back to index.html for client-side
// routes, unless path traversal is detected.
func (g *Gateway) serveStatic(w http.ResponseWriter, r *http.Request) {
	if g.cfg.StaticDir == "" {
		http.NotFound(w, r)
		return
	}

	if strings.Contains(r.URL.Path, "..") {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	requested := filepath.Join(g.cfg.StaticDir, filepath.Clean(r.URL.Path))
	if !strings.HasPrefix(requested, filepath.Clean(g.cfg.StaticDir)+string(filepath.Separator)) && requested != filepath.Clean(g.cfg.StaticDir) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	if info, err := os.Stat(requested); err == nil && !info.IsDir() {
		http.ServeFile(w, r, requested)
		return
	}
	http.ServeFile(w, r, filepath.Join(g.cfg.StaticDir, "index.html"))
}
