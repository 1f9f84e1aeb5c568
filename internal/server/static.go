package server

import (
	"io/fs"
	"net/http"
	"path"
	"strings"
)

// StaticHandler serves the built front-end and falls back to index.html for
// history-mode routes. Only GET/HEAD navigations without a file extension
// fall back; a missing asset such as /app.js stays a 404.
type StaticHandler struct {
	fileServer http.Handler
	filesystem fs.FS
}

// NewStaticHandler serves files from fsys, typically os.DirFS(staticDir).
func NewStaticHandler(fsys fs.FS) *StaticHandler {
	return &StaticHandler{
		fileServer: http.FileServer(http.FS(fsys)),
		filesystem: fsys,
	}
}

func (h *StaticHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	urlPath := r.URL.Path
	if urlPath == "/" {
		h.fileServer.ServeHTTP(w, r)
		return
	}

	name := strings.TrimPrefix(path.Clean(urlPath), "/")
	if _, err := fs.Stat(h.filesystem, name); err == nil {
		h.fileServer.ServeHTTP(w, r)
		return
	}

	if !wantsHistoryFallback(r) {
		http.NotFound(w, r)
		return
	}

	r2 := r.Clone(r.Context())
	r2.URL.Path = "/"
	h.fileServer.ServeHTTP(w, r2)
}

func wantsHistoryFallback(r *http.Request) bool {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return false
	}
	if path.Ext(r.URL.Path) != "" {
		return false
	}
	accept := r.Header.Get("Accept")
	return accept == "" || strings.Contains(accept, "text/html") || strings.Contains(accept, "*/*")
}
