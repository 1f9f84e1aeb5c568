package server

import (
	"net/http"
	"strings"
)

// NormalizeBasePath ensures the base path starts and ends with '/'.
func NormalizeBasePath(basePath string) string {
	basePath = strings.TrimSpace(basePath)
	if basePath == "" || basePath == "." {
		return "/"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if !strings.HasSuffix(basePath, "/") {
		basePath = basePath + "/"
	}
	return basePath
}

// PublicPathHandler mounts the static site under the front-end's public
// path. Requests below it reach inner with the public path stripped; the
// bare path without its trailing slash is redirected; anything else is 404.
type PublicPathHandler struct {
	publicPath string
	inner      http.Handler
}

// NewPublicPathHandler wraps inner. A public path of "/" returns inner
// unchanged.
func NewPublicPathHandler(publicPath string, inner http.Handler) http.Handler {
	pp := NormalizeBasePath(publicPath)
	if pp == "/" {
		return inner
	}
	return &PublicPathHandler{
		publicPath: pp,
		inner:      inner,
	}
}

func (h *PublicPathHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path+"/" == h.publicPath {
		target := h.publicPath
		if r.URL.RawQuery != "" {
			target += "?" + r.URL.RawQuery
		}
		http.Redirect(w, r, target, http.StatusMovedPermanently)
		return
	}

	rest, ok := strings.CutPrefix(r.URL.Path, h.publicPath)
	if !ok {
		http.NotFound(w, r)
		return
	}
	r2 := r.Clone(r.Context())
	r2.URL.Path = "/" + rest
	r2.URL.RawPath = ""
	h.inner.ServeHTTP(w, r2)
}
