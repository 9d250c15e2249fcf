package middleware

import (
	"bytes"
	"io/fs"
	"net/http"
	"path"
	"strings"
	"time"
)

// GatewayRoutes are the path prefixes owned by the gateway's own handlers.
// The web client never answers for them.
var GatewayRoutes = []string{"/api/", "/ws/", "/health", "/metrics"}

// SPAHandler serves the web client. Paths that match a file are served as
// is; other extension-less paths get index.html so the client's router can
// resolve session and connection views.
type SPAHandler struct {
	fsys     fs.FS
	index    []byte
	indexMod time.Time
	reserved []string
}

// NewSPAHandler serves fsys. Requests under one of reserved are answered
// with 404 so API and relay clients never receive HTML.
func NewSPAHandler(fsys fs.FS, reserved ...string) *SPAHandler {
	h := &SPAHandler{fsys: fsys, reserved: reserved}
	if index, err := fs.ReadFile(fsys, "index.html"); err == nil {
		h.index = index
		if st, err := fs.Stat(fsys, "index.html"); err == nil {
			h.indexMod = st.ModTime()
		}
	}
	return h
}

func (h *SPAHandler) isReserved(p string) bool {
	for _, prefix := range h.reserved {
		if p == strings.TrimSuffix(prefix, "/") || strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

func (h *SPAHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.NotFound(w, r)
		return
	}
	if h.isReserved(r.URL.Path) {
		http.NotFound(w, r)
		return
	}

	name := strings.TrimPrefix(path.Clean(r.URL.Path), "/")
	if name != "" && name != "index.html" {
		if st, err := fs.Stat(h.fsys, name); err == nil && !st.IsDir() {
			http.ServeFileFS(w, r, h.fsys, name)
			return
		}
		// A missing asset is a 404, not the client shell.
		if path.Ext(name) != "" {
			http.NotFound(w, r)
			return
		}
	}

	if h.index == nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	http.ServeContent(w, r, "index.html", h.indexMod, bytes.NewReader(h.index))
}
