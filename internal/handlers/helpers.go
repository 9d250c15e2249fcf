package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/DEVXIX/dev-ssh-sub000/internal/audit"
	"github.com/DEVXIX/dev-ssh-sub000/internal/directory"
	"github.com/DEVXIX/dev-ssh-sub000/internal/guac"
	"github.com/DEVXIX/dev-ssh-sub000/internal/middleware"
	"github.com/DEVXIX/dev-ssh-sub000/internal/sessions"
	"github.com/DEVXIX/dev-ssh-sub000/internal/sshfiles"
	"github.com/DEVXIX/dev-ssh-sub000/internal/sshterminal"
	"github.com/go-chi/chi/v5"
)

// Components wired by main.
var (
	Registry *sessions.Registry
	Files    *sshfiles.Manager
	Terminal *sshterminal.Relay
	Display  *guac.Relay
	Auditor  *audit.Auditor

	// Dev exposes raw backend errors to clients.
	Dev bool

	// AllowedOrigins lists extra host patterns accepted on WebSocket upgrades.
	AllowedOrigins []string

	LookupCredentials = directory.Lookup
	ListDirectory     = directory.List
)

// maxBodySize bounds JSON request bodies. File content travels in the body,
// so it leaves room above the default read limit.
const maxBodySize = 16 << 20

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// sessionFor resolves the {id} route parameter to a session owned by the
// caller. Sessions of other users are reported as not found.
func sessionFor(w http.ResponseWriter, r *http.Request) (*sessions.Session, bool) {
	if Registry == nil {
		writeError(w, http.StatusServiceUnavailable, "Session registry not initialized")
		return nil, false
	}
	s, err := Registry.LookupOwned(chi.URLParam(r, "id"), middleware.GetUser(r))
	if err != nil {
		if errors.Is(err, sessions.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Session not found")
		} else {
			writeError(w, http.StatusInternalServerError, "Session lookup failed")
		}
		return nil, false
	}
	return s, true
}
