package handlers

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/DEVXIX/dev-ssh-sub000/internal/audit"
	"github.com/DEVXIX/dev-ssh-sub000/internal/directory"
	"github.com/DEVXIX/dev-ssh-sub000/internal/logutil"
	"github.com/DEVXIX/dev-ssh-sub000/internal/middleware"
	"github.com/DEVXIX/dev-ssh-sub000/internal/sessions"
	"github.com/go-chi/chi/v5"
)

type createSessionRequest struct {
	ConnectionID string `json:"connectionId"`
}

type createSessionResponse struct {
	Success   bool   `json:"success"`
	SessionID string `json:"sessionId,omitempty"`
	Error     string `json:"error,omitempty"`
}

func CreateSession(w http.ResponseWriter, r *http.Request) {
	if Registry == nil {
		writeError(w, http.StatusServiceUnavailable, "Session registry not initialized")
		return
	}
	var req createSessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ConnectionID == "" {
		writeError(w, http.StatusBadRequest, "connectionId is required")
		return
	}

	user := middleware.GetUser(r)
	creds, err := LookupCredentials(user, req.ConnectionID)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, createSessionResponse{Error: "Connection not found"})
			return
		}
		log.Printf("Failed to load connection %s: %v", logutil.SanitizeForLog(req.ConnectionID), err)
		writeJSON(w, http.StatusInternalServerError, createSessionResponse{Error: "Failed to load connection"})
		return
	}

	s, err := Registry.Create(r.Context(), user, req.ConnectionID, creds)
	if err != nil {
		status := http.StatusInternalServerError
		var authErr *sessions.AuthenticationError
		if errors.As(err, &authErr) {
			status = http.StatusUnauthorized
		}
		writeJSON(w, status, createSessionResponse{Error: logutil.PublicMessage(err, Dev)})
		return
	}

	writeJSON(w, http.StatusOK, createSessionResponse{Success: true, SessionID: s.ID})
}

func ListSessions(w http.ResponseWriter, r *http.Request) {
	if Registry == nil {
		writeError(w, http.StatusServiceUnavailable, "Session registry not initialized")
		return
	}
	writeJSON(w, http.StatusOK, Registry.List(middleware.GetUser(r)))
}

func GetSession(w http.ResponseWriter, r *http.Request) {
	s, ok := sessionFor(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.Status())
}

func DeleteSession(w http.ResponseWriter, r *http.Request) {
	s, ok := sessionFor(w, r)
	if !ok {
		return
	}
	Registry.Destroy(s.ID)
	w.WriteHeader(http.StatusNoContent)
}

// GetSessionEvents returns the audit trail of a session. It stays readable
// after the session is gone, scoped to the caller's own events.
func GetSessionEvents(w http.ResponseWriter, r *http.Request) {
	if Auditor == nil {
		writeError(w, http.StatusServiceUnavailable, "Audit log not initialized")
		return
	}
	q := r.URL.Query()
	opts := audit.QueryOptions{
		SessionID: chi.URLParam(r, "id"),
		OwnerID:   middleware.GetUser(r),
		Type:      q.Get("type"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		opts.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid offset")
			return
		}
		opts.Offset = n
	}
	if v := q.Get("since"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid since timestamp")
			return
		}
		opts.Since = &ts
	}

	res, err := Auditor.Query(opts)
	if err != nil {
		log.Printf("Failed to query session events: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to query session events")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func ListConnections(w http.ResponseWriter, r *http.Request) {
	entries, err := ListDirectory(middleware.GetUser(r))
	if err != nil {
		log.Printf("Failed to list connections: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to list connections")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}
