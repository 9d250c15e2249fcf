package handlers

import (
	"errors"
	"io/fs"
	"log"
	"net/http"
	"strconv"

	"github.com/DEVXIX/dev-ssh-sub000/internal/logutil"
	"github.com/DEVXIX/dev-ssh-sub000/internal/remote"
	"github.com/DEVXIX/dev-ssh-sub000/internal/sessions"
	"github.com/DEVXIX/dev-ssh-sub000/internal/sshfiles"
)

type writeFileRequest struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type renameRequest struct {
	OldPath string `json:"oldPath"`
	NewPath string `json:"newPath"`
}

type mkdirRequest struct {
	Path string `json:"path"`
}

// fileSession resolves the session of a file request.
func fileSession(w http.ResponseWriter, r *http.Request) (*sessions.Session, bool) {
	if Files == nil {
		writeError(w, http.StatusServiceUnavailable, "File manager not initialized")
		return nil, false
	}
	return sessionFor(w, r)
}

// writeFileError maps a failed file operation onto an HTTP status.
func writeFileError(w http.ResponseWriter, s *sessions.Session, err error) {
	switch {
	case errors.Is(err, sshfiles.ErrInvalidPath):
		writeError(w, http.StatusBadRequest, "Invalid path")
	case errors.Is(err, sshfiles.ErrTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, "File too large")
	case errors.Is(err, remote.ErrUnsupported):
		writeError(w, http.StatusBadRequest, "File operations are not supported on this session")
	case errors.Is(err, sessions.ErrNotFound):
		writeError(w, http.StatusNotFound, "Session not found")
	case errors.Is(err, fs.ErrNotExist):
		writeError(w, http.StatusNotFound, logutil.PublicMessage(err, Dev))
	case errors.Is(err, fs.ErrPermission):
		writeError(w, http.StatusForbidden, logutil.PublicMessage(err, Dev))
	default:
		log.Printf("[sshfiles] session %s: %s", s.ID, logutil.SanitizeForLog(err.Error()))
		writeError(w, http.StatusBadGateway, logutil.PublicMessage(err, Dev))
	}
}

func ListFiles(w http.ResponseWriter, r *http.Request) {
	s, ok := fileSession(w, r)
	if !ok {
		return
	}
	p := r.URL.Query().Get("path")
	if p == "" {
		p = "/"
	}
	entries, err := Files.List(r.Context(), s, p)
	if err != nil {
		writeFileError(w, s, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"path":    p,
		"entries": entries,
	})
}

func ReadFile(w http.ResponseWriter, r *http.Request) {
	s, ok := fileSession(w, r)
	if !ok {
		return
	}
	p := r.URL.Query().Get("path")
	content, err := Files.ReadFile(r.Context(), s, p)
	if err != nil {
		writeFileError(w, s, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"path":    p,
		"content": content,
	})
}

func WriteFile(w http.ResponseWriter, r *http.Request) {
	s, ok := fileSession(w, r)
	if !ok {
		return
	}
	var req writeFileRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := Files.WriteFile(r.Context(), s, req.Path, req.Content); err != nil {
		writeFileError(w, s, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func DeleteFile(w http.ResponseWriter, r *http.Request) {
	s, ok := fileSession(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	isDir := false
	if v := q.Get("directory"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid directory flag")
			return
		}
		isDir = b
	}
	if err := Files.Delete(r.Context(), s, q.Get("path"), isDir); err != nil {
		writeFileError(w, s, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func RenameFile(w http.ResponseWriter, r *http.Request) {
	s, ok := fileSession(w, r)
	if !ok {
		return
	}
	var req renameRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := Files.Rename(r.Context(), s, req.OldPath, req.NewPath); err != nil {
		writeFileError(w, s, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func CreateDirectory(w http.ResponseWriter, r *http.Request) {
	s, ok := fileSession(w, r)
	if !ok {
		return
	}
	var req mkdirRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := Files.Mkdir(r.Context(), s, req.Path); err != nil {
		writeFileError(w, s, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
