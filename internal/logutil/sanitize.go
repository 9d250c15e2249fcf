package logutil

import (
	"context"
	"errors"
	"io/fs"
	"net"
	"os"
	"strings"
	"syscall"
)

// SanitizeForLog removes newlines and control characters from user-provided
// strings so a crafted path or session id cannot forge log entries.
func SanitizeForLog(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\t", " ")
	var result strings.Builder
	result.Grow(len(s))
	for _, r := range s {
		if r >= 32 {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// Generic categories returned to untrusted callers.
const (
	MsgConnectionRefused = "connection refused"
	MsgTimeout           = "connection timed out"
	MsgAuthFailed        = "authentication failed"
	MsgUnreachable       = "host unreachable"
	MsgNotFound          = "not found"
	MsgPermissionDenied  = "permission denied"
	MsgInternal          = "operation failed"
)

// PublicMessage converts err into a message safe for an untrusted client.
// With dev set the raw error text is returned unchanged.
func PublicMessage(err error, dev bool) string {
	if err == nil {
		return ""
	}
	if dev {
		return SanitizeForLog(err.Error())
	}
	return Categorize(err)
}

// Categorize collapses an error into one of the generic categories.
func Categorize(err error) string {
	var netErr net.Error
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return MsgConnectionRefused
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return MsgTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		return MsgTimeout
	case errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.ENETUNREACH):
		return MsgUnreachable
	case errors.Is(err, fs.ErrNotExist):
		return MsgNotFound
	case errors.Is(err, fs.ErrPermission):
		return MsgPermissionDenied
	}

	// Fall back to message inspection for errors that cross a protocol
	// boundary (ssh, sftp, guacd) and lose their concrete type.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"):
		return MsgConnectionRefused
	case strings.Contains(msg, "timed out"), strings.Contains(msg, "timeout"):
		return MsgTimeout
	case strings.Contains(msg, "unable to authenticate"), strings.Contains(msg, "authentication"),
		strings.Contains(msg, "handshake failed"):
		return MsgAuthFailed
	case strings.Contains(msg, "no route to host"), strings.Contains(msg, "unreachable"),
		strings.Contains(msg, "no such host"):
		return MsgUnreachable
	case strings.Contains(msg, "not found"), strings.Contains(msg, "does not exist"),
		strings.Contains(msg, "no such file"):
		return MsgNotFound
	case strings.Contains(msg, "permission denied"):
		return MsgPermissionDenied
	}
	return MsgInternal
}
