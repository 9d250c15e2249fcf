// Package sshfiles implements file operations on a session's side channel.
//
// The side channel is an SFTP subsystem opened lazily on the session's SSH
// connection and cached on the session. Concurrent first requests share a
// single open; afterwards every operation holds the session's side-channel
// lock, so requests on one session run in program order while different
// sessions proceed independently.
//
// Operations:
//   - [Manager.List]: directory entries with type, octal permissions, size,
//     RFC 3339 modification time and numeric owner.
//   - [Manager.ReadFile]: full file content as text, bounded by MaxReadSize.
//   - [Manager.WriteFile]: create or truncate, then write.
//   - [Manager.Delete]: file or directory removal selected by the caller.
//   - [Manager.Rename], [Manager.Mkdir].
//
// Every failure is a *ChannelError scoped to the one operation.
package sshfiles

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path"
	"strconv"
	"time"

	"github.com/DEVXIX/dev-ssh-sub000/internal/logutil"
	"github.com/DEVXIX/dev-ssh-sub000/internal/sessions"
	units "github.com/docker/go-units"
	"github.com/pkg/sftp"
	"golang.org/x/sync/singleflight"
)

// DefaultMaxReadSize bounds ReadFile.
const DefaultMaxReadSize = 10 * 1024 * 1024

// DefaultOpenTimeout bounds a shared side-channel open.
const DefaultOpenTimeout = 30 * time.Second

var (
	// ErrInvalidPath is returned for empty or malformed paths.
	ErrInvalidPath = errors.New("invalid path")
	// ErrTooLarge is returned when a file exceeds MaxReadSize.
	ErrTooLarge = errors.New("file too large")
)

// ChannelError is a failed file operation.
type ChannelError struct {
	Op   string
	Path string
	Err  error
}

func (e *ChannelError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

// Entry is one item of a directory listing.
type Entry struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	Type        string `json:"type"`
	Permissions string `json:"permissions"`
	Size        int64  `json:"size"`
	ModifiedAt  string `json:"modifiedAt"`
	UID         uint32 `json:"uid"`
	GID         uint32 `json:"gid"`
}

const (
	TypeFile      = "file"
	TypeDirectory = "directory"
	TypeSymlink   = "symlink"
)

// Manager dispatches file operations onto session side channels.
type Manager struct {
	// MaxReadSize bounds ReadFile. Zero selects DefaultMaxReadSize.
	MaxReadSize int64

	// OpenTimeout bounds one side-channel open. Zero selects
	// DefaultOpenTimeout.
	OpenTimeout time.Duration

	// Observe, if set, is called after every operation.
	Observe func(op string, elapsed time.Duration, err error)

	open  OpenFunc
	group singleflight.Group
}

// NewManager creates a Manager that opens side channels with open.
func NewManager(open OpenFunc, maxReadSize int64) *Manager {
	if open == nil {
		open = OpenSFTP
	}
	if maxReadSize <= 0 {
		maxReadSize = DefaultMaxReadSize
	}
	return &Manager{MaxReadSize: maxReadSize, open: open}
}

// sideChannel returns the session's cached channel or opens one. Concurrent
// callers for the same session share one open. The open is detached from the
// caller that started it; each caller stops waiting when its own ctx ends.
func (m *Manager) sideChannel(ctx context.Context, s *sessions.Session) (Channel, error) {
	if c, ok := s.SideChannel().(Channel); ok {
		return c, nil
	}

	timeout := m.OpenTimeout
	if timeout <= 0 {
		timeout = DefaultOpenTimeout
	}
	results := m.group.DoChan(s.ID, func() (any, error) {
		if c, ok := s.SideChannel().(Channel); ok {
			return c, nil
		}
		openCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		start := time.Now()
		c, err := m.open(openCtx, s)
		if err != nil {
			return nil, fmt.Errorf("open side channel: %w", err)
		}
		if err := s.AttachSideChannel(c); err != nil {
			c.Close()
			return nil, err
		}
		log.Printf("[sshfiles] session %s: side channel opened in %s", s.ID, time.Since(start))
		return c, nil
	})

	select {
	case res := <-results:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			log.Printf("[sshfiles] session %s: joined pending side-channel open", s.ID)
		}
		return res.Val.(Channel), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// run executes fn on the session's side channel while holding its lock.
func (m *Manager) run(ctx context.Context, s *sessions.Session, op, p string, fn func(Channel) error) (err error) {
	start := time.Now()
	if m.Observe != nil {
		defer func() { m.Observe(op, time.Since(start), err) }()
	}

	ch, err := m.sideChannel(ctx, s)
	if err != nil {
		return &ChannelError{Op: op, Path: p, Err: err}
	}

	unlock := s.LockSideChannel()
	defer unlock()
	s.Touch()

	if err := ctx.Err(); err != nil {
		return &ChannelError{Op: op, Path: p, Err: err}
	}
	if err := fn(ch); err != nil {
		if channelBroken(err) {
			log.Printf("[sshfiles] session %s: side channel lost during %s: %v", s.ID, op, err)
			s.DropSideChannel(ch)
		}
		return &ChannelError{Op: op, Path: p, Err: err}
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		log.Printf("[sshfiles] SLOW %s %s (%s)", op, logutil.SanitizeForLog(p), elapsed)
	}
	return nil
}

// normalizePath validates p and removes trailing and doubled separators.
func normalizePath(p string) (string, error) {
	if p == "" {
		return "", ErrInvalidPath
	}
	for i := 0; i < len(p); i++ {
		if p[i] == 0 {
			return "", ErrInvalidPath
		}
	}
	return path.Clean(p), nil
}

// childPath joins a normalized directory and an entry name.
func childPath(dir, name string) string {
	if dir == "/" {
		return "/" + name
	}
	return dir + "/" + name
}

// List returns the entries of the directory at p.
func (m *Manager) List(ctx context.Context, s *sessions.Session, p string) ([]Entry, error) {
	dir, err := normalizePath(p)
	if err != nil {
		return nil, &ChannelError{Op: "list", Path: p, Err: err}
	}

	var entries []Entry
	err = m.run(ctx, s, "list", dir, func(ch Channel) error {
		infos, err := ch.ReadDir(dir)
		if err != nil {
			return err
		}
		entries = make([]Entry, 0, len(infos))
		for _, fi := range infos {
			entries = append(entries, entryFromInfo(dir, fi))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Printf("[sshfiles] list %s: %d entries", logutil.SanitizeForLog(dir), len(entries))
	return entries, nil
}

func entryFromInfo(dir string, fi os.FileInfo) Entry {
	e := Entry{
		Name:        fi.Name(),
		Path:        childPath(dir, fi.Name()),
		Type:        fileType(fi.Mode()),
		Permissions: strconv.FormatUint(uint64(fi.Mode().Perm()), 8),
		Size:        fi.Size(),
		ModifiedAt:  fi.ModTime().UTC().Format(time.RFC3339),
	}
	if st, ok := fi.Sys().(*sftp.FileStat); ok {
		e.UID = st.UID
		e.GID = st.GID
	}
	return e
}

func fileType(mode os.FileMode) string {
	switch {
	case mode&os.ModeSymlink != 0:
		return TypeSymlink
	case mode.IsDir():
		return TypeDirectory
	}
	return TypeFile
}

// ReadFile returns the content of the file at p as text.
func (m *Manager) ReadFile(ctx context.Context, s *sessions.Session, p string) (string, error) {
	file, err := normalizePath(p)
	if err != nil {
		return "", &ChannelError{Op: "read", Path: p, Err: err}
	}

	var buf bytes.Buffer
	err = m.run(ctx, s, "read", file, func(ch Channel) error {
		f, err := ch.Open(file)
		if err != nil {
			return err
		}
		defer f.Close()
		n, err := io.Copy(&buf, io.LimitReader(f, m.MaxReadSize+1))
		if err != nil {
			return err
		}
		if n > m.MaxReadSize {
			return fmt.Errorf("%w: limit is %s", ErrTooLarge, units.BytesSize(float64(m.MaxReadSize)))
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	log.Printf("[sshfiles] read %s (%s)", logutil.SanitizeForLog(file), units.BytesSize(float64(buf.Len())))
	return buf.String(), nil
}

// WriteFile creates or truncates the file at p and writes content.
func (m *Manager) WriteFile(ctx context.Context, s *sessions.Session, p, content string) error {
	file, err := normalizePath(p)
	if err != nil {
		return &ChannelError{Op: "write", Path: p, Err: err}
	}

	err = m.run(ctx, s, "write", file, func(ch Channel) error {
		f, err := ch.Create(file)
		if err != nil {
			return err
		}
		if _, err := io.WriteString(f, content); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	})
	if err != nil {
		return err
	}
	log.Printf("[sshfiles] wrote %s (%s)", logutil.SanitizeForLog(file), units.BytesSize(float64(len(content))))
	return nil
}

// Delete removes the file or empty directory at p. isDirectory selects the
// primitive; the target type is not re-checked.
func (m *Manager) Delete(ctx context.Context, s *sessions.Session, p string, isDirectory bool) error {
	target, err := normalizePath(p)
	if err != nil {
		return &ChannelError{Op: "delete", Path: p, Err: err}
	}
	if target == "/" {
		return &ChannelError{Op: "delete", Path: p, Err: ErrInvalidPath}
	}

	return m.run(ctx, s, "delete", target, func(ch Channel) error {
		if isDirectory {
			return ch.RemoveDirectory(target)
		}
		return ch.Remove(target)
	})
}

// Rename moves oldPath to newPath.
func (m *Manager) Rename(ctx context.Context, s *sessions.Session, oldPath, newPath string) error {
	from, err := normalizePath(oldPath)
	if err != nil {
		return &ChannelError{Op: "rename", Path: oldPath, Err: err}
	}
	to, err := normalizePath(newPath)
	if err != nil {
		return &ChannelError{Op: "rename", Path: newPath, Err: err}
	}

	return m.run(ctx, s, "rename", from, func(ch Channel) error {
		return ch.Rename(from, to)
	})
}

// Mkdir creates the directory at p. The parent must exist.
func (m *Manager) Mkdir(ctx context.Context, s *sessions.Session, p string) error {
	dir, err := normalizePath(p)
	if err != nil {
		return &ChannelError{Op: "mkdir", Path: p, Err: err}
	}

	return m.run(ctx, s, "mkdir", dir, func(ch Channel) error {
		return ch.Mkdir(dir)
	})
}
