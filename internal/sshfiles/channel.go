package sshfiles

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/DEVXIX/dev-ssh-sub000/internal/remote"
	"github.com/DEVXIX/dev-ssh-sub000/internal/sessions"
	"github.com/pkg/sftp"
)

// Channel is the set of remote file primitives a side channel offers.
type Channel interface {
	ReadDir(path string) ([]os.FileInfo, error)
	Open(path string) (io.ReadCloser, error)
	Create(path string) (io.WriteCloser, error)
	Remove(path string) error
	RemoveDirectory(path string) error
	Rename(oldPath, newPath string) error
	Mkdir(path string) error
	Close() error
}

// OpenFunc opens a new side channel over the session's transport.
type OpenFunc func(ctx context.Context, s *sessions.Session) (Channel, error)

// OpenSFTP opens an SFTP side channel on transports that support one.
func OpenSFTP(ctx context.Context, s *sessions.Session) (Channel, error) {
	opener, ok := s.Transport().(remote.SFTPOpener)
	if !ok {
		return nil, fmt.Errorf("%s session: %w", s.Kind, remote.ErrUnsupported)
	}
	client, err := opener.OpenSFTP(ctx)
	if err != nil {
		return nil, err
	}
	return sftpChannel{client}, nil
}

// sftpChannel adapts *sftp.Client to Channel.
type sftpChannel struct {
	c *sftp.Client
}

func (s sftpChannel) ReadDir(p string) ([]os.FileInfo, error) { return s.c.ReadDir(p) }
func (s sftpChannel) Open(p string) (io.ReadCloser, error)    { return s.c.Open(p) }
func (s sftpChannel) Create(p string) (io.WriteCloser, error) { return s.c.Create(p) }
func (s sftpChannel) Remove(p string) error                   { return s.c.Remove(p) }
func (s sftpChannel) RemoveDirectory(p string) error          { return s.c.RemoveDirectory(p) }
func (s sftpChannel) Mkdir(p string) error                    { return s.c.Mkdir(p) }
func (s sftpChannel) Close() error                            { return s.c.Close() }

// Rename prefers the posix-rename extension, which replaces an existing
// target, and falls back to plain SFTP rename.
func (s sftpChannel) Rename(oldPath, newPath string) error {
	if _, ok := s.c.HasExtension("posix-rename@openssh.com"); ok {
		return s.c.PosixRename(oldPath, newPath)
	}
	return s.c.Rename(oldPath, newPath)
}

// channelBroken reports whether err means the side channel itself is gone
// and must be reopened.
func channelBroken(err error) bool {
	return errors.Is(err, sftp.ErrSSHFxConnectionLost) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, remote.ErrTransport)
}
