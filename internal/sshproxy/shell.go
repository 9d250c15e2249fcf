package sshproxy

import (
	"context"
	"fmt"
	"io"

	"github.com/DEVXIX/dev-ssh-sub000/internal/remote"
	"golang.org/x/crypto/ssh"
)

const defaultTerm = "xterm-256color"

// shell wraps an SSH session with a PTY for interactive use.
type shell struct {
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
}

func (s *shell) Read(p []byte) (int, error)  { return s.stdout.Read(p) }
func (s *shell) Write(p []byte) (int, error) { return s.stdin.Write(p) }

// Resize changes the terminal dimensions of the PTY.
func (s *shell) Resize(cols, rows uint16) error {
	return s.session.WindowChange(int(rows), int(cols))
}

func (s *shell) Close() error {
	return s.session.Close()
}

// OpenShell opens a new SSH session with a PTY and starts the login shell.
func (t *Transport) OpenShell(ctx context.Context, pty remote.PTY) (remote.Shell, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	session, err := t.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("create ssh session: %w", err)
	}

	term := pty.Term
	if term == "" {
		term = defaultTerm
	}
	cols, rows := pty.Cols, pty.Rows
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}
	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty(term, int(rows), int(cols), modes); err != nil {
		session.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := session.Shell(); err != nil {
		session.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}

	return &shell{session: session, stdin: stdin, stdout: stdout}, nil
}
