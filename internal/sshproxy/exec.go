package sshproxy

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/DEVXIX/dev-ssh-sub000/internal/remote"
	"golang.org/x/crypto/ssh"
)

// statsCommand prints /proc/loadavg, /proc/uptime and the two meminfo lines
// we report, in that order.
const statsCommand = "cat /proc/loadavg /proc/uptime && grep -E '^(MemTotal|MemAvailable):' /proc/meminfo"

// executeCommand creates a new SSH session, runs cmd, and returns stdout,
// stderr, the exit code, and any transport-level error. The session is
// closed when ctx is cancelled.
func executeCommand(ctx context.Context, client *ssh.Client, cmd string) (stdout, stderr string, exitCode int, err error) {
	start := time.Now()

	session, err := client.NewSession()
	if err != nil {
		return "", "", -1, fmt.Errorf("open ssh session: %w", err)
	}
	defer session.Close()

	stop := context.AfterFunc(ctx, func() { session.Close() })
	defer stop()

	var outBuf, errBuf bytes.Buffer
	session.Stdout = &outBuf
	session.Stderr = &errBuf

	runErr := session.Run(cmd)
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		label := cmd
		if len(label) > 80 {
			label = label[:80] + "..."
		}
		log.Printf("[sshproxy] SLOW command (%s): %s", elapsed, label)
	}

	if runErr != nil {
		if exitErr, ok := runErr.(*ssh.ExitError); ok {
			return outBuf.String(), errBuf.String(), exitErr.ExitStatus(), nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return outBuf.String(), errBuf.String(), -1, ctxErr
		}
		return outBuf.String(), errBuf.String(), -1, runErr
	}
	return outBuf.String(), errBuf.String(), 0, nil
}

// SampleStats reads load average, uptime and memory figures from the target.
func (t *Transport) SampleStats(ctx context.Context) (remote.Stats, error) {
	stdout, stderr, exitCode, err := executeCommand(ctx, t.client, statsCommand)
	if err != nil {
		return remote.Stats{}, fmt.Errorf("sample stats: %w", err)
	}
	if exitCode != 0 {
		return remote.Stats{}, fmt.Errorf("sample stats: exit %d: %s", exitCode, strings.TrimSpace(stderr))
	}
	stats, err := parseStats(stdout)
	if err != nil {
		return remote.Stats{}, fmt.Errorf("sample stats: %w", err)
	}
	stats.CollectedAt = time.Now().UTC()
	return stats, nil
}

func parseStats(out string) (remote.Stats, error) {
	var stats remote.Stats
	scanner := bufio.NewScanner(strings.NewReader(out))
	line := 0
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		line++
		switch {
		case line == 1:
			if len(fields) < 3 {
				return stats, fmt.Errorf("malformed loadavg line %q", scanner.Text())
			}
			var err error
			if stats.Load1, err = strconv.ParseFloat(fields[0], 64); err != nil {
				return stats, fmt.Errorf("parse load1: %w", err)
			}
			if stats.Load5, err = strconv.ParseFloat(fields[1], 64); err != nil {
				return stats, fmt.Errorf("parse load5: %w", err)
			}
			if stats.Load15, err = strconv.ParseFloat(fields[2], 64); err != nil {
				return stats, fmt.Errorf("parse load15: %w", err)
			}
		case line == 2:
			up, err := strconv.ParseFloat(fields[0], 64)
			if err != nil {
				return stats, fmt.Errorf("parse uptime: %w", err)
			}
			stats.UptimeSecs = up
		case fields[0] == "MemTotal:" && len(fields) >= 2:
			kb, err := strconv.ParseUint(fields[1], 10, 64)
			if err != nil {
				return stats, fmt.Errorf("parse MemTotal: %w", err)
			}
			stats.MemTotal = kb * 1024
		case fields[0] == "MemAvailable:" && len(fields) >= 2:
			kb, err := strconv.ParseUint(fields[1], 10, 64)
			if err != nil {
				return stats, fmt.Errorf("parse MemAvailable: %w", err)
			}
			stats.MemAvail = kb * 1024
		}
	}
	if line < 2 {
		return stats, fmt.Errorf("unexpected stats output (%d lines)", line)
	}
	return stats, nil
}
