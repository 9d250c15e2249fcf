// Package sshkeys verifies SSH host keys against fingerprints pinned in the
// connection directory.
package sshkeys

import (
	"encoding/base64"
	"fmt"
	"log"
	"net"
	"strings"

	"github.com/DEVXIX/dev-ssh-sub000/internal/logutil"
	"golang.org/x/crypto/ssh"
)

const fingerprintPrefix = "SHA256:"

// FingerprintMismatchError is returned when a host presents a key other than
// the pinned one.
type FingerprintMismatchError struct {
	Host     string
	Expected string
	Actual   string
}

func (e *FingerprintMismatchError) Error() string {
	return fmt.Sprintf("host key mismatch for %s: expected %s, got %s", e.Host, e.Expected, e.Actual)
}

// GetPublicKeyFingerprint returns the SHA256 fingerprint of a public key in
// authorized_keys format (e.g. "ssh-ed25519 AAAA...").
func GetPublicKeyFingerprint(publicKey []byte) (string, error) {
	if len(publicKey) == 0 {
		return "", fmt.Errorf("get fingerprint: public key is empty")
	}
	parsed, _, _, _, err := ssh.ParseAuthorizedKey(publicKey)
	if err != nil {
		return "", fmt.Errorf("get fingerprint: parse public key: %w", err)
	}
	return ssh.FingerprintSHA256(parsed), nil
}

// NormalizeFingerprint validates a pinned fingerprint. It accepts the
// "SHA256:<base64>" form printed by ssh-keygen -l, or a public key in
// authorized_keys format, and returns the fingerprint form.
func NormalizeFingerprint(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", nil
	}
	if !strings.HasPrefix(s, fingerprintPrefix) {
		return GetPublicKeyFingerprint([]byte(s))
	}
	sum, err := base64.RawStdEncoding.DecodeString(strings.TrimPrefix(s, fingerprintPrefix))
	if err != nil || len(sum) != 32 {
		return "", fmt.Errorf("invalid host key fingerprint %q", s)
	}
	return s, nil
}

// VerifyFingerprint checks key against expected. An empty expected value
// accepts any key.
func VerifyFingerprint(host string, key ssh.PublicKey, expected string) error {
	if expected == "" {
		return nil
	}
	actual := ssh.FingerprintSHA256(key)
	if actual != expected {
		return &FingerprintMismatchError{Host: host, Expected: expected, Actual: actual}
	}
	return nil
}

// PinnedHostKeyCallback rejects hosts whose key does not match expected.
func PinnedHostKeyCallback(expected string) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		if err := VerifyFingerprint(hostname, key, expected); err != nil {
			log.Printf("[sshkeys] rejecting %s: %v", logutil.SanitizeForLog(hostname), err)
			return err
		}
		return nil
	}
}
