// Package directory resolves connection ids to target credentials. Targets
// live in the gateway database with their secrets Fernet-encrypted and can
// be seeded from a YAML file at startup.
package directory

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/DEVXIX/dev-ssh-sub000/internal/crypto"
	"github.com/DEVXIX/dev-ssh-sub000/internal/database"
	"github.com/DEVXIX/dev-ssh-sub000/internal/logutil"
	"github.com/DEVXIX/dev-ssh-sub000/internal/remote"
	"github.com/DEVXIX/dev-ssh-sub000/internal/sshkeys"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
)

// ErrNotFound is returned for unknown connections and for connections the
// caller may not use.
var ErrNotFound = errors.New("connection not found")

// Entry is the public view of a connection.
type Entry struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Protocol string `json:"protocol"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Shared   bool   `json:"shared"`
}

// Lookup returns the credentials of connection id for owner. Connections
// with an owner are visible to that owner only.
func Lookup(owner, id string) (remote.Credentials, error) {
	c, err := database.GetConnection(id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return remote.Credentials{}, ErrNotFound
		}
		return remote.Credentials{}, fmt.Errorf("load connection: %w", err)
	}
	if c.OwnerID != "" && c.OwnerID != owner {
		return remote.Credentials{}, ErrNotFound
	}
	return credentials(c)
}

func credentials(c *database.Connection) (remote.Credentials, error) {
	kind, err := remote.ParseKind(c.Protocol)
	if err != nil {
		return remote.Credentials{}, fmt.Errorf("connection %s: %w", c.ID, err)
	}
	creds := remote.Credentials{
		Kind:     kind,
		Host:     c.Host,
		Port:     c.Port,
		Username: c.Username,
		Width:    c.Width,
		Height:   c.Height,
		DPI:      c.DPI,

		HostKeyFingerprint: c.HostKey,
	}
	for _, s := range []struct {
		dst *string
		enc string
	}{
		{&creds.Password, c.Password},
		{&creds.PrivateKey, c.PrivateKey},
		{&creds.Passphrase, c.Passphrase},
	} {
		if *s.dst, err = crypto.Decrypt(s.enc); err != nil {
			return remote.Credentials{}, fmt.Errorf("connection %s secrets: %w", c.ID, err)
		}
	}
	if c.Params != "" && c.Params != "{}" {
		if err := json.Unmarshal([]byte(c.Params), &creds.Extra); err != nil {
			return remote.Credentials{}, fmt.Errorf("connection %s params: %w", c.ID, err)
		}
	}
	return creds, nil
}

// List returns the connections visible to owner.
func List(owner string) ([]Entry, error) {
	conns, err := database.ListConnections(owner)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, len(conns))
	for i, c := range conns {
		out[i] = Entry{
			ID:       c.ID,
			Name:     c.Name,
			Protocol: c.Protocol,
			Host:     c.Host,
			Port:     c.Port,
			Username: c.Username,
			Shared:   c.OwnerID == "",
		}
	}
	return out, nil
}

// Spec is one connection in the seed file.
type Spec struct {
	ID             string            `yaml:"id"`
	Name           string            `yaml:"name"`
	Protocol       string            `yaml:"protocol"`
	Host           string            `yaml:"host"`
	Port           int               `yaml:"port"`
	Username       string            `yaml:"username"`
	Password       string            `yaml:"password"`
	PrivateKey     string            `yaml:"privateKey"`
	PrivateKeyFile string            `yaml:"privateKeyFile"`
	Passphrase     string            `yaml:"passphrase"`
	HostKey        string            `yaml:"hostKey"`
	Width          int               `yaml:"width"`
	Height         int               `yaml:"height"`
	DPI            int               `yaml:"dpi"`
	Params         map[string]string `yaml:"params"`
	Owner          string            `yaml:"owner"`
}

type seedFile struct {
	Connections []Spec `yaml:"connections"`
}

// ImportFile upserts every connection in the YAML file at path, matching
// existing rows by name. It returns the number of connections written.
func ImportFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read connections file: %w", err)
	}
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return 0, fmt.Errorf("parse connections file: %w", err)
	}
	for i, spec := range f.Connections {
		if err := Save(spec); err != nil {
			return i, fmt.Errorf("connection %d (%s): %w", i, logutil.SanitizeForLog(spec.Name), err)
		}
	}
	log.Printf("[directory] imported %d connections from %s", len(f.Connections), path)
	return len(f.Connections), nil
}

// Save validates spec, encrypts its secrets and stores it. A spec without an
// id reuses the id of an existing connection with the same name, or gets a
// new one.
func Save(spec Spec) error {
	if spec.Name == "" || spec.Host == "" {
		return errors.New("name and host are required")
	}
	if _, err := remote.ParseKind(spec.Protocol); err != nil {
		return err
	}
	if spec.Protocol == "" {
		spec.Protocol = string(remote.KindSSH)
	}
	hostKey, err := sshkeys.NormalizeFingerprint(spec.HostKey)
	if err != nil {
		return err
	}
	if spec.PrivateKeyFile != "" {
		key, err := os.ReadFile(spec.PrivateKeyFile)
		if err != nil {
			return fmt.Errorf("read private key: %w", err)
		}
		spec.PrivateKey = string(key)
	}

	if spec.ID == "" {
		if existing, err := database.GetConnectionByName(spec.Name); err == nil {
			spec.ID = existing.ID
		} else {
			spec.ID = uuid.NewString()
		}
	}

	c := &database.Connection{
		ID:       spec.ID,
		Name:     spec.Name,
		Protocol: spec.Protocol,
		Host:     spec.Host,
		Port:     spec.Port,
		Username: spec.Username,
		Width:    spec.Width,
		Height:   spec.Height,
		DPI:      spec.DPI,
		OwnerID:  spec.Owner,
		HostKey:  hostKey,
		Params:   "{}",
	}
	if c.Password, err = crypto.Encrypt(spec.Password); err != nil {
		return err
	}
	if c.PrivateKey, err = crypto.Encrypt(spec.PrivateKey); err != nil {
		return err
	}
	if c.Passphrase, err = crypto.Encrypt(spec.Passphrase); err != nil {
		return err
	}
	if len(spec.Params) > 0 {
		b, err := json.Marshal(spec.Params)
		if err != nil {
			return err
		}
		c.Params = string(b)
	}
	return database.SaveConnection(c)
}
