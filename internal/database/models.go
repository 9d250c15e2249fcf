package database

import "time"

// Connection is a remote target in the connection directory. Secrets are
// stored Fernet-encrypted.
type Connection struct {
	ID         string    `gorm:"primaryKey;size:64" json:"id"`
	Name       string    `gorm:"uniqueIndex;not null" json:"name"`
	Protocol   string    `gorm:"not null;default:ssh" json:"protocol"`
	Host       string    `gorm:"not null" json:"host"`
	Port       int       `gorm:"not null;default:0" json:"port"`
	Username   string    `json:"username"`
	Password   string    `json:"-"` // Fernet-encrypted
	PrivateKey string    `json:"-"` // Fernet-encrypted PEM
	Passphrase string    `json:"-"` // Fernet-encrypted
	HostKey    string    `gorm:"default:''" json:"host_key_fingerprint,omitempty"`
	Width      int       `gorm:"default:0" json:"width,omitempty"`
	Height     int       `gorm:"default:0" json:"height,omitempty"`
	DPI        int       `gorm:"default:0" json:"dpi,omitempty"`
	Params     string    `gorm:"type:text;default:'{}'" json:"-"` // JSON: extra display parameters
	OwnerID    string    `gorm:"index;default:''" json:"owner_id,omitempty"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// SessionEvent is one audit record of a session lifecycle transition.
type SessionEvent struct {
	ID           uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID    string    `gorm:"index;not null" json:"session_id"`
	Type         string    `gorm:"index;not null" json:"type"`
	OwnerID      string    `gorm:"index" json:"owner_id"`
	ConnectionID string    `json:"connection_id"`
	Kind         string    `json:"kind"`
	Detail       string    `json:"detail,omitempty"`
	CreatedAt    time.Time `gorm:"index" json:"created_at"`
}
