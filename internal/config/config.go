package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	ListenAddr      string `envconfig:"LISTEN_ADDR" default:":8000"`
	DatabasePath    string `envconfig:"DATABASE_PATH" default:"/app/data/gateway.db"`
	ConnectionsFile string `envconfig:"CONNECTIONS_FILE" default:""`
	Environment     string `envconfig:"ENVIRONMENT" default:"production"`
	AuthDisabled    bool   `envconfig:"AUTH_DISABLED" default:"false"`
	UserHeader      string `envconfig:"USER_HEADER" default:"X-Forwarded-User"`
	StaticDir       string `envconfig:"STATIC_DIR" default:""`
	LogPath         string `envconfig:"LOG_PATH" default:""`

	// Host patterns accepted as WebSocket origins besides the gateway's own.
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS"`

	// Session transport
	HandshakeTimeout   time.Duration `envconfig:"HANDSHAKE_TIMEOUT" default:"60s"`
	KeepaliveInterval  time.Duration `envconfig:"KEEPALIVE_INTERVAL" default:"30s"`
	KeepaliveMaxMissed int           `envconfig:"KEEPALIVE_MAX_MISSED" default:"3"`

	// Idle reaper
	IdleTimeout  time.Duration `envconfig:"IDLE_TIMEOUT" default:"30m"`
	ReapInterval time.Duration `envconfig:"REAP_INTERVAL" default:"5m"`

	// Display protocol tunnel
	GuacdAddr               string        `envconfig:"GUACD_ADDR" default:"127.0.0.1:4822"`
	TunnelReceiveTimeout    time.Duration `envconfig:"TUNNEL_RECEIVE_TIMEOUT" default:"15s"`
	TunnelUnstableThreshold time.Duration `envconfig:"TUNNEL_UNSTABLE_THRESHOLD" default:"1500ms"`

	// Relays and file operations
	StatsInterval   time.Duration `envconfig:"STATS_INTERVAL" default:"5s"`
	MaxReadFileSize int64         `envconfig:"MAX_READ_FILE_SIZE" default:"10485760"`

	AuditRetentionDays int `envconfig:"AUDIT_RETENTION_DAYS" default:"90"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("GATEWAY", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}

// Development reports whether raw error messages may be shown to clients.
func (s Settings) Development() bool {
	return s.Environment == "development" || s.Environment == "dev"
}
