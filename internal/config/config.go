package config

import (
	"log"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	DataPath     string `envconfig:"DATA_PATH" default:"/var/lib/sshdeck"`
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":8000"`
	LogPath      string `envconfig:"LOG_PATH" default:""`
	DatabasePath string `envconfig:"DATABASE_PATH" default:""`
	HostsFile    string `envconfig:"HOSTS_FILE" default:""`

	// Comma-separated IPs and CIDRs allowed to call the API; empty allows all.
	AllowedClients string `envconfig:"ALLOWED_CLIENTS" default:""`

	// Server key verification: "tofu", "known_hosts" or "insecure".
	HostKeyPolicy string `envconfig:"HOST_KEY_POLICY" default:"tofu"`
	KnownHosts    string `envconfig:"KNOWN_HOSTS" default:""`

	// Transport settings
	ConnectTimeout    time.Duration `envconfig:"CONNECT_TIMEOUT" default:"10s"`
	InactivityTimeout time.Duration `envconfig:"INACTIVITY_TIMEOUT" default:"5m"`
	KeepaliveInterval time.Duration `envconfig:"KEEPALIVE_INTERVAL" default:"30s"`

	// Event bus settings
	EventBuffer int    `envconfig:"EVENT_BUFFER" default:"256"`
	EventPolicy string `envconfig:"EVENT_POLICY" default:"drop"`

	// Terminal session settings
	ScrollbackBytes int `envconfig:"SCROLLBACK_BYTES" default:"1048576"`

	// Audit log settings
	AuditRetentionDays int    `envconfig:"AUDIT_RETENTION_DAYS" default:"90"`
	AuditPurgeSchedule string `envconfig:"AUDIT_PURGE_SCHEDULE" default:"@daily"`

	// Key for fernet tokens in the hosts file (see crypto.Sealer).
	FernetKey string `envconfig:"FERNET_KEY" default:""`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("SSHDECK", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	Cfg.applyDefaults()
}

// applyDefaults derives the file paths that default to locations under DataPath.
func (s *Settings) applyDefaults() {
	if s.LogPath == "" {
		s.LogPath = filepath.Join(s.DataPath, "sshdeck.log")
	}
	if s.DatabasePath == "" {
		s.DatabasePath = filepath.Join(s.DataPath, "sshdeck.db")
	}
	if s.KnownHosts == "" {
		s.KnownHosts = filepath.Join(s.DataPath, "known_hosts")
	}
}
