package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const EnvPrefix = "RELAYHIGHLIGHT"

// Config holds the server configuration. Variables are read with the
// RELAYHIGHLIGHT_ prefix, e.g. RELAYHIGHLIGHT_PRIMARY_DSN.
type Config struct {
	Addr     string `envconfig:"ADDR" default:":8080"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// BackendProfile fills PrimaryDSN and MirrorDSN when they are unset:
	// memory, durable-local, embedded, production, or custom.
	BackendProfile string `envconfig:"BACKEND_PROFILE" default:""`
	DataDir        string `envconfig:"DATA_DIR" default:".relayhighlight"`
	PrimaryDSN     string `envconfig:"PRIMARY_DSN" default:""`
	MirrorDSN      string `envconfig:"MIRROR_DSN" default:""`
	PostgresDSN    string `envconfig:"POSTGRES_DSN" default:""`

	MirrorAccessKeyID     string        `envconfig:"MIRROR_ACCESS_KEY_ID" default:""`
	MirrorSecretAccessKey string        `envconfig:"MIRROR_SECRET_ACCESS_KEY" default:""`
	MirrorCapacityBytes   int64         `envconfig:"MIRROR_CAPACITY_BYTES" default:"0"`
	BackupInterval        time.Duration `envconfig:"BACKUP_INTERVAL" default:"5m"`

	NotionToken      string        `envconfig:"NOTION_TOKEN" default:""`
	NotionDatabaseID string        `envconfig:"NOTION_DATABASE_ID" default:""`
	NotionBaseURL    string        `envconfig:"NOTION_BASE_URL" default:"https://api.notion.com"`
	NotionMaxRetries int           `envconfig:"NOTION_MAX_RETRIES" default:"3"`
	NotionTimeout    time.Duration `envconfig:"NOTION_TIMEOUT" default:"15s"`

	JWTSecret       string        `envconfig:"JWT_SECRET" default:""`
	RateLimitMax    int           `envconfig:"RATE_LIMIT_MAX" default:"0"`
	RateLimitWindow time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"1m"`
	MaxBodyBytes    int64         `envconfig:"MAX_BODY_BYTES" default:"1048576"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// New loads .env (when present) and the environment, then resolves profile
// defaults.
func New() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}
	if err := cfg.ResolveDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ResolveDefaults derives DSNs from BackendProfile. Explicit DSNs always win.
func (c *Config) ResolveDefaults() error {
	profile := strings.ToLower(strings.TrimSpace(c.BackendProfile))
	dataDir := strings.TrimSpace(c.DataDir)
	if dataDir == "" {
		dataDir = ".relayhighlight"
	}
	var primary, mirror string
	switch profile {
	case "", "custom":
	case "memory", "inmemory":
		primary, mirror = "memory://", "memory://"
	case "durable-local", "local-durable":
		primary = "file:" + filepath.Join(dataDir, "primary")
		mirror = "file:" + filepath.Join(dataDir, "mirror")
	case "embedded", "sqlite":
		primary = "sqlite:" + filepath.Join(dataDir, "highlights.db")
		mirror = "sqlite:" + filepath.Join(dataDir, "mirror.db")
	case "production", "prod":
		dsn := strings.TrimSpace(c.PostgresDSN)
		if dsn == "" && strings.TrimSpace(c.PrimaryDSN) == "" {
			return fmt.Errorf("%s_POSTGRES_DSN or %s_PRIMARY_DSN is required when %s_BACKEND_PROFILE=%s", EnvPrefix, EnvPrefix, EnvPrefix, profile)
		}
		// The backup has to live somewhere other than the primary table.
		mirror = strings.TrimSpace(c.MirrorDSN)
		if mirror == "" {
			return fmt.Errorf("%s_MIRROR_DSN is required when %s_BACKEND_PROFILE=%s", EnvPrefix, EnvPrefix, profile)
		}
		primary = dsn
		if explicit := strings.TrimSpace(c.PrimaryDSN); explicit != "" {
			primary = explicit
		}
		if mirror == primary {
			return fmt.Errorf("%s_MIRROR_DSN must differ from the primary store DSN", EnvPrefix)
		}
	default:
		return fmt.Errorf("unsupported %s_BACKEND_PROFILE: %s", EnvPrefix, profile)
	}
	c.BackendProfile = profile
	c.DataDir = dataDir
	if strings.TrimSpace(c.PrimaryDSN) == "" {
		c.PrimaryDSN = primary
	}
	if strings.TrimSpace(c.MirrorDSN) == "" {
		c.MirrorDSN = mirror
	}
	if c.NotionMaxRetries < 0 {
		c.NotionMaxRetries = 0
	}
	return nil
}

func (c *Config) NotionEnabled() bool {
	return strings.TrimSpace(c.NotionToken) != "" && strings.TrimSpace(c.NotionDatabaseID) != ""
}
