// Package config provides configuration management for vibe80.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Deployment modes.
const (
	DeploymentMonoUser  = "mono_user"
	DeploymentMultiUser = "multi-user"
)

// Storage backends.
const (
	StorageSQLite   = "sqlite"
	StorageRedis    = "redis"
	StoragePostgres = "postgres"
)

// Config holds all configuration sections for vibe80.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Deployment  DeploymentConfig  `mapstructure:"deployment"`
	Storage     StorageConfig     `mapstructure:"storage"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Workspace   WorkspaceConfig   `mapstructure:"workspace"`
	Session     SessionConfig     `mapstructure:"session"`
	Git         GitConfig         `mapstructure:"git"`
	Agent       AgentConfig       `mapstructure:"agent"`
	Attachments AttachmentsConfig `mapstructure:"attachments"`
	Diff        DiffConfig        `mapstructure:"diff"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
	// AdminToken guards workspace provisioning endpoints in multi-user
	// deployments. Empty disables them.
	AdminToken string `mapstructure:"adminToken"`
}

// DeploymentConfig selects how the engine isolates workspaces.
type DeploymentConfig struct {
	// Mode is mono_user (everything runs as the server's own uid) or
	// multi-user (each workspace owns a dedicated POSIX account).
	Mode string `mapstructure:"mode"`
}

// StorageConfig selects and configures the persistence backend.
type StorageConfig struct {
	Backend     string `mapstructure:"backend"` // sqlite, redis, postgres
	SQLitePath  string `mapstructure:"sqlitePath"`
	RedisURL    string `mapstructure:"redisUrl"`
	PostgresDSN string `mapstructure:"postgresDsn"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// WorkspaceConfig holds the POSIX isolation layout.
type WorkspaceConfig struct {
	HomeBase      string `mapstructure:"homeBase"`      // parent of workspace home directories
	RootDirectory string `mapstructure:"rootDirectory"` // per-home directory holding session clones
	UIDMin        int    `mapstructure:"uidMin"`
	UIDMax        int    `mapstructure:"uidMax"`
}

// SessionConfig holds session lifecycle knobs. A TTL of 0 disables that bound.
type SessionConfig struct {
	IdleTTLSeconds int `mapstructure:"idleTtlSeconds"`
	MaxTTLSeconds  int `mapstructure:"maxTtlSeconds"`
	GCIntervalMS   int `mapstructure:"gcIntervalMs"`
}

// GitConfig holds git identity and hook configuration applied to session clones.
type GitConfig struct {
	DefaultAuthorName  string `mapstructure:"defaultAuthorName"`
	DefaultAuthorEmail string `mapstructure:"defaultAuthorEmail"`
	HooksDir           string `mapstructure:"hooksDir"` // copied into each clone's .git/hooks when set
}

// AgentConfig holds provider subprocess configuration.
type AgentConfig struct {
	CodexBin        string `mapstructure:"codexBin"`
	ClaudeBin       string `mapstructure:"claudeBin"`
	DefaultProvider string `mapstructure:"defaultProvider"` // codex or claude
}

// AttachmentsConfig holds the upload sink configuration.
type AttachmentsConfig struct {
	Dir      string `mapstructure:"dir"`      // staging area before session-scoped move
	MaxBytes int64  `mapstructure:"maxBytes"` // per-file upload cap
}

// DiffConfig holds diff coalescing knobs.
type DiffConfig struct {
	DebounceMS int `mapstructure:"debounceMs"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// IdleTTL returns the idle TTL as a duration, 0 meaning disabled.
func (s *SessionConfig) IdleTTL() time.Duration {
	return time.Duration(s.IdleTTLSeconds) * time.Second
}

// MaxTTL returns the max TTL as a duration, 0 meaning disabled.
func (s *SessionConfig) MaxTTL() time.Duration {
	return time.Duration(s.MaxTTLSeconds) * time.Second
}

// GCInterval returns the sweep interval as a duration.
func (s *SessionConfig) GCInterval() time.Duration {
	return time.Duration(s.GCIntervalMS) * time.Millisecond
}

// Debounce returns the diff debounce window as a duration.
func (d *DiffConfig) Debounce() time.Duration {
	return time.Duration(d.DebounceMS) * time.Millisecond
}

// MonoUser reports whether the engine runs without uid demotion.
func (d *DeploymentConfig) MonoUser() bool {
	return d.Mode == DeploymentMonoUser
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("VIBE80_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.adminToken", "")

	// Deployment defaults
	v.SetDefault("deployment.mode", DeploymentMonoUser)

	// Storage defaults
	v.SetDefault("storage.backend", StorageSQLite)
	v.SetDefault("storage.sqlitePath", "~/.vibe80/vibe80.db")
	v.SetDefault("storage.redisUrl", "redis://localhost:6379/0")
	v.SetDefault("storage.postgresDsn", "")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.maxReconnects", 10)

	// Workspace defaults
	v.SetDefault("workspace.homeBase", "/home")
	v.SetDefault("workspace.rootDirectory", "vibe80")
	v.SetDefault("workspace.uidMin", 2000)
	v.SetDefault("workspace.uidMax", 60000)

	// Session defaults: idle 48h, max 14d, sweep every 5 minutes
	v.SetDefault("session.idleTtlSeconds", 172800)
	v.SetDefault("session.maxTtlSeconds", 1209600)
	v.SetDefault("session.gcIntervalMs", 300000)

	// Git defaults
	v.SetDefault("git.defaultAuthorName", "vibe80")
	v.SetDefault("git.defaultAuthorEmail", "agent@vibe80.local")
	v.SetDefault("git.hooksDir", "")

	// Agent defaults
	v.SetDefault("agent.codexBin", "codex")
	v.SetDefault("agent.claudeBin", "claude")
	v.SetDefault("agent.defaultProvider", "codex")

	// Attachments defaults
	v.SetDefault("attachments.dir", "~/.vibe80/attachments")
	v.SetDefault("attachments.maxBytes", 25*1024*1024)

	// Diff defaults
	v.SetDefault("diff.debounceMs", 500)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix VIBE80_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/vibe80/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("VIBE80")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings where the external variable name differs from the
	// config key. These names are part of the deployment contract.
	_ = v.BindEnv("server.adminToken", "VIBE80_ADMIN_TOKEN")
	_ = v.BindEnv("session.idleTtlSeconds", "VIBE80_SESSION_IDLE_TTL_SECONDS")
	_ = v.BindEnv("session.maxTtlSeconds", "VIBE80_SESSION_MAX_TTL_SECONDS")
	_ = v.BindEnv("session.gcIntervalMs", "VIBE80_SESSION_GC_INTERVAL_MS")
	_ = v.BindEnv("workspace.homeBase", "WORKSPACE_HOME_BASE")
	_ = v.BindEnv("workspace.rootDirectory", "WORKSPACE_ROOT_DIRECTORY")
	_ = v.BindEnv("workspace.uidMin", "WORKSPACE_UID_MIN")
	_ = v.BindEnv("workspace.uidMax", "WORKSPACE_UID_MAX")
	_ = v.BindEnv("deployment.mode", "DEPLOYMENT_MODE")
	_ = v.BindEnv("storage.backend", "STORAGE_BACKEND")
	_ = v.BindEnv("storage.redisUrl", "REDIS_URL")
	_ = v.BindEnv("storage.sqlitePath", "SQLITE_PATH")
	_ = v.BindEnv("storage.postgresDsn", "POSTGRES_DSN")
	_ = v.BindEnv("nats.url", "NATS_URL")
	_ = v.BindEnv("git.defaultAuthorName", "VIBE80_DEFAULT_GIT_AUTHOR_NAME")
	_ = v.BindEnv("git.defaultAuthorEmail", "VIBE80_DEFAULT_GIT_AUTHOR_EMAIL")
	_ = v.BindEnv("git.hooksDir", "GIT_HOOKS_DIR")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/vibe80/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Deployment.Mode {
	case DeploymentMonoUser, DeploymentMultiUser:
	default:
		errs = append(errs, "deployment.mode must be mono_user or multi-user")
	}

	switch cfg.Storage.Backend {
	case StorageSQLite:
		if cfg.Storage.SQLitePath == "" {
			errs = append(errs, "storage.sqlitePath is required for the sqlite backend")
		}
	case StorageRedis:
		if cfg.Storage.RedisURL == "" {
			errs = append(errs, "storage.redisUrl is required for the redis backend")
		}
	case StoragePostgres:
		if cfg.Storage.PostgresDSN == "" {
			errs = append(errs, "storage.postgresDsn is required for the postgres backend")
		}
	default:
		errs = append(errs, "storage.backend must be one of: sqlite, redis, postgres")
	}

	if cfg.Workspace.UIDMin <= 0 || cfg.Workspace.UIDMax < cfg.Workspace.UIDMin {
		errs = append(errs, "workspace.uidMin/uidMax must describe a non-empty positive range")
	}

	if cfg.Session.IdleTTLSeconds < 0 || cfg.Session.MaxTTLSeconds < 0 {
		errs = append(errs, "session TTLs must be >= 0 (0 disables)")
	}
	if cfg.Session.GCIntervalMS <= 0 {
		errs = append(errs, "session.gcIntervalMs must be positive")
	}

	switch cfg.Agent.DefaultProvider {
	case "codex", "claude":
	default:
		errs = append(errs, "agent.defaultProvider must be codex or claude")
	}

	if cfg.Diff.DebounceMS <= 0 {
		errs = append(errs, "diff.debounceMs must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
