package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values for the server configuration.
const (
	DefaultHost        = "0.0.0.0"
	DefaultPort        = 28777
	DefaultHTTPPort    = 8080
	DefaultDelimiter   = "\r\n"
	DefaultRetention   = 1000
	DefaultNodeTTL     = 10 * time.Minute
	DefaultHeader      = "x-api-key"
	DefaultStoragePath = "tailship.db"
	DefaultLogLevel    = "info"
)

// Environment variables that override values from the config file.
const (
	EnvPort     = "TAILSHIP_LISTEN_PORT"
	EnvHTTPPort = "TAILSHIP_HTTP_PORT"
	EnvLogLevel = "TAILSHIP_LOG_LEVEL"
)

// Config holds the server-side configuration parsed from the `server:` section
// of config.yaml. The `agent:` key in the same file is ignored.
type Config struct {
	Server ServerConfig `yaml:"server"`
}

// ServerConfig holds all server-side settings.
type ServerConfig struct {
	// Host and Port are where agents connect with the frame protocol.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// HTTPPort serves the REST API, the WebSocket live tail and /metrics.
	HTTPPort int `yaml:"http_port"`

	// Delimiter terminates every frame; it must match the agents'.
	Delimiter string `yaml:"delimiter"`

	// Retention is how many lines are kept in memory per (node, source).
	Retention int `yaml:"retention"`

	// NodeTTL evicts nodes that have sent nothing for this long and have no
	// open connection. 0 keeps nodes forever.
	NodeTTL time.Duration `yaml:"node_ttl"`

	// Auth configures how the server authenticates REST and WebSocket clients.
	Auth AuthConfig `yaml:"auth"`

	// Storage configures the optional on-disk archive.
	Storage StorageConfig `yaml:"storage"`

	// LogLevel is one of: debug | info | warn | error.
	LogLevel string `yaml:"log_level"`
}

// ListenAddr returns host:port for the frame listener.
func (s ServerConfig) ListenAddr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// AuthConfig controls client authentication on the HTTP side. The frame
// protocol itself carries no credentials.
type AuthConfig struct {
	// Mode is one of: apikey | none.
	Mode string `yaml:"mode"`

	// KeyEnv is the name of the environment variable that holds the expected API key.
	// Used when Mode == "apikey".
	KeyEnv string `yaml:"key_env"`

	// Header is the HTTP header name to read the key from.
	// Defaults to "x-api-key" if empty.
	Header string `yaml:"header"`
}

// Key returns the expected API key resolved from the environment.
func (a AuthConfig) Key() string {
	if a.KeyEnv == "" {
		return ""
	}
	return os.Getenv(a.KeyEnv)
}

// EffectiveHeader returns the configured header name, or the default "x-api-key".
func (a AuthConfig) EffectiveHeader() string {
	if a.Header != "" {
		return a.Header
	}
	return DefaultHeader
}

// StorageConfig selects the archive backend.
type StorageConfig struct {
	// Backend is "" (memory only) or "sqlite".
	Backend string `yaml:"backend"`

	// Path is the SQLite database file.
	Path string `yaml:"path"`
}

// Load reads and parses the config file at path, returning the server configuration.
// Missing fields are filled with sensible defaults before validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("server config: read %q: %w", path, err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("server config: parse yaml: %w", err)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, fmt.Errorf("server config: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("server config: %w", err)
	}

	return cfg, nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:      DefaultHost,
			Port:      DefaultPort,
			HTTPPort:  DefaultHTTPPort,
			Delimiter: DefaultDelimiter,
			Retention: DefaultRetention,
			NodeTTL:   DefaultNodeTTL,
			Storage:   StorageConfig{Path: DefaultStoragePath},
			LogLevel:  DefaultLogLevel,
		},
	}
}

func applyEnv(cfg *Config) error {
	for _, e := range []struct {
		name string
		dst  *int
	}{
		{EnvPort, &cfg.Server.Port},
		{EnvHTTPPort, &cfg.Server.HTTPPort},
	} {
		v := os.Getenv(e.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s=%q: %w", e.name, v, err)
		}
		*e.dst = n
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Server.LogLevel = v
	}
	return nil
}

// validate checks structural constraints on the parsed configuration.
func validate(cfg *Config) error {
	s := &cfg.Server
	if s.Port <= 0 || s.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range [1, 65535]", s.Port)
	}
	if s.HTTPPort <= 0 || s.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port %d is out of range [1, 65535]", s.HTTPPort)
	}
	if s.Port == s.HTTPPort && s.Port != 0 {
		return fmt.Errorf("server.port and server.http_port must differ (both %d)", s.Port)
	}
	if s.Delimiter == "" {
		return fmt.Errorf("server.delimiter must not be empty")
	}
	if s.Retention <= 0 {
		return fmt.Errorf("server.retention must be positive")
	}
	if s.NodeTTL < 0 {
		return fmt.Errorf("server.node_ttl must not be negative")
	}
	switch s.Auth.Mode {
	case "apikey", "none", "":
	default:
		return fmt.Errorf("server.auth.mode %q unknown: want apikey|none", s.Auth.Mode)
	}
	switch s.Storage.Backend {
	case "":
	case "sqlite":
		if s.Storage.Path == "" {
			return fmt.Errorf("server.storage.path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("server.storage.backend %q unknown: want sqlite or empty", s.Storage.Backend)
	}
	switch strings.ToLower(s.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("server.log_level %q unknown: want debug|info|warn|error", s.LogLevel)
	}
	return nil
}
