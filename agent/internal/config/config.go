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

// Default values applied when fields are absent from the config file.
const (
	DefaultNodeName         = "Untitled"
	DefaultDelimiter        = "\r\n"
	DefaultServerHost       = "0.0.0.0"
	DefaultServerPort       = 28777
	DefaultPollInterval     = 1 * time.Second
	DefaultReconnectInitial = 1 * time.Second
	DefaultReconnectMax     = 60 * time.Second
	DefaultLogLevel         = "info"
)

// Environment variables that override values from the config file.
const (
	EnvNodeName   = "TAILSHIP_NODE_NAME"
	EnvServerHost = "TAILSHIP_SERVER_HOST"
	EnvServerPort = "TAILSHIP_SERVER_PORT"
	EnvLogLevel   = "TAILSHIP_LOG_LEVEL"
)

// Config is the top-level agent configuration.
// Fields map 1:1 to config.example.yaml; only the agent: key is read.
type Config struct {
	Agent AgentConfig `yaml:"agent"`
}

// AgentConfig holds all agent-side settings.
type AgentConfig struct {
	// NodeName identifies this host to the aggregation server.
	NodeName string `yaml:"node_name"`

	// Delimiter terminates every frame written to the server.
	Delimiter string `yaml:"delimiter"`

	// LogStreams maps a stream name to the files or directories feeding it.
	// Configuration order is preserved and is the order announced on connect.
	LogStreams Streams `yaml:"log_streams"`

	// Server is the aggregation server to connect to.
	Server ServerAddr `yaml:"server"`

	// PollInterval controls how often a missing path is checked for existence.
	PollInterval time.Duration `yaml:"poll_interval"`

	// Reconnect bounds the exponential backoff between connection attempts.
	Reconnect ReconnectConfig `yaml:"reconnect"`

	// ReplayBuffer is the number of log lines kept while disconnected and sent
	// after the next announce. 0 drops lines while disconnected.
	ReplayBuffer int `yaml:"replay_buffer"`

	// MetricsAddr is the listen address for GET /metrics. Empty disables it.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel is one of: debug | info | warn | error.
	LogLevel string `yaml:"log_level"`
}

// ServerAddr is the host and port of the aggregation server.
type ServerAddr struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Address returns host:port suitable for net.Dial.
func (s ServerAddr) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// ReconnectConfig holds the backoff bounds.
type ReconnectConfig struct {
	Initial time.Duration `yaml:"initial"`
	Max     time.Duration `yaml:"max"`
}

// Stream is one named log source and its configured paths.
type Stream struct {
	Name  string
	Paths []string
}

// Streams is an ordered list of log sources. In YAML it is written as a
// mapping from name to a path or a list of paths.
type Streams []Stream

// Names returns the stream names in configuration order.
func (s Streams) Names() []string {
	out := make([]string, len(s))
	for i, st := range s {
		out[i] = st.Name
	}
	return out
}

// UnmarshalYAML decodes a mapping node while keeping key order, which a Go map
// would lose.
func (s *Streams) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: log_streams must be a mapping of name to paths", value.Line)
	}
	out := make(Streams, 0, len(value.Content)/2)
	for i := 0; i+1 < len(value.Content); i += 2 {
		key, val := value.Content[i], value.Content[i+1]

		var paths []string
		switch val.Kind {
		case yaml.ScalarNode:
			var p string
			if err := val.Decode(&p); err != nil {
				return err
			}
			paths = []string{p}
		case yaml.SequenceNode:
			if err := val.Decode(&paths); err != nil {
				return err
			}
		default:
			return fmt.Errorf("line %d: log_streams.%s must be a path or a list of paths", val.Line, key.Value)
		}
		out = append(out, Stream{Name: key.Value, Paths: paths})
	}
	*s = out
	return nil
}

// Load reads and parses the YAML config file at path.
// Missing optional fields are filled with defaults, then environment
// overrides are applied, then the result is validated.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}
	return Parse(data)
}

// Parse is Load without the file read.
func Parse(data []byte) (*Config, error) {
	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		Agent: AgentConfig{
			NodeName:     DefaultNodeName,
			Delimiter:    DefaultDelimiter,
			Server:       ServerAddr{Host: DefaultServerHost, Port: DefaultServerPort},
			PollInterval: DefaultPollInterval,
			Reconnect: ReconnectConfig{
				Initial: DefaultReconnectInitial,
				Max:     DefaultReconnectMax,
			},
			LogLevel: DefaultLogLevel,
		},
	}
}

// applyEnv overrides file values with any TAILSHIP_* variables that are set.
func applyEnv(cfg *Config) error {
	if v := os.Getenv(EnvNodeName); v != "" {
		cfg.Agent.NodeName = v
	}
	if v := os.Getenv(EnvServerHost); v != "" {
		cfg.Agent.Server.Host = v
	}
	if v := os.Getenv(EnvServerPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s=%q: %w", EnvServerPort, v, err)
		}
		cfg.Agent.Server.Port = port
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Agent.LogLevel = v
	}
	return nil
}

// validate checks required fields and structural constraints.
func validate(cfg *Config) error {
	a := &cfg.Agent
	if a.NodeName == "" {
		return fmt.Errorf("agent.node_name must not be empty")
	}
	if a.Delimiter == "" {
		return fmt.Errorf("agent.delimiter must not be empty")
	}
	if strings.ContainsAny(a.NodeName, "|,") || strings.Contains(a.NodeName, a.Delimiter) {
		return fmt.Errorf("agent.node_name %q must not contain '|', ',' or the delimiter", a.NodeName)
	}
	if a.Server.Host == "" {
		return fmt.Errorf("agent.server.host is required")
	}
	if a.Server.Port <= 0 || a.Server.Port > 65535 {
		return fmt.Errorf("agent.server.port %d is out of range [1, 65535]", a.Server.Port)
	}
	if a.PollInterval <= 0 {
		return fmt.Errorf("agent.poll_interval must be positive")
	}
	if a.Reconnect.Initial <= 0 {
		return fmt.Errorf("agent.reconnect.initial must be positive")
	}
	if a.Reconnect.Max < a.Reconnect.Initial {
		return fmt.Errorf("agent.reconnect.max must not be less than agent.reconnect.initial")
	}
	if a.ReplayBuffer < 0 {
		return fmt.Errorf("agent.replay_buffer must not be negative")
	}
	switch strings.ToLower(a.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("agent.log_level %q unknown: want debug|info|warn|error", a.LogLevel)
	}

	seen := make(map[string]bool, len(a.LogStreams))
	for i, st := range a.LogStreams {
		if st.Name == "" {
			return fmt.Errorf("log_streams[%d]: name is required", i)
		}
		if strings.ContainsAny(st.Name, "|,") {
			return fmt.Errorf("log_streams[%d] %q: name must not contain '|' or ','", i, st.Name)
		}
		if seen[st.Name] {
			return fmt.Errorf("log_streams[%d] %q: duplicate name", i, st.Name)
		}
		seen[st.Name] = true
		if len(st.Paths) == 0 {
			return fmt.Errorf("log_streams[%d] %q: at least one path is required", i, st.Name)
		}
		for j, p := range st.Paths {
			if p == "" {
				return fmt.Errorf("log_streams[%d] %q: paths[%d] is empty", i, st.Name, j)
			}
		}
	}
	return nil
}
