package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

// PeerConfig describes one remote cluster member.
type PeerConfig struct {
	Name          string `yaml:"name"`
	Host          string `yaml:"host"`
	Permafollower bool   `yaml:"permafollower"`
}

// Config contains runtime settings for a node process. Values load from a
// YAML file (BEDROCK_CONFIG) and can be overridden by environment variables.
type Config struct {
	NodeName string `yaml:"node_name"`
	Version  string `yaml:"version"`

	// Priority orders leader election; 0 makes this node a permafollower.
	Priority int `yaml:"priority"`

	// ListenAddr is the peer transport bind address.
	ListenAddr string `yaml:"listen_addr"`

	// AdminAddr serves /metrics, /status, and /debug/pprof. Empty disables.
	AdminAddr string `yaml:"admin_addr"`

	LogLevel string `yaml:"log_level"`

	Peers []PeerConfig `yaml:"peers"`

	// ShutdownWait bounds graceful shutdown before escalations are abandoned.
	ShutdownWait time.Duration `yaml:"shutdown_wait"`

	TracingEnabled     bool   `yaml:"tracing_enabled"`
	TracingEndpoint    string `yaml:"tracing_endpoint"`
	TracingServiceName string `yaml:"tracing_service_name"`
}

// DefaultConfig returns a local-development configuration.
func DefaultConfig() Config {
	return Config{
		NodeName:           "node-1",
		Version:            "dev",
		Priority:           100,
		ListenAddr:         ":9000",
		AdminAddr:          ":9090",
		LogLevel:           "info",
		ShutdownWait:       60 * time.Second,
		TracingServiceName: "bedrock-node",
	}
}

// LoadConfig loads configuration from the YAML file at path (optional, ""
// skips it) and then applies environment overrides.
//
// Supported vars:
// - BEDROCK_NODE_NAME
// - BEDROCK_VERSION
// - BEDROCK_PRIORITY (uint, 0 = permafollower)
// - BEDROCK_LISTEN_ADDR
// - BEDROCK_ADMIN_ADDR
// - BEDROCK_LOG_LEVEL (debug|info|warn|error)
// - BEDROCK_PEERS (comma-separated name=host:port[?permafollower] entries)
// - BEDROCK_SHUTDOWN_WAIT (duration)
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("app: read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("app: parse config %s: %w", path, err)
		}
	}

	if v := strings.TrimSpace(os.Getenv("BEDROCK_NODE_NAME")); v != "" {
		cfg.NodeName = v
	}
	if v := strings.TrimSpace(os.Getenv("BEDROCK_VERSION")); v != "" {
		cfg.Version = v
	}
	if v := strings.TrimSpace(os.Getenv("BEDROCK_PRIORITY")); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil || p < 0 {
			return Config{}, fmt.Errorf("app: invalid BEDROCK_PRIORITY %q", v)
		}
		cfg.Priority = p
	}
	if v := strings.TrimSpace(os.Getenv("BEDROCK_LISTEN_ADDR")); v != "" {
		cfg.ListenAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("BEDROCK_ADMIN_ADDR")); v != "" {
		cfg.AdminAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("BEDROCK_LOG_LEVEL")); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("BEDROCK_PEERS")); v != "" {
		peers, err := parsePeerList(v)
		if err != nil {
			return Config{}, err
		}
		cfg.Peers = peers
	}
	if v := strings.TrimSpace(os.Getenv("BEDROCK_SHUTDOWN_WAIT")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("app: invalid BEDROCK_SHUTDOWN_WAIT %q: %w", v, err)
		}
		cfg.ShutdownWait = d
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required settings are present and coherent.
func (c Config) Validate() error {
	if strings.TrimSpace(c.NodeName) == "" {
		return fmt.Errorf("app: node name is required")
	}
	if c.Priority < 0 {
		return fmt.Errorf("app: priority must be non-negative")
	}
	if strings.TrimSpace(c.ListenAddr) == "" {
		return fmt.Errorf("app: listen addr is required")
	}
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("app: unsupported log level %q", c.LogLevel)
	}
	if c.ShutdownWait <= 0 {
		return fmt.Errorf("app: shutdown wait must be positive")
	}
	seen := make(map[string]bool, len(c.Peers))
	for _, p := range c.Peers {
		if strings.TrimSpace(p.Name) == "" || strings.TrimSpace(p.Host) == "" {
			return fmt.Errorf("app: peer entries need name and host: %+v", p)
		}
		if p.Name == c.NodeName {
			return fmt.Errorf("app: peer %q duplicates the node's own name", p.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("app: duplicate peer name %q", p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}

// parsePeerList parses "name=host:port[?permafollower]" entries.
func parsePeerList(raw string) ([]PeerConfig, error) {
	var out []PeerConfig
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, rest, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("app: invalid peer entry %q", entry)
		}
		host := rest
		permafollower := false
		if h, params, hasParams := strings.Cut(rest, "?"); hasParams {
			host = h
			for _, param := range strings.Split(params, "&") {
				if param == "permafollower" || param == "permafollower=true" {
					permafollower = true
				}
			}
		}
		out = append(out, PeerConfig{
			Name:          strings.TrimSpace(name),
			Host:          strings.TrimSpace(host),
			Permafollower: permafollower,
		})
	}
	return out, nil
}
