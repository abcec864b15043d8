// Package config loads node configuration from TOML files.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pelletier/go-toml/v2"
)

// Defaults.
const (
	DefaultName              = "svclink"
	DefaultMaxFrameSize      = 1 << 20
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultHeartbeatMissed   = 3
	DefaultTopicPrefix       = "svclink.node."
)

// Duration is a time.Duration written as a string ("15s") in TOML.
type Duration time.Duration

// UnmarshalText parses a Go duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText formats the duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the duration as time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the configuration of one node.
type Config struct {
	// NodeID identifies the node. A fresh one is generated when empty.
	NodeID      string   `toml:"node_id"`
	Name        string   `toml:"name"`
	LogLevel    string   `toml:"log_level"`
	ProtocolLog string   `toml:"protocol_log"`
	Interfaces  []string `toml:"interfaces"`

	Transport TransportConfig `toml:"transport"`
	Bus       BusConfig       `toml:"bus"`
}

// TransportConfig configures direct TCP links.
type TransportConfig struct {
	Listen             string   `toml:"listen"`
	Peers              []string `toml:"peers"`
	MaxFrameSize       uint32   `toml:"max_frame_size"`
	HandshakeTimeout   Duration `toml:"handshake_timeout"`
	WriteTimeout       Duration `toml:"write_timeout"`
	HeartbeatInterval  Duration `toml:"heartbeat_interval"`
	HeartbeatMaxMissed int      `toml:"heartbeat_max_missed"`
}

// BusConfig configures links over a message bus.
type BusConfig struct {
	Enabled            bool     `toml:"enabled"`
	TopicPrefix        string   `toml:"topic_prefix"`
	Peers              []string `toml:"peers"`
	HeartbeatInterval  Duration `toml:"heartbeat_interval"`
	HeartbeatMaxMissed int      `toml:"heartbeat_max_missed"`
}

// Default returns a configuration with every default applied.
func Default() Config {
	var cfg Config
	cfg.ApplyDefaults()
	return cfg
}

// Load reads, defaults and validates a configuration file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes, defaults and validates TOML configuration data.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config parse failed: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.NodeID == "" {
		c.NodeID = uuid.NewString()
	}
	if c.Name == "" {
		c.Name = DefaultName
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	t := &c.Transport
	if t.MaxFrameSize == 0 {
		t.MaxFrameSize = DefaultMaxFrameSize
	}
	if t.HandshakeTimeout == 0 {
		t.HandshakeTimeout = Duration(DefaultHandshakeTimeout)
	}
	if t.HeartbeatInterval == 0 {
		t.HeartbeatInterval = Duration(DefaultHeartbeatInterval)
	}
	if t.HeartbeatMaxMissed == 0 {
		t.HeartbeatMaxMissed = DefaultHeartbeatMissed
	}
	if c.Bus.TopicPrefix == "" {
		c.Bus.TopicPrefix = DefaultTopicPrefix
	}
	if c.Bus.HeartbeatInterval == 0 {
		c.Bus.HeartbeatInterval = Duration(DefaultHeartbeatInterval)
	}
	if c.Bus.HeartbeatMaxMissed == 0 {
		c.Bus.HeartbeatMaxMissed = DefaultHeartbeatMissed
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if _, err := uuid.Parse(c.NodeID); err != nil {
		return fmt.Errorf("node_id invalid: %w", err)
	}
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	for i, p := range c.Transport.Peers {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("transport.peers[%d] is empty", i)
		}
	}
	if c.Transport.HeartbeatInterval < 0 {
		return fmt.Errorf("transport.heartbeat_interval must not be negative")
	}
	if c.Transport.HeartbeatMaxMissed < 0 {
		return fmt.Errorf("transport.heartbeat_max_missed must not be negative")
	}
	if c.Bus.HeartbeatInterval < 0 {
		return fmt.Errorf("bus.heartbeat_interval must not be negative")
	}
	if c.Bus.HeartbeatMaxMissed < 0 {
		return fmt.Errorf("bus.heartbeat_max_missed must not be negative")
	}
	for i, p := range c.Bus.Peers {
		if _, err := uuid.Parse(p); err != nil {
			return fmt.Errorf("bus.peers[%d] invalid: %w", i, err)
		}
	}
	return nil
}

// ID returns the parsed node identifier.
func (c Config) ID() uuid.UUID {
	id, _ := uuid.Parse(c.NodeID)
	return id
}

// Level returns the operational log level.
func (c Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log_level invalid: %w", err)
	}
	return level, nil
}

// BusPeers returns the parsed bus peer identifiers.
func (c Config) BusPeers() []uuid.UUID {
	peers := make([]uuid.UUID, 0, len(c.Bus.Peers))
	for _, p := range c.Bus.Peers {
		if id, err := uuid.Parse(p); err == nil {
			peers = append(peers, id)
		}
	}
	return peers
}

// Marshal encodes the configuration as TOML.
func (c Config) Marshal() ([]byte, error) {
	return toml.Marshal(c)
}

// WriteTemplate writes a commented starter configuration to path.
func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const template = `# svclink node configuration
name = "svclink"
log_level = "info"
# protocol_log = "/var/log/svclink/protocol.cbor"
interfaces = ["interfaces/hello.yaml"]

[transport]
listen = ":7400"
peers = []
max_frame_size = 1048576
handshake_timeout = "10s"
heartbeat_interval = "15s"
heartbeat_max_missed = 3

[bus]
enabled = false
topic_prefix = "svclink.node."
peers = []
heartbeat_interval = "15s"
heartbeat_max_missed = 3
`
