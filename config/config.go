// Package config loads netroad runtime settings from YAML and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cyberinferno/netroad/codec"
	"github.com/cyberinferno/netroad/endpoint"
	"github.com/cyberinferno/netroad/logger"
)

// Mode selects which endpoint the CLI runs.
type Mode string

const (
	ModeClient    Mode = "client"
	ModeServer    Mode = "server"
	ModeUDPClient Mode = "udp-client"
	ModeUDPServer Mode = "udp-server"
)

// Valid reports whether m is one of the known modes.
func (m Mode) Valid() bool {
	switch m {
	case ModeClient, ModeServer, ModeUDPClient, ModeUDPServer:
		return true
	}
	return false
}

// Listens reports whether m binds a local socket instead of targeting a peer.
func (m Mode) Listens() bool {
	return m == ModeServer || m == ModeUDPServer
}

var (
	// ErrInvalidMode is returned for an unknown mode.
	ErrInvalidMode = errors.New("invalid mode")
	// ErrInvalidTimeout is returned for a non-positive timeout.
	ErrInvalidTimeout = errors.New("timeout must be positive")
	// ErrInvalidLogFormat is returned for a log format other than console or json.
	ErrInvalidLogFormat = errors.New("log format must be console or json")
	// ErrRelayConfig is returned for an incomplete relay section.
	ErrRelayConfig = errors.New("invalid relay configuration")
)

// Config represents the netroad runtime configuration.
type Config struct {
	Mode           Mode          `yaml:"mode"`
	Address        string        `yaml:"address"`
	Port           int           `yaml:"port"`
	Encoding       string        `yaml:"encoding"`
	Receive        bool          `yaml:"receive"`
	Backlog        int           `yaml:"backlog"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	SendTimeout    time.Duration `yaml:"send_timeout"`
	Server         ServerConfig  `yaml:"server"`
	Logging        LoggingConfig `yaml:"logging"`
	Relay          RelayConfig   `yaml:"relay"`
}

// ServerConfig holds server-mode behavior.
type ServerConfig struct {
	// Echo acknowledges every line back to its sender.
	Echo bool `yaml:"echo"`
	// Broadcast forwards every line to all connected peers.
	Broadcast bool `yaml:"broadcast"`
}

// LoggingConfig represents logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console | json
	// Dir, when set, also writes JSON logs to daily files in this directory.
	Dir string `yaml:"dir"`
}

// RelayConfig represents the Redis relay settings
type RelayConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

// Default returns the default configuration: a UTF-8 echo server on all
// interfaces at port 9000.
func Default() *Config {
	return &Config{
		Mode:           ModeServer,
		Address:        "",
		Port:           9000,
		Encoding:       "utf-8",
		Receive:        true,
		Backlog:        0,
		ConnectTimeout: 10 * time.Second,
		SendTimeout:    3 * time.Second,
		Server: ServerConfig{
			Echo: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Relay: RelayConfig{
			Addr:    "localhost:6379",
			Channel: "netroad",
		},
	}
}

// Load reads configuration from path (when not empty), applies NETROAD_*
// environment overrides and validates the result.
//
// Parameters:
//   - path: YAML file path; empty uses the defaults only
//
// Returns:
//   - The loaded configuration
//   - An error if the file cannot be read or parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Read is Load without validation, for callers that layer more overrides
// (such as command line flags) before calling Validate.
func Read(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

func applyEnvOverrides(cfg *Config) {
	if mode := os.Getenv("NETROAD_MODE"); mode != "" {
		cfg.Mode = Mode(mode)
	}

	if addr := os.Getenv("NETROAD_ADDRESS"); addr != "" {
		cfg.Address = addr
	}

	if port := os.Getenv("NETROAD_PORT"); port != "" {
		if val, err := strconv.Atoi(port); err == nil {
			cfg.Port = val
		}
	}

	if enc := os.Getenv("NETROAD_ENCODING"); enc != "" {
		cfg.Encoding = enc
	}

	if level := os.Getenv("NETROAD_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}

	if format := os.Getenv("NETROAD_LOG_FORMAT"); format != "" {
		cfg.Logging.Format = format
	}

	if dir := os.Getenv("NETROAD_LOG_DIR"); dir != "" {
		cfg.Logging.Dir = dir
	}

	if addr := os.Getenv("NETROAD_REDIS_ADDR"); addr != "" {
		cfg.Relay.Addr = addr
		cfg.Relay.Enabled = true
	}

	if password := os.Getenv("NETROAD_REDIS_PASSWORD"); password != "" {
		cfg.Relay.Password = password
	}
}

// Validate checks every field, resolving the endpoint and encoding.
func (c *Config) Validate() error {
	if !c.Mode.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidMode, c.Mode)
	}

	if _, err := c.Endpoint(); err != nil {
		return err
	}

	if _, err := c.Codec(); err != nil {
		return err
	}

	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect_timeout: %w", ErrInvalidTimeout)
	}

	if c.SendTimeout <= 0 {
		return fmt.Errorf("send_timeout: %w", ErrInvalidTimeout)
	}

	if _, err := logger.ParseLevel(c.Logging.Level); err != nil {
		return err
	}

	switch strings.ToLower(c.Logging.Format) {
	case "", "console", "json":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidLogFormat, c.Logging.Format)
	}

	if c.Relay.Enabled {
		if c.Mode != ModeServer {
			return fmt.Errorf("%w: relay requires server mode", ErrRelayConfig)
		}
		if c.Relay.Addr == "" || c.Relay.Channel == "" {
			return fmt.Errorf("%w: addr and channel are required", ErrRelayConfig)
		}
	}

	return nil
}

// Endpoint resolves Address and Port. Listening modes accept an empty
// address as every interface.
func (c *Config) Endpoint() (endpoint.Endpoint, error) {
	if c.Address == "" && c.Mode.Listens() {
		return endpoint.Any(c.Port)
	}

	return endpoint.Parse(c.Address, c.Port)
}

// Codec resolves Encoding by name.
func (c *Config) Codec() (*codec.Codec, error) {
	return codec.Lookup(c.Encoding)
}

// String returns a one-line summary for logging.
func (c *Config) String() string {
	return fmt.Sprintf("Config{Mode: %s, Address: %q, Port: %d, Encoding: %s, Relay: %v}",
		c.Mode, c.Address, c.Port, c.Encoding, c.Relay.Enabled)
}
