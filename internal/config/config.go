// Package config handles mcphub configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nugget/mcphub/internal/paths"
	"github.com/nugget/mcphub/internal/registry"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/mcphub/config.yaml, /etc/mcphub/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "mcphub", "config.yaml"))
	}

	paths = append(paths, "/etc/mcphub/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all mcphub configuration.
type Config struct {
	Listen    ListenConfig   `yaml:"listen"`
	DataDir   string         `yaml:"data_dir"`
	LogLevel  string         `yaml:"log_level"`
	LogFormat string         `yaml:"log_format"` // text or json
	State     StateConfig    `yaml:"state"`
	Timeouts  TimeoutsConfig `yaml:"timeouts"`
	Health    HealthConfig   `yaml:"health"`
	MQTT      MQTTConfig     `yaml:"mqtt"`
	Usage     UsageConfig    `yaml:"usage"`

	// MCPServers are the static server descriptors. Each entry is either
	// {command, args, env, workdir} or {url, headers}. Descriptors are
	// not validated here: a bad entry fails only its own server.
	MCPServers map[string]registry.Descriptor `yaml:"mcpServers"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address        string   `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port           int      `yaml:"port"`
	MaxConnections int      `yaml:"max_connections"` // 0 = unlimited
	CORSOrigins    []string `yaml:"cors_origins"`
}

// Addr returns the host:port listen address.
func (l ListenConfig) Addr() string {
	return fmt.Sprintf("%s:%d", l.Address, l.Port)
}

// State backends.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// StateConfig selects where dynamically added servers are persisted.
type StateConfig struct {
	Backend   string      `yaml:"backend"` // sqlite, redis, or memory
	Driver    string      `yaml:"driver"`  // sqlite3 (cgo) or sqlite (pure Go)
	Path      string      `yaml:"path"`    // SQLite database file
	Namespace string      `yaml:"namespace"`
	Key       string      `yaml:"key"`
	Redis     RedisConfig `yaml:"redis"`
}

// RedisConfig defines the Redis connection for the redis backend.
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// TimeoutsConfig holds connection time budgets. Values are Go duration
// strings ("10s", "200ms"). Zero means the built-in default.
type TimeoutsConfig struct {
	Connect   time.Duration `yaml:"connect"`
	Request   time.Duration `yaml:"request"`
	Handshake time.Duration `yaml:"handshake"`
	DrainIdle time.Duration `yaml:"drain_idle"`
	DrainMax  time.Duration `yaml:"drain_max"`
}

// HealthConfig controls periodic ping health checks.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Interval     time.Duration `yaml:"interval"`
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
}

// UsageConfig controls the tool call ledger. It uses state.driver.
type UsageConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // SQLite database file
}

// MQTTConfig defines the optional MQTT status publisher.
type MQTTConfig struct {
	Broker             string `yaml:"broker"` // mqtt://host:1883 or mqtts://host:8883
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	DeviceName         string `yaml:"device_name"`
	DiscoveryPrefix    string `yaml:"discovery_prefix"`
	PublishIntervalSec int    `yaml:"publish_interval"`
}

// Configured reports whether enough is set to start the publisher.
func (m MQTTConfig) Configured() bool {
	return m.Broker != "" && m.DeviceName != ""
}

// expandEnv substitutes ${VAR} and $VAR from the environment. Server
// placeholders of the form ${input:name} are left for the registry to
// resolve at connect time.
func expandEnv(s string) string {
	return os.Expand(s, func(name string) string {
		if strings.HasPrefix(name, "input:") {
			return "${" + name + "}"
		}
		return os.Getenv(name)
	})
}

// Load reads configuration from a YAML file, applies defaults, and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	cfg.resolvePaths(filepath.Dir(path))

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a configuration with every default applied and no
// servers.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.resolvePaths("")
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.State.Backend == "" {
		c.State.Backend = BackendSQLite
	}
	if c.State.Driver == "" {
		c.State.Driver = "sqlite3"
	}
	if c.State.Path == "" {
		c.State.Path = "data:mcphub.db"
	}
	if c.Usage.Path == "" {
		c.Usage.Path = "data:usage.db"
	}
	if c.State.Redis.Address == "" {
		c.State.Redis.Address = "localhost:6379"
	}
	if c.Health.Interval == 0 {
		c.Health.Interval = 60 * time.Second
	}
	if c.Health.ProbeTimeout == 0 {
		c.Health.ProbeTimeout = 10 * time.Second
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if c.MQTT.PublishIntervalSec <= 0 {
		c.MQTT.PublishIntervalSec = 60
	}
	if c.MCPServers == nil {
		c.MCPServers = map[string]registry.Descriptor{}
	}
	for name, d := range c.MCPServers {
		d.Name = name
		c.MCPServers[name] = d
	}
}

// resolvePaths expands ~ in data_dir, then "data:", "config:" and ~ in
// state.path, usage.path, and every server workdir. configDir is the directory of
// the loaded file; empty leaves "config:" unregistered.
func (c *Config) resolvePaths(configDir string) {
	c.DataDir = paths.ExpandHome(c.DataDir)
	dirs := map[string]string{"data": c.DataDir}
	if configDir != "" {
		dirs["config"] = configDir
	}
	r := paths.New(dirs)

	c.State.Path = r.Resolve(c.State.Path)
	c.Usage.Path = r.Resolve(c.Usage.Path)
	for name, d := range c.MCPServers {
		d.Workdir = r.Resolve(d.Workdir)
		c.MCPServers[name] = d
	}
}

// Validate checks settings that would stop the process from starting.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log_format %q (valid: text, json)", c.LogFormat)
	}
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range", c.Listen.Port)
	}
	if c.Listen.MaxConnections < 0 {
		return fmt.Errorf("listen.max_connections must not be negative")
	}

	switch c.State.Backend {
	case BackendSQLite, BackendRedis, BackendMemory:
	default:
		return fmt.Errorf("unknown state.backend %q (valid: sqlite, redis, memory)", c.State.Backend)
	}
	if c.State.Backend == BackendSQLite || c.Usage.Enabled {
		switch c.State.Driver {
		case "sqlite3", "sqlite":
		default:
			return fmt.Errorf("unknown state.driver %q (valid: sqlite3, sqlite)", c.State.Driver)
		}
	}

	for _, d := range []struct {
		name string
		v    time.Duration
	}{
		{"timeouts.connect", c.Timeouts.Connect},
		{"timeouts.request", c.Timeouts.Request},
		{"timeouts.handshake", c.Timeouts.Handshake},
		{"timeouts.drain_idle", c.Timeouts.DrainIdle},
		{"timeouts.drain_max", c.Timeouts.DrainMax},
		{"health.interval", c.Health.Interval},
		{"health.probe_timeout", c.Health.ProbeTimeout},
	} {
		if d.v < 0 {
			return fmt.Errorf("%s must not be negative", d.name)
		}
	}

	if c.MQTT.Broker != "" && c.MQTT.DeviceName == "" {
		return fmt.Errorf("mqtt.device_name is required when mqtt.broker is set")
	}
	return nil
}

// Registry converts the timeouts section into registry timeouts.
func (t TimeoutsConfig) Registry() registry.Timeouts {
	return registry.Timeouts{
		Connect:   t.Connect,
		Request:   t.Request,
		Handshake: t.Handshake,
		DrainIdle: t.DrainIdle,
		DrainMax:  t.DrainMax,
	}
}
