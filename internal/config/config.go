package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models auditline.yml.
type Config struct {
	Server struct {
		Addr      string `yaml:"addr"`
		BasePath  string `yaml:"base_path"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Liveness struct {
		SweepInterval time.Duration `yaml:"sweep_interval"`
		Timeout       time.Duration `yaml:"timeout"`
		SendBuffer    int           `yaml:"send_buffer"`
	} `yaml:"liveness"`
	Dispatch    DispatchConfig    `yaml:"dispatch"`
	Channels    ChannelsConfig    `yaml:"channels"`
	Roadmap     RoadmapConfig     `yaml:"roadmap"`
	Persistence PersistenceConfig `yaml:"persistence"`
}

type DispatchConfig struct {
	Workers     int             `yaml:"workers"`
	MaxAttempts int             `yaml:"max_attempts"`
	Backoff     []time.Duration `yaml:"backoff"`
	SendTimeout time.Duration   `yaml:"send_timeout"`
}

type ChannelsConfig struct {
	Email struct {
		Enabled  *bool  `yaml:"enabled"`
		SMTPAddr string `yaml:"smtp_addr"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
		From     string `yaml:"from"`
	} `yaml:"email"`
	Chat struct {
		Enabled *bool `yaml:"enabled"`
	} `yaml:"chat"`
	Webhook struct {
		Enabled *bool  `yaml:"enabled"`
		Secret  string `yaml:"secret"`
	} `yaml:"webhook"`
}

type RoadmapConfig struct {
	PerActionEstimate time.Duration `yaml:"per_action_estimate"`
}

type PersistenceConfig struct {
	// Connections selects the connection-record sink: sqlite or redis.
	Connections string        `yaml:"connections"`
	RedisAddr   string        `yaml:"redis_addr"`
	RedisTTL    time.Duration `yaml:"redis_ttl"`
}

// Enabled treats a missing flag as on.
func Enabled(flag *bool) bool {
	return flag == nil || *flag
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; write one with al config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Liveness.Timeout <= 0 {
		return fmt.Errorf("config.liveness.timeout must be positive")
	}
	if c.Liveness.SweepInterval <= 0 {
		return fmt.Errorf("config.liveness.sweep_interval must be positive")
	}
	if c.Liveness.SweepInterval > c.Liveness.Timeout {
		return fmt.Errorf("config.liveness.sweep_interval %s exceeds timeout %s", c.Liveness.SweepInterval, c.Liveness.Timeout)
	}
	if c.Dispatch.Workers <= 0 {
		return fmt.Errorf("config.dispatch.workers must be positive")
	}
	if c.Dispatch.MaxAttempts <= 0 {
		return fmt.Errorf("config.dispatch.max_attempts must be positive")
	}
	if len(c.Dispatch.Backoff) == 0 && c.Dispatch.MaxAttempts > 1 {
		return fmt.Errorf("config.dispatch.backoff is required when max_attempts > 1")
	}
	for i, d := range c.Dispatch.Backoff {
		if d <= 0 {
			return fmt.Errorf("config.dispatch.backoff[%d] must be positive", i)
		}
	}
	if c.Dispatch.SendTimeout <= 0 {
		return fmt.Errorf("config.dispatch.send_timeout must be positive")
	}
	if c.Roadmap.PerActionEstimate <= 0 {
		return fmt.Errorf("config.roadmap.per_action_estimate must be positive")
	}
	if Enabled(c.Channels.Email.Enabled) && c.Channels.Email.SMTPAddr != "" && c.Channels.Email.From == "" {
		return fmt.Errorf("config.channels.email.from is required with smtp_addr")
	}
	switch c.Persistence.Connections {
	case "sqlite":
	case "redis":
		if c.Persistence.RedisAddr == "" {
			return fmt.Errorf("config.persistence.redis_addr is required for redis connection records")
		}
	default:
		return fmt.Errorf("config.persistence.connections must be sqlite or redis")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "auditline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing from
// data keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v1

log:
  level: info
  format: auto

liveness:
  sweep_interval: 30s
  timeout: 60s
  send_buffer: 64

dispatch:
  workers: 4
  max_attempts: 3
  backoff: [1m, 5m, 15m]
  send_timeout: 10s

channels:
  email:
    smtp_addr: ""
    from: ""
  chat: {}
  webhook:
    secret: ""

roadmap:
  per_action_estimate: 4h

persistence:
  connections: sqlite
  redis_addr: ""
  redis_ttl: 24h
`
