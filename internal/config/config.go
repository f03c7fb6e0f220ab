package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models rollcall.yml.
type Config struct {
	HTTP struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"http"`
	Telegram struct {
		APIBase        string `yaml:"api_base"`
		OperatorChatID string `yaml:"operator_chat_id"`
	} `yaml:"telegram"`
	Tag struct {
		Alphabet string `yaml:"alphabet"`
	} `yaml:"tag"`
	Sweep struct {
		Interval string `yaml:"interval"`
		DailyAt  string `yaml:"daily_at"`
	} `yaml:"sweep"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create it with rollcall config init", path)
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

// Validate ensures the config meets required structure. Deadline-shaped
// strings that do not parse are configuration errors and fail here, before
// any task starts.
func (c *Config) Validate() error {
	if c.HTTP.Addr == "" {
		return fmt.Errorf("config.http.addr is required")
	}
	switch c.Tag.Alphabet {
	case "", "cyrillic", "latin":
	default:
		return fmt.Errorf("config.tag.alphabet must be cyrillic or latin, got %q", c.Tag.Alphabet)
	}
	if c.Sweep.Interval != "" {
		d, err := time.ParseDuration(c.Sweep.Interval)
		if err != nil {
			return fmt.Errorf("config.sweep.interval: %w", err)
		}
		if d < time.Minute {
			return fmt.Errorf("config.sweep.interval must be at least 1m")
		}
	}
	if c.Sweep.DailyAt != "" {
		if _, err := time.Parse("15:04", c.Sweep.DailyAt); err != nil {
			return fmt.Errorf("config.sweep.daily_at must be HH:MM: %w", err)
		}
	}
	return nil
}

// SweepInterval returns the parsed periodic cadence, zero when unset.
func (c *Config) SweepInterval() time.Duration {
	if c.Sweep.Interval == "" {
		return 0
	}
	d, _ := time.ParseDuration(c.Sweep.Interval)
	return d
}

// Alphabet returns the configured tag alphabet with the default applied.
func (c *Config) Alphabet() string {
	if c.Tag.Alphabet == "" {
		return "cyrillic"
	}
	return c.Tag.Alphabet
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "rollcall.yml")
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

const defaultTemplate = `http:
  addr: 127.0.0.1:8080
  base_path: /v0

telegram:
  api_base: https://api.telegram.org
  operator_chat_id: ""

tag:
  alphabet: cyrillic

sweep:
  interval: 1h
  daily_at: "12:00"
`
