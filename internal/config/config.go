package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the optional config file inside the home directory.
const FileName = "config.yaml"

// Environment overrides.
const (
	EnvDatabaseURL = "DATABASE_URL"
	EnvRedisURL    = "DOCKERCLAW_REDIS_URL"
)

// Config is the server configuration. Zero values mean "use the component default".
type Config struct {
	Port      int    `yaml:"port"`
	Dev       bool   `yaml:"dev"`
	PprofAddr string `yaml:"pprof"`

	Database struct {
		Driver string `yaml:"driver"` // sqlite (default) or postgres
		URL    string `yaml:"url"`
	} `yaml:"database"`

	Redis struct {
		URL     string `yaml:"url"`
		Channel string `yaml:"channel"`
	} `yaml:"redis"`

	Stream struct {
		Keepalive time.Duration `yaml:"keepalive"`
		Buffer    int           `yaml:"buffer"`
	} `yaml:"stream"`

	Webhook struct {
		Timeout time.Duration `yaml:"timeout"`
		Rate    float64       `yaml:"rate"`
		Burst   int           `yaml:"burst"`
	} `yaml:"webhook"`

	Outbox struct {
		Workers     int           `yaml:"workers"`
		Interval    time.Duration `yaml:"interval"`
		MaxAttempts int           `yaml:"max_attempts"`
	} `yaml:"outbox"`

	Notifications struct {
		// Mute stops collaborator notifications; activity is still logged and streamed.
		Mute bool `yaml:"mute"`
	} `yaml:"notifications"`
}

// DefaultPort is the HTTP port when neither the file nor a flag sets one.
const DefaultPort = 3548

// Load reads <home>/config.yaml when present and applies environment overrides.
func Load(home string) (*Config, error) {
	var c Config
	path := filepath.Join(home, FileName)
	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	c.applyEnv()
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Driver != "sqlite" && c.Database.Driver != "postgres" {
		return nil, fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	return &c, nil
}

func (c *Config) applyEnv() {
	if u := os.Getenv(EnvDatabaseURL); u != "" {
		c.Database.URL = u
		if c.Database.Driver == "" {
			c.Database.Driver = "postgres"
		}
	}
	if u := os.Getenv(EnvRedisURL); u != "" {
		c.Redis.URL = u
	}
}
