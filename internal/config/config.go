// Package config loads the per-project .connectsphere.yaml file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/corvino/connectsphere/internal/blob"
	"gopkg.in/yaml.v3"
)

// FileName is looked up in the working directory and every parent.
const FileName = ".connectsphere.yaml"

// Environment overrides.
const (
	EnvServer = "CONNECTSPHERE_SERVER"
	EnvUser   = "CONNECTSPHERE_USER"
	EnvRoom   = "CONNECTSPHERE_ROOM"
	EnvICE    = "CONNECTSPHERE_ICE_SERVERS"
)

const DefaultServer = "http://localhost:8080"

// Transfer tunes the chunked upload engine. Zero values use engine defaults.
type Transfer struct {
	ChunkSize   int64 `yaml:"chunk_size,omitempty"`
	Concurrency int   `yaml:"concurrency,omitempty"`
	MaxRetries  int   `yaml:"max_retries,omitempty"`
	UseProxy    bool  `yaml:"use_proxy,omitempty"`
}

// Config is the project configuration.
type Config struct {
	Server      string         `yaml:"server"`
	User        string         `yaml:"user"`
	Room        string         `yaml:"room,omitempty"`
	AuditRoom   string         `yaml:"audit_room,omitempty"`
	RingTimeout time.Duration  `yaml:"ring_timeout,omitempty"`
	ICEServers  []string       `yaml:"ice_servers,omitempty"`
	Transfer    Transfer       `yaml:"transfer,omitempty"`
	S3          *blob.S3Config `yaml:"s3,omitempty"`

	// Path is where the config was read from. Empty when no file exists.
	Path string `yaml:"-"`
}

// Find returns the path of the nearest config file at or above dir.
func Find(dir string) (string, bool) {
	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return path, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}

// Read parses the file at path.
func Read(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid YAML in %s: %w", path, err)
	}
	cfg.Path = path
	return &cfg, nil
}

// Load resolves the configuration for dir: the nearest file if any, then
// environment overrides, then defaults. A missing file is not an error.
func Load(dir string) (*Config, error) {
	cfg := &Config{}
	if path, ok := Find(dir); ok {
		var err error
		if cfg, err = Read(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	if cfg.Server == "" {
		cfg.Server = DefaultServer
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvServer); v != "" {
		c.Server = v
	}
	if v := os.Getenv(EnvUser); v != "" {
		c.User = v
	}
	if v := os.Getenv(EnvRoom); v != "" {
		c.Room = v
	}
	if v := os.Getenv(EnvICE); v != "" {
		c.ICEServers = splitComma(v)
	}
}

// Save writes cfg as YAML to dir/FileName.
func Save(dir string, cfg *Config) (string, error) {
	if cfg.User == "" {
		return "", errors.New("config needs a user")
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("marshal config: %w", err)
	}
	path := filepath.Join(dir, FileName)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}

func splitComma(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
