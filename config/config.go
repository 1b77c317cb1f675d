// Package config loads the vigil configuration file.
//
// Config is stored at $XDG_CONFIG_HOME/vigil/vigil.yaml (defaults to
// ~/.config/vigil/vigil.yaml). Everything in it can also be set per
// invocation with flags; the file exists so a monitor deployment does not
// need a wall of flags in its unit file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultExclude is the default exclusion set: process-virtual
// filesystems, temporary and log directories, and files the container
// runtime manages itself. These change during normal operation and would
// otherwise produce false drift positives.
var DefaultExclude = []string{
	"proc",
	"sys",
	"dev",
	"tmp",
	"run",
	"var/tmp",
	"var/log",
	"var/cache",
	"etc/hostname",
	"etc/hosts",
	"etc/resolv.conf",
	".dockerenv",
}

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Container holds per-container monitoring settings. Zero values inherit
// the global setting.
type Container struct {
	Name        string   `yaml:"name"`
	Interval    Duration `yaml:"interval,omitempty"`
	AutoRestore *bool    `yaml:"auto-restore,omitempty"`
	// Exclude extends the global exclusion set for this container.
	Exclude []string `yaml:"exclude,omitempty"`
}

// Config is the on-disk configuration.
type Config struct {
	DataRoot            string   `yaml:"data-root,omitempty"`
	LogLevel            string   `yaml:"log-level,omitempty"`
	Interval            Duration `yaml:"interval,omitempty"`
	CheckTimeout        Duration `yaml:"check-timeout,omitempty"`
	MaxConcurrentHashes int64    `yaml:"max-concurrent-hashes,omitempty"`
	AutoRestore         bool     `yaml:"auto-restore,omitempty"`
	// Exclude replaces the default exclusion set when non-empty.
	Exclude    []string    `yaml:"exclude,omitempty"`
	Containers []Container `yaml:"containers,omitempty"`
}

// Path returns the config file location. It respects XDG_CONFIG_HOME,
// falling back to ~/.config/vigil/vigil.yaml.
func Path() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(".config", "vigil", "vigil.yaml")
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "vigil", "vigil.yaml")
}

// DefaultDataRoot is where snapshots and the event log live unless
// overridden.
func DefaultDataRoot() string {
	return "/var/lib/vigil"
}

// Load reads the config file at path ("" means Path()). A missing file
// yields an empty Config, not an error.
func Load(path string) (*Config, error) {
	if path == "" {
		path = Path()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// Save writes the config file at path ("" means Path()), creating parent
// directories as needed.
func (c *Config) Save(path string) error {
	if path == "" {
		path = Path()
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// GlobalExclude returns the effective global exclusion set.
func (c *Config) GlobalExclude() []string {
	if len(c.Exclude) > 0 {
		return c.Exclude
	}
	return DefaultExclude
}

// ExcludeFor returns the effective exclusion set for one container: the
// global set plus any per-container additions.
func (c *Config) ExcludeFor(name string) []string {
	out := append([]string(nil), c.GlobalExclude()...)
	for _, ct := range c.Containers {
		if ct.Name == name {
			out = append(out, ct.Exclude...)
		}
	}
	return out
}

// ContainerSettings returns the per-container entry for name, if any.
func (c *Config) ContainerSettings(name string) (Container, bool) {
	for _, ct := range c.Containers {
		if ct.Name == name {
			return ct, true
		}
	}
	return Container{}, false
}

// IntervalFor returns the effective check interval for one container;
// zero means the scheduler default applies.
func (c *Config) IntervalFor(name string) time.Duration {
	if ct, ok := c.ContainerSettings(name); ok && ct.Interval > 0 {
		return time.Duration(ct.Interval)
	}
	return time.Duration(c.Interval)
}

// AutoRestoreFor returns the effective restore policy for one container.
func (c *Config) AutoRestoreFor(name string) bool {
	if ct, ok := c.ContainerSettings(name); ok && ct.AutoRestore != nil {
		return *ct.AutoRestore
	}
	return c.AutoRestore
}
