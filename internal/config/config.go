// Package config loads goshell's per-host connection settings from a
// YAML file, the teacher's load_config.go semantics re-expressed the way
// postalsys-Muti-Metroo/internal/config loads its agent configuration:
// defaults first, then YAML overrides, then validation.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// HostConfig is one named entry of the config file, equivalent to one
// "Host" stanza in the teacher's ad hoc format.
type HostConfig struct {
	Hostname               string        `yaml:"hostname"`
	Port                   int           `yaml:"port"`
	User                   string        `yaml:"user"`
	KeybasedAuthentication bool          `yaml:"key_based_authentication"`
	IdentityFile           string        `yaml:"identity_file"`
	ProxyJump              string        `yaml:"proxy_jump"`
	ProxyCommand           string        `yaml:"proxy_command"`
	KeepAliveInterval      time.Duration `yaml:"keep_alive_interval"`
}

// Config is the full parsed configuration file: a map of host alias to
// HostConfig, plus process-wide defaults new aliases inherit from.
type Config struct {
	Defaults HostConfig            `yaml:"defaults"`
	Hosts    map[string]HostConfig `yaml:"hosts"`
}

// Default returns an empty Config with reasonable process-wide defaults.
func Default() *Config {
	return &Config{
		Defaults: HostConfig{
			Port:              22,
			KeepAliveInterval: 60 * time.Second,
		},
		Hosts: map[string]HostConfig{},
	}
}

// Load reads and parses the config file at path. A missing file is not
// an error: it returns Default(), matching the teacher's loadConfig
// treating a missing file as "no saved hosts yet."
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes, filling each host's Port,
// User, IdentityFile and KeepAliveInterval from Defaults when left at its
// zero value; other HostConfig fields are not inherited.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing yaml: %w", err)
	}
	for alias, h := range cfg.Hosts {
		cfg.Hosts[alias] = mergeDefaults(h, cfg.Defaults)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func mergeDefaults(h, defaults HostConfig) HostConfig {
	if h.Port == 0 {
		h.Port = defaults.Port
	}
	if h.User == "" {
		h.User = defaults.User
	}
	if h.IdentityFile == "" {
		h.IdentityFile = defaults.IdentityFile
	}
	if h.KeepAliveInterval == 0 {
		h.KeepAliveInterval = defaults.KeepAliveInterval
	}
	return h
}

// Validate checks every host entry for the fields goshell needs to dial.
func (c *Config) Validate() error {
	var errs []string
	for alias, h := range c.Hosts {
		if h.Hostname == "" {
			errs = append(errs, fmt.Sprintf("hosts.%s: hostname is required", alias))
		}
		if h.Port < 1 || h.Port > 65535 {
			errs = append(errs, fmt.Sprintf("hosts.%s: port %d out of range", alias, h.Port))
		}
		if h.ProxyJump != "" && h.ProxyCommand != "" {
			errs = append(errs, fmt.Sprintf("hosts.%s: proxy_jump and proxy_command are mutually exclusive", alias))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Save writes cfg to path as YAML, used by goshell's init-config command
// in place of the teacher's hand-rolled stanza writer.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshaling: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("config: writing %s: %w", path, err)
	}
	return nil
}
