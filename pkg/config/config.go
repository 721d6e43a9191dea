// Package config loads the pool manager's bootstrap YAML config (§3),
// generalizing the teacher's pkg/pics YAML handling (parser_yaml.go)
// from PICS item parsing to a flat settings document.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/devicepool/devicepool-go/pkg/pool"
)

// BootstrapConfig is the on-disk shape of the pool manager's static
// configuration file.
type BootstrapConfig struct {
	MaxEmulators     int `yaml:"maxEmulators"`
	MaxNullDevices   int `yaml:"maxNullDevices"`
	MaxTcpDevices    int `yaml:"maxTcpDevices"`
	MaxGceDevices    int `yaml:"maxGceDevices"`
	MaxRemoteDevices int `yaml:"maxRemoteDevices"`

	FastbootPath         string        `yaml:"fastbootPath"`
	FastbootPollInterval time.Duration `yaml:"fastbootPollInterval"`

	ExcludeSerials []string `yaml:"excludeSerials"`
	IncludeSerials []string `yaml:"includeSerials"`

	FrameworkCheckDefaultPass bool `yaml:"frameworkCheckDefaultPass"`
}

// defaultFastbootPollInterval is used when the config file omits the
// field entirely (its zero value disables polling, which is rarely
// what an operator wants from a bare config).
const defaultFastbootPollInterval = 5 * time.Second

// Default returns the built-in defaults. The device limits, poll interval
// and FrameworkCheckDefaultPass equal the example BootstrapConfig in
// SPEC_FULL.md; FastbootPath is the bare "fastboot" and no serial is
// excluded.
func Default() BootstrapConfig {
	return BootstrapConfig{
		MaxEmulators:              4,
		MaxNullDevices:            8,
		MaxTcpDevices:             4,
		FastbootPath:              "fastboot",
		FastbootPollInterval:      defaultFastbootPollInterval,
		FrameworkCheckDefaultPass: true,
	}
}

// rawBootstrapConfig mirrors BootstrapConfig but holds
// FastbootPollInterval as a string, since yaml.v3 has no built-in
// scalar conversion for time.Duration (it only unmarshals numeric
// scalars into int64-kind fields, and "5s" isn't numeric).
type rawBootstrapConfig struct {
	MaxEmulators     int `yaml:"maxEmulators"`
	MaxNullDevices   int `yaml:"maxNullDevices"`
	MaxTcpDevices    int `yaml:"maxTcpDevices"`
	MaxGceDevices    int `yaml:"maxGceDevices"`
	MaxRemoteDevices int `yaml:"maxRemoteDevices"`

	FastbootPath         string `yaml:"fastbootPath"`
	FastbootPollInterval string `yaml:"fastbootPollInterval"`

	ExcludeSerials []string `yaml:"excludeSerials"`
	IncludeSerials []string `yaml:"includeSerials"`

	FrameworkCheckDefaultPass bool `yaml:"frameworkCheckDefaultPass"`
}

// Load reads and parses a BootstrapConfig from path, starting from
// Default() so a partial file only overrides the fields it sets.
func Load(path string) (BootstrapConfig, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return BootstrapConfig{}, fmt.Errorf("read config %s: %w", path, err)
	}

	raw := rawBootstrapConfig{
		MaxEmulators:              cfg.MaxEmulators,
		MaxNullDevices:            cfg.MaxNullDevices,
		MaxTcpDevices:             cfg.MaxTcpDevices,
		MaxGceDevices:             cfg.MaxGceDevices,
		MaxRemoteDevices:          cfg.MaxRemoteDevices,
		FastbootPath:              cfg.FastbootPath,
		FastbootPollInterval:      cfg.FastbootPollInterval.String(),
		ExcludeSerials:            cfg.ExcludeSerials,
		IncludeSerials:            cfg.IncludeSerials,
		FrameworkCheckDefaultPass: cfg.FrameworkCheckDefaultPass,
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return BootstrapConfig{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	interval, err := time.ParseDuration(raw.FastbootPollInterval)
	if err != nil {
		return BootstrapConfig{}, fmt.Errorf("config %s: invalid fastbootPollInterval %q: %w", path, raw.FastbootPollInterval, err)
	}

	cfg.MaxEmulators = raw.MaxEmulators
	cfg.MaxNullDevices = raw.MaxNullDevices
	cfg.MaxTcpDevices = raw.MaxTcpDevices
	cfg.MaxGceDevices = raw.MaxGceDevices
	cfg.MaxRemoteDevices = raw.MaxRemoteDevices
	cfg.FastbootPath = raw.FastbootPath
	cfg.FastbootPollInterval = interval
	cfg.ExcludeSerials = raw.ExcludeSerials
	cfg.IncludeSerials = raw.IncludeSerials
	cfg.FrameworkCheckDefaultPass = raw.FrameworkCheckDefaultPass

	if err := cfg.Validate(); err != nil {
		return BootstrapConfig{}, err
	}
	return cfg, nil
}

// Validate rejects a config with negative limits, which would make the
// pool manager's placeholder-limit checks meaningless.
func (c BootstrapConfig) Validate() error {
	limits := map[string]int{
		"maxEmulators":     c.MaxEmulators,
		"maxNullDevices":   c.MaxNullDevices,
		"maxTcpDevices":    c.MaxTcpDevices,
		"maxGceDevices":    c.MaxGceDevices,
		"maxRemoteDevices": c.MaxRemoteDevices,
	}
	for name, v := range limits {
		if v < 0 {
			return fmt.Errorf("config: %s must be >= 0, got %d", name, v)
		}
	}
	if c.FastbootPollInterval < 0 {
		return fmt.Errorf("config: fastbootPollInterval must be >= 0, got %s", c.FastbootPollInterval)
	}
	return nil
}

// Limits converts the YAML limits into pool.Limits.
func (c BootstrapConfig) Limits() pool.Limits {
	return pool.Limits{
		MaxEmulators:     c.MaxEmulators,
		MaxNullDevices:   c.MaxNullDevices,
		MaxTcpDevices:    c.MaxTcpDevices,
		MaxGceDevices:    c.MaxGceDevices,
		MaxRemoteDevices: c.MaxRemoteDevices,
	}
}
