package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	// Defaults matching the standard Hadoop layout
	DefaultUsercacheDir  = "/var/hadoop/data/usercache"
	DefaultWorkerPrefix  = "worker"
	DefaultAppNamePrefix = "spark-"
	DefaultSSHPort       = 22

	// Remote commands that hang would otherwise stall the whole run
	DefaultCommandTimeout = 60 * time.Second
)

// ConfigError reports an invalid or missing configuration value.
// It is always fatal: the run aborts before any worker is contacted.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// Duration wraps time.Duration so it can be written as a string
// ("90s", "2m") in the TOML config file.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Config holds everything needed to sweep a cluster. Workers may be given
// explicitly or generated from WorkerCount + WorkerPrefix; the explicit list
// wins when both are set.
type Config struct {
	SSHUser    string `toml:"ssh_user"`
	SSHKeyFile string `toml:"ssh_key_file"`
	SSHPort    int    `toml:"ssh_port"`

	Workers      []string `toml:"workers"`
	WorkerCount  int      `toml:"worker_count"`
	WorkerPrefix string   `toml:"worker_prefix"`

	UsercacheDir  string `toml:"usercache_dir"`
	AppNamePrefix string `toml:"app_name_prefix"`

	CommandTimeout Duration `toml:"command_timeout"`
}

// Load reads a TOML config file. Fields absent from the file are left at
// their zero value; call ApplyDefaults afterwards.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", path, err)
	}
	return &cfg, nil
}

// ApplyDefaults fills in unset optional fields.
func (c *Config) ApplyDefaults() {
	if c.SSHPort == 0 {
		c.SSHPort = DefaultSSHPort
	}
	if c.WorkerPrefix == "" {
		c.WorkerPrefix = DefaultWorkerPrefix
	}
	if c.UsercacheDir == "" {
		c.UsercacheDir = DefaultUsercacheDir
	}
	if c.AppNamePrefix == "" {
		c.AppNamePrefix = DefaultAppNamePrefix
	}
	if c.CommandTimeout.Duration == 0 {
		c.CommandTimeout.Duration = DefaultCommandTimeout
	}
}

// Validate checks the required fields. These are explicit preconditions, not
// reachability checks: a key file that exists but is not a valid key only
// fails once the first connection is attempted.
func (c *Config) Validate() error {
	if c.SSHUser == "" {
		return &ConfigError{Field: "ssh_user", Reason: "must not be empty"}
	}
	if c.SSHKeyFile == "" {
		return &ConfigError{Field: "ssh_key_file", Reason: "must not be empty"}
	}
	if _, err := os.Stat(c.SSHKeyFile); err != nil {
		return &ConfigError{Field: "ssh_key_file", Reason: err.Error()}
	}
	if len(c.Workers) == 0 && c.WorkerCount == 0 {
		return &ConfigError{Field: "workers", Reason: "no worker list or worker count given"}
	}
	if c.UsercacheDir == "" {
		return &ConfigError{Field: "usercache_dir", Reason: "must not be empty"}
	}
	return nil
}

// ExpandWorkers resolves the worker host list. An explicit list is returned
// as-is. Otherwise count generates prefix+"01".."NN", 1-based and zero-padded
// to two digits (counts above 99 continue with natural widths).
func ExpandWorkers(list []string, count int, prefix string) ([]string, error) {
	if len(list) > 0 {
		workers := make([]string, len(list))
		copy(workers, list)
		return workers, nil
	}
	if count < 0 {
		return nil, &ConfigError{Field: "worker_count", Reason: fmt.Sprintf("must not be negative, got %d", count)}
	}
	if count == 0 {
		return nil, &ConfigError{Field: "workers", Reason: "empty worker list and zero worker count"}
	}
	workers := make([]string, 0, count)
	for i := 1; i <= count; i++ {
		workers = append(workers, fmt.Sprintf("%s%02d", prefix, i))
	}
	return workers, nil
}
