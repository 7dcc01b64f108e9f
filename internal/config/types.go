package config

import (
	"fmt"
	"strings"
	"time"

	"checkd/internal/queue"
	"checkd/internal/registry"
	"checkd/internal/rendezvous"
	"checkd/pkg/logx"
)

type Config struct {
	Logging LoggingConfig `json:"logging"`
	Store   StoreConfig   `json:"store"`
	Poller  PollerConfig  `json:"poller"`

	Queue      QueueConfig      `json:"queue,omitempty"`
	Registry   RegistryConfig   `json:"registry,omitempty"`
	Rendezvous RendezvousConfig `json:"rendezvous,omitempty"`
}

type LoggingConfig struct {
	// Level is one of trace, debug, info, warn, error.
	Level   string     `json:"level,omitempty"`
	Console bool       `json:"console,omitempty"`
	File    FileConfig `json:"file,omitempty"`
}

type FileConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`
}

type StoreConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
	// PoolSize caps open connections; postgres only.
	PoolSize int `json:"pool_size,omitempty"`
	// BusyTimeout is a Go duration string; sqlite only.
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type PollerConfig struct {
	Enabled bool `json:"enabled,omitempty"`
	// Schedule is a cron spec; seconds field optional.
	Schedule string `json:"schedule,omitempty"`
	Timezone string `json:"timezone,omitempty"`
	Task     string `json:"task,omitempty"`
}

type QueueConfig struct {
	// DeadTaskTimeout is how long a claimed task may go silent before
	// another worker may take it over. Go duration string.
	DeadTaskTimeout string `json:"dead_task_timeout,omitempty"`
}

type RegistryConfig struct {
	// PollInterval bounds how often provider freshness is re-checked.
	PollInterval string `json:"poll_interval,omitempty"`
}

type RendezvousConfig struct {
	// DefaultTimeout applies to code requests that carry no explicit
	// timeout of their own.
	DefaultTimeout string `json:"default_timeout,omitempty"`
}

func (c *Config) Validate() error {
	switch strings.TrimSpace(c.Store.Driver) {
	case "sqlite", "postgres":
	case "":
		return fmt.Errorf("store.driver is required")
	default:
		return fmt.Errorf("store.driver: unknown driver %q", c.Store.Driver)
	}
	if strings.TrimSpace(c.Store.DSN) == "" {
		return fmt.Errorf("store.dsn is required")
	}
	if _, err := ParseDurationField("store.busy_timeout", c.Store.BusyTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("queue.dead_task_timeout", c.Queue.DeadTaskTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("registry.poll_interval", c.Registry.PollInterval); err != nil {
		return err
	}
	if _, err := ParseDurationField("rendezvous.default_timeout", c.Rendezvous.DefaultTimeout); err != nil {
		return err
	}
	if tz := strings.TrimSpace(c.Poller.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("poller.timezone: %w", err)
		}
	}
	return nil
}

// LogConfig maps the logging section onto the logx setup.
func (c *Config) LogConfig() logx.Config {
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File: logx.FileConfig{
			Enabled: c.Logging.File.Enabled,
			Path:    c.Logging.File.Path,
		},
	}
}

// DeadTaskTimeout returns the configured takeover timeout or the
// built-in default.
func (c *Config) DeadTaskTimeout() time.Duration {
	d, err := ParseDurationOrDefault("queue.dead_task_timeout", c.Queue.DeadTaskTimeout, queue.DefaultDeadTaskTimeout)
	if err != nil {
		return queue.DefaultDeadTaskTimeout
	}
	return d
}

func (c *Config) RegistryPollInterval() time.Duration {
	d, err := ParseDurationOrDefault("registry.poll_interval", c.Registry.PollInterval, registry.DefaultPollInterval)
	if err != nil {
		return registry.DefaultPollInterval
	}
	return d
}

func (c *Config) RendezvousTimeout() time.Duration {
	d, err := ParseDurationOrDefault("rendezvous.default_timeout", c.Rendezvous.DefaultTimeout, rendezvous.DefaultTimeout)
	if err != nil {
		return rendezvous.DefaultTimeout
	}
	return d
}
