// Package config provides configuration loading for heald.
//
// Configuration is loaded from a YAML file and overridden by environment
// variables. See Load for precedence rules.
package config

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/fyrsmithlabs/heald/internal/logging"
)

// Config holds the complete heald configuration.
type Config struct {
	Monitor MonitorConfig  `koanf:"monitor"`
	Store   StoreConfig    `koanf:"store"`
	Retry   RetryConfig    `koanf:"retry"`
	Agent   AgentConfig    `koanf:"agent"`
	Service ServiceConfig  `koanf:"service"`
	Bus     BusConfig      `koanf:"bus"`
	HTTP    HTTPConfig     `koanf:"http"`
	Logging logging.Config `koanf:"logging"`
}

// StoreConfig holds persistent store configuration.
type StoreConfig struct {
	// Path is the SQLite database file.
	Path string `koanf:"path"`
}

// MonitorConfig holds log monitor configuration.
type MonitorConfig struct {
	// LogFile is the path to the monitored service's log file.
	LogFile string `koanf:"log_file"`

	// PollInterval is the tail polling interval.
	PollInterval Duration `koanf:"poll_interval"`

	// ContextLines is the number of preceding log lines kept as error context.
	ContextLines int `koanf:"context_lines"`

	// DedupWindow suppresses re-detection of the same error type+module
	// while a matching non-terminal record exists within this window.
	DedupWindow Duration `koanf:"dedup_window"`

	// PatternsFile optionally overrides the built-in pattern table.
	PatternsFile string `koanf:"patterns_file"`
}

// RetryConfig holds the fix retry/backoff policy.
type RetryConfig struct {
	MaxAttempts int      `koanf:"max_attempts"`
	BaseDelay   Duration `koanf:"base_delay"`
	Multiplier  float64  `koanf:"multiplier"`
	MaxDelay    Duration `koanf:"max_delay"`
}

// Delay returns the backoff delay before the given attempt (1-indexed).
// delay(n) = min(base * multiplier^(n-1), max).
func (r RetryConfig) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(r.BaseDelay.Duration()) * math.Pow(r.Multiplier, float64(attempt-1))
	if max := float64(r.MaxDelay.Duration()); d > max {
		d = max
	}
	return time.Duration(d)
}

// AgentConfig holds the external fixing-agent configuration.
type AgentConfig struct {
	// Command is the agent binary to invoke.
	Command string `koanf:"command"`

	// Args are fixed arguments passed before the prompt.
	Args []string `koanf:"args"`

	// Timeout is the hard per-invocation timeout.
	Timeout Duration `koanf:"timeout"`

	// MaxTurns bounds the agent's conversation length. Zero leaves the
	// agent's own default in place.
	MaxTurns int `koanf:"max_turns"`

	// WorkDir is the fallback working directory when none can be inferred
	// from the failing file's location.
	WorkDir string `koanf:"work_dir"`
}

// ServiceConfig describes the monitored service for verification.
type ServiceConfig struct {
	// Name is the service unit name passed to the control command.
	Name string `koanf:"name"`

	// ControlCommand manages the service lifecycle (e.g. systemctl).
	ControlCommand string `koanf:"control_command"`

	// HealthURL is polled after restart until it returns 200.
	HealthURL string `koanf:"health_url"`

	// HealthTimeout bounds the post-restart health wait.
	HealthTimeout Duration `koanf:"health_timeout"`

	// StabilizeDelay is the fixed wait before rechecking logs.
	StabilizeDelay Duration `koanf:"stabilize_delay"`

	// TailLines is how much recent log is inspected during verification.
	TailLines int `koanf:"tail_lines"`
}

// BusConfig holds event bus configuration.
type BusConfig struct {
	// HistorySize bounds the in-memory event ring buffer.
	HistorySize int `koanf:"history_size"`

	// NATSURL, if set, enables forwarding events to NATS for external
	// notification consumers.
	NATSURL string `koanf:"nats_url"`

	// NATSSubjectPrefix is the subject prefix for forwarded events.
	NATSSubjectPrefix string `koanf:"nats_subject_prefix"`
}

// HTTPConfig holds the operational HTTP server configuration.
type HTTPConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`
}

// Default returns a Config with production defaults.
func Default() *Config {
	return &Config{
		Monitor: MonitorConfig{
			LogFile:      "/var/log/service/service.log",
			PollInterval: Duration(500 * time.Millisecond),
			ContextLines: 10,
			DedupWindow:  Duration(60 * time.Second),
		},
		Store: StoreConfig{
			Path: "/var/lib/heald/heald.db",
		},
		Retry: RetryConfig{
			MaxAttempts: 5,
			BaseDelay:   Duration(60 * time.Second),
			Multiplier:  2.0,
			MaxDelay:    Duration(960 * time.Second),
		},
		Agent: AgentConfig{
			Command: "claude",
			Args:    []string{"--print", "--dangerously-skip-permissions"},
			Timeout: Duration(300 * time.Second),
		},
		Service: ServiceConfig{
			ControlCommand: "systemctl",
			HealthTimeout:  Duration(60 * time.Second),
			StabilizeDelay: Duration(30 * time.Second),
			TailLines:      500,
		},
		Bus: BusConfig{
			HistorySize:       100,
			NATSSubjectPrefix: "heald.events",
		},
		HTTP: HTTPConfig{
			Host: "localhost",
			Port: 9090,
		},
		Logging: *logging.DefaultConfig(),
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Monitor.LogFile == "" {
		return errors.New("monitor.log_file is required")
	}
	if c.Monitor.PollInterval.Duration() <= 0 {
		return errors.New("monitor.poll_interval must be positive")
	}
	if c.Monitor.ContextLines <= 0 {
		return errors.New("monitor.context_lines must be positive")
	}
	if c.Store.Path == "" {
		return errors.New("store.path is required")
	}
	if c.Retry.MaxAttempts < 1 || c.Retry.MaxAttempts > 10 {
		return fmt.Errorf("retry.max_attempts must be in [1,10], got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.Multiplier < 1.0 {
		return fmt.Errorf("retry.multiplier must be >= 1.0, got %v", c.Retry.Multiplier)
	}
	if c.Retry.BaseDelay.Duration() <= 0 || c.Retry.MaxDelay.Duration() < c.Retry.BaseDelay.Duration() {
		return errors.New("retry delays must be positive with max_delay >= base_delay")
	}
	if c.Agent.Command == "" {
		return errors.New("agent.command is required")
	}
	if c.Agent.Timeout.Duration() <= 0 {
		return errors.New("agent.timeout must be positive")
	}
	if c.Bus.HistorySize <= 0 {
		return errors.New("bus.history_size must be positive")
	}
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port out of range: %d", c.HTTP.Port)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	return nil
}
