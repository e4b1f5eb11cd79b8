// Package config defines the runtime configuration for tracecap and
// the layers it is assembled from: defaults, a YAML file, environment
// variables and command-line flags.
package config

import (
	"fmt"
	"time"

	tcerr "tracecap/internal/errors"
)

// Config holds every tuneable for one tracecap run.
type Config struct {
	// ── Server ───────────────────────────────────────────────────────
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`

	// ── Timing ───────────────────────────────────────────────────────
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`  // outer deadline for the handshake
	ResponseTimeout time.Duration `yaml:"response_timeout"` // per handshake command
	TraceTimeout    time.Duration `yaml:"trace_timeout"`    // whole capture
	RecheckInterval time.Duration `yaml:"recheck_interval"`
	SettleDelay     time.Duration `yaml:"settle_delay"`

	// ── Captures ─────────────────────────────────────────────────────
	SaveDir     string `yaml:"save_dir"`
	Captures    int    `yaml:"captures"`
	KeepRaw     bool   `yaml:"keep_raw"`
	Retries     int    `yaml:"retries"`      // handshake attempts
	MaxFailures int    `yaml:"max_failures"` // consecutive failed captures before giving up

	// ── SSH jump host ────────────────────────────────────────────────
	JumpSpec       string `yaml:"jump"` // raw user@host[:port]
	SSHKeyPath     string `yaml:"ssh_key"`
	SSHPassword    bool   `yaml:"ssh_password"` // true → prompt interactively
	UseSSHAgent    bool   `yaml:"ssh_agent"`
	StrictHostKey  bool   `yaml:"strict_hostkey"`
	KnownHostsPath string `yaml:"known_hosts"`

	JumpUser string `yaml:"-"`
	JumpHost string `yaml:"-"`
	JumpPort int    `yaml:"-"`

	// ── Output ───────────────────────────────────────────────────────
	Verbose int `yaml:"verbose"`

	// ── Run mode (command line only) ─────────────────────────────────
	ConfigPath string `yaml:"-"`
	Convert    string `yaml:"-"` // convert a saved raw payload instead of connecting
	DryRun     bool   `yaml:"-"`
}

// JumpEnabled reports whether connections go through an SSH jump host.
func (c *Config) JumpEnabled() bool { return c.JumpSpec != "" }

// ── Validation ───────────────────────────────────────────────────────

// Validate checks that the configuration is internally consistent.
// Offline conversion needs neither a server nor credentials.
func (c *Config) Validate() error {
	if c.Convert != "" {
		return nil
	}

	if c.Host == "" {
		return &tcerr.ConfigError{Field: "host", Message: "server host is required", Hint: "tracecap [options] <host> <port>"}
	}
	if c.Port < 1 || c.Port > 65535 {
		return &tcerr.ConfigError{Field: "port", Value: c.Port, Message: "must be in 1-65535"}
	}
	if c.User == "" {
		return &tcerr.ConfigError{Field: "user", Message: "user id is required"}
	}

	durations := []struct {
		field string
		v     time.Duration
	}{
		{"connect-timeout", c.ConnectTimeout},
		{"response-timeout", c.ResponseTimeout},
		{"trace-timeout", c.TraceTimeout},
		{"recheck-interval", c.RecheckInterval},
		{"settle-delay", c.SettleDelay},
	}
	for _, d := range durations {
		if d.v <= 0 {
			return &tcerr.ConfigError{Field: d.field, Value: d.v, Message: "must be positive"}
		}
	}

	if c.Captures < 1 {
		return &tcerr.ConfigError{Field: "captures", Value: c.Captures, Message: "at least one capture is required"}
	}
	if c.Retries < 1 {
		return &tcerr.ConfigError{Field: "retries", Value: c.Retries, Message: "must be at least 1"}
	}
	if c.MaxFailures < 1 {
		return &tcerr.ConfigError{Field: "max-failures", Value: c.MaxFailures, Message: "must be at least 1"}
	}

	if c.JumpEnabled() {
		if c.JumpHost == "" {
			return &tcerr.ConfigError{Field: "jump", Value: c.JumpSpec, Message: "jump host is required"}
		}
		if c.JumpPort < 1 || c.JumpPort > 65535 {
			return &tcerr.ConfigError{Field: "jump", Value: c.JumpSpec, Message: fmt.Sprintf("port %d out of range", c.JumpPort)}
		}
	}
	return nil
}
