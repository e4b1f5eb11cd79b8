package config

import (
	"errors"
	"testing"
	"time"

	tcerr "tracecap/internal/errors"
)

func valid() *Config {
	cfg := Default()
	cfg.Host = "mvs1.example.com"
	cfg.Port = 8080
	cfg.User = "ops"
	return cfg
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.ConnectTimeout != 90*time.Second || cfg.ResponseTimeout != time.Minute {
		t.Errorf("timeouts = %v / %v", cfg.ConnectTimeout, cfg.ResponseTimeout)
	}
	if cfg.TraceTimeout != 5*time.Minute || cfg.RecheckInterval != 3*time.Second {
		t.Errorf("capture timing = %v / %v", cfg.TraceTimeout, cfg.RecheckInterval)
	}
	if cfg.Captures != 1 || cfg.Retries != 1 || cfg.MaxFailures != 3 {
		t.Errorf("counts = %d/%d/%d", cfg.Captures, cfg.Retries, cfg.MaxFailures)
	}
}

// ── Config.Validate ──────────────────────────────────────────────────

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		wantField string
	}{
		{"valid", func(*Config) {}, ""},
		{"no host", func(c *Config) { c.Host = "" }, "host"},
		{"port zero", func(c *Config) { c.Port = 0 }, "port"},
		{"port too high", func(c *Config) { c.Port = 70000 }, "port"},
		{"no user", func(c *Config) { c.User = "" }, "user"},
		{"zero response timeout", func(c *Config) { c.ResponseTimeout = 0 }, "response-timeout"},
		{"negative trace timeout", func(c *Config) { c.TraceTimeout = -time.Second }, "trace-timeout"},
		{"zero captures", func(c *Config) { c.Captures = 0 }, "captures"},
		{"zero retries", func(c *Config) { c.Retries = 0 }, "retries"},
		{"zero max failures", func(c *Config) { c.MaxFailures = 0 }, "max-failures"},
		{
			name: "valid jump",
			mutate: func(c *Config) {
				c.JumpSpec, c.JumpUser, c.JumpHost, c.JumpPort = "u@gw", "u", "gw", 22
			},
		},
		{
			name:      "jump without host",
			mutate:    func(c *Config) { c.JumpSpec = "u@gw" },
			wantField: "jump",
		},
		{
			name: "convert needs no server",
			mutate: func(c *Config) {
				*c = Config{Convert: "trace.bin"}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantField == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			var ce *tcerr.ConfigError
			if !errors.As(err, &ce) {
				t.Fatalf("Validate() = %v, want ConfigError", err)
			}
			if ce.Field != tt.wantField {
				t.Errorf("Field = %q, want %q", ce.Field, tt.wantField)
			}
		})
	}
}

func TestJumpEnabled(t *testing.T) {
	cfg := valid()
	if cfg.JumpEnabled() {
		t.Error("JumpEnabled with no spec")
	}
	cfg.JumpSpec = "gw"
	if !cfg.JumpEnabled() {
		t.Error("JumpEnabled = false with a spec")
	}
}
