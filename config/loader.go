package config

// loader.go - configuration loading from environment variables.
//
// Precedence order (highest wins):
//   1. CLI flags  (handled by cmd/root.go)
//   2. Environment variables  (this file)
//   3. Config file  (file.go)
//   4. Defaults   (defaults.go)

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// ── Environment variable mapping ─────────────────────────────────────
//
// Every supported env var uses the TRACECAP_ prefix.  Boolean values
// accept "1", "true", "yes" (case-insensitive).

// LoadFromEnv overlays environment variables onto cfg.  Only non-empty
// env vars override the existing value.  This should be called BEFORE
// CLI flag parsing so that flags take precedence.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("TRACECAP_HOST"); v != "" {
		cfg.Host = v
	}
	if v := envInt("TRACECAP_PORT"); v > 0 {
		cfg.Port = v
	}
	if v := os.Getenv("TRACECAP_USER"); v != "" {
		cfg.User = v
	}
	if v := os.Getenv("TRACECAP_PASSWORD"); v != "" {
		cfg.Password = v
	}
	if v := os.Getenv("TRACECAP_DIR"); v != "" {
		cfg.SaveDir = v
	}
	if v := envInt("TRACECAP_TIMEOUT"); v > 0 {
		cfg.ConnectTimeout = secondsDuration(v)
	}
	if v := envInt("TRACECAP_CAPTURES"); v > 0 {
		cfg.Captures = v
	}
	if envBool("TRACECAP_KEEP_RAW") {
		cfg.KeepRaw = true
	}

	// SSH jump host
	if v := os.Getenv("TRACECAP_JUMP"); v != "" {
		cfg.JumpSpec = v
	}
	if v := os.Getenv("TRACECAP_SSH_KEY"); v != "" {
		cfg.SSHKeyPath = v
	}
	if envBool("TRACECAP_SSH_AGENT") {
		cfg.UseSSHAgent = true
	}
	if envBool("TRACECAP_STRICT_HOSTKEY") {
		cfg.StrictHostKey = true
	}
	if v := os.Getenv("TRACECAP_KNOWN_HOSTS"); v != "" {
		cfg.KnownHostsPath = v
	}

	// Output
	if v := envInt("TRACECAP_VERBOSE"); v > 0 {
		cfg.Verbose = v
	}
}

// ── helpers ──────────────────────────────────────────────────────────

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func envBool(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	return v == "1" || v == "true" || v == "yes"
}

func secondsDuration(sec int) time.Duration {
	return time.Duration(sec) * time.Second
}
