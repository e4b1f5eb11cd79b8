package config

import "time"

// ── Default values ───────────────────────────────────────────────────
//
// All tuneable defaults live here so they are easy to audit and reuse
// across CLI flags, config file parsing, and environment variable
// loading.

const (
	// DefaultSSHPort is the standard SSH port.
	DefaultSSHPort = 22

	// DefaultConnectTimeout bounds the whole handshake, LOGIN through
	// HARTBEAT.
	DefaultConnectTimeout = 90 * time.Second

	// DefaultResponseTimeout is how long each handshake command waits
	// for its reply.
	DefaultResponseTimeout = 60 * time.Second

	// DefaultTraceTimeout bounds one capture from GETDATA to the last
	// payload byte.
	DefaultTraceTimeout = 5 * time.Minute

	// DefaultRecheckInterval is the completion check period once the
	// server has reported DONE.
	DefaultRecheckInterval = 3 * time.Second

	// DefaultSettleDelay is the pause after each channel connects
	// before the next command goes out.
	DefaultSettleDelay = time.Second

	// DefaultSaveDir is where capture files are written.
	DefaultSaveDir = "."

	// DefaultCaptures is the number of captures taken per run.
	DefaultCaptures = 1

	// DefaultRetries is the number of handshake attempts.
	DefaultRetries = 1

	// DefaultMaxFailures is how many captures in a row may fail before
	// the run is abandoned.
	DefaultMaxFailures = 3
)

// Default returns a Config populated with the defaults above.
func Default() *Config {
	return &Config{
		ConnectTimeout:  DefaultConnectTimeout,
		ResponseTimeout: DefaultResponseTimeout,
		TraceTimeout:    DefaultTraceTimeout,
		RecheckInterval: DefaultRecheckInterval,
		SettleDelay:     DefaultSettleDelay,
		SaveDir:         DefaultSaveDir,
		Captures:        DefaultCaptures,
		Retries:         DefaultRetries,
		MaxFailures:     DefaultMaxFailures,
	}
}
