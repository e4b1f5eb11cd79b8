// Package errors provides domain-specific error types for tracecap.
//
// Four families of failure reach callers of the capture engine:
// connection errors ([NetworkError]), protocol errors ([ProtocolError]),
// timeouts ([TimeoutError]) and overflows ([OverflowError]).  Each
// structured type unwraps to a sentinel so callers can branch with
// [Is] without caring about the concrete type.
package errors

import (
	"errors"
	"fmt"
	"net"
	"syscall"
)

// ── Sentinel errors ──────────────────────────────────────────────────

var (
	ErrNotConnected         = errors.New("not connected")
	ErrTimeout              = errors.New("operation timed out")
	ErrLoginFailed          = errors.New("login failed")
	ErrCaptureFailed        = errors.New("capture failed")
	ErrOverflow             = errors.New("data overflow")
	ErrCommandPending       = errors.New("a command is already awaiting its response")
	ErrNotReady             = errors.New("engine is not ready to capture")
	ErrUnexpectedDisconnect = errors.New("failed to disconnect cleanly")
	ErrExtraDescriptor      = errors.New("server reported more than one result descriptor")
	ErrHostKeyMismatch      = errors.New("host key mismatch")
)

// ── Structured error types ───────────────────────────────────────────

// NetworkError represents a failure in a network operation.
type NetworkError struct {
	Op        string // operation: "resolve", "dial", "write", "read", "shutdown"
	Addr      string // network address involved
	Err       error  // underlying error
	Retryable bool   // whether the caller should retry
}

func (e *NetworkError) Error() string {
	s := fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
	if e.Retryable {
		s += " (retryable)"
	}
	return s
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ProtocolError is an unexpected or FAIL reply from the server.  Message
// is what gets shown to the user; Reply keeps the literal server text.
type ProtocolError struct {
	Command string
	Reply   string
	Message string
	Kind    error // ErrLoginFailed, ErrCaptureFailed, or nil
}

func (e *ProtocolError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Command, e.Reply)
}

func (e *ProtocolError) Unwrap() error { return e.Kind }

// TimeoutError reports a command whose reply (or a capture whose data)
// did not arrive before its deadline.
type TimeoutError struct {
	Command string
	Capture bool
}

func (e *TimeoutError) Error() string {
	if e.Capture {
		return "Capture Failed! Timed Out."
	}
	return e.Command + ": Timed Out."
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// OverflowError reports that the data channel delivered more bytes than
// the trace header declared.
type OverflowError struct {
	Expected int64
	Received int64
}

func (e *OverflowError) Error() string {
	return fmt.Sprintf("Data Overflow [Expected=%d, Received=%d]", e.Expected, e.Received)
}

func (e *OverflowError) Unwrap() error { return ErrOverflow }

// SSHError represents an SSH-specific failure with host context.
type SSHError struct {
	Op   string // "handshake", "auth", "hostkey", "forward"
	Host string
	Port int
	Err  error
}

func (e *SSHError) Error() string {
	return fmt.Sprintf("ssh %s %s:%d: %v", e.Op, e.Host, e.Port, e.Err)
}

func (e *SSHError) Unwrap() error { return e.Err }

// ConfigError represents an invalid configuration value.
type ConfigError struct {
	Field   string      // config field name
	Value   interface{} // the invalid value (nil if missing)
	Message string      // human-readable explanation
	Hint    string      // suggestion for the user (optional)
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("config: --%s", e.Field)
	if e.Value != nil {
		msg += fmt.Sprintf("=%v", e.Value)
	}
	msg += ": " + e.Message
	if e.Hint != "" {
		msg += "\n  hint: " + e.Hint
	}
	return msg
}

// ── Constructors ─────────────────────────────────────────────────────

// Wrap creates a NetworkError, automatically detecting retryability
// from the underlying error.
func Wrap(op, addr string, err error) *NetworkError {
	return &NetworkError{
		Op:        op,
		Addr:      addr,
		Err:       err,
		Retryable: classifyRetryable(err),
	}
}

// WrapSSH creates an SSHError.
func WrapSSH(op, host string, port int, err error) *SSHError {
	return &SSHError{Op: op, Host: host, Port: port, Err: err}
}

// ── Classification helpers ───────────────────────────────────────────

// IsRetryable reports whether err is worth retrying.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ne *NetworkError
	if errors.As(err, &ne) {
		return ne.Retryable
	}
	return classifyRetryable(err)
}

// IsTerminal reports whether err ends the current session attempt, so
// the caller must start over from Startup.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrUnexpectedDisconnect) ||
		errors.Is(err, ErrLoginFailed)
}

// classifyRetryable inspects standard library error types.
func classifyRetryable(err error) bool {
	if err == nil {
		return false
	}
	// A trace server that is restarting refuses connections for a while.
	if errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Timeout() || opErr.Temporary() //nolint:staticcheck // Temporary is deprecated but still useful
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary() //nolint:staticcheck
	}
	return false
}

// ── Re-exports for convenience ───────────────────────────────────────

// As is [errors.As].
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Is is [errors.Is].
func Is(err, target error) bool { return errors.Is(err, target) }

// New is [errors.New].
func New(text string) error { return errors.New(text) }

// Unwrap is [errors.Unwrap].
func Unwrap(err error) error { return errors.Unwrap(err) }

// Join is [errors.Join].
func Join(errs ...error) error { return errors.Join(errs...) }
