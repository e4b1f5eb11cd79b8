// Package metrics provides lightweight, lock-free counters for a trace
// session: traffic per channel, commands, captures, and failures.
//
// All methods are safe for concurrent use.  A nil *Collector is a
// valid no-op receiver, so callers never need to nil-check.
package metrics

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Channel selects which connection a traffic counter belongs to.
type Channel int

const (
	CommandChannel Channel = iota
	DataChannel
	numChannels
)

func (ch Channel) String() string {
	if ch == DataChannel {
		return "data"
	}
	return "command"
}

// Collector tracks runtime metrics for a trace session.
// A nil Collector is safe to use; all methods become no-ops.
type Collector struct {
	connectionsActive atomic.Int64
	connectionsTotal  atomic.Int64
	bytesIn           [numChannels]atomic.Int64
	bytesOut          [numChannels]atomic.Int64
	commandsSent      atomic.Int64
	capturesStarted   atomic.Int64
	capturesDone      atomic.Int64
	overflows         atomic.Int64
	timeouts          atomic.Int64
	errorsTotal       atomic.Int64

	mu           sync.RWMutex
	startTime    time.Time
	lastCapture  time.Duration
	lastError    time.Time
	lastErrorMsg string
}

// New creates a metrics collector with the start time set to now.
func New() *Collector {
	return &Collector{startTime: time.Now()}
}

// ── Connection metrics ───────────────────────────────────────────────

// ConnectionOpened increments both the active and total counters.
func (c *Collector) ConnectionOpened() {
	if c == nil {
		return
	}
	c.connectionsActive.Add(1)
	c.connectionsTotal.Add(1)
}

// ConnectionClosed decrements the active connection counter.
func (c *Collector) ConnectionClosed() {
	if c == nil {
		return
	}
	c.connectionsActive.Add(-1)
}

// ActiveConnections returns the current number of open connections.
func (c *Collector) ActiveConnections() int64 {
	if c == nil {
		return 0
	}
	return c.connectionsActive.Load()
}

// TotalConnections returns the lifetime connection count.
func (c *Collector) TotalConnections() int64 {
	if c == nil {
		return 0
	}
	return c.connectionsTotal.Load()
}

// ── I/O metrics ──────────────────────────────────────────────────────

// BytesReceived records n bytes read from ch.
func (c *Collector) BytesReceived(ch Channel, n int64) {
	if c == nil {
		return
	}
	c.bytesIn[ch].Add(n)
}

// BytesSent records n bytes written to ch.
func (c *Collector) BytesSent(ch Channel, n int64) {
	if c == nil {
		return
	}
	c.bytesOut[ch].Add(n)
}

// TotalBytesIn returns total bytes received on ch.
func (c *Collector) TotalBytesIn(ch Channel) int64 {
	if c == nil {
		return 0
	}
	return c.bytesIn[ch].Load()
}

// TotalBytesOut returns total bytes sent on ch.
func (c *Collector) TotalBytesOut(ch Channel) int64 {
	if c == nil {
		return 0
	}
	return c.bytesOut[ch].Load()
}

// ── Protocol metrics ─────────────────────────────────────────────────

// CommandSent counts one command written to the command channel.
func (c *Collector) CommandSent() {
	if c == nil {
		return
	}
	c.commandsSent.Add(1)
}

// CaptureStarted counts one GETDATA request.
func (c *Collector) CaptureStarted() {
	if c == nil {
		return
	}
	c.capturesStarted.Add(1)
}

// CaptureCompleted counts a delivered payload and remembers how long it
// took.
func (c *Collector) CaptureCompleted(elapsed time.Duration) {
	if c == nil {
		return
	}
	c.capturesDone.Add(1)
	c.mu.Lock()
	c.lastCapture = elapsed
	c.mu.Unlock()
}

// Overflow counts an aborted capture whose data exceeded its length.
func (c *Collector) Overflow() {
	if c == nil {
		return
	}
	c.overflows.Add(1)
}

// Timeout counts a command or capture that ran out of time.
func (c *Collector) Timeout() {
	if c == nil {
		return
	}
	c.timeouts.Add(1)
}

// CapturesCompleted returns the number of delivered payloads.
func (c *Collector) CapturesCompleted() int64 {
	if c == nil {
		return 0
	}
	return c.capturesDone.Load()
}

// Overflows returns the number of overflowed captures.
func (c *Collector) Overflows() int64 {
	if c == nil {
		return 0
	}
	return c.overflows.Load()
}

// ── Error metrics ────────────────────────────────────────────────────

// RecordError increments the error counter and stores the message.
func (c *Collector) RecordError(msg string) {
	if c == nil {
		return
	}
	c.errorsTotal.Add(1)
	c.mu.Lock()
	c.lastError = time.Now()
	c.lastErrorMsg = msg
	c.mu.Unlock()
}

// ErrorCount returns the total number of errors recorded.
func (c *Collector) ErrorCount() int64 {
	if c == nil {
		return 0
	}
	return c.errorsTotal.Load()
}

// ── Snapshot ─────────────────────────────────────────────────────────

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Uptime            string `json:"uptime"`
	ConnectionsActive int64  `json:"connections_active"`
	ConnectionsTotal  int64  `json:"connections_total"`
	CommandBytesIn    int64  `json:"command_bytes_in"`
	CommandBytesOut   int64  `json:"command_bytes_out"`
	DataBytesIn       int64  `json:"data_bytes_in"`
	CommandsSent      int64  `json:"commands_sent"`
	CapturesStarted   int64  `json:"captures_started"`
	CapturesCompleted int64  `json:"captures_completed"`
	Overflows         int64  `json:"overflows"`
	Timeouts          int64  `json:"timeouts"`
	ErrorsTotal       int64  `json:"errors_total"`
	LastCapture       string `json:"last_capture,omitempty"`
	LastError         string `json:"last_error,omitempty"`
	LastErrorMessage  string `json:"last_error_message,omitempty"`
}

// Snapshot returns a copy of all current metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Uptime:            time.Since(c.startTime).Truncate(time.Second).String(),
		ConnectionsActive: c.connectionsActive.Load(),
		ConnectionsTotal:  c.connectionsTotal.Load(),
		CommandBytesIn:    c.bytesIn[CommandChannel].Load(),
		CommandBytesOut:   c.bytesOut[CommandChannel].Load(),
		DataBytesIn:       c.bytesIn[DataChannel].Load(),
		CommandsSent:      c.commandsSent.Load(),
		CapturesStarted:   c.capturesStarted.Load(),
		CapturesCompleted: c.capturesDone.Load(),
		Overflows:         c.overflows.Load(),
		Timeouts:          c.timeouts.Load(),
		ErrorsTotal:       c.errorsTotal.Load(),
	}
	if c.lastCapture > 0 {
		s.LastCapture = c.lastCapture.Truncate(time.Millisecond).String()
	}
	if !c.lastError.IsZero() {
		s.LastError = c.lastError.Format(time.RFC3339)
		s.LastErrorMessage = c.lastErrorMsg
	}
	return s
}

// JSON returns the snapshot as an indented JSON string.
func (c *Collector) JSON() string {
	s := c.Snapshot()
	data, _ := json.MarshalIndent(s, "", "  ")
	return string(data)
}
