// Package session holds the per-connection record of a trace session:
// who logged in, where the server lives, what the handshake learned, and
// which protocol state the engine is in.
//
// A Session carries no lock of its own.  It is owned by the engine and
// only touched under the engine's mutex.
package session

import (
	"time"

	"github.com/google/uuid"

	"tracecap/internal/protocol"
	"tracecap/util"
)

// State is a protocol state of the engine.
type State int

const (
	Idle State = iota
	ConnectingCommand
	Authenticating
	NegotiatingData
	ConnectingData
	AwaitingHeartbeat
	Ready
	Capturing
	Faulted
	Disconnected
)

var stateNames = [...]string{
	Idle:              "idle",
	ConnectingCommand: "connecting-command",
	Authenticating:    "authenticating",
	NegotiatingData:   "negotiating-data",
	ConnectingData:    "connecting-data",
	AwaitingHeartbeat: "awaiting-heartbeat",
	Ready:             "ready",
	Capturing:         "capturing",
	Faulted:           "faulted",
	Disconnected:      "disconnected",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Handshaking reports whether s lies between the first connect and Ready.
func (s State) Handshaking() bool {
	return s >= ConnectingCommand && s <= AwaitingHeartbeat
}

// Terminal reports whether the session must be restarted from Startup.
func (s State) Terminal() bool {
	return s == Faulted || s == Disconnected
}

// Session encapsulates the runtime context of one engine startup.
type Session struct {
	ID       string
	User     string
	Password string
	Host     string // as given by the caller
	Addr     string // resolved server IP
	Port     int    // command-channel port
	DataPort int    // learned from OPENDATA
	// UtcOffset is the server's offset from UTC in seconds, learned
	// from HARTBEAT.
	UtcOffset int32
	State     State
	Command   protocol.Command // outstanding command, CmdNone when idle
	Started   time.Time
	Logger    *util.Logger
}

// New creates a session in state Idle with a fresh id.  The logger is
// tagged with the short form of the id.
func New(host string, port int, user, password string, logger *util.Logger) *Session {
	id := uuid.NewString()
	return &Session{
		ID:       id,
		User:     user,
		Password: password,
		Host:     host,
		Port:     port,
		State:    Idle,
		Started:  time.Now(),
		Logger:   logger.Named(id[:8]),
	}
}

// CommandAddr is the host:port of the command channel.
func (s *Session) CommandAddr() string { return util.FormatAddr(s.Addr, s.Port) }

// DataAddr is the host:port of the data channel on the same host.
func (s *Session) DataAddr() string { return util.FormatAddr(s.Addr, s.DataPort) }

// Transition moves to next and returns the previous state.
func (s *Session) Transition(next State) State {
	prev := s.State
	if prev != next {
		s.State = next
		s.Logger.Debug("state %s -> %s", prev, next)
	}
	return prev
}
