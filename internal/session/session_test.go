package session

import (
	"bytes"
	"strings"
	"testing"

	"tracecap/util"
)

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{Idle, "idle"},
		{AwaitingHeartbeat, "awaiting-heartbeat"},
		{Capturing, "capturing"},
		{Disconnected, "disconnected"},
		{State(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d) = %q, want %q", tt.s, got, tt.want)
		}
	}
}

func TestStatePredicates(t *testing.T) {
	for s := Idle; s <= Disconnected; s++ {
		wantHS := s >= ConnectingCommand && s <= AwaitingHeartbeat
		if s.Handshaking() != wantHS {
			t.Errorf("%s.Handshaking() = %v", s, s.Handshaking())
		}
	}
	if !Faulted.Terminal() || !Disconnected.Terminal() || Ready.Terminal() {
		t.Error("Terminal() mismatch")
	}
}

func TestNew(t *testing.T) {
	var buf bytes.Buffer
	log := util.NewLogger(3)
	log.SetOutput(&buf)
	log.SetTimestamps(false)

	s := New("trace01", 3000, "ops", "secret", log)
	if len(s.ID) != 36 {
		t.Fatalf("ID = %q, want a uuid", s.ID)
	}
	if s.State != Idle {
		t.Errorf("State = %s, want idle", s.State)
	}

	s.Addr = "10.1.2.3"
	s.DataPort = 8080
	if got := s.CommandAddr(); got != "10.1.2.3:3000" {
		t.Errorf("CommandAddr = %q", got)
	}
	if got := s.DataAddr(); got != "10.1.2.3:8080" {
		t.Errorf("DataAddr = %q", got)
	}

	if prev := s.Transition(ConnectingCommand); prev != Idle {
		t.Errorf("prev = %s", prev)
	}
	out := buf.String()
	if !strings.Contains(out, s.ID[:8]+": state idle -> connecting-command") {
		t.Errorf("log = %q", out)
	}
}

func TestNew_UniqueIDs(t *testing.T) {
	log := util.NewLogger(0)
	a := New("h", 1, "u", "p", log)
	b := New("h", 1, "u", "p", log)
	if a.ID == b.ID {
		t.Fatal("session ids must differ")
	}
}
