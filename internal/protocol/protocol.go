// Package protocol implements the command-channel wire format of the
// trace server: framed ASCII commands out, fixed 16-character replies in.
package protocol

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

const (
	// Terminator ends every command and every reply.
	Terminator = "\n"

	// ReplyLen is the number of significant characters in a reply.
	ReplyLen = 16

	// CommandBufferSize is one reply plus its terminator.
	CommandBufferSize = ReplyLen + len(Terminator)

	// DataBufferSize is the read size on the data channel.
	DataBufferSize = 64 * 1024

	// Version is announced to the server by OPENDATA.
	Version = "010500"

	// PrefixLen is the size of the trace-length prefix on the data channel.
	PrefixLen = 4

	headerLen = 8
)

// Flags follow the length prefix of every framed command.
var Flags = [4]byte{0x54, 0x20, 0x20, 0x20}

// Command identifies a request sent on the command channel.
type Command int

const (
	CmdNone Command = iota
	CmdLogin
	CmdOpenData
	CmdHeartbeat
	CmdTraceIP
)

func (c Command) String() string {
	switch c {
	case CmdLogin:
		return "LOGIN"
	case CmdOpenData:
		return "OPENDATA"
	case CmdHeartbeat:
		return "HARTBEAT"
	case CmdTraceIP:
		return "TRACIP01"
	default:
		return "NONE"
	}
}

// Text renders the command line without its terminator.  Only LOGIN
// uses the credentials.
func (c Command) Text(user, password string) string {
	switch c {
	case CmdLogin:
		return fmt.Sprintf("LOGIN %s %s", user, password)
	case CmdOpenData:
		return "OPENDATA " + Version
	case CmdHeartbeat:
		return c.String()
	default:
		return "GETDATA " + c.String()
	}
}

// Frame wraps text for transmission: a 4-byte big-endian length
// covering the flags and the terminated text, then the flags, then the
// text and a linefeed.
func Frame(text string) []byte {
	body := len(Flags) + len(text) + len(Terminator)
	out := make([]byte, 4, 4+body)
	binary.BigEndian.PutUint32(out, uint32(body))
	out = append(out, Flags[:]...)
	out = append(out, text...)
	out = append(out, Terminator...)
	return out
}

// Unframe recovers the command text from a frame built by [Frame].
func Unframe(frame []byte) (string, error) {
	if len(frame) < headerLen {
		return "", fmt.Errorf("frame of %d bytes is shorter than its header", len(frame))
	}
	n := binary.BigEndian.Uint32(frame)
	if int(n) != len(frame)-4 {
		return "", fmt.Errorf("frame length %d does not match %d payload bytes", n, len(frame)-4)
	}
	return strings.TrimSuffix(string(frame[headerLen:]), Terminator), nil
}

// Verb is the first word of a command line, safe for logging.
func Verb(text string) string {
	if i := strings.IndexByte(text, ' '); i >= 0 {
		return text[:i]
	}
	if len(text) > 8 {
		return text[:8]
	}
	return text
}

// ── Replies ──────────────────────────────────────────────────────────

// Reply is one command-channel response, cut to its significant part.
type Reply struct {
	Text string
}

// ParseReply keeps the first [ReplyLen] characters of a receive buffer.
// Shorter buffers lose their line terminator instead.
func ParseReply(data []byte) Reply {
	text := string(data)
	if len(text) >= ReplyLen {
		return Reply{Text: text[:ReplyLen]}
	}
	return Reply{Text: strings.TrimRight(text, "\r\n\x00")}
}

// Status is the 4-character tag at the start of the reply.
func (r Reply) Status() string {
	if len(r.Text) < 4 {
		return r.Text
	}
	return r.Text[:4]
}

// Good reports whether the reply starts and ends with GOOD.
func (r Reply) Good() bool {
	return strings.HasPrefix(r.Text, "GOOD") && strings.HasSuffix(r.Text, "GOOD")
}

// Failed reports whether the reply starts with FAIL.
func (r Reply) Failed() bool { return strings.HasPrefix(r.Text, "FAIL") }

// Done reports whether characters 8-12 read DONE, which ends data
// production for a capture.
func (r Reply) Done() bool {
	return len(r.Text) >= 12 && r.Text[8:12] == "DONE"
}

// Field returns characters 4-12, the reply's payload.
func (r Reply) Field() string {
	if len(r.Text) < 12 {
		if len(r.Text) <= 4 {
			return ""
		}
		return r.Text[4:]
	}
	return r.Text[4:12]
}

// Hex parses [Reply.Field] as a 32-bit hexadecimal value.  Values with
// the top bit set come back negative, so it also serves signed offsets.
func (r Reply) Hex() (int32, error) {
	f := r.Field()
	if len(f) != 8 {
		return 0, fmt.Errorf("reply %q: hex field %q is not 8 digits", r.Text, f)
	}
	v, err := strconv.ParseUint(f, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("reply %q: %w", r.Text, err)
	}
	return int32(uint32(v)), nil
}

// Descriptor is the result summary the server sends for a capture.
type Descriptor struct {
	Command string
	Count   int
	Length  int
}

// Descriptor reads the decimal count (characters 4-8) and length
// (characters 8-12) fields.
func (r Reply) Descriptor(cmd Command) (Descriptor, error) {
	if len(r.Text) < 12 {
		return Descriptor{}, fmt.Errorf("reply %q too short for a result descriptor", r.Text)
	}
	count, err := strconv.Atoi(strings.TrimSpace(r.Text[4:8]))
	if err != nil {
		return Descriptor{}, fmt.Errorf("reply %q: count: %w", r.Text, err)
	}
	length, err := strconv.Atoi(strings.TrimSpace(r.Text[8:12]))
	if err != nil {
		return Descriptor{}, fmt.Errorf("reply %q: length: %w", r.Text, err)
	}
	return Descriptor{Command: cmd.String(), Count: count, Length: length}, nil
}

// ── Known failure codes ──────────────────────────────────────────────

var loginFailures = map[string]string{
	"LGINSAIN": "User already logged in.",
	"LGINALGI": "User already logged in.",
}

var captureFailures = map[string]string{
	"FAILTRACTDNZFAIL": "The buffer is not full.",
}

// LoginFailure describes a rejected LOGIN.
func LoginFailure(r Reply) string {
	code := r.Field()
	if msg, ok := loginFailures[code]; ok {
		return "Login failed! " + msg
	}
	return "Login failed! " + code
}

// CaptureFailure describes a FAIL received while a capture was running.
func CaptureFailure(r Reply) string {
	if msg, ok := captureFailures[r.Text]; ok {
		return "Capture failed! " + msg
	}
	return "Capture failed! " + r.Text
}
