package engine

import (
	"encoding/binary"
	"time"

	tcerr "tracecap/internal/errors"
	"tracecap/internal/protocol"
)

// captureResult is handed to a caller blocked in Capture.
type captureResult struct {
	payload []byte
	err     error
}

// captureState is the mutable state of one capture.  It is only touched
// under the engine mutex.  Timers that fire for a capture that is no
// longer current are ignored by identity.
type captureState struct {
	expected   int64 // declared trace length including the prefix, -1 until known
	received   int64
	chunks     [][]byte
	descriptor *protocol.Descriptor
	done       bool // server said DONE
	started    time.Time

	timeout *time.Timer
	recheck *time.Timer
	result  chan captureResult
}

func newCapture() *captureState {
	return &captureState{
		expected: -1,
		started:  time.Now(),
		result:   make(chan captureResult, 1),
	}
}

// add appends a data-channel chunk.  The declared length is read once
// the first four bytes have arrived, even if they came split across
// chunks.
func (c *captureState) add(chunk []byte) {
	c.chunks = append(c.chunks, chunk)
	c.received += int64(len(chunk))

	if c.expected >= 0 || c.received < protocol.PrefixLen {
		return
	}
	var hdr [protocol.PrefixLen]byte
	n := 0
	for _, ch := range c.chunks {
		n += copy(hdr[n:], ch)
		if n == len(hdr) {
			break
		}
	}
	c.expected = int64(binary.BigEndian.Uint32(hdr[:]))
}

// describe records the server's result descriptor.  Only one is
// allowed per capture.
func (c *captureState) describe(d protocol.Descriptor) error {
	if c.descriptor != nil {
		return tcerr.ErrExtraDescriptor
	}
	c.descriptor = &d
	return nil
}

// evaluate reports whether the capture is complete.  Receiving more
// than the declared length is an overflow regardless of DONE.
func (c *captureState) evaluate() (bool, error) {
	if c.expected >= 0 && c.received > c.expected {
		return false, &tcerr.OverflowError{Expected: c.expected, Received: c.received}
	}
	return c.done && c.expected >= 0 && c.received == c.expected, nil
}

// payload concatenates the chunks in arrival order and strips the
// length prefix.
func (c *captureState) payload() []byte {
	out := make([]byte, 0, c.received)
	for _, ch := range c.chunks {
		out = append(out, ch...)
	}
	if len(out) < protocol.PrefixLen {
		return nil
	}
	return out[protocol.PrefixLen:]
}

// stop cancels both waits.  Safe to call more than once.
func (c *captureState) stop() {
	if c.timeout != nil {
		c.timeout.Stop()
	}
	if c.recheck != nil {
		c.recheck.Stop()
	}
}

// settle hands the outcome to a waiting Capture call, if any.
func (c *captureState) settle(payload []byte, err error) {
	select {
	case c.result <- captureResult{payload: payload, err: err}:
	default:
	}
}
