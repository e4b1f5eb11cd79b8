package engine

import (
	"fmt"
	"time"

	tcerr "tracecap/internal/errors"
	"tracecap/internal/protocol"
	"tracecap/internal/session"
	"tracecap/util"
)

// outcome is what a capture event leaves to report once the mutex is
// released.  The zero value reports nothing.
type outcome struct {
	capture *captureState
	payload []byte
	err     error
}

func (e *Engine) report(o outcome) {
	if o.capture == nil {
		return
	}
	if o.err != nil {
		o.capture.settle(nil, o.err)
		e.emit(o.err)
		return
	}
	o.capture.settle(o.payload, nil)
	if e.handlers.OnTraceData != nil {
		e.handlers.OnTraceData(o.payload)
	}
}

// startCapture sends GETDATA and arms the overall capture timeout.
func (e *Engine) startCapture() (*captureState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case e.sess == nil:
		return nil, tcerr.ErrNotConnected
	case e.pending != nil:
		return nil, fmt.Errorf("%w (%s)", tcerr.ErrCommandPending, e.pending.cmd)
	case e.sess.State != session.Ready:
		return nil, fmt.Errorf("%w (state %s)", tcerr.ErrNotReady, e.sess.State)
	}

	cmd := protocol.CmdTraceIP
	c := newCapture()
	if err := e.cmd.Send(cmd.Text(e.sess.User, e.sess.Password)); err != nil {
		return nil, fmt.Errorf("Couldn't send command (connection unavailable): %s: %w", cmd, err)
	}
	c.timeout = time.AfterFunc(e.opts.TraceTimeout, func() { e.captureExpired(c) })
	e.capture = c
	e.sess.Command = cmd
	e.sess.Transition(session.Capturing)
	e.opts.Metrics.CaptureStarted()
	return c, nil
}

// dropCaptureLocked cancels both capture waits and forgets the capture.
func (e *Engine) dropCaptureLocked() {
	if e.capture == nil {
		return
	}
	e.capture.stop()
	e.capture = nil
	e.sess.Command = protocol.CmdNone
}

// pollLocked interprets a command-channel message received while a
// capture is running.
func (e *Engine) pollLocked(r protocol.Reply) outcome {
	c := e.capture
	log := e.sess.Logger

	switch {
	case r.Failed():
		e.dropCaptureLocked()
		e.sess.Transition(session.Ready)
		return outcome{capture: c, err: &tcerr.ProtocolError{
			Command: protocol.CmdTraceIP.String(),
			Reply:   r.Text,
			Message: protocol.CaptureFailure(r),
			Kind:    tcerr.ErrCaptureFailed,
		}}

	case r.Done():
		c.done = true
		if c.recheck == nil {
			c.recheck = time.AfterFunc(e.opts.RecheckInterval, func() { e.recheckCapture(c) })
		}
		return e.evaluateLocked(c)
	}

	d, err := r.Descriptor(protocol.CmdTraceIP)
	if err != nil {
		err = &tcerr.ProtocolError{
			Command: protocol.CmdTraceIP.String(),
			Reply:   r.Text,
			Message: "Unexpected capture response: " + r.Text,
		}
	} else if err = c.describe(d); err != nil {
		err = fmt.Errorf("%w: %s", err, r.Text)
	}
	if err != nil {
		e.dropCaptureLocked()
		e.sess.Transition(session.Ready)
		return outcome{capture: c, err: err}
	}
	log.Verbose("Descriptor [Count=%d, Length=%d]", d.Count, d.Length)
	return outcome{}
}

// evaluateLocked completes or aborts c when its byte counts say so.
func (e *Engine) evaluateLocked(c *captureState) outcome {
	complete, err := c.evaluate()
	if err != nil {
		e.dropCaptureLocked()
		e.sess.Transition(session.Ready)
		e.opts.Metrics.Overflow()
		return outcome{capture: c, err: err}
	}
	if !complete {
		return outcome{}
	}

	e.dropCaptureLocked()
	e.sess.Transition(session.Ready)

	log := e.sess.Logger
	if c.descriptor == nil {
		log.Warn("capture completed without a result descriptor")
	}
	payload := c.payload()
	elapsed := time.Since(c.started)
	e.opts.Metrics.CaptureCompleted(elapsed)
	log.Info("Trace received: %s in %s", util.Bytes(int64(len(payload))), elapsed.Truncate(time.Millisecond))
	return outcome{capture: c, payload: payload}
}

// onChunk appends a data-channel read to the running capture.
func (e *Engine) onChunk(sess *session.Session, b []byte) {
	e.mu.Lock()
	if e.sess != sess {
		e.mu.Unlock()
		return
	}
	c := e.capture
	if c == nil {
		e.mu.Unlock()
		sess.Logger.Warn("%d data bytes outside a capture discarded", len(b))
		return
	}
	c.add(b)
	o := e.evaluateLocked(c)
	e.mu.Unlock()
	e.report(o)
}

// recheckCapture is the periodic check armed by DONE.
func (e *Engine) recheckCapture(c *captureState) {
	e.mu.Lock()
	if e.capture != c {
		e.mu.Unlock()
		return
	}
	e.sess.Logger.Debug("CHECKDATA [Expected=%d, Received=%d]", c.expected, c.received)
	o := e.evaluateLocked(c)
	if e.capture == c {
		c.recheck.Reset(e.opts.RecheckInterval)
	}
	e.mu.Unlock()
	e.report(o)
}

// captureExpired aborts c when the overall capture timeout fires.
func (e *Engine) captureExpired(c *captureState) {
	e.mu.Lock()
	if e.capture != c {
		e.mu.Unlock()
		return
	}
	e.dropCaptureLocked()
	e.sess.Transition(session.Faulted)
	e.mu.Unlock()

	e.opts.Metrics.Timeout()
	e.report(outcome{capture: c, err: &tcerr.TimeoutError{Command: protocol.CmdTraceIP.String(), Capture: true}})
}
