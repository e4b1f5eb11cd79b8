// Package engine drives a trace session: it logs in on the command
// channel, negotiates and opens the data channel, triggers captures,
// and reassembles the streamed trace payload.
//
// All protocol state lives behind a single mutex shared by both receive
// loops and every timer callback.  Caller notifications are dispatched
// after the mutex is released.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	tcerr "tracecap/internal/errors"
	"tracecap/internal/metrics"
	"tracecap/internal/protocol"
	"tracecap/internal/session"
	"tracecap/internal/socket"
	"tracecap/internal/transport"
	"tracecap/util"
)

// Defaults for [Options].
const (
	DefaultResponseTimeout = 60 * time.Second
	DefaultTraceTimeout    = 5 * time.Minute
	DefaultRecheckInterval = 3 * time.Second
	DefaultSettleDelay     = time.Second
)

// Options configures an Engine.  Zero values take the defaults above.
type Options struct {
	Dialer          transport.Dialer
	Logger          *util.Logger
	Metrics         *metrics.Collector
	ResponseTimeout time.Duration // per LOGIN/OPENDATA/HARTBEAT
	TraceTimeout    time.Duration // whole capture
	RecheckInterval time.Duration // completion check after DONE
	SettleDelay     time.Duration // pause after each channel connects
	// ResolveRemotely skips local name resolution and hands the host
	// name to the dialer as given.  Set when dialing through a jump host.
	ResolveRemotely bool
}

// Handlers are the caller-facing notifications.  Any may be nil.
type Handlers struct {
	OnConnected    func(connected bool)
	OnDisconnected func(clean bool)
	OnTraceData    func(payload []byte)
	OnError        func(err error)
}

// pendingResponse is the single outstanding wait on the command channel.
type pendingResponse struct {
	cmd      protocol.Command
	sess     *session.Session
	deadline time.Time
	timer    *time.Timer
	done     replyFunc
}

// replyFunc receives the reply to a command, or timedOut when none came.
type replyFunc func(sess *session.Session, r protocol.Reply, timedOut bool)

// Engine is the protocol engine.  Create one with [New]; an Engine can
// be started again after Disconnect.
type Engine struct {
	opts     Options
	handlers Handlers
	log      *util.Logger

	mu      sync.Mutex
	sess    *session.Session
	cmd     *socket.Socket
	data    *socket.Socket
	pending *pendingResponse
	capture *captureState
	ready   chan struct{} // closed on reaching Ready
	failed  chan struct{} // closed on a handshake failure
	failErr error
	closing bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// New returns an idle engine.
func New(opts Options, h Handlers) *Engine {
	if opts.Dialer == nil {
		opts.Dialer = &transport.TCPDialer{}
	}
	if opts.Logger == nil {
		opts.Logger = util.NewLogger(0)
	}
	if opts.ResponseTimeout <= 0 {
		opts.ResponseTimeout = DefaultResponseTimeout
	}
	if opts.TraceTimeout <= 0 {
		opts.TraceTimeout = DefaultTraceTimeout
	}
	if opts.RecheckInterval <= 0 {
		opts.RecheckInterval = DefaultRecheckInterval
	}
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = DefaultSettleDelay
	}
	return &Engine{opts: opts, handlers: h, log: opts.Logger.Named("engine")}
}

// ── Caller API ───────────────────────────────────────────────────────

// Startup resolves host, connects the command channel and starts the
// handshake.  It blocks only until the command channel connect has
// succeeded or failed; use [Engine.WaitReady] for the rest.
func (e *Engine) Startup(ctx context.Context, host string, port int, user, password string) error {
	if e.Connected() {
		e.Disconnect() //nolint:errcheck
	}

	sess := session.New(host, port, user, password, e.log)
	addr := host
	if !e.opts.ResolveRemotely {
		ip, err := util.ResolveHost(ctx, host)
		if err != nil {
			nerr := tcerr.Wrap("resolve", host, err)
			e.emit(nerr)
			return nerr
		}
		addr = ip
	}
	sess.Addr = addr

	cmd, data := e.newSockets(sess)

	e.mu.Lock()
	if e.cancel != nil {
		e.cancel()
	}
	e.sess = sess
	e.cmd, e.data = cmd, data
	e.pending = nil
	e.capture = nil
	e.ready = make(chan struct{})
	e.failed = make(chan struct{})
	e.failErr = nil
	e.closing = false
	e.ctx, e.cancel = context.WithCancel(context.Background())
	sess.Transition(session.ConnectingCommand)
	e.mu.Unlock()

	sess.Logger.Info("Connecting to %s", sess.CommandAddr())
	return cmd.Connect(ctx, sess.CommandAddr())
}

// WaitReady blocks until the handshake reaches Ready, fails, or ctx
// ends.
func (e *Engine) WaitReady(ctx context.Context) error {
	e.mu.Lock()
	ready, failed := e.ready, e.failed
	e.mu.Unlock()
	if ready == nil {
		return tcerr.ErrNotConnected
	}

	select {
	case <-ready:
		return nil
	case <-failed:
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.failErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connect is Startup followed by WaitReady.
func (e *Engine) Connect(ctx context.Context, host string, port int, user, password string) error {
	if err := e.Startup(ctx, host, port, user, password); err != nil {
		return err
	}
	return e.WaitReady(ctx)
}

// GetTraceData triggers a capture.  The payload arrives through
// OnTraceData; failures through OnError.
func (e *Engine) GetTraceData() error {
	_, err := e.startCapture()
	return err
}

// Capture triggers a capture and waits for its payload.  If ctx ends
// first the capture is abandoned and the session must be restarted.
func (e *Engine) Capture(ctx context.Context) ([]byte, error) {
	c, err := e.startCapture()
	if err != nil {
		return nil, err
	}
	select {
	case res := <-c.result:
		return res.payload, res.err
	case <-ctx.Done():
		e.mu.Lock()
		if e.capture == c {
			e.dropCaptureLocked()
			e.sess.Transition(session.Faulted)
		}
		e.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Disconnect cancels any outstanding wait, discards capture state and
// closes both channels.  It blocks until both are down.
func (e *Engine) Disconnect() error {
	e.mu.Lock()
	e.closing = true
	if e.capture != nil {
		c := e.capture
		e.dropCaptureLocked()
		c.settle(nil, tcerr.ErrNotConnected)
	}
	e.clearPendingLocked()
	if e.cancel != nil {
		e.cancel()
	}
	cmd, data := e.cmd, e.data
	e.mu.Unlock()

	var g errgroup.Group
	if data != nil {
		g.Go(data.Disconnect)
	}
	if cmd != nil {
		g.Go(cmd.Disconnect)
	}
	err := g.Wait()

	e.mu.Lock()
	if e.sess != nil {
		e.sess.Transition(session.Disconnected)
	}
	e.mu.Unlock()
	return err
}

// Connected reports whether the command channel is up.
func (e *Engine) Connected() bool {
	e.mu.Lock()
	cmd := e.cmd
	e.mu.Unlock()
	return cmd != nil && cmd.Connected()
}

// State returns the current protocol state.
func (e *Engine) State() session.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess == nil {
		return session.Idle
	}
	return e.sess.State
}

// UtcOffset is the server's UTC offset in seconds from the last
// HARTBEAT.
func (e *Engine) UtcOffset() int32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess == nil {
		return 0
	}
	return e.sess.UtcOffset
}

// DataPort is the data-channel port announced by OPENDATA.
func (e *Engine) DataPort() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess == nil {
		return 0
	}
	return e.sess.DataPort
}

// RemoteAddr is the resolved command-channel address.
func (e *Engine) RemoteAddr() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess == nil {
		return ""
	}
	return e.sess.CommandAddr()
}

// SessionID identifies the current session in logs.
func (e *Engine) SessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess == nil {
		return ""
	}
	return e.sess.ID
}

// ── Sockets ──────────────────────────────────────────────────────────

func (e *Engine) newSockets(sess *session.Session) (cmd, data *socket.Socket) {
	cmd = socket.New(socket.Options{
		Name:       "command",
		Mode:       socket.Delimited,
		Terminator: protocol.Terminator,
		BufferSize: protocol.CommandBufferSize,
		Encode:     protocol.Frame,
		Dialer:     e.opts.Dialer,
		Logger:     sess.Logger,
		Metrics:    e.opts.Metrics,
		Channel:    metrics.CommandChannel,
	}, socket.Handler{
		OnConnected:    func(ok bool) { e.onCommandConnected(sess, ok) },
		OnDisconnected: func(req bool) { e.onDisconnected(sess, "command", req) },
		OnSent:         func(text string) { e.onSent(sess, text) },
		OnData:         func(b []byte) { e.onReply(sess, b) },
		OnError:        func(err error) { e.onSocketError(sess, err) },
	})

	data = socket.New(socket.Options{
		Name:       "data",
		Mode:       socket.Raw,
		BufferSize: protocol.DataBufferSize,
		Dialer:     e.opts.Dialer,
		Logger:     sess.Logger,
		Metrics:    e.opts.Metrics,
		Channel:    metrics.DataChannel,
	}, socket.Handler{
		OnConnected:    func(ok bool) { e.onDataConnected(sess, ok) },
		OnDisconnected: func(req bool) { e.onDisconnected(sess, "data", req) },
		OnData:         func(b []byte) { e.onChunk(sess, b) },
		OnError:        func(err error) { e.onSocketError(sess, err) },
	})
	return cmd, data
}

// ── Notifications ────────────────────────────────────────────────────

func (e *Engine) emit(err error) {
	e.opts.Metrics.RecordError(err.Error())
	e.log.Verbose("error: %v", err)
	if e.handlers.OnError != nil {
		e.handlers.OnError(err)
	}
}

func (e *Engine) notifyConnected(ok bool) {
	if e.handlers.OnConnected != nil {
		e.handlers.OnConnected(ok)
	}
}

func (e *Engine) notifyDisconnected(clean bool) {
	if e.handlers.OnDisconnected != nil {
		e.handlers.OnDisconnected(clean)
	}
}

// failLocked marks the session Faulted.  During the handshake it also
// releases WaitReady with err.
func (e *Engine) failLocked(err error) {
	if e.sess.State.Handshaking() && e.failErr == nil {
		e.failErr = err
		close(e.failed)
	}
	e.clearPendingLocked()
	e.sess.Transition(session.Faulted)
}

// ── Command channel ──────────────────────────────────────────────────

// issueLocked sends cmd and registers its PendingResponse.  Only one
// may be outstanding.
func (e *Engine) issueLocked(cmd protocol.Command, done replyFunc) error {
	if e.pending != nil {
		return fmt.Errorf("%s: %w (%s)", cmd, tcerr.ErrCommandPending, e.pending.cmd)
	}

	p := &pendingResponse{
		cmd:      cmd,
		sess:     e.sess,
		deadline: time.Now().Add(e.opts.ResponseTimeout),
		done:     done,
	}
	p.timer = time.AfterFunc(e.opts.ResponseTimeout, func() { e.expire(p) })
	e.pending = p
	e.sess.Command = cmd

	if err := e.cmd.Send(cmd.Text(e.sess.User, e.sess.Password)); err != nil {
		p.timer.Stop()
		e.pending = nil
		e.sess.Command = protocol.CmdNone
		return fmt.Errorf("Couldn't send command (connection unavailable): %s: %w", cmd, err)
	}
	return nil
}

func (e *Engine) clearPendingLocked() {
	if e.pending != nil {
		e.pending.timer.Stop()
		e.pending = nil
	}
	if e.sess != nil {
		e.sess.Command = protocol.CmdNone
	}
}

// expire fires the pending callback with timedOut set.  A reply that
// won the race has already unregistered p, so nothing happens.
func (e *Engine) expire(p *pendingResponse) {
	e.mu.Lock()
	if e.pending != p {
		e.mu.Unlock()
		return
	}
	e.pending = nil
	e.sess.Command = protocol.CmdNone
	e.mu.Unlock()

	e.opts.Metrics.Timeout()
	p.done(p.sess, protocol.Reply{}, true)
}

func (e *Engine) onCommandConnected(sess *session.Session, ok bool) {
	if !ok {
		e.notifyConnected(false)
		return
	}
	e.mu.Lock()
	if e.sess != sess || e.closing {
		e.mu.Unlock()
		return
	}
	sess.Transition(session.Authenticating)
	e.afterSettleLocked(sess, session.Authenticating, protocol.CmdLogin, e.onLogin)
	e.mu.Unlock()

	e.notifyConnected(true)
}

// afterSettleLocked issues cmd once the settle delay has passed,
// provided the session is still in state by then.
func (e *Engine) afterSettleLocked(sess *session.Session, state session.State, cmd protocol.Command, done replyFunc) {
	ctx := e.ctx
	go func() {
		t := time.NewTimer(e.opts.SettleDelay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		e.mu.Lock()
		if e.sess != sess || sess.State != state || e.closing {
			e.mu.Unlock()
			return
		}
		err := e.issueLocked(cmd, done)
		if err != nil {
			e.failLocked(err)
		}
		e.mu.Unlock()
		if err != nil {
			e.emit(err)
		}
	}()
}

func (e *Engine) onSent(sess *session.Session, text string) {
	e.opts.Metrics.CommandSent()
	sess.Logger.Info("Sent: %s", protocol.Verb(text))
}

// onReply routes a command-channel message: to the pending command if
// one is registered, otherwise into the capture path.
func (e *Engine) onReply(sess *session.Session, b []byte) {
	r := protocol.ParseReply(b)
	sess.Logger.Info("Rcvd: %s", r.Text)

	e.mu.Lock()
	if e.sess != sess {
		e.mu.Unlock()
		return
	}
	if p := e.pending; p != nil {
		p.timer.Stop()
		e.pending = nil
		sess.Command = protocol.CmdNone
		e.mu.Unlock()
		p.done(sess, r, false)
		return
	}
	if e.capture == nil {
		e.mu.Unlock()
		sess.Logger.Warn("unsolicited reply ignored: %s", r.Text)
		return
	}
	o := e.pollLocked(r)
	e.mu.Unlock()
	e.report(o)
}

// stepLocked handles a handshake reply.  On success it returns true.
// On failure the session faults and the error is returned for emitting.
func (e *Engine) stepLocked(cmd protocol.Command, r protocol.Reply, timedOut bool) (bool, error) {
	var err error
	switch {
	case timedOut:
		err = &tcerr.TimeoutError{Command: cmd.String()}
	case r.Good():
		return true, nil
	case cmd == protocol.CmdLogin:
		pe := &tcerr.ProtocolError{Command: cmd.String(), Reply: r.Text, Kind: tcerr.ErrLoginFailed}
		if r.Failed() {
			pe.Message = protocol.LoginFailure(r)
		}
		err = pe
	default:
		err = &tcerr.ProtocolError{Command: cmd.String(), Reply: r.Text}
	}
	e.failLocked(err)
	return false, err
}

func (e *Engine) onLogin(sess *session.Session, r protocol.Reply, timedOut bool) {
	e.mu.Lock()
	if e.sess != sess {
		e.mu.Unlock()
		return
	}
	ok, err := e.stepLocked(protocol.CmdLogin, r, timedOut)
	if ok {
		e.sess.Transition(session.NegotiatingData)
		err = e.issueLocked(protocol.CmdOpenData, e.onOpenData)
		if err != nil {
			e.failLocked(err)
		}
	}
	e.mu.Unlock()
	if err != nil {
		e.emit(err)
	}
}

func (e *Engine) onOpenData(sess *session.Session, r protocol.Reply, timedOut bool) {
	e.mu.Lock()
	if e.sess != sess {
		e.mu.Unlock()
		return
	}
	ok, err := e.stepLocked(protocol.CmdOpenData, r, timedOut)
	if ok {
		port, perr := r.Hex()
		if perr == nil && (port <= 0 || port > 65535) {
			perr = fmt.Errorf("data port %d out of range", port)
		}
		if perr != nil {
			err = &tcerr.ProtocolError{Command: "OPENDATA", Reply: r.Text, Message: "OPENDATA: " + perr.Error()}
			e.failLocked(err)
		} else {
			e.sess.DataPort = int(port)
			e.sess.Transition(session.ConnectingData)
			sess, data, ctx := e.sess, e.data, e.ctx
			go func() {
				sess.Logger.Verbose("opening data channel to %s", sess.DataAddr())
				data.Connect(ctx, sess.DataAddr()) //nolint:errcheck // reported through OnError
			}()
		}
	}
	e.mu.Unlock()
	if err != nil {
		e.emit(err)
	}
}

func (e *Engine) onDataConnected(sess *session.Session, ok bool) {
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess != sess || sess.State != session.ConnectingData {
		return
	}
	sess.Transition(session.AwaitingHeartbeat)
	e.afterSettleLocked(sess, session.AwaitingHeartbeat, protocol.CmdHeartbeat, e.onHeartbeat)
}

func (e *Engine) onHeartbeat(sess *session.Session, r protocol.Reply, timedOut bool) {
	e.mu.Lock()
	if e.sess != sess {
		e.mu.Unlock()
		return
	}
	ok, err := e.stepLocked(protocol.CmdHeartbeat, r, timedOut)
	if ok {
		offset, perr := r.Hex()
		if perr != nil {
			err = &tcerr.ProtocolError{Command: "HARTBEAT", Reply: r.Text, Message: "HARTBEAT: " + perr.Error()}
			e.failLocked(err)
		} else {
			e.sess.UtcOffset = offset
			e.sess.Transition(session.Ready)
			close(e.ready)
			e.sess.Logger.Info("Ready to capture data.")
		}
	}
	e.mu.Unlock()
	if err != nil {
		e.emit(err)
	}
}

// ── Errors and disconnects ───────────────────────────────────────────

func (e *Engine) onSocketError(sess *session.Session, err error) {
	e.mu.Lock()
	if e.sess != sess || e.closing {
		e.mu.Unlock()
		return
	}
	var c *captureState
	switch {
	case sess.State.Handshaking():
		e.failLocked(err)
	case e.capture != nil:
		c = e.capture
		e.dropCaptureLocked()
		e.failLocked(err)
	}
	e.mu.Unlock()

	if c != nil {
		c.settle(nil, err)
	}
	e.emit(err)
}

func (e *Engine) onDisconnected(sess *session.Session, channel string, requested bool) {
	e.mu.Lock()
	if e.sess != sess {
		e.mu.Unlock()
		return
	}
	clean := requested || e.closing
	var err error
	var c *captureState
	if !clean {
		err = fmt.Errorf("%s channel: %w", channel, tcerr.ErrUnexpectedDisconnect)
		if e.capture != nil {
			c = e.capture
			e.dropCaptureLocked()
		}
		if !sess.State.Terminal() {
			e.failLocked(err)
		} else {
			e.clearPendingLocked()
		}
	}
	e.mu.Unlock()

	if c != nil {
		c.settle(nil, err)
	}
	if err != nil {
		e.emit(err)
	}
	if channel == "command" {
		e.notifyDisconnected(clean)
	}
}
