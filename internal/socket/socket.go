// Package socket implements the reconnectable TCP channel used for both
// halves of a trace session.
//
// A Socket runs in one of two modes.  In [Delimited] mode inbound bytes
// are accumulated until the buffer ends with the terminator, and the
// whole accumulated buffer is delivered at once.  In [Raw] mode every
// completed read is delivered as it is.  Outbound text is queued and
// written in order by a dedicated writer goroutine.
//
// All notifications are optional plain functions.  They run on the
// socket's own goroutines and must not block for long.
package socket

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	tcerr "tracecap/internal/errors"
	"tracecap/internal/metrics"
	"tracecap/internal/transport"
	"tracecap/util"
)

// Mode selects how inbound bytes are turned into notifications.
type Mode int

const (
	// Delimited delivers the accumulated buffer whenever it ends with
	// the terminator.
	Delimited Mode = iota
	// Raw delivers every read as its own chunk.
	Raw
)

const (
	defaultGrace     = 5 * time.Second
	defaultSendQueue = 16
)

// Handler groups the notifications a Socket can fire.  Any may be nil.
type Handler struct {
	OnConnected    func(connected bool)
	OnDisconnected func(requested bool)
	OnSent         func(text string)
	OnData         func(data []byte)
	OnError        func(err error)
}

// Options configures a Socket.
type Options struct {
	// Name tags log lines and errors ("command", "data").
	Name       string
	Mode       Mode
	Terminator string
	// BufferSize is the size of each read.  Raw sockets reading
	// [util.DefaultBufSize] bytes borrow their buffer from the pool.
	BufferSize int
	// Encode turns queued text into wire bytes.  Defaults to the
	// plain ASCII bytes of the text.
	Encode  func(text string) []byte
	Dialer  transport.Dialer
	Logger  *util.Logger
	Metrics *metrics.Collector
	Channel metrics.Channel
	// Grace bounds how long Disconnect waits for the peer to finish
	// the half-close before closing outright.
	Grace time.Duration
}

// link is one TCP connection and the goroutines serving it.
type link struct {
	conn    net.Conn
	out     chan string
	quit    chan struct{}
	done    chan struct{} // closed when the receive loop exits
	closing bool          // Disconnect was requested
}

// Socket is a TCP channel with a background receive loop.
type Socket struct {
	opts    Options
	handler Handler
	logger  *util.Logger

	mu  sync.Mutex
	cur *link
}

// New returns an unconnected Socket.
func New(opts Options, h Handler) *Socket {
	if opts.Dialer == nil {
		opts.Dialer = &transport.TCPDialer{}
	}
	if opts.Logger == nil {
		opts.Logger = util.NewLogger(0)
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = util.DefaultBufSize
	}
	if opts.Grace <= 0 {
		opts.Grace = defaultGrace
	}
	if opts.Encode == nil {
		opts.Encode = func(text string) []byte { return []byte(text) }
	}
	name := opts.Name
	if name == "" {
		name = "socket"
	}
	return &Socket{opts: opts, handler: h, logger: opts.Logger.Named(name)}
}

// Connect opens a fresh connection to addr, replacing any existing one,
// and starts the receive loop.  It blocks until the outcome is known.
// Failures are both returned and reported through OnError.
func (s *Socket) Connect(ctx context.Context, addr string) error {
	s.abandon()

	s.logger.Verbose("connecting to %s", addr)
	conn, err := s.opts.Dialer.Dial(ctx, "tcp", addr)
	if err != nil {
		nerr := tcerr.Wrap("dial", addr, err)
		s.fireError(nerr)
		s.fireConnected(false)
		return nerr
	}

	l := &link{
		conn: conn,
		out:  make(chan string, defaultSendQueue),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	s.mu.Lock()
	s.cur = l
	s.mu.Unlock()

	s.opts.Metrics.ConnectionOpened()
	s.logger.Verbose("connected to %s", conn.RemoteAddr())

	go s.receive(l)
	go s.write(l)

	s.fireConnected(true)
	return nil
}

// Send queues text for transmission.  OnSent fires with the same text
// once the write has completed.
func (s *Socket) Send(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.cur
	if l == nil || l.closing {
		return tcerr.ErrNotConnected
	}
	select {
	case l.out <- text:
		return nil
	default:
		return fmt.Errorf("%s: send queue full", s.opts.Name)
	}
}

// Disconnect half-closes the connection and waits for the receive loop
// to see the peer's end of stream, or for the grace period to pass.
// OnDisconnected fires with requested set to true.
func (s *Socket) Disconnect() error {
	s.mu.Lock()
	l := s.cur
	if l == nil {
		s.mu.Unlock()
		return nil
	}
	l.closing = true
	s.mu.Unlock()

	s.logger.Debug("disconnecting")
	if cw, ok := l.conn.(interface{ CloseWrite() error }); ok {
		if err := cw.CloseWrite(); err != nil && !util.IsClosed(err) {
			s.logger.Debug("half-close: %v", err)
		}
	} else {
		l.conn.Close()
	}

	timer := time.NewTimer(s.opts.Grace)
	defer timer.Stop()
	select {
	case <-l.done:
	case <-timer.C:
		s.logger.Debug("peer did not close within %s", s.opts.Grace)
		l.conn.Close()
		<-l.done
	}
	return nil
}

// Connected reports whether a connection is currently up.
func (s *Socket) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur != nil
}

// RemoteAddr returns the peer address, or "" when disconnected.
func (s *Socket) RemoteAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return ""
	}
	return s.cur.conn.RemoteAddr().String()
}

// abandon drops the current connection without a half-close.  Used
// before reconnecting so each Connect starts from a fresh socket.
func (s *Socket) abandon() {
	s.mu.Lock()
	l := s.cur
	s.cur = nil
	s.mu.Unlock()
	if l == nil {
		return
	}
	l.conn.Close()
	<-l.done
}

// ── goroutines ───────────────────────────────────────────────────────

func (s *Socket) receive(l *link) {
	defer close(l.done)
	defer s.lost(l)

	var buf []byte
	if s.opts.Mode == Raw && s.opts.BufferSize == util.DefaultBufSize {
		p := util.GetBuf()
		defer util.PutBuf(p)
		buf = *p
	} else {
		buf = make([]byte, s.opts.BufferSize)
	}
	term := []byte(s.opts.Terminator)
	var acc []byte

	for {
		n, err := l.conn.Read(buf)
		if n > 0 {
			s.opts.Metrics.BytesReceived(s.opts.Channel, int64(n))
			s.logger.Debug("%d bytes received from %s", n, l.conn.RemoteAddr())

			switch s.opts.Mode {
			case Raw:
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				s.fireData(chunk)
			default:
				acc = append(acc, buf[:n]...)
				if len(term) > 0 && bytes.HasSuffix(acc, term) {
					msg := acc
					acc = nil
					s.fireData(msg)
				}
			}
		}
		if err != nil {
			if !util.IsClosed(err) {
				s.fireError(tcerr.Wrap("read", l.conn.RemoteAddr().String(), err))
			}
			return
		}
	}
}

func (s *Socket) write(l *link) {
	for {
		select {
		case <-l.quit:
			return
		case text := <-l.out:
			data := s.opts.Encode(text)
			if _, err := l.conn.Write(data); err != nil {
				if !util.IsClosed(err) {
					s.fireError(tcerr.Wrap("write", l.conn.RemoteAddr().String(), err))
				}
				continue
			}
			s.opts.Metrics.BytesSent(s.opts.Channel, int64(len(data)))
			s.fireSent(text)
		}
	}
}

// lost runs when a receive loop ends.  Only the current link fires
// OnDisconnected; a link replaced by Connect goes quietly.
func (s *Socket) lost(l *link) {
	l.conn.Close()
	close(l.quit)

	s.mu.Lock()
	current := s.cur == l
	if current {
		s.cur = nil
	}
	requested := l.closing
	s.mu.Unlock()

	s.opts.Metrics.ConnectionClosed()
	if !current {
		return
	}
	s.logger.Verbose("disconnected (requested=%v)", requested)
	if s.handler.OnDisconnected != nil {
		s.handler.OnDisconnected(requested)
	}
}

// ── dispatch ─────────────────────────────────────────────────────────

func (s *Socket) fireConnected(ok bool) {
	if s.handler.OnConnected != nil {
		s.handler.OnConnected(ok)
	}
}

func (s *Socket) fireSent(text string) {
	if s.handler.OnSent != nil {
		s.handler.OnSent(text)
	}
}

func (s *Socket) fireData(b []byte) {
	if s.handler.OnData != nil {
		s.handler.OnData(b)
	}
}

func (s *Socket) fireError(err error) {
	s.logger.Debug("error: %v", err)
	if s.handler.OnError != nil {
		s.handler.OnError(err)
	}
}
