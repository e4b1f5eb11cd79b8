// Package fakeserver runs a scripted trace server on loopback for
// tests.  It speaks the framed command protocol on one listener and
// streams scripted chunks on a second, data-channel listener whose port
// it announces in the OPENDATA reply.
package fakeserver

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"tracecap/internal/protocol"
	"tracecap/util"
)

// NoReply makes the server swallow a command without answering.
const NoReply = "-"

// Step is one action played after GETDATA.  Delay is waited first; then
// Reply (if any) goes out on the command channel and Chunk (if any) on
// the data channel.
type Step struct {
	Delay time.Duration
	Reply string
	Chunk []byte
}

// Script decides how the server answers.  Empty replies get the usual
// GOOD answers.
type Script struct {
	Login     string
	OpenData  string // default announces the data listener port
	Heartbeat string // default reports a zero UTC offset
	Capture   []Step
}

// Server is a running fake trace server.
type Server struct {
	script Script
	log    *util.Logger

	cmdLn  net.Listener
	dataLn net.Listener
	g      errgroup.Group

	mu        sync.Mutex
	commands  []string
	conns     []net.Conn
	dataConn  net.Conn
	dataReady chan struct{}
	closed    bool
}

// Start listens on two loopback ports and serves until Close.
func Start(script Script, log *util.Logger) (*Server, error) {
	if log == nil {
		log = util.NewLogger(0)
	}
	cmdLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	dataLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		cmdLn.Close()
		return nil, err
	}

	s := &Server{
		script:    script,
		log:       log.Named("fakeserver"),
		cmdLn:     cmdLn,
		dataLn:    dataLn,
		dataReady: make(chan struct{}),
	}
	s.g.Go(s.acceptCommand)
	s.g.Go(s.acceptData)
	return s, nil
}

// Host is the loopback address both channels listen on.
func (s *Server) Host() string { return "127.0.0.1" }

// Port is the command-channel port.
func (s *Server) Port() int { return s.cmdLn.Addr().(*net.TCPAddr).Port }

// DataPort is the data-channel port.
func (s *Server) DataPort() int { return s.dataLn.Addr().(*net.TCPAddr).Port }

// Commands returns the command lines received so far.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// DropData closes the data connection from the server side.
func (s *Server) DropData() {
	s.mu.Lock()
	c := s.dataConn
	s.mu.Unlock()
	if c != nil {
		c.Close()
	}
}

// Close stops both listeners and every open connection.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := s.conns
	s.mu.Unlock()

	s.cmdLn.Close()
	s.dataLn.Close()
	for _, c := range conns {
		c.Close()
	}
	return s.g.Wait()
}

func (s *Server) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		c.Close()
		return false
	}
	s.conns = append(s.conns, c)
	return true
}

func (s *Server) acceptCommand() error {
	for {
		c, err := s.cmdLn.Accept()
		if err != nil {
			return nil
		}
		if !s.track(c) {
			return nil
		}
		s.g.Go(func() error { s.serveCommand(c); return nil })
	}
}

func (s *Server) acceptData() error {
	for {
		c, err := s.dataLn.Accept()
		if err != nil {
			return nil
		}
		if !s.track(c) {
			return nil
		}
		s.mu.Lock()
		first := s.dataConn == nil
		s.dataConn = c
		s.mu.Unlock()
		if first {
			close(s.dataReady)
		}
		// Drain until the client half-closes, then close our side.
		s.g.Go(func() error {
			io.Copy(io.Discard, c) //nolint:errcheck
			c.Close()
			return nil
		})
	}
}

// serveCommand reads framed commands and answers them per the script.
func (s *Server) serveCommand(c net.Conn) {
	defer c.Close()
	for {
		text, err := readFrame(c)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.commands = append(s.commands, text)
		s.mu.Unlock()
		s.log.Debug("got %s", protocol.Verb(text))

		switch {
		case strings.HasPrefix(text, "LOGIN "):
			s.reply(c, or(s.script.Login, "GOODxxxxxxxxGOOD"))
		case strings.HasPrefix(text, "OPENDATA "):
			s.reply(c, or(s.script.OpenData, fmt.Sprintf("GOOD%08XGOOD", s.DataPort())))
		case text == "HARTBEAT":
			s.reply(c, or(s.script.Heartbeat, "GOOD00000000GOOD"))
		case strings.HasPrefix(text, "GETDATA "):
			s.play(c)
		default:
			s.reply(c, "FAILUNKNOWN.FAIL")
		}
	}
}

func (s *Server) play(c net.Conn) {
	for _, st := range s.script.Capture {
		if st.Delay > 0 {
			time.Sleep(st.Delay)
		}
		if st.Reply != "" {
			s.reply(c, st.Reply)
		}
		if st.Chunk != nil {
			select {
			case <-s.dataReady:
			case <-time.After(5 * time.Second):
				s.log.Error("no data connection for chunk")
				return
			}
			s.mu.Lock()
			dc := s.dataConn
			s.mu.Unlock()
			if _, err := dc.Write(st.Chunk); err != nil {
				s.log.Debug("data write: %v", err)
				return
			}
		}
	}
}

func (s *Server) reply(c net.Conn, text string) {
	if text == NoReply {
		return
	}
	c.Write([]byte(text + protocol.Terminator)) //nolint:errcheck
}

func readFrame(r io.Reader) (string, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > 1<<16 {
		return "", fmt.Errorf("frame of %d bytes", n)
	}
	frame := make([]byte, 4+n)
	copy(frame, hdr[:])
	if _, err := io.ReadFull(r, frame[4:]); err != nil {
		return "", err
	}
	return protocol.Unframe(frame)
}

func or(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// ── payload helpers ──────────────────────────────────────────────────

// Trace prefixes body with the 4-byte big-endian total length the data
// channel starts with.  The length counts the prefix itself.
func Trace(body []byte) []byte {
	out := make([]byte, 4, 4+len(body))
	binary.BigEndian.PutUint32(out, uint32(4+len(body)))
	return append(out, body...)
}

// Split cuts b into consecutive chunks of the given sizes.  Any bytes
// left over form a final chunk.
func Split(b []byte, sizes ...int) [][]byte {
	var out [][]byte
	for _, n := range sizes {
		if n > len(b) {
			n = len(b)
		}
		out = append(out, b[:n])
		b = b[n:]
	}
	if len(b) > 0 {
		out = append(out, b)
	}
	return out
}
