package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"tracecap/tunnel"
	"tracecap/util"
)

// TestTCPDialer_Connect verifies that TCPDialer can reach a local
// TCP server and exchange data.
func TestTCPDialer_Connect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write([]byte("GOOD00001F90GOOD\n")) //nolint:errcheck
	}()

	d := &TCPDialer{Timeout: 2 * time.Second}
	conn, err := d.Dial(context.Background(), "tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	buf := make([]byte, 256)
	n, err := conn.Read(buf)
	if err != nil && err != io.EOF {
		t.Fatalf("read: %v", err)
	}
	if got := string(buf[:n]); got != "GOOD00001F90GOOD\n" {
		t.Errorf("got %q", got)
	}
}

// The reuse option must not get in the way of a fixed source port.
func TestTCPDialer_LocalPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	probe, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := probe.Addr().(*net.TCPAddr).Port
	probe.Close()

	d := &TCPDialer{Timeout: 2 * time.Second, LocalPort: port}
	c1, err := d.Dial(context.Background(), "tcp", ln.Addr().String())
	if err != nil {
		t.Skipf("source port %d unavailable: %v", port, err)
	}
	defer c1.Close()
	if got := c1.LocalAddr().(*net.TCPAddr).Port; got != port {
		t.Errorf("local port = %d, want %d", got, port)
	}
}

// TestTCPDialer_ContextCancel verifies that a cancelled context stops the dial.
func TestTCPDialer_ContextCancel(t *testing.T) {
	d := &TCPDialer{Timeout: 5 * time.Second}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.Dial(ctx, "tcp", "127.0.0.1:1")
	if err == nil {
		t.Fatal("expected error from cancelled context")
	}
}

// TestTCPDialer_Close verifies Close is a no-op and returns nil.
func TestTCPDialer_Close(t *testing.T) {
	d := &TCPDialer{}
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

type stubTunnel struct {
	connects int
	alive    bool
	failWith error
}

func (s *stubTunnel) Connect(context.Context) error {
	s.connects++
	if s.failWith != nil {
		return s.failWith
	}
	s.alive = true
	return nil
}

func (s *stubTunnel) Dial(_ context.Context, _, _ string) (net.Conn, error) {
	c1, c2 := net.Pipe()
	c2.Close()
	return c1, nil
}

func (s *stubTunnel) Close() error  { s.alive = false; return nil }
func (s *stubTunnel) IsAlive() bool { return s.alive }

func TestSSHDialer_ConnectsOnceAndReconnects(t *testing.T) {
	st := &stubTunnel{}
	d := &SSHDialer{
		tunnel: st,
		config: &tunnel.SSHConfig{User: "ops", Host: "jump", Port: 22},
		logger: util.NewLogger(0),
	}

	for i := 0; i < 2; i++ {
		c, err := d.Dial(context.Background(), "tcp", "10.0.0.1:3000")
		if err != nil {
			t.Fatalf("dial %d: %v", i, err)
		}
		c.Close()
	}
	if st.connects != 1 {
		t.Fatalf("connects = %d, want 1", st.connects)
	}

	st.alive = false // tunnel dropped
	c, err := d.Dial(context.Background(), "tcp", "10.0.0.1:3000")
	if err != nil {
		t.Fatal(err)
	}
	c.Close()
	if st.connects != 2 {
		t.Fatalf("connects = %d, want 2 after drop", st.connects)
	}

	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestSSHDialer_TunnelFailure(t *testing.T) {
	boom := errors.New("handshake refused")
	d := &SSHDialer{
		tunnel: &stubTunnel{failWith: boom},
		config: &tunnel.SSHConfig{User: "ops", Host: "jump", Port: 22},
		logger: util.NewLogger(0),
	}
	_, err := d.Dial(context.Background(), "tcp", "10.0.0.1:3000")
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped %v", err, boom)
	}
}
