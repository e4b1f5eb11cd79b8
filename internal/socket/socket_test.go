package socket

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	tcerr "tracecap/internal/errors"
	"tracecap/internal/metrics"
)

// events collects socket notifications on buffered channels.
type events struct {
	connected    chan bool
	disconnected chan bool
	sent         chan string
	data         chan []byte
	errs         chan error
}

func newEvents() *events {
	return &events{
		connected:    make(chan bool, 4),
		disconnected: make(chan bool, 4),
		sent:         make(chan string, 16),
		data:         make(chan []byte, 64),
		errs:         make(chan error, 4),
	}
}

func (e *events) handler() Handler {
	return Handler{
		OnConnected:    func(ok bool) { e.connected <- ok },
		OnDisconnected: func(req bool) { e.disconnected <- req },
		OnSent:         func(text string) { e.sent <- text },
		OnData:         func(b []byte) { e.data <- b },
		OnError:        func(err error) { e.errs <- err },
	}
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for notification")
	}
	var zero T
	return zero
}

// listen starts a loopback server that hands each accepted connection
// to serve.
func listen(t *testing.T, serve func(net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go serve(c)
		}
	}()
	return ln.Addr().String()
}

// drainAndClose reads until the client half-closes, then closes.
func drainAndClose(c net.Conn) {
	io.Copy(io.Discard, c) //nolint:errcheck
	c.Close()
}

func TestDelimited_DeliversWholeBuffer(t *testing.T) {
	addr := listen(t, func(c net.Conn) {
		c.Write([]byte("GOOD")) //nolint:errcheck
		time.Sleep(20 * time.Millisecond)
		c.Write([]byte("xxxxxxxxGOOD\n")) //nolint:errcheck
		time.Sleep(20 * time.Millisecond)
		c.Write([]byte("FAILLGINSAINFAIL\n")) //nolint:errcheck
		drainAndClose(c)
	})

	ev := newEvents()
	s := New(Options{Name: "command", Mode: Delimited, Terminator: "\n", BufferSize: 17}, ev.handler())
	require.NoError(t, s.Connect(context.Background(), addr))
	require.True(t, recv(t, ev.connected))

	require.Equal(t, "GOODxxxxxxxxGOOD\n", string(recv(t, ev.data)))
	require.Equal(t, "FAILLGINSAINFAIL\n", string(recv(t, ev.data)))

	require.NoError(t, s.Disconnect())
	require.True(t, recv(t, ev.disconnected))
	require.False(t, s.Connected())
}

func TestRaw_DeliversEveryRead(t *testing.T) {
	chunks := [][]byte{{0, 0, 0, 9}, {1, 2, 3}, {4, 5}}
	addr := listen(t, func(c net.Conn) {
		for _, ch := range chunks {
			c.Write(ch) //nolint:errcheck
			time.Sleep(20 * time.Millisecond)
		}
		drainAndClose(c)
	})

	m := metrics.New()
	ev := newEvents()
	s := New(Options{Name: "data", Mode: Raw, Metrics: m, Channel: metrics.DataChannel}, ev.handler())
	require.NoError(t, s.Connect(context.Background(), addr))

	var got []byte
	for len(got) < 9 {
		got = append(got, recv(t, ev.data)...)
	}
	require.Equal(t, []byte{0, 0, 0, 9, 1, 2, 3, 4, 5}, got)
	require.EqualValues(t, 9, m.TotalBytesIn(metrics.DataChannel))

	require.NoError(t, s.Disconnect())
	require.EqualValues(t, 0, m.ActiveConnections())
}

func TestSend_EncodesAndNotifies(t *testing.T) {
	got := make(chan []byte, 1)
	addr := listen(t, func(c net.Conn) {
		b, _ := io.ReadAll(c)
		got <- b
		c.Close()
	})

	ev := newEvents()
	s := New(Options{
		Name:       "command",
		Terminator: "\n",
		Encode:     func(text string) []byte { return []byte("<" + text + ">") },
	}, ev.handler())
	require.NoError(t, s.Connect(context.Background(), addr))

	require.NoError(t, s.Send("LOGIN a b"))
	require.NoError(t, s.Send("HARTBEAT"))
	require.Equal(t, "LOGIN a b", recv(t, ev.sent))
	require.Equal(t, "HARTBEAT", recv(t, ev.sent))

	require.NoError(t, s.Disconnect())
	require.Equal(t, "<LOGIN a b><HARTBEAT>", string(recv(t, got)))
}

func TestSend_NotConnected(t *testing.T) {
	s := New(Options{Name: "command"}, Handler{})
	err := s.Send("HARTBEAT")
	require.True(t, errors.Is(err, tcerr.ErrNotConnected))
}

func TestPeerClose_IsUnrequested(t *testing.T) {
	addr := listen(t, func(c net.Conn) { c.Close() })

	ev := newEvents()
	s := New(Options{Name: "data", Mode: Raw}, ev.handler())
	require.NoError(t, s.Connect(context.Background(), addr))

	require.False(t, recv(t, ev.disconnected))
	require.False(t, s.Connected())
	require.Empty(t, ev.errs, "orderly shutdown is not an error")
}

func TestDisconnect_GraceExpires(t *testing.T) {
	hold := make(chan struct{})
	t.Cleanup(func() { close(hold) })
	addr := listen(t, func(c net.Conn) {
		<-hold // never answers the half-close
		c.Close()
	})

	ev := newEvents()
	s := New(Options{Name: "command", Terminator: "\n", Grace: 50 * time.Millisecond}, ev.handler())
	require.NoError(t, s.Connect(context.Background(), addr))

	start := time.Now()
	require.NoError(t, s.Disconnect())
	require.Less(t, time.Since(start), 2*time.Second)
	require.True(t, recv(t, ev.disconnected))
}

func TestConnect_Failure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	ev := newEvents()
	s := New(Options{Name: "command"}, ev.handler())
	err = s.Connect(context.Background(), addr)
	require.Error(t, err)

	var ne *tcerr.NetworkError
	require.True(t, errors.As(err, &ne))
	require.Equal(t, "dial", ne.Op)
	require.False(t, recv(t, ev.connected))
	require.Error(t, recv(t, ev.errs))
}

func TestConnect_ReplacesQuietly(t *testing.T) {
	addr := listen(t, drainAndClose)

	ev := newEvents()
	s := New(Options{Name: "data", Mode: Raw}, ev.handler())
	require.NoError(t, s.Connect(context.Background(), addr))
	first := s.RemoteAddr()
	require.NoError(t, s.Connect(context.Background(), addr))
	require.Equal(t, first, s.RemoteAddr())
	require.True(t, s.Connected())

	select {
	case req := <-ev.disconnected:
		t.Fatalf("replaced link fired OnDisconnected(%v)", req)
	case <-time.After(100 * time.Millisecond):
	}
	require.NoError(t, s.Disconnect())
	require.True(t, recv(t, ev.disconnected))
}
