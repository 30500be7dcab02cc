package socket_test

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/me56ps2/me56ps2/backend/socket"
	th "github.com/me56ps2/me56ps2/internal/testing"
	"github.com/me56ps2/me56ps2/modem"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func listen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	return ln
}

func TestClientDialsTarget(t *testing.T) {
	ln := listen(t)
	sink := th.NewMockSink()
	b := socket.New(socket.Config{}, sink, discardLogger())

	b.SetTarget(netip.MustParseAddrPort(ln.Addr().String()))
	assert.Equal(t, ln.Addr().String(), b.Target())

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	require.NoError(t, b.Connect())
	assert.True(t, b.IsConnected())
	peer := <-accepted
	defer peer.Close()

	require.NoError(t, b.Send([]byte("hello")))
	buf := make([]byte, 5)
	_, err := io.ReadFull(peer, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))

	_, err = peer.Write([]byte("world"))
	require.NoError(t, err)
	assert.True(t, sink.WaitFor(time.Second, func(s *th.MockSink) bool { return string(s.Received()) == "world" }))

	b.Disconnect()
	assert.False(t, b.IsConnected())
	assert.ErrorIs(t, b.Send([]byte("x")), socket.ErrNotConnected)
}

func TestClientConnectFailures(t *testing.T) {
	t.Run("no target", func(t *testing.T) {
		b := socket.New(socket.Config{}, th.NewMockSink(), discardLogger())
		assert.ErrorIs(t, b.Connect(), modem.ErrNoBackend)
	})
	t.Run("refused", func(t *testing.T) {
		ln := listen(t)
		addr := ln.Addr().String()
		ln.Close()
		b := socket.New(socket.Config{Addr: addr, DialTimeout: time.Second}, th.NewMockSink(), discardLogger())
		assert.Error(t, b.Connect())
		assert.False(t, b.IsConnected())
	})
}

func TestRemoteCloseClearsConnection(t *testing.T) {
	ln := listen(t)
	b := socket.New(socket.Config{Addr: ln.Addr().String()}, th.NewMockSink(), discardLogger())

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()
	require.NoError(t, b.Connect())
	(<-accepted).Close()

	assert.Eventually(t, func() bool { return !b.IsConnected() }, time.Second, 10*time.Millisecond)
	b.Disconnect()
}

func TestServerAnswersCaller(t *testing.T) {
	sink := th.NewMockSink()
	b := socket.New(socket.Config{Addr: "127.0.0.1:0", Server: true}, sink, discardLogger())

	assert.ErrorIs(t, b.Connect(), socket.ErrNoPeer)

	ctx, cancel := context.WithCancel(t.Context())
	ready := make(chan net.Addr, 1)
	done := make(chan error, 1)
	go func() { done <- b.Listen(ctx, ready) }()

	var addr net.Addr
	select {
	case addr = <-ready:
	case <-time.After(time.Second):
		t.Fatal("listener did not start")
	}

	caller, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer caller.Close()

	require.True(t, sink.WaitFor(time.Second, func(s *th.MockSink) bool { return s.Rings() == 1 }))
	require.NoError(t, b.Connect())

	second, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	_ = second.SetReadDeadline(time.Now().Add(time.Second))
	_, err = second.Read(make([]byte, 1))
	assert.Error(t, err, "second caller should be refused")
	second.Close()
	assert.Equal(t, 1, sink.Rings())

	_, err = caller.Write([]byte("ATDT"))
	require.NoError(t, err)
	assert.True(t, sink.WaitFor(time.Second, func(s *th.MockSink) bool { return string(s.Received()) == "ATDT" }))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Listen did not return")
	}
	assert.False(t, b.IsConnected())
}

func TestDisconnectWhileCallersArrive(t *testing.T) {
	sink := th.NewMockSink()
	b := socket.New(socket.Config{Addr: "127.0.0.1:0", Server: true}, sink, discardLogger())

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	ready := make(chan net.Addr, 1)
	done := make(chan error, 1)
	go func() { done <- b.Listen(ctx, ready) }()
	addr := (<-ready).String()

	for i := range 10 {
		caller, err := net.Dial("tcp", addr)
		require.NoError(t, err)

		// Keep the line busy so the receive goroutine is active when the
		// connection is torn down.
		stop := make(chan struct{})
		writer := make(chan struct{})
		go func() {
			defer close(writer)
			for {
				select {
				case <-stop:
					return
				default:
				}
				if _, err := caller.Write([]byte("x")); err != nil {
					return
				}
				time.Sleep(time.Millisecond)
			}
		}()

		require.True(t, sink.WaitFor(time.Second, func(s *th.MockSink) bool { return s.Rings() == i+1 }), "round %d", i)
		require.Eventually(t, b.IsConnected, time.Second, time.Millisecond)

		b.Disconnect()
		assert.False(t, b.IsConnected())
		got := len(sink.Received())
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, got, len(sink.Received()), "data delivered after Disconnect returned in round %d", i)

		close(stop)
		<-writer
		caller.Close()
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Listen did not return")
	}
}
