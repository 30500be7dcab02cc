// Package socket implements the TCP phone line. In client mode the modem
// dials the address chosen by ATD; in server mode it answers incoming
// connections and rings the host.
package socket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/me56ps2/me56ps2/modem"
)

const (
	DefaultDialTimeout = 10 * time.Second
	readBufferSize     = 4096
)

var (
	ErrNotConnected = errors.New("socket not connected")
	ErrNoPeer       = errors.New("no peer connected")
)

// Config configures the socket backend.
type Config struct {
	Addr        string        `help:"Target address (client) or listen address (server); empty disables the socket line" default:"" env:"ME56PS2_SOCKET_ADDR"`
	Server      bool          `help:"Answer incoming connections instead of dialing" default:"false" env:"ME56PS2_SOCKET_SERVER"`
	DialTimeout time.Duration `help:"Timeout for outgoing connections" default:"10s" env:"ME56PS2_SOCKET_DIAL_TIMEOUT"`
}

// Backend is a TCP line. It satisfies modem.Dialer.
type Backend struct {
	cfg    Config
	sink   modem.Sink
	logger *slog.Logger

	mu     sync.Mutex
	target string
	conn   net.Conn
	// recvDone is closed when the receive goroutine of conn exits.
	recvDone chan struct{}
}

var _ modem.Dialer = (*Backend)(nil)

func New(cfg Config, sink modem.Sink, logger *slog.Logger) *Backend {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	return &Backend{cfg: cfg, sink: sink, logger: logger, target: cfg.Addr}
}

func (b *Backend) Name() string { return "socket" }

// SetTarget changes the address dialed by the next Connect.
func (b *Backend) SetTarget(addr netip.AddrPort) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.target = addr.String()
}

// Target returns the address dialed by Connect.
func (b *Backend) Target() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.target
}

// Connect dials the target in client mode. In server mode it succeeds
// only while a peer is connected.
func (b *Backend) Connect() error {
	if b.cfg.Server {
		if b.IsConnected() {
			return nil
		}
		return ErrNoPeer
	}
	b.Disconnect()

	target := b.Target()
	if target == "" {
		return fmt.Errorf("dial: %w", modem.ErrNoBackend)
	}
	b.logger.Info("Dialing", "addr", target)
	conn, err := net.DialTimeout("tcp", target, b.cfg.DialTimeout)
	if err != nil {
		return fmt.Errorf("dial %s: %w", target, err)
	}
	b.attach(conn)
	b.logger.Info("Connected", "remote", conn.RemoteAddr())
	return nil
}

func (b *Backend) attach(conn net.Conn) {
	done := make(chan struct{})
	b.mu.Lock()
	b.conn = conn
	b.recvDone = done
	b.mu.Unlock()
	go b.recv(conn, done)
}

func (b *Backend) recv(conn net.Conn, done chan struct{}) {
	defer close(done)
	buf := make([]byte, readBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			b.sink.Receive(buf[:n])
		}
		if err != nil {
			b.mu.Lock()
			current := b.conn == conn
			if current {
				b.conn = nil
			}
			b.mu.Unlock()
			if current {
				_ = conn.Close()
				b.logger.Info("Remote closed the connection", "error", err)
			}
			return
		}
	}
}

func (b *Backend) Send(p []byte) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	if _, err := conn.Write(p); err != nil {
		return fmt.Errorf("socket write: %w", err)
	}
	return nil
}

// Disconnect closes the connection and waits for the receive goroutine.
func (b *Backend) Disconnect() {
	b.mu.Lock()
	conn, done := b.conn, b.recvDone
	b.conn, b.recvDone = nil, nil
	b.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	if done != nil {
		<-done
	}
}

func (b *Backend) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil
}

// Listen accepts peers on the configured address until ctx is done. Only
// one peer is served at a time; others are refused. ready, if non-nil,
// receives the bound address.
func (b *Backend) Listen(ctx context.Context, ready chan<- net.Addr) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", b.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", b.cfg.Addr, err)
	}
	b.logger.Info("Waiting for callers", "addr", ln.Addr().String())
	if ready != nil {
		ready <- ln.Addr()
	}

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				b.Disconnect()
				return nil
			}
			b.logger.Warn("accept failed", "error", err)
			continue
		}
		if b.IsConnected() {
			b.logger.Info("Line busy, refusing caller", "remote", conn.RemoteAddr())
			_ = conn.Close()
			continue
		}
		b.attach(conn)
		b.sink.Ring()
		b.logger.Info("Caller connected", "remote", conn.RemoteAddr())
	}
}
