package modem

import (
	"errors"
	"net/netip"
)

var ErrNoBackend = errors.New("no backend configured")

// Backend is one end of the phone line: a TCP peer or a local pty.
type Backend interface {
	Name() string
	Connect() error
	Send(p []byte) error
	// Disconnect closes the line and waits for the receive goroutine to exit.
	Disconnect()
	IsConnected() bool
}

// Dialer is a backend whose remote address is chosen by the dial string.
type Dialer interface {
	Backend
	SetTarget(addr netip.AddrPort)
}

// Terminal is a backend that exposes a device node for a local process.
type Terminal interface {
	Backend
	SlavePath() string
}

// Sink receives events from backend goroutines.
type Sink interface {
	// Receive is called with bytes read from the line.
	Receive(p []byte)
	// Ring is called when a peer connects to an answering backend.
	Ring()
}

// Provisioner prepares the host side of a pty call (routing and pppd).
type Provisioner interface {
	Setup(slavePath string)
}
