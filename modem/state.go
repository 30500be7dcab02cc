package modem

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/me56ps2/me56ps2/ringbuf"
)

// Result codes written to the host.
const (
	ReplyOK      = "OK\r\n"
	ReplyConnect = "CONNECT 57600 V42\r\n"
	ReplyBusy    = "BUSY\r\n"
	ReplyRing    = "RING\r\n"
)

type activeBackend struct{ b Backend }

// State is the connection state shared by the control loop, the bulk
// workers and the backend receive goroutines.
//
// The online flag and the active backend are read without locks. The
// active backend is only replaced through an atomic swap.
type State struct {
	tx     *ringbuf.Buffer
	logger *slog.Logger

	online atomic.Bool
	active atomic.Pointer[activeBackend]

	terminal Terminal
	dialer   Dialer
}

// NewState creates an offline state writing device output to tx.
func NewState(tx *ringbuf.Buffer, logger *slog.Logger) *State {
	return &State{tx: tx, logger: logger}
}

// AttachTerminal registers the pty backend. Call before any worker starts.
func (s *State) AttachTerminal(t Terminal) { s.terminal = t }

// AttachDialer registers the socket backend. Call before any worker starts.
func (s *State) AttachDialer(d Dialer) { s.dialer = d }

// Terminal returns the attached PTY backend, or nil when none is attached.
func (s *State) Terminal() Terminal { return s.terminal }

// Dialer returns the attached socket backend, or nil when none is attached.
func (s *State) Dialer() Dialer { return s.dialer }

// Tx returns the device transmit buffer.
func (s *State) Tx() *ringbuf.Buffer { return s.tx }

// Online reports passthrough mode.
func (s *State) Online() bool { return s.online.Load() }

// Active returns the backend carrying the current call, or nil.
func (s *State) Active() Backend {
	if ref := s.active.Load(); ref != nil {
		return ref.b
	}
	return nil
}

// GoOnline enters passthrough mode with b as the active backend. b may be
// nil when a call is answered without a connected peer.
func (s *State) GoOnline(b Backend) {
	if b != nil {
		s.active.Store(&activeBackend{b: b})
	} else {
		s.active.Store(nil)
	}
	s.online.Store(true)
	name := "none"
	if b != nil {
		name = b.Name()
	}
	s.logger.Info("Enter on-line mode", "backend", name)
}

// Hangup leaves passthrough mode and disconnects every connected backend.
// It does nothing and returns false while offline.
func (s *State) Hangup() bool {
	if !s.online.Swap(false) {
		return false
	}
	var prev Backend
	if ref := s.active.Swap(nil); ref != nil {
		prev = ref.b
	}
	seen := map[Backend]bool{}
	for _, b := range []Backend{prev, s.terminal, s.dialer} {
		if b == nil || seen[b] {
			continue
		}
		seen[b] = true
		if b.IsConnected() {
			b.Disconnect()
			s.logger.Info("Disconnected", "backend", b.Name())
		}
	}
	s.logger.Info("Enter off-line mode")
	return true
}

// Forward sends online traffic to the connected pty, else to the socket.
func (s *State) Forward(p []byte) {
	var target Backend
	switch {
	case s.terminal != nil && s.terminal.IsConnected():
		target = s.terminal
	case s.dialer != nil:
		target = s.dialer
	default:
		s.logger.Debug("dropping online data, no backend", "bytes", len(p))
		return
	}
	if err := target.Send(p); err != nil {
		s.logger.Warn("send failed", "backend", target.Name(), "error", err)
	}
}

// Reply queues text for the host and wakes the IN worker.
func (s *State) Reply(text string) {
	if n := s.tx.Enqueue([]byte(text)); n < len(text) {
		s.logger.Warn("Transmit buffer is full", "overflow", len(text)-n)
	}
	s.tx.Notify()
}

// Receive implements Sink. Data is only queued while online.
func (s *State) Receive(p []byte) {
	if !s.online.Load() {
		return
	}
	n := s.tx.Enqueue(p)
	if s.logger.Enabled(context.Background(), slog.LevelDebug) {
		used := s.tx.Len()
		s.logger.Debug("usb_tx_buffer",
			"used", used,
			"capacity", s.tx.Cap(),
			"percent", float64(used)*100/float64(s.tx.Cap()))
	}
	if n < len(p) {
		s.logger.Warn("Transmit buffer is full", "overflow", len(p)-n)
	}
	s.tx.Notify()
}

// Ring implements Sink.
func (s *State) Ring() {
	s.Reply(ReplyRing)
	s.logger.Info("Client connected")
}
