package modem

import (
	"bytes"
	"log/slog"
)

const lineTerminator = '\r'

// Session interprets AT commands from the host while the modem is offline
// and passes bytes through to the line while it is online.
//
// A Session is owned by the bulk OUT worker and is not safe for
// concurrent use.
type Session struct {
	state  *State
	isp    Provisioner
	logger *slog.Logger

	echo    bool
	pending []byte
}

// NewSession creates an offline session with echo disabled. isp may be nil.
func NewSession(state *State, isp Provisioner, logger *slog.Logger) *Session {
	return &Session{state: state, isp: isp, logger: logger}
}

// Echo reports whether command echo is enabled.
func (s *Session) Echo() bool { return s.echo }

// Pending returns the bytes not yet consumed.
func (s *Session) Pending() []byte { return s.pending }

// Feed appends host data and processes every complete command line. Once
// a command puts the modem online, the remaining bytes are forwarded.
func (s *Session) Feed(p []byte) {
	s.pending = append(s.pending, p...)
	for len(s.pending) > 0 {
		if s.state.Online() {
			s.state.Forward(s.pending)
			s.pending = s.pending[:0]
			return
		}
		i := bytes.IndexByte(s.pending, lineTerminator)
		if i < 0 {
			return
		}
		line := string(s.pending[:i])
		s.pending = append(s.pending[:0], s.pending[i+1:]...)
		if line == "" {
			continue
		}
		s.handleLine(line)
	}
}

func (s *Session) handleLine(line string) {
	s.logger.Debug("AT command", "line", line)
	if s.echo {
		s.state.Reply(line + "\r\n")
	}

	switch {
	case line == "AT&F":
		s.echo = true
		s.state.Reply(ReplyOK)
	case line == "ATE0":
		s.echo = false
		s.state.Reply(ReplyOK)
	case line == "ATA":
		s.answer()
	case len(line) >= 3 && line[:3] == "ATD":
		s.dial(line)
	default:
		s.state.Reply(ReplyOK)
	}
}

func (s *Session) answer() {
	var active Backend
	if d := s.state.Dialer(); d != nil && d.IsConnected() {
		active = d
	}
	s.state.Reply(ReplyConnect)
	s.state.GoOnline(active)
}

func (s *Session) dial(line string) {
	switch line[3:] {
	case "100", "T100", "P100":
		s.dialTerminal()
	default:
		s.dialSocket(line)
	}
}

func (s *Session) dialTerminal() {
	t := s.state.Terminal()
	if t == nil {
		s.logger.Warn("pty dial requested but no pty backend is configured")
		s.state.Reply(ReplyBusy)
		return
	}
	if err := t.Connect(); err != nil {
		s.logger.Warn("pty connect failed", "error", err)
		s.state.Reply(ReplyBusy)
		return
	}
	s.state.Reply(ReplyConnect)
	s.state.GoOnline(t)
	if s.isp != nil {
		s.isp.Setup(t.SlavePath())
	}
}

func (s *Session) dialSocket(line string) {
	d := s.state.Dialer()
	if d == nil {
		s.state.Reply(ReplyBusy)
		return
	}
	// The character after "ATD" is the tone/pulse marker and is skipped.
	if len(line) > 4 {
		addr, err := ParseDialAddress(line[4:])
		if err != nil {
			s.logger.Debug("dial string is not an address, keeping current target", "error", err)
		} else {
			d.SetTarget(addr)
			s.logger.Info("Dial target", "addr", addr)
		}
	}
	if err := d.Connect(); err != nil {
		s.logger.Warn("connect failed", "backend", d.Name(), "error", err)
		s.state.Reply(ReplyBusy)
		return
	}
	s.state.Reply(ReplyConnect)
	s.state.GoOnline(d)
}
