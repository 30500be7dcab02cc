package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/me56ps2/me56ps2/internal/server/api/auth"
)

const defaultRequestTimeout = 10 * time.Second

var wsRegex = regexp.MustCompile(`\s`)

// Server implements a small TCP API for inspecting and controlling the
// emulated modem.
//
// Requests are `<path>[ <payload>]\x00`; the reply is one JSON line, after
// which the connection is closed. Clients that know the password open with
// the auth handshake and the request then runs over an encrypted session.
type Server struct {
	addr   string
	config ServerConfig
	logger *slog.Logger
	router *Router

	mu  sync.Mutex
	ln  net.Listener
	key auth.Key
}

// New creates an API server listening on addr once started.
func New(addr string, config ServerConfig, logger *slog.Logger) *Server {
	if config.ConnectionTimeout <= 0 {
		config.ConnectionTimeout = defaultRequestTimeout
	}
	return &Server{addr: addr, config: config, logger: logger, router: NewRouter()}
}

// Router returns the router used by the API server so callers can register handlers.
func (a *Server) Router() *Router { return a.router }

// Config returns the server configuration.
func (a *Server) Config() ServerConfig { return a.config }

// Addr returns the bound address, or nil before Start.
func (a *Server) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ln == nil {
		return nil
	}
	return a.ln.Addr()
}

// Start listens on the configured address and serves incoming API commands.
func (a *Server) Start() error {
	var key auth.Key
	if a.config.Password != "" {
		k, err := auth.KeyFromPassword(a.config.Password)
		if err != nil {
			return fmt.Errorf("derive API key: %w", err)
		}
		key = k
	}
	ln, err := net.Listen("tcp", a.addr)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.ln = ln
	a.key = key
	a.mu.Unlock()
	a.logger.Info("API listening", "addr", ln.Addr().String(), "auth", key != nil)
	go a.serve(ln)
	return nil
}

// Close stops the API server.
func (a *Server) Close() {
	a.mu.Lock()
	ln := a.ln
	a.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
}

func (a *Server) serve(ln net.Listener) {
	for {
		c, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				a.logger.Info("API server stopped")
				return
			}
			a.logger.Info("API accept error", "error", err)
			return
		}
		go a.handleConn(c)
	}
}

func (a *Server) writeError(w io.Writer, err error) {
	problemJSON, _ := json.Marshal(WrapError(err))
	fmt.Fprintf(w, "%s\n", string(problemJSON))
}

func (a *Server) writeOK(w io.Writer, rest string) {
	if rest == "" {
		fmt.Fprintln(w)
	} else {
		fmt.Fprintf(w, "%s\n", rest)
	}
}

func isLoopback(addr net.Addr) bool {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.IsLoopback()
	}
	return false
}

// secure runs the auth handshake when the client offers it. It returns the
// reader and connection the request must use.
func (a *Server) secure(conn net.Conn, r *bufio.Reader, logger *slog.Logger) (*bufio.Reader, net.Conn, error) {
	first, err := r.Peek(1)
	if err != nil {
		return nil, nil, err
	}
	offered := first[0] == auth.Magic[0]
	if offered {
		if offered, err = auth.Offered(r); err != nil {
			return nil, nil, err
		}
	}

	a.mu.Lock()
	key := a.key
	a.mu.Unlock()

	// Rejected requests are read in full so closing the socket does not
	// reset the connection before the client sees the error.
	if !offered {
		if key != nil && (a.config.RequireLocalHostAuth || !isLoopback(conn.RemoteAddr())) {
			_, _ = r.ReadString('\x00')
			return nil, nil, ErrUnauthorized("authentication required")
		}
		return r, conn, nil
	}
	if key == nil {
		_, _ = r.Discard(auth.HelloSize)
		return nil, nil, ErrUnauthorized("authentication not configured")
	}
	sc, err := auth.Accept(r, conn, key)
	if errors.Is(err, auth.ErrBadPassword) {
		return nil, nil, ErrUnauthorized(err.Error())
	}
	if err != nil {
		return nil, nil, err
	}
	logger.Debug("api session authenticated")
	return bufio.NewReader(sc), sc, nil
}

func (a *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	connCtx, connCancel := context.WithCancel(context.Background())
	defer connCancel()

	connLogger := a.logger.With("remote", conn.RemoteAddr().String())
	_ = conn.SetReadDeadline(time.Now().Add(a.config.ConnectionTimeout))

	r, w, err := a.secure(conn, bufio.NewReader(conn), connLogger)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			connLogger.Warn("api auth failed", "error", err)
			a.writeError(conn, err)
		}
		return
	}

	reqData, err := r.ReadString('\x00')
	if err != nil {
		if err == io.EOF {
			connLogger.Error("api incomplete request (no null terminator)")
		} else {
			connLogger.Error("read api data", "error", err)
		}
		return
	}
	_ = conn.SetReadDeadline(time.Time{})
	reqData = strings.TrimSuffix(reqData, "\x00")

	if reqData == "" {
		connLogger.Error("api empty command")
		a.writeError(w, ErrBadRequest("empty request"))
		return
	}

	var path, payload string
	if loc := wsRegex.FindStringIndex(reqData); loc != nil {
		path = reqData[:loc[0]]
		payload = reqData[loc[1]:]
	} else {
		path = reqData
	}

	if path == "" {
		connLogger.Error("api empty path")
		a.writeError(w, ErrBadRequest("empty path"))
		return
	}

	path = strings.ToLower(path)
	connLogger.Info("api cmd", "path", path)

	h, params := a.router.Match(path)
	if h == nil {
		connLogger.Error("api unknown path", "path", path)
		a.writeError(w, ErrNotFound(fmt.Sprintf("unknown path: %s", path)))
		return
	}
	req := &Request{Ctx: connCtx, Params: params, Payload: payload}
	res := &Response{}
	if err := h(req, res, connLogger); err != nil {
		connLogger.Error("api handler error", "path", path, "error", err)
		a.writeError(w, err)
		return
	}
	connLogger.Debug("api handler success", "path", path)
	a.writeOK(w, res.JSON)
}
