package apiclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/me56ps2/me56ps2/apitypes"
	"github.com/me56ps2/me56ps2/internal/server/api/auth"
)

// Doer sends one API request and returns the reply line without its
// trailing newline.
type Doer interface {
	Do(ctx context.Context, path string, payload []byte) (string, error)
}

// DoerFunc adapts a plain function to Doer.
type DoerFunc func(ctx context.Context, path string, payload []byte) (string, error)

func (f DoerFunc) Do(ctx context.Context, path string, payload []byte) (string, error) {
	return f(ctx, path, payload)
}

// Config holds connection timeouts and the optional API password.
type Config struct {
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Password     string
}

func DefaultConfig() Config {
	return Config{
		DialTimeout:  3 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
}

// Transport talks to the modem control API over TCP, one connection per
// request. A request is the route path, an optional space and payload, and
// a NUL terminator. The server answers with a single line and hangs up.
type Transport struct {
	addr string
	cfg  Config

	keyOnce sync.Once
	key     auth.Key
	keyErr  error
}

func NewTransport(addr string, cfg Config) *Transport {
	return &Transport{addr: addr, cfg: cfg}
}

// passwordKey stretches the password once per transport.
func (t *Transport) passwordKey() (auth.Key, error) {
	t.keyOnce.Do(func() { t.key, t.keyErr = auth.KeyFromPassword(t.cfg.Password) })
	return t.key, t.keyErr
}

func (t *Transport) Do(ctx context.Context, path string, payload []byte) (string, error) {
	d := net.Dialer{Timeout: t.cfg.DialTimeout}
	raw, err := d.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return "", fmt.Errorf("dial %s: %w", t.addr, err)
	}
	defer raw.Close()
	stop := context.AfterFunc(ctx, func() { _ = raw.SetDeadline(time.Now()) })
	defer stop()

	if t.cfg.WriteTimeout > 0 {
		_ = raw.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	}
	conn := raw
	if t.cfg.Password != "" {
		key, err := t.passwordKey()
		if err != nil {
			return "", err
		}
		if conn, err = auth.Initiate(raw, key); err != nil {
			if errors.Is(err, auth.ErrBadPassword) {
				return "", &apitypes.ApiError{Status: 401, Title: "Unauthorized", Detail: err.Error()}
			}
			return "", err
		}
	}

	req := make([]byte, 0, len(path)+len(payload)+2)
	req = append(req, path...)
	if len(payload) > 0 {
		req = append(req, ' ')
		req = append(req, payload...)
	}
	req = append(req, 0)
	if _, err := conn.Write(req); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}

	if t.cfg.ReadTimeout > 0 {
		_ = raw.SetReadDeadline(time.Now().Add(t.cfg.ReadTimeout))
	}
	resp, err := io.ReadAll(conn)
	if err != nil && len(resp) == 0 {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return strings.TrimSuffix(string(resp), "\n"), nil
}
