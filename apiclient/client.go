package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	apitypes "github.com/me56ps2/me56ps2/apitypes"
)

// Client provides a high-level interface to the modem control API, handling
// request formatting, response parsing, and error handling.
type Client struct{ doer Doer }

// New constructs a client for the API at addr (host:port).
func New(addr string) *Client { return NewWithConfig(addr, DefaultConfig()) }

// NewWithPassword constructs a client that authenticates with the given password.
func NewWithPassword(addr, password string) *Client {
	cfg := DefaultConfig()
	cfg.Password = password
	return NewWithConfig(addr, cfg)
}

func NewWithConfig(addr string, cfg Config) *Client {
	return &Client{doer: NewTransport(addr, cfg)}
}

// WithDoer constructs a Client that sends requests through d.
func WithDoer(d Doer) *Client { return &Client{doer: d} }

// Ping returns the name and version of the server.
func (c *Client) Ping() (*apitypes.PingResponse, error) {
	return c.PingCtx(context.Background())
}

func (c *Client) PingCtx(ctx context.Context) (*apitypes.PingResponse, error) {
	const path = "ping"
	raw, err := c.doer.Do(ctx, path, nil)
	if err != nil {
		return nil, err
	}
	return parse[apitypes.PingResponse](raw)
}

// Models lists the emulated models. A non-empty name selects one model.
func (c *Client) Models(name string) (*apitypes.ModelsResponse, error) {
	return c.ModelsCtx(context.Background(), name)
}

func (c *Client) ModelsCtx(ctx context.Context, name string) (*apitypes.ModelsResponse, error) {
	const path = "modem/models"
	raw, err := c.doer.Do(ctx, path, []byte(name))
	if err != nil {
		return nil, err
	}
	return parse[apitypes.ModelsResponse](raw)
}

// Status returns a snapshot of the running modem.
func (c *Client) Status() (*apitypes.ModemStatus, error) {
	return c.StatusCtx(context.Background())
}

func (c *Client) StatusCtx(ctx context.Context) (*apitypes.ModemStatus, error) {
	const path = "modem/status"
	raw, err := c.doer.Do(ctx, path, nil)
	if err != nil {
		return nil, err
	}
	return parse[apitypes.ModemStatus](raw)
}

// Hangup drops the current call. It fails with a 409 error while the modem
// is off-line.
func (c *Client) Hangup() (*apitypes.HangupResponse, error) {
	return c.HangupCtx(context.Background())
}

func (c *Client) HangupCtx(ctx context.Context) (*apitypes.HangupResponse, error) {
	const path = "modem/hangup"
	raw, err := c.doer.Do(ctx, path, nil)
	if err != nil {
		return nil, err
	}
	return parse[apitypes.HangupResponse](raw)
}

func parse[T any](data string) (*T, error) {
	if data == "" {
		return nil, errors.New("empty response")
	}
	var problem apitypes.ApiError
	if err := json.Unmarshal([]byte(data), &problem); err == nil && (problem.Status != 0 || problem.Title != "") {
		return nil, &problem
	}
	var out T
	dec := json.NewDecoder(bytes.NewReader([]byte(data)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return &out, nil
}
