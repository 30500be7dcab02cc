package api_test

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/me56ps2/me56ps2/apitypes"
	"github.com/me56ps2/me56ps2/internal/server/api"
	th "github.com/me56ps2/me56ps2/internal/testing"
)

func TestServerRequests(t *testing.T) {
	addr := th.StartAPIServer(t, api.ServerConfig{}, func(r *api.Router, _ *api.Server) {
		r.Register("echo/{word}", func(req *api.Request, res *api.Response, _ *slog.Logger) error {
			res.JSON = `"` + req.Params["word"] + "|" + req.Payload + `"`
			return nil
		})
		r.Register("fail", func(*api.Request, *api.Response, *slog.Logger) error {
			return errors.New("boom")
		})
		r.Register("conflict", func(*api.Request, *api.Response, *slog.Logger) error {
			return api.ErrConflict("busy")
		})
		r.Register("empty", func(*api.Request, *api.Response, *slog.Logger) error { return nil })
	})

	tests := []struct {
		name string
		cmd  string
		want string
	}{
		{name: "params and payload", cmd: "echo/hi some payload", want: `"hi|some payload"`},
		{name: "path is case-insensitive", cmd: "ECHO/Hi", want: `"hi|"`},
		{name: "unknown path", cmd: "nope", want: `{"status":404,"title":"Not Found","detail":"unknown path: nope"}`},
		{name: "plain error", cmd: "fail", want: `{"status":500,"title":"Internal Server Error","detail":"boom"}`},
		{name: "api error", cmd: "conflict", want: `{"status":409,"title":"Conflict","detail":"busy"}`},
		{name: "empty response", cmd: "empty", want: ""},
		{name: "empty request", cmd: "", want: `{"status":400,"title":"Bad Request","detail":"empty request"}`},
		{name: "empty path", cmd: " payload", want: `{"status":400,"title":"Bad Request","detail":"empty path"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, th.ExecCmd(t, addr, tt.cmd))
		})
	}
}

func TestServerDropsUnterminatedRequest(t *testing.T) {
	s := api.New("127.0.0.1:0", api.ServerConfig{ConnectionTimeout: 100 * time.Millisecond}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, s.Start())
	defer s.Close()

	c, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	defer c.Close()
	_, err = c.Write([]byte("ping"))
	require.NoError(t, err)

	_ = c.SetReadDeadline(time.Now().Add(time.Second))
	n, err := c.Read(make([]byte, 16))
	assert.Equal(t, 0, n)
	assert.Error(t, err)
}

func TestRouterRoutes(t *testing.T) {
	r := api.NewRouter()
	r.Register("modem/status", nil)
	r.Register("modem/{Name}/info", nil)
	assert.Equal(t, []string{"modem/status", "modem/{Name}/info"}, r.Routes())

	_, params := r.Match("MODEM/Omron/info")
	assert.Equal(t, map[string]string{"Name": "omron"}, params)

	h, _ := r.Match("modem")
	assert.Nil(t, h)
}

func TestWrapError(t *testing.T) {
	assert.Nil(t, api.WrapError(nil))
	assert.Equal(t, &apitypes.ApiError{Status: 401, Title: "Unauthorized", Detail: "x"}, api.WrapError(apitypes.ApiError{Status: 401, Title: "Unauthorized", Detail: "x"}))
	assert.Equal(t, 500, api.WrapError(errors.New("y")).Status)
}
