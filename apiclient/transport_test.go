package apiclient_test

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/me56ps2/me56ps2/apiclient"
	"github.com/me56ps2/me56ps2/internal/server/api"
	"github.com/me56ps2/me56ps2/internal/server/api/auth"
	"github.com/me56ps2/me56ps2/internal/server/api/handler"
	th "github.com/me56ps2/me56ps2/internal/testing"
)

// lineServer accepts one connection, records the request up to its NUL
// terminator and answers with reply.
func lineServer(t *testing.T, reply string) (addr string, request <-chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	got := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		req, _ := bufio.NewReader(conn).ReadString('\x00')
		got <- req
		if reply != "" {
			_, _ = conn.Write([]byte(reply))
		}
	}()
	return ln.Addr().String(), got
}

func TestTransportFraming(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		payload []byte
		reply   string
		wantReq string
		wantOut string
	}{
		{name: "no payload", path: "modem/status", reply: "{}\n", wantReq: "modem/status\x00", wantOut: "{}"},
		{name: "empty payload", path: "modem/models", payload: []byte{}, reply: "{}\n", wantReq: "modem/models\x00", wantOut: "{}"},
		{name: "model name", path: "modem/models", payload: []byte("OnlineStation"), reply: "{}\n", wantReq: "modem/models OnlineStation\x00", wantOut: "{}"},
		{name: "payload with newline", path: "modem/models", payload: []byte("multi\nline"), reply: "\n", wantReq: "modem/models multi\nline\x00", wantOut: ""},
		{name: "multi-line reply", path: "modem/status", reply: "{\n  \"online\": true\n}\n", wantReq: "modem/status\x00", wantOut: "{\n  \"online\": true\n}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, request := lineServer(t, tt.reply)
			out, err := apiclient.NewTransport(addr, apiclient.DefaultConfig()).Do(t.Context(), tt.path, tt.payload)
			require.NoError(t, err)
			assert.Equal(t, tt.wantOut, out)
			assert.Equal(t, tt.wantReq, <-request)
		})
	}
}

func TestTransportHonorsContext(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		// Read the request and never answer.
		_, _ = bufio.NewReader(conn).ReadString('\x00')
		time.Sleep(2 * time.Second)
	}()

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = apiclient.NewTransport(ln.Addr().String(), apiclient.DefaultConfig()).Do(ctx, "modem/status", nil)
	assert.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestAuthenticatedTransport(t *testing.T) {
	register := func(r *api.Router, _ *api.Server) { r.Register("modem/models", handler.Models()) }

	tests := []struct {
		name     string
		server   api.ServerConfig
		password string
		wantErr  string
	}{
		{name: "no auth", server: api.ServerConfig{}},
		{name: "loopback skips auth", server: api.ServerConfig{Password: "test123"}},
		{name: "loopback auth required", server: api.ServerConfig{Password: "test123", RequireLocalHostAuth: true}, wantErr: "401 Unauthorized: authentication required"},
		{name: "correct password", server: api.ServerConfig{Password: "test123", RequireLocalHostAuth: true}, password: "test123"},
		{name: "wrong password", server: api.ServerConfig{Password: "test123", RequireLocalHostAuth: true}, password: "wrongpass", wantErr: "401 Unauthorized: invalid password"},
		{name: "server without password", server: api.ServerConfig{}, password: "test123", wantErr: "401 Unauthorized: authentication not configured"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr := th.StartAPIServer(t, tt.server, register)
			resp, err := apiclient.NewWithPassword(addr, tt.password).Models("Omron")
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Len(t, resp.Models, 1)
			assert.Equal(t, "Omron", resp.Models[0].Name)
		})
	}

	t.Run("key reused across requests", func(t *testing.T) {
		addr := th.StartAPIServer(t, api.ServerConfig{Password: "test123", RequireLocalHostAuth: true}, register)
		c := apiclient.NewWithPassword(addr, "test123")
		for range 3 {
			resp, err := c.Models("")
			require.NoError(t, err)
			assert.Len(t, resp.Models, 3)
		}
	})
}

func TestTransportHandshakeFailures(t *testing.T) {
	tests := []struct {
		name    string
		reply   string
		wantErr string
	}{
		{name: "garbage reply", reply: "NO\x00" + strings.Repeat("x", 32), wantErr: "invalid handshake response"},
		{name: "hang up", reply: "", wantErr: "401 Unauthorized: invalid password"},
		{name: "problem line", reply: `{"status":403,"title":"Forbidden","detail":"go away"}` + "\n", wantErr: "403 Forbidden: go away"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ln, err := net.Listen("tcp", "127.0.0.1:0")
			require.NoError(t, err)
			defer ln.Close()
			go func() {
				conn, err := ln.Accept()
				if err != nil {
					return
				}
				defer conn.Close()
				_, _ = io.ReadFull(conn, make([]byte, auth.HelloSize))
				_, _ = conn.Write([]byte(tt.reply))
			}()

			cfg := apiclient.DefaultConfig()
			cfg.Password = "test123"
			_, err = apiclient.NewTransport(ln.Addr().String(), cfg).Do(t.Context(), "modem/status", nil)
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
