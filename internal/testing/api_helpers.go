package testing

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"

	"github.com/me56ps2/me56ps2/internal/server/api"
)

// StartAPIServer starts an API server on a free loopback port and calls
// register so the test can add the handlers it needs. The server is closed
// when the test ends.
func StartAPIServer(t *testing.T, cfg api.ServerConfig, register func(r *api.Router, apiSrv *api.Server)) string {
	t.Helper()
	apiSrv := api.New("127.0.0.1:0", cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if register != nil {
		register(apiSrv.Router(), apiSrv)
	}
	if err := apiSrv.Start(); err != nil {
		t.Fatalf("api start failed: %v", err)
	}
	t.Cleanup(apiSrv.Close)
	return apiSrv.Addr().String()
}

// ExecCmd dials the API server, sends cmd and returns the response line
// without its trailing newline.
func ExecCmd(t *testing.T, addr string, cmd string) string {
	t.Helper()
	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer c.Close()

	_, _ = fmt.Fprintf(c, "%s\x00", cmd)

	line, err := bufio.NewReader(c).ReadString('\n')
	if err != nil && err != io.EOF {
		t.Fatalf("read failed: %v", err)
	}
	return strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
}
