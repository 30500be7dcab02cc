package e2e_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/me56ps2/me56ps2/apiclient"
	"github.com/me56ps2/me56ps2/gadget"
	"github.com/me56ps2/me56ps2/internal/cmd"
	"github.com/me56ps2/me56ps2/internal/log"
	"github.com/me56ps2/me56ps2/internal/server/api"
	"github.com/me56ps2/me56ps2/internal/server/usb"
	"github.com/me56ps2/me56ps2/isp"
	"github.com/me56ps2/me56ps2/modem"
	testclient "github.com/me56ps2/me56ps2/testing"
	pusb "github.com/me56ps2/me56ps2/usb"
	"github.com/me56ps2/me56ps2/usbip"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

type host struct {
	t    *testing.T
	c    *testclient.TestUsbIpClient
	conn net.Conn
	buf  []byte
}

func (h *host) send(s string) {
	h.t.Helper()
	_, err := h.c.Submit(h.conn, usbip.DirOut, 2, 0, gadget.EncodeOutFrame([]byte(s)), nil)
	require.NoError(h.t, err)
}

// readUntil polls the bulk IN endpoint until the received payload contains want.
func (h *host) readUntil(want string) {
	h.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !strings.Contains(string(h.buf), want) {
		require.True(h.t, time.Now().Before(deadline), "timed out waiting for %q, got %q", want, h.buf)
		_, err := h.c.Submit(h.conn, usbip.DirIn, 2, 64, nil, nil)
		require.NoError(h.t, err)
		for {
			r, err := h.c.ReadReply(h.conn, time.Second)
			require.NoError(h.t, err)
			if len(r.Data) >= gadget.InHeaderSize {
				h.buf = append(h.buf, r.Data[gadget.InHeaderSize:]...)
				break
			}
		}
	}
	h.buf = nil
}

func TestDialSocketThroughServe(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	peer, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer peer.Close()
	peerPort := peer.Addr().(*net.TCPAddr).Port

	usbipAddr := freeAddr(t)
	apiAddr := freeAddr(t)

	s := &cmd.Serve{
		Model:           "Omron",
		Transport:       cmd.TransportUSBIP,
		TxBuffer:        4096,
		ShutdownTimeout: time.Second,
		USBIP:           usb.ServerConfig{Addr: usbipAddr, BusID: "1-1", ConnectionTimeout: time.Second},
		Bulk:            gadget.Config{InInterval: 10 * time.Millisecond},
		ISP:             isp.Config{Enabled: false},
		API:             api.ServerConfig{Addr: apiAddr},
	}
	s.Socket.Addr = "127.0.0.1:1"
	s.Socket.DialTimeout = time.Second

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx, slog.New(slog.NewTextHandler(io.Discard, nil)), log.NewRaw(nil)) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("serve did not stop")
		}
	})

	c := testclient.NewUsbIpClient(usbipAddr)
	require.Eventually(t, func() bool {
		_, err := c.ListDevices()
		return err == nil
	}, 3*time.Second, 20*time.Millisecond)

	conn, dev, err := c.AttachDevice("1-1")
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, uint16(0x0590), dev.IDVendor)

	r, err := c.Control(conn, pusb.SetupPacket{Request: pusb.ReqSetConfiguration, Value: 1}, nil)
	require.NoError(t, err)
	require.Equal(t, int32(0), r.Header.Status)

	h := &host{t: t, c: c, conn: conn}
	h.send("ATE0\r")
	h.readUntil(modem.ReplyOK)

	accepted := make(chan net.Conn, 1)
	go func() {
		pc, err := peer.Accept()
		if err == nil {
			accepted <- pc
		}
	}()

	h.send(fmt.Sprintf("ATDT127-0-0-1#%d\r", peerPort))
	h.readUntil(modem.ReplyConnect)

	var pc net.Conn
	select {
	case pc = <-accepted:
	case <-time.After(3 * time.Second):
		t.Fatal("peer was not dialed")
	}
	defer pc.Close()

	client := apiclient.New(apiAddr)
	st, err := client.Status()
	require.NoError(t, err)
	assert.True(t, st.Online)
	assert.True(t, st.Configured)
	assert.Equal(t, "socket", st.Backend)
	assert.Equal(t, "Omron", st.Model)

	h.send("hello")
	got := make([]byte, 5)
	_ = pc.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, err = io.ReadFull(pc, got)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	_, err = pc.Write([]byte("world"))
	require.NoError(t, err)
	h.readUntil("world")

	hung, err := client.Hangup()
	require.NoError(t, err)
	assert.True(t, hung.Hungup)
	assert.Equal(t, "socket", hung.Backend)

	_ = pc.SetReadDeadline(time.Now().Add(3 * time.Second))
	n, err := pc.Read(make([]byte, 1))
	assert.Zero(t, n)
	assert.ErrorIs(t, err, io.EOF)

	st, err = client.Status()
	require.NoError(t, err)
	assert.False(t, st.Online)

	_, err = client.Hangup()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "409")
}
