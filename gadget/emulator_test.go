package gadget_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/me56ps2/me56ps2/gadget"
	th "github.com/me56ps2/me56ps2/internal/testing"
	"github.com/me56ps2/me56ps2/modem"
	"github.com/me56ps2/me56ps2/ringbuf"
	"github.com/me56ps2/me56ps2/usb"
)

type harness struct {
	tr     *th.MockTransport
	st     *modem.State
	emu    *gadget.Emulator
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func startEmulator(t *testing.T, model string, cfg gadget.Config) *harness {
	t.Helper()
	v, err := modem.Lookup(model)
	require.NoError(t, err)
	tr := th.NewMockTransport()
	st := modem.NewState(ringbuf.New(4096), discardLogger())
	sess := modem.NewSession(st, nil, discardLogger())
	emu := gadget.New(tr, v, st, sess, cfg, discardLogger(), nil)

	ctx, cancel := context.WithCancel(t.Context())
	h := &harness{tr: tr, st: st, emu: emu, cancel: cancel, done: make(chan struct{})}
	go func() {
		h.err = emu.Run(ctx)
		close(h.done)
	}()
	t.Cleanup(func() { _ = h.stop() })
	return h
}

func (h *harness) stop() error {
	h.cancel()
	select {
	case <-h.done:
		return h.err
	case <-time.After(2 * time.Second):
		return context.DeadlineExceeded
	}
}

func (h *harness) configure(t *testing.T) {
	t.Helper()
	h.tr.PushEvent(gadget.Event{Kind: gadget.EventConnect})
	h.tr.PushControl(usb.SetupPacket{Request: usb.ReqSetConfiguration, Value: 1})
	require.Eventually(t, func() bool { return h.emu.Workers() == 2 }, time.Second, 5*time.Millisecond)
}

// collectIn reads IN frames until the concatenated payload contains want.
func (h *harness) collectIn(t *testing.T, want string) (payload []byte, headers []byte) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f, ok := h.tr.NextIn(100 * time.Millisecond)
		if !ok {
			continue
		}
		require.GreaterOrEqual(t, len(f), gadget.InHeaderSize)
		headers = append(headers, f[0])
		payload = append(payload, f[gadget.InHeaderSize:]...)
		if bytes.Contains(payload, []byte(want)) {
			return payload, headers
		}
	}
	t.Fatalf("timed out waiting for %q, got %q", want, payload)
	return nil, nil
}

func TestEmulatorStartsWorkersOnce(t *testing.T) {
	h := startEmulator(t, "Omron", gadget.Config{})
	h.configure(t)
	h.tr.PushControl(usb.SetupPacket{Request: usb.ReqSetConfiguration, Value: 1})

	require.Eventually(t, func() bool { return len(h.tr.ControlReads()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, h.emu.Workers())
	enabled := h.tr.Enabled()
	require.Len(t, enabled, 2)
	assert.Equal(t, uint8(0x82), enabled[0].BEndpointAddress)
	assert.Equal(t, uint8(0x02), enabled[1].BEndpointAddress)
	assert.Equal(t, 1, h.tr.Configures())
}

func TestEmulatorIdleHeartbeat(t *testing.T) {
	h := startEmulator(t, "Omron", gadget.Config{InInterval: 10 * time.Millisecond})
	h.configure(t)

	for range 3 {
		f, ok := h.tr.NextIn(time.Second)
		require.True(t, ok)
		assert.Equal(t, []byte{0x31, 0x60}, f)
	}
}

func TestEmulatorATRoundTrip(t *testing.T) {
	h := startEmulator(t, "Omron", gadget.Config{InInterval: 10 * time.Millisecond})
	h.configure(t)

	h.tr.SendOut(gadget.EncodeOutFrame([]byte("AT&F\r")))
	payload, _ := h.collectIn(t, "OK\r\n")
	assert.Equal(t, "OK\r\n", string(payload))

	h.tr.SendOut(gadget.EncodeOutFrame([]byte("AT")))
	h.tr.SendOut(gadget.EncodeOutFrame([]byte("A\r")))
	payload, headers := h.collectIn(t, modem.ReplyConnect)
	assert.Equal(t, "ATA\r\n"+modem.ReplyConnect, string(payload))
	assert.True(t, h.st.Online())

	h.st.Receive([]byte("remote"))
	payload, headers = h.collectIn(t, "remote")
	assert.Equal(t, "remote", string(payload))
	assert.Equal(t, byte(0xb1), headers[len(headers)-1])
}

func TestEmulatorFrameSize(t *testing.T) {
	h := startEmulator(t, "Omron", gadget.Config{InInterval: 10 * time.Millisecond, InFrameSize: 4})
	h.configure(t)

	h.st.Reply("ABCDEF")
	f, ok := h.tr.NextIn(time.Second)
	require.True(t, ok)
	for bytes.Equal(f, []byte{0x31, 0x60}) {
		f, ok = h.tr.NextIn(time.Second)
		require.True(t, ok)
	}
	assert.Equal(t, []byte{0x31, 0x60, 'A', 'B'}, f)
}

func TestEmulatorRunStopsOnCancel(t *testing.T) {
	h := startEmulator(t, "SmartSCM", gadget.Config{})
	h.configure(t)
	assert.NoError(t, h.stop())
}

func TestEmulatorPacingSkipsMissedIntervals(t *testing.T) {
	const interval = 20 * time.Millisecond
	h := startEmulator(t, "Omron", gadget.Config{InInterval: interval})
	h.configure(t)

	require.Eventually(t, func() bool { return len(h.tr.InTimes()) >= 3 }, time.Second, 5*time.Millisecond)
	h.tr.StallNextIn(5*interval + interval/2)
	before := len(h.tr.InTimes())
	require.Eventually(t, func() bool { return len(h.tr.InTimes()) >= before+8 }, 2*time.Second, 5*time.Millisecond)

	times := h.tr.InTimes()
	stalled := -1
	for i := before; i < len(times); i++ {
		if times[i].Sub(times[i-1]) > 4*interval {
			stalled = i
			break
		}
	}
	require.GreaterOrEqual(t, stalled, before, "no stalled frame found")
	require.Less(t, stalled+4, len(times))

	// After the stall the worker resumes on the next interval instead of
	// emitting the missed frames back to back.
	for i := stalled + 1; i < stalled+5; i++ {
		gap := times[i].Sub(times[i-1])
		assert.GreaterOrEqual(t, gap, interval/4, "frame %d followed the previous one after %v", i, gap)
		assert.Less(t, gap, 3*interval, "frame %d followed the previous one after %v", i, gap)
	}
}

func TestEmulatorRetriesFailedEndpointEnable(t *testing.T) {
	h := startEmulator(t, "Omron", gadget.Config{InInterval: 10 * time.Millisecond})
	h.tr.FailEnable(0x02, errors.New("no such endpoint"))

	h.tr.PushControl(usb.SetupPacket{Request: usb.ReqSetConfiguration, Value: 1})
	require.Eventually(t, func() bool { return h.tr.Stalls() == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, h.emu.Workers())
	assert.False(t, h.emu.Dispatcher().Configured())

	h.tr.PushControl(usb.SetupPacket{Request: usb.ReqSetConfiguration, Value: 1})
	require.Eventually(t, func() bool { return h.emu.Workers() == 2 }, time.Second, 5*time.Millisecond)
	enabled := h.tr.Enabled()
	require.Len(t, enabled, 2)
	assert.Equal(t, uint8(0x82), enabled[0].BEndpointAddress)
	assert.Equal(t, uint8(0x02), enabled[1].BEndpointAddress)
	assert.True(t, h.emu.Dispatcher().Configured())
}
