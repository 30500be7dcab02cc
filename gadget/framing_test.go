package gadget_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/me56ps2/me56ps2/gadget"
	"github.com/me56ps2/me56ps2/ringbuf"
)

func TestBuildInFrame(t *testing.T) {
	tests := []struct {
		name    string
		online  bool
		queued  string
		size    int
		want    []byte
		remains int
	}{
		{name: "offline", queued: "XYZ", size: 64, want: []byte{0x31, 0x60, 'X', 'Y', 'Z'}},
		{name: "online", online: true, queued: "XYZ", size: 64, want: []byte{0xb1, 0x60, 'X', 'Y', 'Z'}},
		{name: "idle heartbeat", size: 64, want: []byte{0x31, 0x60}},
		{name: "payload capped by frame", queued: "ABCDEF", size: 5, want: []byte{0x31, 0x60, 'A', 'B', 'C'}, remains: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rb := ringbuf.New(32)
			rb.Enqueue([]byte(tt.queued))
			frame := make([]byte, tt.size)
			n := gadget.BuildInFrame(frame, tt.online, rb)
			assert.Equal(t, tt.want, frame[:n])
			assert.Equal(t, tt.remains, rb.Len())
		})
	}
}

func TestDecodeOutFrame(t *testing.T) {
	tests := []struct {
		name     string
		pkt      []byte
		want     string
		mismatch bool
	}{
		{name: "matching", pkt: []byte{3 << 2, 'A', 'T', '\r'}, want: "AT\r"},
		{name: "declared longer", pkt: []byte{4 << 2, 'a', 'b', 'c'}, want: "abc", mismatch: true},
		{name: "declared shorter", pkt: []byte{1 << 2, 'a', 'b', 'c'}, want: "a", mismatch: true},
		{name: "low bits ignored", pkt: []byte{2<<2 | 0x03, 'o', 'k'}, want: "ok"},
		{name: "header only", pkt: []byte{0}, want: ""},
		{name: "empty", pkt: nil, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := gadget.DecodeOutFrame(tt.pkt)
			assert.Equal(t, tt.want, string(f.Payload))
			assert.Equal(t, tt.mismatch, f.Mismatch())
		})
	}
}

func TestEncodeOutFrame(t *testing.T) {
	pkt := gadget.EncodeOutFrame([]byte("ATA\r"))
	assert.Equal(t, []byte{0x10, 'A', 'T', 'A', '\r'}, pkt)
	assert.Equal(t, "ATA\r", string(gadget.DecodeOutFrame(pkt).Payload))
}
