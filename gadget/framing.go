package gadget

import "github.com/me56ps2/me56ps2/ringbuf"

// Status header carried by every IN frame.
const (
	InHeaderSize    = 2
	InStatusByte    = 0x31
	InSentinelByte  = 0x60
	InOnlineBit     = 0x80
	outLengthShift  = 2
	outHeaderLength = 1
)

// BuildInFrame fills dst with a status header and as much queued data as
// fits, returning the frame length. dst must hold at least InHeaderSize
// bytes. An empty buffer yields a header-only frame.
func BuildInFrame(dst []byte, online bool, src *ringbuf.Buffer) int {
	dst[0] = InStatusByte
	if online {
		dst[0] |= InOnlineBit
	}
	dst[1] = InSentinelByte
	return InHeaderSize + src.Dequeue(dst[InHeaderSize:])
}

// OutFrame is a decoded bulk OUT packet.
type OutFrame struct {
	Payload []byte
	// Declared is the length announced in the header.
	Declared int
	// Received is the number of payload bytes actually present.
	Received int
}

// Mismatch reports whether the header disagrees with the packet size.
func (f OutFrame) Mismatch() bool { return f.Declared != f.Received }

// DecodeOutFrame splits a bulk OUT packet into its payload. The payload
// length is the smaller of the declared and received lengths. Payload
// aliases pkt.
func DecodeOutFrame(pkt []byte) OutFrame {
	if len(pkt) < outHeaderLength {
		return OutFrame{}
	}
	f := OutFrame{
		Declared: int(pkt[0] >> outLengthShift),
		Received: len(pkt) - outHeaderLength,
	}
	f.Payload = pkt[outHeaderLength : outHeaderLength+min(f.Declared, f.Received)]
	return f
}

// EncodeOutFrame builds a bulk OUT packet as the host driver would.
// payload must be shorter than 64 bytes.
func EncodeOutFrame(payload []byte) []byte {
	pkt := make([]byte, 0, len(payload)+outHeaderLength)
	pkt = append(pkt, byte(len(payload)<<outLengthShift))
	return append(pkt, payload...)
}
