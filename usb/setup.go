package usb

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Standard request codes (bRequest).
const (
	ReqGetStatus        = 0x00
	ReqClearFeature     = 0x01
	ReqSetFeature       = 0x03
	ReqSetAddress       = 0x05
	ReqGetDescriptor    = 0x06
	ReqSetDescriptor    = 0x07
	ReqGetConfiguration = 0x08
	ReqSetConfiguration = 0x09
	ReqGetInterface     = 0x0a
	ReqSetInterface     = 0x0b
)

// bmRequestType fields.
const (
	RequestDirMask = 0x80
	RequestDirIn   = 0x80

	RequestTypeMask     = 0x60
	RequestTypeStandard = 0x00
	RequestTypeClass    = 0x20
	RequestTypeVendor   = 0x40

	RequestRecipientMask = 0x1f
)

// SetupPacketSize is the size of a SETUP packet on the wire.
const SetupPacketSize = 8

var ErrShortSetup = errors.New("setup packet too short")

// SetupPacket is the 8-byte request that opens a control transfer.
type SetupPacket struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

// ParseSetupPacket decodes the little-endian SETUP packet in data.
func ParseSetupPacket(data []byte) (SetupPacket, error) {
	if len(data) < SetupPacketSize {
		return SetupPacket{}, ErrShortSetup
	}
	return SetupPacket{
		RequestType: data[0],
		Request:     data[1],
		Value:       binary.LittleEndian.Uint16(data[2:4]),
		Index:       binary.LittleEndian.Uint16(data[4:6]),
		Length:      binary.LittleEndian.Uint16(data[6:8]),
	}, nil
}

// Bytes encodes the packet in wire order.
func (s SetupPacket) Bytes() [SetupPacketSize]byte {
	var b [SetupPacketSize]byte
	b[0] = s.RequestType
	b[1] = s.Request
	binary.LittleEndian.PutUint16(b[2:4], s.Value)
	binary.LittleEndian.PutUint16(b[4:6], s.Index)
	binary.LittleEndian.PutUint16(b[6:8], s.Length)
	return b
}

// IsIn reports a device-to-host data phase.
func (s SetupPacket) IsIn() bool { return s.RequestType&RequestDirMask == RequestDirIn }

// Type returns the request type bits (standard, class or vendor).
func (s SetupPacket) Type() uint8 { return s.RequestType & RequestTypeMask }

// Is reports whether the packet has the given request type and code.
func (s SetupPacket) Is(reqType, request uint8) bool {
	return s.Type() == reqType && s.Request == request
}

// DescriptorType is the high byte of wValue for GET_DESCRIPTOR.
func (s SetupPacket) DescriptorType() uint8 { return uint8(s.Value >> 8) }

// DescriptorIndex is the low byte of wValue for GET_DESCRIPTOR.
func (s SetupPacket) DescriptorIndex() uint8 { return uint8(s.Value) }

func (s SetupPacket) String() string {
	return fmt.Sprintf("bmRequestType=0x%02x bRequest=0x%02x wValue=0x%04x wIndex=0x%04x wLength=%d",
		s.RequestType, s.Request, s.Value, s.Index, s.Length)
}
