// Package usb contains helpers for building USB descriptors and parsing
// control requests.
package usb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"unicode/utf16"
)

// USB descriptor type constants
const (
	DeviceDescType    = 0x01
	ConfigDescType    = 0x02
	StringDescType    = 0x03
	InterfaceDescType = 0x04
	EndpointDescType  = 0x05
)

// Descriptor lengths in bytes (fixed by USB 2.0 chapter 9)
const (
	DeviceDescLen    = 18
	ConfigDescLen    = 9
	InterfaceDescLen = 9
	EndpointDescLen  = 7
)

// Endpoint address and attribute bits.
const (
	EndpointDirIn        = 0x80
	EndpointNumberMask   = 0x0f
	EndpointXferTypeMask = 0x03

	EndpointXferControl   = 0x00
	EndpointXferIsoc      = 0x01
	EndpointXferBulk      = 0x02
	EndpointXferInterrupt = 0x03
)

// Configuration bmAttributes bits.
const (
	ConfigAttrOne          = 0x80 // reserved, set on bus-powered devices
	ConfigAttrSelfPowered  = 0x40
	ConfigAttrRemoteWakeup = 0x20
)

// Device speeds as reported over USB/IP.
const (
	SpeedLow  = 1
	SpeedFull = 2
	SpeedHigh = 3
)

// LangIDEnglishUS is the language ID placed in string descriptor zero.
const LangIDEnglishUS = 0x0409

// Descriptor holds the static descriptor set of one emulated device.
type Descriptor struct {
	Device     DeviceDescriptor
	Config     ConfigHeader
	Interfaces []InterfaceConfig
	LangID     uint16
	// Strings are the descriptors at index 1..n; index 0 is the language table.
	Strings []string
}

// InterfaceConfig holds an interface descriptor and its endpoints.
type InterfaceConfig struct {
	Descriptor InterfaceDescriptor
	Endpoints  []EndpointDescriptor
}

// EncodeStringDescriptor converts a UTF-8 string to a USB string descriptor byte array.
// The resulting descriptor has the format:
//
//	Byte 0: bLength (total descriptor length)
//	Byte 1: bDescriptorType (0x03 for string)
//	Bytes 2+: UTF-16LE encoded string
func EncodeStringDescriptor(s string) []byte {
	units := utf16.Encode([]rune(s))
	buf := make([]byte, 2+len(units)*2)
	buf[0] = uint8(len(buf))
	buf[1] = StringDescType
	for i, u := range units {
		binary.LittleEndian.PutUint16(buf[2+i*2:], u)
	}
	return buf
}

// EncodeLanguageDescriptor builds string descriptor zero listing the
// supported language IDs.
func EncodeLanguageDescriptor(langIDs ...uint16) []byte {
	buf := make([]byte, 2+len(langIDs)*2)
	buf[0] = uint8(len(buf))
	buf[1] = StringDescType
	for i, id := range langIDs {
		binary.LittleEndian.PutUint16(buf[2+i*2:], id)
	}
	return buf
}

// DeviceDescriptor represents the standard USB device descriptor.
// BLength is computed dynamically; BDescriptorType is implied DeviceDescType.
type DeviceDescriptor struct {
	BcdUSB             uint16 // LE
	BDeviceClass       uint8
	BDeviceSubClass    uint8
	BDeviceProtocol    uint8
	BMaxPacketSize0    uint8
	IDVendor           uint16 // LE
	IDProduct          uint16 // LE
	BcdDevice          uint16 // LE
	IManufacturer      uint8
	IProduct           uint8
	ISerialNumber      uint8
	BNumConfigurations uint8
	Speed              uint32 // USB speed: 1=low, 2=full, 3=high
}

// Bytes returns the 18-byte wire form of the device descriptor.
func (d DeviceDescriptor) Bytes() []byte {
	var b bytes.Buffer
	b.WriteByte(DeviceDescLen)
	b.WriteByte(DeviceDescType)
	_ = binary.Write(&b, binary.LittleEndian, d.BcdUSB)
	b.WriteByte(d.BDeviceClass)
	b.WriteByte(d.BDeviceSubClass)
	b.WriteByte(d.BDeviceProtocol)
	b.WriteByte(d.BMaxPacketSize0)
	_ = binary.Write(&b, binary.LittleEndian, d.IDVendor)
	_ = binary.Write(&b, binary.LittleEndian, d.IDProduct)
	_ = binary.Write(&b, binary.LittleEndian, d.BcdDevice)
	b.WriteByte(d.IManufacturer)
	b.WriteByte(d.IProduct)
	b.WriteByte(d.ISerialNumber)
	b.WriteByte(d.BNumConfigurations)
	return b.Bytes()
}

// ConfigHeader represents the USB configuration descriptor header (9 bytes).
type ConfigHeader struct {
	WTotalLength        uint16 // LE, declared length of the whole block
	BNumInterfaces      uint8
	BConfigurationValue uint8
	IConfiguration      uint8
	BMAttributes        uint8
	BMaxPower           uint8 // units of 2mA
}

func (h ConfigHeader) Write(b *bytes.Buffer) {
	b.WriteByte(ConfigDescLen)
	b.WriteByte(ConfigDescType)
	_ = binary.Write(b, binary.LittleEndian, h.WTotalLength)
	b.WriteByte(h.BNumInterfaces)
	b.WriteByte(h.BConfigurationValue)
	b.WriteByte(h.IConfiguration)
	b.WriteByte(h.BMAttributes)
	b.WriteByte(h.BMaxPower)
}

// InterfaceDescriptor (9 bytes) for each interface altsetting.
type InterfaceDescriptor struct {
	BInterfaceNumber   uint8
	BAlternateSetting  uint8
	BNumEndpoints      uint8
	BInterfaceClass    uint8
	BInterfaceSubClass uint8
	BInterfaceProtocol uint8
	IInterface         uint8
}

func (i InterfaceDescriptor) Write(b *bytes.Buffer) {
	b.WriteByte(InterfaceDescLen)
	b.WriteByte(InterfaceDescType)
	b.WriteByte(i.BInterfaceNumber)
	b.WriteByte(i.BAlternateSetting)
	b.WriteByte(i.BNumEndpoints)
	b.WriteByte(i.BInterfaceClass)
	b.WriteByte(i.BInterfaceSubClass)
	b.WriteByte(i.BInterfaceProtocol)
	b.WriteByte(i.IInterface)
}

// EndpointDescriptor (7 bytes) for each endpoint.
type EndpointDescriptor struct {
	BEndpointAddress uint8
	BMAttributes     uint8
	WMaxPacketSize   uint16 // LE
	BInterval        uint8
}

func (e EndpointDescriptor) Write(b *bytes.Buffer) {
	b.WriteByte(EndpointDescLen)
	b.WriteByte(EndpointDescType)
	b.WriteByte(e.BEndpointAddress)
	b.WriteByte(e.BMAttributes)
	_ = binary.Write(b, binary.LittleEndian, e.WMaxPacketSize)
	b.WriteByte(e.BInterval)
}

// Number returns the endpoint number without the direction bit.
func (e EndpointDescriptor) Number() uint8 { return e.BEndpointAddress & EndpointNumberMask }

// IsIn reports whether the endpoint transfers device-to-host.
func (e EndpointDescriptor) IsIn() bool { return e.BEndpointAddress&EndpointDirIn != 0 }

// IsBulk reports whether the endpoint is a bulk endpoint.
func (e EndpointDescriptor) IsBulk() bool {
	return e.BMAttributes&EndpointXferTypeMask == EndpointXferBulk
}

// DeviceBytes returns the device descriptor.
func (d *Descriptor) DeviceBytes() []byte { return d.Device.Bytes() }

// ConfigBytes concatenates the configuration header, interfaces and
// endpoints. The header carries the declared WTotalLength verbatim.
func (d *Descriptor) ConfigBytes() []byte {
	var b bytes.Buffer
	d.Config.Write(&b)
	for _, iface := range d.Interfaces {
		iface.Descriptor.Write(&b)
		for _, ep := range iface.Endpoints {
			ep.Write(&b)
		}
	}
	return b.Bytes()
}

// StringTable returns the encoded string descriptors, language table first.
func (d *Descriptor) StringTable() [][]byte {
	out := make([][]byte, 0, len(d.Strings)+1)
	out = append(out, EncodeLanguageDescriptor(d.LangID))
	for _, s := range d.Strings {
		out = append(out, EncodeStringDescriptor(s))
	}
	return out
}

// Endpoints returns every endpoint of every interface in declaration order.
func (d *Descriptor) Endpoints() []EndpointDescriptor {
	var out []EndpointDescriptor
	for _, iface := range d.Interfaces {
		out = append(out, iface.Endpoints...)
	}
	return out
}

// BulkPair returns the first bulk IN and the first bulk OUT endpoint.
func (d *Descriptor) BulkPair() (in, out EndpointDescriptor, err error) {
	var haveIn, haveOut bool
	for _, ep := range d.Endpoints() {
		if !ep.IsBulk() {
			continue
		}
		if ep.IsIn() && !haveIn {
			in, haveIn = ep, true
		}
		if !ep.IsIn() && !haveOut {
			out, haveOut = ep, true
		}
	}
	if !haveIn || !haveOut {
		return in, out, fmt.Errorf("descriptor has no bulk IN/OUT endpoint pair")
	}
	return in, out, nil
}

// Validate checks that declared lengths and counts match the encoded data.
func (d *Descriptor) Validate() error {
	cfg := d.ConfigBytes()
	if int(d.Config.WTotalLength) != len(cfg) {
		return fmt.Errorf("config wTotalLength %d does not match encoded length %d", d.Config.WTotalLength, len(cfg))
	}
	if int(d.Config.BNumInterfaces) != len(d.Interfaces) {
		return fmt.Errorf("config declares %d interfaces, has %d", d.Config.BNumInterfaces, len(d.Interfaces))
	}
	for _, iface := range d.Interfaces {
		if int(iface.Descriptor.BNumEndpoints) != len(iface.Endpoints) {
			return fmt.Errorf("interface %d declares %d endpoints, has %d",
				iface.Descriptor.BInterfaceNumber, iface.Descriptor.BNumEndpoints, len(iface.Endpoints))
		}
	}
	for i, s := range d.StringTable() {
		if int(s[0]) != len(s) {
			return fmt.Errorf("string descriptor %d declares %d bytes, has %d", i, s[0], len(s))
		}
	}
	return nil
}
