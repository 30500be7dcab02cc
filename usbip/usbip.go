// Package usbip encodes and decodes the USB/IP wire protocol used to
// export the emulated modem to a remote vhci host.
package usbip

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Wire constants (network byte order / big-endian)
const (
	Version = 0x0111

	// Management commands
	OpReqDevlist = 0x8005
	OpRepDevlist = 0x0005
	OpReqImport  = 0x8003
	OpRepImport  = 0x0003

	// URB transfer commands
	CmdSubmitCode = 0x00000001
	CmdUnlinkCode = 0x00000002
	RetSubmitCode = 0x00000003
	RetUnlinkCode = 0x00000004

	// Directions used in usbip_header_basic.direction
	DirOut = 0x00000000
	DirIn  = 0x00000001

	// URBHeaderSize is the fixed size of every URB command and reply header.
	URBHeaderSize = 0x30
	// BusIDSize is the size of the busid field in import requests.
	BusIDSize = 32
	// PathSize is the size of the sysfs path field.
	PathSize = 256
)

// URB completion status values (negated Linux errno).
const (
	StatusOK         = 0
	StatusStall      = -32  // -EPIPE
	StatusConnReset  = -104 // -ECONNRESET
	StatusNoDevice   = -19  // -ENODEV
	StatusShutdown   = -108 // -ESHUTDOWN
	mgmtHeaderSize   = 8
	deviceRecordSize = PathSize + BusIDSize + 24
)

func writeBE(w io.Writer, fields ...any) error {
	for _, f := range fields {
		if err := binary.Write(w, binary.BigEndian, f); err != nil {
			return err
		}
	}
	return nil
}

// MgmtHeader is the 8-byte header for management ops (devlist/import).
type MgmtHeader struct {
	Version uint16
	Command uint16
	Status  uint32
}

func (h *MgmtHeader) Write(w io.Writer) error {
	return writeBE(w, h.Version, h.Command, h.Status)
}

// ParseMgmtHeader decodes the first 8 bytes of a management exchange.
func ParseMgmtHeader(b []byte) (MgmtHeader, error) {
	if len(b) < mgmtHeaderSize {
		return MgmtHeader{}, io.ErrUnexpectedEOF
	}
	return MgmtHeader{
		Version: binary.BigEndian.Uint16(b[0:2]),
		Command: binary.BigEndian.Uint16(b[2:4]),
		Status:  binary.BigEndian.Uint32(b[4:8]),
	}, nil
}

// IsManagement reports whether h opens a devlist or import exchange.
func (h MgmtHeader) IsManagement() bool {
	return h.Version == Version && (h.Command == OpReqDevlist || h.Command == OpReqImport)
}

// DevListReplyHeader is the header after MgmtHeader for OP_REP_DEVLIST.
type DevListReplyHeader struct {
	NDevices uint32
}

func (d *DevListReplyHeader) Write(w io.Writer) error {
	return writeBE(w, d.NDevices)
}

// ExportMeta carries the sysfs identity of an exported device.
type ExportMeta struct {
	Path     [PathSize]byte
	USBBusId [BusIDSize]byte
	BusId    uint32
	DevId    uint32
}

// NewExportMeta fills the fixed-size path and busid fields.
func NewExportMeta(path, busID string, busNum, devNum uint32) ExportMeta {
	var m ExportMeta
	copy(m.Path[:PathSize-1], path)
	copy(m.USBBusId[:BusIDSize-1], busID)
	m.BusId = busNum
	m.DevId = devNum
	return m
}

// CString returns the NUL-terminated prefix of a fixed-size field.
func CString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

// ExportedDevice describes one exported device in devlist/import replies.
type ExportedDevice struct {
	ExportMeta
	Speed uint32

	IDVendor            uint16
	IDProduct           uint16
	BcdDevice           uint16
	BDeviceClass        uint8
	BDeviceSubClass     uint8
	BDeviceProtocol     uint8
	BConfigurationValue uint8
	BNumConfigurations  uint8
	BNumInterfaces      uint8

	Interfaces []InterfaceDesc
}

type InterfaceDesc struct {
	Class    uint8
	SubClass uint8
	Protocol uint8
}

func (d *ExportedDevice) writeRecord(w io.Writer) error {
	if _, err := w.Write(d.Path[:]); err != nil {
		return err
	}
	if _, err := w.Write(d.USBBusId[:]); err != nil {
		return err
	}
	if err := writeBE(w, d.BusId, d.DevId, d.Speed, d.IDVendor, d.IDProduct, d.BcdDevice); err != nil {
		return err
	}
	_, err := w.Write([]byte{
		d.BDeviceClass,
		d.BDeviceSubClass,
		d.BDeviceProtocol,
		d.BConfigurationValue,
		d.BNumConfigurations,
		d.BNumInterfaces,
	})
	return err
}

// WriteDevlist writes the device entry for OP_REP_DEVLIST, including the
// interface triplets.
func (d *ExportedDevice) WriteDevlist(w io.Writer) error {
	if err := d.writeRecord(w); err != nil {
		return err
	}
	for _, iface := range d.Interfaces {
		if _, err := w.Write([]byte{iface.Class, iface.SubClass, iface.Protocol, 0}); err != nil {
			return err
		}
	}
	return nil
}

// WriteImport writes the device entry for OP_REP_IMPORT.
func (d *ExportedDevice) WriteImport(w io.Writer) error {
	return d.writeRecord(w)
}

// ReadExportedDevice decodes one device record. Interface triplets are
// read only when withInterfaces is set, as in devlist replies.
func ReadExportedDevice(r io.Reader, withInterfaces bool) (ExportedDevice, error) {
	var base [deviceRecordSize]byte
	if err := ReadExactly(r, base[:]); err != nil {
		return ExportedDevice{}, err
	}
	var d ExportedDevice
	copy(d.Path[:], base[0:PathSize])
	copy(d.USBBusId[:], base[PathSize:PathSize+BusIDSize])
	o := PathSize + BusIDSize
	d.BusId = binary.BigEndian.Uint32(base[o : o+4])
	d.DevId = binary.BigEndian.Uint32(base[o+4 : o+8])
	d.Speed = binary.BigEndian.Uint32(base[o+8 : o+12])
	d.IDVendor = binary.BigEndian.Uint16(base[o+12 : o+14])
	d.IDProduct = binary.BigEndian.Uint16(base[o+14 : o+16])
	d.BcdDevice = binary.BigEndian.Uint16(base[o+16 : o+18])
	d.BDeviceClass = base[o+18]
	d.BDeviceSubClass = base[o+19]
	d.BDeviceProtocol = base[o+20]
	d.BConfigurationValue = base[o+21]
	d.BNumConfigurations = base[o+22]
	d.BNumInterfaces = base[o+23]

	if withInterfaces && d.BNumInterfaces > 0 {
		buf := make([]byte, int(d.BNumInterfaces)*4)
		if err := ReadExactly(r, buf); err != nil {
			return ExportedDevice{}, err
		}
		for i := 0; i < int(d.BNumInterfaces); i++ {
			d.Interfaces = append(d.Interfaces, InterfaceDesc{Class: buf[i*4], SubClass: buf[i*4+1], Protocol: buf[i*4+2]})
		}
	}
	return d, nil
}

// HeaderBasic is common to all URB cmds and replies.
type HeaderBasic struct {
	Command uint32
	Seqnum  uint32
	Devid   uint32
	Dir     uint32
	Ep      uint32
}

func (h HeaderBasic) write(w io.Writer) error {
	return writeBE(w, h.Command, h.Seqnum, h.Devid, h.Dir, h.Ep)
}

// CmdSubmit header (before payload) length is 0x30.
type CmdSubmit struct {
	Basic             HeaderBasic
	TransferFlags     uint32
	TransferBufferLen uint32
	StartFrame        uint32
	NumberOfPackets   uint32
	Interval          uint32
	Setup             [8]byte
}

func (c *CmdSubmit) Write(w io.Writer) error {
	if err := c.Basic.write(w); err != nil {
		return err
	}
	if err := writeBE(w, c.TransferFlags, c.TransferBufferLen, c.StartFrame, c.NumberOfPackets, c.Interval); err != nil {
		return err
	}
	_, err := w.Write(c.Setup[:])
	return err
}

// RetSubmit header (before payload) length is 0x30.
type RetSubmit struct {
	Basic           HeaderBasic
	Status          int32
	ActualLength    uint32
	StartFrame      uint32
	NumberOfPackets uint32
	ErrorCount      uint32
	Padding         [8]byte
}

func (r *RetSubmit) Write(w io.Writer) error {
	if err := r.Basic.write(w); err != nil {
		return err
	}
	if err := writeBE(w, r.Status, r.ActualLength, r.StartFrame, r.NumberOfPackets, r.ErrorCount); err != nil {
		return err
	}
	_, err := w.Write(r.Padding[:])
	return err
}

// CmdUnlink and RetUnlink
type CmdUnlink struct {
	Basic        HeaderBasic
	UnlinkSeqnum uint32
	Padding      [24]byte
}

type RetUnlink struct {
	Basic   HeaderBasic
	Status  int32
	Padding [24]byte
}

func (c *CmdUnlink) Write(w io.Writer) error {
	if err := c.Basic.write(w); err != nil {
		return err
	}
	if err := writeBE(w, c.UnlinkSeqnum); err != nil {
		return err
	}
	_, err := w.Write(c.Padding[:])
	return err
}

func (r *RetUnlink) Write(w io.Writer) error {
	if err := r.Basic.write(w); err != nil {
		return err
	}
	if err := writeBE(w, r.Status); err != nil {
		return err
	}
	_, err := w.Write(r.Padding[:])
	return err
}

// URBHeader is a decoded 48-byte URB header. Submit fields are only set
// for CMD_SUBMIT / RET_SUBMIT, UnlinkSeqnum only for CMD_UNLINK and
// Status for replies.
type URBHeader struct {
	Basic             HeaderBasic
	TransferFlags     uint32
	TransferBufferLen uint32
	Setup             [8]byte
	UnlinkSeqnum      uint32
	Status            int32
	ActualLength      uint32
}

// ParseURBHeader decodes any URB command or reply header.
func ParseURBHeader(b []byte) (URBHeader, error) {
	if len(b) < URBHeaderSize {
		return URBHeader{}, io.ErrUnexpectedEOF
	}
	h := URBHeader{Basic: HeaderBasic{
		Command: binary.BigEndian.Uint32(b[0x00:0x04]),
		Seqnum:  binary.BigEndian.Uint32(b[0x04:0x08]),
		Devid:   binary.BigEndian.Uint32(b[0x08:0x0c]),
		Dir:     binary.BigEndian.Uint32(b[0x0c:0x10]),
		Ep:      binary.BigEndian.Uint32(b[0x10:0x14]),
	}}
	switch h.Basic.Command {
	case CmdSubmitCode:
		h.TransferFlags = binary.BigEndian.Uint32(b[0x14:0x18])
		h.TransferBufferLen = binary.BigEndian.Uint32(b[0x18:0x1c])
		copy(h.Setup[:], b[0x28:0x30])
	case CmdUnlinkCode:
		h.UnlinkSeqnum = binary.BigEndian.Uint32(b[0x14:0x18])
	case RetSubmitCode:
		h.Status = int32(binary.BigEndian.Uint32(b[0x14:0x18]))
		h.ActualLength = binary.BigEndian.Uint32(b[0x18:0x1c])
	case RetUnlinkCode:
		h.Status = int32(binary.BigEndian.Uint32(b[0x14:0x18]))
	default:
		return h, fmt.Errorf("unknown URB command 0x%08x", h.Basic.Command)
	}
	return h, nil
}

// ReadURBHeader reads and decodes one URB header from r.
func ReadURBHeader(r io.Reader) (URBHeader, error) {
	var buf [URBHeaderSize]byte
	if err := ReadExactly(r, buf[:]); err != nil {
		return URBHeader{}, err
	}
	return ParseURBHeader(buf[:])
}

func ReadExactly(r io.Reader, buf []byte) error {
	_, err := io.ReadFull(r, buf)
	return err
}
