//go:build linux

package rawgadget

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/me56ps2/me56ps2/gadget"
	"github.com/me56ps2/me56ps2/usb"
)

const (
	iocWrite = 1
	iocRead  = 2

	nameSize    = 128
	initSize    = 2*nameSize + 1
	eventHeader = 8
	epIOHeader  = 8
	epDescSize  = 9
)

func ioc(dir, nr, size uintptr) uintptr {
	return dir<<30 | size<<16 | uintptr('U')<<8 | nr
}

var (
	ioctlInit       = ioc(iocWrite, 0, initSize)
	ioctlRun        = ioc(0, 1, 0)
	ioctlEventFetch = ioc(iocRead, 2, eventHeader)
	ioctlEP0Write   = ioc(iocWrite, 3, epIOHeader)
	ioctlEP0Read    = ioc(iocWrite|iocRead, 4, epIOHeader)
	ioctlEPEnable   = ioc(iocWrite, 5, epDescSize)
	ioctlEPDisable  = ioc(iocWrite, 6, 4)
	ioctlEPWrite    = ioc(iocWrite, 7, epIOHeader)
	ioctlEPRead     = ioc(iocWrite|iocRead, 8, epIOHeader)
	ioctlConfigure  = ioc(0, 9, 0)
	ioctlVBusDraw   = ioc(iocWrite, 10, 4)
	ioctlEP0Stall   = ioc(0, 12, 0)
)

// Gadget is an open raw-gadget device.
//
// Close marks the gadget closed and releases the descriptor. An ioctl
// already blocked in the driver returns once the host produces its next
// event; after that every call reports gadget.ErrClosed.
type Gadget struct {
	fd      int
	logger  *slog.Logger
	closed  atomic.Bool
	handles []int
}

var _ gadget.Transport = (*Gadget)(nil)

// Open initialises the driver for the configured UDC and starts it.
func Open(cfg Config, logger *slog.Logger) (*Gadget, error) {
	cfg = cfg.withDefaults()
	fd, err := unix.Open(cfg.Path, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Path, err)
	}
	g := &Gadget{fd: fd, logger: logger}

	var init [initSize]byte
	copy(init[:nameSize-1], cfg.Driver)
	copy(init[nameSize:2*nameSize-1], cfg.Device)
	init[2*nameSize] = cfg.Speed
	if _, err := g.ioctlPtr(ioctlInit, unsafe.Pointer(&init[0])); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("raw-gadget init %s/%s: %w", cfg.Driver, cfg.Device, err)
	}
	if _, err := g.ioctlVal(ioctlRun, 0); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("raw-gadget run: %w", err)
	}
	logger.Info("raw-gadget started", "path", cfg.Path, "driver", cfg.Driver, "device", cfg.Device, "speed", cfg.Speed)
	return g, nil
}

func (g *Gadget) wrap(r uintptr, errno unix.Errno) (int, error) {
	if g.closed.Load() {
		return 0, gadget.ErrClosed
	}
	if errno != 0 {
		return 0, errno
	}
	return int(r), nil
}

func (g *Gadget) ioctlPtr(req uintptr, p unsafe.Pointer) (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(g.fd), req, uintptr(p))
	return g.wrap(r, errno)
}

func (g *Gadget) ioctlVal(req, val uintptr) (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(g.fd), req, val)
	return g.wrap(r, errno)
}

func (g *Gadget) FetchEvent() (gadget.Event, error) {
	var buf [eventHeader + usb.SetupPacketSize]byte
	binary.LittleEndian.PutUint32(buf[4:8], usb.SetupPacketSize)
	if _, err := g.ioctlPtr(ioctlEventFetch, unsafe.Pointer(&buf[0])); err != nil {
		return gadget.Event{}, err
	}
	ev := gadget.Event{Kind: gadget.EventKind(binary.LittleEndian.Uint32(buf[0:4]))}
	if ev.Kind == gadget.EventControl {
		length := binary.LittleEndian.Uint32(buf[4:8])
		setup, err := usb.ParseSetupPacket(buf[eventHeader : eventHeader+min(int(length), usb.SetupPacketSize)])
		if err != nil {
			return gadget.Event{}, err
		}
		ev.Setup = setup
	}
	return ev, nil
}

// epIO builds a struct usb_raw_ep_io followed by room for length bytes.
func epIO(ep uint16, length int) []byte {
	buf := make([]byte, epIOHeader+max(length, 1))
	binary.LittleEndian.PutUint16(buf[0:2], ep)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(length))
	return buf
}

func (g *Gadget) ReadControl(length int) ([]byte, error) {
	buf := epIO(0, length)
	n, err := g.ioctlPtr(ioctlEP0Read, unsafe.Pointer(&buf[0]))
	if err != nil {
		return nil, fmt.Errorf("ep0 read: %w", err)
	}
	return buf[epIOHeader : epIOHeader+min(n, length)], nil
}

func (g *Gadget) WriteControl(data []byte) error {
	buf := epIO(0, len(data))
	copy(buf[epIOHeader:], data)
	if _, err := g.ioctlPtr(ioctlEP0Write, unsafe.Pointer(&buf[0])); err != nil {
		return fmt.Errorf("ep0 write: %w", err)
	}
	return nil
}

func (g *Gadget) StallControl() error {
	if _, err := g.ioctlVal(ioctlEP0Stall, 0); err != nil {
		return fmt.Errorf("ep0 stall: %w", err)
	}
	return nil
}

func (g *Gadget) EnableEndpoint(ep usb.EndpointDescriptor) (int, error) {
	var desc [epDescSize]byte
	desc[0] = usb.EndpointDescLen
	desc[1] = usb.EndpointDescType
	desc[2] = ep.BEndpointAddress
	desc[3] = ep.BMAttributes
	binary.LittleEndian.PutUint16(desc[4:6], ep.WMaxPacketSize)
	desc[6] = ep.BInterval
	h, err := g.ioctlPtr(ioctlEPEnable, unsafe.Pointer(&desc[0]))
	if err != nil {
		return 0, fmt.Errorf("enable endpoint 0x%02x: %w", ep.BEndpointAddress, err)
	}
	g.handles = append(g.handles, h)
	g.logger.Debug("endpoint enabled", "address", fmt.Sprintf("0x%02x", ep.BEndpointAddress), "handle", h)
	return h, nil
}

func (g *Gadget) ReadEndpoint(handle int, buf []byte) (int, error) {
	io := epIO(uint16(handle), len(buf))
	n, err := g.ioctlPtr(ioctlEPRead, unsafe.Pointer(&io[0]))
	if err != nil {
		return 0, err
	}
	return copy(buf, io[epIOHeader:epIOHeader+min(n, len(buf))]), nil
}

func (g *Gadget) WriteEndpoint(handle int, data []byte) (int, error) {
	io := epIO(uint16(handle), len(data))
	copy(io[epIOHeader:], data)
	return g.ioctlPtr(ioctlEPWrite, unsafe.Pointer(&io[0]))
}

// VBusDraw reports the current draw in the configuration's 2 mA units.
func (g *Gadget) VBusDraw(power uint32) error {
	_, err := g.ioctlVal(ioctlVBusDraw, uintptr(power))
	return err
}

func (g *Gadget) Configure() error {
	_, err := g.ioctlVal(ioctlConfigure, 0)
	return err
}

func (g *Gadget) Close() error {
	if g.closed.Swap(true) {
		return nil
	}
	for _, h := range g.handles {
		_, _, _ = unix.Syscall(unix.SYS_IOCTL, uintptr(g.fd), ioctlEPDisable, uintptr(h))
	}
	return unix.Close(g.fd)
}
