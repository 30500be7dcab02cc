// Package gadget drives an emulated modem over a USB device-side transport.
package gadget

import (
	"errors"
	"fmt"

	"github.com/me56ps2/me56ps2/usb"
)

var (
	// ErrStall signals that a control request must be answered with a stall.
	ErrStall = errors.New("control request stalled")
	// ErrClosed is returned by transport calls after Close.
	ErrClosed = errors.New("transport closed")
)

// EventKind identifies an event fetched from the transport. The values
// match the Linux raw-gadget event types.
type EventKind uint32

const (
	EventInvalid EventKind = iota
	EventConnect
	EventControl
	EventSuspend
	EventResume
	EventReset
	EventDisconnect
)

func (k EventKind) String() string {
	switch k {
	case EventConnect:
		return "connect"
	case EventControl:
		return "control"
	case EventSuspend:
		return "suspend"
	case EventResume:
		return "resume"
	case EventReset:
		return "reset"
	case EventDisconnect:
		return "disconnect"
	default:
		return fmt.Sprintf("invalid(%d)", uint32(k))
	}
}

// Event is one notification from the host side. Setup is only valid for
// EventControl.
type Event struct {
	Kind  EventKind
	Setup usb.SetupPacket
}

// Transport is the device side of a USB connection.
//
// FetchEvent, ReadEndpoint and WriteEndpoint block. Close must unblock
// them; afterwards they return ErrClosed.
type Transport interface {
	FetchEvent() (Event, error)

	// ReadControl consumes the OUT data phase of the current control
	// request. WriteControl supplies the IN data phase, or acknowledges
	// with a zero-length status when data is empty.
	ReadControl(length int) ([]byte, error)
	WriteControl(data []byte) error
	StallControl() error

	// EnableEndpoint returns a handle for ReadEndpoint and WriteEndpoint.
	EnableEndpoint(ep usb.EndpointDescriptor) (int, error)
	ReadEndpoint(handle int, buf []byte) (int, error)
	WriteEndpoint(handle int, data []byte) (int, error)

	VBusDraw(power uint32) error
	Configure() error

	Close() error
}
