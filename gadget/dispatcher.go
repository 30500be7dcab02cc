package gadget

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/me56ps2/me56ps2/modem"
	"github.com/me56ps2/me56ps2/usb"
)

// ConfigureFunc runs once, on the first SET_CONFIGURATION.
type ConfigureFunc func() error

// Dispatcher answers control requests on endpoint zero for one variant.
// It is driven by a single control loop; only Configured may be called
// from other goroutines.
type Dispatcher struct {
	variant   modem.Variant
	state     *modem.State
	transport Transport
	logger    *slog.Logger

	onConfigure ConfigureFunc
	configured  atomic.Bool
}

func NewDispatcher(variant modem.Variant, state *modem.State, transport Transport, onConfigure ConfigureFunc, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		variant:     variant,
		state:       state,
		transport:   transport,
		logger:      logger,
		onConfigure: onConfigure,
	}
}

// Configured reports whether SET_CONFIGURATION has completed.
func (d *Dispatcher) Configured() bool { return d.configured.Load() }

// Handle computes the response to setup, clamped to the requested length.
// ErrStall (possibly wrapped) means the request must be stalled.
func (d *Dispatcher) Handle(setup usb.SetupPacket) ([]byte, error) {
	data, err := d.handle(setup)
	if err != nil {
		return nil, err
	}
	if len(data) > int(setup.Length) {
		data = data[:setup.Length]
	}
	return data, nil
}

func (d *Dispatcher) handle(setup usb.SetupPacket) ([]byte, error) {
	switch setup.Type() {
	case usb.RequestTypeStandard:
		switch setup.Request {
		case usb.ReqGetDescriptor:
			return d.descriptor(setup)
		case usb.ReqSetConfiguration:
			return nil, d.setConfiguration()
		case usb.ReqSetInterface:
			return nil, nil
		}
	case usb.RequestTypeVendor:
		data, err := d.variant.HandleVendorRequest(setup, d.state)
		if err != nil && !errors.Is(err, ErrStall) {
			err = fmt.Errorf("%w: vendor request: %v", ErrStall, err)
		}
		return data, err
	}
	return nil, fmt.Errorf("%w: unsupported request %s", ErrStall, setup)
}

func (d *Dispatcher) descriptor(setup usb.SetupPacket) ([]byte, error) {
	switch setup.DescriptorType() {
	case usb.DeviceDescType:
		return d.variant.DeviceDescriptor(), nil
	case usb.ConfigDescType:
		return d.variant.ConfigDescriptors(), nil
	case usb.StringDescType:
		table := d.variant.StringDescriptors()
		idx := int(setup.DescriptorIndex())
		if idx >= len(table) {
			return nil, fmt.Errorf("%w: string index %d out of range (%d entries)", ErrStall, idx, len(table))
		}
		return table[idx], nil
	}
	return nil, fmt.Errorf("%w: unsupported descriptor type 0x%02x", ErrStall, setup.DescriptorType())
}

func (d *Dispatcher) setConfiguration() error {
	if d.configured.Load() {
		return nil
	}
	if d.onConfigure != nil {
		if err := d.onConfigure(); err != nil {
			return fmt.Errorf("%w: configure: %v", ErrStall, err)
		}
	}
	if err := d.transport.VBusDraw(uint32(d.variant.Descriptor().Config.BMaxPower)); err != nil {
		d.logger.Warn("vbus draw failed", "error", err)
	}
	if err := d.transport.Configure(); err != nil {
		return fmt.Errorf("%w: configure: %v", ErrStall, err)
	}
	d.configured.Store(true)
	d.logger.Info("USB configured", "model", d.variant.Name())
	return nil
}

// Serve handles setup and completes the control transfer on the transport.
// Stalls are logged and absorbed; only transport failures are returned.
func (d *Dispatcher) Serve(setup usb.SetupPacket) error {
	data, err := d.Handle(setup)
	if err != nil {
		if !errors.Is(err, ErrStall) {
			return err
		}
		d.logger.Debug("stall", "reason", err)
		return d.transport.StallControl()
	}
	if setup.IsIn() {
		return d.transport.WriteControl(data)
	}
	_, err = d.transport.ReadControl(int(setup.Length))
	return err
}
