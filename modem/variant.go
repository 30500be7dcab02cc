package modem

import (
	"errors"
	"fmt"
	"sort"

	"github.com/me56ps2/me56ps2/usb"
)

// Vendor request codes understood by DTR-emulating modems.
const (
	VendorReqDTR    = 0x01
	VendorReqStatus = 0x05

	dtrMask    = 0x0101
	dtrOnHook  = 0x0100
	dtrOffHook = 0x0101

	// statusByte is returned for VendorReqStatus.
	statusByte = 0x31
)

var ErrUnknownModel = errors.New("unknown modem model")

// Variant is one hardware personality of the emulated modem.
type Variant interface {
	Name() string
	Description() string
	// Descriptor returns the structured descriptor set. Callers must not modify it.
	Descriptor() *usb.Descriptor
	DeviceDescriptor() []byte
	ConfigDescriptors() []byte
	StringDescriptors() [][]byte
	// HandleVendorRequest answers a vendor control request. A non-nil
	// error stalls the control pipe.
	HandleVendorRequest(setup usb.SetupPacket, st *State) ([]byte, error)
}

type vendorHandler func(setup usb.SetupPacket, st *State) ([]byte, error)

type variant struct {
	name        string
	description string
	desc        *usb.Descriptor
	device      []byte
	config      []byte
	strings     [][]byte
	vendor      vendorHandler
}

// newVariant encodes a static table once. An inconsistent table is a
// programming error and panics at package init.
func newVariant(name, description string, desc *usb.Descriptor, vendor vendorHandler) *variant {
	if err := desc.Validate(); err != nil {
		panic(fmt.Sprintf("modem %s: %v", name, err))
	}
	return &variant{
		name:        name,
		description: description,
		desc:        desc,
		device:      desc.DeviceBytes(),
		config:      desc.ConfigBytes(),
		strings:     desc.StringTable(),
		vendor:      vendor,
	}
}

func (v *variant) Name() string                { return v.name }
func (v *variant) Description() string         { return v.description }
func (v *variant) Descriptor() *usb.Descriptor { return v.desc }
func (v *variant) DeviceDescriptor() []byte    { return v.device }
func (v *variant) ConfigDescriptors() []byte   { return v.config }
func (v *variant) StringDescriptors() [][]byte { return v.strings }

func (v *variant) HandleVendorRequest(setup usb.SetupPacket, st *State) ([]byte, error) {
	return v.vendor(setup, st)
}

// dtrVendorRequest emulates the DTR line of the ME56PS2 family. Clearing
// DTR hangs up an active call.
func dtrVendorRequest(setup usb.SetupPacket, st *State) ([]byte, error) {
	switch setup.Request {
	case VendorReqDTR:
		switch setup.Value & dtrMask {
		case dtrOnHook:
			st.logger.Debug("on-hook")
			st.Hangup()
		case dtrOffHook:
			st.logger.Debug("off-hook")
		}
		return nil, nil
	case VendorReqStatus:
		return []byte{statusByte}, nil
	default:
		return nil, nil
	}
}

// passthroughVendorRequest acknowledges every vendor request.
func passthroughVendorRequest(usb.SetupPacket, *State) ([]byte, error) {
	return nil, nil
}

var registry = []*variant{omron, onlineStation, smartSCM}

// Lookup returns the variant registered under name. Matching is case-sensitive.
func Lookup(name string) (Variant, error) {
	for _, v := range registry {
		if v.name == name {
			return v, nil
		}
	}
	return nil, fmt.Errorf("%w: %q (supported: %v)", ErrUnknownModel, name, Names())
}

// Models returns all registered variants in registry order.
func Models() []Variant {
	out := make([]Variant, len(registry))
	for i, v := range registry {
		out[i] = v
	}
	return out
}

// Names returns the registered model names sorted alphabetically.
func Names() []string {
	out := make([]string, len(registry))
	for i, v := range registry {
		out[i] = v.name
	}
	sort.Strings(out)
	return out
}
