// Package rawgadget implements gadget.Transport on top of the Linux
// raw-gadget driver (/dev/raw-gadget).
package rawgadget

// Defaults for a Raspberry Pi 4 with the dwc2 controller.
const (
	DefaultPath   = "/dev/raw-gadget"
	DefaultDriver = "fe980000.usb"
	DefaultDevice = "fe980000.usb"
)

// Speed values accepted by the driver, from enum usb_device_speed.
const (
	SpeedLow  = 1
	SpeedFull = 2
	SpeedHigh = 3
)

// Config selects the UDC to bind.
type Config struct {
	Path   string `help:"raw-gadget device node" default:"/dev/raw-gadget" env:"ME56PS2_GADGET_PATH"`
	Driver string `help:"UDC driver name" default:"fe980000.usb" env:"ME56PS2_GADGET_DRIVER"`
	Device string `help:"UDC device name" default:"fe980000.usb" env:"ME56PS2_GADGET_DEVICE"`
	Speed  uint8  `help:"Device speed passed to the driver (1 low, 2 full, 3 high)" default:"3" env:"ME56PS2_GADGET_SPEED"`
}

func (c Config) withDefaults() Config {
	if c.Path == "" {
		c.Path = DefaultPath
	}
	if c.Driver == "" {
		c.Driver = DefaultDriver
	}
	if c.Device == "" {
		c.Device = DefaultDevice
	}
	if c.Speed == 0 {
		c.Speed = SpeedHigh
	}
	return c
}
