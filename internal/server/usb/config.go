package usb

import "time"

// ServerConfig configures the USB/IP transport.
type ServerConfig struct {
	Addr              string        `help:"USB/IP server listen address" default:":3240" env:"ME56PS2_USBIP_ADDR"`
	BusID             string        `help:"Bus id the modem is exported under" default:"1-1" env:"ME56PS2_USBIP_BUSID"`
	ConnectionTimeout time.Duration `help:"Time allowed for a client to send its first request" default:"10s" env:"ME56PS2_USBIP_TIMEOUT"`
	AutoAttach        bool          `help:"Attach the exported modem to this host with the usbip tool" default:"false" env:"ME56PS2_USBIP_AUTO_ATTACH" negatable:""`
}
