package modem

import "github.com/me56ps2/me56ps2/usb"

const (
	bulkPacketSize = 64

	stringManufacturer = 1
	stringProduct      = 2
	stringSerial       = 3
)

func bulk(addr uint8) usb.EndpointDescriptor {
	return usb.EndpointDescriptor{
		BEndpointAddress: addr,
		BMAttributes:     usb.EndpointXferBulk,
		WMaxPacketSize:   bulkPacketSize,
	}
}

func vendorInterface(endpoints []usb.EndpointDescriptor, iInterface uint8) []usb.InterfaceConfig {
	return []usb.InterfaceConfig{{
		Descriptor: usb.InterfaceDescriptor{
			BNumEndpoints:      uint8(len(endpoints)),
			BInterfaceClass:    0xff,
			BInterfaceSubClass: 0xff,
			BInterfaceProtocol: 0xff,
			IInterface:         iInterface,
		},
		Endpoints: endpoints,
	}}
}

func configLength(endpoints int) uint16 {
	return uint16(usb.ConfigDescLen + usb.InterfaceDescLen + endpoints*usb.EndpointDescLen)
}

// Omron ME56PS2, the PlayStation 2 modem this emulator is named after.
var omron = newVariant("Omron", "Omron ME56PS2", &usb.Descriptor{
	Device: usb.DeviceDescriptor{
		BcdUSB:             0x0110,
		BMaxPacketSize0:    0x40, // 8 on the real device
		IDVendor:           0x0590,
		IDProduct:          0x001a,
		BcdDevice:          0x0101,
		IManufacturer:      stringManufacturer,
		IProduct:           stringProduct,
		ISerialNumber:      stringSerial,
		BNumConfigurations: 1,
		Speed:              usb.SpeedFull,
	},
	Config: usb.ConfigHeader{
		WTotalLength:        configLength(2),
		BNumInterfaces:      1,
		BConfigurationValue: 1,
		IConfiguration:      stringProduct,
		BMAttributes:        usb.ConfigAttrRemoteWakeup,
		BMaxPower:           0x1e,
	},
	Interfaces: vendorInterface([]usb.EndpointDescriptor{
		bulk(usb.EndpointDirIn | 2),
		bulk(2),
	}, stringProduct),
	LangID:  usb.LangIDEnglishUS,
	Strings: []string{"OMRON", "ME56PS2", "N/A"},
}, dtrVendorRequest)

// Suntac OnlineStation MS56KPS2.
var onlineStation = newVariant("OnlineStation", "Suntac OnlineStation MS56KPS2", &usb.Descriptor{
	Device: usb.DeviceDescriptor{
		BcdUSB:             0x0110,
		BMaxPacketSize0:    0x40,
		IDVendor:           0x05db,
		IDProduct:          0x0006,
		BcdDevice:          0x0100,
		IManufacturer:      stringManufacturer,
		IProduct:           stringProduct,
		ISerialNumber:      stringSerial,
		BNumConfigurations: 1,
		Speed:              usb.SpeedFull,
	},
	Config: usb.ConfigHeader{
		WTotalLength:        configLength(3),
		BNumInterfaces:      1,
		BConfigurationValue: 1,
		BMAttributes:        usb.ConfigAttrOne | usb.ConfigAttrSelfPowered | usb.ConfigAttrRemoteWakeup,
		BMaxPower:           0x32,
	},
	Interfaces: vendorInterface([]usb.EndpointDescriptor{
		bulk(1),
		bulk(usb.EndpointDirIn | 2),
		{
			BEndpointAddress: usb.EndpointDirIn | 3,
			BMAttributes:     usb.EndpointXferInterrupt,
			WMaxPacketSize:   bulkPacketSize,
			BInterval:        8,
		},
	}, 0),
	LangID:  usb.LangIDEnglishUS,
	Strings: []string{"SUNTAC", "MS56KPS2", "N/A"},
}, passthroughVendorRequest)

// Conexant SmartSCM P2Gate. Its configuration and interface string
// indices point past the string table; hosts that ask get a stall.
var smartSCM = newVariant("SmartSCM", "Conexant SmartSCM P2Gate", &usb.Descriptor{
	Device: usb.DeviceDescriptor{
		BcdUSB:             0x0100,
		BDeviceClass:       0xff,
		BDeviceSubClass:    0xff,
		BDeviceProtocol:    0xff,
		BMaxPacketSize0:    0x40,
		IDVendor:           0x0572,
		IDProduct:          0x1272,
		BcdDevice:          0x0001,
		IManufacturer:      stringManufacturer,
		IProduct:           stringProduct,
		ISerialNumber:      stringSerial,
		BNumConfigurations: 1,
		Speed:              usb.SpeedFull,
	},
	Config: usb.ConfigHeader{
		WTotalLength:        configLength(8),
		BNumInterfaces:      1,
		BConfigurationValue: 1,
		IConfiguration:      4,
		BMAttributes:        usb.ConfigAttrOne | usb.ConfigAttrSelfPowered | usb.ConfigAttrRemoteWakeup,
		BMaxPower:           0x5a,
	},
	Interfaces: vendorInterface([]usb.EndpointDescriptor{
		bulk(1), bulk(usb.EndpointDirIn | 1),
		bulk(2), bulk(usb.EndpointDirIn | 2),
		bulk(3), bulk(usb.EndpointDirIn | 3),
		bulk(4), bulk(usb.EndpointDirIn | 4),
	}, 5),
	LangID:  usb.LangIDEnglishUS,
	Strings: []string{"Conexant Systems, Inc.", "V.90 Modem with USB (Game App)", "N/A"},
}, passthroughVendorRequest)
