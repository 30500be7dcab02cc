package usb_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/me56ps2/me56ps2/usb"
)

func testDescriptor() *usb.Descriptor {
	return &usb.Descriptor{
		Device: usb.DeviceDescriptor{
			BcdUSB:             0x0110,
			BMaxPacketSize0:    0x40,
			IDVendor:           0x0590,
			IDProduct:          0x001a,
			BcdDevice:          0x0101,
			IManufacturer:      1,
			IProduct:           2,
			ISerialNumber:      3,
			BNumConfigurations: 1,
		},
		Config: usb.ConfigHeader{
			WTotalLength:        usb.ConfigDescLen + usb.InterfaceDescLen + 2*usb.EndpointDescLen,
			BNumInterfaces:      1,
			BConfigurationValue: 1,
			BMAttributes:        usb.ConfigAttrRemoteWakeup,
			BMaxPower:           0x1e,
		},
		Interfaces: []usb.InterfaceConfig{{
			Descriptor: usb.InterfaceDescriptor{BNumEndpoints: 2, BInterfaceClass: 0xff},
			Endpoints: []usb.EndpointDescriptor{
				{BEndpointAddress: usb.EndpointDirIn | 2, BMAttributes: usb.EndpointXferBulk, WMaxPacketSize: 64},
				{BEndpointAddress: 2, BMAttributes: usb.EndpointXferBulk, WMaxPacketSize: 64},
			},
		}},
		LangID:  usb.LangIDEnglishUS,
		Strings: []string{"OMRON", "ME56PS2", "N/A"},
	}
}

func TestDeviceBytes(t *testing.T) {
	d := testDescriptor()
	assert.Equal(t, []byte{
		0x12, 0x01, 0x10, 0x01, 0x00, 0x00, 0x00, 0x40,
		0x90, 0x05, 0x1a, 0x00, 0x01, 0x01, 0x01, 0x02, 0x03, 0x01,
	}, d.DeviceBytes())
}

func TestConfigBytes(t *testing.T) {
	d := testDescriptor()
	cfg := d.ConfigBytes()
	require.Len(t, cfg, 32)
	assert.Equal(t, []byte{0x09, 0x02, 0x20, 0x00, 0x01, 0x01, 0x00, 0x20, 0x1e}, cfg[:9])
	assert.Equal(t, []byte{0x07, 0x05, 0x82, 0x02, 0x40, 0x00, 0x00}, cfg[18:25])
	assert.Equal(t, []byte{0x07, 0x05, 0x02, 0x02, 0x40, 0x00, 0x00}, cfg[25:32])
}

func TestStringTable(t *testing.T) {
	d := testDescriptor()
	table := d.StringTable()
	require.Len(t, table, 4)
	assert.Equal(t, []byte{0x04, 0x03, 0x09, 0x04}, table[0])
	assert.Equal(t, []byte{0x0c, 0x03, 'O', 0, 'M', 0, 'R', 0, 'O', 0, 'N', 0}, table[1])
	assert.Equal(t, []byte{0x08, 0x03, 'N', 0, '/', 0, 'A', 0}, table[3])
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(d *usb.Descriptor)
		wantErr string
	}{
		{name: "valid"},
		{
			name:    "wrong total length",
			mutate:  func(d *usb.Descriptor) { d.Config.WTotalLength = 39 },
			wantErr: "config wTotalLength 39 does not match encoded length 32",
		},
		{
			name:    "endpoint count",
			mutate:  func(d *usb.Descriptor) { d.Interfaces[0].Descriptor.BNumEndpoints = 3 },
			wantErr: "interface 0 declares 3 endpoints, has 2",
		},
		{
			name:    "string too long for bLength",
			mutate:  func(d *usb.Descriptor) { d.Strings = []string{strings.Repeat("x", 130)} },
			wantErr: "string descriptor 1 declares 6 bytes, has 262",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := testDescriptor()
			if tt.mutate != nil {
				tt.mutate(d)
			}
			err := d.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.EqualError(t, err, tt.wantErr)
		})
	}
}

func TestBulkPair(t *testing.T) {
	d := testDescriptor()
	in, out, err := d.BulkPair()
	require.NoError(t, err)
	assert.Equal(t, uint8(0x82), in.BEndpointAddress)
	assert.Equal(t, uint8(0x02), out.BEndpointAddress)
	assert.Equal(t, uint8(2), in.Number())

	d.Interfaces[0].Endpoints = d.Interfaces[0].Endpoints[:1]
	_, _, err = d.BulkPair()
	assert.Error(t, err)
}

func TestParseSetupPacket(t *testing.T) {
	s, err := usb.ParseSetupPacket([]byte{0x80, 0x06, 0x02, 0x03, 0x09, 0x04, 0xff, 0x00})
	require.NoError(t, err)
	assert.True(t, s.IsIn())
	assert.Equal(t, uint8(usb.RequestTypeStandard), s.Type())
	assert.True(t, s.Is(usb.RequestTypeStandard, usb.ReqGetDescriptor))
	assert.Equal(t, uint8(usb.StringDescType), s.DescriptorType())
	assert.Equal(t, uint8(2), s.DescriptorIndex())
	assert.Equal(t, uint16(0x0409), s.Index)
	assert.Equal(t, uint16(255), s.Length)
	b := s.Bytes()
	assert.Equal(t, []byte{0x80, 0x06, 0x02, 0x03, 0x09, 0x04, 0xff, 0x00}, b[:])

	_, err = usb.ParseSetupPacket([]byte{0x80})
	assert.ErrorIs(t, err, usb.ErrShortSetup)
}
