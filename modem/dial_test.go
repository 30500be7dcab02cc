package modem_test

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/me56ps2/me56ps2/modem"
)

func TestParseDialAddress(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "192-168-1-10", want: "192.168.1.10:10023"},
		{in: "192-168-1-10#2323", want: "192.168.1.10:2323"},
		{in: "10-0-0-1#65535", want: "10.0.0.1:65535"},
		{in: "10-0-0-1;", want: "10.0.0.1:10023"},
		{in: "10-0-0-1#23W", want: "10.0.0.1:23"},
		{in: "256-0-0-1", wantErr: true},
		{in: "1-2-3", wantErr: true},
		{in: "1-2-3-4#", wantErr: true},
		{in: "1-2-3-4#0", wantErr: true},
		{in: "1-2-3-4#65536", wantErr: true},
		{in: "5551234", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := modem.ParseDialAddress(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, modem.ErrInvalidDialAddress)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, netip.MustParseAddrPort(tt.want), got)
		})
	}
}
