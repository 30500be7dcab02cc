package modem

import (
	"errors"
	"fmt"
	"net/netip"
	"regexp"
	"strconv"
	"strings"
)

// DefaultDialPort is used when a dial string carries no #port suffix.
const DefaultDialPort = 10023

var ErrInvalidDialAddress = errors.New("invalid dial address")

// dialPattern matches "a-b-c-d" with an optional "#port". Trailing
// characters after the match are ignored.
var dialPattern = regexp.MustCompile(`^(\d+)-(\d+)-(\d+)-(\d+)(?:#(\d+))?`)

// ParseDialAddress parses a dial string such as "192-168-1-10#2323" into
// an IPv4 address and port.
func ParseDialAddress(s string) (netip.AddrPort, error) {
	m := dialPattern.FindStringSubmatch(s)
	if m == nil {
		return netip.AddrPort{}, fmt.Errorf("%w: %q", ErrInvalidDialAddress, s)
	}
	if strings.Contains(s, "#") && m[5] == "" {
		return netip.AddrPort{}, fmt.Errorf("%w: %q: missing port after '#'", ErrInvalidDialAddress, s)
	}

	var octets [4]byte
	for i := range octets {
		v, err := strconv.ParseUint(m[i+1], 10, 8)
		if err != nil {
			return netip.AddrPort{}, fmt.Errorf("%w: %q: octet %d out of range", ErrInvalidDialAddress, s, i+1)
		}
		octets[i] = byte(v)
	}

	port := uint64(DefaultDialPort)
	if m[5] != "" {
		p, err := strconv.ParseUint(m[5], 10, 16)
		if err != nil || p == 0 {
			return netip.AddrPort{}, fmt.Errorf("%w: %q: port out of range", ErrInvalidDialAddress, s)
		}
		port = p
	}
	return netip.AddrPortFrom(netip.AddrFrom4(octets), uint16(port)), nil
}
