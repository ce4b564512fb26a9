package bt

import (
	"fmt"
	"net"
)

// parseBDAddr converts "AA:BB:CC:DD:EE:FF" into the little-endian byte order
// the kernel expects in sockaddr_rc.
func parseBDAddr(s string) ([6]uint8, error) {
	var out [6]uint8
	hw, err := net.ParseMAC(s)
	if err != nil || len(hw) != 6 {
		return out, fmt.Errorf("bt: bad address %q", s)
	}
	for i := 0; i < 6; i++ {
		out[i] = hw[5-i]
	}
	return out, nil
}
