//go:build linux

package ncutils

import (
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// ReuseControl - returns a dialer/listener control func that lets every socket of an
// attempt share one local port and, when ttl > 0, caps the hop limit of outgoing packets
func ReuseControl(ttl int) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		var opErr error
		err := c.Control(func(fd uintptr) {
			s := int(fd)
			if opErr = unix.SetsockoptInt(s, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); opErr != nil {
				return
			}
			if opErr = unix.SetsockoptInt(s, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); opErr != nil {
				return
			}
			if ttl <= 0 {
				return
			}
			if strings.HasSuffix(network, "6") {
				opErr = unix.SetsockoptInt(s, unix.IPPROTO_IPV6, unix.IPV6_UNICAST_HOPS, ttl)
				return
			}
			opErr = unix.SetsockoptInt(s, unix.IPPROTO_IP, unix.IP_TTL, ttl)
		})
		if err != nil {
			return err
		}
		return opErr
	}
}
