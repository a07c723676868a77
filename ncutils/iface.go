package ncutils

import (
	"net"
	"net/netip"
)

// GetLocalIPs - returns the unicast addresses of every up, non-loopback interface,
// IPv4 first
func GetLocalIPs() ([]netip.Addr, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var v4, v6 []netip.Addr
	for _, i := range ifaces {
		if i.Flags&net.FlagUp == 0 || i.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := i.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			addr, ok := netip.AddrFromSlice(ipnet.IP)
			if !ok {
				continue
			}
			addr = addr.Unmap()
			if addr.IsLinkLocalUnicast() || addr.IsMulticast() {
				continue
			}
			if addr.Is4() {
				v4 = append(v4, addr)
			} else {
				v6 = append(v6, addr)
			}
		}
	}
	return append(v4, v6...), nil
}

// IPv6Supported - true when the host has a global IPv6 address
func IPv6Supported() bool {
	addrs, err := GetLocalIPs()
	if err != nil {
		return false
	}
	for _, addr := range addrs {
		if addr.Is6() && addr.IsGlobalUnicast() && !addr.IsPrivate() {
			return true
		}
	}
	return false
}
