package tunnel

import (
	"net"
	"net/netip"
)

// network - tcp4 or tcp6 matching the endpoint family
func network(ep netip.AddrPort) string {
	if ep.Addr().Unmap().Is4() {
		return "tcp4"
	}
	return "tcp6"
}

// localBind - the wildcard address of ep's family on the attempt's fixed port
func localBind(ep netip.AddrPort, port uint16) *net.TCPAddr {
	if ep.Addr().Unmap().Is4() {
		return &net.TCPAddr{IP: net.IPv4zero, Port: int(port)}
	}
	return &net.TCPAddr{IP: net.IPv6unspecified, Port: int(port)}
}

func tcpAddrPort(addr net.Addr) netip.AddrPort {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		ap := tcp.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	}
	ap, _ := netip.ParseAddrPort(addr.String())
	return ap
}
