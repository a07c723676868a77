package tunnel

import (
	"net/netip"

	"github.com/gravitl/tunlink/models"
)

// BuildCandidates returns the endpoints to try towards remote, in attempt order:
// LAN IPv4, then the WAN address, then LAN IPv6. Each LAN address is tried on the
// peer's local port, its WAN port and WAN port+1; the WAN address on its port and
// port+1. The peer's own bind address is skipped, duplicates are dropped and IPv6
// endpoints are omitted entirely when ipv6 is false.
func BuildCandidates(remote models.PeerDescriptor, ipv6 bool) []netip.AddrPort {
	self := remote.Local.Addr().Unmap()
	wan := remote.Remote.Addr().Unmap()
	wanPorts := nextPorts(remote.Remote.Port())
	lanPorts := append([]uint16{remote.Local.Port()}, wanPorts...)

	var v4, v6 []netip.Addr
	for _, ip := range remote.LocalIPs {
		ip = ip.Unmap()
		if !ip.IsValid() || ip == self {
			continue
		}
		if ip.Is4() {
			v4 = append(v4, ip)
		} else {
			v6 = append(v6, ip)
		}
	}

	seen := make(map[netip.AddrPort]struct{})
	candidates := make([]netip.AddrPort, 0, 3*len(remote.LocalIPs)+2)
	add := func(ip netip.Addr, ports []uint16) {
		if !ip.IsValid() || (ip.Is6() && !ipv6) {
			return
		}
		for _, port := range ports {
			if port == 0 {
				continue
			}
			ep := netip.AddrPortFrom(ip, port)
			if _, ok := seen[ep]; ok {
				continue
			}
			seen[ep] = struct{}{}
			candidates = append(candidates, ep)
		}
	}
	for _, ip := range v4 {
		add(ip, lanPorts)
	}
	add(wan, wanPorts)
	for _, ip := range v6 {
		add(ip, lanPorts)
	}
	return candidates
}

// nextPorts - base and base+1, the second is dropped when it would overflow
func nextPorts(base uint16) []uint16 {
	if base == 0 {
		return nil
	}
	if base == 0xffff {
		return []uint16{base}
	}
	return []uint16{base, base + 1}
}
