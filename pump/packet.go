package pump

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

var errEmptyPacket = errors.New("empty packet")

// ParseAddrs - source and destination of a raw IPv4 or IPv6 packet
func ParseAddrs(packet []byte) (src, dst netip.Addr, err error) {
	if len(packet) == 0 {
		return src, dst, errEmptyPacket
	}
	switch packet[0] >> 4 {
	case 4:
		var ip layers.IPv4
		if err = ip.DecodeFromBytes(packet, gopacket.NilDecodeFeedback); err != nil {
			return src, dst, err
		}
		src, _ = netip.AddrFromSlice(ip.SrcIP.To4())
		dst, _ = netip.AddrFromSlice(ip.DstIP.To4())
	case 6:
		var ip layers.IPv6
		if err = ip.DecodeFromBytes(packet, gopacket.NilDecodeFeedback); err != nil {
			return src, dst, err
		}
		src, _ = netip.AddrFromSlice(ip.SrcIP.To16())
		dst, _ = netip.AddrFromSlice(ip.DstIP.To16())
	default:
		return src, dst, fmt.Errorf("unknown ip version %d", packet[0]>>4)
	}
	return src, dst, nil
}
