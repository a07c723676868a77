//go:build linux

package tun

import (
	"github.com/gravitl/tunlink/logger"
	"github.com/vishvananda/netlink"
)

// LinkExists - looks the link up over netlink
func (h SystemHost) LinkExists(name string) bool {
	_, err := netlink.LinkByName(name)
	return err == nil
}

// DefaultInterface - the link of the first IPv4 default route, falling back to the ip tool
func (h SystemHost) DefaultInterface() (string, error) {
	routes, err := netlink.RouteList(nil, netlink.FAMILY_V4)
	if err != nil {
		logger.Log(2, "netlink route list failed, using ip tool:", err.Error())
		return commandDefaultInterface(h)
	}
	for _, route := range routes {
		if route.Dst != nil || route.LinkIndex == 0 {
			continue
		}
		link, err := netlink.LinkByIndex(route.LinkIndex)
		if err != nil {
			continue
		}
		return link.Attrs().Name, nil
	}
	return commandDefaultInterface(h)
}
