//go:build !linux

package tun

import "strings"

// LinkExists - searches the ip tool's link listing
func (h SystemHost) LinkExists(name string) bool {
	out, err := h.Run("ip link show " + name)
	return err == nil && strings.Contains(out, name)
}

// DefaultInterface - parsed from the ip tool
func (h SystemHost) DefaultInterface() (string, error) {
	return commandDefaultInterface(h)
}
