package models

import "net/netip"

// ForwardRule - exposes ListenPort on the host and forwards it to ConnectAddr:ConnectPort
// over both tcp and udp
type ForwardRule struct {
	ListenAddr  netip.Addr `json:"listenaddr" yaml:"listenaddr"`
	ListenPort  uint16     `json:"listenport" yaml:"listenport" validate:"required"`
	ConnectAddr netip.Addr `json:"connectaddr" yaml:"connectaddr" validate:"ip"`
	ConnectPort uint16     `json:"connectport" yaml:"connectport" validate:"required"`
	Enable      bool       `json:"enable" yaml:"enable"`
}

// RouteEntry - a network reachable through the virtual interface
type RouteEntry struct {
	Address      netip.Addr `json:"address" yaml:"address" validate:"ip"`
	PrefixLength int        `json:"prefixlength" yaml:"prefixlength" validate:"gte=0,lte=32"`
}

// Network - the entry's network prefix with host bits cleared
func (r RouteEntry) Network() (netip.Prefix, error) {
	return r.Address.Prefix(r.PrefixLength)
}
