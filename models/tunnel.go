package models

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"strings"

	"github.com/google/uuid"
)

// TunnelDirection - which side dials first
type TunnelDirection int

const (
	// Forward - this side actively dials
	Forward TunnelDirection = iota
	// Reverse - this side listens and waits to be dialed
	Reverse
	// Symmetric - both sides race towards each other, no designated initiator
	Symmetric
)

var directionNames = map[TunnelDirection]string{
	Forward:   "forward",
	Reverse:   "reverse",
	Symmetric: "symmetric",
}

func (d TunnelDirection) String() string {
	if name, ok := directionNames[d]; ok {
		return name
	}
	return fmt.Sprintf("direction(%d)", int(d))
}

// MarshalJSON - directions travel as their lower case names
func (d TunnelDirection) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON - accepts names or the numeric form
func (d *TunnelDirection) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		var n int
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("invalid tunnel direction %s", data)
		}
		name = TunnelDirection(n).String()
	}
	for dir, dirName := range directionNames {
		if strings.EqualFold(name, dirName) {
			*d = dir
			return nil
		}
	}
	return fmt.Errorf("unknown tunnel direction %q", name)
}

// TunnelMode - which side of the TLS handshake a connection played
type TunnelMode int

const (
	// Client - performed the TLS handshake as client (did the raw connect)
	Client TunnelMode = iota
	// Server - performed the TLS handshake as server (accepted the raw socket)
	Server
)

func (m TunnelMode) String() string {
	if m == Server {
		return "server"
	}
	return "client"
}

// TunnelProtocolType - transport protocol below TLS
type TunnelProtocolType string

// TunnelType - how the tunnel was established
type TunnelType string

const (
	// TunnelProtocolTCP - tcp transport
	TunnelProtocolTCP TunnelProtocolType = "tcp"
	// TunnelTypeP2P - direct, non relayed tunnel
	TunnelTypeP2P TunnelType = "p2p"
)

// PeerDescriptor - connection metadata one peer publishes about itself through signaling
type PeerDescriptor struct {
	MachineName string `json:"machinename" validate:"required,max=64"`
	// Local - the bind endpoint every socket of an attempt shares
	Local netip.AddrPort `json:"local" validate:"addrport"`
	// Remote - the WAN endpoint as observed from outside; Remote.Port()+1 is implicitly reserved
	Remote     netip.AddrPort `json:"remote" validate:"addrport"`
	LocalIPs   []netip.Addr   `json:"localips"`
	RouteLevel int            `json:"routelevel" validate:"gte=1,lte=255"`
	// TunAddr - optional virtual LAN address of the peer
	TunAddr netip.Addr `json:"tunaddr,omitempty"`
}

// ConnectionRequest - a single attempt between two peers, always from the point of
// view of the side holding it: Local is this node, Remote is the peer
type ConnectionRequest struct {
	TransactionID string          `json:"transactionid" validate:"required,max=64"`
	TransportName string          `json:"transportname" validate:"required"`
	Direction     TunnelDirection `json:"direction"`
	Local         PeerDescriptor  `json:"local"`
	Remote        PeerDescriptor  `json:"remote"`
}

// NewTransactionID - returns a fresh attempt id
func NewTransactionID() string {
	return uuid.NewString()
}

// Mirror - returns the request as the peer sees it: endpoints swapped, same transaction
func (r ConnectionRequest) Mirror() ConnectionRequest {
	m := r.Clone()
	m.Local, m.Remote = m.Remote, m.Local
	return m
}

// Clone - deep copies the request so a bound attempt does not share slices with the caller
func (r ConnectionRequest) Clone() ConnectionRequest {
	c := r
	c.Local = r.Local.Clone()
	c.Remote = r.Remote.Clone()
	return c
}

// Clone - copy of the descriptor with its own LocalIPs
func (d PeerDescriptor) Clone() PeerDescriptor {
	d.LocalIPs = append([]netip.Addr(nil), d.LocalIPs...)
	return d
}

// String - short form used in logs
func (r ConnectionRequest) String() string {
	return fmt.Sprintf("%s %s->%s (%s)", r.Direction, r.Local.MachineName, r.Remote.MachineName, r.TransactionID)
}
