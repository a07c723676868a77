package tunnel

import (
	"net"
	"net/netip"
	"sync"

	"github.com/gravitl/tunlink/models"
)

// Connection - an established, TLS protected tunnel to one peer
type Connection struct {
	net.Conn
	TransactionID     string
	RemoteMachineName string
	RemoteEndpoint    netip.AddrPort
	RemoteTunAddr     netip.Addr
	TransportName     string
	Direction         models.TunnelDirection
	Mode              models.TunnelMode
	ProtocolType      models.TunnelProtocolType
	Type              models.TunnelType
	Label             string

	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

// NewConnection - wraps conn with the metadata of the attempt that produced it
func NewConnection(conn net.Conn, req models.ConnectionRequest, mode models.TunnelMode) *Connection {
	return &Connection{
		Conn:              conn,
		TransactionID:     req.TransactionID,
		RemoteMachineName: req.Remote.MachineName,
		RemoteEndpoint:    tcpAddrPort(conn.RemoteAddr()),
		RemoteTunAddr:     req.Remote.TunAddr,
		TransportName:     req.TransportName,
		Direction:         req.Direction,
		Mode:              mode,
		ProtocolType:      models.TunnelProtocolTCP,
		Type:              models.TunnelTypeP2P,
		Label:             req.Remote.MachineName + "/" + req.TransactionID,
		done:              make(chan struct{}),
	}
}

// Close - closes the underlying stream once, later calls return the first result
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.Conn.Close()
		close(c.done)
	})
	return c.closeErr
}

// Done - closed once Close was called
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Prefer settles two connections to the same peer: the one dialed by the machine
// whose name sorts first is kept, so both ends keep the same stream.
func Prefer(a, b *Connection, localName string) (keep, drop *Connection) {
	if dialer(b, localName) < dialer(a, localName) {
		return b, a
	}
	return a, b
}

func dialer(c *Connection, localName string) string {
	if c.Mode == models.Client {
		return localName
	}
	return c.RemoteMachineName
}

func (c *Connection) String() string {
	return c.Mode.String() + " " + c.Label + " via " + c.RemoteEndpoint.String()
}
