// Package pump moves packets between the tun device and the peer tunnels
package pump

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"net/netip"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gravitl/tunlink/logger"
	"github.com/gravitl/tunlink/metrics"
	"github.com/gravitl/tunlink/models"
	"github.com/gravitl/tunlink/tunnel"
)

const (
	headerLen = 4
	maxPacket = 65535
	// emptyReadBackoff - pause after the device returned nothing
	emptyReadBackoff = 10 * time.Millisecond
)

// PacketDevice - the device side, tun.Device satisfies it. Read returns one packet
// behind a 4 byte little-endian length.
type PacketDevice interface {
	Read() []byte
	Write(packet []byte) bool
}

type peer struct {
	conn  *tunnel.Connection
	wmu   sync.Mutex
	addrs map[netip.Addr]struct{}
}

// ConnectionInfo - one registered tunnel
type ConnectionInfo struct {
	MachineName    string   `json:"machine_name"`
	TransactionID  string   `json:"transaction_id"`
	Direction      string   `json:"direction"`
	Mode           string   `json:"mode"`
	RemoteEndpoint string   `json:"remote_endpoint"`
	Label          string   `json:"label"`
	Addresses      []string `json:"addresses"`
}

// Pump - one registered connection per peer, routed by the peers' virtual addresses
type Pump struct {
	dev       PacketDevice
	localName string

	mu     sync.RWMutex
	peers  map[string]*peer
	routes map[netip.Addr]*peer
	wg     sync.WaitGroup
	closed bool
}

// New - returns a pump for dev; localName settles duplicate connections to a peer
func New(dev PacketDevice, localName string) *Pump {
	return &Pump{
		dev:       dev,
		localName: localName,
		peers:     make(map[string]*peer),
		routes:    make(map[netip.Addr]*peer),
	}
}

// Register makes conn the tunnel to its peer. A second connection of the same
// transaction is settled with tunnel.Prefer; a connection of a newer transaction
// replaces the old one, which is closed.
func (p *Pump) Register(conn *tunnel.Connection) {
	name := conn.RemoteMachineName
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		conn.Close()
		return
	}
	var stale *tunnel.Connection
	if old, ok := p.peers[name]; ok {
		if old.conn == conn {
			p.mu.Unlock()
			return
		}
		if old.conn.TransactionID == conn.TransactionID {
			if keep, drop := tunnel.Prefer(old.conn, conn, p.localName); keep == old.conn {
				p.mu.Unlock()
				logger.Log(2, "keeping existing tunnel to", name, "dropping", drop.String())
				drop.Close()
				return
			}
		}
		p.unroute(old)
		stale = old.conn
	}
	pr := &peer{conn: conn, addrs: make(map[netip.Addr]struct{})}
	if conn.RemoteTunAddr.IsValid() {
		p.route(pr, conn.RemoteTunAddr)
	}
	p.peers[name] = pr
	count := len(p.peers)
	p.wg.Add(1)
	p.mu.Unlock()

	if stale != nil {
		logger.Log(1, "replacing tunnel to", name, stale.String())
		stale.Close()
	}
	metrics.ActiveConnections.Set(float64(count))
	metrics.UpdateMetric(name, &models.PeerMetric{
		TransactionID: conn.TransactionID,
		Direction:     conn.Direction.String(),
		Mode:          conn.Mode.String(),
		Connected:     true,
		LastSeen:      time.Now(),
	})
	logger.Log(0, "registered tunnel", conn.String())
	go p.receive(pr)
}

// route - points addr at pr unless another peer owns it, p.mu held
func (p *Pump) route(pr *peer, addr netip.Addr) bool {
	addr = addr.Unmap()
	if owner, ok := p.routes[addr]; ok && owner != pr {
		return false
	}
	p.routes[addr] = pr
	pr.addrs[addr] = struct{}{}
	return true
}

// unroute - drops pr's addresses, p.mu held
func (p *Pump) unroute(pr *peer) {
	for addr := range pr.addrs {
		if p.routes[addr] == pr {
			delete(p.routes, addr)
		}
	}
}

func (p *Pump) learn(pr *peer, src netip.Addr) {
	src = src.Unmap()
	p.mu.RLock()
	owner := p.routes[src]
	p.mu.RUnlock()
	if owner == pr {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.peers[pr.conn.RemoteMachineName] != pr {
		return
	}
	if p.route(pr, src) {
		logger.Log(2, "learned", src.String(), "behind", pr.conn.RemoteMachineName)
	}
}

// Lookup - the peer a virtual address is routed to
func (p *Pump) Lookup(addr netip.Addr) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pr, ok := p.routes[addr.Unmap()]
	if !ok {
		return "", false
	}
	return pr.conn.RemoteMachineName, true
}

// Remove closes and forgets the tunnel to peer
func (p *Pump) Remove(name string) bool {
	p.mu.Lock()
	pr, ok := p.peers[name]
	if ok {
		delete(p.peers, name)
		p.unroute(pr)
	}
	count := len(p.peers)
	p.mu.Unlock()
	if !ok {
		return false
	}
	pr.conn.Close()
	metrics.ActiveConnections.Set(float64(count))
	metrics.SetConnected(name, false)
	return true
}

// drop - forgets pr when it is still the registered peer
func (p *Pump) drop(pr *peer) {
	name := pr.conn.RemoteMachineName
	p.mu.Lock()
	current := p.peers[name] == pr
	if current {
		delete(p.peers, name)
		p.unroute(pr)
	}
	count := len(p.peers)
	p.mu.Unlock()
	pr.conn.Close()
	if current {
		metrics.ActiveConnections.Set(float64(count))
		metrics.SetConnected(name, false)
		logger.Log(0, "tunnel to", name, "closed")
	}
}

// Connections - registered tunnels ordered by peer
func (p *Pump) Connections() []ConnectionInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]ConnectionInfo, 0, len(p.peers))
	for name, pr := range p.peers {
		info := ConnectionInfo{
			MachineName:    name,
			TransactionID:  pr.conn.TransactionID,
			Direction:      pr.conn.Direction.String(),
			Mode:           pr.conn.Mode.String(),
			RemoteEndpoint: pr.conn.RemoteEndpoint.String(),
			Label:          pr.conn.Label,
		}
		for addr := range pr.addrs {
			info.Addresses = append(info.Addresses, addr.String())
		}
		sort.Strings(info.Addresses)
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MachineName < out[j].MachineName })
	return out
}

// receive - frames from the tunnel to the device until the tunnel closes
func (p *Pump) receive(pr *peer) {
	defer p.wg.Done()
	defer p.drop(pr)
	name := pr.conn.RemoteMachineName
	header := make([]byte, headerLen)
	buf := make([]byte, maxPacket)
	for {
		if _, err := io.ReadFull(pr.conn, header); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logger.Log(1, "reading from", name, err.Error())
			}
			return
		}
		n := int(binary.LittleEndian.Uint32(header))
		if n == 0 || n > maxPacket {
			logger.Log(0, "bad frame length", strconv.Itoa(n), "from", name)
			return
		}
		if _, err := io.ReadFull(pr.conn, buf[:n]); err != nil {
			logger.Log(1, "reading from", name, err.Error())
			return
		}
		packet := buf[:n]
		if src, _, err := ParseAddrs(packet); err == nil && src.IsValid() {
			p.learn(pr, src)
		}
		if p.dev.Write(packet) {
			metrics.PacketsTotal.WithLabelValues("rx", "ok").Inc()
			metrics.AddTraffic(name, 0, int64(n))
		} else {
			metrics.PacketsTotal.WithLabelValues("rx", "dropped").Inc()
		}
	}
}

// Run forwards device packets to the tunnel of their destination until ctx ends.
// The device frame, header included, is written to the tunnel as is.
func (p *Pump) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		frame := p.dev.Read()
		if len(frame) <= headerLen {
			select {
			case <-ctx.Done():
			case <-time.After(emptyReadBackoff):
			}
			continue
		}
		_, dst, err := ParseAddrs(frame[headerLen:])
		if err != nil {
			metrics.PacketsTotal.WithLabelValues("tx", "malformed").Inc()
			continue
		}
		p.mu.RLock()
		pr := p.routes[dst]
		p.mu.RUnlock()
		if pr == nil {
			metrics.PacketsTotal.WithLabelValues("tx", "no_route").Inc()
			continue
		}
		p.send(pr, frame)
	}
	return ctx.Err()
}

func (p *Pump) send(pr *peer, frame []byte) {
	pr.wmu.Lock()
	_, err := pr.conn.Write(frame)
	pr.wmu.Unlock()
	if err != nil {
		metrics.PacketsTotal.WithLabelValues("tx", "error").Inc()
		logger.Log(1, "writing to", pr.conn.RemoteMachineName, err.Error())
		p.drop(pr)
		return
	}
	metrics.PacketsTotal.WithLabelValues("tx", "ok").Inc()
	metrics.AddTraffic(pr.conn.RemoteMachineName, int64(len(frame)-headerLen), 0)
}

// Close closes every tunnel and waits for their readers
func (p *Pump) Close() {
	p.mu.Lock()
	p.closed = true
	peers := make([]*peer, 0, len(p.peers))
	for _, pr := range p.peers {
		peers = append(peers, pr)
	}
	p.mu.Unlock()
	for _, pr := range peers {
		pr.conn.Close()
	}
	p.wg.Wait()
}
