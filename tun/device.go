// Package tun manages the virtual network interface that carries the virtual LAN
package tun

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"

	"github.com/c-robinson/iplib"
	"github.com/gravitl/tunlink/logger"
)

// DefaultName - interface name used when none is configured
const DefaultName = "tunlink0"

// DefaultIPTables - the rule tool the NAT and forward rules are written for
const DefaultIPTables = "iptables-legacy"

// readBufferSize - length prefix plus the largest IP packet
const readBufferSize = 4 + 65535

var (
	// ErrAlreadyExists - Setup on a running device
	ErrAlreadyExists = errors.New("adapter already exists")
	// ErrNotRunning - the operation needs a running device
	ErrNotRunning = errors.New("adapter not running")
)

// State - lifecycle of the device
type State int

const (
	NotCreated State = iota
	Created
	Running
	Destroyed
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Running:
		return "running"
	case Destroyed:
		return "destroyed"
	default:
		return "not created"
	}
}

// Opener - attaches to the named interface and returns its packet stream
type Opener func(name string) (io.ReadWriteCloser, error)

// Device - a Linux tun interface configured through host commands
type Device struct {
	name     string
	host     Host
	open     Opener
	iptables string

	mu      sync.Mutex
	state   State
	file    io.ReadWriteCloser
	address netip.Addr
	prefix  int
	network netip.Prefix
	egress  string

	wmu     sync.Mutex
	readBuf []byte
}

// Option - configures a Device
type Option func(*Device)

// WithHost - replaces the command backend
func WithHost(h Host) Option {
	return func(d *Device) { d.host = h }
}

// WithOpener - replaces how the packet stream is opened
func WithOpener(o Opener) Option {
	return func(d *Device) { d.open = o }
}

// WithIPTables - rule tool binary, e.g. iptables or iptables-legacy
func WithIPTables(bin string) Option {
	return func(d *Device) {
		if bin != "" {
			d.iptables = bin
		}
	}
}

// New - returns a device for the named interface, nothing is created yet
func New(name string, opts ...Option) *Device {
	if name == "" {
		name = DefaultName
	}
	d := &Device{
		name:     name,
		host:     SystemHost{PrintErr: true},
		open:     openTun,
		iptables: DefaultIPTables,
		readBuf:  make([]byte, readBufferSize),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Name - interface name
func (d *Device) Name() string {
	return d.name
}

// State - current lifecycle state
func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Address - assigned address and the derived network
func (d *Device) Address() (netip.Addr, netip.Prefix) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.address, d.network
}

// Egress - default route interface recorded at Setup
func (d *Device) Egress() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.egress
}

// LinkLocal - fe80::1818:1818:1818:1818 with the last four bytes replaced by address
func LinkLocal(address netip.Addr) netip.Addr {
	b := netip.MustParseAddr("fe80::1818:1818:1818:1818").As16()
	v4 := address.Unmap().As4()
	copy(b[12:], v4[:])
	return netip.AddrFrom16(b)
}

// networkOf - the network address of address/prefix
func networkOf(address netip.Addr, prefix int) netip.Prefix {
	n := iplib.NewNet4(net.IP(address.AsSlice()), prefix)
	ip, _ := netip.AddrFromSlice(n.IP().To4())
	return netip.PrefixFrom(ip, prefix)
}

// Setup creates the interface, assigns address/prefix and the derived link-local
// address, brings it up and opens the packet stream. On failure every partial step
// is undone. gateway is recorded for the caller, the tun link has no next hop.
func (d *Device) Setup(address, gateway netip.Addr, prefix int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == Running {
		return ErrAlreadyExists
	}
	address = address.Unmap()
	if !address.Is4() {
		return fmt.Errorf("tun address %s is not IPv4", address)
	}
	if prefix < 0 || prefix > 32 {
		return fmt.Errorf("invalid prefix length %d", prefix)
	}

	// an existing interface is fine, the check below decides
	if _, err := d.host.Run("ip tuntap add mode tun dev " + d.name); err != nil {
		logger.Log(2, "tuntap add", d.name, err.Error())
	}
	if !d.host.LinkExists(d.name) {
		return fmt.Errorf("interface %s was not created", d.name)
	}
	d.state = Created

	if _, err := d.host.Run(fmt.Sprintf("ip addr add %s/%d dev %s", address, prefix, d.name)); err != nil {
		d.teardown()
		return fmt.Errorf("assign %s/%d to %s: %w", address, prefix, d.name, err)
	}
	linkLocal := LinkLocal(address)
	if _, err := d.host.Run(fmt.Sprintf("ip addr add %s/64 dev %s", linkLocal, d.name)); err != nil {
		logger.Log(1, "could not assign", linkLocal.String(), "to", d.name, err.Error())
	}
	if _, err := d.host.Run("ip link set dev " + d.name + " up"); err != nil {
		d.teardown()
		return fmt.Errorf("bring up %s: %w", d.name, err)
	}
	file, err := d.open(d.name)
	if err != nil {
		d.teardown()
		return fmt.Errorf("open %s: %w", d.name, err)
	}
	egress, err := d.host.DefaultInterface()
	if err != nil {
		logger.Log(1, "no default route interface, NAT rules unavailable:", err.Error())
	}

	d.file = file
	d.address = address
	d.prefix = prefix
	d.network = networkOf(address, prefix)
	d.egress = egress
	d.state = Running
	logger.Log(0, "tun", d.name, "up with", d.network.String(), "gateway", gateway.String(), "egress", egress)
	return nil
}

// Shutdown closes the packet stream and removes the interface. Calling it on a
// device that is not running is a no-op.
func (d *Device) Shutdown() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != Running && d.state != Created {
		return
	}
	if d.file != nil {
		if err := d.file.Close(); err != nil {
			logger.Log(3, "closing", d.name, err.Error())
		}
		d.file = nil
	}
	d.teardown()
	logger.Log(0, "tun", d.name, "removed")
}

// teardown - removes the interface, d.mu held
func (d *Device) teardown() {
	d.host.Run("ip link del " + d.name)
	d.host.Run("ip tuntap del mode tun dev " + d.name)
	d.state = Destroyed
}

func (d *Device) stream() io.ReadWriteCloser {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.file
}

// Read blocks for one packet and returns it behind a 4 byte little-endian length.
// The slice aliases an internal buffer valid until the next Read, which only one
// goroutine may call. Errors return an empty slice.
func (d *Device) Read() []byte {
	f := d.stream()
	if f == nil {
		return nil
	}
	n, err := f.Read(d.readBuf[4:])
	if err != nil || n <= 0 {
		if err != nil {
			logger.Log(4, "tun read", err.Error())
		}
		return nil
	}
	binary.LittleEndian.PutUint32(d.readBuf[:4], uint32(n))
	return d.readBuf[:4+n]
}

// Write writes one raw packet, safe for concurrent callers. Failures are logged.
func (d *Device) Write(packet []byte) bool {
	f := d.stream()
	if f == nil {
		return false
	}
	d.wmu.Lock()
	defer d.wmu.Unlock()
	if _, err := f.Write(packet); err != nil {
		logger.Log(3, "tun write", err.Error())
		return false
	}
	return true
}

// SetMtu - sets the interface MTU, failures are only logged
func (d *Device) SetMtu(mtu int) {
	if _, err := d.host.Run(fmt.Sprintf("ip link set dev %s mtu %d", d.name, mtu)); err != nil {
		logger.Log(1, "could not set mtu of", d.name, "to", fmt.Sprint(mtu), err.Error())
	}
}
