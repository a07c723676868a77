// Package node wires the device, tunnel transport, signaling and packet pump into
// one daemon
package node

import (
	"context"
	cryptotls "crypto/tls"
	"errors"
	"fmt"
	"net/netip"
	"sync"

	controller "github.com/gravitl/tunlink/controllers"
	"github.com/gravitl/tunlink/logger"
	"github.com/gravitl/tunlink/models"
	"github.com/gravitl/tunlink/mq"
	"github.com/gravitl/tunlink/ncutils"
	"github.com/gravitl/tunlink/pump"
	"github.com/gravitl/tunlink/stun"
	"github.com/gravitl/tunlink/sysctl"
	"github.com/gravitl/tunlink/tun"
	"github.com/gravitl/tunlink/tunnel"
	"golang.org/x/time/rate"
)

// Disabled - setting value that turns off the HTTP API or persistent sysctl settings
const Disabled = "off"

var (
	// ErrNotStarted - the daemon is not running
	ErrNotStarted = errors.New("daemon not started")
	// ErrAlreadyStarted - Start was called twice
	ErrAlreadyStarted = errors.New("daemon already started")
)

// Signaling - the peer signaling channel, *mq.Signaler satisfies it
type Signaling interface {
	tunnel.Port
	Attach(h mq.Handler)
	OnConnected(f func(*tunnel.Connection))
	Close()
}

// DeviceOptions - virtual interface settings
type DeviceOptions struct {
	Name      string
	Address   netip.Addr
	Prefix    int
	MTU       int
	Nat       bool
	IPTables  string
	SysctlDir string
	Routes    []models.RouteEntry
	Forwards  []models.ForwardRule
	// Extra - passed to tun.New after the settings above
	Extra []tun.Option
}

// Options - resolved daemon settings
type Options struct {
	MachineName string
	Certificate cryptotls.Certificate
	Port        uint16
	RouteLevel  int
	// LocalIPs - addresses advertised to peers, detected when nil
	LocalIPs   []netip.Addr
	StunServer string
	StunListen string
	Tunnel     tunnel.Config
	BeginRate  float64
	BeginBurst int
	APIListen  string
	// Device - nil runs without a virtual interface
	Device *DeviceOptions
}

// Daemon - one running node
type Daemon struct {
	opts Options
	sig  Signaling

	mu         sync.Mutex
	started    bool
	stopped    bool
	descriptor models.PeerDescriptor
	dev        *tun.Device
	transport  *tunnel.Transport
	pump       *pump.Pump
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// New - returns a daemon signaling through sig
func New(opts Options, sig Signaling) *Daemon {
	return &Daemon{opts: opts, sig: sig}
}

// LocalDescriptor - what this node publishes about itself. The WAN endpoint comes from
// STUN when a server is configured, otherwise the local bind endpoint is used.
func LocalDescriptor(ctx context.Context, opts Options) (models.PeerDescriptor, error) {
	ips := opts.LocalIPs
	if ips == nil {
		var err error
		if ips, err = ncutils.GetLocalIPs(); err != nil {
			return models.PeerDescriptor{}, fmt.Errorf("local addresses: %w", err)
		}
	}
	bind := netip.IPv4Unspecified()
	for _, ip := range ips {
		if ip.Is4() {
			bind = ip
			break
		}
	}
	d := models.PeerDescriptor{
		MachineName: opts.MachineName,
		Local:       netip.AddrPortFrom(bind, opts.Port),
		LocalIPs:    ips,
		RouteLevel:  opts.RouteLevel,
	}
	d.Remote = d.Local
	if opts.StunServer != "" {
		info, err := stun.GetHostInfo(ctx, opts.StunServer, opts.Port)
		if err != nil {
			logger.Log(0, "WAN discovery through", opts.StunServer, "failed:", err.Error())
		} else {
			d.Remote = info.Public
		}
	}
	if opts.Device != nil {
		d.TunAddr = opts.Device.Address
	}
	return d, d.Validate()
}

// Start brings the node up: device, transport, signaling, pump, then the STUN
// responder and the HTTP API. A failed step undoes the earlier ones.
func (d *Daemon) Start(ctx context.Context) (err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return ErrAlreadyStarted
	}
	if len(d.opts.Certificate.Certificate) == 0 {
		return tunnel.ErrNoCertificate
	}
	desc, err := LocalDescriptor(ctx, d.opts)
	if err != nil {
		return fmt.Errorf("local descriptor: %w", err)
	}
	d.descriptor = desc
	defer func() {
		if err != nil {
			d.teardown()
		}
	}()

	var dev pump.PacketDevice = nullDevice{}
	if d.opts.Device != nil {
		if d.dev, err = d.setupDevice(*d.opts.Device); err != nil {
			return err
		}
		dev = d.dev
	}

	var port tunnel.Port = d.sig
	if d.opts.BeginRate > 0 {
		port = tunnel.LimitBegin(d.sig, rate.Limit(d.opts.BeginRate), d.opts.BeginBurst)
	}
	d.transport = tunnel.New(d.opts.Tunnel, d.opts.Certificate, port)
	d.pump = pump.New(dev, d.opts.MachineName)
	d.sig.OnConnected(d.pump.Register)
	d.sig.Attach(mq.TransportHandler{Transport: d.transport})

	runCtx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	if d.dev != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.pump.Run(runCtx)
		}()
	}
	if d.opts.StunListen != "" {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			srv := &stun.Server{Addr: d.opts.StunListen}
			if err := srv.ListenAndServe(runCtx); err != nil {
				logger.Log(0, "STUN server failed:", err.Error())
			}
		}()
	}
	if d.opts.APIListen != "" && d.opts.APIListen != Disabled {
		d.wg.Add(1)
		go controller.HandleRESTRequests(runCtx, &d.wg, d.opts.APIListen, d)
	}
	d.started = true
	logger.Log(0, "node", desc.MachineName, "started on", desc.Local.String(), "wan", desc.Remote.String())
	return nil
}

func (d *Daemon) setupDevice(o DeviceOptions) (*tun.Device, error) {
	opts := append([]tun.Option{tun.WithIPTables(o.IPTables)}, o.Extra...)
	dev := tun.New(o.Name, opts...)
	if err := dev.Setup(o.Address, netip.Addr{}, o.Prefix); err != nil {
		return nil, fmt.Errorf("device setup: %w", err)
	}
	if o.MTU > 0 {
		dev.SetMtu(o.MTU)
	}
	if o.Nat {
		if err := dev.SetNat(); err != nil {
			logger.Log(0, "NAT rules incomplete:", err.Error())
		}
		if o.SysctlDir != "" && o.SysctlDir != Disabled {
			if err := sysctl.SetIPForwarding(o.SysctlDir); err != nil {
				logger.Log(1, "could not persist ip forwarding:", err.Error())
			}
		}
	}
	if len(o.Routes) > 0 {
		if err := dev.AddRoute(o.Routes, netip.Addr{}); err != nil {
			logger.Log(0, "routes incomplete:", err.Error())
		}
	}
	if len(o.Forwards) > 0 {
		if err := dev.AddForward(o.Forwards); err != nil {
			logger.Log(0, "forwards incomplete:", err.Error())
		}
	}
	return dev, nil
}

// Descriptor - the descriptor published to peers
func (d *Daemon) Descriptor() models.PeerDescriptor {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.descriptor.Clone()
}

// Connect opens a tunnel to remote and registers it with the pump
func (d *Daemon) Connect(ctx context.Context, remote models.PeerDescriptor, direction models.TunnelDirection) (*tunnel.Connection, error) {
	d.mu.Lock()
	if !d.started || d.stopped {
		d.mu.Unlock()
		return nil, ErrNotStarted
	}
	transport, p := d.transport, d.pump
	req := models.ConnectionRequest{
		TransactionID: models.NewTransactionID(),
		TransportName: tunnel.TransportName,
		Direction:     direction,
		Local:         d.descriptor.Clone(),
		Remote:        remote.Clone(),
	}
	d.mu.Unlock()
	conn, err := transport.Connect(ctx, req)
	if err != nil {
		return nil, err
	}
	p.Register(conn)
	return conn, nil
}

// Connections - the registered tunnels
func (d *Daemon) Connections() []pump.ConnectionInfo {
	d.mu.Lock()
	p := d.pump
	d.mu.Unlock()
	if p == nil {
		return nil
	}
	return p.Connections()
}

// Remove - closes the tunnel to the named peer
func (d *Daemon) Remove(name string) bool {
	d.mu.Lock()
	p := d.pump
	d.mu.Unlock()
	return p != nil && p.Remove(name)
}

// Stop shuts the node down in reverse start order; later calls do nothing
func (d *Daemon) Stop() {
	d.mu.Lock()
	if !d.started || d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	d.mu.Unlock()
	d.teardown()
	logger.Log(0, "node", d.opts.MachineName, "stopped")
}

// teardown - releases whatever Start set up
func (d *Daemon) teardown() {
	if d.cancel != nil {
		d.cancel()
	}
	if d.sig != nil {
		d.sig.Close()
	}
	if d.transport != nil {
		d.transport.Close()
	}
	if d.pump != nil {
		d.pump.Close()
	}
	d.wg.Wait()
	if d.dev != nil {
		o := d.opts.Device
		if err := d.dev.RemoveForward(o.Forwards); err != nil {
			logger.Log(1, "removing forwards:", err.Error())
		}
		if err := d.dev.DelRoute(o.Routes); err != nil {
			logger.Log(1, "removing routes:", err.Error())
		}
		if o.Nat {
			if err := d.dev.RemoveNat(); err != nil {
				logger.Log(1, "removing NAT rules:", err.Error())
			}
			if o.SysctlDir != "" && o.SysctlDir != Disabled {
				if err := sysctl.ClearIPForwarding(o.SysctlDir); err != nil {
					logger.Log(1, "could not clear ip forwarding:", err.Error())
				}
			}
		}
		d.dev.Shutdown()
	}
}

// Run starts the daemon and blocks until ctx ends
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	d.Stop()
	return nil
}

// nullDevice - stands in for the tun device when none is configured
type nullDevice struct{}

func (nullDevice) Read() []byte { return nil }

func (nullDevice) Write([]byte) bool { return false }
