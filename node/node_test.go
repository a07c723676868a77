package node

import (
	"context"
	cryptotls "crypto/tls"
	"errors"
	"io"
	"net"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gravitl/tunlink/models"
	"github.com/gravitl/tunlink/mq"
	tlscert "github.com/gravitl/tunlink/tls"
	"github.com/gravitl/tunlink/tun"
	"github.com/gravitl/tunlink/tunnel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// link - signaling between two in process daemons
type link struct {
	mu        sync.Mutex
	name      string
	peer      *link
	handler   mq.Handler
	connected func(*tunnel.Connection)
	closed    bool
}

func linked(a, b string) (*link, *link) {
	la, lb := &link{name: a}, &link{name: b}
	la.peer, lb.peer = lb, la
	return la, lb
}

func (l *link) remote() mq.Handler {
	l.peer.mu.Lock()
	defer l.peer.mu.Unlock()
	return l.peer.handler
}

func (l *link) SendConnectBegin(ctx context.Context, req models.ConnectionRequest) (bool, error) {
	h := l.remote()
	if h == nil {
		return false, nil
	}
	return h.Begin(req.Mirror()) == nil, nil
}

func (l *link) SendConnectFail(ctx context.Context, req models.ConnectionRequest) error {
	if h := l.remote(); h != nil {
		h.Fail(req.Mirror())
	}
	return nil
}

func (l *link) SendConnectSuccess(ctx context.Context, req models.ConnectionRequest) error {
	if h := l.remote(); h != nil {
		h.Success(req.Mirror())
	}
	return nil
}

func (l *link) Connected(conn *tunnel.Connection) {
	l.mu.Lock()
	f := l.connected
	l.mu.Unlock()
	f(conn)
}

func (l *link) Attach(h mq.Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = h
}

func (l *link) OnConnected(f func(*tunnel.Connection)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connected = f
}

func (l *link) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.handler = nil
}

func certificate(t *testing.T) cryptotls.Certificate {
	key, err := tlscert.NewKey()
	require.NoError(t, err)
	cert, err := tlscert.GenerateSelfSigned(key, tlscert.NewCName("node-test"), 1)
	require.NoError(t, err)
	return cryptotls.Certificate{Certificate: [][]byte{cert.Raw}, PrivateKey: key, Leaf: cert}
}

// freePortPair - p and p+1 both free
func freePortPair(t *testing.T) uint16 {
	for i := 0; i < 50; i++ {
		l, err := net.Listen("tcp4", "127.0.0.1:0")
		require.NoError(t, err)
		p := uint16(l.Addr().(*net.TCPAddr).Port)
		l.Close()
		if p == 0xffff {
			continue
		}
		l2, err := net.Listen("tcp4", netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), p+1).String())
		if err != nil {
			continue
		}
		l2.Close()
		return p
	}
	t.Fatal("no free port pair")
	return 0
}

func options(t *testing.T, name string) Options {
	return Options{
		MachineName: name,
		Certificate: certificate(t),
		Port:        freePortPair(t),
		RouteLevel:  1,
		LocalIPs:    []netip.Addr{netip.MustParseAddr("127.0.0.1")},
		Tunnel: tunnel.Config{
			GraceDelay:       20 * time.Millisecond,
			ReverseTimeout:   2 * time.Second,
			HandshakeTimeout: 2 * time.Second,
			AttemptTimeout:   5 * time.Second,
			DisableIPv6:      true,
		},
		APIListen: Disabled,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met")
}

func TestLocalDescriptor(t *testing.T) {
	opts := options(t, "alpha")
	opts.Device = &DeviceOptions{Address: netip.MustParseAddr("10.18.0.1")}
	d, err := LocalDescriptor(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, "alpha", d.MachineName)
	assert.Equal(t, netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), opts.Port), d.Local)
	assert.Equal(t, d.Local, d.Remote)
	assert.Equal(t, netip.MustParseAddr("10.18.0.1"), d.TunAddr)

	opts.MachineName = ""
	_, err = LocalDescriptor(context.Background(), opts)
	assert.Error(t, err)
}

func TestStartRequiresCertificate(t *testing.T) {
	opts := options(t, "alpha")
	opts.Certificate = cryptotls.Certificate{}
	la, _ := linked("alpha", "beta")
	assert.ErrorIs(t, New(opts, la).Start(context.Background()), tunnel.ErrNoCertificate)
}

func TestDaemonsConnect(t *testing.T) {
	la, lb := linked("alpha", "beta")
	alpha := New(options(t, "alpha"), la)
	beta := New(options(t, "beta"), lb)
	require.NoError(t, alpha.Start(context.Background()))
	require.NoError(t, beta.Start(context.Background()))
	defer alpha.Stop()
	defer beta.Stop()
	assert.ErrorIs(t, alpha.Start(context.Background()), ErrAlreadyStarted)

	conn, err := alpha.Connect(context.Background(), beta.Descriptor(), models.Forward)
	require.NoError(t, err)
	assert.Equal(t, "beta", conn.RemoteMachineName)

	require.Len(t, alpha.Connections(), 1)
	assert.Equal(t, "beta", alpha.Connections()[0].MachineName)
	waitFor(t, func() bool { return len(beta.Connections()) == 1 })
	assert.Equal(t, "alpha", beta.Connections()[0].MachineName)

	assert.True(t, alpha.Remove("beta"))
	assert.False(t, alpha.Remove("beta"))
	waitFor(t, func() bool { return len(beta.Connections()) == 0 })
}

func TestStopIsIdempotent(t *testing.T) {
	la, _ := linked("alpha", "beta")
	alpha := New(options(t, "alpha"), la)
	require.NoError(t, alpha.Start(context.Background()))
	alpha.Stop()
	alpha.Stop()
	assert.True(t, la.closed)
	_, err := alpha.Connect(context.Background(), models.PeerDescriptor{}, models.Forward)
	assert.ErrorIs(t, err, ErrNotStarted)
}

// host - records commands, every link exists and no iptables rule does
type host struct {
	mu       sync.Mutex
	commands []string
}

func (h *host) Run(command string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.commands = append(h.commands, command)
	if strings.Contains(command, " -C ") {
		return "", errNoRule
	}
	return "", nil
}

func (h *host) LinkExists(name string) bool { return true }

func (h *host) DefaultInterface() (string, error) { return "eth0", nil }

func (h *host) ran(prefix string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.commands {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

var errNoRule = errors.New("iptables: Bad rule (does a matching rule exist in that chain?)")

type stream struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (s stream) Read(p []byte) (int, error)  { return s.r.Read(p) }
func (s stream) Write(p []byte) (int, error) { return len(p), nil }
func (s stream) Close() error {
	s.w.Close()
	return s.r.Close()
}

func TestDeviceLifecycle(t *testing.T) {
	h := &host{}
	opener := func(name string) (io.ReadWriteCloser, error) {
		r, w := io.Pipe()
		return stream{r: r, w: w}, nil
	}
	opts := options(t, "alpha")
	opts.Device = &DeviceOptions{
		Name:      "tl-test",
		Address:   netip.MustParseAddr("10.18.0.1"),
		Prefix:    24,
		MTU:       1400,
		Nat:       true,
		IPTables:  "iptables",
		SysctlDir: t.TempDir(),
		Routes:    []models.RouteEntry{{Address: netip.MustParseAddr("192.168.40.0"), PrefixLength: 24}},
		Extra:     []tun.Option{tun.WithHost(h), tun.WithOpener(opener)},
	}
	la, _ := linked("alpha", "beta")
	d := New(opts, la)
	require.NoError(t, d.Start(context.Background()))
	assert.True(t, h.ran("ip tuntap add mode tun dev tl-test"))
	assert.True(t, h.ran("ip link set dev tl-test mtu 1400"))
	assert.True(t, h.ran("iptables -t nat -A POSTROUTING"))
	assert.True(t, h.ran("ip route add 192.168.40.0/24 via 10.18.0.1 dev tl-test metric 1"))
	assert.Equal(t, netip.MustParseAddr("10.18.0.1"), d.Descriptor().TunAddr)

	d.Stop()
	assert.True(t, h.ran("ip route del 192.168.40.0/24"))
	assert.True(t, h.ran("ip link del tl-test"))
}
