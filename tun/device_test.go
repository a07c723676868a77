package tun

import (
	"encoding/binary"
	"errors"
	"io"
	"net/netip"
	"strings"
	"testing"

	"github.com/gravitl/tunlink/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	tunAddr = netip.MustParseAddr("10.18.3.7")
	tunGw   = netip.MustParseAddr("10.18.3.1")
)

func newTestDevice(t *testing.T, host *fakeHost, stream io.ReadWriteCloser) *Device {
	t.Helper()
	return New("tl0", WithHost(host), WithIPTables("iptables"), WithOpener(func(name string) (io.ReadWriteCloser, error) {
		return stream, nil
	}))
}

func TestSetup(t *testing.T) {
	host := newFakeHost()
	a, _ := streamPair()
	d := newTestDevice(t, host, a)
	require.NoError(t, d.Setup(tunAddr, tunGw, 24))
	assert.Equal(t, Running, d.State())
	assert.Equal(t, []string{
		"ip tuntap add mode tun dev tl0",
		"ip addr add 10.18.3.7/24 dev tl0",
		"ip addr add fe80::1818:1818:a12:307/64 dev tl0",
		"ip link set dev tl0 up",
	}, host.history())
	addr, network := d.Address()
	assert.Equal(t, tunAddr, addr)
	assert.Equal(t, "10.18.3.0/24", network.String())
	assert.Equal(t, "eth0", d.Egress())
}

func TestSetupTwice(t *testing.T) {
	host := newFakeHost()
	a, _ := streamPair()
	d := newTestDevice(t, host, a)
	require.NoError(t, d.Setup(tunAddr, tunGw, 24))
	before := len(host.history())
	err := d.Setup(tunAddr, tunGw, 24)
	assert.ErrorIs(t, err, ErrAlreadyExists)
	assert.Len(t, host.history(), before, "no host side effects on the failed call")
}

func TestSetupFailures(t *testing.T) {
	t.Run("interface never appears", func(t *testing.T) {
		host := newFakeHost()
		host.fail["ip tuntap add"] = true
		d := newTestDevice(t, host, nil)
		assert.Error(t, d.Setup(tunAddr, tunGw, 24))
		assert.Equal(t, NotCreated, d.State())
	})
	t.Run("address rejected tears down", func(t *testing.T) {
		host := newFakeHost()
		host.fail["ip addr add 10.18.3.7"] = true
		d := newTestDevice(t, host, nil)
		assert.Error(t, d.Setup(tunAddr, tunGw, 24))
		assert.Equal(t, Destroyed, d.State())
		assert.False(t, host.LinkExists("tl0"))
	})
	t.Run("open failure closes nothing and removes the link", func(t *testing.T) {
		host := newFakeHost()
		d := New("tl0", WithHost(host), WithOpener(func(string) (io.ReadWriteCloser, error) {
			return nil, errors.New("no such device")
		}))
		assert.Error(t, d.Setup(tunAddr, tunGw, 24))
		assert.False(t, host.LinkExists("tl0"))
		assert.Nil(t, d.Read())
		assert.False(t, d.Write([]byte{1}))
	})
	t.Run("link local failure is tolerated", func(t *testing.T) {
		host := newFakeHost()
		host.fail["ip addr add fe80"] = true
		a, _ := streamPair()
		d := newTestDevice(t, host, a)
		assert.NoError(t, d.Setup(tunAddr, tunGw, 24))
	})
	t.Run("ipv6 address rejected", func(t *testing.T) {
		d := newTestDevice(t, newFakeHost(), nil)
		assert.Error(t, d.Setup(netip.MustParseAddr("fd00::1"), tunGw, 64))
	})
}

func TestShutdown(t *testing.T) {
	host := newFakeHost()
	a, _ := streamPair()
	d := newTestDevice(t, host, a)
	d.Shutdown() // not running, no-op
	assert.Empty(t, host.history())

	require.NoError(t, d.Setup(tunAddr, tunGw, 24))
	d.Shutdown()
	assert.True(t, a.closed)
	assert.Equal(t, Destroyed, d.State())
	h := host.history()
	assert.Equal(t, []string{"ip link del tl0", "ip tuntap del mode tun dev tl0"}, h[len(h)-2:])
	n := len(h)
	d.Shutdown()
	assert.Len(t, host.history(), n)

	// a destroyed device can be set up again
	b, _ := streamPair()
	d.open = func(string) (io.ReadWriteCloser, error) { return b, nil }
	assert.NoError(t, d.Setup(tunAddr, tunGw, 24))
}

func TestReadWriteRoundTrip(t *testing.T) {
	a, b := streamPair()
	left := newTestDevice(t, newFakeHost(), a)
	right := newTestDevice(t, newFakeHost(), b)
	require.NoError(t, left.Setup(tunAddr, tunGw, 24))
	require.NoError(t, right.Setup(netip.MustParseAddr("10.18.3.8"), tunGw, 24))

	for _, packet := range [][]byte{
		{0x45, 0x00, 0x00, 0x14, 1, 2, 3, 4},
		[]byte(strings.Repeat("x", 1400)),
		{0x60, 0, 0, 0},
	} {
		done := make(chan bool, 1)
		go func(p []byte) { done <- left.Write(p) }(packet)
		got := right.Read()
		require.True(t, <-done)
		require.Len(t, got, 4+len(packet))
		assert.Equal(t, uint32(len(packet)), binary.LittleEndian.Uint32(got[:4]))
		assert.Equal(t, packet, got[4:])
	}

	right.Shutdown()
	assert.Empty(t, right.Read())
	assert.False(t, right.Write([]byte{1}))
}

func TestSetMtu(t *testing.T) {
	host := newFakeHost()
	d := newTestDevice(t, host, nil)
	d.SetMtu(1420)
	assert.Equal(t, []string{"ip link set dev tl0 mtu 1420"}, host.history())
}

func TestNat(t *testing.T) {
	host := newFakeHost()
	a, _ := streamPair()
	d := newTestDevice(t, host, a)
	assert.ErrorIs(t, d.SetNat(), ErrNotRunning)
	require.NoError(t, d.Setup(tunAddr, tunGw, 24))
	before := host.snapshot()

	require.NoError(t, d.SetNat())
	assert.Contains(t, host.history(), "sysctl -w net.ipv4.ip_forward=1")
	after := host.snapshot()
	assert.Equal(t, []string{
		"-s 192.168.50.0/24 -j MASQUERADE",
		"-o tl0 -j MASQUERADE",
		"! -o tl0 -s 10.18.3.0/24 -j MASQUERADE",
	}, after["nat POSTROUTING"])
	assert.Equal(t, []string{
		"-i docker0 -j ACCEPT",
		"-i eth0 -o tl0 -j ACCEPT",
		"-i tl0 -o eth0 -m state --state ESTABLISHED,RELATED -j ACCEPT",
		"-i tl0 -j ACCEPT",
		"-o tl0 -m state --state ESTABLISHED,RELATED -j ACCEPT",
	}, after["filter FORWARD"])

	// repeated SetNat does not stack rules
	require.NoError(t, d.SetNat())
	assert.Equal(t, after, host.snapshot())

	require.NoError(t, d.RemoveNat())
	assert.Equal(t, before, host.snapshot())
}

func TestNatWithoutEgress(t *testing.T) {
	host := newFakeHost()
	host.egress = ""
	a, _ := streamPair()
	d := newTestDevice(t, host, a)
	require.NoError(t, d.Setup(tunAddr, tunGw, 24))
	assert.ErrorIs(t, d.SetNat(), ErrNoDefaultRoute)
}

func TestForward(t *testing.T) {
	host := newFakeHost()
	d := newTestDevice(t, host, nil)
	before := host.snapshot()
	rules := []models.ForwardRule{
		{ListenPort: 8080, ConnectAddr: netip.MustParseAddr("10.18.3.9"), ConnectPort: 80, Enable: true},
		{ListenAddr: netip.MustParseAddr("192.168.1.2"), ListenPort: 2222, ConnectAddr: netip.MustParseAddr("10.18.3.10"), ConnectPort: 22, Enable: true},
		{ListenPort: 9999, ConnectAddr: netip.MustParseAddr("10.18.3.11"), ConnectPort: 99},
	}
	require.NoError(t, d.AddForward(rules))
	snap := host.snapshot()
	assert.Equal(t, []string{
		"-p tcp --dport 8080 -j DNAT --to-destination 10.18.3.9:80",
		"-p udp --dport 8080 -j DNAT --to-destination 10.18.3.9:80",
		"-p tcp -d 192.168.1.2 --dport 2222 -j DNAT --to-destination 10.18.3.10:22",
		"-p udp -d 192.168.1.2 --dport 2222 -j DNAT --to-destination 10.18.3.10:22",
	}, snap["nat PREROUTING"])
	assert.Contains(t, snap["nat POSTROUTING"], "-p tcp -d 10.18.3.9 --dport 80 -j MASQUERADE")
	assert.NotContains(t, strings.Join(host.history(), "\n"), "9999")

	require.NoError(t, d.AddForward(rules))
	assert.Equal(t, snap, host.snapshot())

	require.NoError(t, d.RemoveForward(rules))
	assert.Equal(t, before, host.snapshot())
}

func TestForwardInvalid(t *testing.T) {
	host := newFakeHost()
	d := newTestDevice(t, host, nil)
	err := d.AddForward([]models.ForwardRule{{ListenPort: 0, ConnectAddr: netip.MustParseAddr("10.18.3.9"), ConnectPort: 80, Enable: true}})
	assert.Error(t, err)
	assert.Empty(t, host.history())
}

func TestRoutes(t *testing.T) {
	host := newFakeHost()
	a, _ := streamPair()
	d := newTestDevice(t, host, a)
	entries := []models.RouteEntry{
		{Address: netip.MustParseAddr("10.20.1.77"), PrefixLength: 24},
		{Address: netip.MustParseAddr("172.16.9.1"), PrefixLength: 16},
	}
	assert.ErrorIs(t, d.AddRoute(entries, netip.Addr{}), ErrNotRunning)
	require.NoError(t, d.Setup(tunAddr, tunGw, 24))
	n := len(host.history())
	require.NoError(t, d.AddRoute(entries, netip.Addr{}))
	require.NoError(t, d.DelRoute(entries))
	assert.Equal(t, []string{
		"ip route add 10.20.1.0/24 via 10.18.3.7 dev tl0 metric 1",
		"ip route add 172.16.0.0/16 via 10.18.3.7 dev tl0 metric 1",
		"ip route del 10.20.1.0/24",
		"ip route del 172.16.0.0/16",
	}, host.history()[n:])

	host.fail["ip route add 172.16"] = true
	err := d.AddRoute(entries, tunGw)
	assert.Error(t, err)
	assert.Contains(t, host.history(), "ip route add 10.20.1.0/24 via 10.18.3.1 dev tl0 metric 1")
}

func TestLinkLocal(t *testing.T) {
	assert.Equal(t, "fe80::1818:1818:a12:307", LinkLocal(tunAddr).String())
	assert.Equal(t, "fe80::1818:1818:c0a8:101", LinkLocal(netip.MustParseAddr("192.168.1.1")).String())
}

func TestParseDefaultDev(t *testing.T) {
	out := "default via 192.168.1.1 dev wlp2s0 proto dhcp metric 600\n"
	assert.Equal(t, "wlp2s0", parseDefaultDev(out))
	assert.Equal(t, "", parseDefaultDev(""))
	h := newFakeHost()
	_, err := commandDefaultInterface(h)
	assert.ErrorIs(t, err, ErrNoDefaultRoute)
}

func TestLineNumbers(t *testing.T) {
	listing := `Chain POSTROUTING (policy ACCEPT)
num  target     prot opt source               destination
1    MASQUERADE  all  --  10.18.3.0/24         0.0.0.0/0
2    MASQUERADE  all  --  10.18.3.0/2          0.0.0.0/0
3    MASQUERADE  all  --  10.18.3.0/24         0.0.0.0/0
`
	assert.Equal(t, []int{3, 1}, lineNumbers(listing, "10.18.3.0/24"))
}
