package tunnel

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRaceAllTimeOut(t *testing.T) {
	// TEST-NET-1 addresses are never routed, every connect times out or is refused by the stack
	candidates := []netip.AddrPort{
		netip.MustParseAddrPort("192.0.2.1:4000"),
		netip.MustParseAddrPort("192.0.2.2:4000"),
		netip.MustParseAddrPort("192.0.2.3:4000"),
	}
	cfg := RaceConfig{WANTimeout: 80 * time.Millisecond, Timeout: 40 * time.Millisecond}
	start := time.Now()
	conn, err := Race(context.Background(), 0, candidates, netip.MustParseAddr("192.0.2.1"), cfg, nil)
	elapsed := time.Since(start)
	assert.Nil(t, conn)
	assert.ErrorIs(t, err, ErrNoCandidate)
	assert.Less(t, elapsed, 80*time.Millisecond+2*40*time.Millisecond+500*time.Millisecond)
}

func TestRaceFirstCompletedWins(t *testing.T) {
	l, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	live := netip.MustParseAddrPort(l.Addr().String())
	dead := netip.AddrPortFrom(live.Addr(), freePort(t))

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := l.Accept()
		if err == nil {
			accepted <- c
		}
	}()
	local := freePort(t)
	conn, err := Race(context.Background(), local, []netip.AddrPort{dead, live}, netip.Addr{}, DefaultRaceConfig(), nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, live.String(), conn.RemoteAddr().String())
	assert.Equal(t, int(local), conn.LocalAddr().(*net.TCPAddr).Port)
	select {
	case c := <-accepted:
		c.Close()
	case <-time.After(time.Second):
		t.Fatal("listener never accepted")
	}
}

func TestRaceCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Race(ctx, 0, []netip.AddrPort{netip.MustParseAddrPort("192.0.2.1:4000")}, netip.Addr{}, DefaultRaceConfig(), nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestProbeReturnsWithinWindow(t *testing.T) {
	candidates := []netip.AddrPort{
		netip.MustParseAddrPort("192.0.2.1:4000"),
		netip.MustParseAddrPort("192.0.2.1:4001"),
		netip.MustParseAddrPort("127.0.0.1:1"),
	}
	start := time.Now()
	Probe(context.Background(), freePort(t), 2, candidates, 30*time.Millisecond)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestRaceSkipsCandidateFailingUpgrade(t *testing.T) {
	plain, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer plain.Close()
	go func() {
		for {
			c, err := plain.Accept()
			if err != nil {
				return
			}
			_, _ = c.Write([]byte("HTTP/1.0 400 Bad Request\r\n\r\n"))
			c.Close()
		}
	}()

	secured, err := tls.Listen("tcp4", "127.0.0.1:0", ServerTLSConfig(testCertificate(t)))
	require.NoError(t, err)
	defer secured.Close()
	go func() {
		c, err := secured.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		_ = c.(*tls.Conn).Handshake()
		_, _ = io.Copy(io.Discard, c)
	}()

	candidates := []netip.AddrPort{
		netip.MustParseAddrPort(plain.Addr().String()),
		netip.MustParseAddrPort(secured.Addr().String()),
	}
	upgrade := func(ctx context.Context, raw net.Conn) (net.Conn, error) {
		return SecureClient(ctx, raw, time.Second)
	}
	conn, err := Race(context.Background(), freePort(t), candidates, netip.Addr{}, DefaultRaceConfig(), upgrade)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, secured.Addr().String(), conn.RemoteAddr().String())
	_, ok := conn.(*tls.Conn)
	assert.True(t, ok)
}

func TestRaceAllUpgradesFail(t *testing.T) {
	l, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()
	reject := func(context.Context, net.Conn) (net.Conn, error) {
		return nil, errors.New("rejected")
	}
	conn, err := Race(context.Background(), 0, []netip.AddrPort{netip.MustParseAddrPort(l.Addr().String())}, netip.Addr{}, DefaultRaceConfig(), reject)
	assert.Nil(t, conn)
	assert.ErrorIs(t, err, ErrNoCandidate)
}
