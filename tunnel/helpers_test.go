package tunnel

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/gravitl/tunlink/models"
	"github.com/stretchr/testify/require"
)

// testCertificate - throwaway self signed server certificate
func testCertificate(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "tunlink-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

// freePort - a port nothing listens on right now
func freePort(t *testing.T) uint16 {
	t.Helper()
	l, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return uint16(l.Addr().(*net.TCPAddr).Port)
}

// freePortPair - p and p+1 both free
func freePortPair(t *testing.T) uint16 {
	t.Helper()
	for i := 0; i < 50; i++ {
		p := freePort(t)
		if p == 0xffff {
			continue
		}
		l, err := net.Listen("tcp4", netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), p+1).String())
		if err != nil {
			continue
		}
		l.Close()
		return p
	}
	t.Fatal("no free port pair")
	return 0
}

func loopbackDescriptor(name string, local, wan uint16) models.PeerDescriptor {
	lo := netip.MustParseAddr("127.0.0.1")
	return models.PeerDescriptor{
		MachineName: name,
		Local:       netip.AddrPortFrom(lo, local),
		Remote:      netip.AddrPortFrom(lo, wan),
		LocalIPs:    []netip.Addr{lo},
		RouteLevel:  1,
	}
}

func testConfig() Config {
	return Config{
		GraceDelay:       20 * time.Millisecond,
		ReverseTimeout:   2 * time.Second,
		HandshakeTimeout: 2 * time.Second,
		AttemptTimeout:   5 * time.Second,
		DisableIPv6:      true,
	}
}

// fakePort - records signaling callbacks
type fakePort struct {
	mu        sync.Mutex
	begin     func(req models.ConnectionRequest) (bool, error)
	begins    []models.ConnectionRequest
	failed    []models.ConnectionRequest
	succeeded []models.ConnectionRequest
	connected chan *Connection
}

func newFakePort() *fakePort {
	return &fakePort{connected: make(chan *Connection, 4)}
}

func (f *fakePort) SendConnectBegin(ctx context.Context, req models.ConnectionRequest) (bool, error) {
	f.mu.Lock()
	f.begins = append(f.begins, req)
	begin := f.begin
	f.mu.Unlock()
	if begin == nil {
		return true, nil
	}
	return begin(req)
}

func (f *fakePort) SendConnectFail(ctx context.Context, req models.ConnectionRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, req)
	return nil
}

func (f *fakePort) SendConnectSuccess(ctx context.Context, req models.ConnectionRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.succeeded = append(f.succeeded, req)
	return nil
}

func (f *fakePort) Connected(conn *Connection) {
	f.connected <- conn
}

func (f *fakePort) counts() (begins, failed, succeeded int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.begins), len(f.failed), len(f.succeeded)
}

func waitConnected(t *testing.T, f *fakePort) *Connection {
	t.Helper()
	select {
	case conn := <-f.connected:
		return conn
	case <-time.After(5 * time.Second):
		t.Fatal("no connection delivered")
		return nil
	}
}
