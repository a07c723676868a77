package tunnel

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/gravitl/tunlink/logger"
	"github.com/gravitl/tunlink/ncutils"
)

const (
	// ipv6ProbeTTL - hop limit of IPv6 probes
	ipv6ProbeTTL = 2
	// DefaultProbeWindow - how long a probe socket may live before it is closed
	DefaultProbeWindow = 50 * time.Millisecond
)

// Probe opens one short lived socket per candidate, all bound to localPort, with the
// IP TTL capped to routeLevel (IPv4) or ipv6ProbeTTL (IPv6). The SYN only has to leave
// the host so the local NAT creates a mapping for localPort; whether the connect
// completes is irrelevant. Per-candidate errors are dropped. Probe returns once every
// probe socket is closed, at most window after it was called.
func Probe(ctx context.Context, localPort uint16, routeLevel int, candidates []netip.AddrPort, window time.Duration) {
	if window <= 0 {
		window = DefaultProbeWindow
	}
	pctx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	var wg sync.WaitGroup
	for _, ep := range candidates {
		ttl := routeLevel
		if ep.Addr().Unmap().Is6() {
			ttl = ipv6ProbeTTL
		}
		wg.Add(1)
		go func(ep netip.AddrPort, ttl int) {
			defer wg.Done()
			d := net.Dialer{
				LocalAddr: localBind(ep, localPort),
				Control:   ncutils.ReuseControl(ttl),
			}
			conn, err := d.DialContext(pctx, network(ep), ep.String())
			if err != nil {
				logger.Log(4, "probe", ep.String(), "ttl", itoa(ttl), err.Error())
				return
			}
			// reached the peer directly, drop it without leaving the 4-tuple in TIME_WAIT
			if tcp, ok := conn.(*net.TCPConn); ok {
				_ = tcp.SetLinger(0)
			}
			conn.Close()
		}(ep, ttl)
	}
	wg.Wait()
}
