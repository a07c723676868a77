package tunnel

import (
	"context"
	"net"
	"net/netip"
	"strconv"
	"time"

	"github.com/gravitl/tunlink/logger"
	"github.com/gravitl/tunlink/ncutils"
)

// RaceConfig - connect budgets per candidate
type RaceConfig struct {
	// WANTimeout applies to candidates on the peer's declared WAN address
	WANTimeout time.Duration `yaml:"wantimeout"`
	// Timeout applies to every other candidate
	Timeout   time.Duration `yaml:"timeout"`
	KeepAlive time.Duration `yaml:"keepalive"`
}

// DefaultRaceConfig - 200ms for the WAN address, 100ms for the rest
func DefaultRaceConfig() RaceConfig {
	return RaceConfig{
		WANTimeout: 200 * time.Millisecond,
		Timeout:    100 * time.Millisecond,
		KeepAlive:  30 * time.Second,
	}
}

// Upgrader - runs on a connected candidate socket. On error the socket is closed and
// the next candidate is tried.
type Upgrader func(ctx context.Context, raw net.Conn) (net.Conn, error)

// Race tries candidates in order from localPort, each with its own connect budget,
// and returns the first socket that completes and passes upgrade. A candidate that
// does not complete in time is closed before the next one is tried, so the connect
// time is bounded by the sum of the budgets. ErrNoCandidate is returned when none
// connects. A nil upgrade returns the raw socket.
func Race(ctx context.Context, localPort uint16, candidates []netip.AddrPort, wan netip.Addr, cfg RaceConfig, upgrade Upgrader) (net.Conn, error) {
	wan = wan.Unmap()
	for _, ep := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		budget := cfg.Timeout
		if ep.Addr().Unmap() == wan {
			budget = cfg.WANTimeout
		}
		d := net.Dialer{
			LocalAddr: localBind(ep, localPort),
			Control:   ncutils.ReuseControl(0),
			KeepAlive: cfg.KeepAlive,
		}
		cctx, cancel := context.WithTimeout(ctx, budget)
		conn, err := d.DialContext(cctx, network(ep), ep.String())
		cancel()
		if err != nil {
			logger.Log(3, "candidate", ep.String(), "failed:", err.Error())
			continue
		}
		logger.Log(2, "candidate", ep.String(), "connected from", conn.LocalAddr().String())
		if upgrade == nil {
			return conn, nil
		}
		up, err := upgrade(ctx, conn)
		if err != nil {
			conn.Close()
			logger.Log(3, "candidate", ep.String(), "rejected:", err.Error())
			continue
		}
		return up, nil
	}
	return nil, ErrNoCandidate
}

func itoa(i int) string {
	return strconv.Itoa(i)
}
