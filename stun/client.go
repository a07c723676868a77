package stun

import (
	"context"
	"net"
	"net/netip"
	"strconv"
	"time"

	"github.com/gravitl/tunlink/logger"
	"github.com/gravitl/tunlink/ncutils"
	"github.com/pkg/errors"
	"gortc.io/stun"
)

// DefaultTimeout - bound on one discovery exchange
const DefaultTimeout = 3 * time.Second

// HostInfo - endpoints of the discovery socket
type HostInfo struct {
	Public  netip.AddrPort
	Private netip.AddrPort
}

func itoa(i int) string {
	return strconv.Itoa(i)
}

// GetHostInfo sends a binding request to server over TCP from localPort, sharing the
// port with the tunnel sockets, and returns the mapped public endpoint.
func GetHostInfo(ctx context.Context, server string, localPort uint16) (HostInfo, error) {
	var info HostInfo
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()
	d := net.Dialer{
		LocalAddr: &net.TCPAddr{Port: int(localPort)},
		Control:   ncutils.ReuseControl(0),
	}
	conn, err := d.DialContext(ctx, "tcp4", normalize(server))
	if err != nil {
		return info, errors.Wrap(err, "dial stun server")
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	if ap, err := netip.ParseAddrPort(conn.LocalAddr().String()); err == nil {
		info.Private = netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	}

	// Building binding request with random transaction id.
	message := stun.MustBuild(stun.TransactionID, stun.BindingRequest, stun.Fingerprint)
	if _, err := conn.Write(message.Raw); err != nil {
		return info, errors.Wrap(err, "send binding request")
	}
	res := new(stun.Message)
	if err := readMessage(conn, res); err != nil {
		return info, errors.Wrap(err, "read binding response")
	}
	if res.TransactionID != message.TransactionID {
		return info, errors.New("stun response for another transaction")
	}
	if res.Type != stun.BindingSuccess {
		return info, errors.Errorf("stun server answered %s", res.Type)
	}
	// Decoding XOR-MAPPED-ADDRESS attribute from message.
	var xorAddr stun.XORMappedAddress
	if err := xorAddr.GetFrom(res); err != nil {
		return info, errors.Wrap(err, "stun mapped address")
	}
	ip, ok := netip.AddrFromSlice(xorAddr.IP)
	if !ok {
		return info, errors.Errorf("bad mapped address %v", xorAddr.IP)
	}
	info.Public = netip.AddrPortFrom(ip.Unmap(), uint16(xorAddr.Port))
	logger.Log(1, "stun", server, "mapped", info.Private.String(), "to", info.Public.String())
	return info, nil
}
