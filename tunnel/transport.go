package tunnel

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gravitl/tunlink/logger"
	"github.com/gravitl/tunlink/models"
	"github.com/gravitl/tunlink/ncutils"
	"golang.org/x/exp/slog"
)

// TransportName - the name requests carry to select this transport
const TransportName = "TcpNutssb"

var (
	// ErrPermissionDenied - the signaling side refused or could not deliver the begin request
	ErrPermissionDenied = errors.New("connect begin denied")
	// ErrNoCandidate - no candidate endpoint completed a connect
	ErrNoCandidate = errors.New("no candidate endpoint connected")
	// ErrReverseTimeout - the peer did not dial in before the reverse wait expired
	ErrReverseTimeout = errors.New("timed out waiting for reverse connection")
	// ErrReverseCancelled - the pending reverse attempt was released without a connection
	ErrReverseCancelled = errors.New("reverse connection cancelled")
	// ErrAlreadyPending - a reverse attempt for the peer is already waiting
	ErrAlreadyPending = errors.New("reverse connection already pending")
	// ErrNoCertificate - inbound connections need a server certificate
	ErrNoCertificate = errors.New("no server certificate configured")
	// ErrClosed - the transport was closed
	ErrClosed = errors.New("transport closed")
)

// Port - the signaling side the transport reports to. Requests handed to and
// received from a Port are always in the local node's perspective: Local is this node.
type Port interface {
	// SendConnectBegin asks the peer to take part in req, reporting whether it agreed
	SendConnectBegin(ctx context.Context, req models.ConnectionRequest) (bool, error)
	SendConnectFail(ctx context.Context, req models.ConnectionRequest) error
	SendConnectSuccess(ctx context.Context, req models.ConnectionRequest) error
	// Connected receives connections that no local Connect call is waiting for
	Connected(conn *Connection)
}

// Config - timing of tunnel attempts
type Config struct {
	GraceDelay       time.Duration `yaml:"gracedelay"`
	ProbeWindow      time.Duration `yaml:"probewindow"`
	ReverseTimeout   time.Duration `yaml:"reversetimeout"`
	HandshakeTimeout time.Duration `yaml:"handshaketimeout"`
	AttemptTimeout   time.Duration `yaml:"attempttimeout"`
	Race             RaceConfig    `yaml:"race"`
	DisableIPv6      bool          `yaml:"disableipv6"`
}

// DefaultConfig - the timings used when a value is left zero
func DefaultConfig() Config {
	return Config{
		GraceDelay:       500 * time.Millisecond,
		ProbeWindow:      DefaultProbeWindow,
		ReverseTimeout:   DefaultReverseTimeout,
		HandshakeTimeout: DefaultHandshakeTimeout,
		AttemptTimeout:   30 * time.Second,
		Race:             DefaultRaceConfig(),
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.GraceDelay < 0 {
		c.GraceDelay = 0
	} else if c.GraceDelay == 0 {
		c.GraceDelay = def.GraceDelay
	}
	if c.ProbeWindow <= 0 {
		c.ProbeWindow = def.ProbeWindow
	}
	if c.ReverseTimeout <= 0 {
		c.ReverseTimeout = def.ReverseTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = def.AttemptTimeout
	}
	if c.Race.Timeout <= 0 {
		c.Race.Timeout = def.Race.Timeout
	}
	if c.Race.WANTimeout <= 0 {
		c.Race.WANTimeout = def.Race.WANTimeout
	}
	if c.Race.KeepAlive == 0 {
		c.Race.KeepAlive = def.Race.KeepAlive
	}
	return c
}

// Transport - establishes TCP tunnels through NAT with TTL probing, sequential
// candidate racing and a TLS upgrade
type Transport struct {
	cfg       Config
	port      Port
	serverTLS *tls.Config
	binds     *BindServer
	pending   *Coordinator
	ipv6      func() bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New - returns a transport reporting to port. Inbound connections are refused when
// cert holds no certificate.
func New(cfg Config, cert tls.Certificate, port Port) *Transport {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		cfg:     cfg,
		port:    port,
		pending: NewCoordinator(),
		ctx:     ctx,
		cancel:  cancel,
	}
	if len(cert.Certificate) > 0 {
		t.serverTLS = ServerTLSConfig(cert)
	}
	t.ipv6 = func() bool { return !cfg.DisableIPv6 && ncutils.IPv6Supported() }
	t.binds = NewBindServer(t.onInbound)
	return t
}

// Name - TransportName
func (t *Transport) Name() string {
	return TransportName
}

// Coordinator - the pending reverse attempts of this transport
func (t *Transport) Coordinator() *Coordinator {
	return t.pending
}

// Connect runs one attempt initiated by this node and blocks until it finished.
// No failure is reported to the peer when it was never asked to begin.
func (t *Transport) Connect(ctx context.Context, req models.ConnectionRequest) (*Connection, error) {
	if t.ctx.Err() != nil {
		return nil, ErrClosed
	}
	req = t.prepare(req)
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid connection request: %w", err)
	}
	task := newTask(req)
	ctx, cancel := context.WithTimeout(ctx, t.cfg.AttemptTimeout)
	defer cancel()

	logger.Log(1, "connecting", req.Direction.String(), "to", req.Remote.MachineName, "transaction", req.TransactionID)
	var (
		conn  *Connection
		begun bool
		err   error
	)
	switch req.Direction {
	case models.Forward:
		conn, begun, err = t.connectForward(ctx, task)
	case models.Reverse:
		conn, begun, err = t.connectReverse(ctx, task)
	case models.Symmetric:
		conn, begun, err = t.connectSymmetric(ctx, task)
	default:
		err = fmt.Errorf("unsupported direction %s", req.Direction)
	}
	if err != nil {
		logger.Log(1, "tunnel to", req.Remote.MachineName, "failed:", err.Error())
		if begun {
			t.notify(t.port.SendConnectFail, req)
		}
		task.finish(nil, err)
		return nil, err
	}
	logger.Log(1, "tunnel to", req.Remote.MachineName, "established:", conn.String())
	t.notify(t.port.SendConnectSuccess, req)
	task.finish(conn, nil)
	return conn, nil
}

func (t *Transport) connectForward(ctx context.Context, task *Task) (*Connection, bool, error) {
	if err := t.askBegin(ctx, task); err != nil {
		return nil, false, err
	}
	if err := sleep(ctx, t.cfg.GraceDelay); err != nil {
		return nil, true, err
	}
	conn, err := t.dial(ctx, task, true)
	return conn, true, err
}

func (t *Transport) connectReverse(ctx context.Context, task *Task) (*Connection, bool, error) {
	req := task.Request
	slot, err := t.pending.Register(req.Remote.MachineName, req.TransactionID)
	if err != nil {
		return nil, false, err
	}
	port := req.Local.Local.Port()
	if err := t.binds.Bind(ctx, port, req); err != nil {
		t.pending.Cancel(slot)
		return nil, false, err
	}
	defer t.binds.RemoveBind(port, req.TransactionID)

	task.set(StateProbing)
	t.probe(ctx, req)
	if err := t.askBegin(ctx, task); err != nil {
		t.pending.Cancel(slot)
		return nil, false, err
	}
	task.set(StateAwaitingInbound)
	conn, err := t.pending.Wait(ctx, slot, t.cfg.ReverseTimeout)
	return conn, true, err
}

func (t *Transport) connectSymmetric(ctx context.Context, task *Task) (*Connection, bool, error) {
	req := task.Request
	slot, err := t.pending.Register(req.Remote.MachineName, req.TransactionID)
	if err != nil {
		return nil, false, err
	}
	port := req.Local.Local.Port()
	if err := t.binds.Bind(ctx, port, req); err != nil {
		t.pending.Cancel(slot)
		return nil, false, err
	}
	defer t.binds.RemoveBind(port, req.TransactionID)

	task.set(StateProbing)
	t.probe(ctx, req)
	if err := t.askBegin(ctx, task); err != nil {
		t.pending.Cancel(slot)
		return nil, false, err
	}
	if err := sleep(ctx, t.cfg.GraceDelay); err != nil {
		t.pending.Cancel(slot)
		return nil, true, err
	}
	conn, err := t.raceBoth(ctx, task, slot)
	return conn, true, err
}

// OnBegin handles a begin request from the peer and returns the spawned attempt.
// Forward: listen on the local port and probe, the peer's dial arrives through the
// accept path. Reverse: dial the peer. Symmetric: both at once.
func (t *Transport) OnBegin(req models.ConnectionRequest) *Task {
	req = t.prepare(req)
	task := newTask(req)
	if t.ctx.Err() != nil {
		task.finish(nil, ErrClosed)
		return task
	}
	if err := req.Validate(); err != nil {
		task.finish(nil, fmt.Errorf("invalid connection request: %w", err))
		return task
	}
	port := req.Local.Local.Port()
	if req.Direction == models.Forward || req.Direction == models.Symmetric {
		if err := t.binds.Bind(t.ctx, port, req); err != nil {
			logger.Log(0, "could not listen on port", itoa(int(port)), "for", req.Remote.MachineName, err.Error())
			task.finish(nil, err)
			return task
		}
	}
	logger.Log(1, "begin", req.Direction.String(), "from", req.Remote.MachineName, "transaction", req.TransactionID)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ctx, cancel := context.WithTimeout(t.ctx, t.cfg.AttemptTimeout)
		defer cancel()
		switch req.Direction {
		case models.Forward:
			task.set(StateProbing)
			t.probe(ctx, req)
			task.set(StateAwaitingInbound)
			task.finish(nil, nil)
			// released by OnFail/OnSuccess, or here when the peer never reports back
			t.expireBind(port, req.TransactionID)
		case models.Reverse:
			conn, err := t.dial(ctx, task, true)
			t.deliver(task, conn, err)
		case models.Symmetric:
			defer t.binds.RemoveBind(port, req.TransactionID)
			slot, err := t.pending.Register(req.Remote.MachineName, req.TransactionID)
			if err != nil {
				logger.Log(2, "symmetric begin from", req.Remote.MachineName, "without inbound wait:", err.Error())
				slot = nil
			}
			task.set(StateProbing)
			t.probe(ctx, req)
			conn, err := t.raceBoth(ctx, task, slot)
			t.deliver(task, conn, err)
		default:
			task.finish(nil, fmt.Errorf("unsupported direction %s", req.Direction))
		}
	}()
	return task
}

// OnFail - the peer gave up on req: release its bind and fail the pending wait.
// Binds and waits of another transaction are left alone.
func (t *Transport) OnFail(req models.ConnectionRequest) {
	logger.Log(1, "peer", req.Remote.MachineName, "reported failure for transaction", req.TransactionID)
	t.binds.RemoveBind(req.Local.Local.Port(), req.TransactionID)
	t.pending.release(req.Remote.MachineName, req.TransactionID)
}

// OnSuccess - the peer finished req: release its bind. The peer's TLS client can
// finish before this node's server side, so the pending wait is only released if it
// is still open after the handshake timeout.
func (t *Transport) OnSuccess(req models.ConnectionRequest) {
	logger.Log(1, "peer", req.Remote.MachineName, "reported success for transaction", req.TransactionID)
	t.binds.RemoveBind(req.Local.Local.Port(), req.TransactionID)
	peer, txn := req.Remote.MachineName, req.TransactionID
	time.AfterFunc(t.cfg.HandshakeTimeout, func() {
		t.pending.release(peer, txn)
	})
}

// Close - stops listeners and running attempts, fails pending waits
func (t *Transport) Close() {
	t.cancel()
	t.binds.Close()
	t.pending.Close()
	t.wg.Wait()
}

// Wait - blocks until all spawned attempts finished
func (t *Transport) Wait() {
	t.wg.Wait()
}

func (t *Transport) prepare(req models.ConnectionRequest) models.ConnectionRequest {
	req = req.Clone()
	if req.TransportName == "" {
		req.TransportName = TransportName
	}
	return req
}

// askBegin - permission callback, a refusal and a delivery error both deny
func (t *Transport) askBegin(ctx context.Context, task *Task) error {
	task.set(StateAwaitingPermission)
	ok, err := t.port.SendConnectBegin(ctx, task.Request)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	if !ok {
		return ErrPermissionDenied
	}
	return nil
}

func (t *Transport) probe(ctx context.Context, req models.ConnectionRequest) {
	candidates := BuildCandidates(req.Remote, t.ipv6())
	Probe(ctx, req.Local.Local.Port(), req.Local.RouteLevel, candidates, t.cfg.ProbeWindow)
}

// dial - candidate builder, optional probe, racer and TLS client upgrade
func (t *Transport) dial(ctx context.Context, task *Task, probe bool) (*Connection, error) {
	req := task.Request
	localPort := req.Local.Local.Port()
	candidates := BuildCandidates(req.Remote, t.ipv6())
	if len(candidates) == 0 {
		return nil, ErrNoCandidate
	}
	if probe {
		task.set(StateProbing)
		Probe(ctx, localPort, req.Local.RouteLevel, candidates, t.cfg.ProbeWindow)
	}
	task.set(StateRacing)
	secure := func(ctx context.Context, raw net.Conn) (net.Conn, error) {
		task.set(StateSecuring)
		conn, err := SecureClient(ctx, raw, t.cfg.HandshakeTimeout)
		if err != nil {
			task.set(StateRacing)
			return nil, err
		}
		return conn, nil
	}
	conn, err := Race(ctx, localPort, candidates, req.Remote.Remote.Addr(), t.cfg.Race, secure)
	if err != nil {
		return nil, err
	}
	return NewConnection(conn, req, models.Client), nil
}

type raceResult struct {
	conn *Connection
	err  error
}

// raceBoth - dials the peer while waiting on slot for the peer's dial to arrive.
// The first connection wins and stops the other side; when both complete anyway
// the pair is settled with Prefer and the loser closed.
func (t *Transport) raceBoth(ctx context.Context, task *Task, slot *Slot) (*Connection, error) {
	rctx, cancel := context.WithCancel(ctx)
	defer cancel()
	results := make(chan raceResult, 2)
	n := 1
	go func() {
		conn, err := t.dial(rctx, task, false)
		results <- raceResult{conn, err}
	}()
	if slot != nil {
		n++
		go func() {
			conn, err := t.pending.Wait(rctx, slot, t.cfg.ReverseTimeout)
			results <- raceResult{conn, err}
		}()
	}
	var (
		winner *Connection
		errs   []error
	)
	for i := 0; i < n; i++ {
		r := <-results
		switch {
		case r.err != nil:
			errs = append(errs, r.err)
		case winner == nil:
			winner = r.conn
			cancel()
		default:
			keep, drop := Prefer(winner, r.conn, task.Request.Local.MachineName)
			drop.Close()
			winner = keep
		}
	}
	if winner != nil {
		return winner, nil
	}
	return nil, errors.Join(errs...)
}

// deliver - reports a peer initiated attempt's outcome
func (t *Transport) deliver(task *Task, conn *Connection, err error) {
	req := task.Request
	if err != nil {
		logger.Log(1, "tunnel to", req.Remote.MachineName, "failed:", err.Error())
		t.notify(t.port.SendConnectFail, req)
		task.finish(nil, err)
		return
	}
	logger.Log(1, "tunnel to", req.Remote.MachineName, "established:", conn.String())
	t.port.Connected(conn)
	t.notify(t.port.SendConnectSuccess, req)
	task.finish(conn, nil)
}

func (t *Transport) notify(send func(context.Context, models.ConnectionRequest) error, req models.ConnectionRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.HandshakeTimeout)
	defer cancel()
	if err := send(ctx, req); err != nil {
		slog.Warn("could not report tunnel outcome", "peer", req.Remote.MachineName, "transaction", req.TransactionID, "error", err)
	}
}

// onInbound - TLS server side of an accepted socket; the result completes the
// pending reverse wait of the same transaction or goes to Port.Connected
func (t *Transport) onInbound(req models.ConnectionRequest, raw net.Conn) {
	if req.TransportName != TransportName {
		logger.Log(1, "dropping inbound connection for transport", req.TransportName)
		raw.Close()
		return
	}
	tlsConn, err := SecureServer(t.ctx, raw, t.serverTLS, t.cfg.HandshakeTimeout)
	if err != nil {
		logger.Log(3, "inbound from", raw.RemoteAddr().String(), "failed:", err.Error())
		return
	}
	conn := NewConnection(tlsConn, req, models.Server)
	if t.pending.Resolve(req.Remote.MachineName, conn) {
		return
	}
	logger.Log(1, "tunnel from", req.Remote.MachineName, "established:", conn.String())
	t.port.Connected(conn)
}

// expireBind - drops a bind the peer never reported on once the peer's own reverse
// wait is over
func (t *Transport) expireBind(port uint16, transactionID string) {
	time.AfterFunc(t.cfg.ReverseTimeout+t.cfg.GraceDelay+t.cfg.HandshakeTimeout, func() {
		if t.binds.RemoveBind(port, transactionID) {
			logger.Log(2, "released unreported bind on port", itoa(int(port)))
		}
	})
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
