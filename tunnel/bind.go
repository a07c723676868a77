package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/gravitl/tunlink/logger"
	"github.com/gravitl/tunlink/metrics"
	"github.com/gravitl/tunlink/models"
	"github.com/gravitl/tunlink/ncutils"
)

// ErrPortBusy - the local port is bound for another attempt
var ErrPortBusy = errors.New("local port busy")

// InboundHandler - called for every accepted socket with the request the bind was opened for
type InboundHandler func(req models.ConnectionRequest, conn net.Conn)

type binding struct {
	ln  net.Listener
	req models.ConnectionRequest
}

// BindServer - listening sockets held on an attempt's local port while the attempt runs
type BindServer struct {
	mu      sync.Mutex
	binds   map[uint16]*binding
	handler InboundHandler
	wg      sync.WaitGroup
}

// NewBindServer - returns a bind server delivering accepted sockets to handler
func NewBindServer(handler InboundHandler) *BindServer {
	return &BindServer{binds: make(map[uint16]*binding), handler: handler}
}

// Bind - listens on port with address reuse so the attempt's dialing sockets can
// share it. A port held for another transaction fails with ErrPortBusy, so attempts
// sharing a port run one at a time. Binding again for the same transaction is a no-op.
func (b *BindServer) Bind(ctx context.Context, port uint16, req models.ConnectionRequest) error {
	if port == 0 {
		return errors.New("bind requires a fixed local port")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.binds[port]; ok {
		if cur.req.TransactionID == req.TransactionID {
			return nil
		}
		return fmt.Errorf("%w: port %d held for %s", ErrPortBusy, port, cur.req.Remote.MachineName)
	}
	lc := net.ListenConfig{Control: ncutils.ReuseControl(0)}
	ln, err := lc.Listen(ctx, "tcp", ":"+strconv.Itoa(int(port)))
	if err != nil {
		return err
	}
	bd := &binding{ln: ln, req: req.Clone()}
	b.binds[port] = bd
	metrics.ActiveBinds.Inc()

	logger.Log(3, "listening on", ln.Addr().String(), "for", req.Remote.MachineName)
	b.wg.Add(1)
	go b.accept(bd)
	return nil
}

func (b *BindServer) accept(bd *binding) {
	defer b.wg.Done()
	for {
		conn, err := bd.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				logger.Log(1, "accept on", bd.ln.Addr().String(), "failed:", err.Error())
			}
			return
		}
		logger.Log(3, "accepted", conn.RemoteAddr().String(), "on", bd.ln.Addr().String())
		go b.handler(bd.req, conn)
	}
}

// RemoveBind - stops listening on port if it is still held for transactionID.
// Accepted sockets are not affected.
func (b *BindServer) RemoveBind(port uint16, transactionID string) bool {
	b.mu.Lock()
	bd, ok := b.binds[port]
	if ok && bd.req.TransactionID == transactionID {
		delete(b.binds, port)
	} else {
		ok = false
	}
	b.mu.Unlock()
	if ok {
		bd.ln.Close()
		metrics.ActiveBinds.Dec()
	}
	return ok
}

// Bound - whether a listener is open on port
func (b *BindServer) Bound(port uint16) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.binds[port]
	return ok
}

// Close - stops every listener and waits for the accept loops to exit
func (b *BindServer) Close() {
	b.mu.Lock()
	binds := b.binds
	b.binds = make(map[uint16]*binding)
	b.mu.Unlock()
	for _, bd := range binds {
		bd.ln.Close()
		metrics.ActiveBinds.Dec()
	}
	b.wg.Wait()
}
