// Package stun discovers and reports public TCP endpoints with STUN binding requests
package stun

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gravitl/tunlink/logger"
	pkgerrors "github.com/pkg/errors"
	"gortc.io/stun"
)

// Server answers RFC 5389 binding requests over TCP with the XOR-MAPPED-ADDRESS
// of the connecting socket. Credentials and ALTERNATE-SERVER are not supported.
type Server struct {
	Addr string

	mu sync.Mutex
	ln net.Listener
	wg sync.WaitGroup
}

var (
	software          = stun.NewSoftware("tunlink-stun")
	errNotSTUNMessage = errors.New("not stun message")
)

// connIdle - a client connection is dropped after this long without a request
const connIdle = 10 * time.Second

func basicProcess(addr net.Addr, req, res *stun.Message) error {
	var (
		ip   net.IP
		port int
	)
	switch a := addr.(type) {
	case *net.TCPAddr:
		ip, port = a.IP, a.Port
	case *net.UDPAddr:
		ip, port = a.IP, a.Port
	default:
		return pkgerrors.Errorf("unknown addr: %v", addr)
	}
	if req.Type != stun.BindingRequest {
		return pkgerrors.Errorf("unexpected %s", req.Type)
	}
	return res.Build(req,
		stun.BindingSuccess,
		software,
		&stun.XORMappedAddress{
			IP:   ip,
			Port: port,
		},
		stun.Fingerprint,
	)
}

func (s *Server) serveConn(ctx context.Context, c net.Conn) {
	defer s.wg.Done()
	defer c.Close()
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()
	var (
		req = new(stun.Message)
		res = new(stun.Message)
	)
	for ctx.Err() == nil {
		_ = c.SetReadDeadline(time.Now().Add(connIdle))
		if err := readMessage(c, req); err != nil {
			if !errors.Is(err, net.ErrClosed) && !errors.Is(err, errNotSTUNMessage) {
				logger.Log(3, "STUN read error:", err.Error())
			}
			return
		}
		res.Reset()
		if err := basicProcess(c.RemoteAddr(), req, res); err != nil {
			logger.Log(1, "STUN process error:", err.Error())
			return
		}
		if _, err := c.Write(res.Raw); err != nil {
			logger.Log(1, "STUN response write error", err.Error())
			return
		}
	}
}

// ListenAndServe listens on s.Addr and answers until ctx ends
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", normalize(s.Addr))
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve answers binding requests on ln until ctx ends
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	logger.Log(0, "tunlink-stun listening on", ln.Addr().String(), "via tcp")
	for {
		c, err := ln.Accept()
		if err != nil {
			s.wg.Wait()
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				logger.Log(0, "shut down STUN server")
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go s.serveConn(ctx, c)
	}
}

// Listener - the bound listener once Serve started
func (s *Server) Listener() net.Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ln
}

// normalize - fills in the wildcard address and the default STUN port
func normalize(address string) string {
	if address == "" {
		address = "0.0.0.0"
	}
	if _, _, err := net.SplitHostPort(address); err != nil {
		address = net.JoinHostPort(address, itoa(stun.DefaultPort))
	}
	return address
}
