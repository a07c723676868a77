// Package mq carries tunnel signaling over an MQTT broker
package mq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gravitl/tunlink/logger"
	"github.com/gravitl/tunlink/models"
	"github.com/gravitl/tunlink/tunnel"
	"golang.org/x/exp/slog"
)

// MQ_TIMEOUT - timeout for MQ in seconds
const MQ_TIMEOUT = 30

// MQ_DISCONNECT - quiesce time in milliseconds when disconnecting
const MQ_DISCONNECT = 250

// DefaultReplyTimeout - how long a begin request waits for the peer's answer
const DefaultReplyTimeout = 5 * time.Second

var (
	// ErrNotConnected - the broker connection is down
	ErrNotConnected = errors.New("not connected to broker")
	// ErrPublishTimeout - the broker did not acknowledge a publish in time
	ErrPublishTimeout = errors.New("publish timed out")
	// ErrClosed - the signaler was closed
	ErrClosed = errors.New("signaler closed")
)

// Handler - receives the peer's signals, always in this node's perspective
type Handler interface {
	Begin(req models.ConnectionRequest) error
	Fail(req models.ConnectionRequest)
	Success(req models.ConnectionRequest)
}

// Signaler - tunnel.Port that exchanges begin, fail and success messages with peers
// on tunnel/<machine>/... topics
type Signaler struct {
	name         string
	client       mqtt.Client
	replyTimeout time.Duration

	mu          sync.Mutex
	handler     Handler
	onConnected func(*tunnel.Connection)
	replies     map[string]chan bool
	closed      bool
}

var _ tunnel.Port = (*Signaler)(nil)

func setMqOptions(broker, user, password, clientID string, opts *mqtt.ClientOptions) {
	opts.AddBroker(broker)
	opts.ClientID = clientID
	opts.SetUsername(user)
	opts.SetPassword(password)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(time.Second << 2)
	opts.SetKeepAlive(time.Minute)
	opts.SetWriteTimeout(time.Minute)
	opts.SetOrderMatters(false)
}

// SetupMQTT connects to broker as name and subscribes to the node's signaling topics,
// which are renewed on every reconnect
func SetupMQTT(ctx context.Context, broker, user, password, name string) (*Signaler, error) {
	s := newSignaler(name)
	opts := mqtt.NewClientOptions()
	setMqOptions(broker, user, password, "tunlink-"+name, opts)
	logger.Log(0, "Mq Client Connecting with ID:", opts.ClientID)
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		if err := s.subscribe(client); err != nil {
			logger.Log(0, "signaling subscription failed:", err.Error())
		}
	})
	opts.SetConnectionLostHandler(func(c mqtt.Client, e error) {
		slog.Warn("detected broker connection lost", "err", e.Error())
	})
	s.client = mqtt.NewClient(opts)
	for {
		token := s.client.Connect()
		if token.WaitTimeout(MQ_TIMEOUT*time.Second) && token.Error() == nil {
			return s, nil
		}
		logger.Log(2, "unable to connect to broker, retrying ...")
		select {
		case <-ctx.Done():
			s.client.Disconnect(MQ_DISCONNECT)
			if token.Error() != nil {
				return nil, fmt.Errorf("could not connect to broker %s: %w", broker, token.Error())
			}
			return nil, fmt.Errorf("could not connect to broker %s: %w", broker, ctx.Err())
		case <-time.After(2 * time.Second):
		}
	}
}

// NewSignaler - signaler on an already connected client
func NewSignaler(client mqtt.Client, name string) (*Signaler, error) {
	s := newSignaler(name)
	s.client = client
	if err := s.subscribe(client); err != nil {
		return nil, err
	}
	return s, nil
}

func newSignaler(name string) *Signaler {
	return &Signaler{
		name:         name,
		replyTimeout: DefaultReplyTimeout,
		replies:      make(map[string]chan bool),
	}
}

func (s *Signaler) subscribe(client mqtt.Client) error {
	token := client.Subscribe(fmt.Sprintf("tunnel/%s/#", s.name), 0, mqtt.MessageHandler(s.dispatch))
	if !token.WaitTimeout(MQ_TIMEOUT * time.Second) {
		return ErrPublishTimeout
	}
	return token.Error()
}

// Attach - sets who receives the peer's signals
func (s *Signaler) Attach(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// OnConnected - sets who receives tunnels no local Connect waited for
func (s *Signaler) OnConnected(f func(*tunnel.Connection)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConnected = f
}

// SetReplyTimeout - bound on waiting for a begin answer
func (s *Signaler) SetReplyTimeout(d time.Duration) {
	if d > 0 {
		s.replyTimeout = d
	}
}

// IsConnected - function for determining if the mqclient is connected or not
func (s *Signaler) IsConnected() bool {
	return s.client != nil && s.client.IsConnectionOpen()
}

// SendConnectBegin asks the peer to begin req and waits for its answer
func (s *Signaler) SendConnectBegin(ctx context.Context, req models.ConnectionRequest) (bool, error) {
	reply := make(chan bool, 1)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false, ErrClosed
	}
	s.replies[req.TransactionID] = reply
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.replies, req.TransactionID)
		s.mu.Unlock()
	}()

	if err := s.send(beginTopic(req.Remote.MachineName), req); err != nil {
		return false, err
	}
	timer := time.NewTimer(s.replyTimeout)
	defer timer.Stop()
	select {
	case accepted, ok := <-reply:
		if !ok {
			return false, ErrClosed
		}
		return accepted, nil
	case <-timer.C:
		logger.Log(1, "no begin answer from", req.Remote.MachineName)
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// SendConnectFail - tells the peer req failed
func (s *Signaler) SendConnectFail(ctx context.Context, req models.ConnectionRequest) error {
	return s.send(failTopic(req.Remote.MachineName), req)
}

// SendConnectSuccess - tells the peer req succeeded
func (s *Signaler) SendConnectSuccess(ctx context.Context, req models.ConnectionRequest) error {
	return s.send(successTopic(req.Remote.MachineName), req)
}

// Connected - hands a tunnel to the OnConnected callback, closing it when none is set
func (s *Signaler) Connected(conn *tunnel.Connection) {
	s.mu.Lock()
	f := s.onConnected
	s.mu.Unlock()
	if f == nil {
		logger.Log(1, "no consumer for tunnel", conn.String())
		conn.Close()
		return
	}
	f(conn)
}

// send - publishes req mirrored to the receiver's perspective
func (s *Signaler) send(topic string, req models.ConnectionRequest) error {
	return s.publish(topic, signal{From: s.name, Request: req.Mirror()})
}

func (s *Signaler) publish(topic string, sig signal) error {
	if s.client == nil || !s.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	data, err := encode(sig)
	if err != nil {
		return err
	}
	token := s.client.Publish(topic, 0, false, data)
	if !token.WaitTimeout(MQ_TIMEOUT * time.Second) {
		return ErrPublishTimeout
	}
	return token.Error()
}

// Close - unsubscribes and disconnects, pending begin waits fail
func (s *Signaler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for txn, reply := range s.replies {
		close(reply)
		delete(s.replies, txn)
	}
	s.mu.Unlock()
	if s.client == nil {
		return
	}
	if s.client.IsConnectionOpen() {
		s.client.Unsubscribe(fmt.Sprintf("tunnel/%s/#", s.name)).WaitTimeout(time.Second)
	}
	s.client.Disconnect(MQ_DISCONNECT)
}
