package mq

import (
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gravitl/tunlink/logger"
	"github.com/gravitl/tunlink/models"
	"github.com/gravitl/tunlink/tunnel"
)

// TransportHandler - Handler backed by a tunnel transport
type TransportHandler struct {
	*tunnel.Transport
}

// Begin - starts the peer's attempt, reporting errors raised before it got going
func (h TransportHandler) Begin(req models.ConnectionRequest) error {
	task := h.OnBegin(req)
	select {
	case <-task.Done():
		_, err := task.Wait()
		return err
	default:
		return nil
	}
}

// Fail - OnFail
func (h TransportHandler) Fail(req models.ConnectionRequest) { h.OnFail(req) }

// Success - OnSuccess
func (h TransportHandler) Success(req models.ConnectionRequest) { h.OnSuccess(req) }

// dispatch message Handler -- routes every message on tunnel/<name>/#
func (s *Signaler) dispatch(client mqtt.Client, msg mqtt.Message) {
	kind, err := getKind(msg.Topic())
	if err != nil {
		logger.Log(1, err.Error())
		return
	}
	sig, err := decode(msg.Payload())
	if err != nil {
		logger.Log(1, "dropping signal on", msg.Topic(), err.Error())
		return
	}
	if sig.Request.Remote.MachineName != sig.From || sig.Request.Local.MachineName != s.name {
		logger.Log(1, "dropping signal from", sig.From, "for", sig.Request.Local.MachineName)
		return
	}
	logger.Log(3, "signal", kind, "from", sig.From, "transaction", sig.Request.TransactionID)
	switch kind {
	case topicBegin:
		go s.handleBegin(sig)
	case topicReply:
		s.handleReply(sig)
	case topicFail:
		if h := s.getHandler(); h != nil {
			go h.Fail(sig.Request)
		}
	case topicSuccess:
		if h := s.getHandler(); h != nil {
			go h.Success(sig.Request)
		}
	default:
		logger.Log(1, "unknown signal", kind, "from", sig.From)
	}
}

func (s *Signaler) getHandler() Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handler
}

// handleBegin - runs the begin and answers the sender
func (s *Signaler) handleBegin(sig signal) {
	req := sig.Request
	accepted := false
	if h := s.getHandler(); h == nil {
		logger.Log(1, "refusing begin from", sig.From, ": no handler")
	} else if req.TransportName != tunnel.TransportName {
		logger.Log(1, "refusing begin from", sig.From, "for transport", req.TransportName)
	} else if err := h.Begin(req); err != nil {
		logger.Log(1, "refusing begin from", sig.From, ":", err.Error())
	} else {
		accepted = true
	}
	reply := signal{From: s.name, Request: req.Mirror(), Accepted: accepted}
	if err := s.publish(replyTopic(sig.From), reply); err != nil {
		logger.Log(0, "could not answer begin from", sig.From, err.Error())
	}
}

// handleReply - completes the matching SendConnectBegin
func (s *Signaler) handleReply(sig signal) {
	s.mu.Lock()
	reply, ok := s.replies[sig.Request.TransactionID]
	if ok {
		delete(s.replies, sig.Request.TransactionID)
	}
	s.mu.Unlock()
	if !ok {
		logger.Log(2, "unexpected begin answer from", sig.From, "transaction", sig.Request.TransactionID)
		return
	}
	reply <- sig.Accepted
}
