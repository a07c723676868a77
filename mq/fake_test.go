package mq

import (
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// broker - in memory MQTT broker delivering every publish asynchronously
type broker struct {
	mu   sync.Mutex
	subs map[string]mqtt.MessageHandler
}

func newBroker() *broker {
	return &broker{subs: make(map[string]mqtt.MessageHandler)}
}

func (b *broker) client() *fakeClient {
	return &fakeClient{b: b, open: true}
}

func matches(filter, topic string) bool {
	if strings.HasSuffix(filter, "/#") {
		return strings.HasPrefix(topic, strings.TrimSuffix(filter, "#"))
	}
	return filter == topic
}

func (b *broker) deliver(c *fakeClient, topic string, payload []byte) {
	b.mu.Lock()
	var handlers []mqtt.MessageHandler
	for filter, h := range b.subs {
		if matches(filter, topic) {
			handlers = append(handlers, h)
		}
	}
	b.mu.Unlock()
	for _, h := range handlers {
		go h(c, &message{topic: topic, payload: payload})
	}
}

type fakeClient struct {
	b    *broker
	mu   sync.Mutex
	open bool
}

func (c *fakeClient) IsConnected() bool { return c.IsConnectionOpen() }

func (c *fakeClient) IsConnectionOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *fakeClient) Connect() mqtt.Token { return doneToken{} }

func (c *fakeClient) Disconnect(quiesce uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = false
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	var data []byte
	switch p := payload.(type) {
	case []byte:
		data = p
	case string:
		data = []byte(p)
	}
	c.b.deliver(c, topic, data)
	return doneToken{}
}

func (c *fakeClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	c.b.subs[topic] = callback
	return doneToken{}
}

func (c *fakeClient) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	for filter := range filters {
		c.Subscribe(filter, 0, callback)
	}
	return doneToken{}
}

func (c *fakeClient) Unsubscribe(topics ...string) mqtt.Token {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	for _, topic := range topics {
		delete(c.b.subs, topic)
	}
	return doneToken{}
}

func (c *fakeClient) AddRoute(topic string, callback mqtt.MessageHandler) {
	c.Subscribe(topic, 0, callback)
}

func (c *fakeClient) OptionsReader() mqtt.ClientOptionsReader {
	return mqtt.ClientOptionsReader{}
}

type doneToken struct{}

var closedCh = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

func (doneToken) Wait() bool                     { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (doneToken) Done() <-chan struct{}          { return closedCh }
func (doneToken) Error() error                   { return nil }

type message struct {
	topic   string
	payload []byte
}

func (m *message) Duplicate() bool   { return false }
func (m *message) Qos() byte         { return 0 }
func (m *message) Retained() bool    { return false }
func (m *message) Topic() string     { return m.topic }
func (m *message) MessageID() uint16 { return 0 }
func (m *message) Payload() []byte   { return m.payload }
func (m *message) Ack()              {}
