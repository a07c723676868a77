package mq

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gravitl/tunlink/models"
)

const (
	topicBegin   = "begin"
	topicReply   = "reply"
	topicFail    = "fail"
	topicSuccess = "success"
)

// signal - wire form of every signaling message
type signal struct {
	From     string                   `json:"from"`
	Request  models.ConnectionRequest `json:"request"`
	Accepted bool                     `json:"accepted,omitempty"`
}

func beginTopic(machine string) string   { return topic(machine, topicBegin) }
func replyTopic(machine string) string   { return topic(machine, topicReply) }
func failTopic(machine string) string    { return topic(machine, topicFail) }
func successTopic(machine string) string { return topic(machine, topicSuccess) }

func topic(machine, kind string) string {
	return fmt.Sprintf("tunnel/%s/%s", machine, kind)
}

// getKind - last topic level, e.g. begin for tunnel/node-a/begin
func getKind(topic string) (string, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != "tunnel" {
		return "", fmt.Errorf("invalid signaling topic %q", topic)
	}
	return parts[2], nil
}

func encode(sig signal) ([]byte, error) {
	return json.Marshal(sig)
}

func decode(data []byte) (signal, error) {
	var sig signal
	if err := json.Unmarshal(data, &sig); err != nil {
		return sig, fmt.Errorf("error unmarshaling payload %w", err)
	}
	if sig.From == "" {
		return sig, fmt.Errorf("signal without sender")
	}
	return sig, nil
}
