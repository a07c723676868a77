package models

import "time"

// PeerMetric - traffic and link state recorded per remote machine
type PeerMetric struct {
	MachineName     string    `json:"machine_name"`
	TransactionID   string    `json:"transaction_id"`
	Direction       string    `json:"direction"`
	Mode            string    `json:"mode"`
	Connected       bool      `json:"connected"`
	TrafficSent     int64     `json:"traffic_sent"`     // bytes
	TrafficReceived int64     `json:"traffic_received"` // bytes
	LastSeen        time.Time `json:"last_seen"`
}
