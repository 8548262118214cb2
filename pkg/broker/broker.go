// Package broker implements the pub/sub fan-out between relayd instances:
// every event the realtime hub emits is also published here,
// tagged with the publishing instance's server id; incoming messages are
// redispatched to local subscribers, with self-published messages
// suppressed to prevent loops.
package broker

import (
	"context"
	"encoding/json"
)

// Message is one cross-instance event.
type Message struct {
	ServerID string      `json:"server_id"`
	Room     string      `json:"room,omitempty"`
	Event    string      `json:"event"`
	Data     interface{} `json:"data,omitempty"`
}

// Encode renders m for the wire.
func (m Message) Encode() ([]byte, error) { return json.Marshal(m) }

// DecodeMessage parses a wire payload.
func DecodeMessage(data []byte) (Message, error) {
	var m Message
	err := json.Unmarshal(data, &m)
	return m, err
}

// Handler receives messages published by other instances (and, on the
// memory broker, by this one; the hub filters on ServerID).
type Handler func(Message)

// Broker is the pluggable fan-out interface.
type Broker interface {
	// Publish sends msg to every instance. Publish is bounded; on failure
	// the event has already been delivered locally, so errors are logged
	// and not retried inline.
	Publish(ctx context.Context, msg Message) error

	// Subscribe registers h for incoming messages. Safe to call before or
	// after the broker connects.
	Subscribe(h Handler)

	// Ping verifies connectivity for health checks.
	Ping(ctx context.Context) error

	Close() error
}
