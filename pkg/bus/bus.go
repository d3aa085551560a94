// Package bus is the orchestrator's external message-bus boundary: a send primitive
// and a subscriber loop the core uses only to emit REVIEW_REQUEST and read
// it back to drive automated reviewer agents. The default implementation
// is backed by nats-io/nats.go, grounded on the subject-based pub/sub idiom
// used elsewhere in the pack rather than JetStream persistence — the core
// needs fire-and-forget delivery, not replay.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// MessageType enumerates the subjects the core emits and consumes.
type MessageType string

// ReviewRequest is the only message type the core's internal control flow
// depends on.
const ReviewRequest MessageType = "REVIEW_REQUEST"

// Message is the envelope published and received on the bus.
type Message struct {
	Type      MessageType
	TaskID    string
	AgentID   string
	Payload   map[string]any
	EmittedAt time.Time
}

// Bus is the send/subscribe primitive the core depends on.
type Bus interface {
	Send(ctx context.Context, msg Message) error
	Subscribe(ctx context.Context, msgType MessageType, handler func(Message)) (unsubscribe func() error, err error)
	Close()
}

// NATSBus implements Bus over a nats.Conn.
type NATSBus struct {
	conn *nats.Conn
}

// Connect dials a NATS server at url (e.g. "nats://localhost:4222").
func Connect(url string) (*NATSBus, error) {
	conn, err := nats.Connect(url, nats.Name("orchestrator"))
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}
	return &NATSBus{conn: conn}, nil
}

// Send publishes msg on the subject named after its Type.
func (b *NATSBus) Send(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling bus message: %w", err)
	}
	if err := b.conn.Publish(string(msg.Type), data); err != nil {
		return fmt.Errorf("publishing to %s: %w", msg.Type, err)
	}
	return nil
}

// Subscribe registers handler for every message published to msgType, until
// the returned unsubscribe function is called.
func (b *NATSBus) Subscribe(ctx context.Context, msgType MessageType, handler func(Message)) (func() error, error) {
	sub, err := b.conn.Subscribe(string(msgType), func(natsMsg *nats.Msg) {
		var msg Message
		if err := json.Unmarshal(natsMsg.Data, &msg); err != nil {
			return
		}
		handler(msg)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", msgType, err)
	}
	return sub.Unsubscribe, nil
}

// Close drains and closes the underlying connection.
func (b *NATSBus) Close() {
	_ = b.conn.Drain()
}
