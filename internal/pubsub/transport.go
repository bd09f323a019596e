// Package pubsub routes chime network messages between a broker transport and
// topic-pattern handlers.
package pubsub

import (
	"context"
	"errors"
	"fmt"
)

// Message is one inbound publication
type Message struct {
	Topic    string
	Payload  []byte
	Retained bool // replayed from the retained store rather than published live
	// Pattern names the subscription that received the message when the
	// transport delivers once per subscription; empty means match every pattern
	Pattern string
}

// DeliverFunc receives every message the transport gets for any of its subscriptions
type DeliverFunc func(Message)

// Transport is the broker connection the Client drives.
// Subscribe only registers broker-side interest; matched messages arrive through
// the DeliverFunc given to Connect. A transport that delivers a message once per
// overlapping subscription sets Message.Pattern on each copy.
type Transport interface {
	Connect(ctx context.Context, deliver DeliverFunc) error
	Disconnect(ctx context.Context) error
	Publish(ctx context.Context, topic string, payload []byte, retain bool) error
	Subscribe(ctx context.Context, pattern string) error
	Unsubscribe(ctx context.Context, pattern string) error
}

// ErrNotConnected is returned when publishing without a connection
var ErrNotConnected = errors.New("not connected")

// TransportError wraps a failure reported by the transport
type TransportError struct {
	Op    string // connect, disconnect, publish, subscribe, unsubscribe
	Topic string
	Err   error
}

func (e *TransportError) Error() string {
	if e.Topic == "" {
		return fmt.Sprintf("transport %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("transport %s %s failed: %v", e.Op, e.Topic, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DecodeError reports an inbound payload that could not be decoded
type DecodeError struct {
	Topic string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode payload on %s: %v", e.Topic, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
