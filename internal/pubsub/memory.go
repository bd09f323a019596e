package pubsub

import (
	"context"
	"errors"
	"sync"

	"chimenet/internal/topic"
)

// MemoryBroker is an in-process broker with retained messages.
// Transports created from the same broker see each other's publications.
type MemoryBroker struct {
	mu       sync.Mutex
	retained map[string][]byte
	clients  map[*MemoryTransport]struct{}
}

// NewMemoryBroker creates an empty broker
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		retained: make(map[string][]byte),
		clients:  make(map[*MemoryTransport]struct{}),
	}
}

// Retained returns the retained payload for topic
func (b *MemoryBroker) Retained(t string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.retained[t]
	return p, ok
}

// NewTransport creates a transport attached to the broker
func (b *MemoryBroker) NewTransport() *MemoryTransport {
	return &MemoryTransport{
		broker:   b,
		patterns: make(map[string]struct{}),
		failures: make(map[string]error),
	}
}

func (b *MemoryBroker) publish(t string, payload []byte, retain bool) {
	b.mu.Lock()
	if retain {
		// an empty retained payload clears the topic, as with MQTT
		if len(payload) == 0 {
			delete(b.retained, t)
		} else {
			b.retained[t] = append([]byte(nil), payload...)
		}
	}
	targets := make([]*MemoryTransport, 0, len(b.clients))
	for c := range b.clients {
		targets = append(targets, c)
	}
	b.mu.Unlock()

	for _, c := range targets {
		c.offer(Message{Topic: t, Payload: payload})
	}
}

func (b *MemoryBroker) retainedMatching(pattern string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Message
	for t, p := range b.retained {
		if topic.Matches(pattern, t) {
			out = append(out, Message{Topic: t, Payload: p, Retained: true})
		}
	}
	return out
}

// MemoryTransport is a Transport backed by a MemoryBroker.
// A message is delivered once per transport even when several of its patterns match.
type MemoryTransport struct {
	broker *MemoryBroker

	mu        sync.Mutex
	deliver   DeliverFunc
	connected bool
	patterns  map[string]struct{}
	failures  map[string]error
	published []Message
}

// FailNext makes the next call of op (connect, disconnect, publish, subscribe, unsubscribe) return err
func (t *MemoryTransport) FailNext(op string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures[op] = err
}

// Published returns every message published through this transport
func (t *MemoryTransport) Published() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Message(nil), t.published...)
}

func (t *MemoryTransport) takeFailure(op string) error {
	if err, ok := t.failures[op]; ok {
		delete(t.failures, op)
		return err
	}
	return nil
}

func (t *MemoryTransport) Connect(ctx context.Context, deliver DeliverFunc) error {
	t.mu.Lock()
	if err := t.takeFailure("connect"); err != nil {
		t.mu.Unlock()
		return err
	}
	t.deliver = deliver
	t.connected = true
	t.patterns = make(map[string]struct{})
	t.mu.Unlock()

	t.broker.mu.Lock()
	t.broker.clients[t] = struct{}{}
	t.broker.mu.Unlock()
	return nil
}

func (t *MemoryTransport) Disconnect(ctx context.Context) error {
	t.broker.mu.Lock()
	delete(t.broker.clients, t)
	t.broker.mu.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = false
	t.deliver = nil
	return t.takeFailure("disconnect")
}

func (t *MemoryTransport) Publish(ctx context.Context, name string, payload []byte, retain bool) error {
	t.mu.Lock()
	if err := t.takeFailure("publish"); err != nil {
		t.mu.Unlock()
		return err
	}
	if !t.connected {
		t.mu.Unlock()
		return errors.New("memory transport not connected")
	}
	t.published = append(t.published, Message{Topic: name, Payload: append([]byte(nil), payload...), Retained: retain})
	t.mu.Unlock()

	t.broker.publish(name, payload, retain)
	return nil
}

func (t *MemoryTransport) Subscribe(ctx context.Context, pattern string) error {
	t.mu.Lock()
	if err := t.takeFailure("subscribe"); err != nil {
		t.mu.Unlock()
		return err
	}
	t.patterns[pattern] = struct{}{}
	deliver := t.deliver
	t.mu.Unlock()

	if deliver != nil {
		for _, m := range t.broker.retainedMatching(pattern) {
			deliver(m)
		}
	}
	return nil
}

func (t *MemoryTransport) Unsubscribe(ctx context.Context, pattern string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.patterns, pattern)
	return t.takeFailure("unsubscribe")
}

func (t *MemoryTransport) offer(m Message) {
	t.mu.Lock()
	deliver := t.deliver
	matched := false
	for p := range t.patterns {
		if topic.Matches(p, m.Topic) {
			matched = true
			break
		}
	}
	t.mu.Unlock()

	if matched && deliver != nil {
		deliver(m)
	}
}
