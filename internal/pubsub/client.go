package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"chimenet/internal/metrics"
	"chimenet/internal/topic"
)

const inboundBuffer = 256

// Handler is invoked for every inbound message whose topic matches its pattern.
// Each invocation runs on its own goroutine.
type Handler func(topic string, payload []byte)

// Client owns a transport connection and fans inbound messages out to every
// handler whose pattern matches.
type Client struct {
	transport Transport
	logger    *zap.Logger

	// connMu serializes Connect, Disconnect, Subscribe and Unsubscribe so the
	// transport's subscription set always mirrors handlers while connected.
	connMu sync.Mutex

	mu        sync.RWMutex
	handlers  map[string]Handler
	connected bool
	stop      chan struct{}
	loopDone  chan struct{}

	inflight sync.WaitGroup
}

// NewClient creates a client on top of transport
func NewClient(transport Transport, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		transport: transport,
		logger:    logger.Named("pubsub"),
		handlers:  make(map[string]Handler),
	}
}

// Connect opens the transport and (re)subscribes every registered pattern.
// Calling it while connected is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.IsConnected() {
		return nil
	}

	inbound := make(chan Message, inboundBuffer)
	stop := make(chan struct{})
	loopDone := make(chan struct{})
	go c.receiveLoop(inbound, stop, loopDone)

	deliver := func(m Message) {
		select {
		case inbound <- m:
		case <-stop:
		}
	}

	if err := c.transport.Connect(ctx, deliver); err != nil {
		close(stop)
		<-loopDone
		return &TransportError{Op: "connect", Err: err}
	}

	for _, pattern := range c.patterns() {
		if err := c.transport.Subscribe(ctx, pattern); err != nil {
			if derr := c.transport.Disconnect(ctx); derr != nil {
				c.logger.Warn("Disconnect after failed subscribe", zap.Error(derr))
			}
			close(stop)
			<-loopDone
			return &TransportError{Op: "subscribe", Topic: pattern, Err: err}
		}
	}

	c.mu.Lock()
	c.connected = true
	c.stop = stop
	c.loopDone = loopDone
	c.mu.Unlock()

	c.logger.Info("Connected", zap.Int("subscriptions", len(c.patterns())))
	return nil
}

// Disconnect closes the transport. Calling it while disconnected is a no-op.
// Handlers already dispatched keep running; use Wait to block until they finish.
func (c *Client) Disconnect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	c.connected = false
	stop, loopDone := c.stop, c.loopDone
	c.mu.Unlock()

	err := c.transport.Disconnect(ctx)
	close(stop)
	<-loopDone

	if err != nil {
		return &TransportError{Op: "disconnect", Err: err}
	}
	c.logger.Info("Disconnected")
	return nil
}

// IsConnected reports whether the client currently holds a connection
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Wait blocks until every dispatched handler invocation has returned
func (c *Client) Wait() {
	c.inflight.Wait()
}

// Publish sends payload to topic. durable asks the transport to retain it for
// late subscribers.
func (c *Client) Publish(ctx context.Context, t string, payload []byte, durable bool) error {
	if topic.IsPattern(t) {
		return &TransportError{Op: "publish", Topic: t, Err: fmt.Errorf("cannot publish to a wildcard pattern")}
	}
	if !c.IsConnected() {
		metrics.PublishFailed()
		return &TransportError{Op: "publish", Topic: t, Err: ErrNotConnected}
	}
	if err := c.transport.Publish(ctx, t, payload, durable); err != nil {
		metrics.PublishFailed()
		return &TransportError{Op: "publish", Topic: t, Err: err}
	}
	return nil
}

// PublishJSON encodes v as JSON and publishes it
func (c *Client) PublishJSON(ctx context.Context, t string, v any, durable bool) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode payload for %s: %w", t, err)
	}
	return c.Publish(ctx, t, payload, durable)
}

// Subscribe registers h for pattern, replacing any handler already registered
// for the same pattern. While disconnected the pattern is remembered and sent
// to the transport on the next Connect.
func (c *Client) Subscribe(ctx context.Context, pattern string, h Handler) error {
	if h == nil {
		return fmt.Errorf("nil handler for %s", pattern)
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()

	c.mu.Lock()
	_, existed := c.handlers[pattern]
	c.handlers[pattern] = h
	connected := c.connected
	c.mu.Unlock()

	if !connected || existed {
		return nil
	}
	if err := c.transport.Subscribe(ctx, pattern); err != nil {
		c.mu.Lock()
		delete(c.handlers, pattern)
		c.mu.Unlock()
		return &TransportError{Op: "subscribe", Topic: pattern, Err: err}
	}
	c.logger.Debug("Subscribed", zap.String("pattern", pattern))
	return nil
}

// Unsubscribe removes the handler for pattern
func (c *Client) Unsubscribe(ctx context.Context, pattern string) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	c.mu.Lock()
	_, existed := c.handlers[pattern]
	delete(c.handlers, pattern)
	connected := c.connected
	c.mu.Unlock()

	if !connected || !existed {
		return nil
	}
	if err := c.transport.Unsubscribe(ctx, pattern); err != nil {
		return &TransportError{Op: "unsubscribe", Topic: pattern, Err: err}
	}
	return nil
}

// Subscriptions returns the registered patterns
func (c *Client) Subscriptions() []string {
	return c.patterns()
}

func (c *Client) patterns() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.handlers))
	for p := range c.handlers {
		out = append(out, p)
	}
	return out
}

func (c *Client) receiveLoop(inbound <-chan Message, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case m := <-inbound:
			c.dispatch(m)
		}
	}
}

// dispatch starts one goroutine per matching handler and never waits for them
func (c *Client) dispatch(m Message) {
	c.mu.RLock()
	matched := make(map[string]Handler)
	if m.Pattern != "" {
		if h, ok := c.handlers[m.Pattern]; ok && topic.Matches(m.Pattern, m.Topic) {
			matched[m.Pattern] = h
		}
	} else {
		for pattern, h := range c.handlers {
			if topic.Matches(pattern, m.Topic) {
				matched[pattern] = h
			}
		}
	}
	c.mu.RUnlock()

	if len(matched) == 0 {
		c.logger.Debug("No handler for message", zap.String("topic", m.Topic))
		return
	}
	for pattern, h := range matched {
		c.inflight.Add(1)
		go c.invoke(pattern, h, m)
	}
}

func (c *Client) invoke(pattern string, h Handler, m Message) {
	defer c.inflight.Done()
	defer func() {
		if r := recover(); r != nil {
			metrics.Dispatched(true)
			c.logger.Error("Handler panicked",
				zap.String("pattern", pattern),
				zap.String("topic", m.Topic),
				zap.Any("panic", r))
		}
	}()
	h(m.Topic, m.Payload)
	metrics.Dispatched(false)
}

// DecodeJSON decodes a payload received on topic into T
func DecodeJSON[T any](t string, payload []byte) (T, error) {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		metrics.DecodeFailed()
		return v, &DecodeError{Topic: t, Err: err}
	}
	return v, nil
}
