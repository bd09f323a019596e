// Package nats implements the pubsub transport on NATS. Retained topics are
// kept in a JetStream KeyValue bucket and replayed to new subscriptions.
package nats

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"chimenet/internal/pubsub"
)

// Config holds configuration for the NATS transport
type Config struct {
	ServerURL    string
	ClientName   string
	BucketName   string
	Embedded     bool
	DataDir      string
	NodeType     string // "center" or "leaf"
	CenterURL    string // URL of center node (for leaf nodes)
	MQTTPort     int    // MQTT listener of an embedded center, 0 disables it
	LeafPort     int    // Port for leaf connections (for center nodes)
	ClusterPort  int    // Port for cluster connections (for center nodes)
	StartTimeout string // Startup wait duration, e.g., "30s"
}

func (c Config) nodeType() string {
	if c.NodeType == "" {
		return NodeCenter
	}
	return c.NodeType
}

func (c Config) bucket() string {
	if c.BucketName == "" {
		return "chimenet-retained"
	}
	return c.BucketName
}

func (c Config) startTimeout() time.Duration {
	if d, err := time.ParseDuration(c.StartTimeout); err == nil && d > 0 {
		return d
	}
	if c.nodeType() == NodeCenter {
		return 30 * time.Second
	}
	return 15 * time.Second
}

// Transport is a pubsub.Transport over a NATS connection
type Transport struct {
	config Config
	logger *zap.Logger

	mu      sync.Mutex
	server  *server.Server
	conn    *nats.Conn
	kv      jetstream.KeyValue
	deliver pubsub.DeliverFunc
	subs    map[string]*nats.Subscription
}

var _ pubsub.Transport = (*Transport)(nil)

// NewTransport creates a NATS transport. Nothing is started until Connect.
func NewTransport(config Config, logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{
		config: config,
		logger: logger.Named("nats"),
		subs:   make(map[string]*nats.Subscription),
	}
}

// Connect starts the embedded server if configured, dials NATS and opens the retained bucket
func (t *Transport) Connect(ctx context.Context, deliver pubsub.DeliverFunc) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		t.deliver = deliver
		return nil
	}

	serverURL := t.config.ServerURL
	if t.config.Embedded {
		ns, err := startEmbeddedServer(t.config, t.logger)
		if err != nil {
			return fmt.Errorf("failed to start embedded server: %w", err)
		}
		t.server = ns
		serverURL = ns.ClientURL()
	}
	if serverURL == "" {
		if t.config.nodeType() == NodeLeaf && t.config.CenterURL != "" {
			serverURL = t.config.CenterURL
		} else {
			serverURL = nats.DefaultURL
		}
	}

	conn, err := nats.Connect(serverURL,
		nats.Name(t.config.ClientName),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				t.logger.Warn("Disconnected from NATS", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			t.logger.Info("Reconnected to NATS", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		t.cleanupLocked()
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	t.conn = conn

	kv, err := t.openBucket(ctx)
	if err != nil {
		t.cleanupLocked()
		return err
	}
	t.kv = kv
	t.deliver = deliver

	t.logger.Info("Connected", zap.String("url", serverURL), zap.String("bucket", t.config.bucket()))
	return nil
}

// openBucket creates the retained bucket on a center node, or opens the existing one
func (t *Transport) openBucket(ctx context.Context) (jetstream.KeyValue, error) {
	js, err := jetstream.New(t.conn)
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	bucket := t.config.bucket()
	if t.config.nodeType() == NodeCenter {
		kv, err := js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      bucket,
			Description: "latest retained message per chimenet topic",
			History:     1,
		})
		if err == nil {
			return kv, nil
		}
	}
	kv, err := js.KeyValue(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to create/get KV bucket: %w", err)
	}
	return kv, nil
}

// Disconnect drops every subscription, closes the connection and stops the embedded server
func (t *Transport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var errs []error
	for pattern, sub := range t.subs {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, fmt.Errorf("unsubscribe %s: %w", pattern, err))
		}
	}
	t.subs = make(map[string]*nats.Subscription)
	t.deliver = nil
	t.cleanupLocked()
	return errors.Join(errs...)
}

// Publish sends payload on the topic's subject. Retained payloads are also
// stored in the bucket; an empty retained payload clears the topic.
func (t *Transport) Publish(ctx context.Context, name string, payload []byte, retain bool) error {
	t.mu.Lock()
	conn, kv := t.conn, t.kv
	t.mu.Unlock()
	if conn == nil {
		return pubsub.ErrNotConnected
	}

	subject := subjectFor(name)
	if retain {
		if len(payload) == 0 {
			if err := kv.Delete(ctx, subject); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
				return fmt.Errorf("failed to clear retained %s: %w", name, err)
			}
		} else if _, err := kv.Put(ctx, subject, payload); err != nil {
			return fmt.Errorf("failed to retain %s: %w", name, err)
		}
	}
	if err := conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("failed to publish %s: %w", name, err)
	}
	return nil
}

// Subscribe registers broker interest in pattern and replays retained
// messages that match it
func (t *Transport) Subscribe(ctx context.Context, pattern string) error {
	t.mu.Lock()
	if t.conn == nil {
		t.mu.Unlock()
		return pubsub.ErrNotConnected
	}
	if _, ok := t.subs[pattern]; ok {
		t.mu.Unlock()
		return nil
	}
	subject := subjectFor(pattern)
	sub, err := t.conn.Subscribe(subject, func(m *nats.Msg) { t.onMsg(pattern, m) })
	if err != nil {
		t.mu.Unlock()
		return fmt.Errorf("failed to subscribe %s: %w", pattern, err)
	}
	t.subs[pattern] = sub
	kv, deliver := t.kv, t.deliver
	t.mu.Unlock()

	t.logger.Debug("Subscribed", zap.String("pattern", pattern), zap.String("subject", subject))
	return t.replay(ctx, kv, subject, deliver)
}

// replay delivers the current value of every retained key matching subject
func (t *Transport) replay(ctx context.Context, kv jetstream.KeyValue, subject string, deliver pubsub.DeliverFunc) error {
	if deliver == nil {
		return nil
	}
	watcher, err := kv.Watch(ctx, subject, jetstream.IgnoreDeletes())
	if err != nil {
		return fmt.Errorf("failed to replay retained messages for %s: %w", subject, err)
	}
	defer watcher.Stop()

	for {
		select {
		case entry := <-watcher.Updates():
			// nil marks the end of the initial values
			if entry == nil {
				return nil
			}
			deliver(pubsub.Message{Topic: topicFor(entry.Key()), Payload: entry.Value(), Retained: true})
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Unsubscribe drops broker interest in pattern
func (t *Transport) Unsubscribe(ctx context.Context, pattern string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	sub, ok := t.subs[pattern]
	if !ok {
		return nil
	}
	delete(t.subs, pattern)
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("failed to unsubscribe %s: %w", pattern, err)
	}
	return nil
}

// Ready reports whether the NATS connection is up
func (t *Transport) Ready() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil && t.conn.IsConnected()
}

// URL returns the URL clients can use to reach the broker, empty before Connect
func (t *Transport) URL() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.server != nil {
		return t.server.ClientURL()
	}
	if t.conn != nil {
		return t.conn.ConnectedUrl()
	}
	return ""
}

// onMsg runs once per subscription whose subject matches, so each copy carries its pattern
func (t *Transport) onMsg(pattern string, m *nats.Msg) {
	t.mu.Lock()
	deliver := t.deliver
	t.mu.Unlock()
	if deliver == nil {
		return
	}
	deliver(pubsub.Message{Topic: topicFor(m.Subject), Payload: m.Data, Pattern: pattern})
}

// cleanupLocked closes connections and shuts down the embedded server
func (t *Transport) cleanupLocked() {
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	t.kv = nil
	if t.server != nil {
		t.server.Shutdown()
		t.server.WaitForShutdown()
		t.server = nil
	}
}
