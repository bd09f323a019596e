package nats

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chimenet/internal/pubsub"
)

type collector struct {
	mu   sync.Mutex
	msgs []pubsub.Message
}

func (c *collector) deliver(m pubsub.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, m)
}

func (c *collector) snapshot() []pubsub.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]pubsub.Message(nil), c.msgs...)
}

// setupTestTransport starts a transport with its own embedded server
func setupTestTransport(t *testing.T, deliver pubsub.DeliverFunc) *Transport {
	t.Helper()
	tr := NewTransport(Config{
		Embedded:   true,
		BucketName: "test-retained",
		DataDir:    t.TempDir(),
		ClientName: "chimenet-test",
	}, nil)
	require.NoError(t, tr.Connect(context.Background(), deliver))
	t.Cleanup(func() {
		if err := tr.Disconnect(context.Background()); err != nil {
			t.Logf("Error closing transport: %v", err)
		}
	})
	return tr
}

func TestTransport_PublishSubscribe(t *testing.T) {
	ctx := context.Background()
	var got collector
	tr := setupTestTransport(t, got.deliver)
	assert.True(t, tr.Ready())
	assert.NotEmpty(t, tr.URL())

	require.NoError(t, tr.Subscribe(ctx, "/+/chime/+/ring"))
	require.NoError(t, tr.Publish(ctx, "/alice/chime/c1/ring", []byte(`{"chime_id":"c1"}`), false))
	require.NoError(t, tr.Publish(ctx, "/alice/chime/c1/status", []byte(`{}`), false))

	require.Eventually(t, func() bool { return len(got.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	msg := got.snapshot()[0]
	assert.Equal(t, "/alice/chime/c1/ring", msg.Topic)
	assert.Equal(t, `{"chime_id":"c1"}`, string(msg.Payload))
	assert.False(t, msg.Retained)
}

func TestTransport_RetainedReplay(t *testing.T) {
	ctx := context.Background()
	var got collector
	tr := setupTestTransport(t, got.deliver)

	require.NoError(t, tr.Publish(ctx, "/alice/chime/c1/status", []byte(`"v1"`), true))
	require.NoError(t, tr.Publish(ctx, "/alice/chime/c1/status", []byte(`"v2"`), true))
	require.NoError(t, tr.Publish(ctx, "/alice/chime/c2/notes", []byte(`["C4"]`), true))
	require.NoError(t, tr.Publish(ctx, "/bob/chime/c9/status", []byte(`"other"`), true))
	require.NoError(t, tr.Publish(ctx, "/alice/chime/c1/ring", []byte(`{}`), false))

	require.NoError(t, tr.Subscribe(ctx, "/alice/chime/+/+"))

	msgs := got.snapshot()
	require.Len(t, msgs, 2)
	byTopic := map[string]string{}
	for _, m := range msgs {
		assert.True(t, m.Retained)
		byTopic[m.Topic] = string(m.Payload)
	}
	assert.Equal(t, map[string]string{
		"/alice/chime/c1/status": `"v2"`,
		"/alice/chime/c2/notes":  `["C4"]`,
	}, byTopic)
}

func TestTransport_ClearRetained(t *testing.T) {
	ctx := context.Background()
	var got collector
	tr := setupTestTransport(t, got.deliver)

	require.NoError(t, tr.Publish(ctx, "/alice/chime/c1/status", []byte(`"v1"`), true))
	require.NoError(t, tr.Publish(ctx, "/alice/chime/c1/status", nil, true))
	require.NoError(t, tr.Publish(ctx, "/alice/chime/c2/status", nil, true))

	require.NoError(t, tr.Subscribe(ctx, "/alice/#"))
	assert.Empty(t, got.snapshot())
}

func TestTransport_Unsubscribe(t *testing.T) {
	ctx := context.Background()
	var got collector
	tr := setupTestTransport(t, got.deliver)

	require.NoError(t, tr.Subscribe(ctx, "/alice/#"))
	require.NoError(t, tr.Subscribe(ctx, "/alice/#"))
	require.NoError(t, tr.Unsubscribe(ctx, "/alice/#"))
	require.NoError(t, tr.Unsubscribe(ctx, "/alice/#"))

	require.NoError(t, tr.Publish(ctx, "/alice/chime/list", []byte(`{}`), false))
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, got.snapshot())
}

func TestTransport_NotConnected(t *testing.T) {
	tr := NewTransport(Config{}, nil)
	ctx := context.Background()
	assert.ErrorIs(t, tr.Publish(ctx, "/alice/chime/list", []byte("x"), false), pubsub.ErrNotConnected)
	assert.ErrorIs(t, tr.Subscribe(ctx, "/alice/#"), pubsub.ErrNotConnected)
	assert.False(t, tr.Ready())
	assert.Empty(t, tr.URL())
	require.NoError(t, tr.Disconnect(ctx))
}

func TestTransport_LeafWithoutCenterURL(t *testing.T) {
	tr := NewTransport(Config{Embedded: true, NodeType: NodeLeaf}, nil)
	err := tr.Connect(context.Background(), func(pubsub.Message) {})
	assert.Error(t, err)
	assert.False(t, tr.Ready())
}

// Two clients on one embedded broker, driven through pubsub.Client
func TestTransport_WithClient(t *testing.T) {
	ctx := context.Background()
	server := setupTestTransport(t, func(pubsub.Message) {})

	pub := pubsub.NewClient(NewTransport(Config{ServerURL: server.URL(), BucketName: "test-retained"}, nil), nil)
	sub := pubsub.NewClient(NewTransport(Config{ServerURL: server.URL(), BucketName: "test-retained"}, nil), nil)
	require.NoError(t, pub.Connect(ctx))
	require.NoError(t, sub.Connect(ctx))
	defer func() {
		_ = sub.Disconnect(ctx)
		_ = pub.Disconnect(ctx)
		sub.Wait()
	}()

	require.NoError(t, pub.Publish(ctx, "/alice/chime/c1/status", []byte(`"retained"`), true))

	got := make(chan string, 4)
	require.NoError(t, sub.Subscribe(ctx, "/alice/chime/c1/+", func(topic string, payload []byte) {
		got <- topic + "=" + string(payload)
	}))
	require.NoError(t, pub.Publish(ctx, "/alice/chime/c1/ring", []byte(`"live"`), false))

	seen := map[string]bool{}
	deadline := time.After(2 * time.Second)
	for len(seen) < 2 {
		select {
		case s := <-got:
			seen[s] = true
		case <-deadline:
			t.Fatalf("timeout, saw %v", seen)
		}
	}
	assert.True(t, seen[`/alice/chime/c1/status="retained"`])
	assert.True(t, seen[`/alice/chime/c1/ring="live"`])
}

func TestTransport_OverlappingSubscriptionsRunHandlersOnce(t *testing.T) {
	ctx := context.Background()
	tr := NewTransport(Config{
		Embedded:   true,
		BucketName: "test-retained",
		DataDir:    t.TempDir(),
		ClientName: "chimenet-test",
	}, nil)
	client := pubsub.NewClient(tr, nil)
	require.NoError(t, client.Connect(ctx))
	t.Cleanup(func() {
		_ = client.Disconnect(context.Background())
		client.Wait()
	})

	var exact, wildcard atomic.Int32
	require.NoError(t, client.Subscribe(ctx, "/alice/chime/c1/ring", func(string, []byte) { exact.Add(1) }))
	require.NoError(t, client.Subscribe(ctx, "/alice/chime/+/+", func(string, []byte) { wildcard.Add(1) }))
	require.NoError(t, client.Publish(ctx, "/alice/chime/c1/ring", []byte(`{}`), false))

	require.Eventually(t, func() bool {
		return exact.Load() == 1 && wildcard.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	client.Wait()
	assert.Equal(t, int32(1), exact.Load())
	assert.Equal(t, int32(1), wildcard.Load())
}
