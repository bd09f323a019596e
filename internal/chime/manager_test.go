package chime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chimenet/internal/cache"
	"chimenet/internal/models"
	"chimenet/internal/pubsub"
)

func retainedList(t *testing.T, broker *pubsub.MemoryBroker, user string) []string {
	t.Helper()
	payload, ok := broker.Retained("/" + user + "/chime/list")
	require.True(t, ok)
	var list models.ChimeList
	require.NoError(t, json.Unmarshal(payload, &list))
	ids := make([]string, len(list.Chimes))
	for i, c := range list.Chimes {
		ids[i] = c.ID
	}
	return ids
}

func newManager(t *testing.T, broker *pubsub.MemoryBroker) *Manager {
	t.Helper()
	m := NewManager(newNetwork(t, broker, "alice"), Options{Player: &fakePlayer{}})
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return m
}

func TestManager_AddListRemove(t *testing.T) {
	broker := pubsub.NewMemoryBroker()
	m := newManager(t, broker)
	ctx := context.Background()

	_, err := m.Add(ctx, Options{ID: "desk", Name: "Desk"})
	require.NoError(t, err)
	_, err = m.Add(ctx, Options{ID: "kitchen", Name: "Kitchen"})
	require.NoError(t, err)

	_, err = m.Add(ctx, Options{ID: "desk"})
	assert.Error(t, err)

	assert.Equal(t, []string{"desk", "kitchen"}, retainedList(t, broker, "alice"))
	list := m.List()
	require.Len(t, list, 2)
	assert.Equal(t, "Desk", list[0].Name)

	require.NoError(t, m.Remove(ctx, "desk"))
	assert.Equal(t, []string{"kitchen"}, retainedList(t, broker, "alice"))
	assert.ErrorIs(t, m.Remove(ctx, "desk"), ErrChimeNotFound)

	payload, ok := broker.Retained("/alice/chime/desk/status")
	require.True(t, ok)
	var s models.ChimeStatus
	require.NoError(t, json.Unmarshal(payload, &s))
	assert.False(t, s.Online)

	// the shared connection stays up for the remaining chime
	assert.True(t, m.Network().Client().IsConnected())
	_, ok = m.Get("kitchen")
	assert.True(t, ok)
}

func TestManager_SetModeAndRespond(t *testing.T) {
	broker := pubsub.NewMemoryBroker()
	m := newManager(t, broker)
	ctx := context.Background()

	_, err := m.Add(ctx, Options{ID: "desk"})
	require.NoError(t, err)

	require.NoError(t, m.SetMode(ctx, "desk", models.Grinding))
	inst, _ := m.Get("desk")
	assert.Equal(t, models.Grinding, inst.Node().Mode())

	assert.ErrorIs(t, m.SetMode(ctx, "nope", models.Grinding), ErrChimeNotFound)
	_, err = m.Respond(ctx, "nope", models.Positive, "r1")
	assert.ErrorIs(t, err, ErrChimeNotFound)

	msg, err := m.Respond(ctx, "desk", models.Positive, "r1")
	require.NoError(t, err)
	assert.Equal(t, "alice_desk", msg.NodeID)
}

func TestManager_RingBetweenUsers(t *testing.T) {
	broker := pubsub.NewMemoryBroker()
	alice := newManager(t, broker)
	ctx := context.Background()

	player := &fakePlayer{}
	bob := NewManager(newNetwork(t, broker, "bob"), Options{Player: player})
	t.Cleanup(func() { _ = bob.Shutdown(context.Background()) })
	_, err := bob.Add(ctx, Options{ID: "hall"})
	require.NoError(t, err)
	require.NoError(t, bob.SetMode(ctx, "hall", models.Grinding))

	got := make(chan models.ResponseMessage, 1)
	_, err = alice.Network().SubscribeResponses(ctx, "bob", "hall", func(t string, p []byte) {
		if r, err := pubsub.DecodeJSON[models.ResponseMessage](t, p); err == nil {
			got <- r
		}
	})
	require.NoError(t, err)
	require.NoError(t, alice.Network().Connect(ctx))

	id, err := alice.Ring(ctx, "bob", "hall", nil, []string{"Am"}, 0)
	require.NoError(t, err)

	select {
	case r := <-got:
		assert.Equal(t, id, r.OriginalRingID)
		assert.Equal(t, models.Positive, r.Response)
	case <-time.After(2 * time.Second):
		t.Fatal("no response from bob")
	}
	require.Eventually(t, func() bool { return player.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"Am"}, player.last().chords)
}

func TestManager_ShutdownDisconnects(t *testing.T) {
	broker := pubsub.NewMemoryBroker()
	m := NewManager(newNetwork(t, broker, "alice"), Options{Player: &fakePlayer{}})
	ctx := context.Background()

	_, err := m.Add(ctx, Options{ID: "desk"})
	require.NoError(t, err)
	require.NoError(t, m.Shutdown(ctx))

	assert.Empty(t, m.Chimes())
	assert.False(t, m.Network().Client().IsConnected())
}

func TestPeerWatcher(t *testing.T) {
	broker := pubsub.NewMemoryBroker()
	ctx := context.Background()

	alice := newManager(t, broker)
	_, err := alice.Add(ctx, Options{ID: "desk"})
	require.NoError(t, err)

	peers, err := cache.NewPeerDirectory(cache.DefaultRistrettoConfig(), time.Minute)
	require.NoError(t, err)
	defer peers.Close()

	watcherNet := newNetwork(t, broker, "carol")
	require.NoError(t, watcherNet.Connect(ctx))
	w := NewPeerWatcher(watcherNet, peers, nil)
	require.NoError(t, w.Watch(ctx, "alice"))

	// the retained status is replayed on subscribe
	require.Eventually(t, func() bool {
		_, ok := peers.Get("alice", "desk")
		return ok
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, alice.SetMode(ctx, "desk", models.DoNotDisturb))
	require.Eventually(t, func() bool {
		p, ok := peers.Get("alice", "desk")
		return ok && p.Status.Mode == models.DoNotDisturb
	}, time.Second, 5*time.Millisecond)

	// malformed and mismatched statuses are ignored
	client := watcherNet.Client()
	require.NoError(t, client.Publish(ctx, "/alice/chime/kitchen/status", []byte("garbage"), false))
	require.NoError(t, client.PublishJSON(ctx, "/alice/chime/kitchen/status",
		models.ChimeStatus{ChimeID: "desk", Mode: models.Available, NodeID: "x"}, false))
	time.Sleep(50 * time.Millisecond)
	_, ok := peers.Get("alice", "kitchen")
	assert.False(t, ok)
	assert.Same(t, peers, w.Peers())
}
