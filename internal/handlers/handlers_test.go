package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/filecoin-project/go-clock"

	"chimenet/internal/auth"
	"chimenet/internal/cache"
	"chimenet/internal/chime"
	"chimenet/internal/models"
	"chimenet/internal/pubsub"
)

type silentPlayer struct{}

func (silentPlayer) Play([]string, []string, time.Duration) error { return nil }

type fakePeers []cache.Peer

func (p fakePeers) List() []cache.Peer { return p }

type apiFixture struct {
	broker    *pubsub.MemoryBroker
	transport *pubsub.MemoryTransport
	chime     *chime.Instance
	router    http.Handler
}

func newNetwork(t *testing.T, transport pubsub.Transport, user string) *pubsub.Network {
	t.Helper()
	client := pubsub.NewClient(transport, nil)
	n, err := pubsub.NewNetwork(client, user)
	if err != nil {
		t.Fatalf("failed to create network: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Disconnect(context.Background())
		client.Wait()
	})
	return n
}

func newAPIFixture(t *testing.T, peers PeerLister, authMW func(http.Handler) http.Handler) *apiFixture {
	t.Helper()
	f := &apiFixture{broker: pubsub.NewMemoryBroker()}
	f.transport = f.broker.NewTransport()

	mock := clock.NewMock()
	mock.Set(time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC))

	inst, err := chime.New(newNetwork(t, f.transport, "alice"), chime.Options{
		ID:     "desk",
		Name:   "Desk",
		Clock:  mock,
		Player: silentPlayer{},
	})
	if err != nil {
		t.Fatalf("failed to create chime: %v", err)
	}
	if err := inst.Start(context.Background()); err != nil {
		t.Fatalf("failed to start chime: %v", err)
	}
	t.Cleanup(func() { _ = inst.Shutdown(context.Background()) })
	f.chime = inst

	f.router = NewRouter(RouterConfig{
		Chime:  NewChimeHandler(inst, peers, nil),
		Health: NewHealthHandler(nil, func() interface{} { return inst.Status() }),
		Auth:   authMW,
	})
	return f
}

func (f *apiFixture) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, APIResponse) {
	t.Helper()
	var rd *bytes.Reader
	if body != "" {
		rd = bytes.NewReader([]byte(body))
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)

	var resp APIResponse
	if rr.Header().Get("Content-Type") == "application/json" {
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("invalid JSON body %q: %v", rr.Body.String(), err)
		}
	}
	return rr, resp
}

func expectStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Fatalf("expected %d, got %d: %s", want, rr.Code, rr.Body.String())
	}
}

// decodeData re-decodes the envelope's data into v
func decodeData(t *testing.T, resp APIResponse, v interface{}) {
	t.Helper()
	raw, err := json.Marshal(resp.Data)
	if err != nil {
		t.Fatalf("failed to re-encode data: %v", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		t.Fatalf("failed to decode data %s: %v", raw, err)
	}
}

func TestAPI_GetStatus(t *testing.T) {
	f := newAPIFixture(t, nil, nil)
	rr, resp := f.do(t, http.MethodGet, "/api/v1/status", "")
	expectStatus(t, rr, http.StatusOK)
	if !resp.Success {
		t.Fatalf("expected success")
	}
	var data struct {
		Chime  models.ChimeInfo   `json:"chime"`
		Status models.ChimeStatus `json:"status"`
	}
	decodeData(t, resp, &data)
	if data.Chime.ID != "desk" || !data.Status.Online || data.Status.Mode != models.Available {
		t.Fatalf("unexpected status %+v", data)
	}
}

func TestAPI_SetMode(t *testing.T) {
	f := newAPIFixture(t, nil, nil)

	rr, resp := f.do(t, http.MethodPut, "/api/v1/mode", `{"mode":"Grinding"}`)
	expectStatus(t, rr, http.StatusOK)
	var status models.ChimeStatus
	decodeData(t, resp, &status)
	if status.Mode != models.Grinding {
		t.Fatalf("expected Grinding, got %v", status.Mode)
	}
	if f.chime.Status().Mode != models.Grinding {
		t.Fatalf("chime mode not updated")
	}

	rr, resp = f.do(t, http.MethodPut, "/api/v1/mode", `{"mode":"meeting"}`)
	expectStatus(t, rr, http.StatusNotFound)
	if resp.Success || resp.Error == "" {
		t.Fatalf("expected error envelope, got %+v", resp)
	}

	rr, _ = f.do(t, http.MethodPut, "/api/v1/mode", `{}`)
	expectStatus(t, rr, http.StatusBadRequest)
	rr, _ = f.do(t, http.MethodPut, "/api/v1/mode", `not json`)
	expectStatus(t, rr, http.StatusBadRequest)
	rr, _ = f.do(t, http.MethodPut, "/api/v1/mode", `{"mode":"Grinding","extra":1}`)
	expectStatus(t, rr, http.StatusBadRequest)
}

func TestAPI_StatesLifecycle(t *testing.T) {
	f := newAPIFixture(t, nil, nil)

	rr, _ := f.do(t, http.MethodPut, "/api/v1/states/meeting",
		`{"should_chime":true,"auto_response":"Negative","auto_response_delay":2000,"priority":5}`)
	expectStatus(t, rr, http.StatusOK)

	rr, resp := f.do(t, http.MethodGet, "/api/v1/states", "")
	expectStatus(t, rr, http.StatusOK)
	var states []models.CustomState
	decodeData(t, resp, &states)
	if len(states) != 1 || states[0].Name != "meeting" || states[0].Priority != 5 {
		t.Fatalf("unexpected states %+v", states)
	}

	rr, _ = f.do(t, http.MethodPut, "/api/v1/mode", `{"mode":"meeting"}`)
	expectStatus(t, rr, http.StatusOK)
	if f.chime.Status().Mode != models.Custom("meeting") {
		t.Fatalf("expected custom mode, got %v", f.chime.Status().Mode)
	}

	rr, _ = f.do(t, http.MethodPut, "/api/v1/states/meeting", `{"name":"other","should_chime":true}`)
	expectStatus(t, rr, http.StatusBadRequest)
	rr, _ = f.do(t, http.MethodPut, "/api/v1/states/Available", `{"should_chime":true}`)
	expectStatus(t, rr, http.StatusBadRequest)
	rr, _ = f.do(t, http.MethodPut, "/api/v1/states/bad", `{"auto_response":"Maybe"}`)
	expectStatus(t, rr, http.StatusBadRequest)

	// removing the active state falls back to Available
	rr, resp = f.do(t, http.MethodDelete, "/api/v1/states/meeting", "")
	expectStatus(t, rr, http.StatusOK)
	var status models.ChimeStatus
	decodeData(t, resp, &status)
	if status.Mode != models.Available {
		t.Fatalf("expected Available after removal, got %v", status.Mode)
	}
	rr, _ = f.do(t, http.MethodDelete, "/api/v1/states/meeting", "")
	expectStatus(t, rr, http.StatusNotFound)
}

func TestAPI_Conditions(t *testing.T) {
	f := newAPIFixture(t, nil, nil)

	rr, _ := f.do(t, http.MethodPut, "/api/v1/conditions/user_present", `{"value":true}`)
	expectStatus(t, rr, http.StatusOK)
	rr, _ = f.do(t, http.MethodPut, "/api/v1/conditions/user_present", `{}`)
	expectStatus(t, rr, http.StatusBadRequest)

	rr, resp := f.do(t, http.MethodGet, "/api/v1/conditions", "")
	expectStatus(t, rr, http.StatusOK)
	var conds map[string]bool
	decodeData(t, resp, &conds)
	if !conds["user_present"] {
		t.Fatalf("expected condition to be stored, got %v", conds)
	}
}

func TestAPI_PendingAndRespond(t *testing.T) {
	f := newAPIFixture(t, nil, nil)
	ctx := context.Background()

	bob := newNetwork(t, f.broker.NewTransport(), "bob")
	if err := bob.Connect(ctx); err != nil {
		t.Fatalf("bob failed to connect: %v", err)
	}
	ringID, err := chime.Ring(ctx, bob, "alice", "desk", nil, nil, 0)
	if err != nil {
		t.Fatalf("ring failed: %v", err)
	}

	// Available waits for the user, so the ring stays pending
	var pending []string
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rr, resp := f.do(t, http.MethodGet, "/api/v1/pending", "")
		expectStatus(t, rr, http.StatusOK)
		decodeData(t, resp, &pending)
		if len(pending) == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(pending) != 1 || pending[0] != ringID {
		t.Fatalf("expected ring %s pending, got %v", ringID, pending)
	}

	rr, _ := f.do(t, http.MethodPost, "/api/v1/respond", `{"response":"Maybe"}`)
	expectStatus(t, rr, http.StatusBadRequest)

	rr, resp := f.do(t, http.MethodPost, "/api/v1/respond", `{"response":"Positive","ring_id":"`+ringID+`"}`)
	expectStatus(t, rr, http.StatusOK)
	var msg models.ResponseMessage
	decodeData(t, resp, &msg)
	if msg.OriginalRingID != ringID || msg.Response != models.Positive || msg.NodeID != "alice_desk" {
		t.Fatalf("unexpected response %+v", msg)
	}
	if len(f.chime.Pending()) != 0 {
		t.Fatalf("expected pending ring to be resolved")
	}
}

func TestAPI_Ring(t *testing.T) {
	f := newAPIFixture(t, nil, nil)

	rr, _ := f.do(t, http.MethodPost, "/api/v1/ring", `{"user":"bob"}`)
	expectStatus(t, rr, http.StatusBadRequest)

	rr, resp := f.do(t, http.MethodPost, "/api/v1/ring", `{"user":"bob","chime_id":"hall","chords":["Am"],"duration_ms":300}`)
	expectStatus(t, rr, http.StatusAccepted)
	var data map[string]string
	decodeData(t, resp, &data)
	if data["ring_id"] == "" {
		t.Fatalf("expected a ring id")
	}

	var found bool
	for _, m := range f.transport.Published() {
		if m.Topic != "/bob/chime/hall/ring" {
			continue
		}
		var req models.ChimeRingRequest
		if err := json.Unmarshal(m.Payload, &req); err != nil {
			t.Fatalf("invalid ring payload: %v", err)
		}
		found = req.RingID == data["ring_id"] && req.User == "alice" && req.DurationMs != nil && *req.DurationMs == 300
	}
	if !found {
		t.Fatalf("ring request not published")
	}

	rr, _ = f.do(t, http.MethodPost, "/api/v1/ring", `{"user":"bob","chime_id":"bad/id"}`)
	expectStatus(t, rr, http.StatusBadRequest)
	rr, _ = f.do(t, http.MethodPost, "/api/v1/ring", `{"user":"bob","chime_id":"*"}`)
	expectStatus(t, rr, http.StatusBadRequest)

	rr, _ = f.do(t, http.MethodPost, "/api/v1/ring", `{"user":"bob","chime_id":"hall","duration_ms":18446744073709551615}`)
	expectStatus(t, rr, http.StatusAccepted)
	published := f.transport.Published()
	var long models.ChimeRingRequest
	if err := json.Unmarshal(published[len(published)-1].Payload, &long); err != nil {
		t.Fatalf("invalid ring payload: %v", err)
	}
	if long.DurationMs == nil || models.Millis(*long.DurationMs) <= 0 {
		t.Errorf("expected a saturated positive duration, got %v", long.DurationMs)
	}
}

func TestAPI_Peers(t *testing.T) {
	peers := fakePeers{{User: "bob", Status: models.ChimeStatus{ChimeID: "hall", Online: true, Mode: models.Available, NodeID: "bob_hall"}}}
	f := newAPIFixture(t, peers, nil)
	rr, resp := f.do(t, http.MethodGet, "/api/v1/peers", "")
	expectStatus(t, rr, http.StatusOK)
	var got []cache.Peer
	decodeData(t, resp, &got)
	if len(got) != 1 || got[0].User != "bob" || got[0].Status.ChimeID != "hall" {
		t.Fatalf("unexpected peers %+v", got)
	}

	f = newAPIFixture(t, nil, nil)
	rr, resp = f.do(t, http.MethodGet, "/api/v1/peers", "")
	expectStatus(t, rr, http.StatusOK)
	decodeData(t, resp, &got)
	if len(got) != 0 {
		t.Fatalf("expected no peers, got %+v", got)
	}
}

func TestAPI_ShutdownChime(t *testing.T) {
	f := newAPIFixture(t, nil, nil)
	if err := f.chime.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
	rr, resp := f.do(t, http.MethodGet, "/api/v1/status", "")
	expectStatus(t, rr, http.StatusOK)
	var data struct {
		Status models.ChimeStatus `json:"status"`
	}
	decodeData(t, resp, &data)
	if data.Status.Online {
		t.Fatalf("expected offline status")
	}
}

func TestRouter_AuthGuardsAPIOnly(t *testing.T) {
	m := auth.NewJWTMiddleware("secret", "chimenet")
	f := newAPIFixture(t, nil, m.Authenticate)

	rr, _ := f.do(t, http.MethodGet, "/api/v1/status", "")
	expectStatus(t, rr, http.StatusUnauthorized)

	token, err := m.IssueToken("alice", time.Minute)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rw := httptest.NewRecorder()
	f.router.ServeHTTP(rw, req)
	expectStatus(t, rw, http.StatusOK)

	rr, _ = f.do(t, http.MethodGet, "/healthz", "")
	expectStatus(t, rr, http.StatusOK)
	rr, _ = f.do(t, http.MethodGet, "/readyz", "")
	expectStatus(t, rr, http.StatusOK)

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rw = httptest.NewRecorder()
	f.router.ServeHTTP(rw, req)
	expectStatus(t, rw, http.StatusOK)
	if !bytes.Contains(rw.Body.Bytes(), []byte("http_requests_total")) {
		t.Fatalf("expected request metrics to be exported")
	}
}

func TestRouter_MethodNotAllowed(t *testing.T) {
	f := newAPIFixture(t, nil, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/status", nil)
	rw := httptest.NewRecorder()
	f.router.ServeHTTP(rw, req)
	expectStatus(t, rw, http.StatusMethodNotAllowed)
}
