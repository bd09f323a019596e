// Package chime runs chimes on the network: each Instance owns a presence
// node, answers the rings addressed to it and keeps its retained status
// current.
package chime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/filecoin-project/go-clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"chimenet/internal/audio"
	"chimenet/internal/cache"
	"chimenet/internal/metrics"
	"chimenet/internal/models"
	"chimenet/internal/presence"
	"chimenet/internal/pubsub"
	"chimenet/internal/topic"
)

const publishTimeout = 5 * time.Second

var (
	ErrShutdown       = errors.New("chime is shut down")
	ErrInvalidRequest = errors.New("invalid request")
)

// Options describes one chime
type Options struct {
	ID          string // generated when empty
	Name        string
	Description string
	Notes       []string
	Chords      []string
	NodeID      string // defaults to {user}_{id}

	Clock            clock.Clock
	Logger           *zap.Logger
	Player           audio.Player
	Seen             *cache.SeenCache // nil disables ring de-duplication
	MonitorInterval  time.Duration
	AnnounceInterval time.Duration

	// SharedNetwork leaves the connection open on Shutdown
	SharedNetwork bool
}

// Instance is one chime bound to a user's network
type Instance struct {
	info    models.ChimeInfo
	network *pubsub.Network
	node    *presence.Node
	handler *presence.Handler
	player  audio.Player
	seen    *cache.SeenCache
	logger  *zap.Logger
	shared  bool

	// listFn returns the chimes announced on the user's list topic
	listFn func() []models.ChimeInfo

	mu        sync.Mutex
	started   bool
	stopped   bool
	ringTopic string
	runCtx    context.Context
	cancel    context.CancelFunc
}

// New creates a chime. It does not touch the network until Start.
func New(network *pubsub.Network, opts Options) (*Instance, error) {
	if network == nil {
		return nil, errors.New("network is required")
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	name := opts.Name
	if name == "" {
		name = id
	}
	nodeID := opts.NodeID
	if nodeID == "" {
		nodeID = network.User() + "_" + id
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	player := opts.Player
	if player == nil {
		player = audio.NewLogPlayer(logger)
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}

	i := &Instance{
		info: models.ChimeInfo{
			ID:          id,
			Name:        name,
			Description: opts.Description,
			Notes:       append([]string{}, opts.Notes...),
			Chords:      append([]string{}, opts.Chords...),
			CreatedAt:   clk.Now().UTC(),
		},
		network: network,
		node:    presence.NewNode(nodeID, clk),
		player:  player,
		seen:    opts.Seen,
		logger:  logger.Named("chime").With(zap.String("chime_id", id)),
		shared:  opts.SharedNetwork,
	}
	i.listFn = func() []models.ChimeInfo { return []models.ChimeInfo{i.Info()} }
	i.handler = presence.NewHandler(i.node, presence.HandlerConfig{
		Clock:            clk,
		Logger:           logger,
		Emitter:          emitter{i},
		Chimer:           chimer{i},
		MonitorInterval:  opts.MonitorInterval,
		AnnounceInterval: opts.AnnounceInterval,
	})
	return i, nil
}

// ID returns the chime id
func (i *Instance) ID() string { return i.info.ID }

// Info returns the chime description
func (i *Instance) Info() models.ChimeInfo {
	info := i.info
	info.Notes = append([]string{}, i.info.Notes...)
	info.Chords = append([]string{}, i.info.Chords...)
	return info
}

// Node returns the presence node of the chime
func (i *Instance) Node() *presence.Node { return i.node }

// Handler returns the presence handler of the chime
func (i *Instance) Handler() *presence.Handler { return i.handler }

// Started reports whether Start succeeded and Shutdown has not run
func (i *Instance) Started() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.started
}

// Status returns the current status record
func (i *Instance) Status() models.ChimeStatus {
	return i.status(i.Started())
}

func (i *Instance) status(online bool) models.ChimeStatus {
	return i.statusFor(i.node.ModeUpdate(), online)
}

// statusFor renders a mode update as the status peers read, carrying the
// active custom state's definition along with its name
func (i *Instance) statusFor(u models.ModeUpdate, online bool) models.ChimeStatus {
	return models.ChimeStatus{
		ChimeID:     i.info.ID,
		Online:      online,
		Mode:        u.Mode,
		CustomState: u.CustomState,
		LastSeen:    time.Now().UTC(),
		NodeID:      u.NodeID,
	}
}

// Start connects, publishes the chime's retained records, subscribes to its
// ring topic and starts the presence loops. The loops stop when ctx is done
// or on Shutdown. A chime that was shut down cannot be started again.
func (i *Instance) Start(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.stopped {
		return ErrShutdown
	}
	if i.started {
		return nil
	}

	if err := i.network.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	if err := i.publishInfo(ctx); err != nil {
		return fmt.Errorf("failed to publish chime info: %w", err)
	}
	ringTopic, err := i.network.SubscribeRings(ctx, i.info.ID, i.onRing)
	if err != nil {
		return fmt.Errorf("failed to subscribe to rings: %w", err)
	}

	i.runCtx, i.cancel = context.WithCancel(context.WithoutCancel(ctx))
	i.ringTopic = ringTopic
	i.started = true
	i.handler.StartAutoStateMonitor(i.runCtx)
	i.handler.StartModeAnnounceTimer(i.runCtx)

	i.logger.Info("Chime started", zap.String("name", i.info.Name), zap.String("ring_topic", ringTopic))
	return nil
}

func (i *Instance) publishInfo(ctx context.Context) error {
	if err := i.network.PublishChimeList(ctx, i.listFn()); err != nil {
		return err
	}
	if err := i.network.PublishChimeNotes(ctx, i.info.ID, i.info.Notes); err != nil {
		return err
	}
	if err := i.network.PublishChimeChords(ctx, i.info.ID, i.info.Chords); err != nil {
		return err
	}
	return i.network.PublishChimeStatus(ctx, i.status(true))
}

// Shutdown stops the presence loops and pending timers, publishes an offline
// status and, unless the network is shared, disconnects
func (i *Instance) Shutdown(ctx context.Context) error {
	i.mu.Lock()
	wasStarted := i.started
	i.started = false
	i.stopped = true
	if !wasStarted {
		i.mu.Unlock()
		i.handler.Close()
		return nil
	}
	i.cancel()
	ringTopic := i.ringTopic
	i.mu.Unlock()

	i.handler.Close()

	var errs []error
	if err := i.network.PublishChimeStatus(ctx, i.status(false)); err != nil {
		errs = append(errs, fmt.Errorf("failed to publish offline status: %w", err))
	}
	if i.shared {
		if err := i.network.Client().Unsubscribe(ctx, ringTopic); err != nil {
			errs = append(errs, err)
		}
	} else if err := i.network.Disconnect(ctx); err != nil {
		errs = append(errs, err)
	}

	i.logger.Info("Chime shut down")
	return errors.Join(errs...)
}

// SetMode switches the presence mode and publishes the new status. A custom
// mode must name a registered state.
func (i *Instance) SetMode(ctx context.Context, mode models.PresenceMode) error {
	if err := i.node.SetMode(mode); err != nil {
		return err
	}
	metrics.ModeTransition("user")
	i.logger.Info("Mode set", zap.Stringer("mode", mode))
	i.publishStatus(ctx)
	return nil
}

// SetCustomMode switches to a registered custom state
func (i *Instance) SetCustomMode(ctx context.Context, name string) error {
	return i.SetMode(ctx, models.Custom(name))
}

// RegisterState adds or replaces a custom state
func (i *Instance) RegisterState(state models.CustomState) error {
	return i.node.RegisterState(state)
}

// RemoveState removes a custom state. Removing the active state falls back
// to Available, which is published.
func (i *Instance) RemoveState(ctx context.Context, name string) bool {
	before := i.node.Mode()
	if !i.node.RemoveState(name) {
		return false
	}
	if i.node.Mode() != before {
		metrics.ModeTransition("user")
		i.publishStatus(ctx)
	}
	return true
}

// StatesChanged publishes the status if a reload of the states moved the node off its mode
func (i *Instance) StatesChanged(ctx context.Context) {
	i.publishStatus(ctx)
}

// SetCondition updates the condition store and re-evaluates automatic states
func (i *Instance) SetCondition(key string, value bool) {
	i.node.SetCondition(key, value)
	i.handler.CheckAutoState()
}

// Respond answers a ring by hand and publishes the response
func (i *Instance) Respond(ctx context.Context, resp models.Response, ringID string) (models.ResponseMessage, error) {
	if !resp.IsValid() {
		return models.ResponseMessage{}, fmt.Errorf("%w: response %q", ErrInvalidRequest, resp)
	}
	msg := i.handler.HandleUserResponse(resp, ringID)
	if err := i.network.PublishResponse(ctx, i.info.ID, msg); err != nil {
		metrics.PublishFailed()
		return msg, fmt.Errorf("failed to publish response: %w", err)
	}
	return msg, nil
}

// RingOther rings a chime of user and returns the ring id its response will refer to
func (i *Instance) RingOther(ctx context.Context, user, chimeID string, notes, chords []string, duration time.Duration) (string, error) {
	return Ring(ctx, i.network, user, chimeID, notes, chords, duration)
}

// Ring publishes a ring request with a fresh ring id from network's user
func Ring(ctx context.Context, network *pubsub.Network, user, chimeID string, notes, chords []string, duration time.Duration) (string, error) {
	if _, err := topic.ChimeRing(user, chimeID); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	req := models.ChimeRingRequest{
		ChimeID:   chimeID,
		User:      network.User(),
		RingID:    uuid.NewString(),
		Notes:     notes,
		Chords:    chords,
		Timestamp: time.Now().UTC(),
	}
	if duration > 0 {
		req.DurationMs = models.Ptr(uint64(duration / time.Millisecond))
	}
	if err := network.PublishRing(ctx, user, req); err != nil {
		metrics.PublishFailed()
		return "", err
	}
	return req.RingID, nil
}

func (i *Instance) onRing(t string, payload []byte) {
	req, err := pubsub.DecodeJSON[models.ChimeRingRequest](t, payload)
	if err == nil {
		err = req.Validate()
	}
	if err != nil {
		metrics.RingObserved("invalid")
		i.logger.Warn("Dropping invalid ring request", zap.String("topic", t), zap.Error(err))
		return
	}
	if req.RingID != "" && i.seen != nil && !i.seen.MarkSeen(i.info.ID+"/"+req.RingID) {
		metrics.RingObserved("duplicate")
		i.logger.Debug("Dropping duplicate ring", zap.String("ring_id", req.RingID))
		return
	}
	if i.seen != nil {
		metrics.UpdateCacheItems("seen", i.seen)
	}

	i.logger.Info("Ring received", zap.String("from", req.User), zap.String("ring_id", req.CorrelationID()))
	if resp := i.handler.HandleIncomingChime(req.ToChimeMessage()); resp != nil {
		i.publishResponse(*resp)
	}
}

func (i *Instance) publishCtx() (context.Context, context.CancelFunc) {
	i.mu.Lock()
	base := i.runCtx
	i.mu.Unlock()
	if base == nil {
		base = context.Background()
	}
	return context.WithTimeout(context.WithoutCancel(base), publishTimeout)
}

func (i *Instance) publishResponse(resp models.ResponseMessage) {
	ctx, cancel := i.publishCtx()
	defer cancel()
	if err := i.network.PublishResponse(ctx, i.info.ID, resp); err != nil {
		metrics.PublishFailed()
		i.logger.Error("Failed to publish response", zap.String("ring_id", resp.OriginalRingID), zap.Error(err))
	}
}

// publishStatus is best effort; the next mode change or announce retries it
func (i *Instance) publishStatus(ctx context.Context) {
	i.publishUpdate(ctx, i.node.ModeUpdate())
}

func (i *Instance) publishUpdate(ctx context.Context, u models.ModeUpdate) {
	if !i.Started() {
		return
	}
	if err := i.network.PublishChimeStatus(ctx, i.statusFor(u, true)); err != nil {
		metrics.PublishFailed()
		i.logger.Warn("Failed to publish status", zap.Error(err))
	}
}

type emitter struct{ i *Instance }

func (e emitter) EmitResponse(resp models.ResponseMessage) { e.i.publishResponse(resp) }

func (e emitter) EmitModeUpdate(u models.ModeUpdate) {
	ctx, cancel := e.i.publishCtx()
	defer cancel()
	e.i.publishUpdate(ctx, u)
}

type chimer struct{ i *Instance }

func (c chimer) Chime(msg models.ChimeMessage) {
	var d time.Duration
	if msg.DurationMs != nil {
		d = models.Millis(*msg.DurationMs)
	}
	if err := c.i.player.Play(msg.Notes, msg.Chords, d); err != nil {
		c.i.logger.Error("Failed to play chime", zap.Error(err))
	}
}

// States returns the registered custom states ordered by name
func (i *Instance) States() []models.CustomState { return i.node.States() }

// Conditions returns a copy of the condition store
func (i *Instance) Conditions() map[string]bool { return i.node.Conditions() }

// Pending returns the ring ids still waiting for an answer
func (i *Instance) Pending() []string { return i.node.Pending() }
