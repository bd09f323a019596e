package presence

import (
	"context"
	"sync"
	"time"

	"github.com/filecoin-project/go-clock"
	"go.uber.org/zap"

	"chimenet/internal/metrics"
	"chimenet/internal/models"
)

const (
	DefaultMonitorInterval  = 30 * time.Second
	DefaultAnnounceInterval = 5 * time.Minute
)

// Emitter publishes what the handler produces after the call that caused it
// has returned: delayed responses and mode updates.
type Emitter interface {
	EmitResponse(resp models.ResponseMessage)
	EmitModeUpdate(update models.ModeUpdate)
}

// Chimer plays an accepted ring
type Chimer interface {
	Chime(msg models.ChimeMessage)
}

// HandlerConfig holds the collaborators of a Handler. Zero values get defaults.
type HandlerConfig struct {
	Clock            clock.Clock
	Logger           *zap.Logger
	Emitter          Emitter
	Chimer           Chimer
	MonitorInterval  time.Duration
	AnnounceInterval time.Duration
}

// Handler turns rings and user answers into responses and mode transitions
type Handler struct {
	node     *Node
	clock    clock.Clock
	logger   *zap.Logger
	emitter  Emitter
	chimer   Chimer
	monitor  time.Duration
	announce time.Duration

	// mu guards timers and closed; it is never held while calling into the node
	mu     sync.Mutex
	timers map[string]*clock.Timer
	closed bool
	done   chan struct{}

	wg sync.WaitGroup
}

// NewHandler creates a handler for node
func NewHandler(node *Node, cfg HandlerConfig) *Handler {
	h := &Handler{
		node:     node,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		emitter:  cfg.Emitter,
		chimer:   cfg.Chimer,
		monitor:  cfg.MonitorInterval,
		announce: cfg.AnnounceInterval,
		timers:   make(map[string]*clock.Timer),
		done:     make(chan struct{}),
	}
	if h.clock == nil {
		h.clock = node.clock
	}
	if h.logger == nil {
		h.logger = zap.NewNop()
	}
	h.logger = h.logger.Named("presence").With(zap.String("node_id", node.ID()))
	if h.emitter == nil {
		h.emitter = nopEmitter{}
	}
	if h.monitor <= 0 {
		h.monitor = DefaultMonitorInterval
	}
	if h.announce <= 0 {
		h.announce = DefaultAnnounceInterval
	}
	return h
}

// Node returns the node the handler drives
func (h *Handler) Node() *Node { return h.node }

// HandleIncomingChime decides what to do with a ring. An immediate automatic
// response is returned for the caller to publish; a delayed one is emitted
// later through the Emitter unless the user answers first.
func (h *Handler) HandleIncomingChime(msg models.ChimeMessage) *models.ResponseMessage {
	d := h.node.Decide(msg)
	defer h.applyNextState(d.NextState)

	log := h.logger.With(zap.String("from", msg.FromNode), zap.String("ring_id", msg.RingID), zap.Stringer("mode", d.Mode))
	if !d.ShouldChime {
		metrics.RingObserved("suppressed")
		log.Debug("Ring suppressed")
		return nil
	}
	metrics.RingObserved("chimed")
	h.play(msg)

	switch {
	case d.Response != nil && d.Delay == nil:
		resp := h.node.NewResponse(*d.Response, msg.RingID)
		metrics.ResponseEmitted("immediate", string(resp.Response))
		log.Info("Responding immediately", zap.String("response", string(resp.Response)))
		return &resp

	case d.Response != nil || d.deferredTimeout():
		if msg.RingID == "" {
			log.Warn("Ring without id cannot be answered later, dropping delayed response")
			return nil
		}
		if !h.node.AddPending(msg.RingID) {
			log.Debug("Ring already pending")
			return nil
		}
		h.schedule(msg.RingID, *d.Delay, d)
		return nil

	default:
		if msg.RingID != "" {
			h.node.AddPending(msg.RingID)
		}
		log.Debug("Waiting for user response")
		return nil
	}
}

// HandleUserResponse resolves ringID (a no-op if it is not pending), lets the
// active custom state's behavior react, and returns the response to publish.
func (h *Handler) HandleUserResponse(resp models.Response, ringID string) models.ResponseMessage {
	if ringID != "" {
		h.node.TakePending(ringID)
		h.cancel(ringID)
	}

	if mode := h.node.Mode(); mode.IsCustom() {
		if state, behavior, ok := h.node.lookup(mode.Name); ok && behavior != nil {
			h.applyNextState(behavior.OnUserResponse(resp, state).NextState)
		}
	}

	metrics.ResponseEmitted("manual", string(resp))
	return h.node.NewResponse(resp, ringID)
}

// StartAutoStateMonitor evaluates custom state activation every monitor
// interval until ctx is done or the handler is closed
func (h *Handler) StartAutoStateMonitor(ctx context.Context) {
	h.every(ctx, h.monitor, func() { h.CheckAutoState() })
}

// StartModeAnnounceTimer emits a mode update every announce interval while
// the mode has not changed for that long
func (h *Handler) StartModeAnnounceTimer(ctx context.Context) {
	h.every(ctx, h.announce, func() {
		if h.node.ShouldAnnounce(h.announce) {
			h.emitter.EmitModeUpdate(h.node.ModeUpdate())
		}
	})
}

// CheckAutoState switches to the custom state selected by EvaluateAutoTransition.
// Selecting the state that is already active does nothing.
func (h *Handler) CheckAutoState() bool {
	name, ok := h.node.EvaluateAutoTransition()
	if !ok || h.node.Mode() == models.Custom(name) {
		return false
	}
	if err := h.node.SetCustomMode(name); err != nil {
		// removed between evaluation and transition
		h.logger.Debug("Auto state vanished", zap.String("state", name), zap.Error(err))
		return false
	}
	metrics.ModeTransition("auto")
	h.logger.Info("Auto state activated", zap.String("state", name))
	h.emitter.EmitModeUpdate(h.node.ModeUpdate())
	return true
}

// Close stops the background loops and every outstanding delayed response,
// then waits for running callbacks to return
func (h *Handler) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	close(h.done)
	for id, t := range h.timers {
		if t.Stop() {
			h.wg.Done()
		}
		delete(h.timers, id)
	}
	h.mu.Unlock()

	h.wg.Wait()
}

// PendingTimers returns how many delayed responses are scheduled
func (h *Handler) PendingTimers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.timers)
}

func (h *Handler) every(ctx context.Context, interval time.Duration, fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	// the ticker is created before returning so a mock clock sees it
	ticker := h.clock.Ticker(interval)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-h.done:
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
}

func (h *Handler) schedule(ringID string, delay time.Duration, d Decision) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	if _, ok := h.timers[ringID]; ok {
		return
	}
	h.wg.Add(1)
	var timer *clock.Timer
	timer = h.clock.AfterFunc(delay, func() {
		defer h.wg.Done()
		h.mu.Lock()
		if h.timers[ringID] == timer {
			delete(h.timers, ringID)
		}
		h.mu.Unlock()
		h.fire(ringID, d)
	})
	h.timers[ringID] = timer
}

func (h *Handler) cancel(ringID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.timers[ringID]; ok {
		delete(h.timers, ringID)
		if t.Stop() {
			h.wg.Done()
		}
	}
}

// fire runs when a delay expires. TakePending is the only gate: if the user
// answered first it reports false and nothing is sent.
func (h *Handler) fire(ringID string, d Decision) {
	resp, next := d.Response, ""
	if resp == nil && d.behavior != nil {
		if !h.node.HasPending(ringID) {
			return
		}
		r := d.behavior.OnTimeout(d.state)
		resp, next = r.AutoResponse, r.NextState
	}
	defer h.applyNextState(next)

	if resp == nil {
		return
	}
	if !h.node.TakePending(ringID) {
		h.logger.Debug("Ring answered before timeout", zap.String("ring_id", ringID))
		return
	}
	msg := h.node.NewResponse(*resp, ringID)
	metrics.ResponseEmitted("delayed", string(msg.Response))
	h.logger.Info("Delayed auto response", zap.String("ring_id", ringID), zap.String("response", string(msg.Response)))
	h.emitter.EmitResponse(msg)
}

// applyNextState performs a transition requested by a behavior. Built-in tags
// and custom state names are both accepted; unknown names are ignored.
func (h *Handler) applyNextState(name string) {
	if name == "" {
		return
	}
	if err := h.node.SetMode(models.ParseMode(name)); err != nil {
		h.logger.Warn("Ignoring transition to unknown state", zap.String("state", name), zap.Error(err))
		return
	}
	metrics.ModeTransition("behavior")
	h.emitter.EmitModeUpdate(h.node.ModeUpdate())
}

func (h *Handler) play(msg models.ChimeMessage) {
	if h.chimer == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.chimer.Chime(msg)
	}()
}

type nopEmitter struct{}

func (nopEmitter) EmitResponse(models.ResponseMessage) {}
func (nopEmitter) EmitModeUpdate(models.ModeUpdate)    {}
