// Package presence implements the chime presence state machine: the current
// mode, user-defined custom states, the condition store, and the set of rings
// waiting for an answer.
package presence

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/filecoin-project/go-clock"

	"chimenet/internal/metrics"
	"chimenet/internal/models"
)

// Node holds the presence state of one chime.
//
// Each of mode, registry, conditions and pending has its own mutex. No method
// holds two of them at once and behaviors are always invoked with none held.
type Node struct {
	id    string
	clock clock.Clock

	modeMu         sync.RWMutex
	mode           models.PresenceMode
	lastModeChange time.Time

	registryMu sync.RWMutex
	states     map[string]models.CustomState
	behaviors  map[string]Behavior

	conditionsMu sync.RWMutex
	conditions   map[string]bool

	pendingMu sync.Mutex
	pending   map[string]struct{}
}

// NewNode creates a node in the Available mode
func NewNode(id string, clk clock.Clock) *Node {
	if clk == nil {
		clk = clock.New()
	}
	return &Node{
		id:             id,
		clock:          clk,
		mode:           models.Available,
		lastModeChange: clk.Now(),
		states:         make(map[string]models.CustomState),
		behaviors:      make(map[string]Behavior),
		conditions:     make(map[string]bool),
		pending:        make(map[string]struct{}),
	}
}

// ID returns the node id put on responses and mode updates
func (n *Node) ID() string { return n.id }

// Mode returns the current mode
func (n *Node) Mode() models.PresenceMode {
	n.modeMu.RLock()
	defer n.modeMu.RUnlock()
	return n.mode
}

// LastModeChange returns when the mode was last set
func (n *Node) LastModeChange() time.Time {
	n.modeMu.RLock()
	defer n.modeMu.RUnlock()
	return n.lastModeChange
}

// SetMode switches to mode and records the change time. A custom mode must
// name a registered state.
func (n *Node) SetMode(mode models.PresenceMode) error {
	if !mode.IsValid() {
		return fmt.Errorf("invalid presence mode %s", mode)
	}
	if mode.IsCustom() {
		if _, ok := n.State(mode.Name); !ok {
			return &NotFoundError{Name: mode.Name}
		}
	}
	n.setMode(mode)
	return nil
}

// SetCustomMode switches to the registered custom state name
func (n *Node) SetCustomMode(name string) error {
	return n.SetMode(models.Custom(name))
}

func (n *Node) setMode(mode models.PresenceMode) {
	n.modeMu.Lock()
	defer n.modeMu.Unlock()
	n.mode = mode
	n.lastModeChange = n.clock.Now()
}

// RegisterState adds or replaces a custom state
func (n *Node) RegisterState(state models.CustomState) error {
	if err := state.Validate(); err != nil {
		return fmt.Errorf("invalid custom state: %w", err)
	}
	state.Conditions = append([]models.Condition(nil), state.Conditions...)

	n.registryMu.Lock()
	defer n.registryMu.Unlock()
	n.states[state.Name] = state
	return nil
}

// RemoveState unregisters a custom state and its behavior. If it was the
// active mode the node falls back to Available.
func (n *Node) RemoveState(name string) bool {
	n.registryMu.Lock()
	_, ok := n.states[name]
	delete(n.states, name)
	delete(n.behaviors, name)
	n.registryMu.Unlock()

	if !ok {
		return false
	}
	n.modeMu.Lock()
	if n.mode == models.Custom(name) {
		n.mode = models.Available
		n.lastModeChange = n.clock.Now()
	}
	n.modeMu.Unlock()
	return true
}

// RegisterBehavior attaches a behavior override to a state name. The state
// itself may be registered before or after.
func (n *Node) RegisterBehavior(name string, b Behavior) {
	n.registryMu.Lock()
	defer n.registryMu.Unlock()
	n.behaviors[name] = b
}

// RemoveBehavior detaches the behavior override of a state
func (n *Node) RemoveBehavior(name string) {
	n.registryMu.Lock()
	defer n.registryMu.Unlock()
	delete(n.behaviors, name)
}

// State returns a registered custom state
func (n *Node) State(name string) (models.CustomState, bool) {
	n.registryMu.RLock()
	defer n.registryMu.RUnlock()
	s, ok := n.states[name]
	return s, ok
}

// States returns every registered custom state ordered by name
func (n *Node) States() []models.CustomState {
	n.registryMu.RLock()
	out := make([]models.CustomState, 0, len(n.states))
	for _, s := range n.states {
		out = append(out, s)
	}
	n.registryMu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// lookup resolves a custom state and its behavior (nil if none) in one critical section
func (n *Node) lookup(name string) (models.CustomState, Behavior, bool) {
	n.registryMu.RLock()
	defer n.registryMu.RUnlock()
	s, ok := n.states[name]
	return s, n.behaviors[name], ok
}

// SetCondition sets a key in the condition store
func (n *Node) SetCondition(key string, value bool) {
	n.conditionsMu.Lock()
	defer n.conditionsMu.Unlock()
	n.conditions[key] = value
}

// Condition reads a key from the condition store
func (n *Node) Condition(key string) (value, ok bool) {
	n.conditionsMu.RLock()
	defer n.conditionsMu.RUnlock()
	value, ok = n.conditions[key]
	return value, ok
}

// Conditions returns a copy of the condition store
func (n *Node) Conditions() map[string]bool {
	n.conditionsMu.RLock()
	defer n.conditionsMu.RUnlock()
	out := make(map[string]bool, len(n.conditions))
	for k, v := range n.conditions {
		out[k] = v
	}
	return out
}

// Decide evaluates msg against the current mode. A custom state's behavior
// is resolved and invoked once; an unregistered custom mode never chimes.
func (n *Node) Decide(msg models.ChimeMessage) Decision {
	mode := n.Mode()
	if !mode.IsCustom() {
		return builtinDecision(mode)
	}

	state, behavior, ok := n.lookup(mode.Name)
	if !ok {
		return Decision{Mode: mode}
	}
	if behavior == nil {
		return staticDecision(mode, state)
	}
	return behaviorDecision(mode, state, behavior, behavior.OnIncomingChime(msg, state))
}

// ShouldChime reports whether msg should be played in the current mode
func (n *Node) ShouldChime(msg models.ChimeMessage) bool {
	return n.Decide(msg).ShouldChime
}

// AutoResponseFor returns the automatic response for msg in the current mode
// and its delay (nil for immediate). ok is false when the user must answer.
func (n *Node) AutoResponseFor(msg models.ChimeMessage) (resp models.Response, delay *time.Duration, ok bool) {
	d := n.Decide(msg)
	if d.Response == nil {
		return "", nil, false
	}
	return *d.Response, d.Delay, true
}

// EvaluateAutoTransition returns the custom state that should be active now:
// the candidate with the highest priority among the states whose active hours
// contain now, whose conditions all hold and whose behavior (if any) agrees.
// Which of several candidates with the same priority wins is unspecified.
func (n *Node) EvaluateAutoTransition() (string, bool) {
	type candidate struct {
		state    models.CustomState
		behavior Behavior
	}
	n.registryMu.RLock()
	candidates := make([]candidate, 0, len(n.states))
	for name, s := range n.states {
		candidates = append(candidates, candidate{state: s, behavior: n.behaviors[name]})
	}
	n.registryMu.RUnlock()

	store := n.Conditions()
	now := n.clock.Now()

	best, bestPriority := "", -1
	for _, c := range candidates {
		if int(c.state.Priority) <= bestPriority {
			continue
		}
		if !stateActive(c.state, store, now) {
			continue
		}
		if c.behavior != nil && !c.behavior.EvaluateConditions(c.state) {
			continue
		}
		best, bestPriority = c.state.Name, int(c.state.Priority)
	}
	return best, best != ""
}

func stateActive(s models.CustomState, store map[string]bool, now time.Time) bool {
	if s.ActiveHours != nil && !s.ActiveHours.Contains(now) {
		return false
	}
	for _, c := range s.Conditions {
		if !c.Evaluate(store, now) {
			return false
		}
	}
	return true
}

// AddPending records ringID as awaiting a response. It reports false if the
// id was already pending.
func (n *Node) AddPending(ringID string) bool {
	n.pendingMu.Lock()
	defer n.pendingMu.Unlock()
	if _, ok := n.pending[ringID]; ok {
		return false
	}
	n.pending[ringID] = struct{}{}
	metrics.PendingAdded()
	return true
}

// TakePending removes ringID and reports whether it was pending. Check and
// removal happen in one critical section, so of any number of concurrent
// callers for the same id exactly one sees true.
func (n *Node) TakePending(ringID string) bool {
	n.pendingMu.Lock()
	defer n.pendingMu.Unlock()
	if _, ok := n.pending[ringID]; !ok {
		return false
	}
	delete(n.pending, ringID)
	metrics.PendingResolved()
	return true
}

// HasPending reports whether ringID is awaiting a response
func (n *Node) HasPending(ringID string) bool {
	n.pendingMu.Lock()
	defer n.pendingMu.Unlock()
	_, ok := n.pending[ringID]
	return ok
}

// Pending returns the ring ids awaiting a response, sorted
func (n *Node) Pending() []string {
	n.pendingMu.Lock()
	out := make([]string, 0, len(n.pending))
	for id := range n.pending {
		out = append(out, id)
	}
	n.pendingMu.Unlock()
	sort.Strings(out)
	return out
}

// ShouldAnnounce reports whether the mode has been unchanged for at least interval
func (n *Node) ShouldAnnounce(interval time.Duration) bool {
	return n.clock.Since(n.LastModeChange()) >= interval
}

// ModeUpdate describes the current mode for peers
func (n *Node) ModeUpdate() models.ModeUpdate {
	mode := n.Mode()
	update := models.ModeUpdate{
		Timestamp: n.clock.Now().UTC(),
		Mode:      mode,
		NodeID:    n.id,
	}
	if mode.IsCustom() {
		if s, ok := n.State(mode.Name); ok {
			update.CustomState = &s
		}
	}
	return update
}

// NewResponse builds a response from this node
func (n *Node) NewResponse(resp models.Response, ringID string) models.ResponseMessage {
	return models.ResponseMessage{
		Timestamp:      n.clock.Now().UTC(),
		Response:       resp,
		NodeID:         n.id,
		OriginalRingID: ringID,
	}
}

// NewChimeMessage builds an outbound ring from this node
func (n *Node) NewChimeMessage(ringID, message string, notes, chords []string) models.ChimeMessage {
	return models.ChimeMessage{
		Timestamp: n.clock.Now().UTC(),
		FromNode:  n.id,
		RingID:    ringID,
		Notes:     notes,
		Chords:    chords,
		Message:   message,
	}
}
