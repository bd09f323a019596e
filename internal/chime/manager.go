package chime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"chimenet/internal/models"
	"chimenet/internal/pubsub"
)

// ErrChimeNotFound is returned for an unknown chime id
var ErrChimeNotFound = errors.New("chime not found")

// Manager runs several chimes of one user over a shared network connection
type Manager struct {
	network  *pubsub.Network
	defaults Options
	logger   *zap.Logger

	mu     sync.RWMutex
	chimes map[string]*Instance
}

// NewManager creates a manager. defaults supplies the clock, logger, player,
// caches and intervals of every chime added later.
func NewManager(network *pubsub.Network, defaults Options) *Manager {
	logger := defaults.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults.SharedNetwork = true
	return &Manager{
		network:  network,
		defaults: defaults,
		logger:   logger.Named("manager"),
		chimes:   make(map[string]*Instance),
	}
}

// Network returns the shared network
func (m *Manager) Network() *pubsub.Network { return m.network }

// Add creates and starts a chime. Identity fields come from opts, everything
// else from the manager's defaults.
func (m *Manager) Add(ctx context.Context, opts Options) (*Instance, error) {
	o := m.defaults
	o.ID, o.Name, o.Description = opts.ID, opts.Name, opts.Description
	o.Notes, o.Chords, o.NodeID = opts.Notes, opts.Chords, opts.NodeID

	inst, err := New(m.network, o)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if _, exists := m.chimes[inst.ID()]; exists {
		m.mu.Unlock()
		_ = inst.Shutdown(ctx)
		return nil, fmt.Errorf("chime %q already exists", inst.ID())
	}
	m.chimes[inst.ID()] = inst
	m.mu.Unlock()

	inst.listFn = m.List
	if err := inst.Start(ctx); err != nil {
		m.mu.Lock()
		delete(m.chimes, inst.ID())
		m.mu.Unlock()
		_ = inst.Shutdown(ctx)
		return nil, err
	}
	m.logger.Info("Chime added", zap.String("chime_id", inst.ID()))
	return inst, nil
}

// Remove shuts a chime down and republishes the chime list
func (m *Manager) Remove(ctx context.Context, chimeID string) error {
	m.mu.Lock()
	inst, ok := m.chimes[chimeID]
	delete(m.chimes, chimeID)
	m.mu.Unlock()
	if !ok {
		return ErrChimeNotFound
	}

	err := inst.Shutdown(ctx)
	if perr := m.network.PublishChimeList(ctx, m.List()); perr != nil {
		err = errors.Join(err, perr)
	}
	return err
}

// Get returns a chime by id
func (m *Manager) Get(chimeID string) (*Instance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.chimes[chimeID]
	return inst, ok
}

// Chimes returns every chime ordered by id
func (m *Manager) Chimes() []*Instance {
	m.mu.RLock()
	out := make([]*Instance, 0, len(m.chimes))
	for _, inst := range m.chimes {
		out = append(out, inst)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// List returns the description of every chime ordered by id
func (m *Manager) List() []models.ChimeInfo {
	chimes := m.Chimes()
	out := make([]models.ChimeInfo, len(chimes))
	for i, inst := range chimes {
		out[i] = inst.Info()
	}
	return out
}

// SetMode sets the mode of one chime
func (m *Manager) SetMode(ctx context.Context, chimeID string, mode models.PresenceMode) error {
	inst, ok := m.Get(chimeID)
	if !ok {
		return ErrChimeNotFound
	}
	return inst.SetMode(ctx, mode)
}

// Respond answers a ring on behalf of one chime
func (m *Manager) Respond(ctx context.Context, chimeID string, resp models.Response, ringID string) (models.ResponseMessage, error) {
	inst, ok := m.Get(chimeID)
	if !ok {
		return models.ResponseMessage{}, ErrChimeNotFound
	}
	return inst.Respond(ctx, resp, ringID)
}

// Ring rings a chime of user from this manager's user
func (m *Manager) Ring(ctx context.Context, user, chimeID string, notes, chords []string, duration time.Duration) (string, error) {
	return Ring(ctx, m.network, user, chimeID, notes, chords, duration)
}

// Shutdown shuts every chime down and closes the shared connection
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	chimes := make([]*Instance, 0, len(m.chimes))
	for id, inst := range m.chimes {
		chimes = append(chimes, inst)
		delete(m.chimes, id)
	}
	m.mu.Unlock()

	var errs []error
	for _, inst := range chimes {
		if err := inst.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("chime %s: %w", inst.ID(), err))
		}
	}
	if err := m.network.Disconnect(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
