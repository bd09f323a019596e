package chime

import (
	"context"

	"go.uber.org/zap"

	"chimenet/internal/cache"
	"chimenet/internal/metrics"
	"chimenet/internal/models"
	"chimenet/internal/pubsub"
	"chimenet/internal/topic"
)

// PeerWatcher feeds the retained statuses of a user's chimes into a PeerDirectory
type PeerWatcher struct {
	network *pubsub.Network
	peers   *cache.PeerDirectory
	logger  *zap.Logger
}

// NewPeerWatcher creates a watcher
func NewPeerWatcher(network *pubsub.Network, peers *cache.PeerDirectory, logger *zap.Logger) *PeerWatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PeerWatcher{network: network, peers: peers, logger: logger.Named("peers")}
}

// Watch subscribes to the status of every chime of user. Retained statuses
// arrive right away.
func (w *PeerWatcher) Watch(ctx context.Context, user string) error {
	t, err := w.network.SubscribeStatuses(ctx, user, w.onStatus)
	if err != nil {
		return err
	}
	w.logger.Info("Watching chime statuses", zap.String("pattern", t))
	return nil
}

// Peers returns the directory being filled
func (w *PeerWatcher) Peers() *cache.PeerDirectory { return w.peers }

func (w *PeerWatcher) onStatus(t string, payload []byte) {
	addr, ok := topic.Parse(t)
	if !ok || addr.Facet != topic.FacetStatus {
		return
	}
	if len(payload) == 0 {
		// cleared retained status
		w.peers.Remove(addr.User, addr.ChimeID)
		return
	}
	status, err := pubsub.DecodeJSON[models.ChimeStatus](t, payload)
	if err == nil {
		err = status.Validate()
	}
	if err != nil {
		w.logger.Warn("Dropping invalid status", zap.String("topic", t), zap.Error(err))
		return
	}
	if status.ChimeID != addr.ChimeID {
		w.logger.Warn("Status chime id does not match topic", zap.String("topic", t), zap.String("chime_id", status.ChimeID))
		return
	}
	w.peers.Observe(addr.User, status)
	metrics.UpdateCacheItems("peers", w.peers)
}
