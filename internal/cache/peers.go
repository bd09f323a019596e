package cache

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"chimenet/internal/models"
)

// Peer is the last status observed for a chime
type Peer struct {
	User   string             `json:"user"`
	Status models.ChimeStatus `json:"status"`
	SeenAt time.Time          `json:"seen_at"`
}

// PeerDirectory keeps the latest status of the chimes a node watches.
// Entries expire when a chime stops announcing itself.
type PeerDirectory struct {
	*ristrettoStore
	ttl time.Duration

	// keys indexes the entries so they can be listed; Ristretto cannot iterate
	mu   sync.Mutex
	keys map[string]struct{}
}

// NewPeerDirectory creates a directory whose entries expire after ttl
func NewPeerDirectory(config RistrettoConfig, ttl time.Duration) (*PeerDirectory, error) {
	store, err := newRistrettoStore(config)
	if err != nil {
		return nil, err
	}
	return &PeerDirectory{ristrettoStore: store, ttl: ttl, keys: make(map[string]struct{})}, nil
}

func peerKey(user, chimeID string) string { return user + "/" + chimeID }

// Observe stores the status of a chime of user
func (d *PeerDirectory) Observe(user string, status models.ChimeStatus) {
	p := Peer{User: user, Status: status, SeenAt: time.Now().UTC()}
	key := peerKey(user, status.ChimeID)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cache.SetWithTTL(key, p, d.estimateCost(p), d.ttl) {
		d.keys[key] = struct{}{}
	}
	d.cache.Wait()
}

// Get returns the status of one chime
func (d *PeerDirectory) Get(user, chimeID string) (Peer, bool) {
	value, found := d.cache.Get(peerKey(user, chimeID))
	if !found {
		return Peer{}, false
	}
	p, ok := value.(Peer)
	return p, ok
}

// Remove forgets a chime
func (d *PeerDirectory) Remove(user, chimeID string) {
	key := peerKey(user, chimeID)
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.keys, key)
	d.cache.Del(key)
	d.cache.Wait()
}

// List returns every live entry ordered by user and chime id, pruning expired keys
func (d *PeerDirectory) List() []Peer {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]Peer, 0, len(d.keys))
	for key := range d.keys {
		value, found := d.cache.Get(key)
		if !found {
			delete(d.keys, key)
			continue
		}
		if p, ok := value.(Peer); ok {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].User != out[j].User {
			return out[i].User < out[j].User
		}
		return out[i].Status.ChimeID < out[j].Status.ChimeID
	})
	return out
}

// estimateCost estimates the memory cost of a peer entry
func (d *PeerDirectory) estimateCost(p Peer) int64 {
	data, err := json.Marshal(p)
	if err != nil {
		return 200
	}
	return int64(len(data) + 100)
}
