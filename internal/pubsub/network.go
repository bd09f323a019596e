package pubsub

import (
	"context"
	"time"

	"chimenet/internal/models"
	"chimenet/internal/topic"
)

// Network is the chime protocol for one user on top of a Client
type Network struct {
	client *Client
	user   string
}

// NewNetwork binds client to user
func NewNetwork(client *Client, user string) (*Network, error) {
	if err := topic.ValidateSegment("user", user); err != nil {
		return nil, err
	}
	return &Network{client: client, user: user}, nil
}

// User returns the user the network publishes as
func (n *Network) User() string { return n.user }

// Client returns the underlying client
func (n *Network) Client() *Client { return n.client }

// Connect connects the underlying client
func (n *Network) Connect(ctx context.Context) error { return n.client.Connect(ctx) }

// Disconnect disconnects the underlying client
func (n *Network) Disconnect(ctx context.Context) error { return n.client.Disconnect(ctx) }

// PublishChimeList publishes the user's chime list (retained)
func (n *Network) PublishChimeList(ctx context.Context, chimes []models.ChimeInfo) error {
	t, err := topic.ChimeList(n.user)
	if err != nil {
		return err
	}
	list := models.ChimeList{User: n.user, Chimes: chimes, Timestamp: time.Now().UTC()}
	return n.client.PublishJSON(ctx, t, list, true)
}

// PublishChimeNotes publishes the notes a chime can play (retained)
func (n *Network) PublishChimeNotes(ctx context.Context, chimeID string, notes []string) error {
	return n.publishFacet(ctx, chimeID, topic.FacetNotes, nonNil(notes))
}

// PublishChimeChords publishes the chords a chime can play (retained)
func (n *Network) PublishChimeChords(ctx context.Context, chimeID string, chords []string) error {
	return n.publishFacet(ctx, chimeID, topic.FacetChords, nonNil(chords))
}

// PublishChimeStatus publishes a chime's status (retained)
func (n *Network) PublishChimeStatus(ctx context.Context, status models.ChimeStatus) error {
	return n.publishFacet(ctx, status.ChimeID, topic.FacetStatus, status)
}

// PublishResponse publishes a response on the responding chime's response topic
func (n *Network) PublishResponse(ctx context.Context, chimeID string, resp models.ResponseMessage) error {
	return n.publishFacet(ctx, chimeID, topic.FacetResponse, resp)
}

// PublishRing sends a ring request to a chime of another (or the same) user
func (n *Network) PublishRing(ctx context.Context, user string, req models.ChimeRingRequest) error {
	t, err := topic.ChimeRing(user, req.ChimeID)
	if err != nil {
		return err
	}
	return n.client.PublishJSON(ctx, t, req, topic.FacetRing.Durable())
}

// PublishRingerDiscovery broadcasts a discovery request
func (n *Network) PublishRingerDiscovery(ctx context.Context, d models.RingerDiscovery) error {
	t, err := topic.RingerDiscover(n.user)
	if err != nil {
		return err
	}
	return n.client.PublishJSON(ctx, t, d, false)
}

// PublishRingerAvailable announces a ringer (retained)
func (n *Network) PublishRingerAvailable(ctx context.Context, a models.RingerAvailable) error {
	t, err := topic.RingerAvailable(n.user)
	if err != nil {
		return err
	}
	return n.client.PublishJSON(ctx, t, a, true)
}

// SubscribeRings receives ring requests addressed to one of the user's chimes
func (n *Network) SubscribeRings(ctx context.Context, chimeID string, h Handler) (string, error) {
	t, err := topic.ChimeRing(n.user, chimeID)
	if err != nil {
		return "", err
	}
	return t, n.client.Subscribe(ctx, t, h)
}

// SubscribeResponses receives responses published by a chime of user
func (n *Network) SubscribeResponses(ctx context.Context, user, chimeID string, h Handler) (string, error) {
	t, err := topic.ChimeResponse(user, chimeID)
	if err != nil {
		return "", err
	}
	return t, n.client.Subscribe(ctx, t, h)
}

// SubscribeUserChimes receives every facet of every chime of user
func (n *Network) SubscribeUserChimes(ctx context.Context, user string, h Handler) (string, error) {
	t, err := topic.UserChimes(user)
	if err != nil {
		return "", err
	}
	return t, n.client.Subscribe(ctx, t, h)
}

// SubscribeStatuses receives the status of every chime of user
func (n *Network) SubscribeStatuses(ctx context.Context, user string, h Handler) (string, error) {
	t, err := topic.UserChimeFacet(user, topic.FacetStatus)
	if err != nil {
		return "", err
	}
	return t, n.client.Subscribe(ctx, t, h)
}

// SubscribeRingerDiscovery receives discovery requests for the user
func (n *Network) SubscribeRingerDiscovery(ctx context.Context, h Handler) (string, error) {
	t, err := topic.RingerDiscover(n.user)
	if err != nil {
		return "", err
	}
	return t, n.client.Subscribe(ctx, t, h)
}

func (n *Network) publishFacet(ctx context.Context, chimeID string, facet topic.Facet, v any) error {
	t, err := topic.ChimeFacet(n.user, chimeID, facet)
	if err != nil {
		return err
	}
	return n.client.PublishJSON(ctx, t, v, facet.Durable())
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
