package models

import (
	"errors"
	"math"
	"time"
)

const maxMillis = uint64(math.MaxInt64 / int64(time.Millisecond))

// Millis converts a wire millisecond count to a duration, saturating at the
// largest representable duration instead of wrapping negative
func Millis(ms uint64) time.Duration {
	if ms > maxMillis {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(ms) * time.Millisecond
}

// ChimeMessage is an inbound ring as seen by the presence layer
type ChimeMessage struct {
	Timestamp time.Time `json:"timestamp"`
	FromNode  string    `json:"from_node"`
	RingID    string    `json:"ring_id,omitempty"`
	Notes     []string  `json:"notes,omitempty"`
	Chords    []string  `json:"chords,omitempty"`
	Message   string    `json:"message,omitempty"`
	// DurationMs is the playback duration the ringer asked for
	DurationMs *uint64 `json:"duration_ms,omitempty"`
}

// ResponseMessage is the reply a node publishes for a ring.
// OriginalRingID keeps the original_chime_id wire name for interop.
type ResponseMessage struct {
	Timestamp      time.Time `json:"timestamp"`
	Response       Response  `json:"response"`
	NodeID         string    `json:"node_id"`
	OriginalRingID string    `json:"original_chime_id,omitempty"`
}

// Validate validates the response message
func (m *ResponseMessage) Validate() error {
	if !m.Response.IsValid() {
		return errors.New("invalid response")
	}
	if m.NodeID == "" {
		return errors.New("node_id is required")
	}
	return nil
}

// ChimeInfo describes a chime published on the list topic
type ChimeInfo struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Notes       []string  `json:"notes"`
	Chords      []string  `json:"chords"`
	CreatedAt   time.Time `json:"created_at"`
}

// ChimeStatus is the retained status of a chime
type ChimeStatus struct {
	ChimeID string       `json:"chime_id"`
	Online  bool         `json:"online"`
	Mode    PresenceMode `json:"mode"`
	// CustomState is the definition of the active custom mode, if any
	CustomState *CustomState `json:"custom_state,omitempty"`
	LastSeen    time.Time    `json:"last_seen"`
	NodeID      string       `json:"node_id"`
}

// Validate validates the status
func (s *ChimeStatus) Validate() error {
	if s.ChimeID == "" {
		return errors.New("chime_id is required")
	}
	if s.NodeID == "" {
		return errors.New("node_id is required")
	}
	if !s.Mode.IsValid() {
		return errors.New("invalid mode")
	}
	return nil
}

// ChimeList is the retained list of chimes a user owns
type ChimeList struct {
	User      string      `json:"user"`
	Chimes    []ChimeInfo `json:"chimes"`
	Timestamp time.Time   `json:"timestamp"`
}

// ChimeRingRequest asks a chime to ring.
// RingID is optional on the wire; peers that omit it are correlated by ChimeID.
type ChimeRingRequest struct {
	ChimeID    string    `json:"chime_id"`
	User       string    `json:"user"`
	RingID     string    `json:"ring_id,omitempty"`
	Notes      []string  `json:"notes,omitempty"`
	Chords     []string  `json:"chords,omitempty"`
	DurationMs *uint64   `json:"duration_ms,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Validate validates the ring request
func (r *ChimeRingRequest) Validate() error {
	if r.ChimeID == "" {
		return errors.New("chime_id is required")
	}
	if r.User == "" {
		return errors.New("user is required")
	}
	return nil
}

// CorrelationID returns the identifier responses to this ring refer to
func (r *ChimeRingRequest) CorrelationID() string {
	if r.RingID != "" {
		return r.RingID
	}
	return r.ChimeID
}

// Duration returns the requested playback duration, zero if unset
func (r *ChimeRingRequest) Duration() time.Duration {
	if r.DurationMs == nil {
		return 0
	}
	return Millis(*r.DurationMs)
}

// ToChimeMessage converts the wire request into the presence layer's view
func (r *ChimeRingRequest) ToChimeMessage() ChimeMessage {
	return ChimeMessage{
		Timestamp:  r.Timestamp,
		FromNode:   r.User,
		RingID:     r.CorrelationID(),
		Notes:      r.Notes,
		Chords:     r.Chords,
		DurationMs: r.DurationMs,
	}
}

// RingerDiscovery is broadcast by a ringer looking for chimes
type RingerDiscovery struct {
	RingerID  string    `json:"ringer_id"`
	User      string    `json:"user"`
	Timestamp time.Time `json:"timestamp"`
}

// RingerAvailable is the retained announcement of a ringer and the chimes it can reach
type RingerAvailable struct {
	RingerID        string    `json:"ringer_id"`
	User            string    `json:"user"`
	AvailableChimes []string  `json:"available_chimes"`
	Timestamp       time.Time `json:"timestamp"`
}
