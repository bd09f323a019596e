package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ModeKind identifies the variant of a PresenceMode
type ModeKind string

const (
	ModeDoNotDisturb  ModeKind = "DoNotDisturb"
	ModeAvailable     ModeKind = "Available"
	ModeChillGrinding ModeKind = "ChillGrinding"
	ModeGrinding      ModeKind = "Grinding"
	ModeCustom        ModeKind = "Custom"
)

// IsBuiltin reports whether the kind is one of the four fixed modes
func (k ModeKind) IsBuiltin() bool {
	switch k {
	case ModeDoNotDisturb, ModeAvailable, ModeChillGrinding, ModeGrinding:
		return true
	default:
		return false
	}
}

// PresenceMode is the active disposition of a chime node.
// Name is only set for ModeCustom.
type PresenceMode struct {
	Kind ModeKind
	Name string
}

var (
	DoNotDisturb  = PresenceMode{Kind: ModeDoNotDisturb}
	Available     = PresenceMode{Kind: ModeAvailable}
	ChillGrinding = PresenceMode{Kind: ModeChillGrinding}
	Grinding      = PresenceMode{Kind: ModeGrinding}
)

// Custom returns the mode for a user-defined state
func Custom(name string) PresenceMode {
	return PresenceMode{Kind: ModeCustom, Name: name}
}

// IsCustom reports whether the mode refers to a custom state
func (m PresenceMode) IsCustom() bool { return m.Kind == ModeCustom }

// IsValid checks the mode is a known variant
func (m PresenceMode) IsValid() bool {
	if m.Kind == ModeCustom {
		return m.Name != ""
	}
	return m.Kind.IsBuiltin() && m.Name == ""
}

func (m PresenceMode) String() string {
	if m.Kind == ModeCustom {
		return fmt.Sprintf("Custom(%s)", m.Name)
	}
	return string(m.Kind)
}

// ParseMode maps a name to a mode: the four built-in tags map to their
// built-in mode, anything else is treated as a custom state name.
func ParseMode(name string) PresenceMode {
	if k := ModeKind(name); k.IsBuiltin() {
		return PresenceMode{Kind: k}
	}
	return Custom(name)
}

// MarshalJSON encodes built-in modes as a bare tag and custom modes as {"Custom":"name"}
func (m PresenceMode) MarshalJSON() ([]byte, error) {
	if !m.IsValid() {
		return nil, fmt.Errorf("invalid presence mode %q", m.String())
	}
	if m.Kind == ModeCustom {
		return json.Marshal(map[string]string{string(ModeCustom): m.Name})
	}
	return json.Marshal(string(m.Kind))
}

// UnmarshalJSON accepts either encoding produced by MarshalJSON
func (m *PresenceMode) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var tag string
		if err := json.Unmarshal(data, &tag); err != nil {
			return err
		}
		k := ModeKind(tag)
		if !k.IsBuiltin() {
			return fmt.Errorf("unknown presence mode %q", tag)
		}
		*m = PresenceMode{Kind: k}
		return nil
	}

	var tagged map[string]string
	if err := json.Unmarshal(data, &tagged); err != nil {
		return fmt.Errorf("invalid presence mode: %w", err)
	}
	name, ok := tagged[string(ModeCustom)]
	if !ok || len(tagged) != 1 || name == "" {
		return errors.New("invalid presence mode: expected {\"Custom\":\"<name>\"}")
	}
	*m = Custom(name)
	return nil
}

// Response is the answer a node gives to a ring
type Response string

const (
	Positive Response = "Positive"
	Negative Response = "Negative"
)

// IsValid checks if the response is valid
func (r Response) IsValid() bool {
	return r == Positive || r == Negative
}

// CustomState is a user-defined presence mode and its policy.
// AutoResponse and AutoResponseDelay both unset means wait for the user.
type CustomState struct {
	Name              string      `json:"name"`
	ShouldChime       bool        `json:"should_chime"`
	AutoResponse      *Response   `json:"auto_response,omitempty"`
	AutoResponseDelay *uint64     `json:"auto_response_delay,omitempty"` // milliseconds
	Description       string      `json:"description,omitempty"`
	Priority          uint8       `json:"priority"`
	ActiveHours       *TimeWindow `json:"active_hours,omitempty"`
	Conditions        []Condition `json:"conditions"`
}

// Validate validates the custom state definition
func (s *CustomState) Validate() error {
	if s.Name == "" {
		return errors.New("name is required")
	}
	if ModeKind(s.Name).IsBuiltin() {
		return fmt.Errorf("name %q is reserved for a built-in mode", s.Name)
	}
	if s.AutoResponse != nil && !s.AutoResponse.IsValid() {
		return errors.New("invalid auto_response")
	}
	if s.ActiveHours != nil {
		if err := s.ActiveHours.Validate(); err != nil {
			return fmt.Errorf("active_hours: %w", err)
		}
	}
	for i, c := range s.Conditions {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("conditions[%d]: %w", i, err)
		}
	}
	return nil
}

// Delay returns the auto-response delay as a duration
func (s *CustomState) Delay() (time.Duration, bool) {
	if s.AutoResponseDelay == nil {
		return 0, false
	}
	return Millis(*s.AutoResponseDelay), true
}

// BehaviorResult is what a custom behavior decides for one event
type BehaviorResult struct {
	ShouldChime  bool
	AutoResponse *Response
	Delay        *time.Duration
	// NextState forces a transition once the behavior has run; empty means stay.
	NextState string
}

// ModeUpdate announces a node's current mode to its peers
type ModeUpdate struct {
	Timestamp   time.Time    `json:"timestamp"`
	Mode        PresenceMode `json:"mode"`
	NodeID      string       `json:"node_id"`
	CustomState *CustomState `json:"custom_state,omitempty"`
}

// Ptr returns a pointer to v
func Ptr[T any](v T) *T { return &v }
