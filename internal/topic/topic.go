// Package topic builds the canonical chime network topics and matches them
// against wildcard subscription patterns.
package topic

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// ErrInvalidTopicSegment is matched by every InvalidSegmentError
var ErrInvalidTopicSegment = errors.New("invalid topic segment")

// InvalidSegmentError reports a user or chime id that cannot be a literal topic level
type InvalidSegmentError struct {
	Field string
	Value string
}

func (e *InvalidSegmentError) Error() string {
	return fmt.Sprintf("invalid topic segment for %s: %q", e.Field, e.Value)
}

func (e *InvalidSegmentError) Is(target error) bool { return target == ErrInvalidTopicSegment }

// Facet is the last level of a per-chime topic
type Facet string

const (
	FacetNotes    Facet = "notes"
	FacetChords   Facet = "chords"
	FacetStatus   Facet = "status"
	FacetRing     Facet = "ring"
	FacetResponse Facet = "response"
)

// IsValid checks if the facet is one of the known facets
func (f Facet) IsValid() bool {
	switch f {
	case FacetNotes, FacetChords, FacetStatus, FacetRing, FacetResponse:
		return true
	default:
		return false
	}
}

// Durable reports whether messages on this facet are retained for late subscribers
func (f Facet) Durable() bool {
	return f != FacetRing && f != FacetResponse
}

const (
	SingleLevel = "+"
	MultiLevel  = "#"
	separator   = "/"
)

// ValidateSegment checks that s can be used as one literal topic level.
// Besides the topic separator and wildcards it rejects the NATS wildcards
// '*' and '>' and whitespace, which the broker subjects cannot carry.
func ValidateSegment(field, s string) error {
	if s == "" || strings.ContainsAny(s, "/+#*>") || strings.IndexFunc(s, unsafeRune) >= 0 {
		return &InvalidSegmentError{Field: field, Value: s}
	}
	return nil
}

func unsafeRune(r rune) bool {
	return unicode.IsSpace(r) || unicode.IsControl(r)
}

// ChimeList returns /{user}/chime/list
func ChimeList(user string) (string, error) {
	if err := ValidateSegment("user", user); err != nil {
		return "", err
	}
	return "/" + user + "/chime/list", nil
}

// ChimeFacet returns /{user}/chime/{chimeID}/{facet}
func ChimeFacet(user, chimeID string, facet Facet) (string, error) {
	if err := ValidateSegment("user", user); err != nil {
		return "", err
	}
	if err := ValidateSegment("chime_id", chimeID); err != nil {
		return "", err
	}
	if !facet.IsValid() {
		return "", fmt.Errorf("unknown facet %q", facet)
	}
	return "/" + user + "/chime/" + chimeID + "/" + string(facet), nil
}

// ChimeNotes returns /{user}/chime/{chimeID}/notes
func ChimeNotes(user, chimeID string) (string, error) {
	return ChimeFacet(user, chimeID, FacetNotes)
}

// ChimeChords returns /{user}/chime/{chimeID}/chords
func ChimeChords(user, chimeID string) (string, error) {
	return ChimeFacet(user, chimeID, FacetChords)
}

// ChimeStatus returns /{user}/chime/{chimeID}/status
func ChimeStatus(user, chimeID string) (string, error) {
	return ChimeFacet(user, chimeID, FacetStatus)
}

// ChimeRing returns /{user}/chime/{chimeID}/ring
func ChimeRing(user, chimeID string) (string, error) {
	return ChimeFacet(user, chimeID, FacetRing)
}

// ChimeResponse returns /{user}/chime/{chimeID}/response
func ChimeResponse(user, chimeID string) (string, error) {
	return ChimeFacet(user, chimeID, FacetResponse)
}

// RingerDiscover returns /{user}/ringer/discover
func RingerDiscover(user string) (string, error) {
	if err := ValidateSegment("user", user); err != nil {
		return "", err
	}
	return "/" + user + "/ringer/discover", nil
}

// RingerAvailable returns /{user}/ringer/available
func RingerAvailable(user string) (string, error) {
	if err := ValidateSegment("user", user); err != nil {
		return "", err
	}
	return "/" + user + "/ringer/available", nil
}

// UserChimes returns the pattern /{user}/chime/+/+ covering every facet of every chime of user
func UserChimes(user string) (string, error) {
	if err := ValidateSegment("user", user); err != nil {
		return "", err
	}
	return "/" + user + "/chime/+/+", nil
}

// UserChimeFacet returns the pattern /{user}/chime/+/{facet}
func UserChimeFacet(user string, facet Facet) (string, error) {
	if err := ValidateSegment("user", user); err != nil {
		return "", err
	}
	if !facet.IsValid() {
		return "", fmt.Errorf("unknown facet %q", facet)
	}
	return "/" + user + "/chime/+/" + string(facet), nil
}

// Address is a concrete topic split into its parts
type Address struct {
	User    string
	ChimeID string // empty for list and ringer topics
	Facet   Facet  // empty for list and ringer topics
	Kind    string // "list", "chime", "discover" or "available"
}

// Parse decomposes a topic produced by this package
func Parse(t string) (Address, bool) {
	parts := strings.Split(t, separator)
	if len(parts) < 4 || parts[0] != "" || parts[1] == "" {
		return Address{}, false
	}
	user := parts[1]
	switch {
	case len(parts) == 4 && parts[2] == "chime" && parts[3] == "list":
		return Address{User: user, Kind: "list"}, true
	case len(parts) == 4 && parts[2] == "ringer" && (parts[3] == "discover" || parts[3] == "available"):
		return Address{User: user, Kind: parts[3]}, true
	case len(parts) == 5 && parts[2] == "chime" && parts[3] != "" && Facet(parts[4]).IsValid():
		return Address{User: user, ChimeID: parts[3], Facet: Facet(parts[4]), Kind: "chime"}, true
	}
	return Address{}, false
}
