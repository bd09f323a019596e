package nats

import "testing"

func TestSubjectFor(t *testing.T) {
	tests := []struct {
		topic   string
		subject string
	}{
		{"/alice/chime/list", "/.alice.chime.list"},
		{"/alice/chime/c1/ring", "/.alice.chime.c1.ring"},
		{"/+/chime/+/+", "/.*.chime.*.*"},
		{"/alice/#", "/.alice.>"},
		{"/alice/chime/v1.2/status", "/.alice.chime.v1//2.status"},
		{"alice//x/", "alice./.x./"},
	}

	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			if got := subjectFor(tt.topic); got != tt.subject {
				t.Errorf("subjectFor(%q) = %q, want %q", tt.topic, got, tt.subject)
			}
		})
	}
}

func TestTopicForRoundTrip(t *testing.T) {
	topics := []string{
		"/alice/chime/list",
		"/alice/chime/c1/response",
		"/bob/ringer/available",
		"/alice/chime/v1.2/status",
		"alice//x/",
	}
	for _, topic := range topics {
		if got := topicFor(subjectFor(topic)); got != topic {
			t.Errorf("round trip of %q gave %q", topic, got)
		}
	}
}
