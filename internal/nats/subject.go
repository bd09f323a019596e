package nats

import (
	"strings"

	"chimenet/internal/topic"
)

// subjectFor maps a slash topic (or pattern) to a NATS subject the same way
// nats-server maps MQTT topics, so MQTT devices and NATS clients share topics.
//
//	/alice/chime/c1/ring  ->  /.alice.chime.c1.ring
//	/alice/chime/+/#      ->  /.alice.chime.*.>
func subjectFor(t string) string {
	levels := strings.Split(t, "/")
	tokens := make([]string, len(levels))
	for i, level := range levels {
		switch level {
		case "":
			tokens[i] = "/"
		case topic.SingleLevel:
			tokens[i] = "*"
		case topic.MultiLevel:
			tokens[i] = ">"
		default:
			tokens[i] = strings.ReplaceAll(level, ".", "//")
		}
	}
	return strings.Join(tokens, ".")
}

// topicFor reverses subjectFor for concrete subjects
func topicFor(subject string) string {
	tokens := strings.Split(subject, ".")
	levels := make([]string, len(tokens))
	for i, token := range tokens {
		if token == "/" {
			continue
		}
		levels[i] = strings.ReplaceAll(token, "//", ".")
	}
	return strings.Join(levels, "/")
}
