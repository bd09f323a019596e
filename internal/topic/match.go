package topic

import "strings"

// Matches reports whether topic satisfies the subscription pattern.
//
// A pattern containing "+" is compared level by level and must have the same
// number of levels as the topic; "+" matches exactly one level of any content.
// Otherwise a pattern ending in "#" matches every topic starting with the text
// before the "#". The two wildcard forms are not combined: in a pattern that
// contains "+", a "#" level is compared literally.
func Matches(pattern, topic string) bool {
	if pattern == topic {
		return true
	}

	if strings.Contains(pattern, SingleLevel) {
		pp := strings.Split(pattern, separator)
		tp := strings.Split(topic, separator)
		if len(pp) != len(tp) {
			return false
		}
		for i, p := range pp {
			if p != SingleLevel && p != tp[i] {
				return false
			}
		}
		return true
	}

	if strings.HasSuffix(pattern, MultiLevel) {
		return strings.HasPrefix(topic, strings.TrimSuffix(pattern, MultiLevel))
	}

	return false
}

// IsPattern reports whether s contains a wildcard
func IsPattern(s string) bool {
	return strings.Contains(s, SingleLevel) || strings.Contains(s, MultiLevel)
}
