package states

import (
	"sort"
	"time"

	"chimenet/internal/models"
	"chimenet/internal/presence"
)

const (
	meetingDeclineDelay = 2 * time.Second
	focusHoldDelay      = 30 * time.Second
)

// Meeting chimes, declines after two seconds, and returns to Available when
// the user accepts anyway.
type Meeting struct{}

func (Meeting) OnIncomingChime(models.ChimeMessage, models.CustomState) models.BehaviorResult {
	return models.BehaviorResult{
		// a silent decision drops the ring with its response, so declining needs a chime
		ShouldChime:  true,
		AutoResponse: models.Ptr(models.Negative),
		Delay:        models.Ptr(meetingDeclineDelay),
	}
}

func (Meeting) OnUserResponse(resp models.Response, _ models.CustomState) models.BehaviorResult {
	if resp == models.Positive {
		return models.BehaviorResult{ShouldChime: true, NextState: string(models.ModeAvailable)}
	}
	return models.BehaviorResult{}
}

func (Meeting) OnTimeout(models.CustomState) models.BehaviorResult {
	return models.BehaviorResult{AutoResponse: models.Ptr(models.Negative)}
}

func (Meeting) EvaluateConditions(models.CustomState) bool { return true }

// Focus chimes and holds the ring for thirty seconds. Unanswered rings are
// accepted when the hold expires and the node becomes Available; answering
// by hand drops to ChillGrinding.
type Focus struct{}

func (Focus) OnIncomingChime(models.ChimeMessage, models.CustomState) models.BehaviorResult {
	return models.BehaviorResult{ShouldChime: true, Delay: models.Ptr(focusHoldDelay)}
}

func (Focus) OnUserResponse(models.Response, models.CustomState) models.BehaviorResult {
	return models.BehaviorResult{ShouldChime: true, NextState: string(models.ModeChillGrinding)}
}

func (Focus) OnTimeout(models.CustomState) models.BehaviorResult {
	return models.BehaviorResult{
		AutoResponse: models.Ptr(models.Positive),
		NextState:    string(models.ModeAvailable),
	}
}

func (Focus) EvaluateConditions(models.CustomState) bool { return true }

var builtins = map[string]presence.Behavior{
	"meeting": Meeting{},
	"focus":   Focus{},
}

// Behavior returns a built-in behavior by name
func Behavior(name string) (presence.Behavior, bool) {
	b, ok := builtins[name]
	return b, ok
}

// BehaviorNames lists the built-in behaviors
func BehaviorNames() []string {
	names := make([]string, 0, len(builtins))
	for name := range builtins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
