package presence

import (
	"time"

	"chimenet/internal/models"
)

// Behavior overrides the static policy of one custom state
type Behavior interface {
	OnIncomingChime(msg models.ChimeMessage, state models.CustomState) models.BehaviorResult
	OnUserResponse(resp models.Response, state models.CustomState) models.BehaviorResult
	// OnTimeout runs when a delay requested by OnIncomingChime expires
	// without a response attached to it.
	OnTimeout(state models.CustomState) models.BehaviorResult
	// EvaluateConditions is an extra gate for automatic activation
	EvaluateConditions(state models.CustomState) bool
}

// Decision is the outcome of evaluating one inbound ring against the current mode
type Decision struct {
	Mode        models.PresenceMode
	ShouldChime bool
	// Response is nil when nothing should be sent automatically
	Response *models.Response
	// Delay is nil for an immediate response
	Delay     *time.Duration
	NextState string

	state    models.CustomState
	behavior Behavior
}

// deferredTimeout reports whether the decision asks for a delay whose outcome
// the behavior chooses on timeout
func (d Decision) deferredTimeout() bool {
	return d.Response == nil && d.Delay != nil && d.behavior != nil
}

// ChillGrindingDelay is how long ChillGrinding waits before answering Positive
const ChillGrindingDelay = 10 * time.Second

// builtinDecision is the fixed policy of the four built-in modes
func builtinDecision(mode models.PresenceMode) Decision {
	switch mode.Kind {
	case models.ModeAvailable:
		return Decision{Mode: mode, ShouldChime: true}
	case models.ModeChillGrinding:
		return Decision{
			Mode:        mode,
			ShouldChime: true,
			Response:    models.Ptr(models.Positive),
			Delay:       models.Ptr(ChillGrindingDelay),
		}
	case models.ModeGrinding:
		return Decision{Mode: mode, ShouldChime: true, Response: models.Ptr(models.Positive)}
	default:
		// DoNotDisturb and anything unknown never chime
		return Decision{Mode: mode}
	}
}

// staticDecision applies a custom state's own fields. A delay without a
// response means there is nothing to send, so the ring waits for the user.
func staticDecision(mode models.PresenceMode, state models.CustomState) Decision {
	d := Decision{Mode: mode, ShouldChime: state.ShouldChime, Response: state.AutoResponse, state: state}
	if delay, ok := state.Delay(); ok && state.AutoResponse != nil {
		d.Delay = &delay
	}
	return d
}

func behaviorDecision(mode models.PresenceMode, state models.CustomState, b Behavior, r models.BehaviorResult) Decision {
	return Decision{
		Mode:        mode,
		ShouldChime: r.ShouldChime,
		Response:    r.AutoResponse,
		Delay:       r.Delay,
		NextState:   r.NextState,
		state:       state,
		behavior:    b,
	}
}
