package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Condition store keys read by the built-in condition kinds
const (
	KeyUserPresent    = "user_present"
	KeySystemLoadHigh = "system_load_high"
	KeyNetworkActive  = "network_active"
	KeyCalendarBusy   = "calendar_busy"
)

// TimeWindow is a daily time range restricted to some weekdays.
// A start after the end wraps past midnight.
type TimeWindow struct {
	StartHour   int   `json:"start_hour"`
	StartMinute int   `json:"start_minute"`
	EndHour     int   `json:"end_hour"`
	EndMinute   int   `json:"end_minute"`
	DaysOfWeek  []int `json:"days_of_week"` // 0 = Sunday
}

// Validate validates the window bounds
func (w *TimeWindow) Validate() error {
	if w.StartHour < 0 || w.StartHour > 23 || w.EndHour < 0 || w.EndHour > 23 {
		return errors.New("hours must be within 0-23")
	}
	if w.StartMinute < 0 || w.StartMinute > 59 || w.EndMinute < 0 || w.EndMinute > 59 {
		return errors.New("minutes must be within 0-59")
	}
	for _, d := range w.DaysOfWeek {
		if d < 0 || d > 6 {
			return fmt.Errorf("day of week %d out of range 0-6", d)
		}
	}
	return nil
}

// Contains reports whether t falls inside the window, using t's own location
func (w *TimeWindow) Contains(t time.Time) bool {
	day := int(t.Weekday())
	onDay := false
	for _, d := range w.DaysOfWeek {
		if d == day {
			onDay = true
			break
		}
	}
	if !onDay {
		return false
	}

	minute := t.Hour()*60 + t.Minute()
	start := w.StartHour*60 + w.StartMinute
	end := w.EndHour*60 + w.EndMinute
	if start <= end {
		return minute >= start && minute < end
	}
	return minute >= start || minute < end
}

// ConditionKind identifies the variant of a Condition
type ConditionKind string

const (
	ConditionTimeRange       ConditionKind = "TimeRange"
	ConditionUserPresence    ConditionKind = "UserPresence"
	ConditionSystemLoad      ConditionKind = "SystemLoad"
	ConditionNetworkActivity ConditionKind = "NetworkActivity"
	ConditionCalendarBusy    ConditionKind = "CalendarBusy"
	ConditionCustom          ConditionKind = "Custom"
)

// Condition gates automatic activation of a custom state.
// Which fields are meaningful depends on Kind.
type Condition struct {
	Kind      ConditionKind
	Window    *TimeWindow
	Flag      bool
	Threshold float32
	Key       string
	Value     string
}

func TimeRange(w TimeWindow) Condition { return Condition{Kind: ConditionTimeRange, Window: &w} }
func UserPresence(present bool) Condition {
	return Condition{Kind: ConditionUserPresence, Flag: present}
}
func SystemLoad(threshold float32) Condition {
	return Condition{Kind: ConditionSystemLoad, Threshold: threshold}
}
func NetworkActivity(active bool) Condition {
	return Condition{Kind: ConditionNetworkActivity, Flag: active}
}
func CalendarBusy(busy bool) Condition { return Condition{Kind: ConditionCalendarBusy, Flag: busy} }
func CustomCondition(key, value string) Condition {
	return Condition{Kind: ConditionCustom, Key: key, Value: value}
}

// Validate checks that the fields required by Kind are present
func (c Condition) Validate() error {
	switch c.Kind {
	case ConditionTimeRange:
		if c.Window == nil {
			return errors.New("time range condition without window")
		}
		return c.Window.Validate()
	case ConditionUserPresence, ConditionNetworkActivity, ConditionCalendarBusy:
		return nil
	case ConditionSystemLoad:
		if c.Threshold < 0 {
			return errors.New("system load threshold must not be negative")
		}
		return nil
	case ConditionCustom:
		if c.Key == "" {
			return errors.New("custom condition without key")
		}
		return nil
	default:
		return fmt.Errorf("unknown condition kind %q", c.Kind)
	}
}

// Evaluate checks the condition against the condition store and the current time.
// A key missing from the store evaluates as false.
func (c Condition) Evaluate(store map[string]bool, now time.Time) bool {
	flag := func(key string, want bool) bool {
		v, ok := store[key]
		return ok && v == want
	}

	switch c.Kind {
	case ConditionTimeRange:
		return c.Window != nil && c.Window.Contains(now)
	case ConditionUserPresence:
		return flag(KeyUserPresent, c.Flag)
	case ConditionSystemLoad:
		// the feeder compares the sampled load with the threshold
		return flag(KeySystemLoadHigh, true)
	case ConditionNetworkActivity:
		return flag(KeyNetworkActive, c.Flag)
	case ConditionCalendarBusy:
		return flag(KeyCalendarBusy, c.Flag)
	case ConditionCustom:
		want, err := strconv.ParseBool(c.Value)
		if err != nil {
			return false
		}
		return flag(c.Key, want)
	default:
		return false
	}
}

// MarshalJSON encodes the condition as an externally tagged value,
// e.g. {"CalendarBusy":true} or {"Custom":["focus_mode","true"]}.
func (c Condition) MarshalJSON() ([]byte, error) {
	var v any
	switch c.Kind {
	case ConditionTimeRange:
		v = c.Window
	case ConditionUserPresence, ConditionNetworkActivity, ConditionCalendarBusy:
		v = c.Flag
	case ConditionSystemLoad:
		v = c.Threshold
	case ConditionCustom:
		v = [2]string{c.Key, c.Value}
	default:
		return nil, fmt.Errorf("unknown condition kind %q", c.Kind)
	}
	return json.Marshal(map[ConditionKind]any{c.Kind: v})
}

// UnmarshalJSON decodes the externally tagged encoding
func (c *Condition) UnmarshalJSON(data []byte) error {
	var tagged map[ConditionKind]json.RawMessage
	if err := json.Unmarshal(data, &tagged); err != nil {
		return fmt.Errorf("invalid condition: %w", err)
	}
	if len(tagged) != 1 {
		return errors.New("invalid condition: expected exactly one tag")
	}

	for kind, raw := range tagged {
		out := Condition{Kind: kind}
		var err error
		switch kind {
		case ConditionTimeRange:
			out.Window = &TimeWindow{}
			err = json.Unmarshal(raw, out.Window)
		case ConditionUserPresence, ConditionNetworkActivity, ConditionCalendarBusy:
			err = json.Unmarshal(raw, &out.Flag)
		case ConditionSystemLoad:
			err = json.Unmarshal(raw, &out.Threshold)
		case ConditionCustom:
			var pair [2]string
			err = json.Unmarshal(raw, &pair)
			out.Key, out.Value = pair[0], pair[1]
		default:
			return fmt.Errorf("unknown condition kind %q", kind)
		}
		if err != nil {
			return fmt.Errorf("invalid %s condition: %w", kind, err)
		}
		*c = out
	}
	return nil
}
