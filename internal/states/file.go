// Package states loads custom presence states from a YAML file and keeps a
// node in sync with it.
package states

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"chimenet/internal/models"
)

// File is the decoded states file
type File struct {
	States []StateDef `yaml:"states"`
}

// StateDef is one custom state as written in the file
type StateDef struct {
	Name              string         `yaml:"name"`
	ShouldChime       bool           `yaml:"should_chime"`
	AutoResponse      string         `yaml:"auto_response,omitempty"`
	AutoResponseDelay *uint64        `yaml:"auto_response_delay,omitempty"` // milliseconds
	Description       string         `yaml:"description,omitempty"`
	Priority          uint8          `yaml:"priority"`
	ActiveHours       *WindowDef     `yaml:"active_hours,omitempty"`
	Conditions        []ConditionDef `yaml:"conditions,omitempty"`
	// Behavior binds one of the built-in behaviors by name
	Behavior string `yaml:"behavior,omitempty"`
}

// WindowDef is a daily time window
type WindowDef struct {
	Start string `yaml:"start"` // HH:MM
	End   string `yaml:"end"`   // HH:MM
	Days  []int  `yaml:"days"`  // 0 = Sunday
}

// ConditionDef holds exactly one condition
type ConditionDef struct {
	TimeRange       *WindowDef `yaml:"time_range,omitempty"`
	UserPresence    *bool      `yaml:"user_presence,omitempty"`
	SystemLoad      *float32   `yaml:"system_load,omitempty"`
	NetworkActivity *bool      `yaml:"network_activity,omitempty"`
	CalendarBusy    *bool      `yaml:"calendar_busy,omitempty"`
	Custom          *CustomDef `yaml:"custom,omitempty"`
}

// CustomDef is a condition on an arbitrary key of the condition store
type CustomDef struct {
	Key   string `yaml:"key"`
	Value string `yaml:"value"`
}

// Load reads and decodes a states file
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read states file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a states document. Unknown fields are rejected.
func Parse(data []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return &File{}, nil
		}
		return nil, fmt.Errorf("failed to parse states file: %w", err)
	}
	return &f, nil
}

// ToCustomState converts the definition and validates it
func (d StateDef) ToCustomState() (models.CustomState, error) {
	s := models.CustomState{
		Name:              d.Name,
		ShouldChime:       d.ShouldChime,
		AutoResponseDelay: d.AutoResponseDelay,
		Description:       d.Description,
		Priority:          d.Priority,
	}
	if d.AutoResponse != "" {
		r := models.Response(d.AutoResponse)
		if !r.IsValid() {
			return models.CustomState{}, fmt.Errorf("state %q: invalid auto_response %q", d.Name, d.AutoResponse)
		}
		s.AutoResponse = &r
	}
	if d.ActiveHours != nil {
		w, err := d.ActiveHours.toWindow()
		if err != nil {
			return models.CustomState{}, fmt.Errorf("state %q: active_hours: %w", d.Name, err)
		}
		s.ActiveHours = &w
	}
	for i, cd := range d.Conditions {
		c, err := cd.toCondition()
		if err != nil {
			return models.CustomState{}, fmt.Errorf("state %q: conditions[%d]: %w", d.Name, i, err)
		}
		s.Conditions = append(s.Conditions, c)
	}
	if err := s.Validate(); err != nil {
		return models.CustomState{}, fmt.Errorf("state %q: %w", d.Name, err)
	}
	return s, nil
}

func (w WindowDef) toWindow() (models.TimeWindow, error) {
	var out models.TimeWindow
	if _, err := fmt.Sscanf(w.Start, "%d:%d", &out.StartHour, &out.StartMinute); err != nil {
		return out, fmt.Errorf("invalid start %q", w.Start)
	}
	if _, err := fmt.Sscanf(w.End, "%d:%d", &out.EndHour, &out.EndMinute); err != nil {
		return out, fmt.Errorf("invalid end %q", w.End)
	}
	out.DaysOfWeek = append([]int(nil), w.Days...)
	return out, out.Validate()
}

func (c ConditionDef) toCondition() (models.Condition, error) {
	var out []models.Condition
	if c.TimeRange != nil {
		w, err := c.TimeRange.toWindow()
		if err != nil {
			return models.Condition{}, err
		}
		out = append(out, models.TimeRange(w))
	}
	if c.UserPresence != nil {
		out = append(out, models.UserPresence(*c.UserPresence))
	}
	if c.SystemLoad != nil {
		out = append(out, models.SystemLoad(*c.SystemLoad))
	}
	if c.NetworkActivity != nil {
		out = append(out, models.NetworkActivity(*c.NetworkActivity))
	}
	if c.CalendarBusy != nil {
		out = append(out, models.CalendarBusy(*c.CalendarBusy))
	}
	if c.Custom != nil {
		out = append(out, models.CustomCondition(c.Custom.Key, c.Custom.Value))
	}
	if len(out) != 1 {
		return models.Condition{}, fmt.Errorf("expected exactly one condition, got %d", len(out))
	}
	return out[0], out[0].Validate()
}
