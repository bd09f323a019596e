package models

import (
	"encoding/json"
	"testing"
	"time"
)

// 2024-01-01 was a Monday.
func at(day, hour, minute int) time.Time {
	return time.Date(2024, 1, day, hour, minute, 0, 0, time.UTC)
}

func TestTimeWindow_Contains(t *testing.T) {
	office := TimeWindow{StartHour: 9, EndHour: 17, DaysOfWeek: []int{1, 2, 3, 4, 5}}
	night := TimeWindow{StartHour: 22, StartMinute: 30, EndHour: 6, DaysOfWeek: []int{0, 1, 2, 3, 4, 5, 6}}

	tests := []struct {
		name   string
		window TimeWindow
		t      time.Time
		want   bool
	}{
		{"inside office hours", office, at(1, 10, 0), true},
		{"start is inclusive", office, at(1, 9, 0), true},
		{"end is exclusive", office, at(1, 17, 0), false},
		{"weekend excluded", office, at(7, 10, 0), false},
		{"wrap before midnight", night, at(2, 23, 0), true},
		{"wrap after midnight", night, at(3, 5, 59), true},
		{"wrap outside", night, at(3, 12, 0), false},
		{"wrap start minute", night, at(3, 22, 29), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.window.Contains(tt.t); got != tt.want {
				t.Errorf("Contains(%v) = %v, want %v", tt.t, got, tt.want)
			}
		})
	}
}

func TestCondition_Evaluate(t *testing.T) {
	now := at(1, 10, 0)
	store := map[string]bool{
		KeyUserPresent:   true,
		KeyCalendarBusy:  false,
		KeyNetworkActive: true,
		"focus_mode":     true,
	}

	tests := []struct {
		name string
		cond Condition
		want bool
	}{
		{"user present", UserPresence(true), true},
		{"user away", UserPresence(false), false},
		{"calendar free", CalendarBusy(false), true},
		{"calendar busy", CalendarBusy(true), false},
		{"network active", NetworkActivity(true), true},
		{"system load missing key", SystemLoad(0.8), false},
		{"custom match", CustomCondition("focus_mode", "true"), true},
		{"custom mismatch", CustomCondition("focus_mode", "false"), false},
		{"custom missing key", CustomCondition("lunch", "false"), false},
		{"custom unparseable", CustomCondition("focus_mode", "yes please"), false},
		{"time range", TimeRange(TimeWindow{StartHour: 9, EndHour: 12, DaysOfWeek: []int{1}}), true},
		{"unknown kind", Condition{Kind: "Weather"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cond.Evaluate(store, now); got != tt.want {
				t.Errorf("Evaluate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCondition_JSON(t *testing.T) {
	tests := []struct {
		cond Condition
		wire string
	}{
		{CalendarBusy(true), `{"CalendarBusy":true}`},
		{UserPresence(false), `{"UserPresence":false}`},
		{SystemLoad(0.5), `{"SystemLoad":0.5}`},
		{CustomCondition("focus_mode", "true"), `{"Custom":["focus_mode","true"]}`},
		{TimeRange(TimeWindow{StartHour: 12, EndHour: 13, DaysOfWeek: []int{1}}),
			`{"TimeRange":{"start_hour":12,"start_minute":0,"end_hour":13,"end_minute":0,"days_of_week":[1]}}`},
	}

	for _, tt := range tests {
		t.Run(string(tt.cond.Kind), func(t *testing.T) {
			data, err := json.Marshal(tt.cond)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			if string(data) != tt.wire {
				t.Errorf("marshal = %s, want %s", data, tt.wire)
			}
			var got Condition
			if err := json.Unmarshal(data, &got); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got.Kind != tt.cond.Kind || got.Flag != tt.cond.Flag || got.Key != tt.cond.Key || got.Value != tt.cond.Value {
				t.Errorf("unmarshal = %+v, want %+v", got, tt.cond)
			}
		})
	}
}

func TestCondition_UnmarshalErrors(t *testing.T) {
	for _, wire := range []string{`{}`, `{"Weather":1}`, `{"CalendarBusy":"yes"}`, `[1]`} {
		var c Condition
		if err := json.Unmarshal([]byte(wire), &c); err == nil {
			t.Errorf("expected error for %s", wire)
		}
	}
}
