package model

import (
	"encoding/json"
	"time"
)

// ScheduleRule publishes an activity of Type whenever Rule is due
type ScheduleRule struct {
	Type             string          `json:"type"`
	Rule             string          `json:"rule"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	FireOnFirstCycle bool            `json:"fire_on_first_cycle"`
}

// ScheduleStatus reports the firing state of a rule
type ScheduleStatus struct {
	Type      string     `json:"type"`
	Rule      string     `json:"rule"`
	LastFired *time.Time `json:"last_fired,omitempty"`
	NextFire  *time.Time `json:"next_fire,omitempty"`
	Fired     int        `json:"fired"`
}
