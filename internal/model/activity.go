package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Queue is a named partition of the activity repository
type Queue string

const (
	QueuePending Queue = "pending"
	QueueClaimed Queue = "claimed"
	QueueDone    Queue = "done"
	QueueFailed  Queue = "failed"
)

// Queues returns every queue in lifecycle order
func Queues() []Queue {
	return []Queue{QueuePending, QueueClaimed, QueueDone, QueueFailed}
}

// Valid reports whether q names a known queue
func (q Queue) Valid() bool {
	switch q {
	case QueuePending, QueueClaimed, QueueDone, QueueFailed:
		return true
	}
	return false
}

// Activity is one unit of schedulable work. The exported JSON fields form the
// serialized record; location fields describe where the record currently
// lives and are derived from the repository, not stored in the document.
type Activity struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	NotBefore *time.Time      `json:"not_before"`
	Attempts  int             `json:"attempts"`
	CausedBy  *string         `json:"caused_by"`

	Queue     Queue      `json:"-"`
	ClaimedBy string     `json:"-"`
	ClaimedAt *time.Time `json:"-"`
}

// IsDue reports whether the activity may be claimed at now
func (a *Activity) IsDue(now time.Time) bool {
	return a.NotBefore == nil || !a.NotBefore.After(now)
}

// Parent returns the caused-by id, or an empty string for root activities
func (a *Activity) Parent() string {
	if a.CausedBy == nil {
		return ""
	}
	return *a.CausedBy
}

// DecodePayload unmarshals the payload into v
func (a *Activity) DecodePayload(v interface{}) error {
	if err := json.Unmarshal(a.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload of %s: %w", a.Type, a.ID, err)
	}
	return nil
}

// Spec is a request to create a new activity
type Spec struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	NotBefore *time.Time      `json:"not_before,omitempty"`
	CausedBy  *string         `json:"caused_by,omitempty"`
}

// NewSpec builds a Spec whose payload is the JSON encoding of payload
func NewSpec(activityType string, payload interface{}) (Spec, error) {
	raw, err := EncodePayload(payload)
	if err != nil {
		return Spec{}, err
	}
	return Spec{Type: activityType, Payload: raw}, nil
}

// After delays the spec so the activity is not claimable before t
func (s Spec) After(t time.Time) Spec {
	t = NormalizeTime(t)
	s.NotBefore = &t
	return s
}

// EncodePayload encodes a typed payload. Values that are already raw JSON
// are passed through unchanged.
func EncodePayload(payload interface{}) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if len(p) == 0 {
			return json.RawMessage("null"), nil
		}
		if !json.Valid(p) {
			return nil, fmt.Errorf("payload is not valid JSON")
		}
		return p, nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return raw, nil
}

// NormalizeTime converts t to the precision stored by the repository
func NormalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}
