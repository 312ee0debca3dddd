// Package events publishes activity lifecycle events and metrics snapshots.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/t77yq/activity-orchestrator/internal/model"
)

// Kind names a lifecycle transition
type Kind string

const (
	KindCreated   Kind = "created"
	KindClaimed   Kind = "claimed"
	KindCompleted Kind = "completed"
	KindDiscarded Kind = "discarded"
	KindRetried   Kind = "retried"
	KindFailed    Kind = "failed"
	KindDeclined  Kind = "declined"
	KindReleased  Kind = "released"
	KindReclaimed Kind = "reclaimed"
	KindRequeued  Kind = "requeued"
)

// Event describes one activity transition
type Event struct {
	ID           string      `json:"id"`
	Kind         Kind        `json:"kind"`
	ActivityID   string      `json:"activity_id"`
	ActivityType string      `json:"activity_type"`
	WorkerID     string      `json:"worker_id"`
	Queue        model.Queue `json:"queue,omitempty"`
	Attempts     int         `json:"attempts"`
	CausedBy     string      `json:"caused_by,omitempty"`
	Reason       string      `json:"reason,omitempty"`
	Time         time.Time   `json:"time"`
}

// NewEvent builds an event for a
func NewEvent(kind Kind, a *model.Activity, workerID string) Event {
	return Event{
		ID:           uuid.NewString(),
		Kind:         kind,
		ActivityID:   a.ID,
		ActivityType: a.Type,
		WorkerID:     workerID,
		Queue:        a.Queue,
		Attempts:     a.Attempts,
		CausedBy:     a.Parent(),
		Time:         time.Now().UTC(),
	}
}

// WithReason sets the event reason
func (e Event) WithReason(reason string) Event {
	e.Reason = reason
	return e
}

// Publisher delivers events. Delivery failures never affect the activity.
type Publisher interface {
	// Publish sends a lifecycle event
	Publish(ctx context.Context, e Event) error

	// PublishMetrics sends a metrics snapshot
	PublishMetrics(ctx context.Context, snapshot interface{}) error

	// Close releases the publisher
	Close()
}

// Nop discards every event
type Nop struct{}

// Publish implements Publisher
func (Nop) Publish(context.Context, Event) error { return nil }

// PublishMetrics implements Publisher
func (Nop) PublishMetrics(context.Context, interface{}) error { return nil }

// Close implements Publisher
func (Nop) Close() {}
