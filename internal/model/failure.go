package model

import "time"

// FailureNotice is the payload of a failure activity created when another
// activity is routed to the failed queue
type FailureNotice struct {
	FailedID   string    `json:"failed_id"`
	FailedType string    `json:"failed_type"`
	Reason     string    `json:"reason"`
	Attempts   int       `json:"attempts"`
	WorkerID   string    `json:"worker_id"`
	FailedAt   time.Time `json:"failed_at"`
}
