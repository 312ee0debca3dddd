package model

import (
	"encoding/json"
	"time"
)

// ExecutionStatus represents the state of one processor execution
type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusSucceeded ExecutionStatus = "succeeded"
	ExecutionStatusDiscarded ExecutionStatus = "discarded"
	ExecutionStatusRetrying  ExecutionStatus = "retrying"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusDeclined  ExecutionStatus = "declined"
	ExecutionStatusLost      ExecutionStatus = "lost"
)

// Execution is a historical record of one claim being processed
type Execution struct {
	ID           string          `json:"id"`
	ActivityID   string          `json:"activity_id"`
	ActivityType string          `json:"activity_type"`
	WorkerID     string          `json:"worker_id"`
	Attempt      int             `json:"attempt"`
	Status       ExecutionStatus `json:"status"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Error        string          `json:"error,omitempty"`
	Created      []string        `json:"created,omitempty"`
	LogFile      string          `json:"log_file,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	Duration     time.Duration   `json:"duration,omitempty"`
}
