package model

import "time"

// OutcomeKind classifies the result of a processor execution
type OutcomeKind string

const (
	OutcomeSuccess       OutcomeKind = "success"
	OutcomeSuccessNoWork OutcomeKind = "success_no_work"
	OutcomeFailure       OutcomeKind = "failure"
	OutcomeAbandon       OutcomeKind = "abandon"
	OutcomeDecline       OutcomeKind = "decline"
	OutcomeChain         OutcomeKind = "chain"
)

// Outcome is what a processor reports after executing an activity
type Outcome struct {
	Kind   OutcomeKind
	Reason string

	// RetryAfter overrides the configured backoff for failures and holds the
	// release delay for declines
	RetryAfter *time.Duration

	// Next lists follow-up activities for chain outcomes
	Next []Spec
}

// Success marks the activity done
func Success() Outcome {
	return Outcome{Kind: OutcomeSuccess}
}

// SuccessNoWork marks the activity finished without leaving a done record
func SuccessNoWork() Outcome {
	return Outcome{Kind: OutcomeSuccessNoWork}
}

// Failure requests a retry using the configured backoff
func Failure(reason string) Outcome {
	return Outcome{Kind: OutcomeFailure, Reason: reason}
}

// FailureAfter requests a retry after the given delay
func FailureAfter(reason string, delay time.Duration) Outcome {
	return Outcome{Kind: OutcomeFailure, Reason: reason, RetryAfter: &delay}
}

// Abandon routes the activity to failed without further retries
func Abandon(reason string) Outcome {
	return Outcome{Kind: OutcomeAbandon, Reason: reason}
}

// Decline returns the activity to pending unchanged after delay
func Decline(reason string, delay time.Duration) Outcome {
	return Outcome{Kind: OutcomeDecline, Reason: reason, RetryAfter: &delay}
}

// Chain marks the activity done and creates follow-ups caused by it
func Chain(next ...Spec) Outcome {
	return Outcome{Kind: OutcomeChain, Next: next}
}
