package repository

import (
	"errors"
	"fmt"

	"github.com/t77yq/activity-orchestrator/internal/model"
)

var (
	// ErrNoneDue is returned when no pending activity can be claimed
	ErrNoneDue = errors.New("no activity due")

	// ErrNotClaimed is returned when a claim is no longer held by its owner
	ErrNotClaimed = errors.New("activity is not claimed by this worker")

	// ErrNotFound is returned when an activity id is not in the repository
	ErrNotFound = errors.New("activity not found")

	// ErrDuplicate is returned when publishing an id that already exists
	ErrDuplicate = errors.New("activity already exists")

	// ErrInvalidType is returned for activity types outside the allowed pattern
	ErrInvalidType = errors.New("invalid activity type")

	// ErrInvalidID is returned for activity ids that cannot be encoded in a file name
	ErrInvalidID = errors.New("invalid activity id")

	// ErrInvalidWorkerID is returned for malformed worker ids
	ErrInvalidWorkerID = errors.New("invalid worker id")

	// ErrInvalidQueue is returned for unknown queue names
	ErrInvalidQueue = errors.New("invalid queue")

	errMalformed = errors.New("malformed record")
)

// IOError reports a filesystem failure against the repository. The record the
// operation targeted is left where it was.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("repository %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// IsIOError reports whether err is a repository I/O failure
func IsIOError(err error) bool {
	var ioErr *IOError
	return errors.As(err, &ioErr)
}

// CorruptError reports a claimed record whose body could not be decoded. The
// record has been moved to the failed queue; Activity holds what its file
// name encodes.
type CorruptError struct {
	Activity *model.Activity
	Err      error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("corrupt record %s (%s): %v", e.Activity.ID, e.Activity.Type, e.Err)
}

func (e *CorruptError) Unwrap() error {
	return e.Err
}
