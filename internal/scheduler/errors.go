package scheduler

import "errors"

var (
	// ErrInvalidSchedule is returned when a schedule rule cannot be parsed
	ErrInvalidSchedule = errors.New("invalid schedule rule")

	// ErrUnknownScheduleType is returned for a rule whose activity type is
	// neither processed here nor handled by another instance
	ErrUnknownScheduleType = errors.New("schedule for unknown activity type")

	// ErrInvalidHousekeepingSpec is returned when the housekeeping cron spec is malformed
	ErrInvalidHousekeepingSpec = errors.New("invalid housekeeping spec")
)
