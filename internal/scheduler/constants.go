package scheduler

import "time"

const (
	defaultMaxAttempts  = 5
	defaultInitialDelay = 30 * time.Second
	defaultMaxDelay     = time.Hour
	defaultMultiplier   = 2.0

	defaultHousekeepingSpec = "@hourly"
)
