package repository

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	namePrefix = "activity"
	nameSuffix = "json"

	unclaimedParts = 6
	claimedParts   = 8
)

var (
	typePattern     = regexp.MustCompile(`^[a-zA-Z_\-]{5,40}$`)
	idPattern       = regexp.MustCompile(`^[A-Za-z0-9_\-]{1,128}$`)
	workerIDPattern = regexp.MustCompile(`^[A-Za-z0-9_\-]{3,}$`)
)

// ValidateType checks an activity type tag
func ValidateType(activityType string) error {
	if !typePattern.MatchString(activityType) {
		return fmt.Errorf("%w: %q must match %s", ErrInvalidType, activityType, typePattern)
	}
	return nil
}

// ValidateID checks an activity id
func ValidateID(id string) error {
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%w: %q must match %s", ErrInvalidID, id, idPattern)
	}
	return nil
}

// ValidateWorkerID checks a worker id
func ValidateWorkerID(workerID string) error {
	if !workerIDPattern.MatchString(workerID) {
		return fmt.Errorf("%w: %q must be at least 3 characters of [A-Za-z0-9_-]", ErrInvalidWorkerID, workerID)
	}
	return nil
}

// entry is the scheduling envelope encoded in a record's file name. Every
// mutable field lives here so each transition is a single rename.
//
//	activity.<type>.<id>.<attempts>.<notBefore>.json
//	activity.<type>.<id>.<attempts>.<notBefore>.<worker>.<claimedAt>.json
//
// Timestamps are unix milliseconds; a zero notBefore means no delay.
type entry struct {
	Type      string
	ID        string
	Attempts  int
	NotBefore int64
	Worker    string
	ClaimedAt int64
}

func (e entry) name() string {
	base := fmt.Sprintf("%s.%s.%s.%d.%d", namePrefix, e.Type, e.ID, e.Attempts, e.NotBefore)
	if e.Worker != "" {
		base = fmt.Sprintf("%s.%s.%d", base, e.Worker, e.ClaimedAt)
	}
	return base + "." + nameSuffix
}

// unclaimed drops the claim fields
func (e entry) unclaimed() entry {
	e.Worker = ""
	e.ClaimedAt = 0
	return e
}

func (e entry) claimed() bool {
	return e.Worker != ""
}

func (e entry) notBefore() *time.Time {
	if e.NotBefore == 0 {
		return nil
	}
	t := time.UnixMilli(e.NotBefore).UTC()
	return &t
}

func (e entry) claimedAt() time.Time {
	return time.UnixMilli(e.ClaimedAt).UTC()
}

func (e entry) dueBy(now time.Time) bool {
	return e.NotBefore <= now.UnixMilli()
}

func parseName(name string) (entry, bool) {
	parts := strings.Split(name, ".")
	if len(parts) != unclaimedParts && len(parts) != claimedParts {
		return entry{}, false
	}
	if parts[0] != namePrefix || parts[len(parts)-1] != nameSuffix {
		return entry{}, false
	}

	e := entry{Type: parts[1], ID: parts[2]}
	if ValidateType(e.Type) != nil || ValidateID(e.ID) != nil {
		return entry{}, false
	}

	var err error
	if e.Attempts, err = strconv.Atoi(parts[3]); err != nil || e.Attempts < 0 {
		return entry{}, false
	}
	if e.NotBefore, err = strconv.ParseInt(parts[4], 10, 64); err != nil || e.NotBefore < 0 {
		return entry{}, false
	}

	if len(parts) == claimedParts {
		e.Worker = parts[5]
		if ValidateWorkerID(e.Worker) != nil {
			return entry{}, false
		}
		if e.ClaimedAt, err = strconv.ParseInt(parts[6], 10, 64); err != nil {
			return entry{}, false
		}
	}
	return e, true
}

func unixMilli(t *time.Time) int64 {
	if t == nil || t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
