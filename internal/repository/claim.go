package repository

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/activity-orchestrator/internal/model"
)

// Claim is exclusive ownership of one activity in the claimed queue. A claim
// is settled by exactly one transition; after that, or after the claim was
// reclaimed by a staleness sweep, every operation returns ErrNotClaimed.
type Claim struct {
	mu       sync.Mutex
	activity *model.Activity
	entry    entry
	settled  bool
}

// Activity returns the claimed record
func (c *Claim) Activity() *model.Activity {
	return c.activity
}

// ClaimNextDue claims the earliest due pending activity whose type is accepted
// by accept. A nil accept takes any type. Candidates that another instance
// claims first are skipped. ErrNoneDue is returned when nothing is claimable.
func (r *Repository) ClaimNextDue(ctx context.Context, accept func(activityType string) bool) (*Claim, error) {
	entries, err := r.scan(model.QueuePending)
	if err != nil {
		return nil, err
	}
	sortEntries(entries)

	now := r.now()
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !e.dueBy(now) {
			// Sorted by due time, nothing after this is due either
			break
		}
		if accept != nil && !accept(e.Type) {
			continue
		}

		claimed := e
		claimed.Worker = r.workerID
		claimed.ClaimedAt = now.UnixMilli()

		src := r.path(model.QueuePending, e)
		dst := r.path(model.QueueClaimed, claimed)
		if err := os.Rename(src, dst); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				r.logger.Debug("Claim conflict",
					zap.String("activity_id", e.ID),
					zap.String("activity_type", e.Type))
				continue
			}
			return nil, &IOError{Op: "claim", Path: src, Err: err}
		}

		a, err := r.load(model.QueueClaimed, claimed)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				// Swept between the rename and the read
				continue
			}
			return nil, r.unreadable(claimed, err)
		}

		r.logger.Debug("Activity claimed",
			zap.String("activity_id", a.ID),
			zap.String("activity_type", a.Type),
			zap.Int("attempts", a.Attempts))
		return &Claim{activity: a, entry: claimed}, nil
	}

	return nil, ErrNoneDue
}

// unreadable settles a claimed record that could not be loaded. A malformed
// body goes to failed and is reported as a CorruptError so it does not cycle
// through staleness sweeps; any other read failure returns the record to
// pending as it was.
func (r *Repository) unreadable(e entry, cause error) error {
	src := r.path(model.QueueClaimed, e)
	next := e.unclaimed()

	if !errors.Is(cause, errMalformed) {
		if err := os.Rename(src, r.path(model.QueuePending, next)); err != nil {
			r.logger.Error("Failed to return unreadable record",
				zap.String("path", src),
				zap.NamedError("cause", cause),
				zap.Error(err))
		}
		return &IOError{Op: "read", Path: src, Err: cause}
	}

	dst := r.path(model.QueueFailed, next)
	if err := os.Rename(src, dst); err != nil {
		return &IOError{Op: "quarantine", Path: src, Err: err}
	}
	now := r.now()
	if err := os.Chtimes(dst, now, now); err != nil {
		r.logger.Warn("Failed to stamp settled record", zap.String("path", dst), zap.Error(err))
	}

	r.logger.Error("Corrupt record moved to failed",
		zap.String("activity_id", e.ID),
		zap.String("activity_type", e.Type),
		zap.Error(cause))
	return &CorruptError{Activity: r.envelope(model.QueueFailed, next), Err: cause}
}

// move renames the claimed record to target and settles the claim. When the
// source is gone the claim was lost and ErrNotClaimed is returned.
func (r *Repository) move(c *Claim, op string, q model.Queue, next entry, touch bool) (*model.Activity, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.settled {
		return nil, ErrNotClaimed
	}

	src := r.path(model.QueueClaimed, c.entry)
	dst := r.path(q, next)
	if err := os.Rename(src, dst); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			c.settled = true
			return nil, ErrNotClaimed
		}
		return nil, &IOError{Op: op, Path: src, Err: err}
	}
	c.settled = true

	if touch {
		// Settled queues are aged by modification time
		now := r.now()
		if err := os.Chtimes(dst, now, now); err != nil {
			r.logger.Warn("Failed to stamp settled record", zap.String("path", dst), zap.Error(err))
		}
	}

	a := *c.activity
	a.Queue = q
	a.Attempts = next.Attempts
	a.NotBefore = next.notBefore()
	a.ClaimedBy = ""
	a.ClaimedAt = nil
	return &a, nil
}

// Renew refreshes the claim timestamp so staleness sweeps leave it alone
func (r *Repository) Renew(c *Claim) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.settled {
		return ErrNotClaimed
	}

	next := c.entry
	next.ClaimedAt = r.now().UnixMilli()
	if next.ClaimedAt <= c.entry.ClaimedAt {
		return nil
	}

	src := r.path(model.QueueClaimed, c.entry)
	dst := r.path(model.QueueClaimed, next)
	if err := os.Rename(src, dst); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			c.settled = true
			return ErrNotClaimed
		}
		return &IOError{Op: "renew", Path: src, Err: err}
	}
	c.entry = next
	return nil
}

// Complete moves the activity to done
func (r *Repository) Complete(c *Claim) (*model.Activity, error) {
	return r.move(c, "complete", model.QueueDone, c.entry.unclaimed(), true)
}

// Discard deletes the activity without keeping a done record
func (r *Repository) Discard(c *Claim) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.settled {
		return ErrNotClaimed
	}

	path := r.path(model.QueueClaimed, c.entry)
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			c.settled = true
			return ErrNotClaimed
		}
		return &IOError{Op: "discard", Path: path, Err: err}
	}
	c.settled = true
	return nil
}

// FailRetry returns the activity to pending with attempts incremented and
// not claimable until delay has passed
func (r *Repository) FailRetry(c *Claim, delay time.Duration) (*model.Activity, error) {
	next := c.entry.unclaimed()
	next.Attempts++
	next.NotBefore = r.now().Add(delay).UnixMilli()
	return r.move(c, "retry", model.QueuePending, next, false)
}

// FailTerminal moves the activity to failed
func (r *Repository) FailTerminal(c *Claim) (*model.Activity, error) {
	return r.move(c, "fail", model.QueueFailed, c.entry.unclaimed(), true)
}

// Release returns the activity to pending with its attempts unchanged. A
// positive delay postpones it; otherwise its not-before is kept.
func (r *Repository) Release(c *Claim, delay time.Duration) (*model.Activity, error) {
	next := c.entry.unclaimed()
	if delay > 0 {
		next.NotBefore = r.now().Add(delay).UnixMilli()
	}
	return r.move(c, "release", model.QueuePending, next, false)
}

// SweepStale returns claims older than staleAfter to pending with attempts
// incremented. Any instance may sweep any worker's claims.
func (r *Repository) SweepStale(ctx context.Context, staleAfter time.Duration) ([]*model.Activity, error) {
	entries, err := r.scan(model.QueueClaimed)
	if err != nil {
		return nil, err
	}

	cutoff := r.now().Add(-staleAfter).UnixMilli()
	var reclaimed []*model.Activity
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return reclaimed, err
		}
		if e.ClaimedAt >= cutoff {
			continue
		}

		next := e.unclaimed()
		next.Attempts++

		src := r.path(model.QueueClaimed, e)
		dst := r.path(model.QueuePending, next)
		if err := os.Rename(src, dst); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				// Renewed or settled by its owner, or swept by another instance
				continue
			}
			return reclaimed, &IOError{Op: "sweep", Path: src, Err: err}
		}

		r.logger.Warn("Stale claim reclaimed",
			zap.String("activity_id", e.ID),
			zap.String("activity_type", e.Type),
			zap.String("worker_id", e.Worker),
			zap.Time("claimed_at", e.claimedAt()),
			zap.Int("attempts", next.Attempts))

		a, err := r.load(model.QueuePending, next)
		if err != nil {
			a = r.envelope(model.QueuePending, next)
		}
		reclaimed = append(reclaimed, a)
	}
	return reclaimed, nil
}
