// Package repository stores activities as files in per-queue directories under
// a shared root. Every state transition is one atomic rename, so uncoordinated
// instances sharing the root never both own the same activity.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/activity-orchestrator/internal/model"
)

const stagingDir = ".staging"

// Option configures a Repository
type Option func(*Repository)

// WithClock replaces the wall clock, mainly for tests
func WithClock(now func() time.Time) Option {
	return func(r *Repository) {
		r.now = now
	}
}

// Repository is a filesystem activity repository bound to one worker id
type Repository struct {
	logger   *zap.Logger
	root     string
	workerID string
	now      func() time.Time
}

// New opens the repository at root, creating the queue directories if needed
func New(root, workerID string, logger *zap.Logger, opts ...Option) (*Repository, error) {
	if err := ValidateWorkerID(workerID); err != nil {
		return nil, err
	}

	r := &Repository{
		logger:   logger.Named("repository"),
		root:     root,
		workerID: workerID,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}

	dirs := []string{stagingDir}
	for _, q := range model.Queues() {
		dirs = append(dirs, string(q))
	}
	for _, dir := range dirs {
		path := filepath.Join(root, dir)
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, &IOError{Op: "mkdir", Path: path, Err: err}
		}
	}

	return r, nil
}

// Root returns the repository root directory
func (r *Repository) Root() string {
	return r.root
}

// WorkerID returns the id claims are tagged with
func (r *Repository) WorkerID() string {
	return r.workerID
}

func (r *Repository) dir(q model.Queue) string {
	return filepath.Join(r.root, string(q))
}

func (r *Repository) path(q model.Queue, e entry) string {
	return filepath.Join(r.dir(q), e.name())
}

// Publish atomically adds a new activity to the pending queue. The body is
// written and synced in the staging area first, then hard-linked into place
// so a reader never observes a partial record and an existing record is never
// overwritten.
func (r *Repository) Publish(ctx context.Context, a *model.Activity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateType(a.Type); err != nil {
		return err
	}
	if err := ValidateID(a.ID); err != nil {
		return err
	}

	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal activity %s: %w", a.ID, err)
	}

	staged := filepath.Join(r.root, stagingDir, a.ID+".json")
	if err := writeSynced(staged, body); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w: %s", ErrDuplicate, a.ID)
		}
		return &IOError{Op: "stage", Path: staged, Err: err}
	}
	defer os.Remove(staged)

	e := entry{
		Type:      a.Type,
		ID:        a.ID,
		Attempts:  a.Attempts,
		NotBefore: unixMilli(a.NotBefore),
	}
	target := r.path(model.QueuePending, e)
	if err := os.Link(staged, target); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w: %s", ErrDuplicate, a.ID)
		}
		return &IOError{Op: "publish", Path: target, Err: err}
	}

	a.Queue = model.QueuePending
	r.logger.Debug("Activity published",
		zap.String("activity_id", a.ID),
		zap.String("activity_type", a.Type),
		zap.Int("attempts", a.Attempts))
	return nil
}

func writeSynced(path string, body []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(body); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}

// scan returns the parseable entries of a queue. Files that do not follow the
// naming scheme are ignored.
func (r *Repository) scan(q model.Queue) ([]entry, error) {
	dir := r.dir(q)
	items, err := os.ReadDir(dir)
	if err != nil {
		return nil, &IOError{Op: "scan", Path: dir, Err: err}
	}

	entries := make([]entry, 0, len(items))
	for _, item := range items {
		if item.IsDir() {
			continue
		}
		e, ok := parseName(item.Name())
		if !ok {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// load reads the record body and overlays the envelope from the file name
func (r *Repository) load(q model.Queue, e entry) (*model.Activity, error) {
	path := r.path(q, e)
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var a model.Activity
	if err := json.Unmarshal(body, &a); err != nil {
		return nil, fmt.Errorf("%w: failed to decode %s: %v", errMalformed, path, err)
	}
	if a.ID != e.ID || a.Type != e.Type {
		return nil, fmt.Errorf("%w: %s does not match its file name", errMalformed, path)
	}

	a.Attempts = e.Attempts
	a.NotBefore = e.notBefore()
	a.Queue = q
	if e.claimed() {
		a.ClaimedBy = e.Worker
		claimedAt := e.claimedAt()
		a.ClaimedAt = &claimedAt
	}
	return &a, nil
}

// inspect loads a record for operators. A malformed body falls back to the
// envelope its file name encodes so the record stays visible.
func (r *Repository) inspect(q model.Queue, e entry) (*model.Activity, error) {
	a, err := r.load(q, e)
	if err != nil && errors.Is(err, errMalformed) {
		r.logger.Warn("Corrupt record, showing its file name fields",
			zap.String("queue", string(q)),
			zap.String("activity_id", e.ID),
			zap.Error(err))
		return r.envelope(q, e), nil
	}
	return a, err
}

// envelope builds a record from what a file name encodes
func (r *Repository) envelope(q model.Queue, e entry) *model.Activity {
	a := &model.Activity{
		ID:        e.ID,
		Type:      e.Type,
		Attempts:  e.Attempts,
		NotBefore: e.notBefore(),
		Queue:     q,
	}
	if e.claimed() {
		a.ClaimedBy = e.Worker
		claimedAt := e.claimedAt()
		a.ClaimedAt = &claimedAt
	}
	return a
}

func sortEntries(entries []entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].NotBefore != entries[j].NotBefore {
			return entries[i].NotBefore < entries[j].NotBefore
		}
		return entries[i].ID < entries[j].ID
	})
}

// List returns the records of a queue ordered by due time then id. Records
// that move away while listing are skipped.
func (r *Repository) List(ctx context.Context, q model.Queue) ([]*model.Activity, error) {
	if !q.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidQueue, q)
	}

	entries, err := r.scan(q)
	if err != nil {
		return nil, err
	}
	sortEntries(entries)

	activities := make([]*model.Activity, 0, len(entries))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		a, err := r.inspect(q, e)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			r.logger.Warn("Skipping unreadable record",
				zap.String("queue", string(q)),
				zap.String("activity_id", e.ID),
				zap.Error(err))
			continue
		}
		activities = append(activities, a)
	}
	return activities, nil
}

// Get finds an activity by id in any queue
func (r *Repository) Get(ctx context.Context, id string) (*model.Activity, error) {
	for attempt := 0; attempt < 3; attempt++ {
		a, err := r.find(ctx, id)
		if errors.Is(err, fs.ErrNotExist) {
			// Moved between scan and read, look again
			continue
		}
		return a, err
	}
	return nil, fmt.Errorf("%w: %s is moving", ErrNotFound, id)
}

func (r *Repository) find(ctx context.Context, id string) (*model.Activity, error) {
	for _, q := range model.Queues() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entries, err := r.scan(q)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.ID != id {
				continue
			}
			a, err := r.inspect(q, e)
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil, err
				}
				return nil, &IOError{Op: "read", Path: r.path(q, e), Err: err}
			}
			return a, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Counts returns the number of records per queue
func (r *Repository) Counts(ctx context.Context) (map[model.Queue]int, error) {
	counts := make(map[model.Queue]int, len(model.Queues()))
	for _, q := range model.Queues() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entries, err := r.scan(q)
		if err != nil {
			return nil, err
		}
		counts[q] = len(entries)
	}
	return counts, nil
}

// Requeue moves a failed activity back to pending with its attempts reset
func (r *Repository) Requeue(ctx context.Context, id string) (*model.Activity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := r.scan(model.QueueFailed)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.ID != id {
			continue
		}
		next := e.unclaimed()
		next.Attempts = 0
		next.NotBefore = 0

		src := r.path(model.QueueFailed, e)
		dst := r.path(model.QueuePending, next)
		if err := os.Rename(src, dst); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				break
			}
			return nil, &IOError{Op: "requeue", Path: src, Err: err}
		}

		r.logger.Info("Activity requeued",
			zap.String("activity_id", id),
			zap.String("activity_type", e.Type))
		return r.inspect(model.QueuePending, next)
	}
	return nil, fmt.Errorf("%w in %s: %s", ErrNotFound, model.QueueFailed, id)
}

// Remove deletes the given ids from a settled queue and returns how many
// records were removed
func (r *Repository) Remove(ctx context.Context, q model.Queue, ids []string) (int, error) {
	if q != model.QueueDone && q != model.QueueFailed {
		return 0, fmt.Errorf("%w: only settled queues can be pruned, got %q", ErrInvalidQueue, q)
	}

	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}

	entries, err := r.scan(q)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if !wanted[e.ID] {
			continue
		}
		path := r.path(q, e)
		if err := os.Remove(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return removed, &IOError{Op: "remove", Path: path, Err: err}
		}
		removed++
	}
	return removed, nil
}

// SettledBefore returns the records of a settled queue that reached it before t
func (r *Repository) SettledBefore(ctx context.Context, q model.Queue, before time.Time) ([]*model.Activity, error) {
	if q != model.QueueDone && q != model.QueueFailed {
		return nil, fmt.Errorf("%w: %q is not a settled queue", ErrInvalidQueue, q)
	}

	entries, err := r.scan(q)
	if err != nil {
		return nil, err
	}
	sortEntries(entries)

	var out []*model.Activity
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		info, err := os.Stat(r.path(q, e))
		if err != nil || !info.ModTime().Before(before) {
			continue
		}
		a, err := r.load(q, e)
		if err != nil {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// PurgeBefore deletes records of a settled queue that reached it before t
func (r *Repository) PurgeBefore(ctx context.Context, q model.Queue, before time.Time) (int, error) {
	old, err := r.SettledBefore(ctx, q, before)
	if err != nil {
		return 0, err
	}
	ids := make([]string, 0, len(old))
	for _, a := range old {
		ids = append(ids, a.ID)
	}
	return r.Remove(ctx, q, ids)
}

// PurgeStaging removes staging files abandoned by crashed publishers
func (r *Repository) PurgeStaging(before time.Time) (int, error) {
	dir := filepath.Join(r.root, stagingDir)
	items, err := os.ReadDir(dir)
	if err != nil {
		return 0, &IOError{Op: "scan", Path: dir, Err: err}
	}

	removed := 0
	for _, item := range items {
		info, err := item.Info()
		if err != nil || !info.ModTime().Before(before) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, item.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}
