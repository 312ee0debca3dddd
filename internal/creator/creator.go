// Package creator mints activity ids and publishes new activities.
package creator

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/activity-orchestrator/internal/model"
	"github.com/t77yq/activity-orchestrator/internal/repository"
)

const idTimeLayout = "20060102T150405"

// Publisher stores a new activity in the pending queue
type Publisher interface {
	Publish(ctx context.Context, a *model.Activity) error
}

// Option configures a Creator
type Option func(*Creator)

// WithKnownTypes restricts creation to the given activity types
func WithKnownTypes(types ...string) Option {
	return func(c *Creator) {
		if c.known == nil {
			c.known = make(map[string]bool, len(types))
		}
		for _, t := range types {
			c.known[t] = true
		}
	}
}

// WithClock replaces the wall clock
func WithClock(now func() time.Time) Option {
	return func(c *Creator) {
		c.now = now
	}
}

// WithObserver registers a callback invoked after each successful publish
func WithObserver(observe func(*model.Activity)) Option {
	return func(c *Creator) {
		c.observers = append(c.observers, observe)
	}
}

// Creator is the per-instance authority for new activities. Ids combine the
// creation second, a random per-instance nonce and a process-wide counter,
// so they never collide within or across instances.
type Creator struct {
	logger    *zap.Logger
	publisher Publisher
	nonce     string
	counter   atomic.Uint64
	known     map[string]bool
	now       func() time.Time
	observers []func(*model.Activity)
}

// New creates a new activity creator
func New(publisher Publisher, logger *zap.Logger, opts ...Option) *Creator {
	c := &Creator{
		logger:    logger.Named("creator"),
		publisher: publisher,
		nonce:     strings.ReplaceAll(uuid.NewString(), "-", "")[:12],
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewID mints a fresh activity id
func (c *Creator) NewID() string {
	n := c.counter.Add(1)
	return fmt.Sprintf("%s-%s-%s",
		c.now().UTC().Format(idTimeLayout),
		c.nonce,
		strconv.FormatUint(n, 36))
}

// Known reports whether activities of the given type may be created
func (c *Creator) Known(activityType string) bool {
	return c.known == nil || c.known[activityType]
}

// Create publishes a new activity built from spec
func (c *Creator) Create(ctx context.Context, spec model.Spec) (*model.Activity, error) {
	if err := repository.ValidateType(spec.Type); err != nil {
		return nil, err
	}
	if !c.Known(spec.Type) {
		return nil, fmt.Errorf("%w: %s", ErrUnregisteredType, spec.Type)
	}

	payload, err := model.EncodePayload(spec.Payload)
	if err != nil {
		return nil, err
	}

	a := &model.Activity{
		ID:        c.NewID(),
		Type:      spec.Type,
		Payload:   payload,
		CreatedAt: model.NormalizeTime(c.now()),
		CausedBy:  spec.CausedBy,
	}
	if spec.NotBefore != nil {
		notBefore := model.NormalizeTime(*spec.NotBefore)
		a.NotBefore = &notBefore
	}

	if err := c.publisher.Publish(ctx, a); err != nil {
		return nil, fmt.Errorf("failed to publish %s activity: %w", spec.Type, err)
	}

	c.logger.Info("Activity created",
		zap.String("activity_id", a.ID),
		zap.String("activity_type", a.Type),
		zap.String("caused_by", a.Parent()))

	for _, observe := range c.observers {
		observe(a)
	}
	return a, nil
}

// CreateAll publishes each spec in order and stops at the first error,
// returning the activities created so far
func (c *Creator) CreateAll(ctx context.Context, specs []model.Spec) ([]*model.Activity, error) {
	created := make([]*model.Activity, 0, len(specs))
	for _, spec := range specs {
		a, err := c.Create(ctx, spec)
		if err != nil {
			return created, err
		}
		created = append(created, a)
	}
	return created, nil
}
