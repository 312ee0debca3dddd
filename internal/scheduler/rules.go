package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/activity-orchestrator/internal/cronlite"
	"github.com/t77yq/activity-orchestrator/internal/model"
)

// Creator publishes new activities
type Creator interface {
	Known(activityType string) bool
	Create(ctx context.Context, spec model.Spec) (*model.Activity, error)
}

type rule struct {
	def      model.ScheduleRule
	schedule cronlite.Schedule

	// cursor is the last minute an expression fired for; the rule fires when
	// its next match after the cursor is not in the future
	cursor    time.Time
	lastFired *time.Time
	fired     int
	evaluated bool
}

// due reports whether the rule should publish at now
func (r *rule) due(now time.Time) bool {
	switch s := r.schedule.(type) {
	case *cronlite.Macro:
		return s.Due(r.lastFired, now)
	default:
		return !r.schedule.Next(r.cursor).After(now)
	}
}

// mark records a firing, or a skipped first cycle, at now
func (r *rule) mark(now time.Time) {
	r.cursor = now.Truncate(time.Minute)
	t := now
	r.lastFired = &t
}

func (r *rule) next(now time.Time) *time.Time {
	var next time.Time
	switch s := r.schedule.(type) {
	case *cronlite.Macro:
		if r.lastFired == nil {
			next = now
		} else {
			next = s.Next(*r.lastFired)
		}
	default:
		next = r.schedule.Next(r.cursor)
	}
	if next.IsZero() {
		return nil
	}
	return &next
}

// RuleScheduler publishes activities for periodic rules. Each expression rule
// fires at most once per matching minute; minutes missed while the loop was
// busy collapse into a single catch-up firing.
type RuleScheduler struct {
	logger  *zap.Logger
	creator Creator
	mu      sync.Mutex
	rules   []*rule
}

// NewRuleScheduler parses every rule and rejects rules for types the creator
// cannot publish. Evaluation starts with the minute that contains start.
func NewRuleScheduler(defs []model.ScheduleRule, creator Creator, start time.Time, logger *zap.Logger) (*RuleScheduler, error) {
	s := &RuleScheduler{
		logger:  logger.Named("rules"),
		creator: creator,
	}

	cursor := start.Truncate(time.Minute).Add(-time.Nanosecond)
	for i, def := range defs {
		schedule, err := cronlite.Parse(def.Rule)
		if err != nil {
			return nil, fmt.Errorf("%w: schedules[%d] %s %q: %w", ErrInvalidSchedule, i, def.Type, def.Rule, err)
		}
		if !creator.Known(def.Type) {
			return nil, fmt.Errorf("%w: schedules[%d] %s", ErrUnknownScheduleType, i, def.Type)
		}
		s.rules = append(s.rules, &rule{
			def:      def,
			schedule: schedule,
			cursor:   cursor,
		})
	}

	return s, nil
}

// Len returns the number of rules
func (s *RuleScheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rules)
}

// Evaluate publishes an activity for every rule due at now. A rule whose
// publication fails stays due and is retried on the next evaluation.
func (s *RuleScheduler) Evaluate(ctx context.Context, now time.Time) ([]*model.Activity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		created []*model.Activity
		errs    []error
	)
	for _, r := range s.rules {
		first := !r.evaluated
		r.evaluated = true

		if !r.due(now) {
			continue
		}
		if first && !r.def.FireOnFirstCycle {
			s.logger.Debug("Skipping first cycle",
				zap.String("activity_type", r.def.Type),
				zap.String("rule", r.def.Rule))
			r.mark(now)
			continue
		}

		a, err := s.creator.Create(ctx, model.Spec{Type: r.def.Type, Payload: r.def.Payload})
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to publish %s for rule %q: %w", r.def.Type, r.def.Rule, err))
			continue
		}

		r.mark(now)
		r.fired++
		created = append(created, a)

		s.logger.Info("Schedule fired",
			zap.String("activity_type", r.def.Type),
			zap.String("rule", r.def.Rule),
			zap.String("activity_id", a.ID))
	}

	return created, errors.Join(errs...)
}

// Status returns the firing state of every rule
func (s *RuleScheduler) Status(now time.Time) []model.ScheduleStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.ScheduleStatus, 0, len(s.rules))
	for _, r := range s.rules {
		status := model.ScheduleStatus{
			Type:     r.def.Type,
			Rule:     r.schedule.String(),
			NextFire: r.next(now),
			Fired:    r.fired,
		}
		if r.fired > 0 {
			status.LastFired = r.lastFired
		}
		out = append(out, status)
	}
	return out
}
