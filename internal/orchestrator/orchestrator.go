// Package orchestrator runs the per-instance control loop: it publishes due
// schedules, claims due activities, dispatches them to processors and moves
// them through the repository according to their outcome.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/t77yq/activity-orchestrator/internal/config"
	"github.com/t77yq/activity-orchestrator/internal/events"
	"github.com/t77yq/activity-orchestrator/internal/executor"
	"github.com/t77yq/activity-orchestrator/internal/model"
	"github.com/t77yq/activity-orchestrator/internal/processor"
	"github.com/t77yq/activity-orchestrator/internal/repository"
	"github.com/t77yq/activity-orchestrator/internal/scheduler"
	"github.com/t77yq/activity-orchestrator/internal/storage"
)

// Repository is the activity store the loop coordinates through
type Repository interface {
	ClaimNextDue(ctx context.Context, accept func(activityType string) bool) (*repository.Claim, error)
	Renew(c *repository.Claim) error
	Complete(c *repository.Claim) (*model.Activity, error)
	Discard(c *repository.Claim) error
	FailRetry(c *repository.Claim, delay time.Duration) (*model.Activity, error)
	FailTerminal(c *repository.Claim) (*model.Activity, error)
	Release(c *repository.Claim, delay time.Duration) (*model.Activity, error)
	SweepStale(ctx context.Context, staleAfter time.Duration) ([]*model.Activity, error)
	Watch(ctx context.Context) (<-chan struct{}, error)
}

// Creator publishes new activities
type Creator interface {
	Create(ctx context.Context, spec model.Spec) (*model.Activity, error)
	CreateAll(ctx context.Context, specs []model.Spec) ([]*model.Activity, error)
}

// Admitter decides whether the host can take more work
type Admitter interface {
	Admit() (bool, string)
}

// Recorder counts lifecycle transitions
type Recorder interface {
	Record(kind events.Kind)
}

// ControlSource provides the live controls
type ControlSource interface {
	Controls() config.Controls
}

// TypeSettings are the per activity type execution settings
type TypeSettings struct {
	Parallelism   int
	MaxAttempts   int
	Timeout       time.Duration
	CreationLimit int
}

// Options tunes the loop
type Options struct {
	WorkerID            string
	Tick                time.Duration
	StaleAfter          time.Duration
	RenewEvery          time.Duration
	ShutdownTimeout     time.Duration
	MaxRepositoryErrors int
	LogCooldown         time.Duration

	// ForeignTypes are handled by other instances and never claimed here
	ForeignTypes []string

	// Policy is the default retry policy
	Policy scheduler.RetryPolicy

	// Settings returns the settings of an activity type, may be nil
	Settings func(activityType string) TypeSettings

	// FailureTypeFor returns the failure activity type for an errored type.
	// An empty result disables failure routing.
	FailureTypeFor func(activityType string) string

	// FailureTypes are the failure activity types. Their activities end in
	// the failed queue and are never routed again.
	FailureTypes []string
}

// Dependencies are the collaborators of the loop. Optional ones may be nil.
type Dependencies struct {
	Repository Repository
	Creator    Creator
	Registry   *processor.Registry
	Pool       *executor.Pool

	Rules     *scheduler.RuleScheduler
	Resources Admitter
	Logs      *executor.LogManager
	History   storage.History
	Events    events.Publisher
	Metrics   Recorder
	Controls  ControlSource
	Now       func() time.Time
}

// Orchestrator is the per-instance control loop
type Orchestrator struct {
	logger *zap.Logger
	opts   Options
	deps   Dependencies

	foreign map[string]bool
	failure map[string]bool

	heartbeat         *rate.Sometimes
	heartbeatInterval time.Duration

	// execCtx outlives the loop context so executions can finish during
	// shutdown
	execCtx    context.Context
	cancelExec context.CancelFunc

	finished   chan struct{}
	repoErrors atomic.Int32
	ticks      atomic.Uint64
}

// New creates an orchestrator
func New(opts Options, deps Dependencies, logger *zap.Logger) (*Orchestrator, error) {
	if deps.Repository == nil || deps.Creator == nil || deps.Registry == nil || deps.Pool == nil {
		return nil, fmt.Errorf("%w: repository, creator, registry and pool are required", ErrConfiguration)
	}
	if opts.Tick <= 0 {
		opts.Tick = 2 * time.Second
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 10 * time.Minute
	}
	if opts.RenewEvery <= 0 || opts.RenewEvery >= opts.StaleAfter {
		opts.RenewEvery = opts.StaleAfter / 3
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 30 * time.Second
	}
	if opts.MaxRepositoryErrors <= 0 {
		opts.MaxRepositoryErrors = 5
	}
	if opts.LogCooldown <= 0 {
		opts.LogCooldown = 15 * time.Second
	}
	if opts.Policy.MaxAttempts <= 0 {
		opts.Policy = scheduler.DefaultRetryPolicy()
	}
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	foreign := make(map[string]bool, len(opts.ForeignTypes))
	for _, t := range opts.ForeignTypes {
		foreign[t] = true
	}

	failure := make(map[string]bool, len(opts.FailureTypes))
	for _, t := range opts.FailureTypes {
		failure[t] = true
	}

	return &Orchestrator{
		logger:   logger.Named("orchestrator"),
		opts:     opts,
		deps:     deps,
		foreign:  foreign,
		failure:  failure,
		finished: make(chan struct{}, 1),
	}, nil
}

// ScheduleStatus reports the periodic rules, or nil when this instance does
// not publish schedules
func (o *Orchestrator) ScheduleStatus() []model.ScheduleStatus {
	if o.deps.Rules == nil {
		return nil
	}
	return o.deps.Rules.Status(o.deps.Now())
}

// Run executes the loop until ctx ends, a stop or reload is requested, or an
// unrecoverable error occurs. Use ExitCode to map the result to an exit code.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.execCtx, o.cancelExec = context.WithCancel(context.WithoutCancel(ctx))
	defer o.cancelExec()

	o.logger.Info("Orchestrator started",
		zap.String("worker_id", o.opts.WorkerID),
		zap.Duration("tick", o.opts.Tick),
		zap.Int("workers", o.deps.Pool.Size()),
		zap.Strings("processors", o.deps.Registry.Types()),
		zap.Bool("scheduling", o.deps.Rules != nil))

	wake, err := o.deps.Repository.Watch(ctx)
	if err != nil {
		o.logger.Warn("Pending queue watch unavailable, polling only", zap.Error(err))
	}

	ticker := time.NewTicker(o.opts.Tick)
	defer ticker.Stop()

	var runErr error
loop:
	for {
		if runErr = o.tick(ctx); runErr != nil {
			break
		}

		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
		case <-o.finished:
		case _, ok := <-wake:
			if !ok {
				wake = nil
			}
		}
	}

	o.shutdown()

	switch {
	case runErr == nil:
		o.logger.Info("Orchestrator stopped")
	case errors.Is(runErr, errStopRequested):
		o.logger.Info("Orchestrator stopped on request")
		runErr = nil
	default:
		o.logger.Error("Orchestrator stopped", zap.Error(runErr), zap.Int("exit_code", ExitCode(runErr)))
	}
	return runErr
}

var errStopRequested = errors.New("stop requested")

// tick runs one pass of the loop
func (o *Orchestrator) tick(ctx context.Context) error {
	o.ticks.Add(1)

	if err := o.checkControls(); err != nil {
		return err
	}

	if n := o.repoErrors.Load(); int(n) >= o.opts.MaxRepositoryErrors {
		return exitError(ExitRepository, fmt.Errorf("%w: %d consecutive repository errors", ErrRepository, n))
	}

	healthy := true
	now := o.deps.Now()

	if o.deps.Rules != nil {
		if _, err := o.deps.Rules.Evaluate(ctx, now); err != nil {
			o.logger.Error("Failed to publish scheduled activities", zap.Error(err))
			if repository.IsIOError(err) {
				healthy = false
			}
		}
	}

	if err := o.claimAvailable(ctx); err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			return err
		}
		if ctx.Err() == nil {
			o.logger.Error("Failed to claim activities", zap.Error(err))
			healthy = false
		}
	}

	reclaimed, err := o.deps.Repository.SweepStale(ctx, o.opts.StaleAfter)
	for _, a := range reclaimed {
		o.emit(events.KindReclaimed, a, "claim went stale")
	}
	if err != nil && ctx.Err() == nil {
		o.logger.Error("Failed to sweep stale claims", zap.Error(err))
		healthy = false
	}

	if healthy {
		o.repoErrors.Store(0)
	} else {
		o.repoErrors.Add(1)
	}
	return nil
}

// checkControls applies the live controls
func (o *Orchestrator) checkControls() error {
	cooldown := o.opts.LogCooldown
	if o.deps.Controls != nil {
		controls := o.deps.Controls.Controls()
		if controls.StopNow {
			return errStopRequested
		}
		if controls.ReloadNow {
			return exitError(ExitReload, ErrReloadRequested)
		}
		if controls.LogCooldown > 0 {
			cooldown = controls.LogCooldown
		}
	}

	if o.heartbeat == nil || cooldown != o.heartbeatInterval {
		o.heartbeat = &rate.Sometimes{Interval: cooldown}
		o.heartbeatInterval = cooldown
	}
	o.heartbeat.Do(func() {
		o.logger.Info("Orchestrator running",
			zap.Uint64("ticks", o.ticks.Load()),
			zap.Int("running", o.deps.Pool.Total()),
			zap.Int("available", o.deps.Pool.Available()))
	})
	return nil
}

// accept decides which pending types this instance claims. Unregistered
// types that are not foreign are claimed so the configuration error
// surfaces.
func (o *Orchestrator) accept(activityType string) bool {
	if o.foreign[activityType] {
		return false
	}
	if !o.deps.Registry.Has(activityType) {
		return true
	}
	return o.deps.Pool.HasCapacity(activityType, o.settings(activityType).Parallelism)
}

// claimAvailable claims and dispatches due activities up to the capacity
// free at the start of the tick
func (o *Orchestrator) claimAvailable(ctx context.Context) error {
	budget := o.deps.Pool.Available()
	for i := 0; i < budget; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if o.deps.Resources != nil {
			if ok, reason := o.deps.Resources.Admit(); !ok {
				o.logger.Debug("Not claiming, host is busy", zap.String("reason", reason))
				return nil
			}
		}

		c, err := o.deps.Repository.ClaimNextDue(ctx, o.accept)
		if errors.Is(err, repository.ErrNoneDue) {
			return nil
		}
		var corrupt *repository.CorruptError
		if errors.As(err, &corrupt) {
			o.corrupted(corrupt)
			continue
		}
		if err != nil {
			return err
		}

		if err := o.dispatch(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

// dispatch hands a claimed activity to its processor on the pool
func (o *Orchestrator) dispatch(ctx context.Context, c *repository.Claim) error {
	a := c.Activity()
	o.emit(events.KindClaimed, a, "")

	p, err := o.deps.Registry.Lookup(a.Type)
	if err != nil {
		// Keep the record visible for an instance that can process it
		if _, releaseErr := o.deps.Repository.Release(c, 0); releaseErr != nil {
			o.logger.Error("Failed to release unprocessable activity",
				zap.String("activity_id", a.ID),
				zap.Error(releaseErr))
		}
		return exitError(ExitConfig, fmt.Errorf("%w: activity %s: %w", ErrConfiguration, a.ID, err))
	}

	settings := o.settings(a.Type)
	policy := o.policyFor(settings)

	if policy.Exhausted(a.Attempts) {
		// Brought back by staleness sweeps past the attempt ceiling
		o.routeTerminal(c, fmt.Sprintf("abandoned after %d attempts", a.Attempts))
		return nil
	}

	err = o.deps.Pool.Go(ctx, a.Type, func() {
		o.execute(c, p, settings, policy)
		select {
		case o.finished <- struct{}{}:
		default:
		}
	})
	if err != nil {
		if _, releaseErr := o.deps.Repository.Release(c, 0); releaseErr != nil {
			o.logger.Error("Failed to release activity", zap.String("activity_id", a.ID), zap.Error(releaseErr))
		}
		return err
	}
	return nil
}

// shutdown waits for in-flight executions, cancelling them after the
// shutdown timeout
func (o *Orchestrator) shutdown() {
	running := o.deps.Pool.Total()
	if running > 0 {
		o.logger.Info("Waiting for running executions", zap.Int("running", running))
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), o.opts.ShutdownTimeout)
	defer cancel()
	if o.deps.Pool.Wait(waitCtx) {
		return
	}

	o.logger.Warn("Shutdown timeout reached, cancelling executions")
	o.cancelExec()

	graceCtx, graceCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer graceCancel()
	if !o.deps.Pool.Wait(graceCtx) {
		o.logger.Warn("Executions did not stop, their claims are left to the staleness sweep")
	}
}

func (o *Orchestrator) settings(activityType string) TypeSettings {
	if o.opts.Settings == nil {
		return TypeSettings{}
	}
	return o.opts.Settings(activityType)
}

func (o *Orchestrator) policyFor(settings TypeSettings) scheduler.RetryPolicy {
	policy := o.opts.Policy
	if settings.MaxAttempts > 0 {
		policy.MaxAttempts = settings.MaxAttempts
	}
	return policy
}

// repositoryFailure counts an unrecoverable repository error seen outside
// the loop
func (o *Orchestrator) repositoryFailure(err error) {
	if repository.IsIOError(err) {
		o.repoErrors.Add(1)
	}
}

// emit publishes a lifecycle event and counts the transition
func (o *Orchestrator) emit(kind events.Kind, a *model.Activity, reason string) {
	if o.deps.Metrics != nil {
		o.deps.Metrics.Record(kind)
	}

	e := events.NewEvent(kind, a, o.opts.WorkerID).WithReason(reason)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.deps.Events.Publish(ctx, e); err != nil {
		o.logger.Warn("Failed to publish event",
			zap.String("kind", string(kind)),
			zap.String("activity_id", a.ID),
			zap.Error(err))
	}
}
