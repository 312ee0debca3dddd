package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/activity-orchestrator/internal/events"
	"github.com/t77yq/activity-orchestrator/internal/model"
	"github.com/t77yq/activity-orchestrator/internal/processor"
	"github.com/t77yq/activity-orchestrator/internal/repository"
	"github.com/t77yq/activity-orchestrator/internal/scheduler"
)

// execute runs one claimed activity and settles it
func (o *Orchestrator) execute(c *repository.Claim, p processor.Processor, settings TypeSettings, policy scheduler.RetryPolicy) {
	a := c.Activity()
	start := o.deps.Now()

	logger := o.logger.With(
		zap.String("activity_id", a.ID),
		zap.String("activity_type", a.Type),
		zap.Int("attempts", a.Attempts))

	exec := &model.Execution{
		ID:           uuid.NewString(),
		ActivityID:   a.ID,
		ActivityType: a.Type,
		WorkerID:     o.opts.WorkerID,
		Attempt:      a.Attempts + 1,
		Status:       model.ExecutionStatusRunning,
		Payload:      a.Payload,
		StartedAt:    start,
	}

	execLogger := logger
	if o.deps.Logs != nil {
		l, err := o.deps.Logs.Open(a, start)
		if err != nil {
			logger.Warn("Failed to open execution log", zap.Error(err))
		} else {
			defer l.Close()
			execLogger = l.Logger
			exec.LogFile = l.Path
		}
	}

	o.storeExecution(exec)

	ctx, cancel := context.WithCancel(o.execCtx)
	defer cancel()
	if settings.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, settings.Timeout)
		defer cancel()
	}
	ctx = processor.WithLogger(ctx, execLogger)
	ctx = processor.WithWorkerID(ctx, o.opts.WorkerID)

	stopRenewal := o.renew(c, cancel, logger)

	execLogger.Info("Execution started")
	outcome := processor.Run(ctx, p, a)
	stopRenewal()

	if o.execCtx.Err() != nil {
		// Cancelled by shutdown; the activity did not get a fair attempt
		o.release(c, logger, "execution cancelled by shutdown")
		o.finishExecution(exec, model.ExecutionStatusDeclined, "cancelled by shutdown", nil)
		return
	}

	status, created := o.interpret(c, p, settings, policy, outcome, logger)

	reason := outcome.Reason
	execLogger.Info("Execution finished",
		zap.String("outcome", string(outcome.Kind)),
		zap.String("status", string(status)),
		zap.String("reason", reason),
		zap.Duration("duration", o.deps.Now().Sub(start)))
	o.finishExecution(exec, status, reason, created)
}

// renew keeps the claim fresh while the processor runs. Losing the claim
// cancels the execution. The returned function stops renewal and waits for
// it to exit.
func (o *Orchestrator) renew(c *repository.Claim, cancel context.CancelFunc, logger *zap.Logger) func() {
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		ticker := time.NewTicker(o.opts.RenewEvery)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				err := o.deps.Repository.Renew(c)
				if err == nil {
					continue
				}
				if errors.Is(err, repository.ErrNotClaimed) {
					logger.Warn("Claim lost during execution, cancelling")
					cancel()
					return
				}
				logger.Error("Failed to renew claim", zap.Error(err))
				o.repositoryFailure(err)
			}
		}
	}()

	return func() {
		close(stop)
		wg.Wait()
	}
}

// interpret maps the outcome to a repository transition
func (o *Orchestrator) interpret(c *repository.Claim, p processor.Processor, settings TypeSettings, policy scheduler.RetryPolicy, outcome model.Outcome, logger *zap.Logger) (model.ExecutionStatus, []string) {
	a := c.Activity()

	switch outcome.Kind {
	case model.OutcomeSuccess:
		done, err := o.deps.Repository.Complete(c)
		if err != nil {
			return o.transitionFailed(err, logger, "complete"), nil
		}
		o.emit(events.KindCompleted, done, "")
		return model.ExecutionStatusSucceeded, nil

	case model.OutcomeSuccessNoWork:
		if err := o.deps.Repository.Discard(c); err != nil {
			return o.transitionFailed(err, logger, "discard"), nil
		}
		o.emit(events.KindDiscarded, a, "")
		return model.ExecutionStatusDiscarded, nil

	case model.OutcomeChain:
		if err := processor.ValidateChain(p, outcome.Next, settings.CreationLimit); err != nil {
			return o.routeTerminal(c, err.Error()), nil
		}
		return o.chain(c, policy, outcome.Next, logger)

	case model.OutcomeDecline:
		var delay time.Duration
		if outcome.RetryAfter != nil {
			delay = *outcome.RetryAfter
		}
		released, err := o.deps.Repository.Release(c, delay)
		if err != nil {
			return o.transitionFailed(err, logger, "release"), nil
		}
		o.emit(events.KindDeclined, released, outcome.Reason)
		return model.ExecutionStatusDeclined, nil

	case model.OutcomeAbandon:
		return o.routeTerminal(c, outcome.Reason), nil

	case model.OutcomeFailure:
		return o.retryOrFail(c, policy, outcome.Reason, outcome.RetryAfter, logger), nil
	}

	return o.retryOrFail(c, policy, fmt.Sprintf("unknown outcome %q", outcome.Kind), nil, logger), nil
}

// chain creates the follow-ups, then completes the activity. Follow-ups are
// created first so a crash never loses them; a retry may duplicate some.
func (o *Orchestrator) chain(c *repository.Claim, policy scheduler.RetryPolicy, next []model.Spec, logger *zap.Logger) (model.ExecutionStatus, []string) {
	a := c.Activity()

	specs := make([]model.Spec, len(next))
	for i, spec := range next {
		parent := a.ID
		spec.CausedBy = &parent
		specs[i] = spec
	}

	created, err := o.deps.Creator.CreateAll(o.execCtx, specs)
	ids := make([]string, 0, len(created))
	for _, child := range created {
		ids = append(ids, child.ID)
	}
	if err != nil {
		o.repositoryFailure(err)
		reason := fmt.Sprintf("failed to create follow-up activities: %v", err)
		return o.retryOrFail(c, policy, reason, nil, logger), ids
	}

	done, err := o.deps.Repository.Complete(c)
	if err != nil {
		return o.transitionFailed(err, logger, "complete"), ids
	}
	o.emit(events.KindCompleted, done, fmt.Sprintf("chained %d activities", len(ids)))
	return model.ExecutionStatusSucceeded, ids
}

// retryOrFail requeues a failed activity with a delay, or routes it to the
// failed queue once the attempt ceiling is reached
func (o *Orchestrator) retryOrFail(c *repository.Claim, policy scheduler.RetryPolicy, reason string, retryAfter *time.Duration, logger *zap.Logger) model.ExecutionStatus {
	a := c.Activity()
	if !policy.ShouldRetry(a.Attempts) {
		return o.routeTerminal(c, reason)
	}

	delay := policy.Delay(a.Attempts, retryAfter)
	retried, err := o.deps.Repository.FailRetry(c, delay)
	if err != nil {
		return o.transitionFailed(err, logger, "retry")
	}

	logger.Warn("Activity failed, retry scheduled",
		zap.String("reason", reason),
		zap.Duration("delay", delay),
		zap.Int("attempt", retried.Attempts))
	o.emit(events.KindRetried, retried, reason)
	return model.ExecutionStatusRetrying
}

// routeTerminal moves the activity to failed and creates its failure
// activity
func (o *Orchestrator) routeTerminal(c *repository.Claim, reason string) model.ExecutionStatus {
	a := c.Activity()
	logger := o.logger.With(
		zap.String("activity_id", a.ID),
		zap.String("activity_type", a.Type))

	failed, err := o.deps.Repository.FailTerminal(c)
	if err != nil {
		return o.transitionFailed(err, logger, "fail")
	}
	logger.Error("Activity failed", zap.String("reason", reason), zap.Int("attempts", failed.Attempts))
	o.emit(events.KindFailed, failed, reason)

	o.notifyFailure(failed, reason, logger)
	return model.ExecutionStatusFailed
}

// corrupted reports a record the repository moved to failed because its
// body could not be decoded
func (o *Orchestrator) corrupted(corrupt *repository.CorruptError) {
	a := corrupt.Activity
	logger := o.logger.With(
		zap.String("activity_id", a.ID),
		zap.String("activity_type", a.Type))

	reason := fmt.Sprintf("corrupt record: %v", corrupt.Err)
	logger.Error("Activity failed", zap.String("reason", reason))
	o.emit(events.KindFailed, a, reason)
	o.notifyFailure(a, reason, logger)
}

// notifyFailure creates the failure activity of a failed record. Activities
// of a failure type are not routed again.
func (o *Orchestrator) notifyFailure(failed *model.Activity, reason string, logger *zap.Logger) {
	if o.failure[failed.Type] {
		return
	}

	var failureType string
	if o.opts.FailureTypeFor != nil {
		failureType = o.opts.FailureTypeFor(failed.Type)
	}
	if failureType == "" || failureType == failed.Type {
		return
	}

	notice := model.FailureNotice{
		FailedID:   failed.ID,
		FailedType: failed.Type,
		Reason:     reason,
		Attempts:   failed.Attempts,
		WorkerID:   o.opts.WorkerID,
		FailedAt:   model.NormalizeTime(o.deps.Now()),
	}
	spec, err := model.NewSpec(failureType, notice)
	if err != nil {
		logger.Error("Failed to encode failure notice", zap.Error(err))
		return
	}
	parent := failed.ID
	spec.CausedBy = &parent

	if _, err := o.deps.Creator.Create(o.execCtx, spec); err != nil {
		o.repositoryFailure(err)
		logger.Error("Failed to create failure activity, the record stays in failed",
			zap.String("failure_type", failureType),
			zap.Error(err))
	}
}

// release returns the activity to pending unchanged
func (o *Orchestrator) release(c *repository.Claim, logger *zap.Logger, reason string) {
	released, err := o.deps.Repository.Release(c, 0)
	if err != nil {
		o.transitionFailed(err, logger, "release")
		return
	}
	o.emit(events.KindReleased, released, reason)
}

// transitionFailed logs a failed transition. A lost claim means another
// instance owns the record now; anything else leaves it claimed for the
// staleness sweep.
func (o *Orchestrator) transitionFailed(err error, logger *zap.Logger, op string) model.ExecutionStatus {
	if errors.Is(err, repository.ErrNotClaimed) {
		logger.Warn("Claim lost before settling", zap.String("op", op))
		return model.ExecutionStatusLost
	}
	logger.Error("Failed to settle activity", zap.String("op", op), zap.Error(err))
	o.repositoryFailure(err)
	return model.ExecutionStatusLost
}

func (o *Orchestrator) storeExecution(exec *model.Execution) {
	if o.deps.History == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.deps.History.Store(ctx, exec); err != nil {
		o.logger.Error("Failed to store execution history",
			zap.String("activity_id", exec.ActivityID),
			zap.Error(err))
	}
}

func (o *Orchestrator) finishExecution(exec *model.Execution, status model.ExecutionStatus, reason string, created []string) {
	if o.deps.History == nil {
		return
	}
	completed := o.deps.Now()
	exec.Status = status
	exec.Error = reason
	exec.Created = created
	exec.CompletedAt = &completed
	exec.Duration = completed.Sub(exec.StartedAt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.deps.History.Update(ctx, exec); err != nil {
		o.logger.Error("Failed to update execution history",
			zap.String("activity_id", exec.ActivityID),
			zap.Error(err))
	}
}
