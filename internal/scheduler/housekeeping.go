package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keyValueFields(keysAndValues)...)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keyValueFields(keysAndValues), zap.Error(err))...)
}

func keyValueFields(keysAndValues []interface{}) []zap.Field {
	fields := make([]zap.Field, 0, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields = append(fields, zap.Any(fmt.Sprint(keysAndValues[i]), keysAndValues[i+1]))
	}
	return fields
}

// HousekeepingJob is one retention task
type HousekeepingJob struct {
	Name string
	Run  func(ctx context.Context, now time.Time) error
}

// Housekeeper runs retention jobs on a robfig/cron schedule
type Housekeeper struct {
	logger *zap.Logger
	cron   *cron.Cron
	spec   string
	mu     sync.Mutex
	jobs   []HousekeepingJob
	ctx    context.Context
	cancel context.CancelFunc
}

// NewHousekeeper creates a housekeeper firing on a standard cron spec or
// descriptor such as "@hourly"
func NewHousekeeper(spec string, logger *zap.Logger) (*Housekeeper, error) {
	if spec == "" {
		spec = defaultHousekeepingSpec
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("%w %q: %w", ErrInvalidHousekeepingSpec, spec, err)
	}

	logger = logger.Named("housekeeper")
	cronLogger := &cronLogger{logger: logger.Named("cron")}

	return &Housekeeper{
		logger: logger,
		spec:   spec,
		cron: cron.New(
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
	}, nil
}

// Add registers a job. Jobs run in registration order.
func (h *Housekeeper) Add(name string, run func(ctx context.Context, now time.Time) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.jobs = append(h.jobs, HousekeepingJob{Name: name, Run: run})
}

// Start schedules the jobs
func (h *Housekeeper) Start(ctx context.Context) error {
	h.ctx, h.cancel = context.WithCancel(ctx)

	if _, err := h.cron.AddFunc(h.spec, func() { h.RunNow(h.ctx) }); err != nil {
		return fmt.Errorf("failed to add housekeeping job: %w", err)
	}
	h.cron.Start()

	h.logger.Info("Housekeeping scheduled",
		zap.String("spec", h.spec),
		zap.Int("jobs", len(h.jobs)))
	return nil
}

// Stop stops the schedule and waits for a running pass to end
func (h *Housekeeper) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	<-h.cron.Stop().Done()
}

// NextRun returns when the next pass is scheduled
func (h *Housekeeper) NextRun() time.Time {
	entries := h.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// RunNow runs every job once. A failing job does not stop the others.
func (h *Housekeeper) RunNow(ctx context.Context) {
	h.mu.Lock()
	jobs := append([]HousekeepingJob(nil), h.jobs...)
	h.mu.Unlock()

	now := time.Now()
	for _, job := range jobs {
		if ctx.Err() != nil {
			return
		}
		if err := job.Run(ctx, now); err != nil {
			h.logger.Error("Housekeeping job failed",
				zap.String("job", job.Name),
				zap.Error(err))
			continue
		}
		h.logger.Debug("Housekeeping job finished", zap.String("job", job.Name))
	}
}
