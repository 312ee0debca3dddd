package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docker/docker/client"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/t77yq/activity-orchestrator/internal/api"
	"github.com/t77yq/activity-orchestrator/internal/config"
	"github.com/t77yq/activity-orchestrator/internal/creator"
	"github.com/t77yq/activity-orchestrator/internal/events"
	"github.com/t77yq/activity-orchestrator/internal/executor"
	"github.com/t77yq/activity-orchestrator/internal/handler"
	"github.com/t77yq/activity-orchestrator/internal/model"
	"github.com/t77yq/activity-orchestrator/internal/monitor"
	"github.com/t77yq/activity-orchestrator/internal/orchestrator"
	"github.com/t77yq/activity-orchestrator/internal/processor"
	"github.com/t77yq/activity-orchestrator/internal/repository"
	"github.com/t77yq/activity-orchestrator/internal/scheduler"
	"github.com/t77yq/activity-orchestrator/internal/storage"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the orchestrator loop until stopped",
	Long: `Run claims and executes due activities until interrupted.

Exit codes: 0 clean shutdown, 1 unexpected failure, 2 reload requested,
3 configuration error, 4 repository failure.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	mgr, err := loadConfig()
	if err != nil {
		return err
	}
	cfg := mgr.Config()
	mgr.Watch()

	logger.Info("Configuration loaded",
		zap.String("file", mgr.File()),
		zap.String("worker_id", cfg.WorkerID),
		zap.String("repository", cfg.Repository.Root))

	repo, err := openRepository(cfg)
	if err != nil {
		return err
	}

	history, err := storage.NewSQLiteHistory(cfg.History.Path, logger)
	if err != nil {
		return err
	}
	defer history.Close()

	publisher := connectEvents(cfg)
	defer publisher.Close()

	pool := executor.NewPool(cfg.Orchestrator.Workers, logger)

	resources := executor.NewResourceManager(executor.ResourceLimits{
		MaxCPU:    cfg.Resources.MaxCPU,
		MaxMemory: cfg.Resources.MaxMemory,
	}, executor.HostSampler, cfg.Resources.Interval, logger)
	if err := resources.Start(ctx); err != nil {
		return err
	}
	defer resources.Stop()

	logs, err := executor.NewLogManager(executor.LogConfig{
		LogDir: cfg.Logs.Dir,
		MaxAge: cfg.Logs.MaxAge,
	}, logger)
	if err != nil {
		return err
	}

	metrics := monitor.NewMetricsCollector(cfg.WorkerID, repo, resources, pool, publisher, cfg.Events.MetricsInterval, logger)
	if err := metrics.Start(ctx); err != nil {
		return err
	}
	defer metrics.Stop()

	docker := dockerClient(ctx, cfg)
	if docker != nil {
		defer docker.Close()
	}
	registry, err := buildRegistry(cfg, repo, docker)
	if err != nil {
		return &orchestrator.ExitError{Code: orchestrator.ExitConfig, Err: err}
	}

	create := creator.New(repo, logger,
		creator.WithKnownTypes(knownTypes(cfg, registry)...),
		creator.WithObserver(func(a *model.Activity) {
			metrics.Record(events.KindCreated)
			publishCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := publisher.Publish(publishCtx, events.NewEvent(events.KindCreated, a, cfg.WorkerID)); err != nil {
				logger.Warn("Failed to publish event", zap.String("activity_id", a.ID), zap.Error(err))
			}
		}))

	var rules *scheduler.RuleScheduler
	if cfg.Scheduling.Enabled {
		defs, err := cfg.ScheduleRules()
		if err != nil {
			return &orchestrator.ExitError{Code: orchestrator.ExitConfig, Err: err}
		}
		rules, err = scheduler.NewRuleScheduler(defs, create, time.Now(), logger)
		if err != nil {
			return &orchestrator.ExitError{Code: orchestrator.ExitConfig, Err: err}
		}
	}

	housekeeper, err := newHousekeeper(cfg, repo, history, logs)
	if err != nil {
		return &orchestrator.ExitError{Code: orchestrator.ExitConfig, Err: err}
	}
	if err := housekeeper.Start(ctx); err != nil {
		return err
	}
	defer housekeeper.Stop()

	o, err := orchestrator.New(orchestrator.Options{
		WorkerID:            cfg.WorkerID,
		Tick:                cfg.Orchestrator.Tick,
		StaleAfter:          cfg.Repository.StaleAfter,
		RenewEvery:          cfg.Repository.RenewEvery,
		ShutdownTimeout:     cfg.Orchestrator.ShutdownTimeout,
		MaxRepositoryErrors: cfg.Orchestrator.MaxRepositoryErrors,
		LogCooldown:         cfg.Orchestrator.LogCooldown,
		ForeignTypes:        cfg.Repository.ForeignTypes,
		Policy: scheduler.RetryPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			Strategy: &scheduler.ExponentialBackoff{
				InitialDelay: cfg.Retry.InitialDelay,
				MaxDelay:     cfg.Retry.MaxDelay,
				Multiplier:   cfg.Retry.Multiplier,
			},
		},
		Settings: func(activityType string) orchestrator.TypeSettings {
			p := cfg.Processor(activityType)
			return orchestrator.TypeSettings{
				Parallelism:   p.Parallelism,
				MaxAttempts:   cfg.MaxAttempts(activityType),
				Timeout:       p.Timeout,
				CreationLimit: p.CreationLimit,
			}
		},
		FailureTypeFor: cfg.FailureTypeFor,
		FailureTypes:   cfg.FailureTypes(),
	}, orchestrator.Dependencies{
		Repository: repo,
		Creator:    create,
		Registry:   registry,
		Pool:       pool,
		Rules:      rules,
		Resources:  resources,
		Logs:       logs,
		History:    history,
		Events:     publisher,
		Metrics:    metrics,
		Controls:   mgr,
	}, logger)
	if err != nil {
		return err
	}

	if cfg.API.Addr != "" {
		server := api.NewServer(api.Config{
			WorkerID:  cfg.WorkerID,
			Store:     repo,
			Creator:   create,
			History:   history,
			Metrics:   metrics,
			Schedules: o,
			Events:    publisher,
		}, logger)
		go func() {
			if err := server.ListenAndServe(ctx, cfg.API.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Admin API stopped", zap.Error(err))
			}
		}()
	}

	return o.Run(ctx)
}

// connectEvents connects to NATS when configured. Lifecycle events are
// best effort, a failed connection falls back to no events.
func connectEvents(cfg *config.Config) events.Publisher {
	if cfg.Events.NATSURL == "" {
		return events.Nop{}
	}
	publisher, err := events.Connect(cfg.Events.NATSURL, cfg.Events.Stream, logger)
	if err != nil {
		logger.Error("Failed to connect to NATS, lifecycle events disabled",
			zap.String("url", cfg.Events.NATSURL),
			zap.Error(err))
		return events.Nop{}
	}
	return publisher
}

// dockerClient returns a connected Docker client when the container
// processor is enabled, nil otherwise
func dockerClient(ctx context.Context, cfg *config.Config) *client.Client {
	if !cfg.ProcessorEnabled(handler.ContainerRunType, false) {
		return nil
	}

	docker, err := handler.NewDockerClient()
	if err != nil {
		logger.Error("Container processor disabled", zap.Error(err))
		return nil
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := docker.Ping(pingCtx); err != nil {
		logger.Error("Container processor disabled, Docker daemon unreachable", zap.Error(err))
		docker.Close()
		return nil
	}
	return docker
}

// buildRegistry registers the enabled built-in processors
func buildRegistry(cfg *config.Config, repo *repository.Repository, docker *client.Client) (*processor.Registry, error) {
	builtins := handler.Builtins{
		Webhook: handler.NewWebhook(handler.WebhookConfig{
			URL:     cfg.Notifications.WebhookURL,
			Timeout: cfg.Notifications.Timeout,
		}, nil),
		Store:        repo,
		FailureTypes: cfg.FailureTypes(),
	}
	if docker != nil {
		builtins.Docker = docker
	}

	registry := processor.NewRegistry(logger)
	for _, p := range builtins.Processors() {
		if !cfg.ProcessorEnabled(p.Type(), true) {
			logger.Info("Processor disabled", zap.String("activity_type", p.Type()))
			continue
		}
		if err := registry.Register(p); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// knownTypes lists the types this instance may create: its own processors,
// the types of other instances and every failure type
func knownTypes(cfg *config.Config, registry *processor.Registry) []string {
	types := registry.Types()
	types = append(types, cfg.Repository.ForeignTypes...)
	return append(types, cfg.FailureTypes()...)
}

// newHousekeeper registers the retention jobs
func newHousekeeper(cfg *config.Config, repo *repository.Repository, history storage.History, logs *executor.LogManager) (*scheduler.Housekeeper, error) {
	housekeeper, err := scheduler.NewHousekeeper(cfg.Housekeeping.Spec, logger)
	if err != nil {
		return nil, err
	}

	if cfg.History.Retention > 0 {
		housekeeper.Add("history", func(ctx context.Context, now time.Time) error {
			_, err := history.DeleteBefore(ctx, now.Add(-cfg.History.Retention))
			return err
		})
	}
	housekeeper.Add("logs", func(ctx context.Context, now time.Time) error {
		_, err := logs.Cleanup(now)
		return err
	})
	if cfg.Repository.DoneRetention > 0 {
		housekeeper.Add("done", func(ctx context.Context, now time.Time) error {
			_, err := repo.PurgeBefore(ctx, model.QueueDone, now.Add(-cfg.Repository.DoneRetention))
			return err
		})
	}
	housekeeper.Add("staging", func(ctx context.Context, now time.Time) error {
		_, err := repo.PurgeStaging(now.Add(-cfg.Repository.StaleAfter))
		return err
	})
	return housekeeper, nil
}
