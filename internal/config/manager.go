package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Controls are the settings re-read while the orchestrator runs
type Controls struct {
	StopNow     bool
	ReloadNow   bool
	LogCooldown time.Duration
}

// Manager owns the viper instance and exposes live controls
type Manager struct {
	logger   *zap.Logger
	v        *viper.Viper
	cfg      *Config
	mu       sync.RWMutex
	controls Controls
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("repository.root", "./activities")
	v.SetDefault("repository.stale_after", 10*time.Minute)
	v.SetDefault("repository.renew_every", 0)
	v.SetDefault("repository.done_retention", 0)

	v.SetDefault("orchestrator.tick", 2*time.Second)
	v.SetDefault("orchestrator.workers", 2)
	v.SetDefault("orchestrator.log_cooldown", 15*time.Second)
	v.SetDefault("orchestrator.shutdown_timeout", 30*time.Second)
	v.SetDefault("orchestrator.max_repository_errors", 5)
	v.SetDefault("orchestrator.stop_now", false)
	v.SetDefault("orchestrator.reload_now", false)

	v.SetDefault("scheduling.enabled", true)

	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.initial_delay", 30*time.Second)
	v.SetDefault("retry.max_delay", time.Hour)
	v.SetDefault("retry.multiplier", 2.0)

	v.SetDefault("failure.activity_type", DefaultFailureType)

	v.SetDefault("history.path", "history.db")
	v.SetDefault("history.retention", 720*time.Hour)

	v.SetDefault("housekeeping.spec", "@hourly")

	v.SetDefault("logs.max_age", 168*time.Hour)

	v.SetDefault("resources.max_cpu", 95.0)
	v.SetDefault("resources.max_memory", 95.0)
	v.SetDefault("resources.interval", 5*time.Second)

	v.SetDefault("events.stream", "ACTIVITIES")
	v.SetDefault("events.metrics_interval", 30*time.Second)

	v.SetDefault("notifications.timeout", 10*time.Second)
}

// Load reads the configuration from path, or from ./config/orchestrator.yaml
// when path is empty. Environment variables prefixed with ACTIVITY_ override
// file values.
func Load(path string, logger *zap.Logger) (*Manager, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ACTIVITY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("orchestrator")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: failed to read config file: %w", ErrInvalidConfig, err)
		}
	}

	// AutomaticEnv only applies to keys viper knows about
	_ = v.BindEnv("worker_id")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to decode config: %w", ErrInvalidConfig, err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		logger: logger.Named("config"),
		v:      v,
		cfg:    &cfg,
	}
	m.refreshControls()
	return m, nil
}

// Config returns the configuration read at load time
func (m *Manager) Config() *Config {
	return m.cfg
}

// File returns the config file in use, if any
func (m *Manager) File() string {
	return m.v.ConfigFileUsed()
}

// Controls returns the current live controls
func (m *Manager) Controls() Controls {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.controls
}

// Set overrides a key, then refreshes the live controls
func (m *Manager) Set(key string, value interface{}) {
	m.v.Set(key, value)
	m.refreshControls()
}

// Watch re-reads the live controls whenever the config file changes
func (m *Manager) Watch() {
	if m.File() == "" {
		m.logger.Info("No config file in use, live controls disabled")
		return
	}

	m.v.OnConfigChange(func(e fsnotify.Event) {
		m.logger.Info("Config file changed",
			zap.String("file", e.Name),
			zap.String("op", e.Op.String()))
		m.refreshControls()
	})
	m.v.WatchConfig()
}

func (m *Manager) refreshControls() {
	controls := Controls{
		StopNow:     m.v.GetBool("orchestrator.stop_now"),
		ReloadNow:   m.v.GetBool("orchestrator.reload_now"),
		LogCooldown: m.v.GetDuration("orchestrator.log_cooldown"),
	}

	m.mu.Lock()
	changed := controls != m.controls
	m.controls = controls
	m.mu.Unlock()

	if changed {
		m.logger.Debug("Live controls updated",
			zap.Bool("stop_now", controls.StopNow),
			zap.Bool("reload_now", controls.ReloadNow),
			zap.Duration("log_cooldown", controls.LogCooldown))
	}
}
