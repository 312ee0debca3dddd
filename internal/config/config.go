// Package config loads the orchestrator configuration with viper.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/t77yq/activity-orchestrator/internal/cronlite"
	"github.com/t77yq/activity-orchestrator/internal/model"
	"github.com/t77yq/activity-orchestrator/internal/repository"
)

// RepositoryRootMacro is replaced by the repository root in schedule data
const RepositoryRootMacro = "$REPOSITORY_ROOT"

// DefaultFailureType is the activity type failures are routed to
const DefaultFailureType = "ActivityFailure"

// ErrInvalidConfig is returned when the configuration fails validation
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the complete orchestrator configuration
type Config struct {
	WorkerID      string                     `mapstructure:"worker_id"`
	Repository    RepositoryConfig           `mapstructure:"repository"`
	Orchestrator  OrchestratorConfig         `mapstructure:"orchestrator"`
	Scheduling    SchedulingConfig           `mapstructure:"scheduling"`
	Schedules     []ScheduleConfig           `mapstructure:"schedules"`
	Retry         RetryConfig                `mapstructure:"retry"`
	Failure       FailureConfig              `mapstructure:"failure"`
	Processors    map[string]ProcessorConfig `mapstructure:"processors"`
	History       HistoryConfig              `mapstructure:"history"`
	Housekeeping  HousekeepingConfig         `mapstructure:"housekeeping"`
	Logs          LogsConfig                 `mapstructure:"logs"`
	Resources     ResourcesConfig            `mapstructure:"resources"`
	Events        EventsConfig               `mapstructure:"events"`
	API           APIConfig                  `mapstructure:"api"`
	Notifications NotificationsConfig        `mapstructure:"notifications"`
}

// RepositoryConfig locates the shared repository
type RepositoryConfig struct {
	Root          string        `mapstructure:"root"`
	StaleAfter    time.Duration `mapstructure:"stale_after"`
	RenewEvery    time.Duration `mapstructure:"renew_every"`
	ForeignTypes  []string      `mapstructure:"foreign_types"`
	DoneRetention time.Duration `mapstructure:"done_retention"`
}

// OrchestratorConfig tunes the control loop
type OrchestratorConfig struct {
	Tick                time.Duration `mapstructure:"tick"`
	Workers             int           `mapstructure:"workers"`
	LogCooldown         time.Duration `mapstructure:"log_cooldown"`
	ShutdownTimeout     time.Duration `mapstructure:"shutdown_timeout"`
	MaxRepositoryErrors int           `mapstructure:"max_repository_errors"`
	StopNow             bool          `mapstructure:"stop_now"`
	ReloadNow           bool          `mapstructure:"reload_now"`
}

// SchedulingConfig decides whether this instance publishes periodic rules
type SchedulingConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// ScheduleConfig is one periodic rule
type ScheduleConfig struct {
	Type             string      `mapstructure:"type"`
	Rule             string      `mapstructure:"rule"`
	Data             interface{} `mapstructure:"data"`
	FireOnFirstCycle *bool       `mapstructure:"fire_on_first_cycle"`
}

// RetryConfig is the default retry policy
type RetryConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	Multiplier   float64       `mapstructure:"multiplier"`
}

// FailureConfig routes terminally failed activities
type FailureConfig struct {
	ActivityType string            `mapstructure:"activity_type"`
	Routes       map[string]string `mapstructure:"routes"`
}

// ProcessorConfig holds per-type settings
type ProcessorConfig struct {
	Enabled       *bool         `mapstructure:"enabled"`
	Parallelism   int           `mapstructure:"parallelism"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	Timeout       time.Duration `mapstructure:"timeout"`
	CreationLimit int           `mapstructure:"creation_limit"`
}

// HistoryConfig locates the execution history database
type HistoryConfig struct {
	Path      string        `mapstructure:"path"`
	Retention time.Duration `mapstructure:"retention"`
}

// HousekeepingConfig schedules retention jobs
type HousekeepingConfig struct {
	Spec string `mapstructure:"spec"`
}

// LogsConfig controls per-execution log files
type LogsConfig struct {
	Dir    string        `mapstructure:"dir"`
	MaxAge time.Duration `mapstructure:"max_age"`
}

// ResourcesConfig holds admission thresholds in percent
type ResourcesConfig struct {
	MaxCPU    float64       `mapstructure:"max_cpu"`
	MaxMemory float64       `mapstructure:"max_memory"`
	Interval  time.Duration `mapstructure:"interval"`
}

// EventsConfig enables NATS lifecycle events
type EventsConfig struct {
	NATSURL         string        `mapstructure:"nats_url"`
	Stream          string        `mapstructure:"stream"`
	MetricsInterval time.Duration `mapstructure:"metrics_interval"`
}

// APIConfig enables the admin HTTP API
type APIConfig struct {
	Addr string `mapstructure:"addr"`
}

// NotificationsConfig configures webhook delivery
type NotificationsConfig struct {
	WebhookURL string        `mapstructure:"webhook_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// normalize fills values derived from other settings
func (c *Config) normalize() {
	if c.Repository.RenewEvery <= 0 {
		c.Repository.RenewEvery = c.Repository.StaleAfter / 3
	}
	if c.Logs.Dir == "" {
		c.Logs.Dir = filepath.Join(c.Repository.Root, "logs")
	}
	if c.Failure.ActivityType == "" {
		c.Failure.ActivityType = DefaultFailureType
	}

	// viper lowercases map keys, activity types are matched case-insensitively
	processors := make(map[string]ProcessorConfig, len(c.Processors))
	for k, v := range c.Processors {
		processors[strings.ToLower(k)] = v
	}
	c.Processors = processors

	routes := make(map[string]string, len(c.Failure.Routes))
	for k, v := range c.Failure.Routes {
		routes[strings.ToLower(k)] = v
	}
	c.Failure.Routes = routes
}

// Validate checks the configuration
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	if err := repository.ValidateWorkerID(c.WorkerID); err != nil {
		errs = append(errs, fmt.Errorf("worker_id: %w", err))
	}
	check(c.Repository.Root != "", "repository.root is required")
	check(c.Repository.StaleAfter > 0, "repository.stale_after must be positive")
	check(c.Repository.RenewEvery > 0 && c.Repository.RenewEvery < c.Repository.StaleAfter,
		"repository.renew_every must be positive and below repository.stale_after")
	for _, t := range c.Repository.ForeignTypes {
		if err := repository.ValidateType(t); err != nil {
			errs = append(errs, fmt.Errorf("repository.foreign_types: %w", err))
		}
	}

	check(c.Orchestrator.Tick > 0, "orchestrator.tick must be positive")
	check(c.Orchestrator.Workers >= 1, "orchestrator.workers must be at least 1")
	check(c.Orchestrator.MaxRepositoryErrors >= 1, "orchestrator.max_repository_errors must be at least 1")

	check(c.Retry.MaxAttempts >= 1, "retry.max_attempts must be at least 1")
	check(c.Retry.Multiplier >= 1, "retry.multiplier must be at least 1")
	check(c.Retry.InitialDelay >= 0, "retry.initial_delay must not be negative")
	check(c.Retry.MaxDelay >= 0, "retry.max_delay must not be negative, 0 leaves delays uncapped")

	if err := repository.ValidateType(c.Failure.ActivityType); err != nil {
		errs = append(errs, fmt.Errorf("failure.activity_type: %w", err))
	}
	for k, v := range c.Failure.Routes {
		if err := repository.ValidateType(v); err != nil {
			errs = append(errs, fmt.Errorf("failure.routes.%s: %w", k, err))
		}
	}

	for i, s := range c.Schedules {
		if err := repository.ValidateType(s.Type); err != nil {
			errs = append(errs, fmt.Errorf("schedules[%d].type: %w", i, err))
		}
		if _, err := cronlite.Parse(s.Rule); err != nil {
			errs = append(errs, fmt.Errorf("schedules[%d].rule: %w", i, err))
		}
	}

	for name, p := range c.Processors {
		check(p.Parallelism >= 0, "processors.%s.parallelism must not be negative", name)
		check(p.CreationLimit >= 0, "processors.%s.creation_limit must not be negative", name)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Processor returns the settings of an activity type
func (c *Config) Processor(activityType string) ProcessorConfig {
	return c.Processors[strings.ToLower(activityType)]
}

// ProcessorEnabled reports whether a built-in processor should be registered
func (c *Config) ProcessorEnabled(activityType string, byDefault bool) bool {
	p := c.Processor(activityType)
	if p.Enabled == nil {
		return byDefault
	}
	return *p.Enabled
}

// MaxAttempts returns the attempt ceiling of an activity type
func (c *Config) MaxAttempts(activityType string) int {
	if n := c.Processor(activityType).MaxAttempts; n > 0 {
		return n
	}
	return c.Retry.MaxAttempts
}

// FailureTypeFor returns the failure activity type for an errored type. An
// explicit route wins, then the "*" route, then failure.activity_type.
func (c *Config) FailureTypeFor(activityType string) string {
	if t, ok := c.Failure.Routes[strings.ToLower(activityType)]; ok {
		return t
	}
	if t, ok := c.Failure.Routes["*"]; ok {
		return t
	}
	return c.Failure.ActivityType
}

// FailureTypes returns every type failures may be routed to
func (c *Config) FailureTypes() []string {
	seen := map[string]bool{c.Failure.ActivityType: true}
	types := []string{c.Failure.ActivityType}
	for _, t := range c.Failure.Routes {
		if !seen[t] {
			seen[t] = true
			types = append(types, t)
		}
	}
	return types
}

// ScheduleRules converts the schedules into rules, expanding the repository
// root macro inside rule data
func (c *Config) ScheduleRules() ([]model.ScheduleRule, error) {
	root, err := json.Marshal(c.Repository.Root)
	if err != nil {
		return nil, err
	}
	escapedRoot := strings.Trim(string(root), `"`)

	rules := make([]model.ScheduleRule, 0, len(c.Schedules))
	for i, s := range c.Schedules {
		payload, err := json.Marshal(jsonCompatible(s.Data))
		if err != nil {
			return nil, fmt.Errorf("schedules[%d].data: %w", i, err)
		}
		payload = []byte(strings.ReplaceAll(string(payload), RepositoryRootMacro, escapedRoot))

		fire := true
		if s.FireOnFirstCycle != nil {
			fire = *s.FireOnFirstCycle
		}
		rules = append(rules, model.ScheduleRule{
			Type:             s.Type,
			Rule:             s.Rule,
			Payload:          payload,
			FireOnFirstCycle: fire,
		})
	}
	return rules, nil
}

// jsonCompatible converts map[interface{}]interface{} values produced by some
// decoders into string keyed maps
func jsonCompatible(v interface{}) interface{} {
	switch t := v.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = jsonCompatible(val)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = jsonCompatible(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = jsonCompatible(val)
		}
		return out
	}
	return v
}
