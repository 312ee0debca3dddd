package monitor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/activity-orchestrator/internal/events"
	"github.com/t77yq/activity-orchestrator/internal/executor"
	"github.com/t77yq/activity-orchestrator/internal/model"
)

// QueueCounter reports the number of records per queue
type QueueCounter interface {
	Counts(ctx context.Context) (map[model.Queue]int, error)
}

// HostStats reports the latest host sample
type HostStats interface {
	Stats() executor.Stats
}

// PoolStats reports worker pool occupancy
type PoolStats interface {
	Total() int
	Size() int
}

// Snapshot is one metrics sample of an instance
type Snapshot struct {
	Timestamp   time.Time             `json:"timestamp"`
	WorkerID    string                `json:"worker_id"`
	Queues      map[model.Queue]int   `json:"queues"`
	CPUUsage    float64               `json:"cpu_usage"`
	MemoryUsage float64               `json:"memory_usage"`
	Running     int                   `json:"running"`
	PoolSize    int                   `json:"pool_size"`
	Transitions map[events.Kind]int64 `json:"transitions"`
}

// MetricsCollector samples queue depths, host usage and transition counters
// and publishes them periodically
type MetricsCollector struct {
	logger    *zap.Logger
	workerID  string
	queues    QueueCounter
	host      HostStats
	pool      PoolStats
	publisher events.Publisher
	interval  time.Duration
	mu        sync.RWMutex
	counters  map[events.Kind]int64
	latest    Snapshot
	stop      chan struct{}
	stopOnce  sync.Once
}

// NewMetricsCollector creates a new metrics collector. host and pool may be nil.
func NewMetricsCollector(workerID string, queues QueueCounter, host HostStats, pool PoolStats, publisher events.Publisher, interval time.Duration, logger *zap.Logger) *MetricsCollector {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &MetricsCollector{
		logger:    logger.Named("metrics-collector"),
		workerID:  workerID,
		queues:    queues,
		host:      host,
		pool:      pool,
		publisher: publisher,
		interval:  interval,
		counters:  make(map[events.Kind]int64),
		stop:      make(chan struct{}),
	}
}

// Start starts the collection loop
func (c *MetricsCollector) Start(ctx context.Context) error {
	c.logger.Info("Starting metrics collector", zap.Duration("interval", c.interval))

	if c.interval > 0 {
		go c.collectLoop(ctx)
	}
	return nil
}

// Stop stops the metrics collector
func (c *MetricsCollector) Stop() {
	c.stopOnce.Do(func() {
		c.logger.Info("Stopping metrics collector")
		close(c.stop)
	})
}

// Record counts one lifecycle transition
func (c *MetricsCollector) Record(kind events.Kind) {
	c.mu.Lock()
	c.counters[kind]++
	c.mu.Unlock()
}

// collectLoop runs the metrics collection loop
func (c *MetricsCollector) collectLoop(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			snapshot, err := c.Collect(ctx)
			if err != nil {
				c.logger.Error("Failed to collect metrics", zap.Error(err))
				continue
			}
			if err := c.publisher.PublishMetrics(ctx, snapshot); err != nil {
				c.logger.Error("Failed to publish metrics", zap.Error(err))
			}
		}
	}
}

// Collect takes a snapshot now
func (c *MetricsCollector) Collect(ctx context.Context) (Snapshot, error) {
	counts, err := c.queues.Counts(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	snapshot := Snapshot{
		Timestamp: time.Now().UTC(),
		WorkerID:  c.workerID,
		Queues:    counts,
	}
	if c.host != nil {
		stats := c.host.Stats()
		snapshot.CPUUsage = stats.CPUUsage
		snapshot.MemoryUsage = stats.MemoryUsage
	}
	if c.pool != nil {
		snapshot.Running = c.pool.Total()
		snapshot.PoolSize = c.pool.Size()
	}

	c.mu.Lock()
	snapshot.Transitions = make(map[events.Kind]int64, len(c.counters))
	for kind, n := range c.counters {
		snapshot.Transitions[kind] = n
	}
	c.latest = snapshot
	c.mu.Unlock()

	c.logger.Debug("Metrics collected",
		zap.Int("pending", counts[model.QueuePending]),
		zap.Int("claimed", counts[model.QueueClaimed]),
		zap.Int("failed", counts[model.QueueFailed]),
		zap.Int("running", snapshot.Running))

	return snapshot, nil
}

// Latest returns the most recent snapshot
func (c *MetricsCollector) Latest() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latest
}
