package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

// ResourceLimits defines host thresholds above which no new work is claimed
type ResourceLimits struct {
	MaxCPU    float64 // Maximum CPU usage in percentage, 0 disables
	MaxMemory float64 // Maximum memory usage in percentage, 0 disables
}

// Stats holds the latest host sample
type Stats struct {
	CPUUsage    float64   `json:"cpu_usage"`
	MemoryUsage float64   `json:"memory_usage"`
	CollectedAt time.Time `json:"collected_at"`
}

// Sampler reads current CPU and memory usage percentages
type Sampler func() (cpuPercent, memPercent float64, err error)

// HostSampler samples the host with gopsutil
func HostSampler() (float64, float64, error) {
	cpuPercent, err := cpu.Percent(time.Second, false)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to get CPU usage: %w", err)
	}
	memInfo, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to get memory usage: %w", err)
	}

	var usage float64
	if len(cpuPercent) > 0 {
		usage = cpuPercent[0]
	}
	return usage, memInfo.UsedPercent, nil
}

// ResourceManager samples host usage and gates new claims
type ResourceManager struct {
	logger   *zap.Logger
	limits   ResourceLimits
	sampler  Sampler
	interval time.Duration
	mu       sync.RWMutex
	stats    Stats
	stop     chan struct{}
	stopOnce sync.Once
}

// NewResourceManager creates a new resource manager
func NewResourceManager(limits ResourceLimits, sampler Sampler, interval time.Duration, logger *zap.Logger) *ResourceManager {
	if sampler == nil {
		sampler = HostSampler
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &ResourceManager{
		logger:   logger.Named("resource-manager"),
		limits:   limits,
		sampler:  sampler,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Start starts the resource monitoring loop
func (rm *ResourceManager) Start(ctx context.Context) error {
	rm.logger.Info("Starting resource manager",
		zap.Float64("max_cpu", rm.limits.MaxCPU),
		zap.Float64("max_memory", rm.limits.MaxMemory))

	rm.Collect()
	go rm.monitorResources(ctx)
	return nil
}

// Stop stops the resource manager
func (rm *ResourceManager) Stop() {
	rm.stopOnce.Do(func() {
		rm.logger.Info("Stopping resource manager")
		close(rm.stop)
	})
}

// Stats returns the latest sample
func (rm *ResourceManager) Stats() Stats {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.stats
}

// Admit reports whether new work may be claimed, with a reason when not
func (rm *ResourceManager) Admit() (bool, string) {
	stats := rm.Stats()
	if rm.limits.MaxCPU > 0 && stats.CPUUsage > rm.limits.MaxCPU {
		return false, fmt.Sprintf("cpu usage %.1f%% above %.1f%%", stats.CPUUsage, rm.limits.MaxCPU)
	}
	if rm.limits.MaxMemory > 0 && stats.MemoryUsage > rm.limits.MaxMemory {
		return false, fmt.Sprintf("memory usage %.1f%% above %.1f%%", stats.MemoryUsage, rm.limits.MaxMemory)
	}
	return true, ""
}

// monitorResources monitors system resource usage
func (rm *ResourceManager) monitorResources(ctx context.Context) {
	ticker := time.NewTicker(rm.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-rm.stop:
			return
		case <-ticker.C:
			rm.Collect()
		}
	}
}

// Collect takes a sample now
func (rm *ResourceManager) Collect() {
	cpuUsage, memUsage, err := rm.sampler()
	if err != nil {
		rm.logger.Error("Failed to collect resource stats", zap.Error(err))
		return
	}

	rm.mu.Lock()
	rm.stats = Stats{
		CPUUsage:    cpuUsage,
		MemoryUsage: memUsage,
		CollectedAt: time.Now(),
	}
	rm.mu.Unlock()

	rm.logger.Debug("Resource stats collected",
		zap.Float64("cpu_usage", cpuUsage),
		zap.Float64("memory_usage", memUsage))
}
