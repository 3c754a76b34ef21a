// Package metrics collects host resource utilization for heartbeat
// reporting.
package metrics

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"go.uber.org/zap"

	"github.com/forgerun/runner/internal/wire"
)

// Collector samples CPU/mem/disk utilization. diskPath is the filesystem the
// disk percentage is sampled against — typically the workspace base path.
type Collector struct {
	diskPath string
	logger   *zap.Logger
}

// New creates a Collector that reports disk usage for diskPath.
func New(diskPath string, logger *zap.Logger) *Collector {
	return &Collector{diskPath: diskPath, logger: logger.Named("metrics")}
}

// Collect returns a snapshot of current host resource usage. Any single
// metric that fails to sample is reported as zero and logged at warn level
// — a heartbeat with partial metrics is still useful, a dropped heartbeat
// is not.
func (c *Collector) Collect(ctx context.Context) wire.SystemInfo {
	info := wire.SystemInfo{}

	cpuPercents, err := cpu.PercentWithContext(ctx, 200*time.Millisecond, false)
	if err != nil {
		c.logger.Warn("failed to sample cpu percent", zap.Error(err))
	} else if len(cpuPercents) > 0 {
		info.CPUPercent = cpuPercents[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		c.logger.Warn("failed to sample memory", zap.Error(err))
	} else {
		info.MemPercent = vm.UsedPercent
	}

	du, err := disk.UsageWithContext(ctx, c.diskPath)
	if err != nil {
		c.logger.Warn("failed to sample disk usage", zap.Error(err), zap.String("path", c.diskPath))
	} else {
		info.DiskPercent = du.UsedPercent
	}

	return info
}
