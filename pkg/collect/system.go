package collect

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/net"

	"github.com/terminusa/monitor/pkg/metric"
)

// Metric names emitted by the system collector.
const (
	MetricCPUPercent    = "system.cpu.percent"
	MetricMemoryPercent = "system.memory.percent"
	MetricDiskPercent   = "system.disk.percent"
	MetricNetBytesSent  = "system.net.bytes_sent"
	MetricNetBytesRecv  = "system.net.bytes_recv"
)

// SystemCollector samples host CPU, memory, disk, and network counters
// via gopsutil.
type SystemCollector struct {
	// DiskPath is the mount point measured for disk usage.
	DiskPath string
}

// NewSystemCollector measures the root filesystem by default.
func NewSystemCollector() *SystemCollector {
	return &SystemCollector{DiskPath: "/"}
}

// Class implements Collector.
func (c *SystemCollector) Class() metric.Class {
	return metric.ClassSystem
}

// Collect samples host resources. Partial failures fail the whole pass;
// the runner logs and retries on the next tick.
func (c *SystemCollector) Collect(ctx context.Context) ([]metric.Sample, error) {
	now := time.Now().UTC()

	cpuPercents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return nil, &CollectionError{Source: "cpu", Err: err}
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, &CollectionError{Source: "memory", Err: err}
	}
	du, err := disk.UsageWithContext(ctx, c.DiskPath)
	if err != nil {
		return nil, &CollectionError{Source: "disk", Err: err}
	}
	counters, err := net.IOCountersWithContext(ctx, false)
	if err != nil {
		return nil, &CollectionError{Source: "network", Err: err}
	}

	samples := []metric.Sample{
		{Metric: MetricMemoryPercent, Timestamp: now, Value: vm.UsedPercent},
		{Metric: MetricDiskPercent, Timestamp: now, Value: du.UsedPercent},
	}
	if len(cpuPercents) > 0 {
		samples = append(samples, metric.Sample{
			Metric: MetricCPUPercent, Timestamp: now, Value: cpuPercents[0],
		})
	}
	if len(counters) > 0 {
		samples = append(samples,
			metric.Sample{Metric: MetricNetBytesSent, Timestamp: now, Value: float64(counters[0].BytesSent)},
			metric.Sample{Metric: MetricNetBytesRecv, Timestamp: now, Value: float64(counters[0].BytesRecv)},
		)
	}
	return samples, nil
}
