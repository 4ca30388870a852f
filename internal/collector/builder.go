package collector

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/resource-logger/resource-logger/internal/model"
)

// Options configures a Builder.
type Options struct {
	// DiskPath is the monitored mount point.
	DiskPath string

	// TemperatureCategories is the preference list for the average CPU
	// temperature; the first category with readings wins.
	TemperatureCategories []string

	// Clock returns the snapshot timestamp. Defaults to time.Now.
	Clock func() time.Time
}

// Builder assembles one MetricSnapshot per call from a Provider.
type Builder struct {
	provider   Provider
	diskPath   string
	categories []string
	now        func() time.Time
	logger     *zap.Logger
}

// NewBuilder creates a Builder.
func NewBuilder(p Provider, opts Options, logger *zap.Logger) *Builder {
	if opts.DiskPath == "" {
		opts.DiskPath = "/"
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{
		provider:   p,
		diskPath:   opts.DiskPath,
		categories: opts.TemperatureCategories,
		now:        opts.Clock,
		logger:     logger,
	}
}

// Build takes one reading from every category. A failure in disk, CPU,
// memory, swap or network fails the whole build with an *Error; temperature
// problems only leave the temperature fields absent.
func (b *Builder) Build(ctx context.Context) (*model.MetricSnapshot, error) {
	ts := b.now()

	du, err := b.provider.DiskUsage(ctx, b.diskPath)
	if err != nil {
		return nil, &Error{Category: "disk", Err: err}
	}

	cpuPercent, err := b.provider.CPUPercent(ctx)
	if err != nil {
		return nil, &Error{Category: "cpu percent", Err: err}
	}
	mhz, err := b.provider.CPUFrequencyMHz(ctx)
	if err != nil {
		return nil, &Error{Category: "cpu frequency", Err: err}
	}
	cores, err := b.provider.CPUCount(ctx)
	if err != nil {
		return nil, &Error{Category: "cpu count", Err: err}
	}

	vm, err := b.provider.VirtualMemory(ctx)
	if err != nil {
		return nil, &Error{Category: "memory", Err: err}
	}
	sw, err := b.provider.SwapMemory(ctx)
	if err != nil {
		return nil, &Error{Category: "swap", Err: err}
	}

	nc, err := b.provider.NetIOCounters(ctx)
	if err != nil {
		return nil, &Error{Category: "network", Err: err}
	}

	temps := b.temperatures(ctx)

	snap := &model.MetricSnapshot{
		Timestamp: ts,
		Disk: model.DiskStats{
			Path:   b.diskPath,
			UsedGB: model.ToGiB(du.Used),
			FreeGB: model.ToGiB(du.Free),
		},
		CPU: model.CPUStats{
			UsagePercent: model.Round2(model.ClampPercent(cpuPercent)),
			FrequencyGHz: model.MHzToGHz(max(mhz, 0)),
			LogicalCores: max(cores, 0),
		},
		Memory: model.MemoryStats{
			TotalGB:     model.ToGiB(vm.Total),
			UsedGB:      model.ToGiB(vm.Used),
			AvailableGB: model.ToGiB(vm.Available),
			Percent:     model.Round2(model.ClampPercent(vm.UsedPercent)),
		},
		Swap: model.SwapStats{
			TotalGB: model.ToGiB(sw.Total),
			UsedGB:  model.ToGiB(sw.Used),
			FreeGB:  model.ToGiB(sw.Free),
			Percent: model.Round2(model.ClampPercent(sw.UsedPercent)),
		},
		Network: model.NetworkStats{
			BytesSent:   nc.BytesSent,
			BytesRecv:   nc.BytesRecv,
			PacketsSent: nc.PacketsSent,
			PacketsRecv: nc.PacketsRecv,
			ErrIn:       nc.ErrIn,
			ErrOut:      nc.ErrOut,
			DropIn:      nc.DropIn,
			DropOut:     nc.DropOut,
		},
		Temperature:       temps,
		AvgCPUTemperature: AverageTemperature(temps, b.categories),
	}

	if err := snap.Validate(); err != nil {
		return nil, fmt.Errorf("invalid snapshot: %w", err)
	}

	return snap, nil
}

// temperatures reads sensors, degrading to nil on any error or panic from the
// platform layer.
func (b *Builder) temperatures(ctx context.Context) (out map[string]map[string]float64) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Debug("temperature sensors panicked", zap.Any("panic", r))
			out = nil
		}
	}()

	readings, err := b.provider.Temperatures(ctx)
	if err != nil {
		b.logger.Debug("temperature sensors unavailable", zap.Error(err))
		return nil
	}

	for category, list := range readings {
		labels := make(map[string]float64, len(list))
		for _, r := range list {
			if math.IsNaN(r.Celsius) || math.IsInf(r.Celsius, 0) {
				b.logger.Debug("skipping non-finite temperature reading",
					zap.String("category", category), zap.String("label", r.Label))
				continue
			}
			labels[r.Label] = r.Celsius
		}
		if len(labels) == 0 {
			continue
		}
		if out == nil {
			out = make(map[string]map[string]float64, len(readings))
		}
		out[category] = labels
	}
	return out
}

// AverageTemperature returns the unweighted mean, rounded to 2 decimals, of
// the first category in preference order that has finite readings. It
// returns nil when none of the preferred categories has any.
func AverageTemperature(temps map[string]map[string]float64, preference []string) *float64 {
	for _, category := range preference {
		var sum float64
		var n int
		for _, v := range temps[category] {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			sum += v
			n++
		}
		if n == 0 {
			continue
		}
		avg := model.Round2(sum / float64(n))
		return &avg
	}
	return nil
}
