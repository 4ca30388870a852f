package collector

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/sensors"
)

// HostProvider reads metrics from the local host through gopsutil.
type HostProvider struct {
	// CPUSampleInterval is passed to cpu.Percent. Zero compares against the
	// previous call, which matches a periodic sampler.
	CPUSampleInterval time.Duration

	// KnownCategories are sensor families whose names may contain an
	// underscore (cpu_thermal); keys are matched against them before splitting.
	KnownCategories []string
}

// NewHostProvider creates a HostProvider.
func NewHostProvider(knownCategories []string) *HostProvider {
	return &HostProvider{KnownCategories: knownCategories}
}

// DiskUsage implements Provider.
func (h *HostProvider) DiskUsage(ctx context.Context, path string) (DiskUsage, error) {
	u, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return DiskUsage{}, err
	}
	return DiskUsage{Used: u.Used, Free: u.Free}, nil
}

// CPUPercent implements Provider.
func (h *HostProvider) CPUPercent(ctx context.Context) (float64, error) {
	percents, err := cpu.PercentWithContext(ctx, h.CPUSampleInterval, false)
	if err != nil {
		return 0, err
	}
	if len(percents) == 0 {
		return 0, errors.New("no cpu percent reported")
	}
	return percents[0], nil
}

// CPUFrequencyMHz implements Provider. The mean over all reported processors
// is returned; hosts that hide frequency report zero.
func (h *HostProvider) CPUFrequencyMHz(ctx context.Context) (float64, error) {
	infos, err := cpu.InfoWithContext(ctx)
	if err != nil {
		return 0, err
	}
	if len(infos) == 0 {
		return 0, nil
	}
	var sum float64
	for _, info := range infos {
		sum += info.Mhz
	}
	return sum / float64(len(infos)), nil
}

// CPUCount implements Provider.
func (h *HostProvider) CPUCount(ctx context.Context) (int, error) {
	return cpu.CountsWithContext(ctx, true)
}

// VirtualMemory implements Provider.
func (h *HostProvider) VirtualMemory(ctx context.Context) (VirtualMemory, error) {
	v, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return VirtualMemory{}, err
	}
	return VirtualMemory{
		Total:       v.Total,
		Used:        v.Used,
		Available:   v.Available,
		UsedPercent: v.UsedPercent,
	}, nil
}

// SwapMemory implements Provider.
func (h *HostProvider) SwapMemory(ctx context.Context) (SwapMemory, error) {
	s, err := mem.SwapMemoryWithContext(ctx)
	if err != nil {
		return SwapMemory{}, err
	}
	return SwapMemory{
		Total:       s.Total,
		Used:        s.Used,
		Free:        s.Free,
		UsedPercent: s.UsedPercent,
	}, nil
}

// NetIOCounters implements Provider.
func (h *HostProvider) NetIOCounters(ctx context.Context) (NetIOCounters, error) {
	stats, err := net.IOCountersWithContext(ctx, false)
	if err != nil {
		return NetIOCounters{}, err
	}
	if len(stats) == 0 {
		return NetIOCounters{}, errors.New("no network counters reported")
	}
	s := stats[0]
	return NetIOCounters{
		BytesSent:   s.BytesSent,
		BytesRecv:   s.BytesRecv,
		PacketsSent: s.PacketsSent,
		PacketsRecv: s.PacketsRecv,
		ErrIn:       s.Errin,
		ErrOut:      s.Errout,
		DropIn:      s.Dropin,
		DropOut:     s.Dropout,
	}, nil
}

// Temperatures implements Provider. gopsutil reports partial failures as
// warnings alongside the readings it could take; those readings are kept.
func (h *HostProvider) Temperatures(ctx context.Context) (map[string][]TemperatureReading, error) {
	stats, err := sensors.TemperaturesWithContext(ctx)
	if err != nil && len(stats) == 0 {
		return nil, err
	}

	keys := make([]string, 0, len(stats))
	values := make([]float64, 0, len(stats))
	for _, s := range stats {
		keys = append(keys, s.SensorKey)
		values = append(values, s.Temperature)
	}
	return groupSensors(keys, values, h.KnownCategories), nil
}

// groupSensors turns flat "category_label" sensor keys into readings grouped
// by category. Duplicate labels within a category get a numeric suffix.
func groupSensors(keys []string, values []float64, known []string) map[string][]TemperatureReading {
	grouped := make(map[string][]TemperatureReading)
	seen := make(map[string]int)

	for i, key := range keys {
		v := values[i]
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}

		category, label := splitSensorKey(key, known)
		if label == "" {
			label = "temp"
		}
		id := category + "\x00" + label
		seen[id]++
		if n := seen[id]; n > 1 {
			label = fmt.Sprintf("%s#%d", label, n)
		}

		grouped[category] = append(grouped[category], TemperatureReading{Label: label, Celsius: v})
	}

	return grouped
}

func splitSensorKey(key string, known []string) (category, label string) {
	for _, k := range known {
		if key == k {
			return k, ""
		}
		if strings.HasPrefix(key, k+"_") {
			return k, strings.TrimPrefix(key, k+"_")
		}
	}
	if i := strings.IndexByte(key, '_'); i > 0 {
		return key[:i], key[i+1:]
	}
	return key, ""
}
