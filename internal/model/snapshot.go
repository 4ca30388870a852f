// Package model defines the core data structures used by resource-logger.
package model

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"
)

// BytesPerGiB is the binary gigabyte divisor used for every capacity field.
const BytesPerGiB = 1073741824

// ISOTimestampLayout is the human-readable timestamp rendering shared by all sinks.
const ISOTimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// MetricSnapshot is the complete set of host readings taken at one tick.
// A snapshot is immutable once built; sinks must not modify it.
type MetricSnapshot struct {
	// Timestamp is when the snapshot was taken.
	Timestamp time.Time `json:"timestamp"`

	Disk    DiskStats    `json:"disk"`
	CPU     CPUStats     `json:"cpu"`
	Memory  MemoryStats  `json:"memory"`
	Swap    SwapStats    `json:"swap"`
	Network NetworkStats `json:"network"`

	// Temperature maps sensor category to sensor label to degrees Celsius.
	// Nil when the platform exposes no sensors.
	Temperature map[string]map[string]float64 `json:"temperature,omitempty"`

	// AvgCPUTemperature is the mean of the designated core-temperature category.
	// Nil when that category has no readings.
	AvgCPUTemperature *float64 `json:"avg_cpu_temperature,omitempty"`
}

// DiskStats holds usage of the monitored mount point in GiB.
type DiskStats struct {
	Path   string  `json:"path"`
	UsedGB float64 `json:"used_gb"`
	FreeGB float64 `json:"free_gb"`
}

// CPUStats holds processor utilization.
type CPUStats struct {
	UsagePercent float64 `json:"usage_percent"`
	FrequencyGHz float64 `json:"frequency_ghz"`
	LogicalCores int     `json:"logical_cores"`
}

// MemoryStats holds virtual memory figures in GiB.
type MemoryStats struct {
	TotalGB     float64 `json:"total_gb"`
	UsedGB      float64 `json:"used_gb"`
	AvailableGB float64 `json:"available_gb"`
	Percent     float64 `json:"percent"`
}

// SwapStats holds swap figures in GiB.
type SwapStats struct {
	TotalGB float64 `json:"total_gb"`
	UsedGB  float64 `json:"used_gb"`
	FreeGB  float64 `json:"free_gb"`
	Percent float64 `json:"percent"`
}

// NetworkStats holds cumulative interface counters since boot.
type NetworkStats struct {
	BytesSent   uint64 `json:"bytes_sent"`
	BytesRecv   uint64 `json:"bytes_recv"`
	PacketsSent uint64 `json:"packets_sent"`
	PacketsRecv uint64 `json:"packets_recv"`
	ErrIn       uint64 `json:"errin"`
	ErrOut      uint64 `json:"errout"`
	DropIn      uint64 `json:"dropin"`
	DropOut     uint64 `json:"dropout"`
}

// ISOTime returns the timestamp in ISO-8601 form.
func (m *MetricSnapshot) ISOTime() string {
	return m.Timestamp.Format(ISOTimestampLayout)
}

// UnixMillis returns the timestamp as sortable Unix milliseconds.
func (m *MetricSnapshot) UnixMillis() int64 {
	return m.Timestamp.UnixMilli()
}

// HasTemperature reports whether any sensor reading is present.
func (m *MetricSnapshot) HasTemperature() bool {
	for _, readings := range m.Temperature {
		if len(readings) > 0 {
			return true
		}
	}
	return false
}

// TemperatureCategories returns the sensor categories in sorted order.
func (m *MetricSnapshot) TemperatureCategories() []string {
	categories := make([]string, 0, len(m.Temperature))
	for c := range m.Temperature {
		categories = append(categories, c)
	}
	sort.Strings(categories)
	return categories
}

// Validate checks value ranges of a built snapshot.
func (m *MetricSnapshot) Validate() error {
	var errs []error

	if m.Timestamp.IsZero() {
		errs = append(errs, errors.New("timestamp is zero"))
	}

	nonNegative := map[string]float64{
		"disk.used_gb":        m.Disk.UsedGB,
		"disk.free_gb":        m.Disk.FreeGB,
		"cpu.frequency_ghz":   m.CPU.FrequencyGHz,
		"cpu.logical_cores":   float64(m.CPU.LogicalCores),
		"memory.total_gb":     m.Memory.TotalGB,
		"memory.used_gb":      m.Memory.UsedGB,
		"memory.available_gb": m.Memory.AvailableGB,
		"swap.total_gb":       m.Swap.TotalGB,
		"swap.used_gb":        m.Swap.UsedGB,
		"swap.free_gb":        m.Swap.FreeGB,
	}
	for _, name := range sortedKeys(nonNegative) {
		if v := nonNegative[name]; v < 0 || math.IsNaN(v) {
			errs = append(errs, fmt.Errorf("%s must be non-negative, got %v", name, v))
		}
	}

	percents := map[string]float64{
		"cpu.usage_percent": m.CPU.UsagePercent,
		"memory.percent":    m.Memory.Percent,
		"swap.percent":      m.Swap.Percent,
	}
	for _, name := range sortedKeys(percents) {
		if v := percents[name]; v < 0 || v > 100 || math.IsNaN(v) {
			errs = append(errs, fmt.Errorf("%s must be within [0,100], got %v", name, v))
		}
	}

	if m.AvgCPUTemperature != nil && math.IsNaN(*m.AvgCPUTemperature) {
		errs = append(errs, errors.New("avg_cpu_temperature is NaN"))
	}

	return errors.Join(errs...)
}

// ToGiB converts a byte count to binary gigabytes rounded to 2 decimals.
func ToGiB(bytes uint64) float64 {
	return Round2(float64(bytes) / BytesPerGiB)
}

// MHzToGHz converts a frequency in MHz to GHz rounded to 2 decimals.
func MHzToGHz(mhz float64) float64 {
	return Round2(mhz / 1000)
}

// Round2 rounds v to 2 decimal places.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// ClampPercent bounds v to [0,100].
func ClampPercent(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
