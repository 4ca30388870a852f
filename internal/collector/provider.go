// Package collector reads host metrics from the platform and assembles them
// into snapshots.
package collector

import (
	"context"
	"fmt"
)

// Provider is the platform metrics source consumed by the Builder.
type Provider interface {
	// DiskUsage returns byte usage of the filesystem mounted at path.
	DiskUsage(ctx context.Context, path string) (DiskUsage, error)

	// CPUPercent returns overall busy percent.
	CPUPercent(ctx context.Context) (float64, error)

	// CPUFrequencyMHz returns the current processor frequency.
	CPUFrequencyMHz(ctx context.Context) (float64, error)

	// CPUCount returns the number of logical processors.
	CPUCount(ctx context.Context) (int, error)

	VirtualMemory(ctx context.Context) (VirtualMemory, error)
	SwapMemory(ctx context.Context) (SwapMemory, error)

	// NetIOCounters returns counters summed over all interfaces.
	NetIOCounters(ctx context.Context) (NetIOCounters, error)

	// Temperatures returns readings grouped by sensor category. Hosts without
	// sensors return an empty map and no error.
	Temperatures(ctx context.Context) (map[string][]TemperatureReading, error)
}

// DiskUsage is raw filesystem usage in bytes.
type DiskUsage struct {
	Used uint64
	Free uint64
}

// VirtualMemory is raw memory usage in bytes.
type VirtualMemory struct {
	Total       uint64
	Used        uint64
	Available   uint64
	UsedPercent float64
}

// SwapMemory is raw swap usage in bytes.
type SwapMemory struct {
	Total       uint64
	Used        uint64
	Free        uint64
	UsedPercent float64
}

// NetIOCounters are cumulative counters since boot.
type NetIOCounters struct {
	BytesSent   uint64
	BytesRecv   uint64
	PacketsSent uint64
	PacketsRecv uint64
	ErrIn       uint64
	ErrOut      uint64
	DropIn      uint64
	DropOut     uint64
}

// TemperatureReading is one sensor's current value.
type TemperatureReading struct {
	Label   string
	Celsius float64
}

// Error reports a failed metric category. It aborts the tick.
type Error struct {
	Category string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("collecting %s: %v", e.Category, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
