package sink

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap/zapcore"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/resource-logger/resource-logger/internal/logging"
	"github.com/resource-logger/resource-logger/internal/model"
)

// TextLog appends one human-readable block per tick to a log file.
type TextLog struct {
	path    string
	file    *os.File
	out     *appendFile
	core    zapcore.Core
	printer *message.Printer

	mu     sync.Mutex
	closed bool
}

// OpenTextLog opens (or creates) the text log at path for appending.
func OpenTextLog(path string) (*TextLog, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening text log: %w", err)
	}
	out := newAppendFile(f)
	return &TextLog{
		path:    path,
		file:    f,
		out:     out,
		core:    logging.NewFileCore(out),
		printer: message.NewPrinter(language.English),
	}, nil
}

// Name returns the sink name.
func (t *TextLog) Name() string {
	return "textlog"
}

// Core exposes the file core so diagnostics can be teed into the same log.
func (t *TextLog) Core() zapcore.Core {
	return t.core
}

// Write appends the rendered snapshot as a single log entry. An entry that
// cannot be written completely is removed again.
func (t *TextLog) Write(ctx context.Context, snap *model.MetricSnapshot) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return os.ErrClosed
	}

	entry := zapcore.Entry{
		Level:   zapcore.InfoLevel,
		Time:    snap.Timestamp,
		Message: "resource snapshot\n" + t.render(snap),
	}
	if err := t.core.Write(entry, nil); err != nil {
		return fmt.Errorf("writing text log entry: %w", err)
	}
	return t.core.Sync()
}

// Close syncs and closes the log file.
func (t *TextLog) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	_ = t.core.Sync()
	return t.file.Close()
}

func (t *TextLog) render(m *model.MetricSnapshot) string {
	p := t.printer
	var sb strings.Builder

	sb.WriteString(p.Sprintf("  timestamp:   %s (unix_ms %d)\n", m.ISOTime(), m.UnixMillis()))
	sb.WriteString(p.Sprintf("  disk:        %s used %.2f GB, free %.2f GB\n", m.Disk.Path, m.Disk.UsedGB, m.Disk.FreeGB))
	sb.WriteString(p.Sprintf("  cpu:         usage %.2f%%, frequency %.2f GHz, logical cpus %d\n",
		m.CPU.UsagePercent, m.CPU.FrequencyGHz, m.CPU.LogicalCores))
	sb.WriteString(p.Sprintf("  memory:      total %.2f GB, used %.2f GB, available %.2f GB, %.2f%%\n",
		m.Memory.TotalGB, m.Memory.UsedGB, m.Memory.AvailableGB, m.Memory.Percent))
	sb.WriteString(p.Sprintf("  swap:        total %.2f GB, used %.2f GB, free %.2f GB, %.2f%%\n",
		m.Swap.TotalGB, m.Swap.UsedGB, m.Swap.FreeGB, m.Swap.Percent))
	sb.WriteString(p.Sprintf("  network:     sent %d bytes / %d packets, received %d bytes / %d packets\n",
		m.Network.BytesSent, m.Network.PacketsSent, m.Network.BytesRecv, m.Network.PacketsRecv))
	sb.WriteString(p.Sprintf("               errors in %d out %d, dropped in %d out %d\n",
		m.Network.ErrIn, m.Network.ErrOut, m.Network.DropIn, m.Network.DropOut))

	if m.AvgCPUTemperature != nil {
		sb.WriteString(p.Sprintf("  cpu temp:    %.2f °C average\n", *m.AvgCPUTemperature))
	} else {
		sb.WriteString("  cpu temp:    unavailable\n")
	}

	for _, category := range m.TemperatureCategories() {
		readings := m.Temperature[category]
		labels := make([]string, 0, len(readings))
		for label := range readings {
			labels = append(labels, label)
		}
		sort.Strings(labels)
		for _, label := range labels {
			sb.WriteString(p.Sprintf("    %s/%s: %.1f °C\n", category, label, readings[label]))
		}
	}

	return strings.TrimSuffix(sb.String(), "\n")
}

// ResetTextLog removes the text log file.
func ResetTextLog(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing text log: %w", err)
	}
	return nil
}
