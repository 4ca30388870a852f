package app

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/resource-logger/resource-logger/internal/collector"
	"github.com/resource-logger/resource-logger/internal/config"
	"github.com/resource-logger/resource-logger/internal/schema"
	"github.com/resource-logger/resource-logger/internal/sink"
)

const gib = 1 << 30

// fakeProvider implements collector.Provider with growing network counters.
type fakeProvider struct {
	mu       sync.Mutex
	netCalls int
	diskErr  error
	onNet    func(call int)
}

func (f *fakeProvider) DiskUsage(ctx context.Context, path string) (collector.DiskUsage, error) {
	if f.diskErr != nil {
		return collector.DiskUsage{}, f.diskErr
	}
	return collector.DiskUsage{Used: 100 * gib, Free: 50 * gib}, nil
}

func (f *fakeProvider) CPUPercent(ctx context.Context) (float64, error) { return 12.5, nil }

func (f *fakeProvider) CPUFrequencyMHz(ctx context.Context) (float64, error) { return 3400, nil }

func (f *fakeProvider) CPUCount(ctx context.Context) (int, error) { return 8, nil }

func (f *fakeProvider) VirtualMemory(ctx context.Context) (collector.VirtualMemory, error) {
	return collector.VirtualMemory{Total: 16 * gib, Used: 4 * gib, Available: 12 * gib, UsedPercent: 25}, nil
}

func (f *fakeProvider) SwapMemory(ctx context.Context) (collector.SwapMemory, error) {
	return collector.SwapMemory{Total: 2 * gib, Used: 0, Free: 2 * gib}, nil
}

func (f *fakeProvider) NetIOCounters(ctx context.Context) (collector.NetIOCounters, error) {
	f.mu.Lock()
	f.netCalls++
	call := f.netCalls
	f.mu.Unlock()

	if f.onNet != nil {
		f.onNet(call)
	}
	n := uint64(call)
	return collector.NetIOCounters{
		BytesSent: 1000 * n, BytesRecv: 2000 * n,
		PacketsSent: 10 * n, PacketsRecv: 20 * n,
	}, nil
}

func (f *fakeProvider) Temperatures(ctx context.Context) (map[string][]collector.TemperatureReading, error) {
	return map[string][]collector.TemperatureReading{
		"coretemp": {{Label: "core0", Celsius: 40}, {Label: "core1", Celsius: 44}, {Label: "core2", Celsius: 42}},
	}, nil
}

type fixedSchedule time.Duration

func (f fixedSchedule) Next(t time.Time) time.Time { return t.Add(time.Duration(f)) }

// steppingClock returns strictly increasing timestamps.
func steppingClock() func() time.Time {
	var mu sync.Mutex
	next := time.Date(2025, 6, 3, 20, 57, 53, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		ts := next
		next = next.Add(time.Second)
		return ts
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.OutputDir = filepath.Join(t.TempDir(), "logs")
	return cfg
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return records
}

func openDB(t *testing.T, cfg *config.Config) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(cfg.OutputDir, cfg.Database.Path))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestApp_EndToEndThreeTicks(t *testing.T) {
	cfg := testConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	provider := &fakeProvider{onNet: func(call int) {
		if call == 3 {
			cancel()
		}
	}}

	a, err := New(ctx, cfg, zaptest.NewLogger(t),
		WithProvider(provider),
		WithSchedule(fixedSchedule(5*time.Millisecond)),
		WithClock(steppingClock()),
	)
	require.NoError(t, err)
	require.NotEmpty(t, a.RunID())

	require.NoError(t, a.Run(ctx))
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	status := a.Scheduler().Status()
	assert.Equal(t, uint64(3), status.Ticks)
	assert.Zero(t, status.Failures)

	records := readCSV(t, filepath.Join(cfg.OutputDir, cfg.Files.CSV))
	require.Len(t, records, 4)
	assert.Equal(t, schema.Header(), records[0])

	var prevMillis, prevSent int64
	for i, rec := range records[1:] {
		millis, err := strconv.ParseInt(rec[1], 10, 64)
		require.NoError(t, err)
		sent, err := strconv.ParseInt(rec[15], 10, 64)
		require.NoError(t, err)
		if i > 0 {
			assert.Greater(t, millis, prevMillis, "timestamps must increase")
			assert.GreaterOrEqual(t, sent, prevSent, "counters must not decrease")
		}
		prevMillis, prevSent = millis, sent
		assert.Equal(t, "42", rec[len(rec)-1])
	}

	db := openDB(t, cfg)
	rows, err := db.Query("SELECT timestamp_unix_ms, net_bytes_sent FROM metrics ORDER BY id")
	require.NoError(t, err)
	defer rows.Close()

	var n int
	prevMillis, prevSent = 0, 0
	for rows.Next() {
		var millis, sent int64
		require.NoError(t, rows.Scan(&millis, &sent))
		assert.Greater(t, millis, prevMillis)
		assert.GreaterOrEqual(t, sent, prevSent)
		prevMillis, prevSent = millis, sent
		n++
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, 3, n)

	text, err := os.ReadFile(filepath.Join(cfg.OutputDir, cfg.Files.Log))
	require.NoError(t, err)
	assert.Contains(t, string(text), "resource logger started")
	assert.Contains(t, string(text), "tick ok")
}

func TestNew_RestartAppends(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		a, err := New(ctx, cfg, nil, WithProvider(&fakeProvider{}))
		require.NoError(t, err)
		require.NoError(t, a.RunOnce(ctx))
		require.NoError(t, a.Close())
	}

	records := readCSV(t, filepath.Join(cfg.OutputDir, cfg.Files.CSV))
	assert.Len(t, records, 3, "header once plus one row per run")

	var count int
	require.NoError(t, openDB(t, cfg).QueryRow("SELECT COUNT(*) FROM metrics").Scan(&count))
	assert.Equal(t, 2, count)
}

func TestApp_CollectionFaultWritesNothing(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	a, err := New(ctx, cfg, nil, WithProvider(&fakeProvider{diskErr: errors.New("no such mount")}))
	require.NoError(t, err)

	err = a.RunOnce(ctx)
	require.Error(t, err)
	var cerr *collector.Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "disk", cerr.Category)
	require.NoError(t, a.Close())

	records := readCSV(t, filepath.Join(cfg.OutputDir, cfg.Files.CSV))
	assert.Len(t, records, 1, "only the header")

	var count int
	require.NoError(t, openDB(t, cfg).QueryRow("SELECT COUNT(*) FROM metrics").Scan(&count))
	assert.Zero(t, count)
}

func TestNew_DisabledSinks(t *testing.T) {
	cfg := testConfig(t)
	off := false
	cfg.LogToFile, cfg.LogToCSV, cfg.LogToDB = &off, &off, &off

	a, err := New(context.Background(), cfg, nil, WithProvider(&fakeProvider{}))
	require.NoError(t, err)
	require.NoError(t, a.RunOnce(context.Background()))
	require.NoError(t, a.Close())

	entries, err := os.ReadDir(cfg.OutputDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestNew_StartupFault(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.MkdirAll(cfg.OutputDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.OutputDir, cfg.Files.CSV), []byte("a,b,c\n"), 0o644))

	_, err := New(context.Background(), cfg, nil, WithProvider(&fakeProvider{}))
	assert.ErrorIs(t, err, sink.ErrSchemaMismatch)
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Interval = 0

	_, err := New(context.Background(), cfg, nil)
	require.Error(t, err)

	_, statErr := os.Stat(cfg.OutputDir)
	assert.ErrorIs(t, statErr, os.ErrNotExist)
}

func TestReset(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	// nothing stored yet
	require.NoError(t, Reset(ctx, cfg, nil))

	a, err := New(ctx, cfg, nil, WithProvider(&fakeProvider{}))
	require.NoError(t, err)
	require.NoError(t, a.RunOnce(ctx))
	require.NoError(t, a.Close())

	require.NoError(t, Reset(ctx, cfg, nil))

	_, err = os.Stat(filepath.Join(cfg.OutputDir, cfg.Files.CSV))
	assert.ErrorIs(t, err, os.ErrNotExist)
	_, err = os.Stat(filepath.Join(cfg.OutputDir, cfg.Files.Log))
	assert.ErrorIs(t, err, os.ErrNotExist)

	var tables int
	require.NoError(t, openDB(t, cfg).QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name IN ('metrics', 'metrics_schema')").Scan(&tables))
	assert.Zero(t, tables)

	// a fresh start re-initializes everything
	a, err = New(ctx, cfg, nil, WithProvider(&fakeProvider{}))
	require.NoError(t, err)
	require.NoError(t, a.Close())
	assert.Len(t, readCSV(t, filepath.Join(cfg.OutputDir, cfg.Files.CSV)), 1)
}
