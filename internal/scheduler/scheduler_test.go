package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/resource-logger/resource-logger/internal/model"
)

// fixedSchedule fires a constant delay after the previous tick ends.
type fixedSchedule time.Duration

func (f fixedSchedule) Next(t time.Time) time.Time {
	return t.Add(time.Duration(f))
}

// mockCollector implements Collector for testing
type mockCollector struct {
	mu    sync.Mutex
	calls int
	build func(ctx context.Context, call int) (*model.MetricSnapshot, error)
}

func (m *mockCollector) Build(ctx context.Context) (*model.MetricSnapshot, error) {
	m.mu.Lock()
	m.calls++
	call := m.calls
	m.mu.Unlock()

	if m.build != nil {
		return m.build(ctx, call)
	}
	return &model.MetricSnapshot{Timestamp: time.Now()}, nil
}

// mockWriter implements Writer for testing
type mockWriter struct {
	mu      sync.Mutex
	err     error
	written []*model.MetricSnapshot
	onWrite func(n int)
}

func (m *mockWriter) Write(ctx context.Context, snap *model.MetricSnapshot) error {
	m.mu.Lock()
	if m.err != nil {
		m.mu.Unlock()
		return m.err
	}
	m.written = append(m.written, snap)
	n := len(m.written)
	m.mu.Unlock()

	if m.onWrite != nil {
		m.onWrite(n)
	}
	return nil
}

func (m *mockWriter) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.written)
}

func TestScheduler_TickIsolation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	collector := &mockCollector{
		build: func(ctx context.Context, call int) (*model.MetricSnapshot, error) {
			switch call {
			case 2:
				return nil, errors.New("collecting network: permission denied")
			case 3:
				// shutdown arrives mid-tick; the tick must still complete
				cancel()
			}
			return &model.MetricSnapshot{Timestamp: time.Now()}, nil
		},
	}
	writer := &mockWriter{}

	core, logs := observer.New(zap.InfoLevel)
	sched := New(collector, writer, fixedSchedule(5*time.Millisecond), zap.New(core))

	if err := sched.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if got := writer.count(); got != 2 {
		t.Errorf("written snapshots = %d, want 2", got)
	}

	status := sched.Status()
	if status.Ticks != 3 || status.Failures != 1 {
		t.Errorf("status = %+v, want 3 ticks and 1 failure", status)
	}
	if status.LastError != "" {
		t.Errorf("LastError = %q, want cleared after a successful tick", status.LastError)
	}
	if status.Running || sched.IsRunning() {
		t.Error("scheduler should not be running after Run returns")
	}

	if n := logs.FilterMessage("tick ok").Len(); n != 2 {
		t.Errorf("tick ok entries = %d, want 2", n)
	}
	failed := logs.FilterMessage("tick failed").All()
	if len(failed) != 1 {
		t.Fatalf("tick failed entries = %d, want 1", len(failed))
	}
	if !strings.Contains(failed[0].ContextMap()["error"].(string), "permission denied") {
		t.Errorf("unexpected error field: %v", failed[0].ContextMap()["error"])
	}
}

func TestScheduler_ShutdownDuringSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	firstTick := make(chan struct{})
	writer := &mockWriter{onWrite: func(n int) {
		if n == 1 {
			close(firstTick)
		}
	}}
	sched := New(&mockCollector{}, writer, fixedSchedule(time.Hour), nil)

	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	select {
	case <-firstTick:
	case <-time.After(5 * time.Second):
		t.Fatal("first tick did not happen")
	}

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return promptly after cancellation")
	}

	if got := writer.count(); got != 1 {
		t.Errorf("written snapshots = %d, want 1", got)
	}
}

func TestScheduler_RejectsConcurrentTick(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	collector := &mockCollector{
		build: func(ctx context.Context, call int) (*model.MetricSnapshot, error) {
			close(started)
			<-release
			return &model.MetricSnapshot{Timestamp: time.Now()}, nil
		},
	}
	sched := New(collector, &mockWriter{}, fixedSchedule(time.Hour), nil)

	done := make(chan error, 1)
	go func() { done <- sched.RunOnce(context.Background()) }()
	<-started

	if !sched.IsTicking() {
		t.Error("expected IsTicking to be true")
	}
	if err := sched.RunOnce(context.Background()); !errors.Is(err, ErrTickInProgress) {
		t.Errorf("RunOnce() error = %v, want ErrTickInProgress", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Errorf("first RunOnce() error = %v", err)
	}
	if sched.IsTicking() {
		t.Error("expected IsTicking to be false")
	}
}

func TestScheduler_RecoversPanic(t *testing.T) {
	collector := &mockCollector{
		build: func(ctx context.Context, call int) (*model.MetricSnapshot, error) {
			panic("sensor driver exploded")
		},
	}
	writer := &mockWriter{}
	core, logs := observer.New(zap.ErrorLevel)
	sched := New(collector, writer, fixedSchedule(time.Hour), zap.New(core))

	err := sched.RunOnce(context.Background())
	if err == nil || !strings.Contains(err.Error(), "sensor driver exploded") {
		t.Fatalf("RunOnce() error = %v, want panic error", err)
	}
	if writer.count() != 0 {
		t.Error("writer should not receive anything after a panic")
	}
	if logs.FilterMessage("tick panicked").Len() != 1 {
		t.Error("expected panic to be logged")
	}
	if sched.Status().Failures != 1 {
		t.Errorf("Failures = %d, want 1", sched.Status().Failures)
	}
}

func TestScheduler_TickTimeout(t *testing.T) {
	collector := &mockCollector{
		build: func(ctx context.Context, call int) (*model.MetricSnapshot, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	sched := New(collector, &mockWriter{}, fixedSchedule(time.Hour), nil)
	sched.SetTickTimeout(20 * time.Millisecond)

	err := sched.RunOnce(context.Background())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("RunOnce() error = %v, want deadline exceeded", err)
	}
}

func TestScheduler_WriteFailureRecorded(t *testing.T) {
	writer := &mockWriter{err: errors.New("sink csv: disk full")}
	sched := New(&mockCollector{}, writer, fixedSchedule(time.Hour), nil)

	if err := sched.RunOnce(context.Background()); err == nil {
		t.Fatal("expected error, got nil")
	}

	status := sched.Status()
	if status.Failures != 1 || !strings.Contains(status.LastError, "disk full") {
		t.Errorf("status = %+v", status)
	}
	if !status.LastSuccess.IsZero() {
		t.Error("LastSuccess should be zero")
	}
}

func TestScheduler_RunTwice(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched := New(&mockCollector{}, &mockWriter{}, fixedSchedule(time.Hour), nil)
	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for !sched.IsRunning() {
		if time.Now().After(deadline) {
			t.Fatal("scheduler did not start")
		}
		time.Sleep(time.Millisecond)
	}

	if err := sched.Run(ctx); err == nil {
		t.Error("expected second Run to fail")
	}

	cancel()
	<-done
}

func TestScheduler_IntervalSleepsFullDuration(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const interval = 150 * time.Millisecond
	schedule, err := ParseSchedule("", interval)
	if err != nil {
		t.Fatalf("ParseSchedule() error = %v", err)
	}

	var (
		mu     sync.Mutex
		starts []time.Time
		ends   []time.Time
	)
	collector := &mockCollector{
		build: func(ctx context.Context, call int) (*model.MetricSnapshot, error) {
			mu.Lock()
			starts = append(starts, time.Now())
			mu.Unlock()
			return &model.MetricSnapshot{Timestamp: time.Now()}, nil
		},
	}
	writer := &mockWriter{onWrite: func(n int) {
		mu.Lock()
		ends = append(ends, time.Now())
		mu.Unlock()
		if n == 3 {
			cancel()
		}
	}}

	sched := New(collector, writer, schedule, nil)
	if err := sched.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(starts) != 3 || len(ends) != 3 {
		t.Fatalf("ticks = %d/%d, want 3", len(starts), len(ends))
	}
	for i := 1; i < len(starts); i++ {
		if gap := starts[i].Sub(ends[i-1]); gap < interval {
			t.Errorf("sleep before tick %d = %v, want at least %v", i+1, gap, interval)
		}
	}
}

func TestParseSchedule_SubSecondBase(t *testing.T) {
	// a tick that ends just before a second boundary
	base := time.Date(2025, 6, 3, 20, 57, 53, 990_000_000, time.UTC)

	for _, interval := range []time.Duration{time.Second, 1500 * time.Millisecond, 30 * time.Second, 250 * time.Millisecond} {
		sched, err := ParseSchedule("", interval)
		if err != nil {
			t.Fatalf("ParseSchedule(%v) error = %v", interval, err)
		}
		if got := sched.Next(base).Sub(base); got != interval {
			t.Errorf("interval %v: sleep = %v, want %v", interval, got, interval)
		}
	}
}

func TestParseSchedule(t *testing.T) {
	base := time.Date(2025, 6, 3, 20, 57, 53, 0, time.UTC)

	tests := []struct {
		name     string
		expr     string
		interval time.Duration
		wantNext time.Time
		wantErr  bool
	}{
		{name: "interval", interval: 30 * time.Second, wantNext: base.Add(30 * time.Second)},
		{name: "cron every 5s", expr: "*/5 * * * * *", wantNext: base.Add(2 * time.Second)},
		{name: "descriptor", expr: "@every 1m", wantNext: base.Add(time.Minute)},
		{name: "zero interval", interval: 0, wantErr: true},
		{name: "invalid cron", expr: "not a cron", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sched, err := ParseSchedule(tt.expr, tt.interval)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseSchedule() error = %v", err)
			}
			if got := sched.Next(base); !got.Equal(tt.wantNext) {
				t.Errorf("Next() = %v, want %v", got, tt.wantNext)
			}
		})
	}
}
