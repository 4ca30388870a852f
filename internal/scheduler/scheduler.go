// Package scheduler drives the collect-then-persist loop, one tick at a time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/resource-logger/resource-logger/internal/model"
)

// DefaultTickTimeout is the default timeout for one collect-and-persist tick.
const DefaultTickTimeout = 30 * time.Second

// ErrTickInProgress is returned by RunOnce when another tick has not finished.
var ErrTickInProgress = errors.New("tick already in progress")

// Collector produces one snapshot per tick.
type Collector interface {
	Build(ctx context.Context) (*model.MetricSnapshot, error)
}

// Writer persists a snapshot to every enabled sink.
type Writer interface {
	Write(ctx context.Context, snap *model.MetricSnapshot) error
}

// Status is a point-in-time view of the loop, safe to serve from other goroutines.
type Status struct {
	Running     bool
	Ticks       uint64
	Failures    uint64
	LastTick    time.Time
	LastSuccess time.Time
	LastError   string
}

// Scheduler runs ticks serially. The next wake-up is computed from the end of
// the previous tick, so a slow tick delays the following one instead of
// causing a burst of catch-up ticks.
type Scheduler struct {
	collector   Collector
	writer      Writer
	schedule    cron.Schedule
	tickTimeout time.Duration
	logger      *zap.Logger

	mu      sync.Mutex
	running bool
	status  Status

	ticking atomic.Bool
}

// intervalSchedule fires a fixed duration after the given time.
// cron.Every is not used because it truncates to whole seconds.
type intervalSchedule time.Duration

func (d intervalSchedule) Next(t time.Time) time.Time {
	return t.Add(time.Duration(d))
}

// ParseSchedule returns the schedule for a 6-field cron expression (seconds
// first), or a fixed interval when expr is empty.
func ParseSchedule(expr string, interval time.Duration) (cron.Schedule, error) {
	if expr == "" {
		if interval <= 0 {
			return nil, fmt.Errorf("interval must be positive, got %v", interval)
		}
		return intervalSchedule(interval), nil
	}
	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parsing cron expression %q: %w", expr, err)
	}
	return sched, nil
}

// New creates a new Scheduler.
func New(c Collector, w Writer, schedule cron.Schedule, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		collector:   c,
		writer:      w,
		schedule:    schedule,
		tickTimeout: DefaultTickTimeout,
		logger:      logger,
	}
}

// SetTickTimeout sets the timeout for each tick.
func (s *Scheduler) SetTickTimeout(timeout time.Duration) {
	if timeout > 0 {
		s.tickTimeout = timeout
	}
}

// Run ticks immediately, then sleeps until the next scheduled time, until ctx
// is cancelled. A tick in flight when ctx is cancelled runs to completion.
// Tick failures are logged and never end the loop.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("scheduler already running")
	}
	s.running = true
	s.status.Running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.status.Running = false
		s.mu.Unlock()
	}()

	s.logger.Info("scheduler started")
	for {
		_ = s.RunOnce(ctx)

		if ctx.Err() != nil {
			s.logger.Info("scheduler stopped")
			return nil
		}

		now := time.Now()
		timer := time.NewTimer(s.schedule.Next(now).Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("scheduler stopped")
			return nil
		case <-timer.C:
		}
	}
}

// RunOnce executes one tick: collect a snapshot, then hand it to the writer.
// A collection fault aborts the tick before any sink is touched.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	if !s.ticking.CompareAndSwap(false, true) {
		s.logger.Warn("tick already in progress, skipping this run")
		return ErrTickInProgress
	}
	defer s.ticking.Store(false)

	// Shutdown must not interrupt a half-written tick.
	tickCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.tickTimeout)
	defer cancel()

	start := time.Now()
	ts, err := s.tick(tickCtx)
	elapsed := time.Since(start)

	tickDuration.Observe(elapsed.Seconds())
	s.record(start, err)

	if err != nil {
		ticksTotal.WithLabelValues("failed").Inc()
		if errors.Is(err, context.DeadlineExceeded) {
			s.logger.Error("tick failed", zap.Duration("timeout", s.tickTimeout), zap.Error(err))
		} else {
			s.logger.Error("tick failed", zap.Error(err))
		}
		return err
	}

	ticksTotal.WithLabelValues("ok").Inc()
	s.logger.Info("tick ok", zap.String("timestamp", ts), zap.Duration("elapsed", elapsed))
	return nil
}

func (s *Scheduler) tick(ctx context.Context) (ts string, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("tick panicked", zap.Any("panic", r), zap.Stack("panic_stack"))
			err = fmt.Errorf("tick panicked: %v", r)
		}
	}()

	snap, err := s.collector.Build(ctx)
	if err != nil {
		return "", fmt.Errorf("collecting snapshot: %w", err)
	}
	if err := s.writer.Write(ctx, snap); err != nil {
		return snap.ISOTime(), fmt.Errorf("persisting snapshot %s: %w", snap.ISOTime(), err)
	}
	return snap.ISOTime(), nil
}

func (s *Scheduler) record(at time.Time, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.status.Ticks++
	s.status.LastTick = at
	if err != nil {
		s.status.Failures++
		s.status.LastError = err.Error()
		return
	}
	s.status.LastSuccess = at
	s.status.LastError = ""
}

// Status returns a copy of the current loop status.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// IsRunning returns whether Run is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// IsTicking returns whether a tick is currently in progress.
func (s *Scheduler) IsTicking() bool {
	return s.ticking.Load()
}
