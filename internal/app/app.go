// Package app wires configuration, collection, sinks and the scheduler into
// one process lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/resource-logger/resource-logger/internal/collector"
	"github.com/resource-logger/resource-logger/internal/config"
	"github.com/resource-logger/resource-logger/internal/logging"
	"github.com/resource-logger/resource-logger/internal/scheduler"
	"github.com/resource-logger/resource-logger/internal/server"
	"github.com/resource-logger/resource-logger/internal/sink"
)

// App owns every open handle for the life of the process.
type App struct {
	cfg       *config.Config
	logger    *zap.Logger
	runID     string
	sinks     *sink.Set
	scheduler *scheduler.Scheduler
	server    *server.Server

	closeOnce sync.Once
	closeErr  error
}

type options struct {
	provider collector.Provider
	schedule cron.Schedule
	clock    func() time.Time
}

// Option customizes New.
type Option func(*options)

// WithProvider replaces the host metrics provider.
func WithProvider(p collector.Provider) Option {
	return func(o *options) { o.provider = p }
}

// WithSchedule replaces the schedule derived from the configuration.
func WithSchedule(s cron.Schedule) Option {
	return func(o *options) { o.schedule = s }
}

// WithClock replaces the snapshot clock.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

// New validates cfg, creates the output directory and opens every enabled
// sink. On failure everything opened so far is closed again.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}

	runID := uuid.NewString()
	logger = logger.With(zap.String("run_id", runID))

	var opened []sink.Sink
	fail := func(err error) (*App, error) {
		for i := len(opened) - 1; i >= 0; i-- {
			_ = opened[i].Close()
		}
		return nil, err
	}

	if cfg.FileEnabled() {
		tl, err := sink.OpenTextLog(resolve(cfg.OutputDir, cfg.Files.Log))
		if err != nil {
			return fail(err)
		}
		opened = append(opened, tl)
		logger = logging.Tee(logger, tl.Core())
	}

	if cfg.CSVEnabled() {
		tab, err := sink.OpenTabular(resolve(cfg.OutputDir, cfg.Files.CSV), logger)
		if err != nil {
			return fail(err)
		}
		opened = append(opened, tab)
	}

	if cfg.DBEnabled() {
		rel, err := sink.OpenRelational(ctx, &cfg.Database, cfg.OutputDir, logger)
		if err != nil {
			return fail(err)
		}
		opened = append(opened, rel)
	}

	set := sink.NewSet(logger, opened...)

	schedule := o.schedule
	if schedule == nil {
		s, err := scheduler.ParseSchedule(cfg.Schedule.Cron, cfg.IntervalDuration())
		if err != nil {
			return fail(err)
		}
		schedule = s
	}

	provider := o.provider
	if provider == nil {
		provider = collector.NewHostProvider(cfg.Temperature.Categories)
	}
	builder := collector.NewBuilder(provider, collector.Options{
		DiskPath:              cfg.DiskPath,
		TemperatureCategories: cfg.Temperature.Categories,
		Clock:                 o.clock,
	}, logger)

	sched := scheduler.New(builder, set, schedule, logger)
	tickTimeout, _ := cfg.Schedule.TickTimeoutParsed()
	sched.SetTickTimeout(tickTimeout)

	a := &App{
		cfg:       cfg,
		logger:    logger,
		runID:     runID,
		sinks:     set,
		scheduler: sched,
	}

	if cfg.Server.Enabled {
		staleAfter := 3*cfg.IntervalDuration() + tickTimeout
		a.server = server.New(&cfg.Server, set.Pinger(), sched, staleAfter, logger)
	}

	logger.Info("resource logger started",
		zap.String("user", currentUser()),
		zap.Int("pid", os.Getpid()),
		zap.Strings("sinks", set.Names()),
		zap.Int("interval_seconds", cfg.Interval),
		zap.String("output_dir", cfg.OutputDir),
	)
	if set.Len() == 0 {
		logger.Warn("all sinks disabled; snapshots will be collected but not stored")
	}

	return a, nil
}

// RunID returns the identifier attached to every log entry of this process.
func (a *App) RunID() string {
	return a.runID
}

// Logger returns the process logger, teed into the text log when enabled.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Scheduler returns the collection loop.
func (a *App) Scheduler() *scheduler.Scheduler {
	return a.scheduler
}

// Run blocks until ctx is cancelled. The collection loop, the optional health
// server and the optional systemd watchdog run side by side; the first one to
// fail stops the others.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.scheduler.Run(gctx)
	})

	if a.server != nil {
		g.Go(func() error {
			return a.server.Run(gctx)
		})
	}

	if interval, err := daemon.SdWatchdogEnabled(false); err == nil && interval > 0 {
		g.Go(func() error {
			return a.watchdog(gctx, interval/2)
		})
	}

	a.notify(daemon.SdNotifyReady)
	err := g.Wait()
	a.notify(daemon.SdNotifyStopping)

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// RunOnce executes a single tick.
func (a *App) RunOnce(ctx context.Context) error {
	return a.scheduler.RunOnce(ctx)
}

// watchdog pings systemd while the loop keeps producing successful ticks.
func (a *App) watchdog(ctx context.Context, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	stale := 3*a.cfg.IntervalDuration() + every
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			st := a.scheduler.Status()
			if !st.LastSuccess.IsZero() && time.Since(st.LastSuccess) > stale {
				a.logger.Warn("withholding watchdog ping, no recent successful tick",
					zap.Time("last_success", st.LastSuccess))
				continue
			}
			a.notify(daemon.SdNotifyWatchdog)
		}
	}
}

func (a *App) notify(state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		a.logger.Debug("sd_notify failed", zap.String("state", state), zap.Error(err))
	}
}

// Close flushes and closes every sink. It is safe to call more than once.
func (a *App) Close() error {
	a.closeOnce.Do(func() {
		a.logger.Info("resource logger stopping", zap.Strings("sinks", a.sinks.Names()))
		a.closeErr = a.sinks.Close()
		_ = a.logger.Sync()
	})
	return a.closeErr
}

// Reset deletes stored data for every enabled sink so the next start begins
// from an empty text log, a fresh CSV header and empty tables.
func Reset(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var errs []error
	if cfg.FileEnabled() {
		errs = append(errs, sink.ResetTextLog(resolve(cfg.OutputDir, cfg.Files.Log)))
	}
	if cfg.CSVEnabled() {
		errs = append(errs, sink.ResetTabular(resolve(cfg.OutputDir, cfg.Files.CSV)))
	}
	if cfg.DBEnabled() && databaseExists(cfg) {
		errs = append(errs, sink.ResetRelational(ctx, &cfg.Database, cfg.OutputDir, logger))
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	logger.Info("stored data reset", zap.String("output_dir", cfg.OutputDir))
	return nil
}

// databaseExists avoids creating an empty sqlite file just to drop tables.
func databaseExists(cfg *config.Config) bool {
	if cfg.Database.Driver != "sqlite3" {
		return true
	}
	_, err := os.Stat(resolve(cfg.OutputDir, cfg.Database.Path))
	return err == nil
}

func resolve(dir, name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(dir, name)
}

func currentUser() string {
	u, err := user.Current()
	if err != nil {
		return "unknown"
	}
	return u.Username
}
