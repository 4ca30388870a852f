// resource-logger samples host resource usage on a fixed interval and
// appends every snapshot to a text log, a CSV file and a SQL table.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/resource-logger/resource-logger/internal/app"
	"github.com/resource-logger/resource-logger/internal/config"
	"github.com/resource-logger/resource-logger/internal/logging"
)

const name = "resource-logger"

var (
	// Version information (set at build time via -ldflags)
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", name, err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cli.Command {
	return &cli.Command{
		Name:    name,
		Usage:   "Periodically log disk, CPU, memory, swap, network and temperature metrics",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to configuration file",
				Sources: cli.EnvVars("RESOURCE_LOGGER_CONFIG"),
				Value:   config.DefaultPath,
			},
			&cli.IntFlag{
				Name:    "interval",
				Usage:   "Seconds between samples (overrides the configuration file)",
				Sources: cli.EnvVars("RESOURCE_LOGGER_INTERVAL"),
			},
			&cli.BoolFlag{
				Name:  "once",
				Usage: "Take a single sample and exit",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Console log level (debug, info, warn, error)",
				Sources: cli.EnvVars("RESOURCE_LOGGER_LOG_LEVEL"),
			},
		},
		Action: runAction,
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Sample until interrupted (default)",
				Action: runAction,
			},
			{
				Name:   "reset",
				Usage:  "Delete the text log, the CSV file and the database tables",
				Action: resetAction,
			},
			{
				Name:  "version",
				Usage: "Show version information",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					fmt.Printf("%s %s (commit: %s, built: %s)\n", name, version, commit, buildDate)
					return nil
				},
			},
		},
	}
}

func runAction(ctx context.Context, cmd *cli.Command) (err error) {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		return err
	}
	defer closeApp(a, logger, &err)

	if cmd.Bool("once") {
		if err := a.RunOnce(ctx); err != nil {
			return fmt.Errorf("single sample failed: %w", err)
		}
		return nil
	}

	if err := a.Run(ctx); err != nil {
		return err
	}
	logger.Info("interrupted, exiting")
	return nil
}

// closeApp closes c and reports its error through errp unless an earlier
// error is already being returned.
func closeApp(c io.Closer, logger *zap.Logger, errp *error) {
	cerr := c.Close()
	if cerr == nil {
		return
	}
	logger.Error("shutdown failed", zap.Error(cerr))
	if *errp == nil {
		*errp = fmt.Errorf("closing sinks: %w", cerr)
	}
}

func resetAction(ctx context.Context, cmd *cli.Command) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	return app.Reset(ctx, cfg, logger)
}

// setup loads the configuration, applies flag overrides and builds the
// console logger. A missing config file at the default path is not an error.
func setup(cmd *cli.Command) (*config.Config, *zap.Logger, error) {
	path := cmd.String("config")
	cfg, err := config.Load(path)
	switch {
	case errors.Is(err, os.ErrNotExist) && !cmd.IsSet("config"):
		cfg = config.Default()
	case err != nil:
		return nil, nil, fmt.Errorf("loading configuration: %w", err)
	}

	if cmd.IsSet("interval") {
		cfg.Interval = int(cmd.Int("interval"))
	}
	if level := cmd.String("log-level"); level != "" {
		cfg.Logging.Level = level
	}

	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.NewConsole(cfg.Logging.Level)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("configuration loaded",
		zap.String("version", version),
		zap.String("config", path),
		zap.Bool("config_file", fileExists(path)),
	)
	return cfg, logger, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
