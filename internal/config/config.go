// Package config provides configuration loading and management for resource-logger.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// DefaultPath is the configuration file looked up when none is given.
const DefaultPath = "config.yaml"

// DefaultInterval is the number of seconds between ticks when unset.
const DefaultInterval = 30

// DefaultTemperatureCategories is the sensor family preference used for the
// average CPU temperature: Intel first, then AMD, then ARM SoC sensors.
var DefaultTemperatureCategories = []string{"coretemp", "k10temp", "zenpower", "cpu_thermal"}

// Config represents the complete application configuration.
type Config struct {
	// Interval is the number of seconds between ticks.
	Interval int `yaml:"interval"`

	LogToFile       *bool `yaml:"log_to_file"`
	LogToCSV        *bool `yaml:"log_to_csv"`
	LogToTabular    *bool `yaml:"log_to_tabular"`
	LogToDB         *bool `yaml:"log_to_db"`
	LogToRelational *bool `yaml:"log_to_relational"`

	// Alert thresholds are reserved and only range-checked.
	CPUThreshold float64 `yaml:"cpu_threshold"`
	MemThreshold float64 `yaml:"mem_threshold"`
	EnableAlerts bool    `yaml:"enable_alerts"`

	OutputDir string `yaml:"output_dir"`
	DiskPath  string `yaml:"disk_path"`

	Files       FilesConfig       `yaml:"files"`
	Database    DatabaseConfig    `yaml:"database"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Temperature TemperatureConfig `yaml:"temperature"`
	Server      ServerConfig      `yaml:"server"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// FilesConfig names the file sinks inside OutputDir.
type FilesConfig struct {
	Log string `yaml:"log"`
	CSV string `yaml:"csv"`
}

// DatabaseConfig holds relational sink connection settings.
type DatabaseConfig struct {
	// Driver is either "sqlite3" or "postgres".
	Driver string `yaml:"driver"`

	// Path is the sqlite database file, relative to OutputDir unless absolute.
	Path string `yaml:"path"`

	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// ScheduleConfig tunes tick timing beyond the plain interval.
type ScheduleConfig struct {
	// Cron is an optional 6-field cron expression (with seconds) replacing Interval.
	Cron        string `yaml:"cron"`
	TickTimeout string `yaml:"tick_timeout"`
}

// TickTimeoutParsed returns the parsed per-tick timeout.
func (s *ScheduleConfig) TickTimeoutParsed() (time.Duration, error) {
	return time.ParseDuration(s.TickTimeout)
}

// TemperatureConfig selects the sensor family used for the average CPU temperature.
type TemperatureConfig struct {
	Categories []string `yaml:"categories"`
}

// ServerConfig holds HTTP health server settings.
type ServerConfig struct {
	Enabled   bool `yaml:"enabled"`
	Port      int  `yaml:"port"`
	DeepCheck bool `yaml:"deep_check"`
}

// LoggingConfig holds console logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

// Load reads and parses the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes YAML configuration data and applies defaults.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyDefaults(&cfg)

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandEnvVars expands ${VAR} and ${VAR:-default} patterns in the input string.
func expandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		parts := envVarPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultVal := ""
		if len(parts) > 2 {
			defaultVal = parts[2]
		}

		if val, exists := os.LookupEnv(varName); exists {
			return val
		}
		return defaultVal
	})
}

// applyDefaults sets default values for any unset configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Interval == 0 {
		cfg.Interval = DefaultInterval
	}

	// Sink toggles default to enabled; the long-form aliases fill in when the
	// short key is absent.
	cfg.LogToFile = boolOr(cfg.LogToFile, nil, true)
	cfg.LogToCSV = boolOr(cfg.LogToCSV, cfg.LogToTabular, true)
	cfg.LogToDB = boolOr(cfg.LogToDB, cfg.LogToRelational, true)
	cfg.LogToTabular = cfg.LogToCSV
	cfg.LogToRelational = cfg.LogToDB

	if cfg.OutputDir == "" {
		cfg.OutputDir = "logs"
	}
	if cfg.DiskPath == "" {
		cfg.DiskPath = "/"
	}

	if cfg.Files.Log == "" {
		cfg.Files.Log = "resource_log.txt"
	}
	if cfg.Files.CSV == "" {
		cfg.Files.CSV = "resource_log.csv"
	}

	// Database defaults
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite3"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "resource_metrics.db"
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "127.0.0.1"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.User == "" {
		cfg.Database.User = "resource_logger"
	}
	if cfg.Database.DBName == "" {
		cfg.Database.DBName = "resource_logger"
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}

	if cfg.Schedule.TickTimeout == "" {
		cfg.Schedule.TickTimeout = "30s"
	}

	if len(cfg.Temperature.Categories) == 0 {
		cfg.Temperature.Categories = append([]string(nil), DefaultTemperatureCategories...)
	}

	// Server defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

func boolOr(primary, alias *bool, def bool) *bool {
	if primary != nil {
		v := *primary
		return &v
	}
	if alias != nil {
		v := *alias
		return &v
	}
	return &def
}

// FileEnabled reports whether the text log sink is enabled.
func (c *Config) FileEnabled() bool { return c.LogToFile == nil || *c.LogToFile }

// CSVEnabled reports whether the tabular sink is enabled.
func (c *Config) CSVEnabled() bool { return c.LogToCSV == nil || *c.LogToCSV }

// DBEnabled reports whether the relational sink is enabled.
func (c *Config) DBEnabled() bool { return c.LogToDB == nil || *c.LogToDB }

// IntervalDuration returns the tick interval as a duration.
func (c *Config) IntervalDuration() time.Duration {
	return time.Duration(c.Interval) * time.Second
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Interval < 1 {
		errs = append(errs, "interval must be at least 1 second")
	}

	if c.OutputDir == "" {
		errs = append(errs, "output_dir is required")
	}
	if c.DiskPath == "" {
		errs = append(errs, "disk_path is required")
	}

	validDrivers := map[string]bool{"sqlite3": true, "postgres": true}
	if !validDrivers[c.Database.Driver] {
		errs = append(errs, "database.driver must be one of: sqlite3, postgres")
	}
	if c.Database.Driver == "postgres" && c.Database.Host == "" {
		errs = append(errs, "database.host is required when driver is 'postgres'")
	}

	if c.Schedule.Cron != "" {
		parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
		if _, err := parser.Parse(c.Schedule.Cron); err != nil {
			errs = append(errs, fmt.Sprintf("schedule.cron is invalid: %v", err))
		}
	}
	if d, err := c.Schedule.TickTimeoutParsed(); err != nil {
		errs = append(errs, fmt.Sprintf("schedule.tick_timeout is invalid: %v", err))
	} else if d <= 0 {
		errs = append(errs, "schedule.tick_timeout must be positive")
	}

	if c.CPUThreshold < 0 || c.CPUThreshold > 100 {
		errs = append(errs, "cpu_threshold must be within [0,100]")
	}
	if c.MemThreshold < 0 || c.MemThreshold > 100 {
		errs = append(errs, "mem_threshold must be within [0,100]")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}

	if c.Server.Enabled && (c.Server.Port < 1 || c.Server.Port > 65535) {
		errs = append(errs, "server.port must be within [1,65535]")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}
