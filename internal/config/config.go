// Package config loads the service configuration from YAML.
//
// Durations are Go duration strings ("30s", "1m"). Omitted fields take the
// defaults from Default.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"recurflow/internal/scheduler"
)

type Config struct {
	Addr    string        `yaml:"addr"`
	DB      string        `yaml:"db"`
	Debug   bool          `yaml:"debug"`
	Logging LoggingConfig `yaml:"logging"`
	Scan    ScanConfig    `yaml:"scan"`
	Report  ReportConfig  `yaml:"report"`
	Notify  NotifyConfig  `yaml:"notify"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	// Format is "console" or "json".
	Format string `yaml:"format"`
}

type ScanConfig struct {
	// Trigger is a cron spec or descriptor for the scan cadence.
	Trigger         string   `yaml:"trigger"`
	Workers         int      `yaml:"workers"`
	GenerateTimeout Duration `yaml:"generate_timeout"`
	// Hour is the time of day next occurrences are normalized to.
	Hour     int    `yaml:"hour"`
	Location string `yaml:"location"`
}

// ReportConfig selects the report generator. Builder is "builtin",
// "webhook" or "command".
type ReportConfig struct {
	Builder    string            `yaml:"builder"`
	URL        string            `yaml:"url"`
	Headers    map[string]string `yaml:"headers"`
	Command    []string          `yaml:"command"`
	RatePerSec int               `yaml:"rate_per_sec"`
}

type NotifyConfig struct {
	Inbox      bool   `yaml:"inbox"`
	WebhookURL string `yaml:"webhook_url"`
	RatePerSec int    `yaml:"rate_per_sec"`
}

// Duration is a time.Duration that unmarshals from a Go duration string.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

func (d Duration) Std() time.Duration { return time.Duration(d) }

func Default() Config {
	return Config{
		Addr:    ":8080",
		DB:      "recurflow.db",
		Logging: LoggingConfig{Level: "info", Format: "console"},
		Scan: ScanConfig{
			Trigger:         scheduler.DefaultSpec,
			Workers:         4,
			GenerateTimeout: Duration(30 * time.Second),
			Hour:            9,
			Location:        "UTC",
		},
		Report: ReportConfig{Builder: "builtin", RatePerSec: 5},
		Notify: NotifyConfig{Inbox: true, RatePerSec: 3},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	var errs []error
	if c.DB == "" {
		errs = append(errs, errors.New("db is required"))
	}
	if err := scheduler.ValidateSpec(c.Scan.Trigger); err != nil {
		errs = append(errs, err)
	}
	if c.Scan.Workers <= 0 {
		errs = append(errs, errors.New("scan.workers must be positive"))
	}
	if c.Scan.GenerateTimeout < 0 {
		errs = append(errs, errors.New("scan.generate_timeout must not be negative"))
	}
	if c.Scan.Hour < 0 || c.Scan.Hour > 23 {
		errs = append(errs, fmt.Errorf("scan.hour %d out of range", c.Scan.Hour))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	switch c.Report.Builder {
	case "builtin":
	case "webhook":
		if c.Report.URL == "" {
			errs = append(errs, errors.New("report.url is required for the webhook builder"))
		}
	case "command":
		if len(c.Report.Command) == 0 {
			errs = append(errs, errors.New("report.command is required for the command builder"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown report.builder %q", c.Report.Builder))
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown logging.format %q", c.Logging.Format))
	}
	return errors.Join(errs...)
}

func (c Config) Location() (*time.Location, error) {
	if c.Scan.Location == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Scan.Location)
	if err != nil {
		return nil, fmt.Errorf("scan.location: %w", err)
	}
	return loc, nil
}
