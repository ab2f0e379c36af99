package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"braces.dev/errtrace"
	"github.com/urfave/cli/v2"
	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"

	"github.com/ghettovoice/sipstack/dns"
	"github.com/ghettovoice/sipstack/log"
	"github.com/ghettovoice/sipstack/sip"
)

// Config is the daemon configuration file.
type Config struct {
	// Listen is the local UDP address.
	Listen string `yaml:"listen"`
	// SentBy is put into the Via of outgoing requests, the listen address is used if empty.
	SentBy          string           `yaml:"sent-by,omitempty"`
	Timings         sip.TimingConfig `yaml:"timings,omitempty"`
	MaxTransactions int              `yaml:"max-transactions,omitempty"`
	MaxDialogs      int              `yaml:"max-dialogs,omitempty"`
	// AutoAnswer answers INVITE with 200 instead of 486.
	AutoAnswer bool            `yaml:"auto-answer,omitempty"`
	Recovery   *RecoveryConfig `yaml:"recovery,omitempty"`
	DNS        DNSConfig       `yaml:"dns,omitempty"`
	Metrics    MetricsConfig   `yaml:"metrics,omitempty"`
	Log        LogConfig       `yaml:"log,omitempty"`
}

type RecoveryConfig struct {
	Interval    time.Duration `yaml:"interval"`
	MaxAttempts uint32        `yaml:"max-attempts,omitempty"`
}

type DNSConfig struct {
	NameServer string        `yaml:"nameserver,omitempty"`
	Timeout    time.Duration `yaml:"timeout,omitempty"`
}

type MetricsConfig struct {
	// Addr is the HTTP address of the /metrics endpoint, metrics are disabled if empty.
	Addr      string `yaml:"addr,omitempty"`
	Namespace string `yaml:"namespace,omitempty"`
}

type LogConfig struct {
	// File is rotated with lumberjack, stderr is used if empty.
	File string `yaml:"file,omitempty"`
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level,omitempty"`
	// Format is one of console, dev, json.
	Format string `yaml:"format,omitempty"`
	// MaxSize is the size of a log file in megabytes.
	MaxSize    int `yaml:"max-size,omitempty"`
	MaxBackups int `yaml:"max-backups,omitempty"`
}

func defaultConfig() *Config {
	return &Config{
		Listen: "0.0.0.0:5060",
		Metrics: MetricsConfig{
			Namespace: "sipstack",
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "console",
			MaxSize:    50,
			MaxBackups: 10,
		},
	}
}

func loadConfig(fileName string) (*Config, error) {
	cfg := defaultConfig()
	if fileName == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(fileName)
	if err != nil {
		return nil, errtrace.Wrap(fmt.Errorf("read configuration file: %w", err))
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errtrace.Wrap(fmt.Errorf("failed to parse configuration file %s: %w", fileName, err))
	}
	return cfg, nil
}

// applyFlags overrides the file values with the flags set on the command line.
func (cfg *Config) applyFlags(c *cli.Context) {
	if c.IsSet("listen") {
		cfg.Listen = c.String("listen")
	}
	if c.IsSet("sent-by") {
		cfg.SentBy = c.String("sent-by")
	}
	if c.IsSet("auto-answer") {
		cfg.AutoAnswer = c.Bool("auto-answer")
	}
	if c.IsSet("metrics-addr") {
		cfg.Metrics.Addr = c.String("metrics-addr")
	}
	if c.IsSet("nameserver") {
		cfg.DNS.NameServer = c.String("nameserver")
	}
	if c.IsSet("log-file") {
		cfg.Log.File = c.String("log-file")
	}
	if c.IsSet("log-level") {
		cfg.Log.Level = c.String("log-level")
	}
	if c.IsSet("log-format") {
		cfg.Log.Format = c.String("log-format")
	}
}

func (cfg *Config) validate() error {
	if _, _, err := net.SplitHostPort(cfg.Listen); err != nil {
		return errtrace.Wrap(fmt.Errorf("invalid listen address %q: %w", cfg.Listen, err))
	}
	if cfg.MaxTransactions < 0 || cfg.MaxDialogs < 0 {
		return errtrace.Wrap(errors.New("negative limits are not allowed"))
	}
	if cfg.Recovery != nil && cfg.Recovery.Interval <= 0 {
		return errtrace.Wrap(errors.New("recovery interval must be positive"))
	}
	if _, err := log.ParseLevel(cfg.Log.Level); err != nil {
		return errtrace.Wrap(err)
	}
	return nil
}

func (cfg *Config) managerOptions(stats *sip.StatsRecorder, logger *slog.Logger) *sip.ManagerOptions {
	opts := &sip.ManagerOptions{
		Timings:         cfg.Timings,
		MaxTransactions: cfg.MaxTransactions,
		MaxDialogs:      cfg.MaxDialogs,
		AutoTrying:      true,
		Stats:           stats,
		Log:             logger,
	}
	if cfg.Recovery != nil {
		opts.RecoveryProbe = &sip.RecoveryProbeOptions{
			Interval:    cfg.Recovery.Interval,
			MaxAttempts: cfg.Recovery.MaxAttempts,
		}
	}
	return opts
}

func (cfg *Config) resolver() *dns.Resolver {
	return &dns.Resolver{
		NameServer: cfg.DNS.NameServer,
		Timeout:    cfg.DNS.Timeout,
	}
}

// newLogger builds the logger of the configuration. The returned closer releases the log file.
func (cfg *Config) newLogger() (*slog.Logger, io.Closer, error) {
	lvl, err := log.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, nil, errtrace.Wrap(err)
	}

	var out io.WriteCloser = nopCloser{os.Stderr}
	if cfg.Log.File != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.Log.File,
			LocalTime:  true,
			MaxSize:    cfg.Log.MaxSize,
			MaxBackups: cfg.Log.MaxBackups,
		}
	}
	return log.New(out, cfg.Log.Format, lvl), out, nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }
