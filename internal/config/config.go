// Package config loads relay settings from defaults, an optional YAML file,
// an optional .env file and CHAT_* environment variables.
//
// Later sources override earlier ones. Command-line flags are applied by the
// caller on top of the loaded Config.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/andy6609/chat-relay/internal/chat"
)

const (
	DefaultPort      = 1394
	DefaultEnvFile   = ".env"
	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"
)

// Config holds every tunable of the relay process.
type Config struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	AcceptTimeout    time.Duration `yaml:"accept_timeout"`
	QuitOnLastClient bool          `yaml:"quit_on_last_client"`
	HistorySize      int           `yaml:"history_size"`
	NameTimeout      time.Duration `yaml:"name_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	DisconnectOnStop bool          `yaml:"disconnect_on_stop"`

	// MetricsAddress enables the admin HTTP listener when non-empty.
	MetricsAddress string `yaml:"metrics_address"`
	LogLevel       string `yaml:"log_level"`
	LogFormat      string `yaml:"log_format"`
}

func Default() Config {
	return Config{
		Port:             DefaultPort,
		AcceptTimeout:    chat.DefaultAcceptTimeout,
		QuitOnLastClient: true,
		HistorySize:      chat.DefaultHistorySize,
		NameTimeout:      10 * time.Second,
		WriteTimeout:     5 * time.Second,
		DisconnectOnStop: true,
		LogLevel:         DefaultLogLevel,
		LogFormat:        DefaultLogFormat,
	}
}

// Read layers the YAML file at path (skipped when empty) and the
// environment over the defaults. The result is not validated, so callers
// can apply further overrides first.
func Read(path, envFile string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return cfg, err
		}
	}
	if err := cfg.LoadEnv(envFile); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadFile overlays the keys present in a YAML file.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// LoadEnv loads envFile into the process environment if it exists, without
// replacing variables that are already set, then applies CHAT_* variables.
func (c *Config) LoadEnv(envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}

	bindings := []struct {
		key string
		set func(string) error
	}{
		{"CHAT_HOST", func(v string) error { c.Host = v; return nil }},
		{"CHAT_PORT", intVar(&c.Port)},
		{"CHAT_ACCEPT_TIMEOUT", durationVar(&c.AcceptTimeout)},
		{"CHAT_QUIT_ON_LAST_CLIENT", boolVar(&c.QuitOnLastClient)},
		{"CHAT_HISTORY_SIZE", intVar(&c.HistorySize)},
		{"CHAT_NAME_TIMEOUT", durationVar(&c.NameTimeout)},
		{"CHAT_WRITE_TIMEOUT", durationVar(&c.WriteTimeout)},
		{"CHAT_DISCONNECT_ON_STOP", boolVar(&c.DisconnectOnStop)},
		{"CHAT_METRICS_ADDRESS", func(v string) error { c.MetricsAddress = v; return nil }},
		{"CHAT_LOG_LEVEL", func(v string) error { c.LogLevel = strings.ToLower(v); return nil }},
		{"CHAT_LOG_FORMAT", func(v string) error { c.LogFormat = strings.ToLower(v); return nil }},
	}
	for _, b := range bindings {
		v, ok := os.LookupEnv(b.key)
		if !ok || v == "" {
			continue
		}
		if err := b.set(strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("%s: %w", b.key, err)
		}
	}
	return nil
}

func intVar(p *int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*p = n
		return nil
	}
}

func boolVar(p *bool) func(string) error {
	return func(v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*p = b
		return nil
	}
}

func durationVar(p *time.Duration) func(string) error {
	return func(v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*p = d
		return nil
	}
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.AcceptTimeout <= 0 {
		errs = append(errs, errors.New("accept timeout must be positive"))
	}
	if c.HistorySize < 1 {
		errs = append(errs, fmt.Errorf("history size %d must be at least 1", c.HistorySize))
	}
	if c.NameTimeout < 0 || c.WriteTimeout < 0 {
		errs = append(errs, errors.New("name and write timeouts must not be negative"))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// Level maps LogLevel to a slog level.
func (c Config) Level() (slog.Level, error) {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", c.LogLevel)
}

func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c Config) ServerOptions() chat.Options {
	return chat.Options{
		Addr:             c.Addr(),
		AcceptTimeout:    c.AcceptTimeout,
		QuitOnLastClient: c.QuitOnLastClient,
		HistorySize:      c.HistorySize,
		NameTimeout:      c.NameTimeout,
		WriteTimeout:     c.WriteTimeout,
		DisconnectOnStop: c.DisconnectOnStop,
	}
}
