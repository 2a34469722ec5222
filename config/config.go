// Package config loads server and client settings from flags, environment
// variables and optional TOML files.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var (
	ErrInvalidPort     = errors.New("port must be between 1 and 65535")
	ErrInvalidTimeouts = errors.New("ping interval and timeout must be positive")
	ErrInvalidJitter   = errors.New("reconnect jitter must be between 0 and 1")
	ErrInvalidAttempts = errors.New("reconnect max attempts must not be negative")
	ErrInvalidDelays   = errors.New("reconnect delays must be positive and min must not exceed max")
	ErrInvalidFormat   = errors.New("log format must be json or console")
)

// Config is the complete process configuration.
type Config struct {
	Host             string          `mapstructure:"host"`
	Port             int             `mapstructure:"port"`
	AllowedOrigins   []string        `mapstructure:"allowed_origins"`
	PingInterval     time.Duration   `mapstructure:"ping_interval"`
	PingTimeout      time.Duration   `mapstructure:"ping_timeout"`
	MaxPayload       int             `mapstructure:"max_payload"`
	ChatHistoryLimit int             `mapstructure:"chat_history_limit"`
	FeedLimit        int             `mapstructure:"feed_limit"`
	JanitorSchedule  string          `mapstructure:"janitor_schedule"`
	LogLevel         string          `mapstructure:"log_level"`
	LogFormat        string          `mapstructure:"log_format"`
	Reconnect        ReconnectConfig `mapstructure:"reconnect"`
}

// ReconnectConfig bounds the client's reconnection backoff.
type ReconnectConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	Jitter      float64       `mapstructure:"jitter"`
}

var defaults = map[string]interface{}{
	"host":                   "0.0.0.0",
	"port":                   3001,
	"allowed_origins":        []string{"http://localhost:3000"},
	"ping_interval":          25 * time.Second,
	"ping_timeout":           20 * time.Second,
	"max_payload":            1000000,
	"chat_history_limit":     0,
	"feed_limit":             100,
	"janitor_schedule":       "@every 5m",
	"log_level":              "info",
	"log_format":             "json",
	"reconnect.max_attempts": 5,
	"reconnect.min_delay":    time.Second,
	"reconnect.max_delay":    30 * time.Second,
	"reconnect.jitter":       0.5,
}

// FlagSet returns the flags understood by Load. Flag names use dashes and
// map onto the underscore keys.
func FlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.StringP("config", "c", "", "path to a TOML config file or a directory of them")
	fs.String("host", "0.0.0.0", "listen host")
	fs.IntP("port", "p", 3001, "listen port")
	fs.StringSlice("allowed-origins", []string{"http://localhost:3000"}, "allowed cross-origin hosts, * allows any")
	fs.Duration("ping-interval", 25*time.Second, "interval between server pings")
	fs.Duration("ping-timeout", 20*time.Second, "time to wait for a pong")
	fs.Int("max-payload", 1000000, "maximum inbound message size in bytes")
	fs.Int("chat-history-limit", 0, "messages kept per chat room, 0 keeps all")
	fs.Int("feed-limit", 100, "posts kept in the social feed")
	fs.String("janitor-schedule", "@every 5m", "cron schedule for pruning empty rooms, empty disables")
	fs.StringP("log-level", "l", "info", "log level")
	fs.String("log-format", "json", "log format: json or console")
	return fs
}

func wordSepNormalizeFunc(_ *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "-", "_"))
}

// Load merges, lowest precedence first: defaults, TOML files at configPath,
// environment variables (PORT, ALLOWED_ORIGINS, RECONNECT_MAX_ATTEMPTS, ...)
// and flags that were set explicitly. fs may be nil.
func Load(configPath string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if fs != nil {
		fs.SetNormalizeFunc(wordSepNormalizeFunc)
		if err := v.BindPFlags(fs); err != nil {
			return nil, fmt.Errorf("cannot bind flags: %w", err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		contents, err := readTOML(configPath)
		if err != nil {
			return nil, err
		}
		v.SetConfigType("toml")
		if err := v.ReadConfig(bytes.NewReader(contents)); err != nil {
			return nil, fmt.Errorf("cannot parse config %s: %w", configPath, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("cannot decode config: %w", err)
	}
	cfg.AllowedOrigins = cleanOrigins(cfg.AllowedOrigins)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// readTOML reads a single file, or concatenates every *.toml file of a
// directory.
func readTOML(path string) ([]byte, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	files := []string{path}
	if fi.IsDir() {
		files, err = filepath.Glob(filepath.Join(path, "*.toml"))
		if err != nil {
			return nil, err
		}
	}

	var contents []byte
	for _, file := range files {
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		contents = append(contents, b...)
		contents = append(contents, '\n')
	}
	return contents, nil
}

func cleanOrigins(origins []string) []string {
	cleaned := make([]string, 0, len(origins))
	for _, o := range origins {
		for _, part := range strings.Split(o, ",") {
			if part = strings.TrimSpace(part); part != "" {
				cleaned = append(cleaned, part)
			}
		}
	}
	return cleaned
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, ErrInvalidPort)
	}
	if c.PingInterval <= 0 || c.PingTimeout <= 0 {
		errs = append(errs, ErrInvalidTimeouts)
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log level: %w", err))
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		errs = append(errs, ErrInvalidFormat)
	}
	if err := c.Reconnect.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (r ReconnectConfig) Validate() error {
	var errs []error
	if r.MaxAttempts < 0 {
		errs = append(errs, ErrInvalidAttempts)
	}
	if r.MinDelay <= 0 || r.MaxDelay <= 0 || r.MinDelay > r.MaxDelay {
		errs = append(errs, ErrInvalidDelays)
	}
	if r.Jitter < 0 || r.Jitter > 1 {
		errs = append(errs, ErrInvalidJitter)
	}
	return errors.Join(errs...)
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// NewLogger builds the process logger from the log settings.
func (c *Config) NewLogger() (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.Nop(), err
	}
	var logger zerolog.Logger
	if c.LogFormat == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stdout)
	}
	return logger.Level(lvl).With().Timestamp().Logger(), nil
}
