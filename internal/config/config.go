package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	defaultListenAddr    = ":8080"
	defaultDBPath        = "offload.db"
	defaultLogLevel      = "info"
	defaultWorkers       = 4
	defaultJournalBuffer = 1024
	defaultRecentCache   = 256
	defaultRecentTTL     = 10 * time.Minute

	envConfigFile    = "OFFLOAD_CONFIG"
	envListenAddr    = "OFFLOAD_LISTEN_ADDR"
	envDBPath        = "OFFLOAD_DB_PATH"
	envLogLevel      = "OFFLOAD_LOG_LEVEL"
	envWorkers       = "OFFLOAD_WORKERS"
	envLockOSThread  = "OFFLOAD_LOCK_OS_THREAD"
	envPinWorkers    = "OFFLOAD_PIN_WORKERS"
	envJournalBuffer = "OFFLOAD_JOURNAL_BUFFER"
	envRecentCache   = "OFFLOAD_RECENT_CACHE"
)

// Config holds application configuration. Values come from defaults, then an
// optional YAML file named by OFFLOAD_CONFIG, then environment variables.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	DBPath     string `yaml:"db_path"`
	LogLevel   string `yaml:"log_level"`

	Workers      int  `yaml:"workers"`
	LockOSThread bool `yaml:"lock_os_thread"`
	PinWorkers   bool `yaml:"pin_workers"`

	JournalBuffer int           `yaml:"journal_buffer"`
	RecentCache   int           `yaml:"recent_cache"`
	RecentTTL     time.Duration `yaml:"recent_ttl"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		ListenAddr:    defaultListenAddr,
		DBPath:        defaultDBPath,
		LogLevel:      defaultLogLevel,
		Workers:       defaultWorkers,
		JournalBuffer: defaultJournalBuffer,
		RecentCache:   defaultRecentCache,
		RecentTTL:     defaultRecentTTL,
	}
}

// Load builds the configuration and validates it.
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv(envConfigFile); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.loadEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) loadEnv() error {
	if v := os.Getenv(envListenAddr); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		c.LogLevel = v
	}

	var errs []error
	intVar := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	boolVar := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	intVar(envWorkers, &c.Workers)
	intVar(envJournalBuffer, &c.JournalBuffer)
	intVar(envRecentCache, &c.RecentCache)
	boolVar(envLockOSThread, &c.LockOSThread)
	boolVar(envPinWorkers, &c.PinWorkers)

	return errors.Join(errs...)
}

// Validate reports configuration values that cannot work.
func (c Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr must not be empty"))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("db_path must not be empty"))
	}
	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Workers))
	}
	if c.JournalBuffer <= 0 {
		errs = append(errs, fmt.Errorf("journal_buffer must be positive, got %d", c.JournalBuffer))
	}
	if c.RecentCache <= 0 {
		errs = append(errs, fmt.Errorf("recent_cache must be positive, got %d", c.RecentCache))
	}
	return errors.Join(errs...)
}

// Level returns the configured log level, falling back to info.
func (c Config) Level() logrus.Level {
	return parseLogLevel(c.LogLevel)
}

func parseLogLevel(s string) logrus.Level {
	switch strings.ToLower(s) {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// NewLogger creates a structured JSON logger writing to w at the given level.
func NewLogger(w io.Writer, level logrus.Level) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(w)
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.JSONFormatter{})
	return logger
}
