// Package config loads the server configuration from an optional YAML file,
// TAXENGINE_* environment variables and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/warp/tax-engine/logging"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Log       LogConfig
	Rules     RulesConfig
	Scheduler SchedulerConfig
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Port             string
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	IdleTimeout      time.Duration
	ShutdownTimeout  time.Duration
	CORSAllowOrigins []string
}

// DatabaseConfig holds the SQLite location. ":memory:" keeps everything in
// process.
type DatabaseConfig struct {
	Path string
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

// RulesConfig selects the rule set seeded at startup. An empty File seeds
// the embedded defaults.
type RulesConfig struct {
	File string
}

// SchedulerConfig holds the loss-expiration sweep settings
type SchedulerConfig struct {
	Enabled       bool
	CheckInterval time.Duration
}

// EnvPrefix is the prefix of every environment override, e.g.
// TAXENGINE_DATABASE_PATH.
const EnvPrefix = "TAXENGINE"

// Load reads configuration. Priority (highest to lowest):
// 1. Environment variables with TAXENGINE_ prefix
// 2. The file at path, or taxengine.yaml in . or /etc/taxengine when path is empty
// 3. Built-in defaults
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("taxengine")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/taxengine")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		Server: ServerConfig{
			Port:             v.GetString("server.port"),
			ReadTimeout:      v.GetDuration("server.read_timeout"),
			WriteTimeout:     v.GetDuration("server.write_timeout"),
			IdleTimeout:      v.GetDuration("server.idle_timeout"),
			ShutdownTimeout:  v.GetDuration("server.shutdown_timeout"),
			CORSAllowOrigins: v.GetStringSlice("server.cors_allow_origins"),
		},
		Database: DatabaseConfig{
			Path: v.GetString("database.path"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		Rules: RulesConfig{
			File: v.GetString("rules.file"),
		},
		Scheduler: SchedulerConfig{
			Enabled:       v.GetBool("scheduler.enabled"),
			CheckInterval: v.GetDuration("scheduler.check_interval"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.cors_allow_origins", []string{"http://localhost:5173", "http://localhost:8080"})

	v.SetDefault("database.path", "taxengine.db")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output", "stdout")

	v.SetDefault("rules.file", "")

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.check_interval", time.Hour)
}

func (c *Config) validate() error {
	if port, err := strconv.Atoi(c.Server.Port); err != nil || port <= 0 || port > 65535 {
		return fmt.Errorf("invalid server port %q", c.Server.Port)
	}
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log format %q", c.Log.Format)
	}
	if c.Scheduler.Enabled && c.Scheduler.CheckInterval <= 0 {
		return fmt.Errorf("scheduler check interval must be positive, got %s", c.Scheduler.CheckInterval)
	}
	return nil
}

// Logging converts the log section into a logger configuration.
func (c *Config) Logging() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = c.Log.Level
	cfg.Format = c.Log.Format
	cfg.Output = c.Log.Output
	return cfg
}

// Addr is the listen address of the HTTP server.
func (c *Config) Addr() string {
	return ":" + c.Server.Port
}
