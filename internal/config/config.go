// Package config handles configuration loading from CLI flags, environment variables, and TOML files.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"
)

// FileName is the config file looked up under <dir>/config/ when --config is not given.
const FileName = "lua-include.toml"

// Config holds all configuration settings for the loader and its servers.
type Config struct {
	Origin    OriginConfig    `toml:"origin"`
	Transport TransportConfig `toml:"transport"`
	Server    ServerConfig    `toml:"server"`
	Logging   LoggingConfig   `toml:"logging"`

	logger *log.Logger
}

// OriginConfig holds the document origin that locators are resolved against.
type OriginConfig struct {
	Base string `toml:"base"`
}

// TransportConfig holds fetch settings.
type TransportConfig struct {
	Mode                string `toml:"mode"` // "sync", "async"
	ReportAsyncFailures bool   `toml:"report_async_failures"`
}

// ServerConfig holds settings for the same-origin script server.
type ServerConfig struct {
	Host     string   `toml:"host"`
	Port     int      `toml:"port"`
	Dir      string   `toml:"dir"`
	Watch    bool     `toml:"watch"`
	Debounce Duration `toml:"debounce"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level     string `toml:"level"`     // "debug", "info", "warn", "error"
	Verbosity int    `toml:"verbosity"` // 0=errors, 1=loads, 2=requests, 3=debug, 4=values
}

// Duration is a time.Duration that can be unmarshaled from TOML strings.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for Duration.
func (d *Duration) UnmarshalText(text []byte) error {
	duration, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(duration)
	return nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// String returns the duration as a string.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// DefaultConfig returns a Config with all default values.
func DefaultConfig() *Config {
	cfg := &Config{
		Origin: OriginConfig{
			Base: "http://127.0.0.1:8080/",
		},
		Transport: TransportConfig{
			Mode:                "sync",
			ReportAsyncFailures: true,
		},
		Server: ServerConfig{
			Host:     "127.0.0.1",
			Port:     8080,
			Dir:      ".",
			Watch:    true,
			Debounce: Duration(100 * time.Millisecond),
		},
		Logging: LoggingConfig{
			Level:     "info",
			Verbosity: 0,
		},
	}
	cfg.logger = newLogger(os.Stderr)
	return cfg
}

func newLogger(w io.Writer) *log.Logger {
	return log.NewWithOptions(w, log.Options{
		Prefix:          "lua-include",
		ReportTimestamp: true,
		Level:           log.DebugLevel,
	})
}

// RegisterFlags adds the configuration flags to fs.
// Load only applies flags the user actually set.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "Config file (default <dir>/config/"+FileName+")")
	fs.String("dir", "", "Script directory served by 'serve'")
	fs.String("origin", "", "Document origin locators are resolved against")
	fs.String("mode", "", "Transport mode: sync, async")
	fs.String("host", "", "Script server listen address")
	fs.Int("port", 0, "Script server listen port")
	fs.Bool("watch", true, "Watch the script directory for changes")
	fs.String("log-level", "", "Log level: debug, info, warn, error")
	fs.CountP("verbose", "v", "Verbosity level (use -v, -vv, or -vvv)")
}

// Load loads configuration from CLI flags, environment variables, and TOML file.
// Priority: CLI flags > env vars > TOML file > defaults.
// A nil flag set loads defaults, TOML and environment only.
func Load(fs *pflag.FlagSet) (*Config, error) {
	cfg := DefaultConfig()

	dir := ""
	configPath := ""
	if fs != nil {
		dir = stringFlag(fs, "dir")
		configPath = stringFlag(fs, "config")
	}
	if dir == "" {
		dir = os.Getenv("LUA_INCLUDE_DIR")
	}

	explicit := configPath != ""
	if configPath == "" {
		base := dir
		if base == "" {
			base = "."
		}
		configPath = filepath.Join(base, "config", FileName)
	}
	if err := cfg.loadTOML(configPath); err != nil {
		if explicit || !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load config %s: %w", configPath, err)
		}
	}

	cfg.applyEnv()

	if fs != nil {
		if err := cfg.applyFlags(fs); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.applyLogLevel()
	return cfg, nil
}

// loadTOML loads configuration from a TOML file.
func (c *Config) loadTOML(path string) error {
	_, err := toml.DecodeFile(path, c)
	return err
}

// applyEnv applies environment variable overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv("LUA_INCLUDE_ORIGIN"); v != "" {
		c.Origin.Base = v
	}
	if v := os.Getenv("LUA_INCLUDE_MODE"); v != "" {
		c.Transport.Mode = v
	}
	if v := os.Getenv("LUA_INCLUDE_REPORT_ASYNC_FAILURES"); v != "" {
		c.Transport.ReportAsyncFailures = v == "true" || v == "1"
	}
	if v := os.Getenv("LUA_INCLUDE_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("LUA_INCLUDE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("LUA_INCLUDE_DIR"); v != "" {
		c.Server.Dir = v
	}
	if v := os.Getenv("LUA_INCLUDE_WATCH"); v != "" {
		c.Server.Watch = v == "true" || v == "1"
	}
	if v := os.Getenv("LUA_INCLUDE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LUA_INCLUDE_VERBOSITY"); v != "" {
		if verbosity, err := strconv.Atoi(v); err == nil {
			c.Logging.Verbosity = verbosity
		}
	}
}

// applyFlags applies the flags that were explicitly set (highest priority).
func (c *Config) applyFlags(fs *pflag.FlagSet) error {
	if v := stringFlag(fs, "dir"); v != "" {
		c.Server.Dir = v
	}
	if v := stringFlag(fs, "origin"); v != "" {
		c.Origin.Base = v
	}
	if v := stringFlag(fs, "mode"); v != "" {
		c.Transport.Mode = v
	}
	if v := stringFlag(fs, "host"); v != "" {
		c.Server.Host = v
	}
	if f := fs.Lookup("port"); f != nil && f.Changed {
		port, err := fs.GetInt("port")
		if err != nil {
			return err
		}
		c.Server.Port = port
	}
	if f := fs.Lookup("watch"); f != nil && f.Changed {
		watch, err := fs.GetBool("watch")
		if err != nil {
			return err
		}
		c.Server.Watch = watch
	}
	if v := stringFlag(fs, "log-level"); v != "" {
		c.Logging.Level = v
	}
	if f := fs.Lookup("verbose"); f != nil && f.Changed {
		verbosity, err := fs.GetCount("verbose")
		if err != nil {
			return err
		}
		c.Logging.Verbosity = verbosity
	}
	return nil
}

// stringFlag returns the value of a string flag if it exists and was set.
func stringFlag(fs *pflag.FlagSet, name string) string {
	f := fs.Lookup(name)
	if f == nil || !f.Changed {
		return ""
	}
	return f.Value.String()
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	switch c.Transport.Mode {
	case "sync", "async":
	default:
		return fmt.Errorf("invalid transport mode %q (want sync or async)", c.Transport.Mode)
	}
	if c.Origin.Base == "" {
		return fmt.Errorf("origin.base must not be empty")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if _, err := log.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.Logging.Level, err)
	}
	return nil
}

// applyLogLevel sets the logger level. Verbosity 2 and up logs at debug, so
// the level never hides what -vv asked for.
func (c *Config) applyLogLevel() {
	level, err := log.ParseLevel(c.Logging.Level)
	if err != nil {
		return
	}
	if c.Logging.Verbosity >= 2 && level > log.DebugLevel {
		level = log.DebugLevel
	}
	c.Logger().SetLevel(level)
}

// Addr returns the script server listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Verbosity returns the configured verbosity level.
func (c *Config) Verbosity() int {
	return c.Logging.Verbosity
}

// SetOutput redirects log output, mostly for tests.
func (c *Config) SetOutput(w io.Writer) {
	level := c.Logger().GetLevel()
	c.logger = newLogger(w)
	c.logger.SetLevel(level)
}

// Logger returns the underlying structured logger.
func (c *Config) Logger() *log.Logger {
	if c.logger == nil {
		c.logger = newLogger(os.Stderr)
	}
	return c.logger
}

// Log emits a message when level is within the configured verbosity.
// Levels 0 and 1 log at info, higher levels at debug.
func (c *Config) Log(level int, format string, args ...any) {
	if c == nil || level > c.Logging.Verbosity {
		return
	}
	if level <= 1 {
		c.Logger().Infof(format, args...)
		return
	}
	c.Logger().Debugf(format, args...)
}

// Error logs an error regardless of verbosity.
func (c *Config) Error(format string, args ...any) {
	if c == nil {
		return
	}
	c.Logger().Errorf(format, args...)
}
