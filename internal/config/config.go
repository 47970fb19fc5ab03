// Package config loads wmihelper settings from defaults, an optional YAML
// file, WMIHELPER_* environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// FileName is the optional config file looked up in the base directory.
const FileName = "wmihelper.yaml"

// EnvPrefix prefixes environment overrides, e.g. WMIHELPER_SOURCE_QUERY.
const EnvPrefix = "WMIHELPER"

// Source kinds.
const (
	SourceWMI    = "wmi"
	SourceMemory = "memory"
)

// Config is the complete wmihelper configuration.
type Config struct {
	// BaseDir anchors relative paths. Empty means the executable's directory.
	BaseDir  string         `mapstructure:"base_dir" yaml:"base_dir"`
	Output   string         `mapstructure:"output" yaml:"output"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
	Sentinel SentinelConfig `mapstructure:"sentinel" yaml:"sentinel"`
	Source   SourceConfig   `mapstructure:"source" yaml:"source"`
	Bridge   BridgeConfig   `mapstructure:"bridge" yaml:"bridge"`
}

// LogConfig controls the operational log.
type LogConfig struct {
	File   string `mapstructure:"file" yaml:"file"`
	Level  string `mapstructure:"level" yaml:"level"`
	Stderr bool   `mapstructure:"stderr" yaml:"stderr"` // mirror lines to stderr
}

// SentinelConfig controls the stop-file protocol.
type SentinelConfig struct {
	Name         string        `mapstructure:"name" yaml:"name"`
	Poll         bool          `mapstructure:"poll" yaml:"poll"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
}

// SourceConfig selects and parameterizes the event source.
type SourceConfig struct {
	Kind          string        `mapstructure:"kind" yaml:"kind"`
	Namespace     string        `mapstructure:"namespace" yaml:"namespace"`
	Query         string        `mapstructure:"query" yaml:"query"`
	Property      string        `mapstructure:"property" yaml:"property"`
	RetryAttempts int           `mapstructure:"retry_attempts" yaml:"retry_attempts"`
	RetryDelay    time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
}

// BridgeConfig tunes the event queue.
type BridgeConfig struct {
	QueueSize int `mapstructure:"queue_size" yaml:"queue_size"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Output: "wmi_events.log",
		Log: LogConfig{
			File:  "xZenithWMIHelper.log",
			Level: "info",
		},
		Sentinel: SentinelConfig{
			Name:         "stop.txt",
			PollInterval: time.Second,
		},
		Source: SourceConfig{
			Kind:       SourceWMI,
			Namespace:  `root\WMI`,
			Query:      "SELECT * FROM IP3_WMIEvent",
			Property:   "EventDetail",
			RetryDelay: 5 * time.Second,
		},
		Bridge: BridgeConfig{
			QueueSize: 256,
		},
	}
}

// New returns a viper instance carrying defaults and env bindings.
func New() *viper.Viper {
	v := viper.New()
	d := Default()

	v.SetDefault("base_dir", d.BaseDir)
	v.SetDefault("output", d.Output)

	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.stderr", d.Log.Stderr)

	v.SetDefault("sentinel.name", d.Sentinel.Name)
	v.SetDefault("sentinel.poll", d.Sentinel.Poll)
	v.SetDefault("sentinel.poll_interval", d.Sentinel.PollInterval)

	v.SetDefault("source.kind", d.Source.Kind)
	v.SetDefault("source.namespace", d.Source.Namespace)
	v.SetDefault("source.query", d.Source.Query)
	v.SetDefault("source.property", d.Source.Property)
	v.SetDefault("source.retry_attempts", d.Source.RetryAttempts)
	v.SetDefault("source.retry_delay", d.Source.RetryDelay)

	v.SetDefault("bridge.queue_size", d.Bridge.QueueSize)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads configFile (or FileName in the base directory when it exists),
// unmarshals, resolves the base directory and validates.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.BaseDir == "" {
		dir, err := ExecutableDir()
		if err != nil {
			return nil, err
		}
		cfg.BaseDir = dir
	}

	if configFile == "" {
		path := filepath.Join(cfg.BaseDir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(v, path)
		}
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}
	return &cfg, nil
}

// ExecutableDir returns the directory holding the running binary.
func ExecutableDir() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("locate executable: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return filepath.Dir(exe), nil
}

func (c *Config) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.BaseDir, p)
}

// OutputPath is the absolute path of the hand-off file.
func (c *Config) OutputPath() string { return c.resolve(c.Output) }

// LogPath is the absolute path of the operational log.
func (c *Config) LogPath() string { return c.resolve(c.Log.File) }

// SentinelPath is the absolute path of the stop file.
func (c *Config) SentinelPath() string { return filepath.Join(c.BaseDir, c.Sentinel.Name) }

// ValidationError is a single invalid setting.
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects every invalid setting.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// ErrInvalid matches any ValidationErrors via errors.Is.
var ErrInvalid = errors.New("invalid configuration")

// Is lets callers test for ErrInvalid.
func (e ValidationErrors) Is(target error) bool {
	return target == ErrInvalid
}

// Validate checks every field and returns all problems found.
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError
	add := func(field string, value any, msg string) {
		errs = append(errs, ValidationError{Field: field, Value: value, Message: msg})
	}

	if c.Output == "" {
		add("output", c.Output, "must not be empty")
	}
	if c.Log.File == "" {
		add("log.file", c.Log.File, "must not be empty")
	}
	if c.Output != "" && c.resolve(c.Output) == c.resolve(c.Log.File) {
		add("log.file", c.Log.File, "must differ from output")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		add("log.level", c.Log.Level, "must be one of debug, info, warn, error")
	}

	if c.Sentinel.Name == "" || strings.ContainsAny(c.Sentinel.Name, `/\`) {
		add("sentinel.name", c.Sentinel.Name, "must be a plain file name")
	}
	if c.Sentinel.Poll && c.Sentinel.PollInterval <= 0 {
		add("sentinel.poll_interval", c.Sentinel.PollInterval, "must be positive when polling")
	}

	switch c.Source.Kind {
	case SourceWMI, SourceMemory:
	default:
		add("source.kind", c.Source.Kind, "must be wmi or memory")
	}
	if c.Source.Kind == SourceWMI && (c.Source.Namespace == "" || c.Source.Query == "") {
		add("source.query", c.Source.Query, "namespace and query are required for wmi")
	}
	if c.Source.Property == "" {
		add("source.property", c.Source.Property, "must not be empty")
	}
	if c.Source.RetryAttempts < 0 {
		add("source.retry_attempts", c.Source.RetryAttempts, "must not be negative")
	}
	if c.Source.RetryDelay < 0 {
		add("source.retry_delay", c.Source.RetryDelay, "must not be negative")
	}

	if c.Bridge.QueueSize <= 0 {
		add("bridge.queue_size", c.Bridge.QueueSize, "must be positive")
	}
	return errs
}
