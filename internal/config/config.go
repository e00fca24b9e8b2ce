// Package config handles configuration loading, validation, and management
// for tagtime.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"tagtime/internal/schedule"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version" validate:"min=1"`

	// User names the ping log and scopes stored state.
	User string `toml:"user" json:"user" yaml:"user" validate:"required,excludesall=/\\"`

	// DataDir holds the ping log, the database, crash reports and the lock.
	DataDir string `toml:"data_dir" json:"data_dir" yaml:"data_dir" validate:"required"`

	Schedule  ScheduleConfig  `toml:"schedule" json:"schedule" yaml:"schedule"`
	Beeminder BeeminderConfig `toml:"beeminder" json:"beeminder" yaml:"beeminder"`
	Storage   StorageConfig   `toml:"storage" json:"storage" yaml:"storage"`
	Logging   LoggingConfig   `toml:"logging" json:"logging" yaml:"logging"`
	Status    StatusConfig    `toml:"status" json:"status" yaml:"status"`
	Notify    NotifyConfig    `toml:"notify" json:"notify" yaml:"notify"`
}

// ScheduleConfig controls when pings fire.
type ScheduleConfig struct {
	// AverageGapMinutes is the mean time between pings.
	AverageGapMinutes float64 `toml:"average_gap_minutes" json:"average_gap_minutes" yaml:"average_gap_minutes" validate:"gt=0"`

	// Key is a base64 AES key. Two machines with the same key and gap
	// ping at the same instants.
	Key string `toml:"key" json:"key" yaml:"key" validate:"omitempty,base64"`

	// SharedSecret derives the key when Key is empty.
	SharedSecret string `toml:"shared_secret" json:"shared_secret" yaml:"shared_secret" validate:"omitempty,min=8"`

	// MisfirePolicy decides what happens to pings the daemon slept through.
	MisfirePolicy string `toml:"misfire_policy" json:"misfire_policy" yaml:"misfire_policy" validate:"misfire"`

	// MisfireThresholdSec is how late a ping may be before it counts as missed.
	MisfireThresholdSec int `toml:"misfire_threshold_sec" json:"misfire_threshold_sec" yaml:"misfire_threshold_sec" validate:"min=0"`

	// WindowTimeoutSec is how long a ping waits for an answer.
	WindowTimeoutSec int `toml:"window_timeout_sec" json:"window_timeout_sec" yaml:"window_timeout_sec" validate:"min=1"`
}

// BeeminderConfig configures graph submission.
type BeeminderConfig struct {
	// Username defaults to User.
	Username  string `toml:"username" json:"username" yaml:"username"`
	AuthToken string `toml:"auth_token" json:"auth_token" yaml:"auth_token"`
	BaseURL   string `toml:"base_url" json:"base_url" yaml:"base_url" validate:"required,url"`

	// TimeoutSec bounds each API call.
	TimeoutSec int `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec" validate:"min=1,max=600"`

	// Precision is the number of decimal places hours are compared at.
	Precision int `toml:"precision" json:"precision" yaml:"precision" validate:"min=0,max=10"`

	// Graphs are "graphname|tag1 tag2 -tag3" entries.
	Graphs []string `toml:"graphs" json:"graphs" yaml:"graphs" validate:"dive,graphentry"`

	// SubmitIntervalMinutes submits periodically. Zero means on demand only.
	SubmitIntervalMinutes int `toml:"submit_interval_minutes" json:"submit_interval_minutes" yaml:"submit_interval_minutes" validate:"min=0"`

	SubmitOnStart bool `toml:"submit_on_start" json:"submit_on_start" yaml:"submit_on_start"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	// Path is the SQLite database. Empty means <data_dir>/tagtime.db.
	Path string `toml:"path" json:"path" yaml:"path"`

	// PingLog is the ping log. Empty means <data_dir>/<user>.log.
	PingLog string `toml:"ping_log" json:"ping_log" yaml:"ping_log"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level" validate:"oneof=debug info warn error"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format" validate:"oneof=text json"`

	// Output is "stdout", "stderr", "file", or a file path.
	Output string `toml:"output" json:"output" yaml:"output" validate:"required"`

	// FilePath is the log file when Output is "file".
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path" validate:"required_if=Output file"`

	MaxSizeMB  int  `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb" validate:"min=1"`
	MaxBackups int  `toml:"max_backups" json:"max_backups" yaml:"max_backups" validate:"min=0"`
	MaxAgeDays int  `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days" validate:"min=0"`
	Compress   bool `toml:"compress" json:"compress" yaml:"compress"`
}

// StatusConfig configures the local HTTP API.
type StatusConfig struct {
	Enabled bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	Listen  string `toml:"listen" json:"listen" yaml:"listen" validate:"required_if=Enabled true,omitempty,hostname_port"`
}

// NotifyConfig configures desktop notifications.
type NotifyConfig struct {
	Enabled bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	AppName string `toml:"app_name" json:"app_name" yaml:"app_name" validate:"required_if=Enabled true"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := TagtimeDir()

	return &Config{
		Version: Version,
		User:    currentUser(),
		DataDir: dir,
		Schedule: ScheduleConfig{
			AverageGapMinutes:   45,
			MisfirePolicy:       "smart",
			MisfireThresholdSec: 60,
			WindowTimeoutSec:    60,
		},
		Beeminder: BeeminderConfig{
			BaseURL:    "https://www.beeminder.com/api/v1",
			TimeoutSec: 30,
			Precision:  2,
			Graphs:     []string{},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "file",
			FilePath:   filepath.Join(dir, "tagtimed.log"),
			MaxSizeMB:  10,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
		Status: StatusConfig{
			Enabled: true,
			Listen:  "127.0.0.1:7447",
		},
		Notify: NotifyConfig{
			Enabled: true,
			AppName: "TagTime",
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(PlatformConfigDir(), "config.toml")
}

// TagtimeDir returns the data directory, honouring TAGTIME_DATA_DIR.
func TagtimeDir() string {
	if envDir := os.Getenv("TAGTIME_DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// Load reads configuration from path. A missing file yields the defaults.
// The format follows the file extension; anything else is tried as TOML,
// JSON and YAML in turn.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}
	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates all directories the daemon writes to.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		filepath.Dir(c.DatabasePath()),
		filepath.Dir(c.PingLogPath()),
	}
	if c.Logging.Output == "file" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}

// ApplyEnvOverrides applies TAGTIME_* environment variables.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("TAGTIME_USER"); v != "" {
		c.User = v
	}
	if v := os.Getenv("TAGTIME_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("TAGTIME_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}

	// Secrets from env so they can stay out of the file
	if v := os.Getenv("TAGTIME_SCHEDULE_KEY"); v != "" {
		c.Schedule.Key = v
	}
	if v := os.Getenv("TAGTIME_SHARED_SECRET"); v != "" {
		c.Schedule.SharedSecret = v
	}
	if v := os.Getenv("TAGTIME_BEEMINDER_USERNAME"); v != "" {
		c.Beeminder.Username = v
	}
	if v := os.Getenv("TAGTIME_AUTH_TOKEN"); v != "" {
		c.Beeminder.AuthToken = v
	}

	if v := os.Getenv("TAGTIME_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("TAGTIME_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}
	if v := os.Getenv("TAGTIME_STATUS_LISTEN"); v != "" {
		c.Status.Listen = v
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Beeminder.Graphs = append([]string{}, c.Beeminder.Graphs...)
	return &clone
}

// DatabasePath returns the SQLite database path.
func (c *Config) DatabasePath() string {
	if c.Storage.Path != "" {
		return c.Storage.Path
	}
	return filepath.Join(c.DataDir, "tagtime.db")
}

// PingLogPath returns the ping log path.
func (c *Config) PingLogPath() string {
	if c.Storage.PingLog != "" {
		return c.Storage.PingLog
	}
	return filepath.Join(c.DataDir, c.User+".log")
}

// BeeminderUser returns the Beeminder account name.
func (c *Config) BeeminderUser() string {
	if c.Beeminder.Username != "" {
		return c.Beeminder.Username
	}
	return c.User
}

// AverageGap returns the mean ping gap.
func (c *Config) AverageGap() time.Duration {
	return time.Duration(c.Schedule.AverageGapMinutes * float64(time.Minute))
}

// Misfire returns the parsed misfire policy. Invalid names, which
// validation rejects, fall back to smart.
func (c *Config) Misfire() schedule.MisfirePolicy {
	p, _ := schedule.ParseMisfirePolicy(c.Schedule.MisfirePolicy)
	return p
}

// MisfireThreshold returns how late a ping may fire before it is a misfire.
func (c *Config) MisfireThreshold() time.Duration {
	return time.Duration(c.Schedule.MisfireThresholdSec) * time.Second
}

// WindowTimeout returns how long a ping waits for an answer.
func (c *Config) WindowTimeout() time.Duration {
	return time.Duration(c.Schedule.WindowTimeoutSec) * time.Second
}

// RequestTimeout bounds each Beeminder call.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Beeminder.TimeoutSec) * time.Second
}

// SubmitInterval returns the periodic submit interval, zero if disabled.
func (c *Config) SubmitInterval() time.Duration {
	return time.Duration(c.Beeminder.SubmitIntervalMinutes) * time.Minute
}

func currentUser() string {
	if v := os.Getenv("TAGTIME_USER"); v != "" {
		return v
	}
	if u, err := user.Current(); err == nil && u.Username != "" {
		return filepath.Base(u.Username)
	}
	return "tagtime"
}

// loadConfigFromFile reads and parses a config file based on its extension.
func loadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()

	switch filepath.Ext(path) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("decode TOML: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode YAML: %w", err)
		}
	default:
		if err := autoDetectAndParse(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	return cfg, nil
}

// autoDetectAndParse attempts to parse the config in multiple formats.
func autoDetectAndParse(data []byte, cfg *Config) error {
	if _, err := toml.Decode(string(data), cfg); err == nil {
		return nil
	}
	if err := json.Unmarshal(data, cfg); err == nil {
		return nil
	}
	if err := yaml.Unmarshal(data, cfg); err == nil {
		return nil
	}
	return fmt.Errorf("unable to parse config file (tried TOML, JSON, YAML)")
}
