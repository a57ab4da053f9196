// Package config provides configuration types for the feature execution
// kernel and its operator tooling.
//
// The kernel itself is a library and takes its settings as constructor
// options; this schema exists for kernelctl, which assembles a pipeline
// from a file:
//
//   - execution: default feature timeout
//   - audit: which ledger backend to write to and how to batch writes
//   - epochs: where session epochs live
//   - log: slog level and format
package config

import "time"

// Config is the top-level configuration.
type Config struct {
	// Execution configures the feature pipeline.
	Execution ExecutionConfig `yaml:"execution" mapstructure:"execution"`

	// Audit configures the audit ledger backend and the batching writer.
	Audit AuditConfig `yaml:"audit" mapstructure:"audit"`

	// Epochs configures the session epoch store.
	Epochs EpochsConfig `yaml:"epochs" mapstructure:"epochs"`

	// Log configures structured logging.
	Log LogConfig `yaml:"log" mapstructure:"log"`
}

// ExecutionConfig configures the feature pipeline.
type ExecutionConfig struct {
	// DefaultTimeout bounds features that do not declare their own timeout
	// (e.g., "10s", "500ms"). Defaults to "10s".
	DefaultTimeout string `yaml:"default_timeout" mapstructure:"default_timeout" validate:"omitempty,duration"`
}

// AuditConfig configures where audit events are written.
type AuditConfig struct {
	// Sink selects the ledger backend.
	// Valid values: "memory", "file", "sqlite", "postgres". Defaults to "memory".
	Sink string `yaml:"sink" mapstructure:"sink" validate:"required,audit_sink"`

	// Dir is the directory for JSON Lines audit files. Required for sink "file".
	Dir string `yaml:"dir" mapstructure:"dir"`

	// SQLitePath is the database file. Required for sink "sqlite".
	SQLitePath string `yaml:"sqlite_path" mapstructure:"sqlite_path"`

	// PostgresDSN is the connection string. Required for sink "postgres".
	PostgresDSN string `yaml:"postgres_dsn" mapstructure:"postgres_dsn"`

	// WriteTimeout bounds a single audit write (e.g., "5s"). Defaults to "5s".
	WriteTimeout string `yaml:"write_timeout" mapstructure:"write_timeout" validate:"omitempty,duration"`

	// BatchSize is the number of events that triggers an immediate batch
	// write. Defaults to 100.
	BatchSize int `yaml:"batch_size" mapstructure:"batch_size" validate:"omitempty,min=1"`

	// FlushInterval is the longest an event waits for its batch
	// (e.g., "50ms"). Defaults to "50ms".
	FlushInterval string `yaml:"flush_interval" mapstructure:"flush_interval" validate:"omitempty,duration"`

	// QueueSize is the number of pending submissions the writer accepts.
	// Defaults to 1000.
	QueueSize int `yaml:"queue_size" mapstructure:"queue_size" validate:"omitempty,min=1"`

	// SendTimeout is how long a caller waits for queue space before the
	// write is refused (e.g., "100ms"). Events are never dropped silently.
	// Defaults to "100ms".
	SendTimeout string `yaml:"send_timeout" mapstructure:"send_timeout" validate:"omitempty,duration"`

	// WarningThreshold is the queue depth percentage (1-100) at which a
	// warning is logged. -1 disables the warning. Defaults to 80.
	WarningThreshold int `yaml:"warning_threshold" mapstructure:"warning_threshold" validate:"omitempty,min=-1,max=100"`

	// ArchiveAfterDays compresses audit files older than this many days
	// into the archive subdirectory. Archived files stay readable and are
	// never deleted. 0 disables archiving. Only used by sink "file".
	ArchiveAfterDays int `yaml:"archive_after_days" mapstructure:"archive_after_days" validate:"omitempty,min=0"`

	// MaxFileSizeMB is the size at which an audit file is rotated.
	// Defaults to 100. Only used by sink "file".
	MaxFileSizeMB int `yaml:"max_file_size_mb" mapstructure:"max_file_size_mb" validate:"omitempty,min=1"`

	// SyncOnAppend fsyncs the audit file after every batch.
	SyncOnAppend bool `yaml:"sync_on_append" mapstructure:"sync_on_append"`
}

// EpochsConfig configures the session epoch store.
type EpochsConfig struct {
	// Backend selects the store. Valid values: "memory", "redis".
	// Defaults to "memory".
	Backend string `yaml:"backend" mapstructure:"backend" validate:"required,oneof=memory redis"`

	// RedisAddr is the Redis host:port. Required for backend "redis".
	RedisAddr string `yaml:"redis_addr" mapstructure:"redis_addr" validate:"omitempty,hostname_port"`

	// KeyPrefix namespaces epoch keys in Redis.
	// Defaults to "erpkernel:epoch:".
	KeyPrefix string `yaml:"key_prefix" mapstructure:"key_prefix"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	// Defaults to "info".
	Level string `yaml:"level" mapstructure:"level" validate:"omitempty,oneof=debug info warn warning error"`

	// Format is the handler format: "text" or "json". Defaults to "text".
	Format string `yaml:"format" mapstructure:"format" validate:"omitempty,oneof=text json"`
}

// SetDefaults applies default values to unset fields.
func (c *Config) SetDefaults() {
	if c.Execution.DefaultTimeout == "" {
		c.Execution.DefaultTimeout = "10s"
	}

	if c.Audit.Sink == "" {
		c.Audit.Sink = "memory"
	}
	if c.Audit.WriteTimeout == "" {
		c.Audit.WriteTimeout = "5s"
	}
	if c.Audit.BatchSize == 0 {
		c.Audit.BatchSize = 100
	}
	if c.Audit.FlushInterval == "" {
		c.Audit.FlushInterval = "50ms"
	}
	if c.Audit.QueueSize == 0 {
		c.Audit.QueueSize = 1000
	}
	if c.Audit.SendTimeout == "" {
		c.Audit.SendTimeout = "100ms"
	}
	if c.Audit.WarningThreshold == 0 {
		c.Audit.WarningThreshold = 80
	}
	if c.Audit.MaxFileSizeMB == 0 {
		c.Audit.MaxFileSizeMB = 100
	}

	if c.Epochs.Backend == "" {
		c.Epochs.Backend = "memory"
	}
	if c.Epochs.KeyPrefix == "" {
		c.Epochs.KeyPrefix = "erpkernel:epoch:"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// Timeout returns the parsed execution timeout.
func (c *ExecutionConfig) Timeout() time.Duration {
	return parseDuration(c.DefaultTimeout, 10*time.Second)
}

// WriteTimeoutDuration returns the parsed audit write timeout.
func (c *AuditConfig) WriteTimeoutDuration() time.Duration {
	return parseDuration(c.WriteTimeout, 5*time.Second)
}

// FlushIntervalDuration returns the parsed batch flush interval.
func (c *AuditConfig) FlushIntervalDuration() time.Duration {
	return parseDuration(c.FlushInterval, 50*time.Millisecond)
}

// WarningPercent returns the queue warning threshold for the audit writer;
// 0 means disabled.
func (c *AuditConfig) WarningPercent() int {
	if c.WarningThreshold < 0 {
		return 0
	}
	return c.WarningThreshold
}

// SendTimeoutDuration returns the parsed queue send timeout.
func (c *AuditConfig) SendTimeoutDuration() time.Duration {
	return parseDuration(c.SendTimeout, 100*time.Millisecond)
}

// parseDuration parses s, returning fallback when s is empty or malformed.
// Validate rejects malformed values before they get here.
func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
