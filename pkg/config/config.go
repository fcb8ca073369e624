// Package config provides configuration management for redoflow.
// Priority: defaults < file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all redoflow configuration.
type Config struct {
	Version int `yaml:"version"`

	Source     SourceConfig     `yaml:"source"`
	Archive    ArchiveConfig    `yaml:"archive"`
	Timing     TimingConfig     `yaml:"timing"`
	Flags      FlagsConfig      `yaml:"flags"`
	Stop       StopConfig       `yaml:"stop"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`

	// Traces lists enabled diagnostic channels:
	// threads, redo, archive-list, file, sleep.
	Traces []string `yaml:"traces"`

	// DisableChecks lists consistency checks to skip. Recognized: block-sum.
	DisableChecks []string `yaml:"disable_checks"`
}

// SourceConfig identifies the source database and its redo layout.
type SourceConfig struct {
	// Name is the database name; archives live under
	// <recovery_file_dest>/<name>/archivelog.
	Name string `yaml:"name"`

	// LogArchiveFormat is the archive filename template with
	// %s %S %t %T %r %a %d %h wildcards.
	LogArchiveFormat string `yaml:"log_archive_format"`

	// RecoveryFileDest is the database's archive destination root.
	RecoveryFileDest string `yaml:"recovery_file_dest"`

	// DbBlockChecksum mirrors the database parameter (TYPICAL | OFF | FALSE).
	DbBlockChecksum string `yaml:"db_block_checksum"`

	// DbTimezone is the database timezone offset in seconds.
	DbTimezone int `yaml:"db_timezone"`

	// StartScn / StartSequence position the reader when no checkpoint exists.
	StartScn      uint64 `yaml:"start_scn"`
	StartSequence int64  `yaml:"start_sequence"` // -1 = unset
	StartTime     string `yaml:"start_time"`
	StartTimeRel  int64  `yaml:"start_time_rel"`

	// PathMapping is an ordered list of prefix rewrites applied to every
	// path taken from the database catalog.
	PathMapping []PathPair `yaml:"path_mapping"`

	// RedoLogsBatch lists explicit archive files or directories for batch
	// discovery. Entries may use the s3:// scheme.
	RedoLogsBatch []string `yaml:"redo_logs_batch"`

	// RedoLogs registers online redo log members as (thread, group, path).
	RedoLogs []RedoLogEntry `yaml:"redo_logs"`
}

// PathPair is one (source-prefix, target-prefix) mapping.
type PathPair struct {
	Source string `yaml:"source"`
	Target string `yaml:"target"`
}

// RedoLogEntry registers one online redo log member.
type RedoLogEntry struct {
	Thread uint16 `yaml:"thread"`
	Group  int    `yaml:"group"`
	Path   string `yaml:"path"`
}

// ArchiveConfig controls archive discovery.
type ArchiveConfig struct {
	// Mode selects the discovery strategy: path | list.
	Mode string `yaml:"mode"`

	// Watch enables the fsnotify nudge on the archivelog tree so the
	// scheduler wakes before its poll interval elapses.
	Watch bool `yaml:"watch"`

	// S3Region configures the object store client for s3:// batch entries.
	S3Region string `yaml:"s3_region"`
}

// TimingConfig holds the engine's polling constants.
type TimingConfig struct {
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	RedoReadSleep   time.Duration `yaml:"redo_read_sleep"`
	ArchReadSleep   time.Duration `yaml:"arch_read_sleep"`
	ArchReadTries   int           `yaml:"arch_read_tries"`
}

// FlagsConfig holds the boolean behavior switches.
type FlagsConfig struct {
	Schemaless   bool `yaml:"schemaless"`
	ArchOnly     bool `yaml:"arch_only"`
	BootFailsafe bool `yaml:"boot_failsafe"`
	Verbose      bool `yaml:"verbose"`
}

// StopConfig holds the debug stop predicates; zero disables each.
type StopConfig struct {
	LogSwitches  int64 `yaml:"log_switches"`
	Transactions int64 `yaml:"transactions"`
}

// CheckpointConfig selects and configures the checkpoint backend.
type CheckpointConfig struct {
	// Backend is file | redis.
	Backend string `yaml:"backend"`

	// Dir is the checkpoint directory for the file backend.
	Dir string `yaml:"dir"`

	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig configures the Redis checkpoint backend.
type RedisConfig struct {
	Address  string        `yaml:"address"`
	Password string        `yaml:"password"`
	Database int           `yaml:"database"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl"`
	Timeout  time.Duration `yaml:"timeout"`
}

// TelemetryConfig configures OTLP export.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Version: 1,
		Source: SourceConfig{
			LogArchiveFormat: "o1_mf_%t_%s_%h_.arc",
			DbBlockChecksum:  "TYPICAL",
			StartSequence:    -1,
		},
		Archive: ArchiveConfig{
			Mode: "path",
		},
		Timing: TimingConfig{
			RefreshInterval: 10 * time.Second,
			RedoReadSleep:   50 * time.Millisecond,
			ArchReadSleep:   5 * time.Second,
			ArchReadTries:   3,
		},
		Checkpoint: CheckpointConfig{
			Backend: "file",
			Dir:     "checkpoints",
			Redis: RedisConfig{
				Prefix:  "redoflow:checkpoints:",
				TTL:     24 * time.Hour,
				Timeout: 5 * time.Second,
			},
		},
		Telemetry: TelemetryConfig{
			Endpoint:    "localhost:4317",
			ServiceName: "redoflow",
			Insecure:    true,
		},
	}
}

// Load reads a yaml file over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Source.Name == "" {
		return fmt.Errorf("source.name is required")
	}
	switch c.Archive.Mode {
	case "path", "list":
	default:
		return fmt.Errorf("archive.mode must be path or list, got %q", c.Archive.Mode)
	}
	if c.Archive.Mode == "path" && c.Source.RecoveryFileDest == "" {
		return fmt.Errorf("source.recovery_file_dest is required for archive.mode=path")
	}
	switch c.Checkpoint.Backend {
	case "file", "redis":
	default:
		return fmt.Errorf("checkpoint.backend must be file or redis, got %q", c.Checkpoint.Backend)
	}
	if c.Checkpoint.Backend == "redis" && c.Checkpoint.Redis.Address == "" {
		return fmt.Errorf("checkpoint.redis.address is required for the redis backend")
	}
	if c.Timing.ArchReadTries <= 0 {
		c.Timing.ArchReadTries = 3
	}
	return nil
}
