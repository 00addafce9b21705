// Package config provides unified configuration for the shardtask core.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the configuration consumed by the core. Partition counts are
// fixed at deployment time; changing one requires a full re-partitioning
// migration, so they are read-only after startup.
type Config struct {
	// DataDir is the base directory for the database and snapshots.
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// ActivePartitionCount is the number of hash partitions of the active
	// item store.
	ActivePartitionCount int `json:"active_partition_count" yaml:"active_partition_count"`

	// InteractionPartitionCount is the number of hash partitions of the
	// AI-interaction log.
	InteractionPartitionCount int `json:"interaction_partition_count" yaml:"interaction_partition_count"`

	// Archival configuration.
	Archival ArchivalConfig `json:"archival" yaml:"archival"`

	// Migration configuration.
	Migration MigrationConfig `json:"migration" yaml:"migration"`

	// Maintenance configuration.
	Maintenance MaintenanceConfig `json:"maintenance" yaml:"maintenance"`

	// Storage configures snapshot export of retiring archive partitions.
	Storage StorageConfig `json:"storage" yaml:"storage"`
}

// ArchivalConfig controls when completed items move to the archive store.
type ArchivalConfig struct {
	// AgeThresholdDays is the minimum age of completed_at before a done
	// item becomes eligible for archival.
	AgeThresholdDays int `json:"age_threshold_days" yaml:"age_threshold_days"`

	// RetentionMonths is how many months of archive partitions to keep.
	// Zero disables retention: partitions are never dropped.
	RetentionMonths int `json:"retention_months" yaml:"retention_months"`

	// ProvisionAheadMonths is how many future monthly partitions the daily
	// job keeps provisioned ahead of the current date.
	ProvisionAheadMonths int `json:"provision_ahead_months" yaml:"provision_ahead_months"`

	// BatchSize is the number of rows moved per archival batch.
	BatchSize int `json:"batch_size" yaml:"batch_size"`
}

// MigrationConfig controls the one-shot legacy migration.
type MigrationConfig struct {
	// BatchSize is the number of legacy rows copied per batch.
	BatchSize int `json:"batch_size" yaml:"batch_size"`
}

// MaintenanceConfig controls the recurring maintenance jobs.
type MaintenanceConfig struct {
	// DailySchedule is the cron expression for the daily job.
	DailySchedule string `json:"daily_schedule" yaml:"daily_schedule"`

	// WeeklySchedule is the cron expression for the weekly job.
	WeeklySchedule string `json:"weekly_schedule" yaml:"weekly_schedule"`

	// StaleStatsDays is how many days without ANALYZE before the health
	// monitor flags a partition.
	StaleStatsDays int `json:"stale_stats_days" yaml:"stale_stats_days"`

	// DeadRowRatio is the dead-row fraction above which the health monitor
	// flags a partition.
	DeadRowRatio float64 `json:"dead_row_ratio" yaml:"dead_row_ratio"`
}

// StorageConfig holds snapshot storage configuration.
type StorageConfig struct {
	// Type is the storage type: local, s3.
	Type string `json:"type" yaml:"type"`

	// Path is the local storage path (for local type).
	Path string `json:"path" yaml:"path"`

	// S3 configuration (for s3 type).
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	// Bucket is the S3 bucket name.
	Bucket string `json:"bucket" yaml:"bucket"`

	// Region is the AWS region.
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage).
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// DefaultConfig returns the defaults of the observed deployment.
func DefaultConfig() *Config {
	return &Config{
		DataDir:                   "./data/shardtask",
		ActivePartitionCount:      16,
		InteractionPartitionCount: 8,
		Archival: ArchivalConfig{
			AgeThresholdDays:     30,
			RetentionMonths:      0, // retention disabled unless configured
			ProvisionAheadMonths: 3,
			BatchSize:            500,
		},
		Migration: MigrationConfig{
			BatchSize: 1000,
		},
		Maintenance: MaintenanceConfig{
			DailySchedule:  "0 2 * * *",
			WeeklySchedule: "0 3 * * 0",
			StaleStatsDays: 7,
			DeadRowRatio:   0.2,
		},
		Storage: StorageConfig{
			Type: "local",
			Path: "",
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/shardtask"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "snapshots")
	}
}

// DatabasePath returns the path to the partitioned database.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "todos.db")
}

// RetentionEnabled reports whether archive retention is explicitly
// configured. Partition drops must never run without it.
func (c *Config) RetentionEnabled() bool {
	return c.Archival.RetentionMonths > 0
}

// ArchivalAge returns the archival age threshold as a duration.
func (c *Config) ArchivalAge() time.Duration {
	return time.Duration(c.Archival.AgeThresholdDays) * 24 * time.Hour
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.ActivePartitionCount <= 0 {
		return fmt.Errorf("active_partition_count must be > 0, got %d", c.ActivePartitionCount)
	}
	if c.InteractionPartitionCount <= 0 {
		return fmt.Errorf("interaction_partition_count must be > 0, got %d", c.InteractionPartitionCount)
	}
	if c.Archival.AgeThresholdDays < 0 {
		return fmt.Errorf("archival.age_threshold_days must be >= 0, got %d", c.Archival.AgeThresholdDays)
	}
	if c.Archival.RetentionMonths < 0 {
		return fmt.Errorf("archival.retention_months must be >= 0, got %d", c.Archival.RetentionMonths)
	}
	if c.Archival.ProvisionAheadMonths < 1 {
		return fmt.Errorf("archival.provision_ahead_months must be >= 1, got %d", c.Archival.ProvisionAheadMonths)
	}
	if c.Archival.BatchSize <= 0 {
		return fmt.Errorf("archival.batch_size must be > 0, got %d", c.Archival.BatchSize)
	}
	if c.Migration.BatchSize <= 0 {
		return fmt.Errorf("migration.batch_size must be > 0, got %d", c.Migration.BatchSize)
	}
	if c.Storage.Type != "local" && c.Storage.Type != "s3" {
		return fmt.Errorf("invalid storage type: %s (must be local or s3)", c.Storage.Type)
	}
	if c.Storage.Type == "s3" && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required when storage type is s3")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the SHARDTASK_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("SHARDTASK_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("SHARDTASK_ACTIVE_PARTITIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ActivePartitionCount = n
		}
	}
	if v := os.Getenv("SHARDTASK_INTERACTION_PARTITIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.InteractionPartitionCount = n
		}
	}
	if v := os.Getenv("SHARDTASK_ARCHIVAL_AGE_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Archival.AgeThresholdDays = n
		}
	}
	if v := os.Getenv("SHARDTASK_RETENTION_MONTHS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Archival.RetentionMonths = n
		}
	}
	if v := os.Getenv("SHARDTASK_PROVISION_AHEAD_MONTHS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Archival.ProvisionAheadMonths = n
		}
	}
	if v := os.Getenv("SHARDTASK_MIGRATION_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Migration.BatchSize = n
		}
	}
	if v := os.Getenv("SHARDTASK_DAILY_SCHEDULE"); v != "" {
		cfg.Maintenance.DailySchedule = v
	}
	if v := os.Getenv("SHARDTASK_WEEKLY_SCHEDULE"); v != "" {
		cfg.Maintenance.WeeklySchedule = v
	}
	if v := os.Getenv("SHARDTASK_STORAGE_TYPE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := os.Getenv("SHARDTASK_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("SHARDTASK_S3_BUCKET"); v != "" {
		cfg.Storage.S3.Bucket = v
	}
	if v := os.Getenv("SHARDTASK_S3_REGION"); v != "" {
		cfg.Storage.S3.Region = v
	}
	if v := os.Getenv("SHARDTASK_S3_ENDPOINT"); v != "" {
		cfg.Storage.S3.Endpoint = v
	}
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.DataDir}
	if c.Storage.Type == "local" {
		dirs = append(dirs, c.Storage.Path)
	}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
