// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the cascade engine configuration from YAML files and
// CASCADE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianCascade/services/cascade/batch"
	"github.com/AleutianAI/AleutianCascade/services/cascade/graph"
	"github.com/AleutianAI/AleutianCascade/services/cascade/impact"
	"github.com/AleutianAI/AleutianCascade/services/cascade/memory"
	"github.com/AleutianAI/AleutianCascade/services/cascade/tracker"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g.
// CASCADE_TRACKER_MAX_CONCURRENT_OPERATIONS=5.
const EnvPrefix = "CASCADE"

var validate = validator.New()

// Config is the full engine configuration.
type Config struct {
	Logging   LoggingConfig   `yaml:"logging" mapstructure:"logging"`
	Graph     GraphConfig     `yaml:"graph" mapstructure:"graph"`
	Impact    ImpactConfig    `yaml:"impact" mapstructure:"impact"`
	Preview   PreviewConfig   `yaml:"preview" mapstructure:"preview"`
	Batch     batch.Options   `yaml:"batch" mapstructure:"batch"`
	Deletion  batch.Options   `yaml:"deletion" mapstructure:"deletion"`
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`
	Memory    memory.Config   `yaml:"memory" mapstructure:"memory"`
	Tracker   tracker.Config  `yaml:"tracker" mapstructure:"tracker"`
	Archive   ArchiveConfig   `yaml:"archive" mapstructure:"archive"`
	Telemetry TelemetryConfig `yaml:"telemetry" mapstructure:"telemetry"`
}

// LoggingConfig mirrors logging.Config for file-based setup.
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level" validate:"oneof=debug info warn error"`
	JSON   bool   `yaml:"json" mapstructure:"json"`
	LogDir string `yaml:"log_dir" mapstructure:"log_dir"`
}

// GraphConfig holds dependency traversal limits.
type GraphConfig struct {
	MaxDepth          int           `yaml:"max_depth" mapstructure:"max_depth" validate:"gte=1,lte=32"`
	IncludeIndirect   bool          `yaml:"include_indirect" mapstructure:"include_indirect"`
	BatchSize         int           `yaml:"batch_size" mapstructure:"batch_size" validate:"gte=1"`
	LookupConcurrency int           `yaml:"lookup_concurrency" mapstructure:"lookup_concurrency" validate:"gte=1"`
	Timeout           time.Duration `yaml:"timeout" mapstructure:"timeout"`

	// Workers and QueueSize size the preview worker pool. Zero Workers
	// computes every preview inline.
	Workers   int `yaml:"workers" mapstructure:"workers" validate:"gte=0"`
	QueueSize int `yaml:"queue_size" mapstructure:"queue_size" validate:"gte=0"`
}

// Options converts the config to calculator options.
func (g GraphConfig) Options() graph.Options {
	return graph.Options{
		MaxDepth:          g.MaxDepth,
		IncludeIndirect:   g.IncludeIndirect,
		BatchSize:         g.BatchSize,
		LookupConcurrency: g.LookupConcurrency,
		Timeout:           g.Timeout,
	}
}

// ImpactConfig holds severity policy.
type ImpactConfig struct {
	Thresholds impact.Thresholds `yaml:"thresholds" mapstructure:"thresholds"`

	// ClassificationFile is a YAML severity table. Empty uses the
	// built-in table where every type is low severity.
	ClassificationFile string `yaml:"classification_file" mapstructure:"classification_file"`

	// AllowForce permits force deletion of entities the analyzer blocks.
	AllowForce bool `yaml:"allow_force" mapstructure:"allow_force"`
}

// PreviewConfig controls preview sharing.
type PreviewConfig struct {
	CacheEnabled  bool          `yaml:"cache_enabled" mapstructure:"cache_enabled"`
	CacheTTL      time.Duration `yaml:"cache_ttl" mapstructure:"cache_ttl"`
	DebounceDelay time.Duration `yaml:"debounce_delay" mapstructure:"debounce_delay"`
}

// RateLimitConfig sizes the sliding-window limiters.
type RateLimitConfig struct {
	RequestsPerSecond         int           `yaml:"requests_per_second" mapstructure:"requests_per_second" validate:"gte=1"`
	DeletionRequestsPerSecond int           `yaml:"deletion_requests_per_second" mapstructure:"deletion_requests_per_second" validate:"gte=1"`
	Window                    time.Duration `yaml:"window" mapstructure:"window"`
}

// ArchiveConfig locates the operation archive. Empty Dir with InMemory
// false disables archiving.
type ArchiveConfig struct {
	Dir       string        `yaml:"dir" mapstructure:"dir"`
	InMemory  bool          `yaml:"in_memory" mapstructure:"in_memory"`
	Retention time.Duration `yaml:"retention" mapstructure:"retention"`
}

// Enabled reports whether an archive should be opened.
func (a ArchiveConfig) Enabled() bool {
	return a.InMemory || a.Dir != ""
}

// TelemetryConfig selects exporters.
type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name" mapstructure:"service_name"`
	TraceExporter  string `yaml:"trace_exporter" mapstructure:"trace_exporter" validate:"omitempty,oneof=otlp stdout none"`
	MetricExporter string `yaml:"metric_exporter" mapstructure:"metric_exporter" validate:"omitempty,oneof=prometheus stdout none"`
	OTLPEndpoint   string `yaml:"otlp_endpoint" mapstructure:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure" mapstructure:"otlp_insecure"`
}

// Default returns the built-in configuration.
func Default() Config {
	g := graph.DefaultOptions()
	return Config{
		Logging: LoggingConfig{Level: "info"},
		Graph: GraphConfig{
			MaxDepth:          g.MaxDepth,
			IncludeIndirect:   g.IncludeIndirect,
			BatchSize:         g.BatchSize,
			LookupConcurrency: g.LookupConcurrency,
			Timeout:           30 * time.Second,
			Workers:           4,
			QueueSize:         16,
		},
		Impact: ImpactConfig{Thresholds: impact.DefaultThresholds()},
		Preview: PreviewConfig{
			CacheEnabled:  true,
			CacheTTL:      5 * time.Minute,
			DebounceDelay: 300 * time.Millisecond,
		},
		Batch:    batch.DefaultOptions(),
		Deletion: batch.DeletionOptions(),
		RateLimit: RateLimitConfig{
			RequestsPerSecond:         10,
			DeletionRequestsPerSecond: 5,
			Window:                    time.Second,
		},
		Memory:  memory.DefaultConfig(),
		Tracker: tracker.DefaultConfig(),
		Archive: ArchiveConfig{Retention: 24 * time.Hour},
		Telemetry: TelemetryConfig{
			ServiceName:    "cascade",
			TraceExporter:  "none",
			MetricExporter: "prometheus",
			OTLPEndpoint:   "localhost:4317",
			OTLPInsecure:   true,
		},
	}
}

// Load reads path (optional) and applies CASCADE_* environment overrides
// on top of Default.
//
// # Inputs
//
//   - path: YAML config file. Empty skips the file.
//
// # Outputs
//
//   - Config: Merged and validated configuration.
//   - error: Non-nil if the file cannot be read or validation fails.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// setDefaults registers every leaf of def with v. AutomaticEnv only
// resolves keys viper already knows about.
func setDefaults(v *viper.Viper, def Config) {
	v.SetDefault("logging.level", def.Logging.Level)
	v.SetDefault("logging.json", def.Logging.JSON)
	v.SetDefault("logging.log_dir", def.Logging.LogDir)

	v.SetDefault("graph.max_depth", def.Graph.MaxDepth)
	v.SetDefault("graph.include_indirect", def.Graph.IncludeIndirect)
	v.SetDefault("graph.batch_size", def.Graph.BatchSize)
	v.SetDefault("graph.lookup_concurrency", def.Graph.LookupConcurrency)
	v.SetDefault("graph.timeout", def.Graph.Timeout)
	v.SetDefault("graph.workers", def.Graph.Workers)
	v.SetDefault("graph.queue_size", def.Graph.QueueSize)

	v.SetDefault("impact.thresholds.critical", def.Impact.Thresholds.Critical)
	v.SetDefault("impact.thresholds.high", def.Impact.Thresholds.High)
	v.SetDefault("impact.thresholds.medium", def.Impact.Thresholds.Medium)
	v.SetDefault("impact.classification_file", def.Impact.ClassificationFile)
	v.SetDefault("impact.allow_force", def.Impact.AllowForce)

	v.SetDefault("preview.cache_enabled", def.Preview.CacheEnabled)
	v.SetDefault("preview.cache_ttl", def.Preview.CacheTTL)
	v.SetDefault("preview.debounce_delay", def.Preview.DebounceDelay)

	for prefix, o := range map[string]batch.Options{"batch": def.Batch, "deletion": def.Deletion} {
		v.SetDefault(prefix+".chunk_size", o.ChunkSize)
		v.SetDefault(prefix+".concurrency", o.Concurrency)
		v.SetDefault(prefix+".delay_between_chunks", o.DelayBetweenChunks)
		v.SetDefault(prefix+".max_retries", o.MaxRetries)
		v.SetDefault(prefix+".retry_delay", o.RetryDelay)
		v.SetDefault(prefix+".progress_every", o.ProgressEvery)
		v.SetDefault(prefix+".item_timeout", o.ItemTimeout)
	}

	v.SetDefault("rate_limit.requests_per_second", def.RateLimit.RequestsPerSecond)
	v.SetDefault("rate_limit.deletion_requests_per_second", def.RateLimit.DeletionRequestsPerSecond)
	v.SetDefault("rate_limit.window", def.RateLimit.Window)

	v.SetDefault("memory.limit_mb", def.Memory.LimitMB)
	v.SetDefault("memory.cooldown", def.Memory.Cooldown)
	v.SetDefault("memory.history_size", def.Memory.HistorySize)

	v.SetDefault("tracker.max_concurrent_operations", def.Tracker.MaxConcurrentOperations)
	v.SetDefault("tracker.poll_interval", def.Tracker.PollInterval)

	v.SetDefault("archive.dir", def.Archive.Dir)
	v.SetDefault("archive.in_memory", def.Archive.InMemory)
	v.SetDefault("archive.retention", def.Archive.Retention)

	v.SetDefault("telemetry.service_name", def.Telemetry.ServiceName)
	v.SetDefault("telemetry.trace_exporter", def.Telemetry.TraceExporter)
	v.SetDefault("telemetry.metric_exporter", def.Telemetry.MetricExporter)
	v.SetDefault("telemetry.otlp_endpoint", def.Telemetry.OTLPEndpoint)
	v.SetDefault("telemetry.otlp_insecure", def.Telemetry.OTLPInsecure)
}

// Validate checks struct tags and the cross-field rules the tags cannot
// express.
func (c Config) Validate() error {
	var errs []error
	if err := validate.Struct(c); err != nil {
		errs = append(errs, err)
	}
	if err := c.Impact.Thresholds.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("impact.thresholds: %w", err))
	}
	if err := c.Batch.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("batch: %w", err))
	}
	if err := c.Deletion.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("deletion: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// WriteDefault writes the default configuration to path as YAML.
func WriteDefault(path string) error {
	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write default config %s: %w", path, err)
	}
	return nil
}
