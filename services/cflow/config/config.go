// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the cflow command configuration.
//
// Sources are layered, later ones winning:
//
//  1. DefaultConfig()
//  2. an optional YAML (or JSON) file
//  3. CFLOW_* environment variables (see EnvOverrides)
//
// The merged result is validated before it is returned.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/AleutianAI/cflow/pkg/logging"
	"github.com/AleutianAI/cflow/services/cflow/cache"
	"github.com/AleutianAI/cflow/services/cflow/telemetry"
	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Output formats.
const (
	FormatTable = "table"
	FormatJSON  = "json"
)

// Config is the complete cflow configuration.
type Config struct {
	Logging   LoggingConfig    `koanf:"logging" yaml:"logging"`
	Telemetry telemetry.Config `koanf:"telemetry" yaml:"telemetry"`
	Cache     CacheConfig      `koanf:"cache" yaml:"cache"`
	Analysis  AnalysisConfig   `koanf:"analysis" yaml:"analysis"`
	Output    OutputConfig     `koanf:"output" yaml:"output"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level string `koanf:"level" yaml:"level" validate:"loglevel"`
	JSON  bool   `koanf:"json" yaml:"json"`
	Dir   string `koanf:"dir" yaml:"dir"`
}

// CacheConfig sizes the soft cache shared by all recorders of a run.
type CacheConfig struct {
	// Capacity is the number of derived structures kept; 0 selects
	// cache.DefaultCapacity.
	Capacity int `koanf:"capacity" yaml:"capacity" validate:"gte=0"`
}

// AnalysisConfig controls batch analysis.
type AnalysisConfig struct {
	// Parallelism bounds concurrently analyzed methods; 0 means one per CPU.
	Parallelism int  `koanf:"parallelism" yaml:"parallelism" validate:"gte=0,lte=1024"`
	SkipCFG     bool `koanf:"skip_cfg" yaml:"skip_cfg"`
}

// OutputConfig controls command output.
type OutputConfig struct {
	Format string `koanf:"format" yaml:"format" validate:"oneof=table json"`

	// Color is "auto" (color on a terminal), "always" or "never".
	Color string `koanf:"color" yaml:"color" validate:"oneof=auto always never"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level: "info",
		},
		Telemetry: telemetry.DefaultConfig(),
		Cache: CacheConfig{
			Capacity: cache.DefaultCapacity,
		},
		Analysis: AnalysisConfig{},
		Output: OutputConfig{
			Format: FormatTable,
			Color:  "auto",
		},
	}
}

// EnvOverrides maps environment variables to configuration keys.
var EnvOverrides = map[string]string{
	"CFLOW_LOG_LEVEL":             "logging.level",
	"CFLOW_LOG_JSON":              "logging.json",
	"CFLOW_LOG_DIR":               "logging.dir",
	"CFLOW_CACHE_CAPACITY":        "cache.capacity",
	"CFLOW_PARALLELISM":           "analysis.parallelism",
	"CFLOW_SKIP_CFG":              "analysis.skip_cfg",
	"CFLOW_OUTPUT_FORMAT":         "output.format",
	"CFLOW_COLOR":                 "output.color",
	"CFLOW_TRACE_EXPORTER":        "telemetry.trace_exporter",
	"CFLOW_METRIC_EXPORTER":       "telemetry.metric_exporter",
	"CFLOW_OTLP_ENDPOINT":         "telemetry.otlp_endpoint",
	"CFLOW_OTLP_INSECURE":         "telemetry.otlp_insecure",
	"CFLOW_TELEMETRY_SERVICE":     "telemetry.service_name",
	"CFLOW_TELEMETRY_ENVIRONMENT": "telemetry.environment",
}

// Load builds the configuration from defaults, the file at path (skipped
// when path is empty) and the environment, then validates it.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	cfg := DefaultConfig()

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}

	keys := make([]string, 0, len(EnvOverrides))
	for env := range EnvOverrides {
		keys = append(keys, env)
	}
	sort.Strings(keys)
	for _, env := range keys {
		if v, ok := os.LookupEnv(env); ok {
			if err := k.Set(EnvOverrides[env], v); err != nil {
				return nil, fmt.Errorf("apply %s: %w", env, err)
			}
		}
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// =============================================================================
// Validation
// =============================================================================

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("loglevel", func(fl validator.FieldLevel) bool {
		_, err := logging.ParseLevel(fl.Field().String())
		return err == nil
	})
}

// Validate checks every section. The error wraps ErrInvalidConfig and
// lists each failing field.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	msgs := make([]error, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, fmt.Errorf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(msgs...))
}

// LoggingLevel returns the parsed log level. Call after Validate.
func (c *Config) LoggingLevel() logging.Level {
	level, _ := logging.ParseLevel(c.Logging.Level)
	return level
}
