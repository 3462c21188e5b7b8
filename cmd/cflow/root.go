// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/AleutianAI/cflow/pkg/logging"
	"github.com/AleutianAI/cflow/services/cflow/cache"
	"github.com/AleutianAI/cflow/services/cflow/config"
	"github.com/AleutianAI/cflow/services/cflow/telemetry"
	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// =============================================================================
// GLOBAL STATE
// =============================================================================

var (
	configPath  string
	logLevel    string
	outputFlag  string
	noColorFlag bool

	// Set in PersistentPreRunE.
	appConfig         *config.Config
	appLogger         *logging.Logger
	appEvictor        *cache.Evictor
	telemetryShutdown func(context.Context) error
)

// =============================================================================
// COMMAND DEFINITIONS
// =============================================================================

var rootCmd = &cobra.Command{
	Use:   "cflow",
	Short: "Control-flow analysis of recorded method traces",
	Long: `cflow reads trace files produced by an abstract interpreter and derives
the control-flow structures of every recorded method.

Configuration is read from --config (YAML or JSON) and CFLOW_* environment
variables.

Examples:
  cflow analyze traces.yaml
  cflow analyze traces.yaml --output json
  cflow dot traces.yaml --method Foo.bar -o foo.dot`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return teardown(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "configuration file (YAML or JSON)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&outputFlag, "output", "", "output format: table or json")
	rootCmd.PersistentFlags().BoolVar(&noColorFlag, "no-color", false, "disable colored output")

	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(dotCmd)
	rootCmd.AddCommand(versionCmd)
}

// setup loads configuration and builds the process-wide logger, evictor
// and telemetry.
func setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if outputFlag != "" {
		cfg.Output.Format = outputFlag
	}
	if noColorFlag {
		cfg.Output.Color = "never"
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	appConfig = cfg

	appLogger = logging.New(logging.Config{
		Level:   cfg.LoggingLevel(),
		LogDir:  cfg.Logging.Dir,
		Service: cfg.Telemetry.ServiceName,
		JSON:    cfg.Logging.JSON,
	})
	slog.SetDefault(appLogger.Slog())
	if err := appLogger.FileError(); err != nil {
		slog.Warn("file logging disabled", slog.String("error", err.Error()))
	}

	color.NoColor = !useColor(cfg.Output.Color)
	appEvictor = cache.NewEvictor(cfg.Cache.Capacity)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	shutdown, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	telemetryShutdown = shutdown
	return nil
}

func teardown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var err error
	if telemetryShutdown != nil {
		err = telemetryShutdown(ctx)
	}
	if appLogger != nil {
		if cerr := appLogger.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// useColor resolves "auto", "always" and "never".
func useColor(mode string) bool {
	switch mode {
	case "always":
		return true
	case "never":
		return false
	}
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	fd := os.Stdout.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
