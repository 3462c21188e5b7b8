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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/AleutianAI/cflow/services/cflow/batch"
	"github.com/AleutianAI/cflow/services/cflow/cache"
	"github.com/AleutianAI/cflow/services/cflow/config"
	"github.com/AleutianAI/cflow/services/cflow/recorder"
	"github.com/AleutianAI/cflow/services/cflow/telemetry"
	"github.com/spf13/cobra"
)

var analyzeServeMetrics string

var analyzeCmd = &cobra.Command{
	Use:   "analyze TRACE_FILE",
	Short: "Derive control-flow structures for every method in a trace file",
	Long: `Replay every method of TRACE_FILE into a recorder and compute its
dominator tree, post-dominator tree, control dependencies and basic-block
graph. Methods are analyzed concurrently (analysis.parallelism).

With --serve-metrics ADDR and telemetry.metric_exporter=prometheus, the
command keeps serving /metrics on ADDR after printing until interrupted.

Examples:
  cflow analyze traces.yaml
  cflow analyze traces.yaml --output json
  CFLOW_METRIC_EXPORTER=prometheus cflow analyze traces.yaml --serve-metrics :9464`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		analyzeErr := runAnalyze(ctx, cmd.OutOrStdout(), args[0], appConfig, appEvictor)
		if analyzeServeMetrics == "" {
			return analyzeErr
		}
		return errors.Join(analyzeErr, serveMetrics(ctx, analyzeServeMetrics))
	},
}

func init() {
	analyzeCmd.Flags().StringVar(&analyzeServeMetrics, "serve-metrics", "", "serve Prometheus metrics on this address after analysis")
}

// runAnalyze replays, analyzes and renders every method of the trace file
// at path. It fails when any method fails, after rendering all of them.
func runAnalyze(ctx context.Context, w io.Writer, path string, cfg *config.Config, evictor *cache.Evictor) error {
	if ctx == nil {
		ctx = context.Background()
	}
	tf, err := LoadTraceFile(path)
	if err != nil {
		return err
	}

	methods := make([]batch.Method, 0, len(tf.Methods))
	for _, mt := range tf.Methods {
		r, err := mt.Replay(ctx, evictor, slog.Default())
		if err != nil {
			return err
		}
		methods = append(methods, batch.Method{Name: mt.Name, Recorder: r})
	}

	results, batchErr := batch.Analyze(ctx, methods, batch.Options{
		Parallelism: cfg.Analysis.Parallelism,
		SkipCFG:     cfg.Analysis.SkipCFG,
	})

	summaries := make([]methodSummary, len(results))
	for i, res := range results {
		summaries[i] = summarize(methods[i].Recorder, res)
		if res.Err != nil {
			slog.Warn("method analysis failed",
				slog.String("method", res.Name),
				slog.String("error", res.Err.Error()),
			)
		}
	}

	if err := render(w, cfg.Output.Format, summaries); err != nil {
		return err
	}
	if batchErr != nil {
		return fmt.Errorf("analysis failed: %w", batchErr)
	}
	return nil
}

// summarize condenses one batch result for display.
func summarize(r *recorder.Recorder, res batch.Result) methodSummary {
	s := methodSummary{
		Name:                res.Name,
		MaxPC:               r.MaxPC(),
		Edges:               r.EdgeCount(),
		Exits:               r.ExitPCs().Len(),
		InfiniteLoopHeaders: r.InfiniteLoopHeaders().Slice(),
		Fingerprint:         fmt.Sprintf("%016x", res.Fingerprint),
		DurationMS:          float64(res.Duration.Microseconds()) / 1000,
	}
	if dt := res.DominatorTree; dt != nil {
		s.Reached = dt.ReachedCount()
		if dt.HasVirtualStartNode() {
			s.Reached--
		}
		s.DominatorDepth = dt.MaxDepth()
	}
	if pdt := res.PostDominatorTree; pdt != nil {
		s.Augmented = pdt.IsAugmented()
	}
	if cd := res.ControlDependencies; cd != nil {
		s.Controllers = cd.ControllerCount()
		s.ControlEdges = cd.EdgeCount()
	}
	if c := res.CFG; c != nil {
		s.Blocks = len(c.Blocks())
		s.CatchNodes = len(c.CatchNodes())
	}
	if res.Err != nil {
		s.Error = res.Err.Error()
	}
	return s
}

// serveMetrics serves telemetry.MetricsHandler on addr until ctx is done
// or the process is interrupted.
func serveMetrics(ctx context.Context, addr string) error {
	handler := telemetry.MetricsHandler()
	if handler == nil {
		return errors.New("--serve-metrics requires telemetry.metric_exporter=prometheus")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("serving metrics", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve metrics: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
