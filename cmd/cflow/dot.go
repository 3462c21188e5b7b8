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
	"io"
	"log/slog"
	"os"

	"github.com/AleutianAI/cflow/services/cflow/cache"
	"github.com/spf13/cobra"
)

var (
	dotMethod string
	dotOut    string
)

var dotCmd = &cobra.Command{
	Use:   "dot TRACE_FILE",
	Short: "Render a method's basic-block graph in Graphviz DOT",
	Long: `Build the basic-block control-flow graph of one method and print it in
Graphviz DOT syntax. The output is meant for debugging; its exact layout is
not stable.

Examples:
  cflow dot traces.yaml --method Foo.bar | dot -Tsvg > foo.svg
  cflow dot traces.yaml --method Foo.bar -o foo.dot`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		w := cmd.OutOrStdout()
		if dotOut != "" {
			f, err := os.Create(dotOut)
			if err != nil {
				return fmt.Errorf("create %s: %w", dotOut, err)
			}
			defer f.Close()
			w = f
		}
		return runDot(cmd.Context(), w, args[0], dotMethod, appEvictor)
	},
}

func init() {
	dotCmd.Flags().StringVar(&dotMethod, "method", "", "method name (default: the only method in the file)")
	dotCmd.Flags().StringVarP(&dotOut, "out", "o", "", "write to this file instead of stdout")
}

func runDot(ctx context.Context, w io.Writer, path, method string, evictor *cache.Evictor) error {
	if ctx == nil {
		ctx = context.Background()
	}
	tf, err := LoadTraceFile(path)
	if err != nil {
		return err
	}

	if method == "" {
		if len(tf.Methods) != 1 {
			return fmt.Errorf("%s holds %d methods; choose one with --method", path, len(tf.Methods))
		}
		method = tf.Methods[0].Name
	}
	mt, ok := tf.Method(method)
	if !ok {
		return fmt.Errorf("method %q not found in %s", method, path)
	}

	r, err := mt.Replay(ctx, evictor, slog.Default())
	if err != nil {
		return err
	}
	c, err := r.BasicBlockCFG(ctx)
	if err != nil {
		return fmt.Errorf("method %s: %w", method, err)
	}
	return c.WriteDOT(w, dotGraphName(method))
}

// dotGraphName turns a method name into a DOT identifier.
func dotGraphName(method string) string {
	out := make([]byte, 0, len(method))
	for i := 0; i < len(method); i++ {
		c := method[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '_':
			out = append(out, c)
		case c >= '0' && c <= '9':
			if len(out) == 0 {
				out = append(out, '_')
			}
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	if len(out) == 0 {
		return "cfg"
	}
	return string(out)
}
