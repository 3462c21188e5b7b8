// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

// =============================================================================
// Level Tests
// =============================================================================

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.level.String(); got != tt.want {
				t.Errorf("Level.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"", LevelInfo, false},
		{" warning ", LevelWarn, false},
		{"warn", LevelWarn, false},
		{"Error", LevelError, false},
		{"verbose", LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestLevel_toSlogLevel(t *testing.T) {
	if got := Level(-1).toSlogLevel(); got != slog.LevelInfo {
		t.Errorf("unknown level maps to %v, want Info", got)
	}
	if got := LevelWarn.toSlogLevel(); got != slog.LevelWarn {
		t.Errorf("LevelWarn maps to %v", got)
	}
}

// =============================================================================
// Logger Tests
// =============================================================================

func TestNew_WritesToOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelInfo, Service: "cflow-test", Output: &buf})
	defer logger.Close()

	logger.Slog().Debug("hidden")
	logger.Slog().Info("analysis finished", "methods", 3)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("debug message written at info level")
	}
	for _, want := range []string{"analysis finished", "methods=3", "service=cflow-test"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q does not contain %q", out, want)
		}
	}
}

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{JSON: true, Output: &buf})
	defer logger.Close()

	logger.Slog().Warn("slow method", "name", "m1")
	if !strings.Contains(buf.String(), `"name":"m1"`) {
		t.Errorf("expected JSON output, got %q", buf.String())
	}
}

func TestNew_QuietMode(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Quiet: true, Output: &buf})
	defer logger.Close()

	logger.Slog().Error("nobody hears this")
	if buf.Len() != 0 {
		t.Errorf("quiet logger wrote %q", buf.String())
	}
}

func TestNew_WithLogDir(t *testing.T) {
	tmpDir := t.TempDir()
	var buf bytes.Buffer
	logger := New(Config{LogDir: tmpDir, Service: "test", Output: &buf})

	if logger.FileError() != nil {
		t.Fatalf("FileError() = %v", logger.FileError())
	}
	path := logger.LogPath()
	if filepath.Dir(path) != tmpDir || !strings.HasPrefix(filepath.Base(path), "test_") {
		t.Errorf("LogPath() = %q", path)
	}

	logger.Slog().Info("to both")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"to both"`) {
		t.Errorf("log file = %q", data)
	}
	if !strings.Contains(buf.String(), "to both") {
		t.Errorf("console = %q", buf.String())
	}
}

func TestNew_WithLogDir_Unwritable(t *testing.T) {
	file := filepath.Join(t.TempDir(), "plain-file")
	if err := os.WriteFile(file, nil, 0600); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	logger := New(Config{LogDir: filepath.Join(file, "logs"), Output: &buf})
	defer logger.Close()

	if logger.FileError() == nil {
		t.Error("expected FileError for a log dir below a regular file")
	}
	if logger.LogPath() != "" {
		t.Errorf("LogPath() = %q, want empty", logger.LogPath())
	}
	logger.Slog().Info("still logging")
	if !strings.Contains(buf.String(), "still logging") {
		t.Error("console logging must survive a file error")
	}
}

func TestLogger_ConcurrentUse(t *testing.T) {
	var mu sync.Mutex
	var buf bytes.Buffer
	logger := New(Config{Output: &lockedWriter{mu: &mu, w: &buf}})
	defer logger.Close()

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Slog().Info("concurrent", "i", i)
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if got := strings.Count(buf.String(), "concurrent"); got != 20 {
		t.Errorf("got %d lines, want 20", got)
	}
}

type lockedWriter struct {
	mu *sync.Mutex
	w  *bytes.Buffer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// =============================================================================
// Multi-Handler Tests
// =============================================================================

func TestMultiHandler(t *testing.T) {
	var debugBuf, warnBuf bytes.Buffer
	h := &multiHandler{handlers: []slog.Handler{
		slog.NewTextHandler(&debugBuf, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewTextHandler(&warnBuf, &slog.HandlerOptions{Level: slog.LevelWarn}),
	}}

	if !h.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("Enabled(Debug) = false, want true")
	}

	logger := slog.New(h.WithAttrs([]slog.Attr{slog.String("k", "v")}).WithGroup("g"))
	logger.Info("info", "a", 1)
	logger.Warn("warn", "b", 2)

	if !strings.Contains(debugBuf.String(), "info") || !strings.Contains(debugBuf.String(), "warn") {
		t.Errorf("debug handler output = %q", debugBuf.String())
	}
	if strings.Contains(warnBuf.String(), "msg=info") {
		t.Error("warn handler received an info record")
	}
	if !strings.Contains(warnBuf.String(), "k=v") || !strings.Contains(warnBuf.String(), "g.b=2") {
		t.Errorf("warn handler output = %q", warnBuf.String())
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := expandPath("~/logs"); got != filepath.Join(home, "logs") {
		t.Errorf("expandPath(~/logs) = %q", got)
	}
	if got := expandPath("/var/log"); got != "/var/log" {
		t.Errorf("expandPath(/var/log) = %q", got)
	}
}
