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
	"log/slog"
	"os"

	"github.com/AleutianAI/cflow/services/cflow/cache"
	"github.com/AleutianAI/cflow/services/cflow/cfg"
	"github.com/AleutianAI/cflow/services/cflow/recorder"
	"gopkg.in/yaml.v3"
)

// TraceFile is the on-disk form of one or more recorded methods. JSON
// files are accepted as well, JSON being a subset of YAML.
//
// Example:
//
//	methods:
//	  - name: Foo.bar
//	    max_pc: 3
//	    edges:
//	      - {from: 0, to: 1}
//	      - {from: 1, to: 2}
//	      - {from: 1, to: 3, exceptional: true}
//	    exits: [2, 3]
//	    handlers:
//	      - {start_pc: 0, end_pc: 2, handler_pc: 3}
type TraceFile struct {
	Methods []MethodTrace `yaml:"methods"`
}

// MethodTrace is the recording of one method.
type MethodTrace struct {
	Name             string                 `yaml:"name"`
	MaxPC            int                    `yaml:"max_pc"`
	Edges            []EdgeTrace            `yaml:"edges"`
	Exits            []int                  `yaml:"exits"`
	AbruptExits      []int                  `yaml:"abrupt_exits"`
	SubroutineStarts []int                  `yaml:"subroutine_starts"`
	ExceptionalOnly  []int                  `yaml:"exceptional_only"`
	Handlers         []cfg.ExceptionHandler `yaml:"handlers"`

	// Offsets lists the instruction pcs of methods with variable-length
	// instructions. Empty means one instruction per pc.
	Offsets []int `yaml:"offsets"`
}

// EdgeTrace is one recorded transition.
type EdgeTrace struct {
	From        int  `yaml:"from"`
	To          int  `yaml:"to"`
	Exceptional bool `yaml:"exceptional"`
}

// LoadTraceFile reads and decodes a trace file. Method names must be
// unique and non-empty.
func LoadTraceFile(path string) (*TraceFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read trace file: %w", err)
	}
	var tf TraceFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("parse trace file %s: %w", path, err)
	}
	if len(tf.Methods) == 0 {
		return nil, fmt.Errorf("trace file %s: no methods", path)
	}
	seen := make(map[string]bool, len(tf.Methods))
	for i, m := range tf.Methods {
		if m.Name == "" {
			return nil, fmt.Errorf("trace file %s: method %d has no name", path, i)
		}
		if seen[m.Name] {
			return nil, fmt.Errorf("trace file %s: duplicate method %q", path, m.Name)
		}
		seen[m.Name] = true
	}
	return &tf, nil
}

// Method returns the method with the given name.
func (tf *TraceFile) Method(name string) (MethodTrace, bool) {
	for _, m := range tf.Methods {
		if m.Name == name {
			return m, true
		}
	}
	return MethodTrace{}, false
}

// Replay feeds the trace into a new recorder, playing the interpreter's
// part, and freezes it.
func (m MethodTrace) Replay(ctx context.Context, evictor *cache.Evictor, logger *slog.Logger) (*recorder.Recorder, error) {
	opts := []recorder.Option{
		recorder.WithExceptionHandlers(m.Handlers),
		recorder.WithLogger(logger),
	}
	if evictor != nil {
		opts = append(opts, recorder.WithEvictor(evictor))
	}
	if len(m.Offsets) > 0 {
		opts = append(opts, recorder.WithLayout(cfg.NewOffsetLayout(m.Offsets)))
	}

	r, err := recorder.New(m.MaxPC, opts...)
	if err != nil {
		return nil, fmt.Errorf("method %s: %w", m.Name, err)
	}

	var errs []error
	for _, pc := range m.ExceptionalOnly {
		errs = append(errs, r.RecordExceptionalOnly(pc))
	}
	for _, e := range m.Edges {
		errs = append(errs, r.RecordEdge(e.From, e.To, e.Exceptional))
	}
	for _, pc := range m.Exits {
		errs = append(errs, r.RecordExit(pc))
	}
	for _, pc := range m.AbruptExits {
		errs = append(errs, r.RecordAbruptExit(pc))
	}
	for _, pc := range m.SubroutineStarts {
		errs = append(errs, r.RecordSubroutineStart(pc))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("method %s: %w", m.Name, err)
	}

	r.Freeze(ctx)
	return r, nil
}
