// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package recorder

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/cflow/services/cflow/graph"
	"github.com/AleutianAI/cflow/services/cflow/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

var recorderTracer = otel.Tracer("cflow.recorder")

// memo holds one lazily computed derived structure.
//
// The value is valid only for the recorder generation it was computed
// for. Concurrent misses are collapsed by the singleflight group.
type memo[T any] struct {
	kind string

	mu    sync.RWMutex
	value T
	ok    bool
	gen   uint64

	group        singleflight.Group
	computations atomic.Int64
}

func (m *memo[T]) load(gen uint64) (T, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ok && m.gen == gen {
		return m.value, true
	}
	var zero T
	return zero, false
}

func (m *memo[T]) store(gen uint64, v T) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.value, m.ok, m.gen = v, true, gen
}

// drop clears the value if it still belongs to gen.
func (m *memo[T]) drop(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ok && m.gen == gen {
		var zero T
		m.value, m.ok = zero, false
	}
}

func (m *memo[T]) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	var zero T
	m.value, m.ok = zero, false
}

// derive returns the memoized value of m, computing it with compute on a
// miss. Fails with ErrIllegalState before Freeze.
func derive[T any](ctx context.Context, r *Recorder, m *memo[T], compute func(context.Context) (T, error)) (T, error) {
	var zero T
	if !r.frozen.Load() {
		return zero, &RecorderError{
			Op:      m.kind,
			PC:      graph.NoNode,
			Message: "recording is not frozen",
			Err:     graph.ErrIllegalState,
		}
	}

	gen := r.generation
	key := r.key(m.kind)
	if v, ok := m.load(gen); ok {
		recordMemoLookup(ctx, m.kind, true)
		if r.evictor != nil {
			r.evictor.Touch(key)
		}
		return v, nil
	}
	recordMemoLookup(ctx, m.kind, false)

	ctx, span := recorderTracer.Start(ctx, "recorder.Derive",
		trace.WithAttributes(
			attribute.String("kind", m.kind),
			attribute.String("recorder.id", r.id),
			attribute.Int64("recorder.generation", int64(gen)),
		),
	)
	defer span.End()

	resultI, err, shared := m.group.Do(m.kind, func() (any, error) {
		// Double-check inside singleflight
		if v, ok := m.load(gen); ok {
			return v, nil
		}

		start := time.Now()
		v, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		m.computations.Add(1)
		m.store(gen, v)
		recordDerive(ctx, m.kind, time.Since(start))

		if r.evictor != nil {
			r.evictor.Track(key, func() { m.drop(gen) })
		}
		telemetry.LoggerWithRecorder(ctx, r.logger, r.id).Debug("recorder: derived structure computed",
			"kind", m.kind,
			"generation", gen,
			"duration", time.Since(start),
		)
		return v, nil
	})
	span.SetAttributes(attribute.Bool("shared", shared))

	if err != nil {
		telemetry.RecordError(span, err)
		return zero, fmt.Errorf("computing %s: %w", m.kind, err)
	}

	result, ok := resultI.(T)
	if !ok {
		err := fmt.Errorf("unexpected type from singleflight group %q: got %T", m.kind, resultI)
		telemetry.RecordError(span, err)
		return zero, err
	}
	return result, nil
}
