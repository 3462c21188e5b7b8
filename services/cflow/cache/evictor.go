// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// DefaultCapacity is the number of derived structures an Evictor retains
// when no capacity is configured.
const DefaultCapacity = 4096

// Key identifies one cached derived structure.
type Key struct {
	// Owner is the id of the recorder holding the structure.
	Owner string

	// Kind names the structure, e.g. "dominator_tree".
	Kind string

	// Generation is the recorder generation the structure was built for.
	// Init bumps it, so stale entries never clear fresh values.
	Generation uint64
}

// Evictor bounds the number of derived structures kept alive across all
// recorders sharing it.
//
// Thread Safety: Safe for concurrent use.
type Evictor struct {
	lru *LRUCache[Key, func()]
}

var (
	meter = otel.Meter("cflow.cache")

	evictionCounter metric.Int64Counter
	metricsOnce     sync.Once
	metricsErr      error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		evictionCounter, metricsErr = meter.Int64Counter(
			"cflow_cache_evictions_total",
			metric.WithDescription("Derived structures dropped by the soft cache"),
		)
	})
	return metricsErr
}

// NewEvictor creates an evictor retaining at most capacity structures.
// capacity <= 0 selects DefaultCapacity.
func NewEvictor(capacity int) *Evictor {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Evictor{
		lru: NewLRUCache(capacity, WithOnEvict(func(k Key, drop func()) {
			if err := initMetrics(); err == nil {
				evictionCounter.Add(context.Background(), 1,
					metric.WithAttributes(attribute.String("kind", k.Kind)))
			}
			drop()
		})),
	}
}

// Track registers a freshly computed structure. drop is called if the
// entry is later evicted for capacity reasons. Must not be called while
// holding a lock that drop acquires.
func (e *Evictor) Track(key Key, drop func()) {
	e.lru.Set(key, drop)
}

// Touch marks the structure as recently used.
func (e *Evictor) Touch(key Key) {
	e.lru.Get(key)
}

// Forget removes the entry without calling its drop function.
func (e *Evictor) Forget(key Key) {
	e.lru.Delete(key)
}

// Len returns the number of tracked structures.
func (e *Evictor) Len() int {
	return e.lru.Len()
}

// Evictions returns how many structures were dropped so far.
func (e *Evictor) Evictions() int64 {
	return e.lru.Evictions()
}
