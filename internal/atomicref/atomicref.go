// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016 Datadog, Inc.

// Package atomicref provides a single-writer, many-reader snapshot pointer,
// used throughout the data plane for read-mostly configuration such as the
// agent-info document and the stats computation status (spec §5: "prefer
// atomic snapshots ... for read-mostly configuration").
package atomicref

import "sync/atomic"

// Value holds an immutable snapshot of T behind an atomic pointer swap.
// Readers call Load and proceed without blocking; writers call Store to
// publish a new, fully-formed snapshot.
type Value[T any] struct {
	p atomic.Pointer[T]
}

// New returns a Value initialized with v.
func New[T any](v T) *Value[T] {
	r := &Value[T]{}
	r.p.Store(&v)
	return r
}

// Load returns the current snapshot, or the zero value and false if Store was
// never called.
func (r *Value[T]) Load() (T, bool) {
	p := r.p.Load()
	if p == nil {
		var zero T
		return zero, false
	}
	return *p, true
}

// Store publishes v as the current snapshot.
func (r *Value[T]) Store(v T) {
	r.p.Store(&v)
}
