// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2021 Datadog, Inc.

package profile

// Interner is an insertion-ordered, deduplicating set over comparable
// values. Dedup assigns each distinct value a dense, 1-based, monotonically
// increasing id (0 is reserved as the "absent" sentinel in the wire format);
// the same value always dedups to the same id for the lifetime of the
// Interner.
type Interner[K comparable] struct {
	values []K
	index  map[K]uint32
}

// NewInterner returns an empty Interner.
func NewInterner[K comparable]() *Interner[K] {
	return &Interner[K]{index: make(map[K]uint32)}
}

// Dedup returns the 1-based id for v, assigning a new one if v has not been
// seen before. Amortized O(1).
func (in *Interner[K]) Dedup(v K) uint32 {
	id, _ := in.TryDedup(v)
	return id
}

// TryDedup behaves like Dedup; the error return mirrors the fallible
// try_dedup contract from the spec and is always nil on this platform.
func (in *Interner[K]) TryDedup(v K) (uint32, error) {
	if id, ok := in.index[v]; ok {
		return id, nil
	}
	id := uint32(len(in.values)) + 1
	in.values = append(in.values, v)
	in.index[v] = id
	return id, nil
}

// GetIndex returns the value at the given 0-based offset.
func (in *Interner[K]) GetIndex(i int) K { return in.values[i] }

// Len returns the number of distinct values interned so far.
func (in *Interner[K]) Len() int { return len(in.values) }

// Iter calls fn for every value in insertion order, offset first.
func (in *Interner[K]) Iter(fn func(offset int, v K)) {
	for i, v := range in.values {
		fn(i, v)
	}
}

// Drain calls fn for every value in insertion order and releases the
// Interner's backing storage afterward, so memory is freed once a caller has
// consumed every entry (used when encoding consumes the profile by value).
func (in *Interner[K]) Drain(fn func(offset int, v K)) {
	for i, v := range in.values {
		fn(i, v)
	}
	in.values = nil
	in.index = nil
}
