// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2021 Datadog, Inc.

package profile

// StringId is a 32-bit index into a profile's string table. ID 0 always
// refers to the empty string.
type StringId uint32

// ZeroStringId is the empty string's id, guaranteed stable for the lifetime
// of every profile's string table.
const ZeroStringId StringId = 0

// StringTable is an append-only, deduplicating table of strings. Once Intern
// returns an id for a string, that string is immortal and its id is stable
// for the life of the table: growth never rehashes existing ids.
type StringTable struct {
	strings []string
	index   map[string]StringId
}

// NewStringTable returns a table pre-seeded with the empty string at id 0.
func NewStringTable() *StringTable {
	t := &StringTable{
		index: make(map[string]StringId),
	}
	t.mustIntern("")
	return t
}

func (t *StringTable) mustIntern(s string) StringId {
	id, _ := t.TryIntern(s)
	return id
}

// Intern returns the id for s, assigning a new one if s has not been seen
// before by this table. Amortized O(1).
func (t *StringTable) Intern(s string) StringId {
	id, _ := t.TryIntern(s)
	return id
}

// TryIntern behaves like Intern, but also returns an error. The error return
// exists to mirror the fallible try_intern contract from the spec
// (out-of-memory degradation); it is always
// nil on this platform since Go does not expose allocation failure.
func (t *StringTable) TryIntern(s string) (StringId, error) {
	if id, ok := t.index[s]; ok {
		return id, nil
	}
	id := StringId(len(t.strings))
	t.strings = append(t.strings, s)
	t.index[s] = id
	return id, nil
}

// Len returns the number of distinct strings interned so far, including the
// empty string.
func (t *StringTable) Len() int { return len(t.strings) }

// String returns the string stored at id. It panics if id is out of range,
// since that represents an internal consistency bug (see profile
// invariant 2: every referenced id must be less than the current set size).
func (t *StringTable) String(id StringId) string {
	return t.strings[id]
}

// Iter calls fn for every string in id order. It is the Go analogue of the
// Rust lending iterator used to stream the string table during encode while
// releasing memory progressively; since this implementation keeps the slice
// until GC regardless, Iter simply ranges over it, but the signature matches
// what a streaming replacement would need (order-preserving, single pass).
func (t *StringTable) Iter(fn func(id StringId, s string)) {
	for i, s := range t.strings {
		fn(StringId(i), s)
	}
}
