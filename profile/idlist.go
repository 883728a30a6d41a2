// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2021 Datadog, Inc.

package profile

import (
	"strconv"
	"strings"
)

// idListInterner deduplicates ordered lists of uint32 ids (LabelSet and
// StackTrace both have this shape). Go slices aren't comparable, so unlike
// Interner[K comparable] this hashes the list into a string key while
// keeping the actual []uint32 around for lookups.
type idListInterner struct {
	values [][]uint32
	index  map[string]uint32
}

func newIDListInterner() *idListInterner {
	return &idListInterner{index: make(map[string]uint32)}
}

func idListKey(ids []uint32) string {
	var b strings.Builder
	for _, id := range ids {
		b.WriteString(strconv.FormatUint(uint64(id), 36))
		b.WriteByte(',')
	}
	return b.String()
}

// Dedup returns the 1-based id for ids, assigning a new one if this exact
// ordered sequence has not been seen before.
func (in *idListInterner) Dedup(ids []uint32) uint32 {
	key := idListKey(ids)
	if id, ok := in.index[key]; ok {
		return id
	}
	id := uint32(len(in.values)) + 1
	stored := make([]uint32, len(ids))
	copy(stored, ids)
	in.values = append(in.values, stored)
	in.index[key] = id
	return id
}

// GetIndex returns the list at the given 0-based offset.
func (in *idListInterner) GetIndex(i int) []uint32 { return in.values[i] }

// Len returns the number of distinct lists interned so far.
func (in *idListInterner) Len() int { return len(in.values) }
