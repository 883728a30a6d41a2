// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2021 Datadog, Inc.

package profile

// FunctionId, MappingId, LocationId, LabelId, LabelSetId and StackTraceId are
// dense, 1-based ids into their owning Interner; 0 is the sentinel for
// "absent" in the wire format (spec §4.2).
type (
	FunctionId   uint32
	MappingId    uint32
	LocationId   uint32
	LabelId      uint32
	LabelSetId   uint32
	StackTraceId uint32
)

// Function is (name, system_name, filename); all three together form its
// dedup key.
type Function struct {
	Name       StringId
	SystemName StringId
	Filename   StringId
}

// Mapping is (memory_start, memory_limit, file_offset, filename, build_id).
// A mapping whose every numeric field is zero and whose filename/build_id
// are the empty string is the "zero mapping" and is never interned: it is
// represented as the absence of a mapping (MappingId 0) on a Location.
type Mapping struct {
	MemoryStart uint64
	MemoryLimit uint64
	FileOffset  uint64
	Filename    StringId
	BuildId     StringId
}

// IsZero reports whether m is the zero mapping per spec §3.
func (m Mapping) IsZero() bool {
	return m.MemoryStart == 0 && m.MemoryLimit == 0 && m.FileOffset == 0 &&
		m.Filename == ZeroStringId && m.BuildId == ZeroStringId
}

// Location is (mapping_id, function_id, address, line).
type Location struct {
	MappingId  MappingId // 0 means "no mapping"
	FunctionId FunctionId
	Address    uint64
	Line       int64
}

// LabelValue is the sum-type value carried by a Label: exactly one of Str or
// (Num, NumUnit) is live, selected by HasNum.
type LabelValue struct {
	HasNum  bool
	Str     StringId
	Num     int64
	NumUnit StringId
}

// StrValue constructs a string-valued LabelValue.
func StrValue(s StringId) LabelValue { return LabelValue{Str: s} }

// NumValue constructs a numeric-valued LabelValue.
func NumValue(n int64, unit StringId) LabelValue {
	return LabelValue{HasNum: true, Num: n, NumUnit: unit}
}

// Label is (key, value); all fields form its dedup key.
type Label struct {
	Key   StringId
	Value LabelValue
}

// ValueType is (type, unit), used both for sample types and the period.
type ValueType struct {
	Type StringId
	Unit StringId
}

// Sample identifies a profiling sample by its (label set, stack trace) pair.
// Per spec §3, Observations maps Sample to either an aggregated value vector
// or a list of timestamped value vectors.
type Sample struct {
	LabelSet   LabelSetId
	StackTrace StackTraceId
}

// RawSample is the public, string-keyed sample shape accepted by AddSample,
// mirroring the Rust api::Sample that callers build before interning.
type RawSample struct {
	Locations []RawLocation
	Values    []int64
	Labels    []RawLabel
}

// RawLocation is the public, string-keyed location shape.
type RawLocation struct {
	Mapping  RawMapping
	Function RawFunction
	Address  uint64
	Line     int64
}

// RawMapping is the public, string-keyed mapping shape.
type RawMapping struct {
	MemoryStart uint64
	MemoryLimit uint64
	FileOffset  uint64
	Filename    string
	BuildId     string
}

// RawFunction is the public, string-keyed function shape.
type RawFunction struct {
	Name       string
	SystemName string
	Filename   string
}

// RawLabel is the public, string-keyed label shape. IsNum selects which
// branch of the value sum type is live: false means Str, true means
// (Num, NumUnit).
type RawLabel struct {
	Key     string
	IsNum   bool
	Str     string
	Num     int64
	NumUnit string
}

const (
	// LocalRootSpanIDKey is the reserved label key used to associate a
	// sample with the trace endpoint it belongs to (spec §4.5).
	LocalRootSpanIDKey = "local root span id"
	// EndpointLabelKey is the synthetic label key added at encode time.
	EndpointLabelKey = "trace endpoint"
	// EndTimestampKey is the reserved label key samples may never carry
	// directly; it is synthesized from a sample's timestamp at encode time.
	EndTimestampKey = "end_timestamp_ns"
)
