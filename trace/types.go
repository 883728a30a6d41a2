// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2021 Datadog, Inc.

// Package trace defines the Span/Chunk/Trace data model and the V04/V05
// msgpack wire codecs used to decode inbound tracer payloads and re-encode
// them for the agent (spec §3, §6).
package trace

// AttributeValue is the recursive sum type carried by TraceAttributes:
// exactly one field is live, selected by Kind.
type AttributeValue struct {
	Kind  AttributeKind
	Str   string
	Bytes []byte
	Bool  bool
	Int   int64
	Float float64
	Array []AttributeValue
	Map   map[string]AttributeValue
}

// AttributeKind discriminates AttributeValue's live branch.
type AttributeKind int

const (
	AttributeString AttributeKind = iota
	AttributeBytes
	AttributeBool
	AttributeInt
	AttributeFloat
	AttributeArray
	AttributeMap
)

// TraceAttributes is a string-keyed bag of recursive AttributeValues,
// attached to a Trace, a Chunk, or a Span.
type TraceAttributes map[string]AttributeValue

// Span is one span within a Chunk.
type Span struct {
	Service    string
	Name       string
	Resource   string
	Type       string
	SpanID     uint64
	ParentID   uint64
	Start      int64
	Duration   int64
	Error      bool
	Attributes TraceAttributes
}

// Chunk is an ordered set of Spans belonging to one trace_id, plus chunk-level
// sampling metadata.
type Chunk struct {
	Priority          int32
	Origin            string
	DroppedTrace      bool
	TraceID           [16]byte // u128, big-endian
	SamplingMechanism uint32
	Spans             []Span
	Attributes        TraceAttributes
}

// Trace is the top-level payload: tracer/runtime identity plus an ordered
// list of Chunks.
type Trace struct {
	ContainerID string
	Language    string
	LangVersion string
	TracerVersion string
	RuntimeID   string
	Env         string
	Hostname    string
	AppVersion  string
	Chunks      []Chunk
}

// TopLevel reports whether span is a top-level span within its chunk: one
// with no parent, or whose parent is not present in the same chunk (the
// boundary the client-side stats concentrator treats as a service entry
// point, per spec §4.6).
func (c *Chunk) TopLevel(span *Span) bool {
	if span.ParentID == 0 {
		return true
	}
	for i := range c.Spans {
		if c.Spans[i].SpanID == span.ParentID {
			return false
		}
	}
	return true
}
