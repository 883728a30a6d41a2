// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2021 Datadog, Inc.

package trace

import (
	"fmt"
	"io"

	"github.com/tinylib/msgp/msgp"
)

// Format selects a msgpack wire shape for trace payloads (spec §4.6).
type Format int

const (
	// FormatV04 is a map-keyed span encoding: an array of chunks, each an
	// array of spans, each span a msgpack map keyed by field name.
	FormatV04 Format = iota
	// FormatV05 is a string-table plus array-of-tuples encoding: every
	// string-valued field is an index into a shared table, cutting payload
	// size for traces with repetitive service/resource names.
	FormatV05
)

// span04Fields lists the msgpack map keys written for a V04 span. The V05
// tuple (codec_v05.go) carries the same twelve fields in the same order, with
// meta and metrics as string-table index maps.
var span04Fields = []string{
	"service", "name", "resource", "trace_id", "span_id", "parent_id",
	"start", "duration", "error", "meta", "metrics", "type",
}

// Decode parses bytes in format into chunks. The low 64 bits of each chunk's
// TraceID are taken from its first span's trace_id; the other chunk-level
// fields (priority, origin, dropped flag, sampling mechanism, attributes) are
// not carried by either wire format and are left at their zero value.
func Decode(r io.Reader, format Format) ([]Chunk, error) {
	switch format {
	case FormatV04:
		return decodeV04(r)
	case FormatV05:
		return decodeV05(r)
	default:
		return nil, fmt.Errorf("trace: unknown decode format %d", format)
	}
}

// Encode re-serializes chunks in format.
func Encode(w io.Writer, chunks []Chunk, format Format) error {
	switch format {
	case FormatV04:
		return encodeV04(w, chunks)
	case FormatV05:
		return encodeV05(w, chunks)
	default:
		return fmt.Errorf("trace: unknown encode format %d", format)
	}
}

func decodeV04(r io.Reader) ([]Chunk, error) {
	mr := msgp.NewReader(r)
	n, err := mr.ReadArrayHeader()
	if err != nil {
		return nil, fmt.Errorf("trace: v04 decode: read trace array: %w", err)
	}
	chunks := make([]Chunk, 0, n)
	for i := uint32(0); i < n; i++ {
		spanCount, err := mr.ReadArrayHeader()
		if err != nil {
			return nil, fmt.Errorf("trace: v04 decode: read span array: %w", err)
		}
		chunk := Chunk{Spans: make([]Span, 0, spanCount)}
		for j := uint32(0); j < spanCount; j++ {
			span, traceIDLow, err := decodeSpan04(mr)
			if err != nil {
				return nil, fmt.Errorf("trace: v04 decode: span %d: %w", j, err)
			}
			if j == 0 {
				putTraceIDLow(&chunk.TraceID, traceIDLow)
			}
			chunk.Spans = append(chunk.Spans, span)
		}
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}

func decodeSpan04(mr *msgp.Reader) (Span, uint64, error) {
	var s Span
	var traceIDLow uint64
	n, err := mr.ReadMapHeader()
	if err != nil {
		return s, 0, err
	}
	s.Attributes = make(TraceAttributes)
	for i := uint32(0); i < n; i++ {
		key, err := mr.ReadString()
		if err != nil {
			return s, 0, err
		}
		switch key {
		case "service":
			s.Service, err = mr.ReadString()
		case "name":
			s.Name, err = mr.ReadString()
		case "resource":
			s.Resource, err = mr.ReadString()
		case "type":
			s.Type, err = mr.ReadString()
		case "span_id":
			s.SpanID, err = mr.ReadUint64()
		case "parent_id":
			s.ParentID, err = mr.ReadUint64()
		case "start":
			s.Start, err = mr.ReadInt64()
		case "duration":
			s.Duration, err = mr.ReadInt64()
		case "error":
			var ierr int64
			ierr, err = mr.ReadInt64()
			s.Error = ierr != 0
		case "trace_id":
			// spec keeps trace_id at the Chunk, not the Span; V04 on the
			// wire repeats it per-span, so it is returned to the caller,
			// which folds the first span's value into the chunk.
			traceIDLow, err = mr.ReadUint64()
		case "meta":
			err = decodeStringMap(mr, s.Attributes)
		case "metrics":
			err = decodeFloatMap(mr, s.Attributes)
		default:
			err = mr.Skip()
		}
		if err != nil {
			return s, 0, fmt.Errorf("trace: field %q: %w", key, err)
		}
	}
	return s, traceIDLow, nil
}

func decodeStringMap(mr *msgp.Reader, into TraceAttributes) error {
	n, err := mr.ReadMapHeader()
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		k, err := mr.ReadString()
		if err != nil {
			return err
		}
		v, err := mr.ReadString()
		if err != nil {
			return err
		}
		into[k] = AttributeValue{Kind: AttributeString, Str: v}
	}
	return nil
}

func decodeFloatMap(mr *msgp.Reader, into TraceAttributes) error {
	n, err := mr.ReadMapHeader()
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		k, err := mr.ReadString()
		if err != nil {
			return err
		}
		v, err := mr.ReadFloat64()
		if err != nil {
			return err
		}
		into[k] = AttributeValue{Kind: AttributeFloat, Float: v}
	}
	return nil
}

func encodeV04(w io.Writer, chunks []Chunk) error {
	mw := msgp.NewWriter(w)
	if err := mw.WriteArrayHeader(uint32(len(chunks))); err != nil {
		return err
	}
	for _, c := range chunks {
		if err := mw.WriteArrayHeader(uint32(len(c.Spans))); err != nil {
			return err
		}
		for _, s := range c.Spans {
			if err := encodeSpan04(mw, c, s); err != nil {
				return err
			}
		}
	}
	return mw.Flush()
}

func encodeSpan04(mw *msgp.Writer, c Chunk, s Span) error {
	meta, metrics := splitAttributes(s.Attributes)

	if err := mw.WriteMapHeader(uint32(len(span04Fields))); err != nil {
		return err
	}
	fields := []struct {
		key string
		fn  func() error
	}{
		{"service", func() error { return mw.WriteString(s.Service) }},
		{"name", func() error { return mw.WriteString(s.Name) }},
		{"resource", func() error { return mw.WriteString(s.Resource) }},
		{"trace_id", func() error { return mw.WriteUint64(traceIDLow(c.TraceID)) }},
		{"span_id", func() error { return mw.WriteUint64(s.SpanID) }},
		{"parent_id", func() error { return mw.WriteUint64(s.ParentID) }},
		{"start", func() error { return mw.WriteInt64(s.Start) }},
		{"duration", func() error { return mw.WriteInt64(s.Duration) }},
		{"error", func() error { return mw.WriteInt64(boolToInt(s.Error)) }},
		{"meta", func() error { return writeStringMap(mw, meta) }},
		{"metrics", func() error { return writeFloatMap(mw, metrics) }},
		{"type", func() error { return mw.WriteString(s.Type) }},
	}
	for _, f := range fields {
		if err := mw.WriteString(f.key); err != nil {
			return err
		}
		if err := f.fn(); err != nil {
			return fmt.Errorf("trace: field %q: %w", f.key, err)
		}
	}
	return nil
}

// splitAttributes partitions Attributes into string-valued ("meta") and
// numeric-valued ("metrics") buckets, the shape the agent's V04 endpoint
// expects. Array and map attributes have no V04 representation and are
// dropped; see DESIGN.md for why.
func splitAttributes(attrs TraceAttributes) (meta map[string]string, metrics map[string]float64) {
	meta = make(map[string]string)
	metrics = make(map[string]float64)
	for k, v := range attrs {
		switch v.Kind {
		case AttributeString:
			meta[k] = v.Str
		case AttributeBytes:
			meta[k] = string(v.Bytes)
		case AttributeBool:
			if v.Bool {
				metrics[k] = 1
			} else {
				metrics[k] = 0
			}
		case AttributeInt:
			metrics[k] = float64(v.Int)
		case AttributeFloat:
			metrics[k] = v.Float
		}
	}
	return meta, metrics
}

func writeStringMap(mw *msgp.Writer, m map[string]string) error {
	if err := mw.WriteMapHeader(uint32(len(m))); err != nil {
		return err
	}
	for k, v := range m {
		if err := mw.WriteString(k); err != nil {
			return err
		}
		if err := mw.WriteString(v); err != nil {
			return err
		}
	}
	return nil
}

func writeFloatMap(mw *msgp.Writer, m map[string]float64) error {
	if err := mw.WriteMapHeader(uint32(len(m))); err != nil {
		return err
	}
	for k, v := range m {
		if err := mw.WriteString(k); err != nil {
			return err
		}
		if err := mw.WriteFloat64(v); err != nil {
			return err
		}
	}
	return nil
}

func traceIDLow(id [16]byte) uint64 {
	var v uint64
	for _, b := range id[8:] {
		v = v<<8 | uint64(b)
	}
	return v
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
