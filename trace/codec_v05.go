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

// v05StringTable interns strings into a dense, 0-based table, the same
// dedup shape used by the profile package's StringTable but independent of
// it: the two wire formats are unrelated despite the structural similarity.
type v05StringTable struct {
	values []string
	index  map[string]uint32
}

func newV05StringTable() *v05StringTable {
	return &v05StringTable{index: make(map[string]uint32)}
}

func (t *v05StringTable) intern(s string) uint32 {
	if id, ok := t.index[s]; ok {
		return id
	}
	id := uint32(len(t.values))
	t.values = append(t.values, s)
	t.index[s] = id
	return id
}

func decodeV05(r io.Reader) ([]Chunk, error) {
	mr := msgp.NewReader(r)

	outer, err := mr.ReadArrayHeader()
	if err != nil {
		return nil, fmt.Errorf("trace: v05 decode: outer array: %w", err)
	}
	if outer != 2 {
		return nil, fmt.Errorf("trace: v05 decode: expected outer array of 2, got %d", outer)
	}

	tableLen, err := mr.ReadArrayHeader()
	if err != nil {
		return nil, fmt.Errorf("trace: v05 decode: string table header: %w", err)
	}
	table := make([]string, tableLen)
	for i := range table {
		table[i], err = mr.ReadString()
		if err != nil {
			return nil, fmt.Errorf("trace: v05 decode: string table[%d]: %w", i, err)
		}
	}
	str := func(idx uint32) (string, error) {
		if int(idx) >= len(table) {
			return "", fmt.Errorf("trace: v05 decode: string index %d out of range (table has %d entries)", idx, len(table))
		}
		return table[idx], nil
	}

	nChunks, err := mr.ReadArrayHeader()
	if err != nil {
		return nil, fmt.Errorf("trace: v05 decode: chunk array: %w", err)
	}
	chunks := make([]Chunk, 0, nChunks)
	for i := uint32(0); i < nChunks; i++ {
		nSpans, err := mr.ReadArrayHeader()
		if err != nil {
			return nil, fmt.Errorf("trace: v05 decode: span array: %w", err)
		}
		chunk := Chunk{Spans: make([]Span, 0, nSpans)}
		for j := uint32(0); j < nSpans; j++ {
			span, traceIDLow, err := decodeSpan05(mr, str)
			if err != nil {
				return nil, fmt.Errorf("trace: v05 decode: span %d: %w", j, err)
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

func decodeSpan05(mr *msgp.Reader, str func(uint32) (string, error)) (Span, uint64, error) {
	var s Span
	n, err := mr.ReadArrayHeader()
	if err != nil {
		return s, 0, err
	}
	if n != 12 {
		return s, 0, fmt.Errorf("trace: v05 span tuple has %d elements, want 12", n)
	}
	s.Attributes = make(TraceAttributes)

	readStrIdx := func() (string, error) {
		idx, err := mr.ReadUint32()
		if err != nil {
			return "", err
		}
		return str(idx)
	}

	var err2 error
	if s.Service, err2 = readStrIdx(); err2 != nil {
		return s, 0, err2
	}
	if s.Name, err2 = readStrIdx(); err2 != nil {
		return s, 0, err2
	}
	if s.Resource, err2 = readStrIdx(); err2 != nil {
		return s, 0, err2
	}
	traceIDLow, err := mr.ReadUint64()
	if err != nil {
		return s, 0, err
	}
	if s.SpanID, err = mr.ReadUint64(); err != nil {
		return s, 0, err
	}
	if s.ParentID, err = mr.ReadUint64(); err != nil {
		return s, 0, err
	}
	if s.Start, err = mr.ReadInt64(); err != nil {
		return s, 0, err
	}
	if s.Duration, err = mr.ReadInt64(); err != nil {
		return s, 0, err
	}
	ierr, err := mr.ReadInt64()
	if err != nil {
		return s, 0, err
	}
	s.Error = ierr != 0

	metaLen, err := mr.ReadMapHeader()
	if err != nil {
		return s, 0, err
	}
	for i := uint32(0); i < metaLen; i++ {
		kIdx, err := mr.ReadUint32()
		if err != nil {
			return s, 0, err
		}
		vIdx, err := mr.ReadUint32()
		if err != nil {
			return s, 0, err
		}
		k, err := str(kIdx)
		if err != nil {
			return s, 0, err
		}
		v, err := str(vIdx)
		if err != nil {
			return s, 0, err
		}
		s.Attributes[k] = AttributeValue{Kind: AttributeString, Str: v}
	}

	metricsLen, err := mr.ReadMapHeader()
	if err != nil {
		return s, 0, err
	}
	for i := uint32(0); i < metricsLen; i++ {
		kIdx, err := mr.ReadUint32()
		if err != nil {
			return s, 0, err
		}
		v, err := mr.ReadFloat64()
		if err != nil {
			return s, 0, err
		}
		k, err := str(kIdx)
		if err != nil {
			return s, 0, err
		}
		s.Attributes[k] = AttributeValue{Kind: AttributeFloat, Float: v}
	}

	if s.Type, err2 = readStrIdx(); err2 != nil {
		return s, 0, err2
	}
	return s, traceIDLow, nil
}

func encodeV05(w io.Writer, chunks []Chunk) error {
	table := newV05StringTable()
	table.intern("") // index 0 is conventionally the empty string

	type encodedSpan struct {
		serviceIdx, nameIdx, resourceIdx, typeIdx uint32
		traceIDLow, spanID, parentID              uint64
		start, duration, errVal                   int64
		meta                                      map[uint32]uint32
		metrics                                   map[uint32]float64
	}

	encodedChunks := make([][]encodedSpan, len(chunks))
	for ci, c := range chunks {
		spans := make([]encodedSpan, len(c.Spans))
		for si, s := range c.Spans {
			meta, metrics := splitAttributes(s.Attributes)
			es := encodedSpan{
				serviceIdx:  table.intern(s.Service),
				nameIdx:     table.intern(s.Name),
				resourceIdx: table.intern(s.Resource),
				typeIdx:     table.intern(s.Type),
				traceIDLow:  traceIDLow(c.TraceID),
				spanID:      s.SpanID,
				parentID:    s.ParentID,
				start:       s.Start,
				duration:    s.Duration,
				errVal:      boolToInt(s.Error),
				meta:        make(map[uint32]uint32, len(meta)),
				metrics:     make(map[uint32]float64, len(metrics)),
			}
			for k, v := range meta {
				es.meta[table.intern(k)] = table.intern(v)
			}
			for k, v := range metrics {
				es.metrics[table.intern(k)] = v
			}
			spans[si] = es
		}
		encodedChunks[ci] = spans
	}

	mw := msgp.NewWriter(w)
	if err := mw.WriteArrayHeader(2); err != nil {
		return err
	}
	if err := mw.WriteArrayHeader(uint32(len(table.values))); err != nil {
		return err
	}
	for _, s := range table.values {
		if err := mw.WriteString(s); err != nil {
			return err
		}
	}

	if err := mw.WriteArrayHeader(uint32(len(encodedChunks))); err != nil {
		return err
	}
	for _, spans := range encodedChunks {
		if err := mw.WriteArrayHeader(uint32(len(spans))); err != nil {
			return err
		}
		for _, es := range spans {
			if err := mw.WriteArrayHeader(12); err != nil {
				return err
			}
			writers := []func() error{
				func() error { return mw.WriteUint32(es.serviceIdx) },
				func() error { return mw.WriteUint32(es.nameIdx) },
				func() error { return mw.WriteUint32(es.resourceIdx) },
				func() error { return mw.WriteUint64(es.traceIDLow) },
				func() error { return mw.WriteUint64(es.spanID) },
				func() error { return mw.WriteUint64(es.parentID) },
				func() error { return mw.WriteInt64(es.start) },
				func() error { return mw.WriteInt64(es.duration) },
				func() error { return mw.WriteInt64(es.errVal) },
				func() error { return writeUint32Uint32Map(mw, es.meta) },
				func() error { return writeUint32Float64Map(mw, es.metrics) },
				func() error { return mw.WriteUint32(es.typeIdx) },
			}
			for _, fn := range writers {
				if err := fn(); err != nil {
					return err
				}
			}
		}
	}
	return mw.Flush()
}

func writeUint32Uint32Map(mw *msgp.Writer, m map[uint32]uint32) error {
	if err := mw.WriteMapHeader(uint32(len(m))); err != nil {
		return err
	}
	for k, v := range m {
		if err := mw.WriteUint32(k); err != nil {
			return err
		}
		if err := mw.WriteUint32(v); err != nil {
			return err
		}
	}
	return nil
}

func writeUint32Float64Map(mw *msgp.Writer, m map[uint32]float64) error {
	if err := mw.WriteMapHeader(uint32(len(m))); err != nil {
		return err
	}
	for k, v := range m {
		if err := mw.WriteUint32(k); err != nil {
			return err
		}
		if err := mw.WriteFloat64(v); err != nil {
			return err
		}
	}
	return nil
}

func putTraceIDLow(id *[16]byte, low uint64) {
	for i := 15; i >= 8; i-- {
		id[i] = byte(low)
		low >>= 8
	}
}
