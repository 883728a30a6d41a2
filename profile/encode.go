// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2021 Datadog, Inc.

package profile

import (
	"bytes"
	"fmt"
	"time"

	"github.com/klauspost/compress/gzip"
)

// pprof field numbers, per spec §6 ("Pprof wire format").
const (
	fieldSampleType    = 1
	fieldSample        = 2
	fieldMapping       = 3
	fieldLocation      = 4
	fieldFunction      = 5
	fieldStringTable   = 6
	fieldTimeNanos     = 9
	fieldDurationNanos = 10
	fieldPeriodType    = 11
	fieldPeriod        = 12
)

const (
	wireVarint = 0
	wireBytes  = 2
)

// pbWriter accumulates a single protobuf message's bytes. Submessages are
// built into their own pbWriter and then spliced in as length-delimited
// fields, since protobuf requires a submessage's encoded length up front.
type pbWriter struct {
	buf bytes.Buffer
}

func (w *pbWriter) tag(field, wireType int) {
	w.uvarint(uint64(field)<<3 | uint64(wireType))
}

func (w *pbWriter) uvarint(v uint64) {
	var tmp [10]byte
	n := 0
	for v >= 0x80 {
		tmp[n] = byte(v) | 0x80
		v >>= 7
		n++
	}
	tmp[n] = byte(v)
	w.buf.Write(tmp[:n+1])
}

// varintField writes a proto3 "int64"-typed scalar field: negative values
// are encoded as their two's-complement bit pattern, exactly as the pprof
// profile.proto schema requires (not zigzag).
func (w *pbWriter) varintField(field int, v int64) {
	if v == 0 {
		return
	}
	w.tag(field, wireVarint)
	w.uvarint(uint64(v))
}

func (w *pbWriter) uvarintField(field int, v uint64) {
	if v == 0 {
		return
	}
	w.tag(field, wireVarint)
	w.uvarint(v)
}

func (w *pbWriter) bytesField(field int, b []byte) {
	w.tag(field, wireBytes)
	w.uvarint(uint64(len(b)))
	w.buf.Write(b)
}

func (w *pbWriter) messageField(field int, msg []byte) {
	w.bytesField(field, msg)
}

// packedVarints builds the length-delimited body for a packed repeated
// varint field (pprof's Sample.location_id and Sample.value).
func packedVarints(vs []uint64) []byte {
	var w pbWriter
	for _, v := range vs {
		w.uvarint(v)
	}
	return w.buf.Bytes()
}

func encodeValueType(vt ValueType) []byte {
	var w pbWriter
	w.varintField(1, int64(vt.Type))
	w.varintField(2, int64(vt.Unit))
	return w.buf.Bytes()
}

func encodeLabel(l Label) []byte {
	var w pbWriter
	w.varintField(1, int64(l.Key))
	if l.Value.HasNum {
		w.varintField(3, l.Value.Num)
		w.varintField(4, int64(l.Value.NumUnit))
	} else {
		w.varintField(2, int64(l.Value.Str))
	}
	return w.buf.Bytes()
}

func encodeFunction(id uint32, f Function) []byte {
	var w pbWriter
	w.uvarintField(1, uint64(id))
	w.varintField(2, int64(f.Name))
	w.varintField(3, int64(f.SystemName))
	w.varintField(4, int64(f.Filename))
	return w.buf.Bytes()
}

func encodeMapping(id uint32, m Mapping) []byte {
	var w pbWriter
	w.uvarintField(1, uint64(id))
	w.uvarintField(2, m.MemoryStart)
	w.uvarintField(3, m.MemoryLimit)
	w.uvarintField(4, m.FileOffset)
	w.varintField(5, int64(m.Filename))
	w.varintField(6, int64(m.BuildId))
	return w.buf.Bytes()
}

func encodeLine(functionID FunctionId, line int64) []byte {
	var w pbWriter
	w.varintField(1, int64(functionID))
	w.varintField(2, line)
	return w.buf.Bytes()
}

func encodeLocation(id uint32, loc Location) []byte {
	var w pbWriter
	w.uvarintField(1, uint64(id))
	w.uvarintField(2, uint64(loc.MappingId))
	w.uvarintField(3, loc.Address)
	w.messageField(4, encodeLine(loc.FunctionId, loc.Line))
	return w.buf.Bytes()
}

// EncodeResult is the outcome of SerializeIntoCompressedPprof: the
// collection window's bounds, the compressed pprof bytes, and the
// independently-tallied endpoint counts.
type EncodeResult struct {
	Start          time.Time
	End            time.Time
	Profile        []byte
	EndpointCounts map[string]int64
}

// SerializeIntoCompressedPprof encodes p as a stream of length-delimited
// protobuf fields wrapped in a single compressed record, per spec §4.5/§6.
// end defaults to time.Now() and duration to end.Sub(p.startTime), clamped
// to 0 on clock skew. This consumes p: its interners are drained so memory is
// released incrementally as each section is emitted.
func (p *Profile) SerializeIntoCompressedPprof(end time.Time, duration time.Duration) (EncodeResult, error) {
	if end.IsZero() {
		end = time.Now()
	}
	if duration == 0 {
		duration = end.Sub(p.startTime)
		if duration < 0 {
			duration = 0
		}
	}

	var out pbWriter

	// 1. Samples, each extended with a synthetic endpoint/end_timestamp label.
	var sampleErr error
	p.obs.Drain(func(obs ObservedSample) {
		if sampleErr != nil {
			return
		}
		msg, err := p.encodeSample(obs)
		if err != nil {
			sampleErr = err
			return
		}
		out.messageField(fieldSample, msg)
	})
	if sampleErr != nil {
		return EncodeResult{}, sampleErr
	}

	// 2. Sample types, then period.
	for _, vt := range p.sampleTypes {
		out.messageField(fieldSampleType, encodeValueType(vt))
	}
	out.varintField(fieldPeriod, p.periodValue)
	out.messageField(fieldPeriodType, encodeValueType(p.periodType))

	// 3. Mappings, locations, functions; ids = offset + 1.
	p.mappings.Drain(func(offset int, m Mapping) {
		out.messageField(fieldMapping, encodeMapping(uint32(offset+1), m))
	})
	p.locs.Drain(func(offset int, l Location) {
		out.messageField(fieldLocation, encodeLocation(uint32(offset+1), l))
	})
	p.funcs.Drain(func(offset int, f Function) {
		out.messageField(fieldFunction, encodeFunction(uint32(offset+1), f))
	})

	// 4. String table, streamed in id order.
	p.strings.Iter(func(id StringId, s string) {
		out.stringFieldAlways(fieldStringTable, s)
	})

	// 5. Time/duration.
	out.varintField(fieldTimeNanos, end.UnixNano())
	out.varintField(fieldDurationNanos, duration.Nanoseconds())

	compressed, err := gzipCompress(out.buf.Bytes())
	if err != nil {
		return EncodeResult{}, fmt.Errorf("profile: compress: %w", err)
	}

	return EncodeResult{
		Start:          p.startTime,
		End:            end,
		Profile:        compressed,
		EndpointCounts: p.endpointCounts,
	}, nil
}

// stringFieldAlways writes a length-delimited string field unconditionally,
// even when empty (field 6 entries must preserve position, since string ids
// are positional offsets into this stream).
func (w *pbWriter) stringFieldAlways(field int, s string) {
	w.bytesField(field, []byte(s))
}

// encodeSample builds the wire Sample message for one observation,
// extending its label set with the synthetic "trace endpoint" label (if the
// sample's "local root span id" label matches a registered endpoint) and the
// synthetic "end_timestamp_ns" label (if the observation was timestamped).
func (p *Profile) encodeSample(obs ObservedSample) ([]byte, error) {
	locIDs := p.stacks.GetIndex(int(obs.Sample.StackTrace) - 1)
	labelIDs := p.labelSet.GetIndex(int(obs.Sample.LabelSet) - 1)

	for _, id := range locIDs {
		if int(id) > p.locs.Len() {
			return nil, fmt.Errorf("profile: stack trace references location id %d beyond current location count %d", id, p.locs.Len())
		}
	}

	var labelsWire [][]byte
	var localRootSpanID uint64
	var haveLocalRootSpanID bool
	var upscalingKeys []upscalingKey
	for _, lid := range labelIDs {
		lbl := p.labels.GetIndex(int(lid) - 1)
		labelsWire = append(labelsWire, encodeLabel(lbl))
		if lbl.Key == p.localRootSpanIDKey && lbl.Value.HasNum {
			localRootSpanID = uint64(lbl.Value.Num)
			haveLocalRootSpanID = true
		}
		if !lbl.Value.HasNum {
			upscalingKeys = append(upscalingKeys, upscalingKey{nameID: lbl.Key, valueID: lbl.Value.Str})
		}
	}
	if haveLocalRootSpanID {
		if endpoint, ok := p.endpoints[localRootSpanID]; ok {
			labelsWire = append(labelsWire, encodeLabel(Label{
				Key:   p.endpointLabelKey,
				Value: StrValue(endpoint),
			}))
		}
	}
	if obs.Timestamp >= 0 {
		labelsWire = append(labelsWire, encodeLabel(Label{
			Key:   p.endTimestampKey,
			Value: NumValue(obs.Timestamp, ZeroStringId),
		}))
	}

	if err := p.upscaling.UpscaleValues(obs.Values, upscalingKeys); err != nil {
		return nil, fmt.Errorf("profile: upscaling sample: %w", err)
	}

	var sample pbWriter
	sample.messageField(1, packedVarints(toUint64s(locIDs)))
	sample.messageField(2, packedVarints(int64sToUint64s(obs.Values)))
	for _, lw := range labelsWire {
		sample.messageField(3, lw)
	}
	return sample.buf.Bytes(), nil
}

func toUint64s(ids []uint32) []uint64 {
	out := make([]uint64, len(ids))
	for i, id := range ids {
		out[i] = uint64(id)
	}
	return out
}

func int64sToUint64s(vs []int64) []uint64 {
	out := make([]uint64, len(vs))
	for i, v := range vs {
		out[i] = uint64(v)
	}
	return out
}

func gzipCompress(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(b); err != nil {
		zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
