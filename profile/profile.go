// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2021 Datadog, Inc.

// Package profile implements the in-process profile aggregator: it interns
// locations, functions, mappings, labels, and stack traces into dense integer
// ids, applies upscaling rules, and serializes the result as a
// length-delimited, gzip-compressed pprof record stream.
package profile

import (
	"fmt"
	"time"
)

// Profile accumulates samples for a single collection window. It is
// single-owner: concurrent AddSample calls are not safe, the same way a
// single writer owns a *bytes.Buffer. Callers needing concurrent producers
// must serialize at a higher level (spec §5).
type Profile struct {
	strings  *StringTable
	funcs    *Interner[Function]
	mappings *Interner[Mapping]
	locs     *Interner[Location]
	labels   *Interner[Label]
	labelSet *idListInterner
	stacks   *idListInterner
	obs      *Observations

	sampleTypes []ValueType
	periodValue int64 // 0 means "no period recorded"
	periodType  ValueType

	upscaling *UpscalingRules

	endpoints      map[uint64]StringId // local root span id -> endpoint
	endpointCounts map[string]int64

	startTime time.Time

	localRootSpanIDKey StringId
	endpointLabelKey   StringId
	endTimestampKey    StringId
}

// NamedValueType is a (type, unit) pair given as plain strings, interned into
// the profile's own string table at construction time.
type NamedValueType struct {
	Type string
	Unit string
}

// New returns a Profile declaring sampleTypes and, if periodValue is
// non-zero, a collection period of that magnitude with the given type. Per
// spec §4.5 this seeds the string table with the empty string and the three
// reserved keys, then interns every sample-type and period string up front.
func New(sampleTypes []NamedValueType, periodValue int64, periodType NamedValueType) *Profile {
	p := &Profile{
		strings:        NewStringTable(),
		funcs:          NewInterner[Function](),
		mappings:       NewInterner[Mapping](),
		locs:           NewInterner[Location](),
		labels:         NewInterner[Label](),
		labelSet:       newIDListInterner(),
		stacks:         newIDListInterner(),
		obs:            NewObservations(),
		upscaling:      NewUpscalingRules(len(sampleTypes)),
		endpoints:      make(map[uint64]StringId),
		endpointCounts: make(map[string]int64),
		startTime:      time.Now(),
		periodValue:    periodValue,
	}
	p.localRootSpanIDKey = p.strings.Intern(LocalRootSpanIDKey)
	p.endpointLabelKey = p.strings.Intern(EndpointLabelKey)
	p.endTimestampKey = p.strings.Intern(EndTimestampKey)

	p.sampleTypes = make([]ValueType, len(sampleTypes))
	for i, vt := range sampleTypes {
		p.sampleTypes[i] = p.NewValueType(vt.Type, vt.Unit)
	}
	p.periodType = p.NewValueType(periodType.Type, periodType.Unit)
	return p
}

// NewValueType interns typ and unit into p's string table and returns the
// resulting ValueType.
func (p *Profile) NewValueType(typ, unit string) ValueType {
	return ValueType{Type: p.strings.Intern(typ), Unit: p.strings.Intern(unit)}
}

// NumValueTypes returns the number of sample types this profile declared at
// construction; every observation's value vector must have exactly this
// width (invariant 3).
func (p *Profile) NumValueTypes() int { return len(p.sampleTypes) }

// AddEndpoint records that samples carrying a numeric "local root span id"
// label equal to localRootSpanID belong to endpoint. At encode time, every
// matching sample gets a synthetic "trace endpoint" label appended.
func (p *Profile) AddEndpoint(localRootSpanID uint64, endpoint string) {
	p.endpoints[localRootSpanID] = p.strings.Intern(endpoint)
}

// AddEndpointCount increments a separate endpoint -> count tally returned
// alongside the encoded profile, independent of the samples themselves.
func (p *Profile) AddEndpointCount(endpoint string, n int64) {
	p.endpointCounts[endpoint] += n
}

// AddUpscalingRule interns name/value and delegates to the upscaling
// catalog (spec §4.4).
func (p *Profile) AddUpscalingRule(offsets []int, name, value string, info UpscalingInfo) error {
	nameID := p.strings.Intern(name)
	var valueID StringId
	if value != "" {
		valueID = p.strings.Intern(value)
	}
	return p.upscaling.AddRule(nameID, valueID, offsets, info)
}

// addFunction interns f and returns its id.
func (p *Profile) addFunction(f RawFunction) FunctionId {
	return FunctionId(p.funcs.Dedup(Function{
		Name:       p.strings.Intern(f.Name),
		SystemName: p.strings.Intern(f.SystemName),
		Filename:   p.strings.Intern(f.Filename),
	}))
}

// addMapping interns m and returns its id, or 0 ("no mapping") if m is the
// zero mapping.
func (p *Profile) addMapping(m RawMapping) MappingId {
	mm := Mapping{
		MemoryStart: m.MemoryStart,
		MemoryLimit: m.MemoryLimit,
		FileOffset:  m.FileOffset,
		Filename:    p.strings.Intern(m.Filename),
		BuildId:     p.strings.Intern(m.BuildId),
	}
	if mm.IsZero() {
		return 0
	}
	return MappingId(p.mappings.Dedup(mm))
}

// addLocation interns l (resolving its mapping and function) and returns its
// id.
func (p *Profile) addLocation(l RawLocation) LocationId {
	return LocationId(p.locs.Dedup(Location{
		MappingId:  p.addMapping(l.Mapping),
		FunctionId: p.addFunction(l.Function),
		Address:    l.Address,
		Line:       l.Line,
	}))
}

// addStackTrace interns the leaf-first location list and returns its id.
func (p *Profile) addStackTrace(locs []LocationId) StackTraceId {
	ids := make([]uint32, len(locs))
	for i, l := range locs {
		ids[i] = uint32(l)
	}
	return StackTraceId(p.stacks.Dedup(ids))
}

// validateLabels enforces invariant 4: no duplicate keys, a numeric non-zero
// "local root span id" if present, and no caller-supplied "end_timestamp_ns".
func (p *Profile) validateLabels(raw []RawLabel) error {
	seen := make(map[string]struct{}, len(raw))
	for _, l := range raw {
		if _, dup := seen[l.Key]; dup {
			return fmt.Errorf("profile: duplicate label key %q", l.Key)
		}
		seen[l.Key] = struct{}{}
		if l.Key == EndTimestampKey {
			return fmt.Errorf("profile: %q is a reserved label key", EndTimestampKey)
		}
		if l.Key == LocalRootSpanIDKey {
			if !l.IsNum {
				return fmt.Errorf("profile: %q label must be numeric", LocalRootSpanIDKey)
			}
			if l.Num == 0 {
				return fmt.Errorf("profile: %q label must be non-zero", LocalRootSpanIDKey)
			}
		}
	}
	return nil
}

// addLabelSet interns raw as a LabelSet and returns its id.
func (p *Profile) addLabelSet(raw []RawLabel) LabelSetId {
	ids := make([]uint32, len(raw))
	for i, l := range raw {
		var lbl Label
		lbl.Key = p.strings.Intern(l.Key)
		if l.IsNum {
			lbl.Value = NumValue(l.Num, p.strings.Intern(l.NumUnit))
		} else {
			lbl.Value = StrValue(p.strings.Intern(l.Str))
		}
		ids[i] = p.labels.Dedup(lbl)
	}
	return LabelSetId(p.labelSet.Dedup(ids))
}

// AddSample validates raw's labels, interns its locations and labels, and
// records its values into the observations set. timestamp is negative for an
// untimestamped (aggregated) sample, per the shared Timestamp primitive's
// "negative means absent" convention.
func (p *Profile) AddSample(raw RawSample, timestamp int64) error {
	if len(raw.Values) != len(p.sampleTypes) {
		return fmt.Errorf("profile: sample has %d values, profile declares %d sample types", len(raw.Values), len(p.sampleTypes))
	}
	if err := p.validateLabels(raw.Labels); err != nil {
		return err
	}

	locIDs := make([]LocationId, len(raw.Locations))
	for i, l := range raw.Locations {
		locIDs[i] = p.addLocation(l)
	}
	stackID := p.addStackTrace(locIDs)
	labelSetID := p.addLabelSet(raw.Labels)

	sample := Sample{LabelSet: labelSetID, StackTrace: stackID}
	p.obs.Add(sample, timestamp, raw.Values, len(p.sampleTypes))
	return nil
}

// ActiveSampleCount returns the number of distinct observations currently
// recorded (used to gate Reset per invariant 6).
func (p *Profile) ActiveSampleCount() int { return p.obs.Len() }

// ResetAndReturnPrevious requires ActiveSampleCount() == 0 (invariant 6). It
// rebuilds p in place as a fresh profile carrying forward the same sample
// types and period (re-interned into a new string table, since ids are not
// portable across tables), and returns a *Profile holding everything p had
// accumulated so far, so it can still be encoded after the swap.
func (p *Profile) ResetAndReturnPrevious() (*Profile, error) {
	if p.ActiveSampleCount() != 0 {
		return nil, fmt.Errorf("profile: reset requires zero active samples, got %d", p.ActiveSampleCount())
	}
	prev := new(Profile)
	*prev = *p

	fresh := New(nil, prev.periodValue, NamedValueType{})
	fresh.sampleTypes = make([]ValueType, len(prev.sampleTypes))
	for i, vt := range prev.sampleTypes {
		fresh.sampleTypes[i] = fresh.NewValueType(prev.strings.String(vt.Type), prev.strings.String(vt.Unit))
	}
	fresh.periodType = fresh.NewValueType(prev.strings.String(prev.periodType.Type), prev.strings.String(prev.periodType.Unit))
	fresh.upscaling = NewUpscalingRules(len(fresh.sampleTypes))

	*p = *fresh
	return prev, nil
}
