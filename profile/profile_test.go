// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2021 Datadog, Inc.

package profile

import (
	"compress/gzip"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProfile() *Profile {
	return New(
		[]NamedValueType{{Type: "cpu", Unit: "nanoseconds"}},
		0,
		NamedValueType{Type: "cpu", Unit: "nanoseconds"},
	)
}

func TestStringTableEmptyStringIsZero(t *testing.T) {
	p := newTestProfile()
	assert.Equal(t, "", p.strings.String(ZeroStringId))
}

func TestAddSampleDedupsLocationsAndStacks(t *testing.T) {
	p := newTestProfile()
	loc := RawLocation{Function: RawFunction{Name: "main.foo"}, Line: 10}

	require.NoError(t, p.AddSample(RawSample{Locations: []RawLocation{loc}, Values: []int64{5}}, -1))
	require.NoError(t, p.AddSample(RawSample{Locations: []RawLocation{loc}, Values: []int64{7}}, -1))

	assert.Equal(t, 1, p.funcs.Len())
	assert.Equal(t, 1, p.locs.Len())
	assert.Equal(t, 1, p.stacks.Len())
	// Both calls hit the same Sample (no labels, identical stack), so they
	// aggregate into a single observation with summed values.
	assert.Equal(t, 1, p.ActiveSampleCount())
}

func TestAddSampleRejectsDuplicateLabelKeys(t *testing.T) {
	p := newTestProfile()
	err := p.AddSample(RawSample{
		Values: []int64{1},
		Labels: []RawLabel{{Key: "a", Str: "1"}, {Key: "a", Str: "2"}},
	}, -1)
	assert.Error(t, err)
}

func TestAddSampleRejectsReservedEndTimestampLabel(t *testing.T) {
	p := newTestProfile()
	err := p.AddSample(RawSample{
		Values: []int64{1},
		Labels: []RawLabel{{Key: EndTimestampKey, Str: "x"}},
	}, -1)
	assert.Error(t, err)
}

func TestAddSampleRequiresNumericNonZeroLocalRootSpanID(t *testing.T) {
	p := newTestProfile()
	err := p.AddSample(RawSample{
		Values: []int64{1},
		Labels: []RawLabel{{Key: LocalRootSpanIDKey, Str: "not-numeric"}},
	}, -1)
	assert.Error(t, err)

	err = p.AddSample(RawSample{
		Values: []int64{1},
		Labels: []RawLabel{{Key: LocalRootSpanIDKey, IsNum: true, Num: 0}},
	}, -1)
	assert.Error(t, err)

	err = p.AddSample(RawSample{
		Values: []int64{1},
		Labels: []RawLabel{{Key: LocalRootSpanIDKey, IsNum: true, Num: 42}},
	}, -1)
	assert.NoError(t, err)
}

func TestAddSampleRejectsWrongValueArity(t *testing.T) {
	p := newTestProfile()
	err := p.AddSample(RawSample{Values: []int64{1, 2}}, -1)
	assert.Error(t, err)
}

func TestObservationsAggregateUntimestampedAndLogTimestamped(t *testing.T) {
	p := newTestProfile()
	require.NoError(t, p.AddSample(RawSample{Values: []int64{1}}, -1))
	require.NoError(t, p.AddSample(RawSample{Values: []int64{2}}, -1))
	require.NoError(t, p.AddSample(RawSample{Values: []int64{3}}, 100))
	require.NoError(t, p.AddSample(RawSample{Values: []int64{4}}, 200))

	assert.Equal(t, 1, p.obs.NumAggregatedSamples())
	assert.Equal(t, 2, p.obs.NumTimestampedSamples())
	assert.Equal(t, 3, p.ActiveSampleCount())
}

func TestResetRequiresZeroActiveSamples(t *testing.T) {
	p := newTestProfile()
	require.NoError(t, p.AddSample(RawSample{Values: []int64{1}}, -1))
	_, err := p.ResetAndReturnPrevious()
	assert.Error(t, err)
}

func TestResetCarriesForwardSampleTypesAndPeriod(t *testing.T) {
	p := New(
		[]NamedValueType{{Type: "alloc", Unit: "bytes"}},
		10000,
		NamedValueType{Type: "alloc", Unit: "bytes"},
	)
	prev, err := p.ResetAndReturnPrevious()
	require.NoError(t, err)
	assert.Equal(t, 0, prev.ActiveSampleCount())
	assert.Equal(t, 1, p.NumValueTypes())
	assert.Equal(t, int64(10000), p.periodValue)
	assert.Equal(t, "alloc", p.strings.String(p.sampleTypes[0].Type))
}

func TestUpscalingRejectsOverlappingByValueRules(t *testing.T) {
	p := newTestProfile()
	require.NoError(t, p.AddUpscalingRule([]int{0}, "", "", Proportional(2)))
	err := p.AddUpscalingRule([]int{0}, "", "", Proportional(3))
	assert.Error(t, err)
}

func TestUpscalingRejectsByValueByLabelCollision(t *testing.T) {
	p := newTestProfile()
	require.NoError(t, p.AddUpscalingRule([]int{0}, "thread", "main", Proportional(2)))
	err := p.AddUpscalingRule([]int{0}, "", "", Proportional(3))
	assert.Error(t, err)
}

func TestUpscalingRejectsOutOfRangeOffset(t *testing.T) {
	p := newTestProfile()
	err := p.AddUpscalingRule([]int{5}, "", "", Proportional(2))
	assert.Error(t, err)
}

func TestUpscalingRejectsZeroSamplingDistance(t *testing.T) {
	rules := NewUpscalingRules(3)
	err := rules.AddRule(0, 0, []int{0}, Poisson(1, 2, 0))
	assert.Error(t, err)
}

func TestUpscaleValuesAppliesProportionalRule(t *testing.T) {
	rules := NewUpscalingRules(3)
	require.NoError(t, rules.AddRule(0, 0, []int{0}, Proportional(2)))

	values := []int64{0, 10000, 42}
	require.NoError(t, rules.UpscaleValues(values, nil))
	// Zero input stays zero even with a scale applied (spec scenario 4).
	assert.Equal(t, []int64{0, 10000, 42}, values)
}

func TestUpscaleValuesScalesNonZeroOffset(t *testing.T) {
	rules := NewUpscalingRules(2)
	require.NoError(t, rules.AddRule(0, 0, []int{0}, Proportional(2)))

	values := []int64{10, 5}
	require.NoError(t, rules.UpscaleValues(values, nil))
	assert.Equal(t, []int64{20, 5}, values)
}

func TestSerializeIntoCompressedPprofRoundTripsGzip(t *testing.T) {
	p := newTestProfile()
	require.NoError(t, p.AddSample(RawSample{
		Locations: []RawLocation{{Function: RawFunction{Name: "main.foo"}, Line: 1}},
		Values:    []int64{1},
	}, -1))

	result, err := p.SerializeIntoCompressedPprof(p.startTime, 0)
	require.NoError(t, err)
	assert.False(t, result.Start.IsZero())

	zr, err := gzip.NewReader(bytesReader(result.Profile))
	require.NoError(t, err)
	raw, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.NotEmpty(t, raw)
}

func TestSerializeIsPure(t *testing.T) {
	// P4: encoding the same accumulated data twice yields identical bytes.
	build := func() *Profile {
		p := newTestProfile()
		_ = p.AddSample(RawSample{
			Locations: []RawLocation{{Function: RawFunction{Name: "main.foo"}, Line: 1}},
			Values:    []int64{1},
		}, -1)
		return p
	}

	end := time.Unix(1700000000, 0)
	p1, p2 := build(), build()
	r1, err := p1.SerializeIntoCompressedPprof(end, time.Second)
	require.NoError(t, err)
	r2, err := p2.SerializeIntoCompressedPprof(end, time.Second)
	require.NoError(t, err)

	zr1, err := gzip.NewReader(bytesReader(r1.Profile))
	require.NoError(t, err)
	raw1, err := io.ReadAll(zr1)
	require.NoError(t, err)

	zr2, err := gzip.NewReader(bytesReader(r2.Profile))
	require.NoError(t, err)
	raw2, err := io.ReadAll(zr2)
	require.NoError(t, err)

	assert.Equal(t, raw1, raw2)
}

func bytesReader(b []byte) *byteReaderAt { return &byteReaderAt{b: b} }

// byteReaderAt is a minimal io.Reader over a byte slice, avoiding a direct
// bytes.Reader import collision with the package's own bytes usage in
// encode.go while keeping this test self-contained.
type byteReaderAt struct {
	b   []byte
	pos int
}

func (r *byteReaderAt) Read(p []byte) (int, error) {
	if r.pos >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.pos:])
	r.pos += n
	return n, nil
}
