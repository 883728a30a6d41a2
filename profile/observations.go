// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2021 Datadog, Inc.

package profile

// timestampedValues pairs a timestamp (nanoseconds since the Unix epoch;
// negative means absent, per the shared Timestamp primitive) with the value
// vector recorded at that instant.
type timestampedValues struct {
	timestamp int64
	values    []int64
}

// Observations holds every sample recorded on a profile, split into two
// partitions per spec §4.4:
//
//   - aggregating: samples recorded without a timestamp are summed in place,
//     keyed by Sample, so repeated identical stacks cost O(1) additional
//     memory instead of accumulating one entry per call.
//   - timestamped: samples recorded with an explicit timestamp are appended
//     to an ordered log and never merged, since each carries distinct wall
//     clock information that must survive to the wire format.
type Observations struct {
	aggregating map[Sample][]int64
	timestamped []timestampedSample
}

type timestampedSample struct {
	sample Sample
	timestampedValues
}

// NewObservations returns an empty Observations.
func NewObservations() *Observations {
	return &Observations{aggregating: make(map[Sample][]int64)}
}

// Add records values for sample. If timestamp is negative (absent, per the
// shared Timestamp primitive) the values are summed element-wise into any
// existing aggregated entry for sample; otherwise a new entry is appended to
// the timestamped log, including when timestamp is exactly the Unix epoch.
// nValueTypes is the width every value vector must share; Add panics if
// len(values) != nValueTypes, which indicates a caller bug (the profile's
// sample types are fixed at construction).
func (o *Observations) Add(sample Sample, timestamp int64, values []int64, nValueTypes int) {
	if len(values) != nValueTypes {
		panic("profile: observation value vector width does not match sample types")
	}
	if timestamp < 0 {
		existing, ok := o.aggregating[sample]
		if !ok {
			stored := make([]int64, len(values))
			copy(stored, values)
			o.aggregating[sample] = stored
			return
		}
		for i, v := range values {
			existing[i] += v
		}
		return
	}
	stored := make([]int64, len(values))
	copy(stored, values)
	o.timestamped = append(o.timestamped, timestampedSample{
		sample:            sample,
		timestampedValues: timestampedValues{timestamp: timestamp, values: stored},
	})
}

// Len returns the total number of observations: aggregated entries count as
// one each regardless of how many Add calls folded into them, plus every
// timestamped entry.
func (o *Observations) Len() int {
	return len(o.aggregating) + len(o.timestamped)
}

// NumAggregatedSamples returns the number of distinct aggregated (Sample,
// no-timestamp) entries. Exposed for tests, mirroring
// only_for_testing_num_aggregated_samples.
func (o *Observations) NumAggregatedSamples() int { return len(o.aggregating) }

// NumTimestampedSamples returns the number of entries in the timestamped log.
// Exposed for tests, mirroring only_for_testing_num_timestamped_samples.
func (o *Observations) NumTimestampedSamples() int { return len(o.timestamped) }

// ObservedSample is one fully resolved observation yielded during iteration:
// a Sample, its timestamp (negative if absent), and its value vector.
type ObservedSample struct {
	Sample    Sample
	Timestamp int64
	Values    []int64
}

// Drain calls fn once per observation — every aggregated entry first, then
// every timestamped entry in recording order — and releases Observations'
// backing storage afterward. This mirrors the Rust Observations::into_iter()
// consuming iterator used by Profile::encode().
func (o *Observations) Drain(fn func(ObservedSample)) {
	for sample, values := range o.aggregating {
		fn(ObservedSample{Sample: sample, Timestamp: -1, Values: values})
	}
	for _, ts := range o.timestamped {
		fn(ObservedSample{Sample: ts.sample, Timestamp: ts.timestamp, Values: ts.values})
	}
	o.aggregating = nil
	o.timestamped = nil
}
