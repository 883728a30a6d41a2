// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2021 Datadog, Inc.

package profile

import (
	"fmt"
	"math"
)

// UpscalingInfo is one of Proportional, Poisson or PoissonNonSampleTypeCount
// (spec §3). Exactly one constructor should be used to build a value; the
// Kind field discriminates them the way a Rust enum's tag would.
type UpscalingInfo struct {
	Kind upscalingKind

	// Proportional
	Scale float64

	// Poisson / PoissonNonSampleTypeCount
	SumOffset        int
	CountOffset      int // Poisson only
	CountValue       int64
	SamplingDistance int64
}

type upscalingKind int

const (
	kindProportional upscalingKind = iota
	kindPoisson
	kindPoissonNonSampleTypeCount
)

// Proportional builds an UpscalingInfo that multiplies the targeted offsets
// by scale and rounds.
func Proportional(scale float64) UpscalingInfo {
	return UpscalingInfo{Kind: kindProportional, Scale: scale}
}

// Poisson builds an UpscalingInfo whose scale is derived at apply time from
// the running average sum[sumOffset]/values[countOffset].
func Poisson(sumOffset, countOffset int, samplingDistance int64) UpscalingInfo {
	return UpscalingInfo{
		Kind:             kindPoisson,
		SumOffset:        sumOffset,
		CountOffset:      countOffset,
		SamplingDistance: samplingDistance,
	}
}

// PoissonNonSampleTypeCount builds an UpscalingInfo like Poisson, but with a
// fixed count that is not itself one of the sample's value-type offsets.
func PoissonNonSampleTypeCount(sumOffset int, countValue, samplingDistance int64) UpscalingInfo {
	return UpscalingInfo{
		Kind:             kindPoissonNonSampleTypeCount,
		SumOffset:        sumOffset,
		CountValue:       countValue,
		SamplingDistance: samplingDistance,
	}
}

// scaleFor computes the effective scale for this rule given a sample's raw
// value vector.
func (info UpscalingInfo) scaleFor(values []int64) (float64, error) {
	switch info.Kind {
	case kindProportional:
		return info.Scale, nil
	case kindPoisson:
		sum := values[info.SumOffset]
		count := values[info.CountOffset]
		return poissonScale(sum, count, info.SamplingDistance)
	case kindPoissonNonSampleTypeCount:
		sum := values[info.SumOffset]
		return poissonScale(sum, info.CountValue, info.SamplingDistance)
	default:
		return 0, fmt.Errorf("profile: unknown upscaling info kind %d", info.Kind)
	}
}

func poissonScale(sum, count, samplingDistance int64) (float64, error) {
	if count == 0 {
		return 1, nil
	}
	avg := float64(sum) / float64(count)
	denom := 1 - math.Exp(-avg/float64(samplingDistance))
	if denom == 0 {
		return 1, nil
	}
	return 1 / denom, nil
}

// upscalingRule is one entry in the catalog: a set of value offsets this rule
// rescales, plus the info describing how.
type upscalingRule struct {
	offsets []int
	info    UpscalingInfo
}

// upscalingKey identifies the (label_name_id, label_value_id) scope a rule is
// attached to. The zero key (0, 0) is the by-value scope: it applies to every
// sample regardless of labels.
type upscalingKey struct {
	nameID  StringId
	valueID StringId
}

func (k upscalingKey) isByValue() bool { return k.nameID == ZeroStringId && k.valueID == ZeroStringId }

// UpscalingRules is the two-level dictionary described in spec §4.4: rules
// grouped by (label_name_id, label_value_id), plus a bitmap tracking which
// value offsets have ever been claimed by a by-label rule, so a competing
// by-value rule can be rejected in O(1) rather than scanning every group.
type UpscalingRules struct {
	nValueTypes         int
	byKey               map[upscalingKey][]upscalingRule
	offsetClaimedByLabel map[int]bool
}

// NewUpscalingRules returns an empty catalog for a profile declaring
// nValueTypes sample types.
func NewUpscalingRules(nValueTypes int) *UpscalingRules {
	return &UpscalingRules{
		nValueTypes:          nValueTypes,
		byKey:                make(map[upscalingKey][]upscalingRule),
		offsetClaimedByLabel: make(map[int]bool),
	}
}

// AddRule registers a rule scoped to (nameID, valueID) (both ZeroStringId for
// a by-value rule) acting on the given value offsets. It enforces spec §4.4's
// five validation steps and rejects with an error describing which one
// failed; no partial state is committed on rejection.
func (u *UpscalingRules) AddRule(nameID, valueID StringId, offsets []int, info UpscalingInfo) error {
	for _, off := range offsets {
		if off < 0 || off >= u.nValueTypes {
			return fmt.Errorf("profile: upscaling rule offset %d out of range [0,%d)", off, u.nValueTypes)
		}
	}
	switch info.Kind {
	case kindPoisson:
		if info.SamplingDistance == 0 {
			return fmt.Errorf("profile: poisson upscaling rule has zero sampling distance")
		}
		if info.SumOffset < 0 || info.SumOffset >= u.nValueTypes {
			return fmt.Errorf("profile: poisson upscaling rule sum_offset %d out of range", info.SumOffset)
		}
		if info.CountOffset < 0 || info.CountOffset >= u.nValueTypes {
			return fmt.Errorf("profile: poisson upscaling rule count_offset %d out of range", info.CountOffset)
		}
	case kindPoissonNonSampleTypeCount:
		if info.SamplingDistance == 0 {
			return fmt.Errorf("profile: poisson upscaling rule has zero sampling distance")
		}
		if info.SumOffset < 0 || info.SumOffset >= u.nValueTypes {
			return fmt.Errorf("profile: poisson upscaling rule sum_offset %d out of range", info.SumOffset)
		}
	}

	key := upscalingKey{nameID: nameID, valueID: valueID}
	for _, existing := range u.byKey[key] {
		if offsetsOverlap(existing.offsets, offsets) {
			return fmt.Errorf("profile: upscaling rule offsets overlap an existing rule in the same scope")
		}
	}

	if key.isByValue() {
		for _, off := range offsets {
			if u.offsetClaimedByLabel[off] {
				return fmt.Errorf("profile: by-value upscaling rule offset %d collides with a by-label rule", off)
			}
		}
	} else {
		for byValueOffset := range offsetsClaimedByValueRule(u.byKey) {
			for _, off := range offsets {
				if off == byValueOffset {
					return fmt.Errorf("profile: by-label upscaling rule offset %d collides with a by-value rule", off)
				}
			}
		}
		for _, off := range offsets {
			u.offsetClaimedByLabel[off] = true
		}
	}

	u.byKey[key] = append(u.byKey[key], upscalingRule{offsets: offsets, info: info})
	return nil
}

func offsetsClaimedByValueRule(byKey map[upscalingKey][]upscalingRule) map[int]bool {
	claimed := make(map[int]bool)
	rules, ok := byKey[upscalingKey{}]
	if !ok {
		return claimed
	}
	for _, r := range rules {
		for _, off := range r.offsets {
			claimed[off] = true
		}
	}
	return claimed
}

func offsetsOverlap(a, b []int) bool {
	set := make(map[int]struct{}, len(a))
	for _, v := range a {
		set[v] = struct{}{}
	}
	for _, v := range b {
		if _, ok := set[v]; ok {
			return true
		}
	}
	return false
}

// UpscaleValues applies every matching rule to values in place: every
// by-label rule whose scope appears among labels, then the by-value rule if
// present. At most one rule ever touches a given offset (enforced by
// AddRule), so application order across offsets is irrelevant.
func (u *UpscalingRules) UpscaleValues(values []int64, labels []upscalingKey) error {
	for _, key := range labels {
		rules, ok := u.byKey[key]
		if !ok {
			continue
		}
		if err := applyRules(values, rules); err != nil {
			return err
		}
	}
	if rules, ok := u.byKey[upscalingKey{}]; ok {
		if err := applyRules(values, rules); err != nil {
			return err
		}
	}
	return nil
}

func applyRules(values []int64, rules []upscalingRule) error {
	for _, rule := range rules {
		scale, err := rule.info.scaleFor(values)
		if err != nil {
			return err
		}
		for _, off := range rule.offsets {
			if values[off] == 0 {
				continue
			}
			values[off] = int64(math.Round(float64(values[off]) * scale))
		}
	}
	return nil
}
