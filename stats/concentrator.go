// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2021 Datadog, Inc.

// Package stats implements the client-side span concentrator: it buckets
// eligible spans by a deterministic signature and aggregates their hit
// count, error count, duration sum, and duration distribution (spec §4.6).
package stats

import (
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"

	"github.com/DataDog/dd-trace-dataplane/internal/log"
	"github.com/DataDog/dd-trace-dataplane/trace"
)

// DefaultBucketDuration is the concentrator's default bucket width.
const DefaultBucketDuration = 10 * time.Second

// DefaultEligibleKinds are the span kinds eligible for stats aggregation
// absent an agent override (spec §4.6).
var DefaultEligibleKinds = map[string]struct{}{
	"client":   {},
	"server":   {},
	"producer": {},
	"consumer": {},
}

// sketchRelativeAccuracy matches the accuracy the agent itself targets for
// trace-stats duration sketches.
const sketchRelativeAccuracy = 0.01

// Signature identifies one aggregation bucket key within a time bucket.
type Signature struct {
	Service       string
	Name          string
	Resource      string
	Type          string
	SpanKind      string
	HTTPStatus    uint32
	IsSynthetic   bool
	PeerTagValues string
}

// Bucket accumulates observations for one Signature within one bucket
// start-time.
type Bucket struct {
	Hits      uint64
	Errors    uint64
	DurationN int64
	durations *ddsketch.DDSketch
}

func newBucket() *Bucket {
	sketch, err := ddsketch.NewDefaultDDSketch(sketchRelativeAccuracy)
	if err != nil {
		// NewDefaultDDSketch only fails on an invalid accuracy constant;
		// sketchRelativeAccuracy is a fixed, valid value, so this is
		// unreachable in practice.
		panic(err)
	}
	return &Bucket{durations: sketch}
}

// Durations exposes the bucket's duration distribution sketch.
func (b *Bucket) Durations() *ddsketch.DDSketch { return b.durations }

// timeBucket is every Signature's Bucket within one bucket start-time.
type timeBucket struct {
	start time.Time
	data  map[Signature]*Bucket
}

// Concentrator accumulates span statistics into fixed-width time buckets and
// periodically publishes completed ones. It lives behind a single mutex
// shared between the add-path and the flush task (spec §5): hold times are
// O(spans-in-chunk) and O(bucket-size) respectively.
type Concentrator struct {
	mu             sync.Mutex
	bucketDuration time.Duration
	eligibleKinds  map[string]struct{}
	peerTags       []string
	retained       int
	buckets        []*timeBucket // ordered oldest-first; len <= retained+1

	onFlush func(start time.Time, data map[Signature]*Bucket)
}

// NewConcentrator returns a Concentrator bucketing at bucketDuration,
// eligible for the given span kinds (nil means DefaultEligibleKinds),
// retaining retained completed buckets for out-of-order tolerance.
func NewConcentrator(bucketDuration time.Duration, eligibleKinds map[string]struct{}, peerTags []string, retained int) *Concentrator {
	if bucketDuration <= 0 {
		bucketDuration = DefaultBucketDuration
	}
	if eligibleKinds == nil {
		eligibleKinds = DefaultEligibleKinds
	}
	if retained < 1 {
		retained = 2
	}
	return &Concentrator{
		bucketDuration: bucketDuration,
		eligibleKinds:  eligibleKinds,
		peerTags:       peerTags,
		retained:       retained,
	}
}

// Reconfigure mutates the concentrator in place when the agent-info snapshot
// changes eligible-kinds or peer-tags but stats remain enabled (the
// Enabled->Enabled transition in spec §4.6's state machine).
func (c *Concentrator) Reconfigure(eligibleKinds map[string]struct{}, peerTags []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if eligibleKinds != nil {
		c.eligibleKinds = eligibleKinds
	}
	c.peerTags = peerTags
}

// AddSpan feeds one span (already known top-level-resolved by the caller)
// into the bucket for now, if its kind is eligible.
func (c *Concentrator) AddSpan(now time.Time, span *trace.Span, kind string, isTopLevel, isSynthetic bool) {
	if _, eligible := c.eligibleKinds[kind]; !eligible {
		return
	}
	var httpStatus string
	if v, ok := span.Attributes["http.status_code"]; ok && v.Kind == trace.AttributeString {
		httpStatus = v.Str
	}
	var peerTagValues string
	if len(c.peerTags) > 0 {
		peerTagValues = joinPeerTagValues(span, c.peerTags)
	}

	sig := Signature{
		Service:       span.Service,
		Name:          span.Name,
		Resource:      span.Resource,
		Type:          span.Type,
		SpanKind:      kind,
		HTTPStatus:    parseHTTPStatus(httpStatus),
		IsSynthetic:   isSynthetic,
		PeerTagValues: peerTagValues,
	}

	start := now.Truncate(c.bucketDuration)

	c.mu.Lock()
	defer c.mu.Unlock()

	tb := c.bucketFor(start)
	b, ok := tb.data[sig]
	if !ok {
		b = newBucket()
		tb.data[sig] = b
	}
	b.Hits++
	if span.Error {
		b.Errors++
	}
	b.DurationN += span.Duration
	b.durations.Add(float64(span.Duration))
}

// bucketFor returns the timeBucket for start, creating it (and evicting the
// oldest retained bucket) if necessary. Callers must hold c.mu.
func (c *Concentrator) bucketFor(start time.Time) *timeBucket {
	for _, tb := range c.buckets {
		if tb.start.Equal(start) {
			return tb
		}
	}
	tb := &timeBucket{start: start, data: make(map[Signature]*Bucket)}
	i := len(c.buckets)
	for i > 0 && c.buckets[i-1].start.After(start) {
		i--
	}
	c.buckets = append(c.buckets, nil)
	copy(c.buckets[i+1:], c.buckets[i:])
	c.buckets[i] = tb
	if len(c.buckets) > c.retained+1 {
		c.buckets = c.buckets[1:]
	}
	return tb
}

// Flush removes and returns every bucket whose start-time is before
// cutoff, in monotonic start-time order (spec §5: "stats bucket flushing is
// monotonic by bucket start-time").
func (c *Concentrator) Flush(cutoff time.Time) []FlushedBucket {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []FlushedBucket
	remaining := c.buckets[:0:0]
	for _, tb := range c.buckets {
		if tb.start.Before(cutoff) {
			out = append(out, FlushedBucket{Start: tb.start, Data: tb.data})
		} else {
			remaining = append(remaining, tb)
		}
	}
	c.buckets = remaining
	return out
}

func parseHTTPStatus(s string) uint32 {
	var v uint32
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		v = v*10 + uint32(r-'0')
	}
	return v
}

// joinPeerTagValues builds the signature's peer-tag component by
// concatenating the values of the agent-configured peer tags present on
// span, in the agent's declared order, separated by ",".
func joinPeerTagValues(span *trace.Span, peerTags []string) string {
	var out string
	for i, tag := range peerTags {
		v, ok := span.Attributes[tag]
		if !ok || v.Kind != trace.AttributeString {
			continue
		}
		if i > 0 && out != "" {
			out += ","
		}
		out += v.Str
	}
	return out
}

// FlushedBucket is one completed bucket handed to the flusher task.
type FlushedBucket struct {
	Start time.Time
	Data  map[Signature]*Bucket
}

// RunFlusher runs until done is closed, calling publish with every bucket
// that falls outside the retention window on each tick. It is the
// background task described in spec §4.6 ("a background task flushes and
// publishes completed buckets on bucket boundaries").
func RunFlusher(done <-chan struct{}, c *Concentrator, publish func(FlushedBucket)) {
	ticker := time.NewTicker(c.bucketDuration)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			for _, b := range c.Flush(time.Now().Add(c.bucketDuration)) {
				publish(b)
			}
			return
		case now := <-ticker.C:
			cutoff := now.Truncate(c.bucketDuration).Add(-time.Duration(c.retained) * c.bucketDuration)
			for _, b := range c.Flush(cutoff) {
				log.Debug("stats: flushed bucket start=%s signatures=%d", b.Start, len(b.Data))
				publish(b)
			}
		}
	}
}
