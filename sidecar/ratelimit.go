// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2021 Datadog, Inc.

package sidecar

import (
	"sync"
	"time"

	"github.com/DataDog/datadog-go/v5/statsd"
)

// tokenBucket is a minimal token-bucket rate limiter keyed by exception
// hash, refilling at one token per interval up to capacity.
type tokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	refill   float64 // tokens per second
	last     time.Time
}

func newTokenBucket(capacity, refillPerSecond float64) *tokenBucket {
	return &tokenBucket{tokens: capacity, capacity: capacity, refill: refillPerSecond, last: time.Now()}
}

// Allow reports whether a token is currently available, consuming it if so.
func (b *tokenBucket) Allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens = minF(b.capacity, b.tokens+elapsed*b.refill)
		b.last = now
	}
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// AcquireExceptionHashRateLimiter reports whether an exception identified by
// hash may be reported, rate-limiting repeats of the same hash (spec §4.9).
func (s *Server) AcquireExceptionHashRateLimiter(hash string) bool {
	s.rateLimitersMu.Lock()
	b, ok := s.rateLimiters[hash]
	if !ok {
		b = newTokenBucket(1, 1.0/60)
		s.rateLimiters[hash] = b
	}
	s.rateLimitersMu.Unlock()
	return b.Allow(time.Now())
}

// DogstatsdActionKind discriminates the metric shapes SendDogstatsdActions
// accepts, mirroring statsd.ClientInterface's emission methods.
type DogstatsdActionKind int

const (
	DogstatsdCount DogstatsdActionKind = iota
	DogstatsdGauge
	DogstatsdHistogram
	DogstatsdDistribution
)

// DogstatsdAction is one metric emission request forwarded through
// SendDogstatsdActions.
type DogstatsdAction struct {
	Kind  DogstatsdActionKind
	Name  string
	Value float64
	Tags  []string
}

// SendDogstatsdActions forwards actions to the server's dogstatsd client, a
// pure passthrough from the tracer's perspective (spec §4.9 names this
// request but leaves the dogstatsd wire protocol itself to the client
// library).
func (s *Server) SendDogstatsdActions(actions []DogstatsdAction) error {
	s.mu.Lock()
	client := s.dogstatsd
	s.mu.Unlock()
	if client == nil {
		return nil
	}
	for _, a := range actions {
		var err error
		switch a.Kind {
		case DogstatsdCount:
			err = client.Count(a.Name, int64(a.Value), a.Tags, 1)
		case DogstatsdGauge:
			err = client.Gauge(a.Name, a.Value, a.Tags, 1)
		case DogstatsdHistogram:
			err = client.Histogram(a.Name, a.Value, a.Tags, 1)
		case DogstatsdDistribution:
			err = client.Distribution(a.Name, a.Value, a.Tags, 1)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// statsdClient is the subset of statsd.ClientInterface the sidecar uses,
// narrowed so a test double doesn't need to implement the whole interface.
type statsdClient interface {
	Count(name string, value int64, tags []string, rate float64) error
	Gauge(name string, value float64, tags []string, rate float64) error
	Histogram(name string, value float64, tags []string, rate float64) error
	Distribution(name string, value float64, tags []string, rate float64) error
}

var _ statsdClient = (statsd.ClientInterface)(nil)

// DebuggerData is one live-debugger payload forwarded through
// SendDebuggerData.
type DebuggerData struct {
	Payload     []byte
	Diagnostics bool
}

// SendDebuggerData hands one debugger payload for sessionID to sink and
// returns sink's error; with a nil sink the payload is discarded. Nothing
// is counted or recorded on the server.
func (s *Server) SendDebuggerData(sessionID string, data DebuggerData, sink func(DebuggerData) error) error {
	if sink == nil {
		return nil
	}
	return sink(data)
}
