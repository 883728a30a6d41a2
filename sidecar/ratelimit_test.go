// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2021 Datadog, Inc.

package sidecar

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTokenBucketAllowsUpToCapacity(t *testing.T) {
	b := newTokenBucket(2, 1)
	now := time.Now()
	assert.True(t, b.Allow(now))
	assert.True(t, b.Allow(now))
	assert.False(t, b.Allow(now))
}

func TestTokenBucketRefillsOverTime(t *testing.T) {
	b := newTokenBucket(1, 1)
	now := time.Now()
	assert.True(t, b.Allow(now))
	assert.False(t, b.Allow(now))
	assert.True(t, b.Allow(now.Add(2*time.Second)))
}

func TestAcquireExceptionHashRateLimiterLimitsRepeats(t *testing.T) {
	s := NewServer(nil, "")
	assert.True(t, s.AcquireExceptionHashRateLimiter("hash-a"))
	assert.False(t, s.AcquireExceptionHashRateLimiter("hash-a"))
	assert.True(t, s.AcquireExceptionHashRateLimiter("hash-b"))
}

type fakeStatsdClient struct {
	counted []DogstatsdAction
}

func (f *fakeStatsdClient) Count(name string, value int64, tags []string, rate float64) error {
	f.counted = append(f.counted, DogstatsdAction{Kind: DogstatsdCount, Name: name, Value: float64(value), Tags: tags})
	return nil
}
func (f *fakeStatsdClient) Gauge(name string, value float64, tags []string, rate float64) error {
	f.counted = append(f.counted, DogstatsdAction{Kind: DogstatsdGauge, Name: name, Value: value, Tags: tags})
	return nil
}
func (f *fakeStatsdClient) Histogram(name string, value float64, tags []string, rate float64) error {
	return nil
}
func (f *fakeStatsdClient) Distribution(name string, value float64, tags []string, rate float64) error {
	return nil
}

func TestSendDogstatsdActionsInvokesConfiguredClient(t *testing.T) {
	s := NewServer(nil, "")
	client := &fakeStatsdClient{}
	s.SetDogstatsdClient(client)

	err := s.SendDogstatsdActions([]DogstatsdAction{{Kind: DogstatsdCount, Name: "trace.count", Value: 1}})
	assert.NoError(t, err)
	assert.Len(t, client.counted, 1)
	assert.Equal(t, "trace.count", client.counted[0].Name)
}

func TestSendDogstatsdActionsWithoutClientIsNoop(t *testing.T) {
	s := NewServer(nil, "")
	err := s.SendDogstatsdActions([]DogstatsdAction{{Kind: DogstatsdCount, Name: "trace.count", Value: 1}})
	assert.NoError(t, err)
}

func TestSendDebuggerDataInvokesSink(t *testing.T) {
	s := NewServer(nil, "")
	var called bool
	err := s.SendDebuggerData("session-1", DebuggerData{Payload: []byte("x")}, func(d DebuggerData) error {
		called = true
		return nil
	})
	assert.NoError(t, err)
	assert.True(t, called)
}

func TestSendDebuggerDataNilSinkIsNoop(t *testing.T) {
	s := NewServer(nil, "")
	err := s.SendDebuggerData("session-1", DebuggerData{}, nil)
	assert.NoError(t, err)
}
