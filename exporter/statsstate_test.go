// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2021 Datadog, Inc.

package exporter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DataDog/dd-trace-dataplane/stats"
)

func TestDisabledStateIsTerminal(t *testing.T) {
	s := NewInitialStatsStatus(false, time.Second)
	require.Equal(t, StatsDisabled, s.State)
	s = s.Reconcile(AgentInfo{ClientDropP0s: true}, nil, nil, func(stats.FlushedBucket) {})
	assert.Equal(t, StatsDisabled, s.State)
}

func TestDisabledByAgentEnablesWhenClientDropP0sTrue(t *testing.T) {
	s := NewInitialStatsStatus(true, 50*time.Millisecond)
	require.Equal(t, StatsDisabledByAgent, s.State)

	s = s.Reconcile(AgentInfo{ClientDropP0s: true}, stats.DefaultEligibleKinds, nil, func(stats.FlushedBucket) {})
	require.Equal(t, StatsEnabled, s.State)
	require.NotNil(t, s.Concentrator)
	s.Shutdown()
}

func TestEnabledDisablesWhenClientDropP0sFalse(t *testing.T) {
	s := NewInitialStatsStatus(true, 50*time.Millisecond)
	s = s.Reconcile(AgentInfo{ClientDropP0s: true}, stats.DefaultEligibleKinds, nil, func(stats.FlushedBucket) {})
	require.Equal(t, StatsEnabled, s.State)

	s = s.Reconcile(AgentInfo{ClientDropP0s: false}, nil, nil, func(stats.FlushedBucket) {})
	assert.Equal(t, StatsDisabledByAgent, s.State)
}

func TestEnabledReconfiguresInPlaceWhenStillEnabled(t *testing.T) {
	s := NewInitialStatsStatus(true, 50*time.Millisecond)
	s = s.Reconcile(AgentInfo{ClientDropP0s: true}, map[string]struct{}{"server": {}}, nil, func(stats.FlushedBucket) {})
	require.Equal(t, StatsEnabled, s.State)
	firstConcentrator := s.Concentrator

	s = s.Reconcile(AgentInfo{ClientDropP0s: true}, map[string]struct{}{"client": {}}, []string{"peer.service"}, func(stats.FlushedBucket) {})
	assert.Equal(t, StatsEnabled, s.State)
	assert.Same(t, firstConcentrator, s.Concentrator)
	s.Shutdown()
}
