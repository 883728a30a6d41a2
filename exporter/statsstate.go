// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2021 Datadog, Inc.

package exporter

import (
	"context"
	"time"

	"github.com/DataDog/dd-trace-dataplane/internal/log"
	"github.com/DataDog/dd-trace-dataplane/stats"
)

// StatsComputationState names the three states of spec §4.6's state
// machine: Disabled (tracer opted out, terminal), DisabledByAgent (waiting
// on /info or the agent is unwilling), Enabled (actively concentrating).
type StatsComputationState int

const (
	StatsDisabled StatsComputationState = iota
	StatsDisabledByAgent
	StatsEnabled
)

// StatsComputationStatus holds the current state plus whatever data belongs
// to it: a bucket size while DisabledByAgent, or a live concentrator and its
// cancellation function while Enabled.
type StatsComputationStatus struct {
	State        StatsComputationState
	BucketSize   time.Duration
	Concentrator *stats.Concentrator
	cancel       context.CancelFunc
	done         chan struct{}
}

// NewInitialStatsStatus returns the initial status per spec §4.6: Disabled
// if the builder never requested stats, otherwise DisabledByAgent with the
// given default bucket size. (Proxy input format forces Disabled at the
// exporter level, handled by the builder before this is called.)
func NewInitialStatsStatus(requested bool, defaultBucketSize time.Duration) StatsComputationStatus {
	if !requested {
		return StatsComputationStatus{State: StatsDisabled, BucketSize: defaultBucketSize}
	}
	return StatsComputationStatus{State: StatsDisabledByAgent, BucketSize: defaultBucketSize}
}

// Reconcile applies an /info snapshot to status, returning the new status.
// publish is called with every bucket the spawned flusher completes, if a
// flusher is (re)spawned.
func (s StatsComputationStatus) Reconcile(info AgentInfo, eligibleKinds map[string]struct{}, peerTags []string, publish func(stats.FlushedBucket)) StatsComputationStatus {
	switch s.State {
	case StatsDisabled:
		return s // terminal

	case StatsDisabledByAgent:
		if !info.ClientDropP0s {
			return s
		}
		log.Debug("exporter: stats computation enabled by agent, bucket_size=%s", s.BucketSize)
		ctx, cancel := context.WithCancel(context.Background())
		c := stats.NewConcentrator(s.BucketSize, eligibleKinds, peerTags, 2)
		done := make(chan struct{})
		go func() {
			defer close(done)
			stats.RunFlusher(ctx.Done(), c, publish)
		}()
		return StatsComputationStatus{
			State:        StatsEnabled,
			BucketSize:   s.BucketSize,
			Concentrator: c,
			cancel:       cancel,
			done:         done,
		}

	case StatsEnabled:
		if !info.ClientDropP0s {
			log.Debug("exporter: stats computation disabled by agent")
			s.cancel()
			<-s.done
			return StatsComputationStatus{State: StatsDisabledByAgent, BucketSize: s.BucketSize}
		}
		s.Concentrator.Reconfigure(eligibleKinds, peerTags)
		return s

	default:
		return s
	}
}

// Shutdown cancels any running flusher and waits for it to drain. It is a
// no-op for Disabled and DisabledByAgent.
func (s StatsComputationStatus) Shutdown() {
	if s.State != StatsEnabled {
		return
	}
	s.cancel()
	<-s.done
}
