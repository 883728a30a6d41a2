// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2021 Datadog, Inc.

package exporter

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/DataDog/dd-trace-dataplane/internal/atomicref"
	"github.com/DataDog/dd-trace-dataplane/internal/log"
)

// AgentInfo is the decoded body of GET /info, plus the state-hash header
// that lets callers cheaply detect "nothing changed" (spec §6).
type AgentInfo struct {
	Version                string   `json:"version"`
	ClientDropP0s          bool     `json:"client_drop_p0s"`
	SpanKindsStatsComputed []string `json:"span_kinds_stats_computed,omitempty"`
	PeerTags               []string `json:"peer_tags,omitempty"`
	StateHash              string   `json:"-"`
}

// AgentInfoFetcher polls GET /info on an interval and publishes the latest
// snapshot behind an atomic pointer swap, so the send-path can read it
// lock-free (spec §5).
type AgentInfoFetcher struct {
	url      string
	client   *http.Client
	interval time.Duration
	snapshot *atomicref.Value[AgentInfo]
}

// NewAgentInfoFetcher returns a fetcher targeting baseURL + "/info". It does
// not start polling until Run is called.
func NewAgentInfoFetcher(baseURL string, client *http.Client, interval time.Duration) *AgentInfoFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	if interval <= 0 {
		interval = 1 * time.Second
	}
	return &AgentInfoFetcher{
		url:      baseURL + "/info",
		client:   client,
		interval: interval,
		snapshot: atomicref.New(AgentInfo{}),
	}
}

// rawSnapshot returns the most recently fetched AgentInfo, with no
// per-caller change tracking. Used internally by AgentInfoCursor.
func (f *AgentInfoFetcher) rawSnapshot() AgentInfo {
	v, _ := f.snapshot.Load()
	return v
}

// NewCursor returns an AgentInfoCursor over f, starting from "nothing
// observed yet" so its first Snapshot call reports changed as soon as f has
// fetched a snapshot with a non-empty state hash.
func (f *AgentInfoFetcher) NewCursor() *AgentInfoCursor {
	return &AgentInfoCursor{fetcher: f}
}

// AgentInfoCursor tracks one caller's view of an AgentInfoFetcher's latest
// snapshot. Independent callers — the exporter's own send-path reconciliation
// and, in the sidecar, each Session's reconciliation — each hold their own
// cursor over the same fetcher, so one caller observing a change does not
// hide that same change from another.
type AgentInfoCursor struct {
	fetcher  *AgentInfoFetcher
	lastHash string
}

// Snapshot returns the current AgentInfo and whether its StateHash is
// non-empty and differs from the last value this cursor observed. Returns
// (nil, false) if the fetcher has never completed a poll.
func (c *AgentInfoCursor) Snapshot() (*AgentInfo, bool) {
	info := c.fetcher.rawSnapshot()
	if info.StateHash == "" && info.Version == "" {
		return nil, false
	}
	changed := info.StateHash != "" && info.StateHash != c.lastHash
	if changed {
		c.lastHash = info.StateHash
	}
	return &info, changed
}

// Run polls until ctx is cancelled. Any non-2xx response, malformed JSON, or
// timeout leaves the last known snapshot in place (spec §6).
func (f *AgentInfoFetcher) Run(ctx context.Context) {
	f.poll(ctx)
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.poll(ctx)
		}
	}
}

func (f *AgentInfoFetcher) poll(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		log.Debug("exporter: agent info request build failed: %s", err)
		return
	}
	resp, err := f.client.Do(req)
	if err != nil {
		log.Debug("exporter: agent info fetch failed: %s", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Debug("exporter: agent info returned status %d", resp.StatusCode)
		return
	}
	var info AgentInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		log.Debug("exporter: agent info decode failed: %s", err)
		return
	}
	info.StateHash = resp.Header.Get("Datadog-Agent-State")
	f.snapshot.Store(info)
}
