// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2021 Datadog, Inc.

package exporter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/DataDog/dd-trace-dataplane/internal/log"
	"github.com/DataDog/dd-trace-dataplane/stats"
	"github.com/DataDog/dd-trace-dataplane/trace"
)

// SendResult reports the outcome of one Send call, carried back to the
// caller for telemetry purposes (spec §4.6 step 7: "surface the telemetry
// payload size").
type SendResult struct {
	StatusCode   int
	PayloadBytes int
	TraceCount   int
	DroppedP0s   int
}

// TraceExporter accepts tracer payloads, optionally computes client-side
// stats over them, and forwards them to the agent (spec §4.6).
type TraceExporter struct {
	cfg         config
	agentInfo   *AgentInfoFetcher
	agentCursor *AgentInfoCursor
	metrics     metricsClient

	mu         sync.Mutex
	statsState StatsComputationStatus

	onStatsBucket func(stats.FlushedBucket)

	runOnce sync.Once
	cancel  context.CancelFunc
	done    chan struct{}
}

// OnStatsBucket registers a callback invoked with every completed stats
// bucket the concentrator flushes, while stats computation is enabled. Must
// be called before Run.
func (e *TraceExporter) OnStatsBucket(fn func(stats.FlushedBucket)) { e.onStatsBucket = fn }

// Run starts the background agent-info poller. It returns once ctx is
// cancelled and the poller has stopped; call it in its own goroutine.
func (e *TraceExporter) Run(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	defer close(e.done)
	e.agentInfo.Run(runCtx)
}

// Shutdown stops the agent-info poller and any running stats flusher. If
// deadline is non-zero, Shutdown returns an Io(TimedOut) error rather than
// blocking past it; a zero deadline waits unconditionally.
func (e *TraceExporter) Shutdown(deadline time.Duration) error {
	if e.cancel != nil {
		e.cancel()
	}

	waitDone := make(chan struct{})
	go func() {
		if e.done != nil {
			<-e.done
		}
		e.mu.Lock()
		e.statsState.Shutdown()
		e.mu.Unlock()
		close(waitDone)
	}()

	if deadline <= 0 {
		<-waitDone
		return nil
	}
	select {
	case <-waitDone:
		return nil
	case <-time.After(deadline):
		return ioErr("TimedOut", fmt.Errorf("exporter: shutdown exceeded %s", deadline))
	}
}

// AgentInfoCursor returns a new cursor over this exporter's agent-info
// fetcher, independent of the exporter's own send-path cursor. Callers that
// need their own "changed since I last looked" view of agent-info — e.g. a
// sidecar Session doing its own reconciliation — get one without sharing the
// exporter's private cursor.
func (e *TraceExporter) AgentInfoCursor() *AgentInfoCursor { return e.agentInfo.NewCursor() }

// checkAgentInfo reconciles stats state against the latest agent-info
// snapshot observed via the exporter's own cursor (spec §4.6 step 1).
func (e *TraceExporter) checkAgentInfo() StatsComputationStatus {
	info, changed := e.agentCursor.Snapshot()
	e.mu.Lock()
	defer e.mu.Unlock()
	if changed {
		eligible := stats.DefaultEligibleKinds
		if len(info.SpanKindsStatsComputed) > 0 {
			eligible = make(map[string]struct{}, len(info.SpanKindsStatsComputed))
			for _, k := range info.SpanKindsStatsComputed {
				eligible[k] = struct{}{}
			}
		}
		publish := e.onStatsBucket
		if publish == nil {
			publish = func(stats.FlushedBucket) {}
		}
		var peerTags []string
		if e.cfg.peerTagsAggregation {
			peerTags = info.PeerTags
		}
		e.statsState = e.statsState.Reconcile(*info, eligible, peerTags, publish)
	}
	return e.statsState
}

// Send implements the seven-step send pipeline of spec §4.6.
func (e *TraceExporter) Send(ctx context.Context, payload []byte, traceCount int) (SendResult, error) {
	// step 1: reconcile stats state against the latest agent-info snapshot.
	statsState := e.checkAgentInfo()

	// step 2: proxy mode forwards bytes verbatim, no decode/encode.
	if e.cfg.isProxy {
		return e.forward(ctx, payload, traceCount, e.cfg.inputFormat)
	}

	// step 3: decode.
	chunks, err := trace.Decode(bytes.NewReader(payload), e.cfg.inputFormat)
	if err != nil {
		e.count(metricDeserTracesErrors, 1)
		return SendResult{}, deserializationErr(err)
	}

	// step 4: count successfully deserialized traces.
	e.count(metricDeserTraces, int64(len(chunks)))

	droppedP0s := 0
	droppedP0Spans := 0
	extraHeaders := map[string]string{}
	// step 5: client-side stats, unless the caller already computed its own.
	if statsState.State == StatsEnabled && !e.cfg.clientComputedStats {
		now := time.Now()
		kept := chunks[:0]
		for i := range chunks {
			c := &chunks[i]
			for j := range c.Spans {
				span := &c.Spans[j]
				kind := spanKind(span)
				topLevel := c.TopLevel(span)
				if e.cfg.clientComputedTopLevel {
					topLevel = span.Attributes["_top_level"].Bool
				}
				statsState.Concentrator.AddSpan(now, span, kind, topLevel, isSynthetic(c))
			}
			if c.DroppedTrace && c.Priority <= 0 {
				droppedP0s++
				droppedP0Spans += len(c.Spans)
				continue
			}
			kept = append(kept, *c)
		}
		chunks = kept
		if !e.cfg.clientComputedTopLevel {
			extraHeaders["X-Datadog-Client-Computed-Top-Level"] = "1"
		}
		extraHeaders["X-Datadog-Client-Computed-Stats"] = "1"
		if droppedP0s > 0 {
			extraHeaders["X-Datadog-Client-Dropped-P0-Traces"] = strconv.Itoa(droppedP0s)
			extraHeaders["X-Datadog-Client-Dropped-P0-Spans"] = strconv.Itoa(droppedP0Spans)
		}
	}

	// step 6: re-encode and send.
	var buf bytes.Buffer
	if err := trace.Encode(&buf, chunks, e.cfg.outputFormat); err != nil {
		return SendResult{}, serializationErr(err)
	}

	result, err := e.send(ctx, buf.Bytes(), len(chunks), e.cfg.outputFormat, extraHeaders)
	result.DroppedP0s = droppedP0s
	return result, err
}

func (e *TraceExporter) forward(ctx context.Context, payload []byte, traceCount int, format trace.Format) (SendResult, error) {
	return e.send(ctx, payload, traceCount, format, nil)
}

// maxSendAttempts bounds the send-with-retry policy (spec §7: "retried by
// the send-with-retry policy (bounded attempts, exponential backoff)").
const maxSendAttempts = 3

// sendRetryBaseDelay is the backoff unit between retried send attempts,
// doubled per attempt (100ms, 200ms, ...).
const sendRetryBaseDelay = 100 * time.Millisecond

func sendRetryBackoff(attempt int) time.Duration {
	return sendRetryBaseDelay * time.Duration(uint64(1)<<uint(attempt))
}

// sleepWithContext waits d, returning early if ctx is cancelled first.
func sleepWithContext(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// send POSTs payload to the agent's traces endpoint for format, retrying
// with exponential backoff on transport-level errors and HTTP 5xx responses;
// any 4xx response returns immediately (spec §4.6 step 7, spec §7).
func (e *TraceExporter) send(ctx context.Context, payload []byte, traceCount int, format trace.Format, extraHeaders map[string]string) (SendResult, error) {
	path := "/v0.4/traces"
	if format == trace.FormatV05 {
		path = "/v0.5/traces"
	}

	var lastErr error
	for attempt := 0; attempt < maxSendAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.url+path, bytes.NewReader(payload))
		if err != nil {
			return SendResult{}, ioErr("Request", err)
		}
		req.Header.Set("Content-Type", "application/msgpack")
		req.Header.Set("X-Datadog-Trace-Count", strconv.Itoa(traceCount))
		if e.cfg.tracerVersion != "" {
			req.Header.Set("Datadog-Meta-Tracer-Version", e.cfg.tracerVersion)
		}
		if e.cfg.language != "" {
			req.Header.Set("Datadog-Meta-Lang", e.cfg.language)
			req.Header.Set("Datadog-Meta-Lang-Version", e.cfg.languageVersion)
			req.Header.Set("Datadog-Meta-Lang-Interpreter", e.cfg.languageInterpreter)
			req.Header.Set("Datadog-Meta-Lang-Interpreter-Vendor", e.cfg.languageInterpreterVendor)
		}
		if e.cfg.testSessionToken != "" {
			req.Header.Set("X-Datadog-Test-Session-Token", e.cfg.testSessionToken)
		}
		if e.cfg.hostname != "" {
			req.Header.Set("Datadog-Meta-Hostname", e.cfg.hostname)
		}
		if e.cfg.gitCommitSHA != "" {
			req.Header.Set("Datadog-Git-Commit-Sha", e.cfg.gitCommitSHA)
		}
		for k, v := range extraHeaders {
			req.Header.Set(k, v)
		}

		client := e.cfg.httpClient
		if client == nil {
			client = http.DefaultClient
		}
		resp, err := client.Do(req)
		if err != nil {
			lastErr = ioErr("Request", err)
			log.Debug("exporter: send attempt %d failed: %s", attempt, err)
			if attempt < maxSendAttempts-1 {
				sleepWithContext(ctx, sendRetryBackoff(attempt))
			}
			continue
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode >= 500 {
			lastErr = requestErr(resp.StatusCode, string(body))
			log.Debug("exporter: send attempt %d got status %d, retrying", attempt, resp.StatusCode)
			if attempt < maxSendAttempts-1 {
				sleepWithContext(ctx, sendRetryBackoff(attempt))
			}
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			e.count(metricSendTracesErrors, 1)
			return SendResult{StatusCode: resp.StatusCode, PayloadBytes: len(payload), TraceCount: traceCount},
				requestErr(resp.StatusCode, string(body))
		}
		if len(body) == 0 {
			e.count(metricSendTracesErrors, 1)
			return SendResult{StatusCode: resp.StatusCode, PayloadBytes: len(payload), TraceCount: traceCount},
				&Error{Kind: ErrAgentEmptyResponse}
		}
		e.count(metricSendTraces, int64(traceCount))
		return SendResult{StatusCode: resp.StatusCode, PayloadBytes: len(payload), TraceCount: traceCount}, nil
	}
	e.count(metricSendTracesErrors, 1)
	return SendResult{}, lastErr
}

func spanKind(span *trace.Span) string {
	if v, ok := span.Attributes["span.kind"]; ok && v.Kind == trace.AttributeString {
		return v.Str
	}
	return "internal"
}

func isSynthetic(c *trace.Chunk) bool {
	if v, ok := c.Attributes["_dd.origin"]; ok && v.Kind == trace.AttributeString {
		return v.Str == "synthetics" || v.Str == "synthetics-browser"
	}
	return false
}
