// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2021 Datadog, Inc.

package exporter

import (
	"github.com/DataDog/datadog-go/v5/statsd"

	"github.com/DataDog/dd-trace-dataplane/internal/log"
)

// Dogstatsd counter names emitted along the send pipeline (spec §4.6 steps
// 3/4/7).
const (
	metricDeserTraces       = "deser_traces"
	metricDeserTracesErrors = "deser_traces.errors"
	metricSendTraces        = "send.traces"
	metricSendTracesErrors  = "send.traces.errors"
)

// metricsClient is the subset of statsd.ClientInterface the exporter uses,
// narrowed so a test double doesn't need to implement the whole interface.
type metricsClient interface {
	Count(name string, value int64, tags []string, rate float64) error
}

var _ metricsClient = (statsd.ClientInterface)(nil)

// noopMetrics is used when no dogstatsd URL is configured: every call point
// below stays live regardless of configuration, matching the teacher's own
// "metrics are always exercised, disabled sinks are just quiet" approach in
// its own statsd-wrapped telemetry paths.
type noopMetrics struct{}

func (noopMetrics) Count(name string, value int64, tags []string, rate float64) error { return nil }

// newMetricsClient builds a dogstatsd-backed metricsClient targeting addr, or
// a no-op client if addr is empty.
func newMetricsClient(addr string) (metricsClient, error) {
	if addr == "" {
		return noopMetrics{}, nil
	}
	client, err := statsd.New(addr)
	if err != nil {
		return nil, builderErr(ErrBuilderInvalidConfiguration, "dogstatsd client: %s", err)
	}
	return client, nil
}

// count emits a dogstatsd counter increment and logs on failure rather than
// surfacing a metrics-plumbing error up through Send.
func (e *TraceExporter) count(name string, value int64) {
	if err := e.metrics.Count(name, value, nil, 1); err != nil {
		log.Debug("exporter: emitting metric %s failed: %s", name, err)
	}
}
