// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2021 Datadog, Inc.

package exporter

import (
	"net/http"
	"net/url"
	"time"

	"github.com/DataDog/dd-trace-dataplane/stats"
	"github.com/DataDog/dd-trace-dataplane/trace"
)

// TelemetryConfig configures the telemetry client a TraceExporter reports
// through, if any.
type TelemetryConfig struct {
	Heartbeat    time.Duration
	RuntimeID    string
	DebugEnabled bool
}

// config holds every field a TraceExporterBuilder accumulates. It is built
// up by Option values and validated/frozen by Build (spec §6).
type config struct {
	url                       string
	hostname                  string
	env                       string
	appVersion                string
	service                   string
	tracerVersion             string
	language                  string
	languageVersion           string
	languageInterpreter       string
	languageInterpreterVendor string
	gitCommitSHA              string
	inputFormat               trace.Format
	outputFormat              trace.Format
	isProxy                   bool
	dogstatsdURL              string
	clientComputedStats       bool
	clientComputedTopLevel    bool
	statsBucketSize           time.Duration
	peerTagsAggregation       bool
	computeStatsBySpanKind    bool
	peerTags                  []string
	telemetry                 *TelemetryConfig
	testSessionToken          string
	httpClient                *http.Client
	agentInfoPollInterval     time.Duration
}

// Option configures a TraceExporterBuilder. Options are applied in the order
// given; later options win when they touch the same field.
type Option func(*config)

// WithAgentURL sets the agent base URL traces and /info requests are sent to.
func WithAgentURL(u string) Option { return func(c *config) { c.url = u } }

// WithHostname attaches the given hostname to outbound payload headers.
func WithHostname(h string) Option { return func(c *config) { c.hostname = h } }

// WithEnv stores the env name in the exporter's configuration; Send does
// not attach it to requests sent to the agent.
func WithEnv(env string) Option { return func(c *config) { c.env = env } }

// WithAppVersion stores the application version in the exporter's
// configuration; Send does not attach it to requests sent to the agent.
func WithAppVersion(v string) Option { return func(c *config) { c.appVersion = v } }

// WithService stores the default service name in the exporter's
// configuration; Send does not attach it to requests sent to the agent.
func WithService(s string) Option { return func(c *config) { c.service = s } }

// WithTracerVersion sets the tracer version reported via request headers.
func WithTracerVersion(v string) Option { return func(c *config) { c.tracerVersion = v } }

// WithLanguage sets the tracer language reported via request headers.
func WithLanguage(lang, version, interpreter, vendor string) Option {
	return func(c *config) {
		c.language = lang
		c.languageVersion = version
		c.languageInterpreter = interpreter
		c.languageInterpreterVendor = vendor
	}
}

// WithGitCommitSHA attaches the building application's git commit sha.
func WithGitCommitSHA(sha string) Option { return func(c *config) { c.gitCommitSHA = sha } }

// WithInputFormat sets the wire format inbound payloads are decoded as, or
// marks the exporter a byte-for-byte Proxy (format is ignored for decoding
// and Send forwards bytes verbatim) when proxy is true.
func WithInputFormat(format trace.Format, proxy bool) Option {
	return func(c *config) {
		c.inputFormat = format
		c.isProxy = proxy
	}
}

// WithOutputFormat sets the wire format re-encoded payloads are sent to the
// agent in. Ignored when the exporter is a Proxy.
func WithOutputFormat(format trace.Format) Option { return func(c *config) { c.outputFormat = format } }

// WithDogstatsdURL sets the dogstatsd target used for exporter health metrics.
func WithDogstatsdURL(u string) Option { return func(c *config) { c.dogstatsdURL = u } }

// WithClientComputedStats marks that the caller has already computed
// trace stats; Send then feeds no spans to the exporter's concentrator,
// drops no P0 chunks and sets no client-computed headers.
func WithClientComputedStats(v bool) Option { return func(c *config) { c.clientComputedStats = v } }

// WithClientComputedTopLevel marks that the caller has already flagged
// top-level spans, so the exporter's stats path does not recompute it.
func WithClientComputedTopLevel(v bool) Option { return func(c *config) { c.clientComputedTopLevel = v } }

// WithStatsBucketSize overrides the concentrator's default bucket width.
func WithStatsBucketSize(d time.Duration) Option { return func(c *config) { c.statsBucketSize = d } }

// WithPeerTagsAggregation enables peer-tag-aware stats aggregation.
func WithPeerTagsAggregation(v bool) Option { return func(c *config) { c.peerTagsAggregation = v } }

// WithComputeStatsBySpanKind requests stats computation (the builder's
// initial DisabledByAgent vs. Disabled choice, per spec §4.6).
func WithComputeStatsBySpanKind(v bool) Option { return func(c *config) { c.computeStatsBySpanKind = v } }

// WithPeerTags stores an ordered list of peer tag names in the exporter's
// configuration. The concentrator does not use it: with peer-tag
// aggregation enabled, its peer tags are the ones the agent's /info lists.
func WithPeerTags(tags []string) Option { return func(c *config) { c.peerTags = tags } }

// WithTelemetry attaches a telemetry client configuration.
func WithTelemetry(t TelemetryConfig) Option { return func(c *config) { c.telemetry = &t } }

// WithTestSessionToken tags outbound requests with a test session token
// (used by test-visibility agent deployments to route payloads).
func WithTestSessionToken(tok string) Option { return func(c *config) { c.testSessionToken = tok } }

// WithHTTPClient overrides the *http.Client used for both /info polling and
// trace submission. Defaults to http.DefaultClient.
func WithHTTPClient(cl *http.Client) Option { return func(c *config) { c.httpClient = cl } }

// WithAgentInfoPollInterval overrides how often GET /info is polled.
func WithAgentInfoPollInterval(d time.Duration) Option {
	return func(c *config) { c.agentInfoPollInterval = d }
}

// TraceExporterBuilder accumulates Options and produces a validated
// TraceExporter (spec §6).
type TraceExporterBuilder struct {
	cfg config
}

// NewBuilder returns a builder seeded with the given options.
func NewBuilder(opts ...Option) *TraceExporterBuilder {
	b := &TraceExporterBuilder{cfg: config{
		inputFormat:           trace.FormatV04,
		outputFormat:          trace.FormatV04,
		statsBucketSize:       stats.DefaultBucketDuration,
		agentInfoPollInterval: time.Second,
	}}
	for _, opt := range opts {
		opt(&b.cfg)
	}
	return b
}

// Build validates the accumulated configuration and constructs a
// TraceExporter. The only combinations rejected are V05 input re-encoded to
// V04 output, and a Proxy exporter configured with any output format other
// than its input (spec §6: "all other [format] combinations are valid").
func (b *TraceExporterBuilder) Build() (*TraceExporter, error) {
	c := b.cfg
	if c.url == "" {
		return nil, builderErr(ErrBuilderInvalidConfiguration, "agent url is required")
	}
	if _, err := url.ParseRequestURI(c.url); err != nil {
		return nil, builderErr(ErrBuilderInvalidURI, "%s", err)
	}
	if c.isProxy && c.outputFormat != c.inputFormat {
		return nil, builderErr(ErrBuilderInvalidConfiguration, "proxy exporters cannot change wire format")
	}
	if !c.isProxy && c.inputFormat == trace.FormatV05 && c.outputFormat == trace.FormatV04 {
		return nil, builderErr(ErrBuilderInvalidConfiguration, "cannot downgrade v05 input to v04 output")
	}
	if c.httpClient == nil {
		c.httpClient = http.DefaultClient
	}
	metrics, err := newMetricsClient(c.dogstatsdURL)
	if err != nil {
		return nil, err
	}

	requestedStats := c.computeStatsBySpanKind && !c.isProxy
	statsStatus := NewInitialStatsStatus(requestedStats, c.statsBucketSize)
	if c.isProxy {
		statsStatus = StatsComputationStatus{State: StatsDisabled}
	}

	agentInfo := NewAgentInfoFetcher(c.url, c.httpClient, c.agentInfoPollInterval)
	return &TraceExporter{
		cfg:         c,
		agentInfo:   agentInfo,
		agentCursor: agentInfo.NewCursor(),
		metrics:     metrics,
		statsState:  statsStatus,
	}, nil
}
