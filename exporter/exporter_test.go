// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2021 Datadog, Inc.

package exporter

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DataDog/dd-trace-dataplane/trace"
)

func testChunk() trace.Chunk {
	return trace.Chunk{
		Spans: []trace.Span{
			{
				Service: "svc", Name: "op", Resource: "GET /x",
				SpanID: 1, Start: 100, Duration: 50,
				Attributes: trace.TraceAttributes{"span.kind": {Kind: trace.AttributeString, Str: "server"}},
			},
		},
	}
}

func encodedTestPayload(t *testing.T, format trace.Format) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, trace.Encode(&buf, []trace.Chunk{testChunk()}, format))
	return buf.Bytes()
}

func TestSendForwardsTraceCountHeader(t *testing.T) {
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/info" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		gotHeader = r.Header.Get("X-Datadog-Trace-Count")
		w.Write([]byte("OK"))
	}))
	defer srv.Close()

	exp, err := NewBuilder(WithAgentURL(srv.URL)).Build()
	require.NoError(t, err)

	payload := encodedTestPayload(t, trace.FormatV04)
	_, err = exp.Send(context.Background(), payload, 1)
	require.NoError(t, err)
	assert.Equal(t, "1", gotHeader)
}

func TestSendProxyForwardsBytesVerbatim(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/info" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		gotBody, _ = readRequestBody(r)
		w.Write([]byte("OK"))
	}))
	defer srv.Close()

	exp, err := NewBuilder(
		WithAgentURL(srv.URL),
		WithInputFormat(trace.FormatV04, true),
		WithOutputFormat(trace.FormatV04),
	).Build()
	require.NoError(t, err)

	payload := []byte("not even valid msgpack")
	_, err = exp.Send(context.Background(), payload, 1)
	require.NoError(t, err)
	assert.Equal(t, payload, gotBody)
}

func TestSendSurfacesAgentErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/info" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer srv.Close()

	exp, err := NewBuilder(WithAgentURL(srv.URL)).Build()
	require.NoError(t, err)

	payload := encodedTestPayload(t, trace.FormatV04)
	_, err = exp.Send(context.Background(), payload, 1)
	require.Error(t, err)
	var exportErr *Error
	require.ErrorAs(t, err, &exportErr)
	assert.Equal(t, ErrRequest, exportErr.Kind)
	assert.Equal(t, http.StatusInternalServerError, exportErr.Status)
}

func TestSendEnablesStatsWhenAgentRequestsIt(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/info" {
			w.Header().Set("Datadog-Agent-State", "hash-"+strconv.Itoa(hits))
			hits++
			w.Write([]byte(`{"version":"7.50.0","client_drop_p0s":true}`))
			return
		}
		assert.Equal(t, "1", r.Header.Get("X-Datadog-Client-Computed-Stats"))
		w.Write([]byte("OK"))
	}))
	defer srv.Close()

	exp, err := NewBuilder(WithAgentURL(srv.URL), WithComputeStatsBySpanKind(true)).Build()
	require.NoError(t, err)

	// one synchronous poll is enough to populate the snapshot Send reads.
	exp.agentInfo.poll(context.Background())

	payload := encodedTestPayload(t, trace.FormatV04)
	_, err = exp.Send(context.Background(), payload, 1)
	require.NoError(t, err)
	assert.Equal(t, StatsEnabled, exp.statsState.State)
	exp.statsState.Shutdown()
}

func readRequestBody(r *http.Request) ([]byte, error) {
	buf := new(bytes.Buffer)
	_, err := buf.ReadFrom(r.Body)
	return buf.Bytes(), err
}

type countCall struct {
	name  string
	value int64
}

type fakeMetricsClient struct {
	calls []countCall
}

func (f *fakeMetricsClient) Count(name string, value int64, tags []string, rate float64) error {
	f.calls = append(f.calls, countCall{name: name, value: value})
	return nil
}

func TestSendRetriesOn5xxWithBackoffThenReturnsLastError(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/info" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		attempts++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	exp, err := NewBuilder(WithAgentURL(srv.URL)).Build()
	require.NoError(t, err)

	payload := encodedTestPayload(t, trace.FormatV04)
	_, err = exp.Send(context.Background(), payload, 1)
	require.Error(t, err)
	assert.Equal(t, maxSendAttempts, attempts, "every 5xx response should be retried up to the attempt bound")
}

func TestSend4xxDoesNotRetry(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/info" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		attempts++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	exp, err := NewBuilder(WithAgentURL(srv.URL)).Build()
	require.NoError(t, err)

	payload := encodedTestPayload(t, trace.FormatV04)
	_, err = exp.Send(context.Background(), payload, 1)
	require.Error(t, err)
	assert.Equal(t, 1, attempts, "a 4xx response should return immediately, not retry")
}

func TestSendEmptyBodyIncrementsSendTracesErrorsExactlyOnce(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/info" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	exp, err := NewBuilder(WithAgentURL(srv.URL)).Build()
	require.NoError(t, err)
	metrics := &fakeMetricsClient{}
	exp.metrics = metrics

	payload := encodedTestPayload(t, trace.FormatV04)
	_, err = exp.Send(context.Background(), payload, 1)
	require.Error(t, err)
	var exportErr *Error
	require.ErrorAs(t, err, &exportErr)
	assert.Equal(t, ErrAgentEmptyResponse, exportErr.Kind)

	var sendErrors int
	for _, c := range metrics.calls {
		if c.name == metricSendTracesErrors {
			sendErrors++
		}
	}
	assert.Equal(t, 1, sendErrors)
}

func TestSendDeserTracesCountersEmittedOnDecodeSuccessAndFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/info" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte("OK"))
	}))
	defer srv.Close()

	exp, err := NewBuilder(WithAgentURL(srv.URL)).Build()
	require.NoError(t, err)
	metrics := &fakeMetricsClient{}
	exp.metrics = metrics

	payload := encodedTestPayload(t, trace.FormatV04)
	_, err = exp.Send(context.Background(), payload, 1)
	require.NoError(t, err)

	_, err = exp.Send(context.Background(), []byte("not valid msgpack"), 1)
	require.Error(t, err)

	var sawDeser, sawDeserErr bool
	for _, c := range metrics.calls {
		switch c.name {
		case metricDeserTraces:
			sawDeser = true
		case metricDeserTracesErrors:
			sawDeserErr = true
		}
	}
	assert.True(t, sawDeser)
	assert.True(t, sawDeserErr)
}
