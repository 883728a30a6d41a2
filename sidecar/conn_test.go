// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2021 Datadog, Inc.

package sidecar

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleConnRespondsToPing(t *testing.T) {
	s := NewServer(nil, "")
	client, server := net.Pipe()
	defer client.Close()

	go s.handleConn(server)

	require.NoError(t, WriteFrame(client, Frame{Kind: FramePing}))

	resp, err := ReadFrame(client)
	require.NoError(t, err)
	assert.Equal(t, FrameResponse, resp.Kind)

	var body responseBody
	require.NoError(t, resp.Decode(&body))
	assert.Empty(t, body.Error)
}

func TestHandleConnDispatchesEnqueueActionsAndStats(t *testing.T) {
	s := NewServer(nil, "")
	client, server := net.Pipe()
	defer client.Close()

	go s.handleConn(server)

	instance := InstanceID{SessionID: "session-1", RuntimeID: "runtime-1"}
	enqueue, err := EncodeFrame(FrameEnqueueActions, enqueueActionsRequest{
		Instance: instance,
		QueueID:  QueueID("q1"),
		Actions:  []SidecarAction{{Kind: SidecarTelemetryAddIntegration, Name: "net/http"}},
	})
	require.NoError(t, err)
	require.NoError(t, WriteFrame(client, enqueue))

	_, err = ReadFrame(client)
	require.NoError(t, err)

	require.NoError(t, WriteFrame(client, Frame{Kind: FrameStats}))
	resp, err := ReadFrame(client)
	require.NoError(t, err)

	var body responseBody
	require.NoError(t, resp.Decode(&body))
	require.NotNil(t, body.Stats)
	assert.Equal(t, 1, body.Stats.Sessions)
	assert.Equal(t, 1, body.Stats.ActiveApps)
}

func TestHandleConnReturnsErrorForFailedSendTraceV04(t *testing.T) {
	s := NewServer(nil, "")
	client, server := net.Pipe()
	defer client.Close()

	go s.handleConn(server)

	req, err := EncodeFrame(FrameSendTraceV04, sendTraceV04Request{SessionID: "session-1", Payload: []byte("x")})
	require.NoError(t, err)
	require.NoError(t, WriteFrame(client, req))

	resp, err := ReadFrame(client)
	require.NoError(t, err)

	var body responseBody
	require.NoError(t, resp.Decode(&body))
	assert.NotEmpty(t, body.Error)
}

func TestServeStopsOnListenerClose(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := NewServer(nil, "")
	done := make(chan error, 1)
	go func() { done <- s.Serve(l) }()

	l.Close()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after listener close")
	}
}
