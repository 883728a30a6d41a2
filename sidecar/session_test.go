// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2021 Datadog, Inc.

package sidecar

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DataDog/dd-trace-dataplane/exporter"
	"github.com/DataDog/dd-trace-dataplane/remoteconfig"
	"github.com/DataDog/dd-trace-dataplane/telemetry"
)

func TestRuntimeApplicationIsCreatedOnce(t *testing.T) {
	rt := newRuntime(InstanceID{SessionID: "s1", RuntimeID: "r1"})

	app := rt.application(QueueID("q1"), "svc", "prod")
	again := rt.application(QueueID("q1"), "other-svc", "staging")

	assert.Same(t, app, again)
	assert.Equal(t, "svc", again.ServiceName)
	assert.Equal(t, 1, rt.applicationCount())
}

func TestRuntimeRemoveApplication(t *testing.T) {
	rt := newRuntime(InstanceID{SessionID: "s1", RuntimeID: "r1"})
	rt.application(QueueID("q1"), "svc", "prod")
	assert.Equal(t, 1, rt.applicationCount())

	rt.removeApplication(QueueID("q1"))
	assert.Equal(t, 0, rt.applicationCount())
}

func TestSessionRuntimeIsCreatedOnce(t *testing.T) {
	sess := newSession("s1")
	instance := InstanceID{SessionID: "s1", RuntimeID: "r1"}

	rt := sess.runtime(instance)
	again := sess.runtime(instance)

	assert.Same(t, rt, again)
	assert.Equal(t, 1, sess.RuntimeCount())
}

func TestSessionSetConfigReplacesTraceConfigAndReleasesPreviousGuard(t *testing.T) {
	sess := newSession("s1")

	cat := remoteconfig.NewCatalog(func(remoteconfig.ConfigInvariants) remoteconfig.FetchLoop {
		return fakeFetchLoop{}
	})
	firstGuard, err := cat.Subscribe(context.Background(), remoteconfig.ConfigInvariants{Language: "go"}, remoteconfig.NotifyTarget{ID: "t1", Notify: func() {}})
	assert.NoError(t, err)

	sess.SetConfig(TraceConfig{Language: "go"}, telemetry.Config{}, DebuggerEndpoints{}, firstGuard)
	assert.Equal(t, "go", sess.TraceConfig().Language)
	assert.Equal(t, 1, cat.Len())

	secondGuard, err := cat.Subscribe(context.Background(), remoteconfig.ConfigInvariants{Language: "python"}, remoteconfig.NotifyTarget{ID: "t2", Notify: func() {}})
	assert.NoError(t, err)

	sess.SetConfig(TraceConfig{Language: "python"}, telemetry.Config{}, DebuggerEndpoints{}, secondGuard)
	assert.Equal(t, "python", sess.TraceConfig().Language)
	assert.Equal(t, 1, cat.Len(), "releasing the first guard should drop its subscription")
}

func TestSessionSetTestSessionToken(t *testing.T) {
	sess := newSession("s1")
	sess.SetTestSessionToken("tok-123")
	assert.Equal(t, "tok-123", sess.testToken)
}

func TestSessionShutdownIsSafeWithNoConfiguredCollaborators(t *testing.T) {
	sess := newSession("s1")
	assert.NotPanics(t, func() { sess.shutdown() })
}

func TestSessionReconcileAgentInfoWithoutExporterIsNoop(t *testing.T) {
	sess := newSession("s1")
	info, changed := sess.ReconcileAgentInfo()
	assert.Nil(t, info)
	assert.False(t, changed)
}

func TestSessionReconcileAgentInfoTracksChangesIndependentlyOfExporterCursor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Datadog-Agent-State", "hash-1")
		w.Write([]byte(`{"version":"7.50.0"}`))
	}))
	defer srv.Close()

	exp, err := exporter.NewBuilder(exporter.WithAgentURL(srv.URL)).Build()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go exp.Run(ctx)

	sess := newSession("s1")
	sess.AttachExporter(exp)

	var info *exporter.AgentInfo
	var changed bool
	require.Eventually(t, func() bool {
		info, changed = sess.ReconcileAgentInfo()
		return info != nil
	}, time.Second, time.Millisecond)
	require.NotNil(t, info)
	assert.True(t, changed)
	assert.Equal(t, "7.50.0", info.Version)

	_, changedAgain := sess.ReconcileAgentInfo()
	assert.False(t, changedAgain, "same hash observed twice should not report changed twice")
}

type fakeFetchLoop struct{}

func (fakeFetchLoop) Start(ctx context.Context) error { return nil }
func (fakeFetchLoop) Stop()                           {}
