// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2021 Datadog, Inc.

package sidecar

import (
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/DataDog/dd-trace-dataplane/exporter"
	"github.com/DataDog/dd-trace-dataplane/flusher"
	"github.com/DataDog/dd-trace-dataplane/remoteconfig"
	"github.com/DataDog/dd-trace-dataplane/telemetry"
)

// QueueID identifies one Application within a Runtime.
type QueueID string

// TraceConfig is the per-session trace configuration SetSessionConfig
// replaces wholesale (spec §4.9).
type TraceConfig struct {
	Language        string
	LanguageVersion string
	TracerVersion   string
	Endpoint        string
}

// DebuggerEndpoints holds the live-debugger sink configuration a session can
// be reconfigured with.
type DebuggerEndpoints struct {
	DiagnosticsEndpoint string
	LogsEndpoint        string
}

// Application is one queue_id's worth of state within a Runtime: the
// service/env pair it reports telemetry under.
type Application struct {
	QueueID     QueueID
	ServiceName string
	Env         string
}

// Runtime is one tracer process's state within a Session: its applications,
// keyed by QueueID.
type Runtime struct {
	ID InstanceID

	mu           sync.Mutex
	applications map[QueueID]*Application
}

func newRuntime(id InstanceID) *Runtime {
	return &Runtime{ID: id, applications: make(map[QueueID]*Application)}
}

// application returns the application for queueID, creating it with the
// given defaults if absent.
func (r *Runtime) application(queueID QueueID, service, env string) *Application {
	r.mu.Lock()
	defer r.mu.Unlock()
	app, ok := r.applications[queueID]
	if !ok {
		app = &Application{QueueID: queueID, ServiceName: service, Env: env}
		r.applications[queueID] = app
	}
	return app
}

// removeApplication drops queueID's entry. Used by the ClearQueueId
// shortcut in EnqueueActions (spec §4.9).
func (r *Runtime) removeApplication(queueID QueueID) {
	r.mu.Lock()
	delete(r.applications, queueID)
	r.mu.Unlock()
}

func (r *Runtime) applicationCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.applications)
}

// Session is the top level of the hierarchy: one per tracer-host process
// group, holding its own trace config, telemetry config, flusher, exporter,
// and remote-config guard, plus the runtimes reporting into it.
type Session struct {
	ID string

	mu                sync.Mutex
	traceConfig       TraceConfig
	telemetryConfig   telemetry.Config
	debuggerEndpoints DebuggerEndpoints
	runtimes          map[string]*Runtime

	flusher         *flusher.Flusher
	exporter        *exporter.TraceExporter
	agentInfoCursor *exporter.AgentInfoCursor
	rcGuard         *remoteconfig.Guard
	testToken       string
}

func newSession(id string) *Session {
	return &Session{ID: id, runtimes: make(map[string]*Runtime)}
}

// runtime returns the Runtime for instance, creating it if absent.
func (s *Session) runtime(instance InstanceID) *Runtime {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.runtimes[instance.RuntimeID]
	if !ok {
		rt = newRuntime(instance)
		s.runtimes[instance.RuntimeID] = rt
	}
	return rt
}

// RuntimeCount reports how many runtimes are currently registered.
func (s *Session) RuntimeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runtimes)
}

// TraceConfig returns a copy of the session's current trace configuration.
func (s *Session) TraceConfig() TraceConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.traceConfig
}

// SetConfig replaces the session's TraceConfig, TelemetryConfig, debugger
// endpoints, and remote-config guard/subscription wholesale (spec §4.9's
// SetSessionConfig). If the session held a previous remote-config
// subscription guard, it is released after the new configuration and guard
// are stored.
func (s *Session) SetConfig(trace TraceConfig, tel telemetry.Config, dbg DebuggerEndpoints, rcGuard *remoteconfig.Guard) {
	s.mu.Lock()
	prevGuard := s.rcGuard
	s.traceConfig = trace
	s.telemetryConfig = tel
	s.debuggerEndpoints = dbg
	s.rcGuard = rcGuard
	s.mu.Unlock()

	if prevGuard != nil {
		prevGuard.Release()
	}
}

// SetTestSessionToken sets the test-visibility session token forwarded on
// outbound requests.
func (s *Session) SetTestSessionToken(tok string) {
	s.mu.Lock()
	s.testToken = tok
	s.mu.Unlock()
}

// AttachExporter assigns the session's TraceExporter and takes out a fresh
// AgentInfoCursor over it, so this session's own reconciliation (below)
// tracks agent-info changes independently of the exporter's own send-path
// cursor.
func (s *Session) AttachExporter(exp *exporter.TraceExporter) {
	s.mu.Lock()
	s.exporter = exp
	if exp != nil {
		s.agentInfoCursor = exp.AgentInfoCursor()
	} else {
		s.agentInfoCursor = nil
	}
	s.mu.Unlock()
}

// ReconcileAgentInfo returns the attached exporter's latest agent-info
// snapshot and whether it has changed since this session last observed it.
// Returns (nil, false) if no exporter is attached, or its fetcher has not
// completed a poll yet.
func (s *Session) ReconcileAgentInfo() (*exporter.AgentInfo, bool) {
	s.mu.Lock()
	cursor := s.agentInfoCursor
	s.mu.Unlock()
	if cursor == nil {
		return nil, false
	}
	return cursor.Snapshot()
}

// shutdown drains the session: its flusher is flushed and its exporter
// awaited concurrently, then its remote-config subscription is dropped
// (spec §4.9's session-shutdown description: "its runtimes drained,
// telemetry awaited, remote-config subscriptions dropped").
func (s *Session) shutdown() {
	s.mu.Lock()
	fl := s.flusher
	exp := s.exporter
	guard := s.rcGuard
	s.mu.Unlock()

	var g errgroup.Group
	if fl != nil {
		g.Go(func() error {
			fl.Flush()
			return nil
		})
	}
	if exp != nil {
		g.Go(func() error {
			return exp.Shutdown(0)
		})
	}
	g.Wait()

	if guard != nil {
		guard.Release()
	}
}
