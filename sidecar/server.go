// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2021 Datadog, Inc.

package sidecar

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/DataDog/dd-trace-dataplane/flusher"
	"github.com/DataDog/dd-trace-dataplane/internal/log"
	"github.com/DataDog/dd-trace-dataplane/telemetry"
)

// SidecarStats is the JSON-serializable snapshot returned by Stats,
// mirroring the Rust SidecarStats fields (spec §4.9).
type SidecarStats struct {
	Sessions               int   `json:"sessions"`
	Runtimes               int   `json:"runtimes"`
	ActiveApps             int   `json:"active_apps"`
	ActiveTelemetryClients int   `json:"active_telemetry_clients"`
	SubmittedPayloads      int64 `json:"submitted_payloads"`
}

// Server is the sidecar's shared, clonable state: the active session
// hierarchy, the telemetry client set, and a running payload counter.
// Methods are safe for concurrent use across connections.
type Server struct {
	mu             sync.Mutex
	sessions       map[string]*Session
	sessionCounter map[string]int // in-flight request count per session id

	telemetryClients  *telemetry.Set
	submittedPayloads int64

	rateLimiters   map[string]*tokenBucket
	rateLimitersMu sync.Mutex

	universalTags map[string]string

	dogstatsd statsdClient
}

// NewServer returns an empty Server. dispatch forwards telemetry
// pass-through actions; snapshotDir configures where telemetry clients
// write their state snapshots.
func NewServer(dispatch telemetry.Dispatcher, snapshotDir string) *Server {
	return &Server{
		sessions:         make(map[string]*Session),
		sessionCounter:   make(map[string]int),
		telemetryClients: telemetry.NewSet(dispatch, snapshotDir),
		rateLimiters:     make(map[string]*tokenBucket),
		universalTags:    make(map[string]string),
	}
}

// session returns the Session for id, creating it if absent.
func (s *Server) session(id string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		sess = newSession(id)
		s.sessions[id] = sess
	}
	return sess
}

// ActiveSessionCount reports how many sessions currently have in-flight
// requests tracked by the interceptor.
func (s *Server) ActiveSessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessionCounter)
}

// beginRequest increments the in-flight counter for id's session, as the
// session interceptor does on every inbound request (spec §4.9).
func (s *Server) beginRequest(id RequestIdentifier) {
	s.mu.Lock()
	s.sessionCounter[id.Session()]++
	s.mu.Unlock()
}

// endRequest decrements the in-flight counter for id's session. If it was
// the session's last in-flight request, the session is removed and shut
// down in the background.
func (s *Server) endRequest(id RequestIdentifier) {
	s.mu.Lock()
	session := id.Session()
	s.sessionCounter[session]--
	last := s.sessionCounter[session] <= 0
	var sess *Session
	if last {
		delete(s.sessionCounter, session)
		sess = s.sessions[session]
		delete(s.sessions, session)
	}
	s.mu.Unlock()

	if last && sess != nil {
		go sess.shutdown()
	}
}

// Intercept wraps fn so that the session interceptor's reference counting
// wraps its execution (spec §4.9: "every request is tagged with a
// RequestIdentifier ... tracks a per-session reference count; when the
// last in-flight request for a session completes, the session is shut
// down").
func (s *Server) Intercept(id RequestIdentifier, fn func()) {
	s.beginRequest(id)
	defer s.endRequest(id)
	fn()
}

// EnqueueActions implements spec §4.9's EnqueueActions request.
//
// If the only action is ClearQueueId, the application entry is removed
// directly. Otherwise actions are partitioned into buffered telemetry
// actions, config, lifecycle, and pass-through, fed to the application's
// telemetry client (materializing it if needed), and dispatch is chained
// onto the client's last in-flight handle.
func (s *Server) EnqueueActions(instance InstanceID, queueID QueueID, actions []SidecarAction) {
	sess := s.session(instance.SessionID)
	rt := sess.runtime(instance)

	if len(actions) == 1 && actions[0].Kind == SidecarClearQueueID {
		log.Debug("sidecar: removing queue_id %s from instance %s", queueID, instance)
		rt.removeApplication(queueID)
		return
	}

	app := rt.application(queueID, "unknown-service", "none")
	key := telemetry.Key{Service: app.ServiceName, Env: app.Env}
	sess.mu.Lock()
	telCfg := sess.telemetryConfig
	sess.mu.Unlock()
	client := s.telemetryClients.GetOrCreate(key, telCfg)

	var out []telemetry.Action
	removeEntry := false
	for _, a := range actions {
		if a.Kind == SidecarClearQueueID {
			removeEntry = true
			continue
		}
		out = append(out, a.toTelemetry())
	}
	if len(out) > 0 {
		client.Enqueue(out)
	}
	if removeEntry {
		rt.removeApplication(queueID)
	}
}

// ShutdownRuntime removes instance's runtime from its session. Its
// applications' telemetry clients are left to drain their own queued work
// (spec §4.9 only specifies session-level, not runtime-level, draining).
func (s *Server) ShutdownRuntime(instance InstanceID) {
	sess := s.session(instance.SessionID)
	sess.mu.Lock()
	delete(sess.runtimes, instance.RuntimeID)
	sess.mu.Unlock()
}

// ShutdownSession forces session to shut down immediately, regardless of
// in-flight requests.
func (s *Server) ShutdownSession(sessionID string) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	delete(s.sessionCounter, sessionID)
	s.mu.Unlock()
	if ok {
		sess.shutdown()
	}
}

// SendTraceV04 enqueues a raw V04 payload on session's trace flusher, and
// returns an error if the session has no flusher.
func (s *Server) SendTraceV04(sessionID string, payload []byte) error {
	sess := s.session(sessionID)
	sess.mu.Lock()
	fl := sess.flusher
	sess.mu.Unlock()
	if fl == nil {
		return fmt.Errorf("sidecar: session %s has no flusher configured", sessionID)
	}
	atomic.AddInt64(&s.submittedPayloads, 1)
	fl.Enqueue(flusher.SendData{
		TargetEndpoint: "/v0.4/traces",
		Payload:        payload,
		SizeBytes:      len(payload),
	})
	return nil
}

// FlushTraces force-flushes session's trace flusher immediately.
func (s *Server) FlushTraces(sessionID string) {
	sess := s.session(sessionID)
	sess.mu.Lock()
	fl := sess.flusher
	sess.mu.Unlock()
	if fl != nil {
		fl.Flush()
	}
}

// SetTestSessionToken implements spec §4.9's SetTestSessionToken request.
func (s *Server) SetTestSessionToken(sessionID, token string) {
	s.session(sessionID).SetTestSessionToken(token)
}

// SetUniversalServiceTags merges tags into the server-wide universal tag
// set. The set is stored only; no outbound payload reads it.
func (s *Server) SetUniversalServiceTags(tags map[string]string) {
	s.mu.Lock()
	for k, v := range tags {
		s.universalTags[k] = v
	}
	s.mu.Unlock()
}

// SetDogstatsdClient configures the client SendDogstatsdActions forwards to.
// A nil client makes SendDogstatsdActions a no-op.
func (s *Server) SetDogstatsdClient(client statsdClient) {
	s.mu.Lock()
	s.dogstatsd = client
	s.mu.Unlock()
}

// Ping is a no-op liveness echo.
func (s *Server) Ping() {}

// Dump returns a human-readable multi-line summary of live sessions,
// runtimes, and applications (spec §4.9).
func (s *Server) Dump() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := fmt.Sprintf("sessions: %d\n", len(s.sessions))
	for id, sess := range s.sessions {
		sess.mu.Lock()
		out += fmt.Sprintf("  session %s: %d runtimes\n", id, len(sess.runtimes))
		for _, rt := range sess.runtimes {
			out += fmt.Sprintf("    runtime %s: %d applications\n", rt.ID.RuntimeID, rt.applicationCount())
		}
		sess.mu.Unlock()
	}
	return out
}

// Stats returns the current SidecarStats snapshot.
func (s *Server) Stats() SidecarStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	runtimes, apps := 0, 0
	for _, sess := range s.sessions {
		sess.mu.Lock()
		runtimes += len(sess.runtimes)
		for _, rt := range sess.runtimes {
			apps += rt.applicationCount()
		}
		sess.mu.Unlock()
	}

	return SidecarStats{
		Sessions:               len(s.sessions),
		Runtimes:               runtimes,
		ActiveApps:             apps,
		ActiveTelemetryClients: s.telemetryClients.Len(),
		SubmittedPayloads:      atomic.LoadInt64(&s.submittedPayloads),
	}
}
