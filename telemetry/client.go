// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2021 Datadog, Inc.

// Package telemetry implements the telemetry client set: one client per
// (service, env) pair, each serializing its own message dispatch while
// different clients proceed independently (spec §4.7).
package telemetry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/DataDog/dd-trace-dataplane/internal/log"
)

// ActionKind discriminates the actions a caller can Enqueue on a Client.
type ActionKind int

const (
	ActionAddIntegration ActionKind = iota
	ActionAddComposerPath
	ActionAddConfig
	ActionStop
	ActionPassThrough
)

// Action is one unit of work enqueued against a Client.
type Action struct {
	Kind    ActionKind
	Name    string // integration name or composer path, for the buffered kinds
	Payload any    // carried through unexamined for ActionPassThrough
}

// Key identifies one Client within a Set.
type Key struct {
	Service string
	Env     string
}

func (k Key) String() string { return k.Service + "\x00" + k.Env }

// Config is the telemetry configuration a Client is materialized from,
// cloned from the owning session's configuration (spec §4.7).
type Config struct {
	Heartbeat    string
	RuntimeID    string
	DebugEnabled bool
}

// Dispatcher forwards a pass-through action to wherever telemetry payloads
// actually go (an HTTP intake, a test double, etc). Injected so Client stays
// transport-agnostic.
type Dispatcher func(Key, Action) error

// Client buffers integration/composer-path state for one (service, env) pair
// and serializes its own dispatch by handle-chaining: each Enqueue call
// waits for the previous call's work to finish before running its own, but
// does not block the caller.
type Client struct {
	key         Key
	cfg         Config
	dispatch    Dispatcher
	snapshotDir string

	mu            sync.Mutex
	integrations  map[string]struct{}
	composerPaths map[string]struct{}
	configSent    bool
	lastHandle    chan struct{}

	onStopped func(Key)
}

func newClient(key Key, cfg Config, dispatch Dispatcher, snapshotDir string, onStopped func(Key)) *Client {
	return &Client{
		key:           key,
		cfg:           cfg,
		dispatch:      dispatch,
		snapshotDir:   snapshotDir,
		integrations:  make(map[string]struct{}),
		composerPaths: make(map[string]struct{}),
		onStopped:     onStopped,
	}
}

// Enqueue partitions actions into buffered (integration/composer-path adds),
// config (AddConfig sets configSent), lifecycle (Stop removes the client
// once queued work drains), and pass-through kinds, then chains dispatch
// onto the client's last in-flight handle so message order is preserved
// (spec §4.7). It returns immediately; work runs in the background.
func (c *Client) Enqueue(actions []Action) {
	c.mu.Lock()
	changed := false
	stop := false
	var passThrough []Action
	for _, a := range actions {
		switch a.Kind {
		case ActionAddIntegration:
			if _, ok := c.integrations[a.Name]; !ok {
				c.integrations[a.Name] = struct{}{}
				changed = true
			}
		case ActionAddComposerPath:
			if _, ok := c.composerPaths[a.Name]; !ok {
				c.composerPaths[a.Name] = struct{}{}
				changed = true
			}
		case ActionAddConfig:
			if !c.configSent {
				c.configSent = true
				changed = true
			}
		case ActionStop:
			stop = true
		default:
			passThrough = append(passThrough, a)
		}
	}
	prev := c.lastHandle
	done := make(chan struct{})
	c.lastHandle = done
	c.mu.Unlock()

	go func() {
		defer close(done)
		if prev != nil {
			<-prev
		}
		if changed {
			if err := c.writeSnapshot(); err != nil {
				log.Debug("telemetry: snapshot write failed for %s/%s: %s", c.key.Service, c.key.Env, err)
			}
		}
		for _, a := range passThrough {
			if c.dispatch == nil {
				continue
			}
			if err := c.dispatch(c.key, a); err != nil {
				log.Debug("telemetry: dispatch failed for %s/%s: %s", c.key.Service, c.key.Env, err)
			}
		}
		if stop && c.onStopped != nil {
			c.onStopped(c.key)
		}
	}()
}

// snapshot is the shared-memory-file summary external inspectors can read
// (spec §4.7). This port writes it as a JSON file under snapshotDir rather
// than an actual shared-memory segment, since Go has no cross-process shared
// memory primitive in the standard library; a plain file under a
// well-known, configurable directory serves the same "externally
// observable without an RPC round trip" purpose.
type snapshot struct {
	Service       string   `json:"service"`
	Env           string   `json:"env"`
	Integrations  []string `json:"integrations"`
	ComposerPaths []string `json:"composer_paths"`
	ConfigSent    bool     `json:"config_sent"`
}

func (c *Client) writeSnapshot() error {
	if c.snapshotDir == "" {
		return nil
	}
	c.mu.Lock()
	snap := snapshot{
		Service:    c.key.Service,
		Env:        c.key.Env,
		ConfigSent: c.configSent,
	}
	for name := range c.integrations {
		snap.Integrations = append(snap.Integrations, name)
	}
	for path := range c.composerPaths {
		snap.ComposerPaths = append(snap.ComposerPaths, path)
	}
	c.mu.Unlock()

	body, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	name := fmt.Sprintf("telemetry-%s-%s.json", sanitize(c.key.Service), sanitize(c.key.Env))
	return os.WriteFile(filepath.Join(c.snapshotDir, name), body, 0o644)
}

func sanitize(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			out = append(out, r)
		} else {
			out = append(out, '_')
		}
	}
	if len(out) == 0 {
		return "_"
	}
	return string(out)
}

// Set is the telemetry client set keyed by (service, env). GetOrCreate
// collapses concurrent materialization requests for the same key onto a
// single call via singleflight, per spec §4.7.
type Set struct {
	mu          sync.Mutex
	clients     map[Key]*Client
	group       singleflight.Group
	dispatch    Dispatcher
	snapshotDir string
}

// NewSet returns an empty Set. dispatch forwards pass-through actions;
// snapshotDir, if non-empty, is where clients write their state snapshots.
func NewSet(dispatch Dispatcher, snapshotDir string) *Set {
	return &Set{
		clients:     make(map[Key]*Client),
		dispatch:    dispatch,
		snapshotDir: snapshotDir,
	}
}

// GetOrCreate returns the existing client for key, or materializes one by
// cloning cfg. Concurrent calls for the same key collapse onto one
// materialization.
func (s *Set) GetOrCreate(key Key, cfg Config) *Client {
	s.mu.Lock()
	if c, ok := s.clients[key]; ok {
		s.mu.Unlock()
		return c
	}
	s.mu.Unlock()

	v, _, _ := s.group.Do(key.String(), func() (interface{}, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.clients[key]; ok {
			return c, nil
		}
		c := newClient(key, cfg, s.dispatch, s.snapshotDir, s.remove)
		s.clients[key] = c
		return c, nil
	})
	return v.(*Client)
}

// Get returns the client for key, if one exists.
func (s *Set) Get(key Key) (*Client, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[key]
	return c, ok
}

// Len reports how many clients are currently live.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Set) remove(key Key) {
	s.mu.Lock()
	delete(s.clients, key)
	s.mu.Unlock()
}
