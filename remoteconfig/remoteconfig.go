// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2021 Datadog, Inc.

// Package remoteconfig implements remote-config subscription multiplexing:
// many applications sharing the same ConfigInvariants share one
// Subscription; the actual fetch loop is an external collaborator injected
// as a FetchLoop (spec §4.10's explicit Non-goal: "the concrete remote-config
// fetch loop").
package remoteconfig

import (
	"context"
	"sync"
)

// ConfigInvariants keys a Subscription: applications that share all of these
// fields can share one fetch loop against the agent.
type ConfigInvariants struct {
	Language      string
	TracerVersion string
	Endpoint      string
	Products      string // caller-joined, stable ordering
	Capabilities  string // caller-joined, stable ordering
}

// NotifyTarget identifies the runtime to notify when a subscription's
// configuration changes: a pid on Unix, or an OS process handle plus a
// notify function on Windows. This port models it as an opaque identifier
// plus a notify callback, letting callers supply whichever OS-specific
// mechanism applies.
type NotifyTarget struct {
	ID     string
	Notify func()
}

// FetchLoop is the external collaborator that actually talks to the remote
// config endpoint. Only its start/stop contract is specified here (spec
// §4.10).
type FetchLoop interface {
	Start(ctx context.Context) error
	Stop()
}

// Subscription is one ConfigInvariants-keyed group of notify targets sharing
// a FetchLoop.
type Subscription struct {
	invariants ConfigInvariants
	loop       FetchLoop
	cancel     context.CancelFunc
	catalog    *Catalog

	mu      sync.Mutex
	targets map[string]NotifyTarget
}

// Guard unsubscribes a NotifyTarget when released. Release is idempotent:
// calls after the first do nothing.
type Guard struct {
	sub  *Subscription
	id   string
	once sync.Once
}

// Release unsubscribes the associated NotifyTarget, stopping and removing
// the Subscription if it was the last target.
func (g *Guard) Release() {
	g.once.Do(func() {
		g.sub.unsubscribe(g.id)
	})
}

// Catalog multiplexes Subscriptions by ConfigInvariants.
type Catalog struct {
	mu   sync.Mutex
	subs map[ConfigInvariants]*Subscription

	newLoop func(ConfigInvariants) FetchLoop
}

// NewCatalog returns an empty Catalog. newLoop constructs a FetchLoop for a
// freshly created Subscription's invariants.
func NewCatalog(newLoop func(ConfigInvariants) FetchLoop) *Catalog {
	return &Catalog{
		subs:    make(map[ConfigInvariants]*Subscription),
		newLoop: newLoop,
	}
}

// Subscribe adds target's runtime to the Subscription for invariants,
// creating and starting a new one (with its own FetchLoop) if none exists
// yet. The returned Guard must be released to unsubscribe.
func (c *Catalog) Subscribe(ctx context.Context, invariants ConfigInvariants, target NotifyTarget) (*Guard, error) {
	c.mu.Lock()
	sub, ok := c.subs[invariants]
	if !ok {
		loopCtx, cancel := context.WithCancel(ctx)
		loop := c.newLoop(invariants)
		sub = &Subscription{
			invariants: invariants,
			loop:       loop,
			cancel:     cancel,
			catalog:    c,
			targets:    make(map[string]NotifyTarget),
		}
		c.subs[invariants] = sub
		c.mu.Unlock()

		if err := loop.Start(loopCtx); err != nil {
			cancel()
			c.mu.Lock()
			delete(c.subs, invariants)
			c.mu.Unlock()
			return nil, err
		}
	} else {
		c.mu.Unlock()
	}

	sub.mu.Lock()
	sub.targets[target.ID] = target
	sub.mu.Unlock()

	return &Guard{sub: sub, id: target.ID}, nil
}

// Len reports how many distinct Subscriptions are currently active.
func (c *Catalog) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// NotifyAll invokes every current target's Notify callback, e.g. after the
// injected FetchLoop observes a configuration update.
func (s *Subscription) NotifyAll() {
	s.mu.Lock()
	targets := make([]NotifyTarget, 0, len(s.targets))
	for _, t := range s.targets {
		targets = append(targets, t)
	}
	s.mu.Unlock()
	for _, t := range targets {
		if t.Notify != nil {
			t.Notify()
		}
	}
}

func (s *Subscription) unsubscribe(id string) {
	s.mu.Lock()
	delete(s.targets, id)
	empty := len(s.targets) == 0
	s.mu.Unlock()

	if !empty {
		return
	}
	s.cancel()
	s.loop.Stop()
	if s.catalog != nil {
		s.catalog.mu.Lock()
		delete(s.catalog.subs, s.invariants)
		s.catalog.mu.Unlock()
	}
}
