// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2021 Datadog, Inc.

// Package flusher implements the trace flusher: a bounded queue of outbound
// payloads, grouped by target endpoint, flushed on a size or time trigger,
// with backpressure that drops the oldest groups once in-flight size gets
// too large (spec §4.8).
package flusher

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/DataDog/dd-trace-dataplane/internal/log"
)

// SendData is one payload destined for target_endpoint.
type SendData struct {
	Headers        map[string]string
	Payload        []byte
	TargetEndpoint string
	SizeBytes      int
}

// group accumulates SendData items for one target endpoint, in FIFO order.
// seq is the group's creation order among all groups ever created by its
// Flusher, used to find the actual oldest group under backpressure.
type group struct {
	items     []SendData
	totalSize int64
	seq       int64
}

// Flusher batches SendData by TargetEndpoint and flushes each batch when its
// accumulated size reaches minForceFlush or the flush interval elapses,
// whichever comes first. Interval, minForceFlush, and minForceDrop are
// live-reconfigurable atomics (spec §4.8).
type Flusher struct {
	interval      atomic.Int64 // time.Duration
	minForceFlush atomic.Int64 // bytes
	minForceDrop  atomic.Int64 // bytes

	send func([]SendData) error

	mu        sync.Mutex
	groups    map[string]*group
	totalSize int64
	dropped   int64
	nextSeq   int64
}

// New returns a Flusher that calls send with each group's items once it is
// flushed. send is called with groups in no particular order across
// endpoints; within one endpoint's group, items preserve FIFO order (spec
// §4.8: "no ordering guarantee across groups").
func New(interval time.Duration, minForceFlush, minForceDrop int64, send func([]SendData) error) *Flusher {
	f := &Flusher{
		groups: make(map[string]*group),
		send:   send,
	}
	f.interval.Store(int64(interval))
	f.minForceFlush.Store(minForceFlush)
	f.minForceDrop.Store(minForceDrop)
	return f
}

// Reconfigure live-updates the three tunables.
func (f *Flusher) Reconfigure(interval time.Duration, minForceFlush, minForceDrop int64) {
	f.interval.Store(int64(interval))
	f.minForceFlush.Store(minForceFlush)
	f.minForceDrop.Store(minForceDrop)
}

// Dropped reports how many SendData items have been dropped for
// backpressure since the Flusher was created.
func (f *Flusher) Dropped() int64 { return atomic.LoadInt64(&f.dropped) }

// Enqueue adds data to its endpoint's group, force-flushing that group if
// it now meets minForceFlush, and applying backpressure (dropping the
// oldest group) if total in-flight size reaches minForceDrop.
func (f *Flusher) Enqueue(data SendData) {
	f.mu.Lock()

	g, ok := f.groups[data.TargetEndpoint]
	if !ok {
		g = &group{seq: f.nextSeq}
		f.nextSeq++
		f.groups[data.TargetEndpoint] = g
	}
	g.items = append(g.items, data)
	g.totalSize += int64(data.SizeBytes)
	f.totalSize += int64(data.SizeBytes)

	var toFlush []SendData
	minFlush := f.minForceFlush.Load()
	if minFlush > 0 && g.totalSize >= minFlush {
		toFlush = g.items
		f.totalSize -= g.totalSize
		delete(f.groups, data.TargetEndpoint)
	}

	minDrop := f.minForceDrop.Load()
	for minDrop > 0 && f.totalSize >= minDrop && len(f.groups) > 0 {
		endpoint, dropped := f.popOldest()
		if endpoint == "" {
			break
		}
		atomic.AddInt64(&f.dropped, int64(len(dropped.items)))
		f.totalSize -= dropped.totalSize
		log.Debug("flusher: dropped %d items for endpoint %s under backpressure", len(dropped.items), endpoint)
	}

	f.mu.Unlock()

	if len(toFlush) > 0 {
		f.dispatch(toFlush)
	}
}

// popOldest removes and returns the group with the smallest creation seq —
// the actual oldest group — to evict under backpressure (spec §4.8: "drop
// oldest groups when total in-flight size >= min-force-drop"). This is
// distinct from spec §5's "no ordering guarantee across groups," which
// governs flush/delivery order between groups, not eviction order. Callers
// must hold f.mu.
func (f *Flusher) popOldest() (string, *group) {
	var oldestEndpoint string
	var oldest *group
	for endpoint, g := range f.groups {
		if oldest == nil || g.seq < oldest.seq {
			oldestEndpoint, oldest = endpoint, g
		}
	}
	if oldest == nil {
		return "", nil
	}
	delete(f.groups, oldestEndpoint)
	return oldestEndpoint, oldest
}

// Flush drains every group immediately, regardless of size or interval.
func (f *Flusher) Flush() {
	f.mu.Lock()
	groups := f.groups
	f.groups = make(map[string]*group)
	f.totalSize = 0
	f.mu.Unlock()

	for _, g := range groups {
		f.dispatch(g.items)
	}
}

func (f *Flusher) dispatch(items []SendData) {
	if f.send == nil {
		return
	}
	if err := f.send(items); err != nil {
		log.Debug("flusher: send failed for %d items: %s", len(items), err)
	}
}

// Run flushes on the configured interval until done is closed, then
// performs one final Flush.
func (f *Flusher) Run(done <-chan struct{}) {
	for {
		interval := time.Duration(f.interval.Load())
		if interval <= 0 {
			interval = time.Second
		}
		timer := time.NewTimer(interval)
		select {
		case <-done:
			timer.Stop()
			f.Flush()
			return
		case <-timer.C:
			f.Flush()
		}
	}
}
