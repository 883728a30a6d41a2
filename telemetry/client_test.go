// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2021 Datadog, Inc.

package telemetry

import (
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(c *Client) {
	c.mu.Lock()
	last := c.lastHandle
	c.mu.Unlock()
	if last != nil {
		<-last
	}
}

func TestGetOrCreateReturnsSameClientForSameKey(t *testing.T) {
	set := NewSet(nil, "")
	key := Key{Service: "svc", Env: "prod"}

	var wg sync.WaitGroup
	clients := make([]*Client, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			clients[i] = set.GetOrCreate(key, Config{})
		}(i)
	}
	wg.Wait()

	for i := 1; i < 10; i++ {
		assert.Same(t, clients[0], clients[i])
	}
	assert.Equal(t, 1, set.Len())
}

func TestEnqueueDedupsBufferedActions(t *testing.T) {
	set := NewSet(nil, "")
	c := set.GetOrCreate(Key{Service: "svc", Env: "prod"}, Config{})

	c.Enqueue([]Action{
		{Kind: ActionAddIntegration, Name: "net/http"},
		{Kind: ActionAddIntegration, Name: "net/http"},
		{Kind: ActionAddComposerPath, Name: "/app/go.mod"},
	})
	drain(c)

	assert.Len(t, c.integrations, 1)
	assert.Len(t, c.composerPaths, 1)
}

func TestEnqueuePreservesOrderAcrossCalls(t *testing.T) {
	set := NewSet(nil, "")
	c := set.GetOrCreate(Key{Service: "svc", Env: "prod"}, Config{})

	var order []int
	var mu sync.Mutex
	c.dispatch = func(_ Key, a Action) error {
		mu.Lock()
		order = append(order, a.Payload.(int))
		mu.Unlock()
		time.Sleep(time.Millisecond)
		return nil
	}

	for i := 0; i < 5; i++ {
		c.Enqueue([]Action{{Kind: ActionPassThrough, Payload: i}})
	}
	drain(c)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 5)
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestStopRemovesClientAfterQueueDrains(t *testing.T) {
	set := NewSet(nil, "")
	key := Key{Service: "svc", Env: "prod"}
	c := set.GetOrCreate(key, Config{})

	var ran int32
	c.dispatch = func(Key, Action) error {
		atomic.AddInt32(&ran, 1)
		return nil
	}

	c.Enqueue([]Action{{Kind: ActionPassThrough, Payload: 1}, {Kind: ActionStop}})
	drain(c)

	assert.Equal(t, int32(1), atomic.LoadInt32(&ran))
	_, ok := set.Get(key)
	assert.False(t, ok)
}

func TestWriteSnapshotSkippedWithoutDir(t *testing.T) {
	set := NewSet(nil, "")
	c := set.GetOrCreate(Key{Service: "svc", Env: "prod"}, Config{})
	require.NoError(t, c.writeSnapshot())
}

func TestWriteSnapshotWritesFile(t *testing.T) {
	dir := t.TempDir()
	set := NewSet(nil, dir)
	c := set.GetOrCreate(Key{Service: "svc", Env: "prod"}, Config{})

	c.Enqueue([]Action{{Kind: ActionAddIntegration, Name: "net/http"}})
	drain(c)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
