/*
Copyright 2024 The Namastack Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/namastack/outbox/pkg/partition"
	"github.com/namastack/outbox/pkg/record"
	"github.com/namastack/outbox/pkg/storage"
)

func testConfig() Config {
	return Config{
		HeartbeatInterval:       time.Second,
		ReapInterval:            time.Second,
		RebalanceInterval:       time.Second,
		StaleTimeout:            30 * time.Second,
		GracefulShutdownTimeout: 5 * time.Second,
		Host:                    "node-a",
		Port:                    8080,
	}
}

func TestRegisterActivatesAndOwnsEverythingAlone(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	c := New(store, testConfig(), logr.Discard(), WithInstanceID("i-1"))

	require.NoError(t, c.Register(ctx))

	live, err := store.ListLive(ctx, time.Now(), 30*time.Second)
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, record.InstanceActive, live[0].Status)

	// empty cluster: this instance owns all 256 partitions
	snap := c.Snapshot()
	require.NotNil(t, snap)
	assert.Equal(t, partition.Count, snap.Len())
	for p := int32(0); p < partition.Count; p++ {
		assert.True(t, c.Owns(p))
	}
}

func TestRebalanceSplitsOwnership(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()

	a := New(store, testConfig(), logr.Discard(), WithInstanceID("i-a"))
	b := New(store, testConfig(), logr.Discard(), WithInstanceID("i-b"))

	require.NoError(t, a.Register(ctx))
	require.NoError(t, b.Register(ctx))

	// both present now; recompute both views
	a.rebalance(ctx)
	b.rebalance(ctx)

	snapA, snapB := a.Snapshot(), b.Snapshot()
	assert.Equal(t, partition.Count, snapA.Len()+snapB.Len())
	for _, p := range snapA.Partitions() {
		assert.False(t, snapB.Owns(p), "partition %d owned twice", p)
	}
	assert.Equal(t, 2, snapA.LiveInstances)
}

func TestSnapshotGenerationIncreases(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	c := New(store, testConfig(), logr.Discard(), WithInstanceID("i-1"))

	require.NoError(t, c.Register(ctx))
	first := c.Snapshot().Generation
	c.rebalance(ctx)
	assert.Greater(t, c.Snapshot().Generation, first)
}

func TestBeginDrainReleasesOwnership(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	c := New(store, testConfig(), logr.Discard(), WithInstanceID("i-1"))

	require.NoError(t, c.Register(ctx))
	require.True(t, c.Owns(0))

	require.NoError(t, c.BeginDrain(ctx))
	assert.False(t, c.Owns(0))
	assert.Zero(t, c.Snapshot().Len())

	// peers no longer see it as live
	live, err := store.ListLive(ctx, time.Now(), 30*time.Second)
	require.NoError(t, err)
	assert.Empty(t, live)

	require.NoError(t, c.Deregister(ctx))
	all, err := store.ListAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestFailoverAfterReap(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	a := New(store, testConfig(), logr.Discard(), WithInstanceID("i-a"), WithClock(clock))
	b := New(store, testConfig(), logr.Discard(), WithInstanceID("i-b"), WithClock(clock))
	require.NoError(t, a.Register(ctx))
	require.NoError(t, b.Register(ctx))
	a.rebalance(ctx)
	b.rebalance(ctx)

	// pick a partition owned by b, then kill b (no more heartbeats)
	var victim int32 = -1
	for p := int32(0); p < partition.Count; p++ {
		if b.Owns(p) {
			victim = p
			break
		}
	}
	require.GreaterOrEqual(t, victim, int32(0))
	require.False(t, a.Owns(victim))

	// time passes beyond staleTimeout; a heartbeats, b does not
	now = now.Add(31 * time.Second)
	require.NoError(t, store.Heartbeat(ctx, "i-a", now))

	n, err := store.ReapStale(ctx, now, testConfig().StaleTimeout)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	a.rebalance(ctx)
	assert.True(t, a.Owns(victim), "surviving instance must take over the dead instance's partition")
	assert.Equal(t, partition.Count, a.Snapshot().Len())
}

func TestRunStopsOnContextCancel(t *testing.T) {
	store := storage.NewMemoryStore()
	cfg := testConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond
	cfg.ReapInterval = 10 * time.Millisecond
	cfg.RebalanceInterval = 10 * time.Millisecond
	c := New(store, cfg, logr.Discard(), WithInstanceID("i-1"))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, c.Register(ctx))

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("coordinator did not stop")
	}
}

func TestSnapshotNilSafety(t *testing.T) {
	var s *Snapshot
	assert.False(t, s.Owns(1))
	assert.Nil(t, s.Partitions())
	assert.Zero(t, s.Len())
}
