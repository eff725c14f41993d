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
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/namastack/outbox/pkg/partition"
	"github.com/namastack/outbox/pkg/record"
	"github.com/namastack/outbox/pkg/storage"
)

// Config carries the coordination timings.
type Config struct {
	HeartbeatInterval       time.Duration
	ReapInterval            time.Duration
	RebalanceInterval       time.Duration
	StaleTimeout            time.Duration
	GracefulShutdownTimeout time.Duration
	Host                    string
	Port                    int
}

// Coordinator maintains this instance's row in the instance registry and
// publishes the owned-partition snapshot derived from the live set. It runs
// three independent periodic lanes: heartbeat, reap and rebalance. The
// heartbeat lane never waits on the others, so a slow rebalance cannot starve
// liveness.
type Coordinator struct {
	cfg    Config
	store  storage.InstanceStore
	logger logr.Logger
	clock  func() time.Time

	instanceID string
	startedAt  time.Time

	snapshot    *atomic.Pointer[Snapshot]
	generation  *atomic.Uint64
	lastLiveSet *atomic.String

	rebalanceCh chan struct{}
}

// Option tweaks a coordinator at construction time.
type Option func(*Coordinator)

// WithClock pins the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(c *Coordinator) { c.clock = clock }
}

// WithInstanceID pins the instance id, for tests.
func WithInstanceID(id string) Option {
	return func(c *Coordinator) { c.instanceID = id }
}

// New builds a coordinator with a fresh instance identity.
func New(store storage.InstanceStore, cfg Config, logger logr.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		cfg:         cfg,
		store:       store,
		logger:      logger.WithName("coordinator"),
		clock:       time.Now,
		instanceID:  uuid.NewString(),
		snapshot:    atomic.NewPointer[Snapshot](nil),
		generation:  atomic.NewUint64(0),
		lastLiveSet: atomic.NewString(""),
		rebalanceCh: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// InstanceID returns this instance's identity.
func (c *Coordinator) InstanceID() string { return c.instanceID }

// Snapshot returns the current ownership view. Never nil after Run started;
// nil before that, which reads as owning nothing.
func (c *Coordinator) Snapshot() *Snapshot { return c.snapshot.Load() }

// Owns reports whether this instance currently owns the partition.
func (c *Coordinator) Owns(p int32) bool { return c.snapshot.Load().Owns(p) }

// Register inserts this instance as STARTING and performs the first
// heartbeat (which activates it) and the first rebalance. Called before the
// periodic lanes start so the poller sees ownership immediately.
func (c *Coordinator) Register(ctx context.Context) error {
	now := c.clock()
	c.startedAt = now
	inst := &record.Instance{
		ID:            c.instanceID,
		Host:          c.cfg.Host,
		Port:          c.cfg.Port,
		Status:        record.InstanceStarting,
		StartedAt:     now,
		LastHeartbeat: now,
	}
	if err := c.store.Register(ctx, inst); err != nil {
		return fmt.Errorf("error registering instance: %w", err)
	}
	if err := c.store.Heartbeat(ctx, c.instanceID, c.clock()); err != nil {
		return fmt.Errorf("error on initial heartbeat: %w", err)
	}
	c.rebalance(ctx)
	c.logger.Info("instance registered", "instanceID", c.instanceID, "host", c.cfg.Host, "port", c.cfg.Port)
	return nil
}

// Run drives the three periodic lanes until the context is canceled. It does
// not deregister; the owner calls BeginDrain and Deregister around draining
// the workers.
func (c *Coordinator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.heartbeatLoop(ctx) })
	g.Go(func() error { return c.reapLoop(ctx) })
	g.Go(func() error { return c.rebalanceLoop(ctx) })
	return g.Wait()
}

func (c *Coordinator) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.store.Heartbeat(ctx, c.instanceID, c.clock()); err != nil {
				// a missed heartbeat is not fatal; peers only act after staleTimeout
				c.logger.Error(err, "heartbeat failed")
				continue
			}
			c.checkMembership(ctx)
		}
	}
}

// checkMembership nudges the rebalance lane when the live set changed since
// the last look, so ownership reacts faster than the rebalance interval.
func (c *Coordinator) checkMembership(ctx context.Context) {
	live, err := c.store.ListLive(ctx, c.clock(), c.cfg.StaleTimeout)
	if err != nil {
		c.logger.V(1).Info("membership check failed", "error", err.Error())
		return
	}
	ids := make([]string, len(live))
	for i, inst := range live {
		ids[i] = inst.ID
	}
	fingerprint := strings.Join(ids, ",")
	if c.lastLiveSet.Swap(fingerprint) != fingerprint {
		select {
		case c.rebalanceCh <- struct{}{}:
		default:
		}
	}
}

func (c *Coordinator) reapLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := c.store.ReapStale(ctx, c.clock(), c.cfg.StaleTimeout)
			if err != nil {
				c.logger.Error(err, "reaping stale instances failed")
				continue
			}
			if n > 0 {
				c.logger.Info("reaped stale instances", "count", n)
			}
		}
	}
}

func (c *Coordinator) rebalanceLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.RebalanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.rebalance(ctx)
		case <-c.rebalanceCh:
			c.rebalance(ctx)
		}
	}
}

// rebalance recomputes owned partitions from the live set and publishes a
// fresh snapshot. Every instance runs the same pure assignment over the same
// rows, so the cluster agrees without talking to itself.
func (c *Coordinator) rebalance(ctx context.Context) {
	live, err := c.store.ListLive(ctx, c.clock(), c.cfg.StaleTimeout)
	if err != nil {
		c.logger.Error(err, "rebalance failed to list live instances")
		return
	}
	ids := make([]string, len(live))
	for i, inst := range live {
		ids[i] = inst.ID
	}

	owned := partition.Assign(c.instanceID, ids)
	prev := c.snapshot.Load()
	next := NewSnapshot(c.generation.Add(1), len(ids), owned)
	c.snapshot.Store(next)

	if prev.Len() != next.Len() {
		c.logger.Info("partition assignment changed",
			"ownedPartitions", next.Len(),
			"liveInstances", len(ids),
			"generation", next.Generation)
	}
}

// BeginDrain marks the instance DRAINING and publishes an empty snapshot so
// the poller and sequencer stop claiming new work. Peers observe DRAINING
// (not live) and take over the partitions on their next rebalance.
func (c *Coordinator) BeginDrain(ctx context.Context) error {
	c.snapshot.Store(NewSnapshot(c.generation.Add(1), 0, nil))
	if err := c.store.UpdateStatus(ctx, c.instanceID, record.InstanceDraining); err != nil {
		return fmt.Errorf("error marking instance draining: %w", err)
	}
	c.logger.Info("instance draining", "instanceID", c.instanceID)
	return nil
}

// Deregister removes the instance row. Final step of a graceful shutdown.
func (c *Coordinator) Deregister(ctx context.Context) error {
	if err := c.store.Delete(ctx, c.instanceID); err != nil {
		return fmt.Errorf("error deleting instance row: %w", err)
	}
	c.logger.Info("instance deregistered", "instanceID", c.instanceID)
	return nil
}
