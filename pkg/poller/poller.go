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

package poller

import (
	"context"
	"time"

	"github.com/go-logr/logr"

	"github.com/namastack/outbox/pkg/cluster"
	"github.com/namastack/outbox/pkg/storage"
)

// Submitter accepts keys for sequenced processing; the key-sequencer
// satisfies it. Submit is fire-and-forget: the poller never waits on handler
// execution.
type Submitter interface {
	Submit(key string) bool
}

// OwnershipSource publishes the owned-partition snapshot; the cluster
// coordinator satisfies it.
type OwnershipSource interface {
	Snapshot() *cluster.Snapshot
}

// Config carries the polling knobs.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
}

// Poller periodically pulls due keys for the owned partitions and hands them
// to the sequencer. A Wake nudge (after a local Schedule commit) triggers an
// immediate tick without waiting out the interval.
type Poller struct {
	cfg    Config
	store  storage.RecordStore
	source OwnershipSource
	submit Submitter
	logger logr.Logger
	clock  func() time.Time

	wake chan struct{}
}

// Option tweaks a poller at construction time.
type Option func(*Poller)

// WithClock pins the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(p *Poller) { p.clock = clock }
}

// New builds a poller.
func New(store storage.RecordStore, source OwnershipSource, submit Submitter, cfg Config, logger logr.Logger, opts ...Option) *Poller {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	p := &Poller{
		cfg:    cfg,
		store:  store,
		source: source,
		submit: submit,
		logger: logger.WithName("poller"),
		clock:  time.Now,
		wake:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Wake schedules an immediate poll tick. Safe from any goroutine; multiple
// nudges coalesce.
func (p *Poller) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run ticks until the context is canceled. Poll errors are logged and
// retried on the next tick; they never abort the loop.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.tick(ctx)
		case <-p.wake:
			p.tick(ctx)
		}
	}
}

// tick runs one poll pass. Submissions for keys already in flight are
// dropped by the sequencer, so overlapping ticks cannot double-dispatch.
func (p *Poller) tick(ctx context.Context) {
	snap := p.source.Snapshot()
	owned := snap.Partitions()
	if len(owned) == 0 {
		return
	}

	keys, err := p.store.KeysWithDueRecords(ctx, owned, p.clock(), p.cfg.BatchSize)
	if err != nil {
		p.logger.Error(err, "polling due keys failed")
		return
	}
	if len(keys) == 0 {
		return
	}

	submitted := 0
	for _, key := range keys {
		if p.submit.Submit(key) {
			submitted++
		}
	}
	p.logger.V(1).Info("poll tick", "dueKeys", len(keys), "submitted", submitted, "ownedPartitions", len(owned))
}
