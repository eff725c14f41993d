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

package sequencer

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/namastack/outbox/pkg/dispatch"
	"github.com/namastack/outbox/pkg/partition"
	"github.com/namastack/outbox/pkg/record"
	"github.com/namastack/outbox/pkg/storage"
)

// Ownership answers whether this instance currently owns a partition. The
// cluster coordinator's snapshot satisfies it.
type Ownership interface {
	Owns(p int32) bool
}

// Config sizes the worker pool.
type Config struct {
	// WorkerConcurrency bounds how many keys dispatch in parallel.
	WorkerConcurrency int
	// QueueCapacity bounds the pending key queue; a full queue drops the
	// submission and the next poll retries. Defaults to 32 per worker.
	QueueCapacity int
	// StopOnFirstFailure halts a key's sequence once any of its records is
	// FAILED, preserving strict order for the key.
	StopOnFirstFailure bool
}

// Sequencer serializes dispatch within a key and parallelizes across keys.
// At most one worker processes a given key at any time (the in-flight set),
// and within a key only the head record is dispatched per iteration; both
// together give per-key FIFO. Keys drain fairly: the queue is FIFO and a key
// re-enters it only through a fresh poll.
type Sequencer struct {
	cfg      Config
	store    storage.RecordStore
	pipeline *dispatch.Pipeline
	owns     Ownership
	logger   logr.Logger
	clock    func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
	queue    chan string
}

// Option tweaks a sequencer at construction time.
type Option func(*Sequencer)

// WithClock pins the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Sequencer) { s.clock = clock }
}

// New builds a sequencer.
func New(store storage.RecordStore, pipeline *dispatch.Pipeline, owns Ownership, cfg Config, logger logr.Logger, opts ...Option) *Sequencer {
	if cfg.WorkerConcurrency <= 0 {
		cfg.WorkerConcurrency = 1
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = cfg.WorkerConcurrency * 32
	}
	s := &Sequencer{
		cfg:      cfg,
		store:    store,
		pipeline: pipeline,
		owns:     owns,
		logger:   logger.WithName("sequencer"),
		clock:    time.Now,
		inflight: map[string]struct{}{},
		queue:    make(chan string, cfg.QueueCapacity),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit enqueues a key for processing. Idempotent per key: while a previous
// work item for the key is queued or running, further submissions are
// dropped. Returns whether the key was accepted.
func (s *Sequencer) Submit(key string) bool {
	s.mu.Lock()
	if _, busy := s.inflight[key]; busy {
		s.mu.Unlock()
		return false
	}
	s.inflight[key] = struct{}{}
	s.mu.Unlock()

	select {
	case s.queue <- key:
		return true
	default:
		// queue full; give the slot back, the next poll re-submits
		s.release(key)
		return false
	}
}

// InFlight returns the number of keys queued or running.
func (s *Sequencer) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

func (s *Sequencer) release(key string) {
	s.mu.Lock()
	delete(s.inflight, key)
	s.mu.Unlock()
}

// Run blocks serving the worker pool until the context is canceled, then
// waits for in-flight work items to finish their current record. Records that
// were queued but never started stay NEW and are redelivered.
func (s *Sequencer) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < s.cfg.WorkerConcurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.worker(ctx)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (s *Sequencer) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case key := <-s.queue:
			s.processKey(ctx, key)
			s.release(key)
		}
	}
}

// processKey drains one key's due records in order. It re-checks ownership
// and shutdown between records: losing the partition or draining stops the
// sequence after the record in flight, never mid-record.
func (s *Sequencer) processKey(ctx context.Context, key string) {
	p := partition.Of(key)
	for {
		if ctx.Err() != nil {
			return
		}
		if !s.owns.Owns(p) {
			s.logger.V(1).Info("ownership lost, stopping sequence", "key", key, "partition", p)
			return
		}
		if s.cfg.StopOnFirstFailure {
			failed, err := s.store.HasFailedRecordForKey(ctx, key)
			if err != nil {
				s.logger.Error(err, "failed-record check errored", "key", key)
				return
			}
			if failed {
				s.logger.V(1).Info("key has a failed record, stopping sequence", "key", key)
				return
			}
		}

		records, err := s.store.DueRecordsForKey(ctx, key)
		if err != nil {
			s.logger.Error(err, "fetching due records failed", "key", key)
			return
		}

		head := nextDispatchable(records)
		if head == nil {
			return
		}
		if head.NextAttemptAt != nil && head.NextAttemptAt.After(s.clock()) {
			// head not due yet; a later poll picks the key up again
			return
		}

		outcome, err := s.pipeline.Dispatch(ctx, head)
		if err != nil {
			// storage error: leave the record NEW, the next poll retries
			s.logger.Error(err, "dispatch aborted on storage error", "key", key, "recordID", head.ID)
			return
		}
		switch outcome {
		case dispatch.OutcomeCompleted, dispatch.OutcomeFiltered:
			continue
		case dispatch.OutcomeRetryScheduled, dispatch.OutcomePermanentlyFailed:
			return
		}
	}
}

// nextDispatchable picks the oldest NEW record. FAILED records are terminal;
// with stopOnFirstFailure off they are skipped so younger records still flow.
func nextDispatchable(records []*record.Record) *record.Record {
	for _, r := range records {
		if r.Status == record.StatusNew {
			return r
		}
	}
	return nil
}
