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
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/namastack/outbox/pkg/dispatch"
	"github.com/namastack/outbox/pkg/handler"
	"github.com/namastack/outbox/pkg/partition"
	"github.com/namastack/outbox/pkg/record"
	"github.com/namastack/outbox/pkg/retry"
	"github.com/namastack/outbox/pkg/storage"
)

const eventType = "com.example.OrderPlaced"

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type ownAll struct{}

func (ownAll) Owns(int32) bool { return true }

type ownNone struct{}

func (ownNone) Owns(int32) bool { return false }

type harness struct {
	store    *storage.MemoryStore
	registry *handler.Registry
	seen     []string
	seenMu   sync.Mutex
	seq      *Sequencer
	cancel   context.CancelFunc
	done     chan struct{}
}

func newHarness(t *testing.T, cfg Config, owns Ownership, handlerFn handler.Func) *harness {
	t.Helper()
	h := &harness{
		store:    storage.NewMemoryStore(),
		registry: handler.NewRegistry(),
		done:     make(chan struct{}),
	}
	fn := handlerFn
	if fn == nil {
		fn = func(_ context.Context, payload any, _ record.Metadata) error {
			h.record(payload.(string))
			return nil
		}
	}
	_, err := h.registry.RegisterTyped(eventType, fn, handler.WithRawID("t1"))
	require.NoError(t, err)

	policy, err := retry.NewFixed(time.Hour, 3)
	require.NoError(t, err)
	pipeline := dispatch.New(h.store, h.registry, retry.NewResolver(policy, nil), logr.Discard())

	h.seq = New(h.store, pipeline, owns, cfg, logr.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() {
		defer close(h.done)
		_ = h.seq.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-h.done
	})
	return h
}

func (h *harness) record(v string) {
	h.seenMu.Lock()
	h.seen = append(h.seen, v)
	h.seenMu.Unlock()
}

func (h *harness) observed() []string {
	h.seenMu.Lock()
	defer h.seenMu.Unlock()
	out := make([]string, len(h.seen))
	copy(out, h.seen)
	return out
}

func (h *harness) insert(t *testing.T, id, key, payload string, createdAt time.Time) {
	t.Helper()
	due := createdAt
	require.NoError(t, h.store.Insert(context.Background(), &record.Record{
		ID: id, Key: key, Partition: partition.Of(key),
		PayloadType: eventType, Payload: fmt.Sprintf("%q", payload),
		Status: record.StatusNew, CreatedAt: createdAt, NextAttemptAt: &due,
	}))
}

// S2: records of one key are observed in producer order.
func TestPerKeyFIFO(t *testing.T) {
	h := newHarness(t, Config{WorkerConcurrency: 4, StopOnFirstFailure: true}, ownAll{}, nil)

	h.insert(t, "r1", "order-7", "a", t0)
	h.insert(t, "r2", "order-7", "b", t0.Add(time.Millisecond))
	h.insert(t, "r3", "order-7", "c", t0.Add(2*time.Millisecond))

	require.True(t, h.seq.Submit("order-7"))

	require.Eventually(t, func() bool { return len(h.observed()) == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a", "b", "c"}, h.observed())
}

// workerConcurrency=1 still serves multiple keys, serially.
func TestSingleWorkerServesManyKeys(t *testing.T) {
	h := newHarness(t, Config{WorkerConcurrency: 1}, ownAll{}, nil)

	for i := 0; i < 5; i++ {
		key := fmt.Sprintf("key-%d", i)
		h.insert(t, fmt.Sprintf("r%d", i), key, key, t0)
		require.True(t, h.seq.Submit(key))
	}

	require.Eventually(t, func() bool { return len(h.observed()) == 5 }, 2*time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{"key-0", "key-1", "key-2", "key-3", "key-4"}, h.observed())
}

func TestSubmitDeduplicates(t *testing.T) {
	block := make(chan struct{})
	var entered sync.WaitGroup
	entered.Add(1)
	var once sync.Once
	h := newHarness(t, Config{WorkerConcurrency: 1}, ownAll{}, func(context.Context, any, record.Metadata) error {
		once.Do(entered.Done)
		<-block
		return nil
	})
	defer close(block)

	h.insert(t, "r1", "k", "a", t0)
	require.True(t, h.seq.Submit("k"))
	entered.Wait()

	// the key is in flight: further submissions drop
	assert.False(t, h.seq.Submit("k"))
	assert.Equal(t, 1, h.seq.InFlight())
}

func TestStopOnFirstFailureBlocksYoungerRecords(t *testing.T) {
	h := newHarness(t, Config{WorkerConcurrency: 1, StopOnFirstFailure: true}, ownAll{}, nil)

	h.insert(t, "r1", "k", "a", t0)
	h.insert(t, "r2", "k", "b", t0.Add(time.Millisecond))
	require.NoError(t, h.store.MarkFailed(context.Background(), "r1", "dead"))

	require.True(t, h.seq.Submit("k"))
	require.Eventually(t, func() bool { return h.seq.InFlight() == 0 }, 2*time.Second, 5*time.Millisecond)

	assert.Empty(t, h.observed(), "records behind a failure must not dispatch")
	stored, _ := h.store.Record("r2")
	assert.Equal(t, record.StatusNew, stored.Status)
}

func TestFailedRecordSkippedWhenStopDisabled(t *testing.T) {
	h := newHarness(t, Config{WorkerConcurrency: 1, StopOnFirstFailure: false}, ownAll{}, nil)

	h.insert(t, "r1", "k", "a", t0)
	h.insert(t, "r2", "k", "b", t0.Add(time.Millisecond))
	require.NoError(t, h.store.MarkFailed(context.Background(), "r1", "dead"))

	require.True(t, h.seq.Submit("k"))
	require.Eventually(t, func() bool { return len(h.observed()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"b"}, h.observed())
}

func TestOwnershipLossStopsSequence(t *testing.T) {
	h := newHarness(t, Config{WorkerConcurrency: 1}, ownNone{}, nil)

	h.insert(t, "r1", "k", "a", t0)
	require.True(t, h.seq.Submit("k"))
	require.Eventually(t, func() bool { return h.seq.InFlight() == 0 }, 2*time.Second, 5*time.Millisecond)

	assert.Empty(t, h.observed())
	stored, _ := h.store.Record("r1")
	assert.Equal(t, record.StatusNew, stored.Status)
}

func TestRetryOutcomeEndsIteration(t *testing.T) {
	calls := 0
	var mu sync.Mutex
	h := newHarness(t, Config{WorkerConcurrency: 1}, ownAll{}, func(context.Context, any, record.Metadata) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return errors.New("transient")
	})

	h.insert(t, "r1", "k", "a", t0)
	h.insert(t, "r2", "k", "b", t0.Add(time.Millisecond))
	require.True(t, h.seq.Submit("k"))
	require.Eventually(t, func() bool { return h.seq.InFlight() == 0 }, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls, "a retry-scheduled head must end the key's iteration")
}

func TestHeadNotDueEndsIteration(t *testing.T) {
	h := newHarness(t, Config{WorkerConcurrency: 1}, ownAll{}, nil)

	future := time.Now().Add(time.Hour)
	require.NoError(t, h.store.Insert(context.Background(), &record.Record{
		ID: "r1", Key: "k", Partition: partition.Of("k"),
		PayloadType: eventType, Payload: `"a"`,
		Status: record.StatusNew, CreatedAt: t0, NextAttemptAt: &future,
	}))

	require.True(t, h.seq.Submit("k"))
	require.Eventually(t, func() bool { return h.seq.InFlight() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, h.observed())
}

func TestQueueFullDropsSubmission(t *testing.T) {
	block := make(chan struct{})
	var entered sync.WaitGroup
	entered.Add(1)
	var once sync.Once
	h := newHarness(t, Config{WorkerConcurrency: 1, QueueCapacity: 1}, ownAll{}, func(context.Context, any, record.Metadata) error {
		once.Do(entered.Done)
		<-block
		return nil
	})
	defer close(block)

	h.insert(t, "r1", "busy", "a", t0)
	require.True(t, h.seq.Submit("busy"))
	entered.Wait()

	// one slot in the queue, then it is full
	assert.True(t, h.seq.Submit("q1"))
	assert.False(t, h.seq.Submit("q2"))
	// the dropped key is not stuck in the in-flight set
	assert.Equal(t, 2, h.seq.InFlight())
}
