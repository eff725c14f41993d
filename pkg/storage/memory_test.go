package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/namastack/outbox/pkg/record"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newRecord(id, key string, p int32, createdAt time.Time) *record.Record {
	due := createdAt
	return &record.Record{
		ID:            id,
		Key:           key,
		Partition:     p,
		PayloadType:   "com.example.Event",
		Payload:       `{}`,
		Status:        record.StatusNew,
		CreatedAt:     createdAt,
		NextAttemptAt: &due,
	}
}

func TestMemoryInsertIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	r := newRecord("r1", "k1", 1, t0)
	require.NoError(t, s.Insert(ctx, r))

	dup := newRecord("r1", "other", 2, t0.Add(time.Hour))
	require.NoError(t, s.Insert(ctx, dup))

	got, ok := s.Record("r1")
	require.True(t, ok)
	assert.Equal(t, "k1", got.Key)
}

func TestMemoryKeysWithDueRecords(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Insert(ctx, newRecord("r1", "k-old", 1, t0)))
	require.NoError(t, s.Insert(ctx, newRecord("r2", "k-new", 1, t0.Add(time.Minute))))
	require.NoError(t, s.Insert(ctx, newRecord("r3", "k-other-partition", 2, t0)))

	future := newRecord("r4", "k-future", 1, t0)
	later := t0.Add(time.Hour)
	future.NextAttemptAt = &later
	require.NoError(t, s.Insert(ctx, future))

	now := t0.Add(10 * time.Minute)

	keys, err := s.KeysWithDueRecords(ctx, []int32{1}, now, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"k-old", "k-new"}, keys)

	// limit bounds the result
	keys, err = s.KeysWithDueRecords(ctx, []int32{1}, now, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"k-old"}, keys)

	// no owned partitions, no work
	keys, err = s.KeysWithDueRecords(ctx, nil, now, 10)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestMemoryDueRecordsForKeyOrdering(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Insert(ctx, newRecord("b", "k", 1, t0.Add(time.Second))))
	require.NoError(t, s.Insert(ctx, newRecord("c", "k", 1, t0.Add(time.Second))))
	require.NoError(t, s.Insert(ctx, newRecord("a", "k", 1, t0)))

	completed := newRecord("done", "k", 1, t0.Add(-time.Hour))
	require.NoError(t, s.Insert(ctx, completed))
	require.NoError(t, s.MarkCompleted(ctx, "done", t0))

	records, err := s.DueRecordsForKey(ctx, "k")
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "a", records[0].ID)
	assert.Equal(t, "b", records[1].ID) // created_at tie broken by id
	assert.Equal(t, "c", records[2].ID)
}

func TestMemoryTransitionsGuardOnNew(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Insert(ctx, newRecord("r1", "k", 1, t0)))

	require.NoError(t, s.MarkCompleted(ctx, "r1", t0.Add(time.Second)))
	got, _ := s.Record("r1")
	require.Equal(t, record.StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.Nil(t, got.NextAttemptAt)

	// COMPLETED is terminal
	require.NoError(t, s.MarkFailed(ctx, "r1", "late failure"))
	got, _ = s.Record("r1")
	assert.Equal(t, record.StatusCompleted, got.Status)
	assert.Empty(t, got.LastError)
}

func TestMemoryMarkFailed(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Insert(ctx, newRecord("r1", "k", 1, t0)))

	require.NoError(t, s.MarkFailed(ctx, "r1", "boom"))
	got, _ := s.Record("r1")
	assert.Equal(t, record.StatusFailed, got.Status)
	assert.Nil(t, got.NextAttemptAt)
	assert.Equal(t, "boom", got.LastError)

	failed, err := s.HasFailedRecordForKey(ctx, "k")
	require.NoError(t, err)
	assert.True(t, failed)

	failed, err = s.HasFailedRecordForKey(ctx, "other")
	require.NoError(t, err)
	assert.False(t, failed)
}

func TestMemoryScheduleRetry(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Insert(ctx, newRecord("r1", "k", 1, t0)))

	next := t0.Add(time.Minute)
	require.NoError(t, s.ScheduleRetry(ctx, "r1", 1, next, "try again"))

	got, _ := s.Record("r1")
	assert.Equal(t, record.StatusNew, got.Status)
	assert.Equal(t, 1, got.FailureCount)
	require.NotNil(t, got.NextAttemptAt)
	assert.True(t, got.NextAttemptAt.Equal(next))

	// not due before next attempt
	keys, err := s.KeysWithDueRecords(ctx, []int32{1}, t0.Add(time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, keys)

	keys, err = s.KeysWithDueRecords(ctx, []int32{1}, next.Add(time.Second), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"k"}, keys)
}

func TestMemoryDeleteCompleted(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Insert(ctx, newRecord("r1", "k", 1, t0)))

	// only COMPLETED records are deleted
	require.NoError(t, s.DeleteCompleted(ctx, "r1"))
	_, ok := s.Record("r1")
	assert.True(t, ok)

	require.NoError(t, s.MarkCompleted(ctx, "r1", t0))
	require.NoError(t, s.DeleteCompleted(ctx, "r1"))
	_, ok = s.Record("r1")
	assert.False(t, ok)
}

func TestMemoryDeleteCompletedBefore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Insert(ctx, newRecord("old", "k", 1, t0)))
	require.NoError(t, s.Insert(ctx, newRecord("recent", "k", 1, t0)))
	require.NoError(t, s.MarkCompleted(ctx, "old", t0))
	require.NoError(t, s.MarkCompleted(ctx, "recent", t0.Add(time.Hour)))

	n, err := s.DeleteCompletedBefore(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, ok := s.Record("old")
	assert.False(t, ok)
	_, ok = s.Record("recent")
	assert.True(t, ok)
}

func TestMemoryCounts(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Insert(ctx, newRecord("r1", "k1", 1, t0)))
	require.NoError(t, s.Insert(ctx, newRecord("r2", "k2", 2, t0)))
	require.NoError(t, s.MarkCompleted(ctx, "r2", t0))

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[record.StatusNew])
	assert.Equal(t, int64(1), counts[record.StatusCompleted])

	pending, err := s.PendingByPartition(ctx, []int32{1, 2}, t0.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, map[int32]int64{1: 1}, pending)
}

func TestMemoryInstanceLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	inst := &record.Instance{
		ID: "i-1", Host: "node-a", Port: 8080,
		Status: record.InstanceStarting, StartedAt: t0, LastHeartbeat: t0,
	}
	require.NoError(t, s.Register(ctx, inst))

	// not live before the first heartbeat
	live, err := s.ListLive(ctx, t0, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, live)

	require.NoError(t, s.Heartbeat(ctx, "i-1", t0.Add(time.Second)))
	live, err = s.ListLive(ctx, t0.Add(2*time.Second), time.Minute)
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, record.InstanceActive, live[0].Status)

	require.NoError(t, s.UpdateStatus(ctx, "i-1", record.InstanceDraining))
	live, err = s.ListLive(ctx, t0.Add(2*time.Second), time.Minute)
	require.NoError(t, err)
	assert.Empty(t, live)

	require.NoError(t, s.Delete(ctx, "i-1"))
	all, err := s.ListAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)

	assert.Error(t, s.Heartbeat(ctx, "ghost", t0))
}

func TestMemoryListLiveOrdering(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for _, id := range []string{"i-c", "i-a", "i-b"} {
		require.NoError(t, s.Register(ctx, &record.Instance{
			ID: id, Status: record.InstanceActive, StartedAt: t0, LastHeartbeat: t0,
		}))
	}

	live, err := s.ListLive(ctx, t0.Add(time.Second), time.Minute)
	require.NoError(t, err)
	require.Len(t, live, 3)
	assert.Equal(t, "i-a", live[0].ID)
	assert.Equal(t, "i-b", live[1].ID)
	assert.Equal(t, "i-c", live[2].ID)
}

func TestMemoryReapStale(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Register(ctx, &record.Instance{ID: "fresh", Status: record.InstanceActive, LastHeartbeat: t0}))
	require.NoError(t, s.Register(ctx, &record.Instance{ID: "stale", Status: record.InstanceActive, LastHeartbeat: t0.Add(-time.Hour)}))

	n, err := s.ReapStale(ctx, t0, 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	all, err := s.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "fresh", all[0].ID)

	// idempotent
	n, err = s.ReapStale(ctx, t0, 30*time.Second)
	require.NoError(t, err)
	assert.Zero(t, n)
}
