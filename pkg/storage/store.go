package storage

import (
	"context"
	"time"

	"github.com/namastack/outbox/pkg/record"
)

// RecordStore is the persistence contract for outbox records (the records
// table). Status transitions must be single atomic row updates: a crash
// between handler execution and the update leaves the record NEW and visible,
// which is what makes delivery at-least-once.
type RecordStore interface {
	// Insert persists a record. It is idempotent on the record id.
	Insert(ctx context.Context, r *record.Record) error

	// KeysWithDueRecords returns up to limit distinct keys that have at
	// least one NEW record due at now within the owned partitions, ordered
	// by each key's oldest due record.
	KeysWithDueRecords(ctx context.Context, owned []int32, now time.Time, limit int) ([]string, error)

	// DueRecordsForKey returns every non-COMPLETED record for the key in
	// ascending created_at order, ties broken by id.
	DueRecordsForKey(ctx context.Context, key string) ([]*record.Record, error)

	// MarkCompleted transitions a NEW record to COMPLETED.
	MarkCompleted(ctx context.Context, id string, completedAt time.Time) error

	// MarkFailed transitions a NEW record to FAILED and clears its next
	// attempt time.
	MarkFailed(ctx context.Context, id string, lastError string) error

	// ScheduleRetry bumps the failure count and pushes the next attempt out.
	ScheduleRetry(ctx context.Context, id string, failureCount int, nextAttemptAt time.Time, lastError string) error

	// HasFailedRecordForKey reports whether any record for the key is FAILED.
	HasFailedRecordForKey(ctx context.Context, key string) (bool, error)

	// DeleteCompleted removes a single COMPLETED record (synchronous
	// deletion mode).
	DeleteCompleted(ctx context.Context, id string) error

	// DeleteCompletedBefore removes COMPLETED records completed before the
	// cutoff (retention sweeper). Returns the number of rows removed.
	DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// CountByStatus returns record counts per status, for metrics.
	CountByStatus(ctx context.Context) (map[record.Status]int64, error)

	// PendingByPartition returns the due-record count per owned partition.
	PendingByPartition(ctx context.Context, owned []int32, now time.Time) (map[int32]int64, error)
}

// InstanceStore is the persistence contract for the instances table.
type InstanceStore interface {
	// Register inserts this instance's row; a duplicate instance id is
	// ignored and leaves the existing row as it is.
	Register(ctx context.Context, inst *record.Instance) error

	// Heartbeat refreshes last_heartbeat and promotes STARTING to ACTIVE.
	Heartbeat(ctx context.Context, instanceID string, now time.Time) error

	// UpdateStatus moves the instance through its lifecycle.
	UpdateStatus(ctx context.Context, instanceID string, status record.InstanceStatus) error

	// Delete removes the instance row.
	Delete(ctx context.Context, instanceID string) error

	// ListLive returns ACTIVE instances with a fresh heartbeat, ordered by
	// instance id.
	ListLive(ctx context.Context, now time.Time, staleTimeout time.Duration) ([]*record.Instance, error)

	// ReapStale removes instances whose heartbeat is older than the
	// timeout. Any live instance may call it; concurrent reaps are safe.
	ReapStale(ctx context.Context, now time.Time, staleTimeout time.Duration) (int64, error)

	// ListAll returns every registered instance, for observability.
	ListAll(ctx context.Context) ([]*record.Instance, error)
}

// Store bundles both contracts; the SQL and in-memory implementations
// satisfy it.
type Store interface {
	RecordStore
	InstanceStore
}
