package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/namastack/outbox/pkg/record"
)

// MemoryStore is an in-process Store used by tests and single-process
// examples. It follows the same transition guards as the SQL store: only NEW
// records move.
type MemoryStore struct {
	mu        sync.Mutex
	records   map[string]*record.Record
	instances map[string]*record.Instance
}

// NewMemoryStore builds an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:   map[string]*record.Record{},
		instances: map[string]*record.Instance{},
	}
}

func cloneRecord(r *record.Record) *record.Record {
	c := *r
	c.Context = record.CloneContext(r.Context)
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	if r.NextAttemptAt != nil {
		t := *r.NextAttemptAt
		c.NextAttemptAt = &t
	}
	return &c
}

func (m *MemoryStore) Insert(_ context.Context, r *record.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[r.ID]; exists {
		return nil
	}
	m.records[r.ID] = cloneRecord(r)
	return nil
}

// Record returns a copy of the stored record, for assertions.
func (m *MemoryStore) Record(id string) (*record.Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return nil, false
	}
	return cloneRecord(r), true
}

func (m *MemoryStore) KeysWithDueRecords(_ context.Context, owned []int32, now time.Time, limit int) ([]string, error) {
	if len(owned) == 0 || limit <= 0 {
		return nil, nil
	}
	ownedSet := map[int32]bool{}
	for _, p := range owned {
		ownedSet[p] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	oldest := map[string]time.Time{}
	for _, r := range m.records {
		if !ownedSet[r.Partition] || !r.Due(now) {
			continue
		}
		if t, ok := oldest[r.Key]; !ok || r.CreatedAt.Before(t) {
			oldest[r.Key] = r.CreatedAt
		}
	}

	keys := make([]string, 0, len(oldest))
	for k := range oldest {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		ti, tj := oldest[keys[i]], oldest[keys[j]]
		if ti.Equal(tj) {
			return keys[i] < keys[j]
		}
		return ti.Before(tj)
	})
	if len(keys) > limit {
		keys = keys[:limit]
	}
	return keys, nil
}

func (m *MemoryStore) DueRecordsForKey(_ context.Context, key string) ([]*record.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var records []*record.Record
	for _, r := range m.records {
		if r.Key == key && r.Status != record.StatusCompleted {
			records = append(records, cloneRecord(r))
		}
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].ID < records[j].ID
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, nil
}

func (m *MemoryStore) MarkCompleted(_ context.Context, id string, completedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok || r.Status != record.StatusNew {
		return nil
	}
	r.Status = record.StatusCompleted
	r.CompletedAt = &completedAt
	r.NextAttemptAt = nil
	return nil
}

func (m *MemoryStore) MarkFailed(_ context.Context, id string, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok || r.Status != record.StatusNew {
		return nil
	}
	r.Status = record.StatusFailed
	r.NextAttemptAt = nil
	r.LastError = lastError
	return nil
}

func (m *MemoryStore) ScheduleRetry(_ context.Context, id string, failureCount int, nextAttemptAt time.Time, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok || r.Status != record.StatusNew {
		return nil
	}
	r.FailureCount = failureCount
	r.NextAttemptAt = &nextAttemptAt
	r.LastError = lastError
	return nil
}

func (m *MemoryStore) HasFailedRecordForKey(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.Key == key && r.Status == record.StatusFailed {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) DeleteCompleted(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.records[id]; ok && r.Status == record.StatusCompleted {
		delete(m.records, id)
	}
	return nil
}

func (m *MemoryStore) DeleteCompletedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, r := range m.records {
		if r.Status == record.StatusCompleted && r.CompletedAt != nil && r.CompletedAt.Before(cutoff) {
			delete(m.records, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) CountByStatus(_ context.Context) (map[record.Status]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := map[record.Status]int64{}
	for _, r := range m.records {
		counts[r.Status]++
	}
	return counts, nil
}

func (m *MemoryStore) PendingByPartition(_ context.Context, owned []int32, now time.Time) (map[int32]int64, error) {
	ownedSet := map[int32]bool{}
	for _, p := range owned {
		ownedSet[p] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	pending := map[int32]int64{}
	for _, r := range m.records {
		if ownedSet[r.Partition] && r.Due(now) {
			pending[r.Partition]++
		}
	}
	return pending, nil
}

func (m *MemoryStore) Register(_ context.Context, inst *record.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.instances[inst.ID]; exists {
		return nil
	}
	c := *inst
	m.instances[inst.ID] = &c
	return nil
}

func (m *MemoryStore) Heartbeat(_ context.Context, instanceID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[instanceID]
	if !ok {
		return fmt.Errorf("instance %s is not registered", instanceID)
	}
	inst.LastHeartbeat = now
	if inst.Status == record.InstanceStarting {
		inst.Status = record.InstanceActive
	}
	return nil
}

func (m *MemoryStore) UpdateStatus(_ context.Context, instanceID string, status record.InstanceStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inst, ok := m.instances[instanceID]; ok {
		inst.Status = status
	}
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.instances, instanceID)
	return nil
}

func (m *MemoryStore) ListLive(_ context.Context, now time.Time, staleTimeout time.Duration) ([]*record.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var live []*record.Instance
	for _, inst := range m.instances {
		if inst.IsLive(now, staleTimeout) {
			c := *inst
			live = append(live, &c)
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i].ID < live[j].ID })
	return live, nil
}

func (m *MemoryStore) ReapStale(_ context.Context, now time.Time, staleTimeout time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, inst := range m.instances {
		if now.Sub(inst.LastHeartbeat) > staleTimeout {
			delete(m.instances, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) ListAll(_ context.Context) ([]*record.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*record.Instance
	for _, inst := range m.instances {
		c := *inst
		all = append(all, &c)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return all, nil
}

var _ Store = (*MemoryStore)(nil)
