package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/namastack/outbox/pkg/record"
)

var instanceColumns = []string{
	"instance_id", "host", "port", "status", "started_at", "last_heartbeat",
}

// Register inserts this instance's row. Instance ids are fresh UUIDs, so a
// duplicate insert only happens on a retried registration and is ignored.
func (s *SQLStore) Register(ctx context.Context, inst *record.Instance) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	query := s.q(s.dialect.InsertIgnore(s.instancesTable, instanceColumns, "instance_id"))
	_, err := s.db.ExecContext(ctx, query,
		inst.ID, inst.Host, inst.Port, string(inst.Status), inst.StartedAt, inst.LastHeartbeat)
	if err != nil {
		return fmt.Errorf("error registering instance %s: %w", inst.ID, err)
	}
	return nil
}

// Heartbeat refreshes last_heartbeat and promotes a STARTING instance to
// ACTIVE in the same statement, so the first successful heartbeat is the
// activation point.
func (s *SQLStore) Heartbeat(ctx context.Context, instanceID string, now time.Time) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	query := s.q(fmt.Sprintf(
		`UPDATE %s SET %s = ?, %s = CASE WHEN %s = ? THEN ? ELSE %s END WHERE %s = ?`,
		s.instancesTable, s.ident("last_heartbeat"),
		s.ident("status"), s.ident("status"), s.ident("status"),
		s.ident("instance_id")))

	res, err := s.db.ExecContext(ctx, query,
		now, string(record.InstanceStarting), string(record.InstanceActive), instanceID)
	if err != nil {
		return fmt.Errorf("error updating heartbeat for instance %s: %w", instanceID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("instance %s is not registered", instanceID)
	}
	return nil
}

func (s *SQLStore) UpdateStatus(ctx context.Context, instanceID string, status record.InstanceStatus) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	query := s.q(fmt.Sprintf(`UPDATE %s SET %s = ? WHERE %s = ?`,
		s.instancesTable, s.ident("status"), s.ident("instance_id")))

	_, err := s.db.ExecContext(ctx, query, string(status), instanceID)
	if err != nil {
		return fmt.Errorf("error updating status of instance %s: %w", instanceID, err)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, instanceID string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	query := s.q(fmt.Sprintf(`DELETE FROM %s WHERE %s = ?`,
		s.instancesTable, s.ident("instance_id")))

	_, err := s.db.ExecContext(ctx, query, instanceID)
	if err != nil {
		return fmt.Errorf("error deleting instance %s: %w", instanceID, err)
	}
	return nil
}

func (s *SQLStore) ListLive(ctx context.Context, now time.Time, staleTimeout time.Duration) ([]*record.Instance, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	query := s.q(fmt.Sprintf(
		`SELECT %s FROM %s WHERE %s = ? AND %s >= ? ORDER BY %s ASC`,
		quoteAll(s.dialect, instanceColumns), s.instancesTable,
		s.ident("status"), s.ident("last_heartbeat"), s.ident("instance_id")))

	rows, err := s.db.QueryContext(ctx, query, string(record.InstanceActive), now.Add(-staleTimeout))
	if err != nil {
		return nil, fmt.Errorf("error listing live instances: %w", err)
	}
	defer rows.Close()

	var instances []*record.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

func (s *SQLStore) ReapStale(ctx context.Context, now time.Time, staleTimeout time.Duration) (int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	query := s.q(fmt.Sprintf(`DELETE FROM %s WHERE %s < ?`,
		s.instancesTable, s.ident("last_heartbeat")))

	res, err := s.db.ExecContext(ctx, query, now.Add(-staleTimeout))
	if err != nil {
		return 0, fmt.Errorf("error reaping stale instances: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *SQLStore) ListAll(ctx context.Context) ([]*record.Instance, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	query := s.q(fmt.Sprintf(`SELECT %s FROM %s ORDER BY %s ASC`,
		quoteAll(s.dialect, instanceColumns), s.instancesTable, s.ident("instance_id")))

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("error listing instances: %w", err)
	}
	defer rows.Close()

	var instances []*record.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

func scanInstance(rs rowScanner) (*record.Instance, error) {
	var inst record.Instance
	var status string
	if err := rs.Scan(&inst.ID, &inst.Host, &inst.Port, &status, &inst.StartedAt, &inst.LastHeartbeat); err != nil {
		return nil, fmt.Errorf("error scanning instance: %w", err)
	}
	inst.Status = record.InstanceStatus(status)
	return &inst, nil
}
