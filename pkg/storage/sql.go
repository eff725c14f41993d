package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	mysqldriver "github.com/go-sql-driver/mysql"

	// Drivers for the supported dialects.
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/namastack/outbox/pkg/record"
)

const defaultStorageTimeout = 5 * time.Second

// Config describes how to reach the database and name the tables.
type Config struct {
	Driver            string
	DSN               string
	TablePrefix       string
	SchemaName        string
	Timeout           time.Duration
	InitializeOnStart bool
}

// SQLStore implements Store on database/sql for the supported dialects.
type SQLStore struct {
	db             *sql.DB
	dialect        Dialect
	recordsTable   string
	instancesTable string
	timeout        time.Duration
	logger         logr.Logger
}

// Open connects per the config and pings the database, the same shape the
// SQL-backed components elsewhere use: open, ping, fail fast.
func Open(ctx context.Context, cfg Config, logger logr.Logger) (*SQLStore, error) {
	dialect, err := DialectForDriver(cfg.Driver)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(dialect.Driver(), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("error opening %s connection: %w", dialect.Name(), err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("error pinging %s: %w", dialect.Name(), err)
	}

	s := NewWithDB(db, dialect, cfg, logger)
	if cfg.InitializeOnStart {
		if err := s.Initialize(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}
	return s, nil
}

// NewWithDB wraps an existing connection pool.
func NewWithDB(db *sql.DB, dialect Dialect, cfg Config, logger logr.Logger) *SQLStore {
	prefix := cfg.TablePrefix
	if prefix == "" {
		prefix = "outbox_"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultStorageTimeout
	}
	return &SQLStore{
		db:             db,
		dialect:        dialect,
		recordsTable:   qualifyTable(cfg.SchemaName, prefix+"records"),
		instancesTable: qualifyTable(cfg.SchemaName, prefix+"instances"),
		timeout:        timeout,
		logger:         logger.WithName("storage"),
	}
}

// BuildMySQLDSN renders a MySQL DSN with the options the store depends on
// (parseTime in particular; DATETIME columns must scan into time.Time).
func BuildMySQLDSN(user, password, host string, port int, dbName string) string {
	c := mysqldriver.NewConfig()
	c.User = user
	c.Passwd = password
	c.Net = "tcp"
	c.Addr = fmt.Sprintf("%s:%d", host, port)
	c.DBName = dbName
	c.ParseTime = true
	return c.FormatDSN()
}

func qualifyTable(schema, table string) string {
	if schema == "" {
		return table
	}
	return schema + "." + table
}

// Close releases the connection pool.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Initialize creates the tables and indexes when they do not exist.
func (s *SQLStore) Initialize(ctx context.Context) error {
	for _, ddl := range s.dialect.SchemaDDL(s.recordsTable, s.instancesTable) {
		ctx, cancel := s.opCtx(ctx)
		_, err := s.db.ExecContext(ctx, ddl)
		cancel()
		if err != nil {
			return fmt.Errorf("error initializing outbox schema: %w", err)
		}
	}
	s.logger.V(1).Info("schema initialized", "recordsTable", s.recordsTable, "instancesTable", s.instancesTable)
	return nil
}

func (s *SQLStore) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func (s *SQLStore) q(query string) string {
	return s.dialect.Rebind(query)
}

func (s *SQLStore) ident(name string) string {
	return s.dialect.QuoteIdent(name)
}

var recordColumns = []string{
	"id", "key", "partition", "payload_type", "payload", "context",
	"status", "created_at", "completed_at", "failure_count", "next_attempt_at", "last_error",
}

func (s *SQLStore) recordColumnList() string {
	return quoteAll(s.dialect, recordColumns)
}

// Insert persists a record; duplicate ids are silently ignored.
func (s *SQLStore) Insert(ctx context.Context, r *record.Record) error {
	ctxData, err := marshalContext(r.Context)
	if err != nil {
		return err
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	query := s.q(s.dialect.InsertIgnore(s.recordsTable, recordColumns, "id"))
	_, err = s.db.ExecContext(ctx, query,
		r.ID, r.Key, r.Partition, r.PayloadType, r.Payload, ctxData,
		string(r.Status), r.CreatedAt, nullTime(r.CompletedAt), r.FailureCount,
		nullTime(r.NextAttemptAt), nullString(r.LastError))
	if err != nil {
		return fmt.Errorf("error inserting outbox record %s: %w", r.ID, err)
	}
	return nil
}

// InsertTx persists a record inside the caller's transaction; this is the
// producer-side call site that makes the outbox transactional.
func (s *SQLStore) InsertTx(ctx context.Context, tx *sql.Tx, r *record.Record) error {
	ctxData, err := marshalContext(r.Context)
	if err != nil {
		return err
	}

	query := s.q(s.dialect.InsertIgnore(s.recordsTable, recordColumns, "id"))
	_, err = tx.ExecContext(ctx, query,
		r.ID, r.Key, r.Partition, r.PayloadType, r.Payload, ctxData,
		string(r.Status), r.CreatedAt, nullTime(r.CompletedAt), r.FailureCount,
		nullTime(r.NextAttemptAt), nullString(r.LastError))
	if err != nil {
		return fmt.Errorf("error inserting outbox record %s: %w", r.ID, err)
	}
	return nil
}

func (s *SQLStore) KeysWithDueRecords(ctx context.Context, owned []int32, now time.Time, limit int) ([]string, error) {
	if len(owned) == 0 || limit <= 0 {
		return nil, nil
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	query := s.q(fmt.Sprintf(
		`SELECT %s, MIN(%s) AS oldest FROM %s WHERE %s = ? AND %s <= ? AND %s IN (%s) GROUP BY %s ORDER BY oldest ASC LIMIT %d`,
		s.ident("key"), s.ident("created_at"), s.recordsTable,
		s.ident("status"), s.ident("next_attempt_at"),
		s.ident("partition"), placeholders(len(owned)),
		s.ident("key"), limit))

	args := make([]any, 0, len(owned)+2)
	args = append(args, string(record.StatusNew), now)
	for _, p := range owned {
		args = append(args, p)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error querying due keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		var oldest time.Time
		if err := rows.Scan(&key, &oldest); err != nil {
			return nil, fmt.Errorf("error scanning due key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s *SQLStore) DueRecordsForKey(ctx context.Context, key string) ([]*record.Record, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	query := s.q(fmt.Sprintf(
		`SELECT %s FROM %s WHERE %s = ? AND %s <> ? ORDER BY %s ASC, %s ASC`,
		s.recordColumnList(), s.recordsTable,
		s.ident("key"), s.ident("status"), s.ident("created_at"), s.ident("id")))

	rows, err := s.db.QueryContext(ctx, query, key, string(record.StatusCompleted))
	if err != nil {
		return nil, fmt.Errorf("error querying records for key %s: %w", key, err)
	}
	defer rows.Close()

	var records []*record.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *SQLStore) MarkCompleted(ctx context.Context, id string, completedAt time.Time) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	query := s.q(fmt.Sprintf(
		`UPDATE %s SET %s = ?, %s = ?, %s = NULL WHERE %s = ? AND %s = ?`,
		s.recordsTable, s.ident("status"), s.ident("completed_at"), s.ident("next_attempt_at"),
		s.ident("id"), s.ident("status")))

	_, err := s.db.ExecContext(ctx, query,
		string(record.StatusCompleted), completedAt, id, string(record.StatusNew))
	if err != nil {
		return fmt.Errorf("error completing record %s: %w", id, err)
	}
	return nil
}

func (s *SQLStore) MarkFailed(ctx context.Context, id string, lastError string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	query := s.q(fmt.Sprintf(
		`UPDATE %s SET %s = ?, %s = NULL, %s = ? WHERE %s = ? AND %s = ?`,
		s.recordsTable, s.ident("status"), s.ident("next_attempt_at"), s.ident("last_error"),
		s.ident("id"), s.ident("status")))

	_, err := s.db.ExecContext(ctx, query,
		string(record.StatusFailed), nullString(lastError), id, string(record.StatusNew))
	if err != nil {
		return fmt.Errorf("error failing record %s: %w", id, err)
	}
	return nil
}

func (s *SQLStore) ScheduleRetry(ctx context.Context, id string, failureCount int, nextAttemptAt time.Time, lastError string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	query := s.q(fmt.Sprintf(
		`UPDATE %s SET %s = ?, %s = ?, %s = ? WHERE %s = ? AND %s = ?`,
		s.recordsTable, s.ident("failure_count"), s.ident("next_attempt_at"), s.ident("last_error"),
		s.ident("id"), s.ident("status")))

	_, err := s.db.ExecContext(ctx, query,
		failureCount, nextAttemptAt, nullString(lastError), id, string(record.StatusNew))
	if err != nil {
		return fmt.Errorf("error scheduling retry for record %s: %w", id, err)
	}
	return nil
}

func (s *SQLStore) HasFailedRecordForKey(ctx context.Context, key string) (bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	query := s.q(fmt.Sprintf(
		`SELECT EXISTS (SELECT 1 FROM %s WHERE %s = ? AND %s = ?)`,
		s.recordsTable, s.ident("key"), s.ident("status")))

	var failed bool
	err := s.db.QueryRowContext(ctx, query, key, string(record.StatusFailed)).Scan(&failed)
	if err != nil {
		return false, fmt.Errorf("error checking failed records for key %s: %w", key, err)
	}
	return failed, nil
}

func (s *SQLStore) DeleteCompleted(ctx context.Context, id string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	query := s.q(fmt.Sprintf(`DELETE FROM %s WHERE %s = ? AND %s = ?`,
		s.recordsTable, s.ident("id"), s.ident("status")))

	_, err := s.db.ExecContext(ctx, query, id, string(record.StatusCompleted))
	if err != nil {
		return fmt.Errorf("error deleting completed record %s: %w", id, err)
	}
	return nil
}

func (s *SQLStore) DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	query := s.q(fmt.Sprintf(`DELETE FROM %s WHERE %s = ? AND %s < ?`,
		s.recordsTable, s.ident("status"), s.ident("completed_at")))

	res, err := s.db.ExecContext(ctx, query, string(record.StatusCompleted), cutoff)
	if err != nil {
		return 0, fmt.Errorf("error sweeping completed records: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *SQLStore) CountByStatus(ctx context.Context) (map[record.Status]int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	query := s.q(fmt.Sprintf(`SELECT %s, COUNT(*) FROM %s GROUP BY %s`,
		s.ident("status"), s.recordsTable, s.ident("status")))

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("error counting records by status: %w", err)
	}
	defer rows.Close()

	counts := map[record.Status]int64{}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("error scanning status count: %w", err)
		}
		counts[record.Status(status)] = n
	}
	return counts, rows.Err()
}

func (s *SQLStore) PendingByPartition(ctx context.Context, owned []int32, now time.Time) (map[int32]int64, error) {
	if len(owned) == 0 {
		return map[int32]int64{}, nil
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	query := s.q(fmt.Sprintf(
		`SELECT %s, COUNT(*) FROM %s WHERE %s = ? AND %s <= ? AND %s IN (%s) GROUP BY %s`,
		s.ident("partition"), s.recordsTable,
		s.ident("status"), s.ident("next_attempt_at"),
		s.ident("partition"), placeholders(len(owned)), s.ident("partition")))

	args := make([]any, 0, len(owned)+2)
	args = append(args, string(record.StatusNew), now)
	for _, p := range owned {
		args = append(args, p)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error counting pending records: %w", err)
	}
	defer rows.Close()

	pending := map[int32]int64{}
	for rows.Next() {
		var p int32
		var n int64
		if err := rows.Scan(&p, &n); err != nil {
			return nil, fmt.Errorf("error scanning pending count: %w", err)
		}
		pending[p] = n
	}
	return pending, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(rs rowScanner) (*record.Record, error) {
	var (
		r             record.Record
		status        string
		ctxData       sql.NullString
		completedAt   sql.NullTime
		nextAttemptAt sql.NullTime
		lastError     sql.NullString
	)
	err := rs.Scan(&r.ID, &r.Key, &r.Partition, &r.PayloadType, &r.Payload, &ctxData,
		&status, &r.CreatedAt, &completedAt, &r.FailureCount, &nextAttemptAt, &lastError)
	if err != nil {
		return nil, fmt.Errorf("error scanning outbox record: %w", err)
	}

	r.Status = record.Status(status)
	if completedAt.Valid {
		t := completedAt.Time
		r.CompletedAt = &t
	}
	if nextAttemptAt.Valid {
		t := nextAttemptAt.Time
		r.NextAttemptAt = &t
	}
	r.LastError = lastError.String
	if ctxData.Valid && ctxData.String != "" {
		if err := json.Unmarshal([]byte(ctxData.String), &r.Context); err != nil {
			return nil, fmt.Errorf("error decoding context of record %s: %w", r.ID, err)
		}
	}
	return &r, nil
}

func marshalContext(m map[string]string) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("error encoding record context: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

var _ Store = (*SQLStore)(nil)
