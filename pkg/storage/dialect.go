package storage

import (
	"fmt"
	"strconv"
	"strings"
)

// Dialect abstracts over the SQL differences between the supported backends:
// placeholder style, identifier quoting, idempotent-insert form and DDL.
// Queries in this package are written with '?' placeholders and rebound for
// backends that use positional parameters.
type Dialect interface {
	Name() string
	Driver() string
	QuoteIdent(ident string) string
	Rebind(query string) string
	InsertIgnore(table string, columns []string, conflictColumn string) string
	SchemaDDL(recordsTable, instancesTable string) []string
}

// DialectForDriver maps a database/sql driver name to its dialect.
func DialectForDriver(driver string) (Dialect, error) {
	switch driver {
	case "pgx", "postgres":
		return PostgresDialect{}, nil
	case "mysql":
		return MySQLDialect{}, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q (supported: pgx, mysql)", driver)
	}
}

// PostgresDialect targets PostgreSQL through the pgx stdlib driver.
type PostgresDialect struct{}

func (PostgresDialect) Name() string   { return "postgres" }
func (PostgresDialect) Driver() string { return "pgx" }

func (PostgresDialect) QuoteIdent(ident string) string {
	return `"` + ident + `"`
}

// Rebind rewrites '?' placeholders into $1..$n.
func (PostgresDialect) Rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (d PostgresDialect) InsertIgnore(table string, columns []string, conflictColumn string) string {
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO NOTHING",
		table, quoteAll(d, columns), placeholders(len(columns)), d.QuoteIdent(conflictColumn))
}

func (d PostgresDialect) SchemaDDL(recordsTable, instancesTable string) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	%s TEXT PRIMARY KEY,
	%s TEXT NOT NULL,
	%s INT NOT NULL,
	%s TEXT NOT NULL,
	%s TEXT NOT NULL,
	%s TEXT,
	%s TEXT NOT NULL,
	%s TIMESTAMPTZ NOT NULL,
	%s TIMESTAMPTZ,
	%s INT NOT NULL DEFAULT 0,
	%s TIMESTAMPTZ,
	%s VARCHAR(512)
)`, recordsTable,
			d.QuoteIdent("id"), d.QuoteIdent("key"), d.QuoteIdent("partition"),
			d.QuoteIdent("payload_type"), d.QuoteIdent("payload"), d.QuoteIdent("context"),
			d.QuoteIdent("status"), d.QuoteIdent("created_at"), d.QuoteIdent("completed_at"),
			d.QuoteIdent("failure_count"), d.QuoteIdent("next_attempt_at"), d.QuoteIdent("last_error")),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (%s, %s, %s)`,
			indexName(recordsTable, "due"), recordsTable,
			d.QuoteIdent("partition"), d.QuoteIdent("status"), d.QuoteIdent("next_attempt_at")),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (%s, %s)`,
			indexName(recordsTable, "key"), recordsTable,
			d.QuoteIdent("key"), d.QuoteIdent("created_at")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	%s TEXT PRIMARY KEY,
	%s TEXT NOT NULL,
	%s INT NOT NULL,
	%s TEXT NOT NULL,
	%s TIMESTAMPTZ NOT NULL,
	%s TIMESTAMPTZ NOT NULL
)`, instancesTable,
			d.QuoteIdent("instance_id"), d.QuoteIdent("host"), d.QuoteIdent("port"),
			d.QuoteIdent("status"), d.QuoteIdent("started_at"), d.QuoteIdent("last_heartbeat")),
	}
}

// MySQLDialect targets MySQL through go-sql-driver. DSNs must enable
// parseTime so DATETIME columns scan into time.Time.
type MySQLDialect struct{}

func (MySQLDialect) Name() string   { return "mysql" }
func (MySQLDialect) Driver() string { return "mysql" }

func (MySQLDialect) QuoteIdent(ident string) string {
	return "`" + ident + "`"
}

func (MySQLDialect) Rebind(query string) string { return query }

func (d MySQLDialect) InsertIgnore(table string, columns []string, _ string) string {
	return fmt.Sprintf("INSERT IGNORE INTO %s (%s) VALUES (%s)",
		table, quoteAll(d, columns), placeholders(len(columns)))
}

func (d MySQLDialect) SchemaDDL(recordsTable, instancesTable string) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	%s VARCHAR(191) PRIMARY KEY,
	%s VARCHAR(191) NOT NULL,
	%s INT NOT NULL,
	%s VARCHAR(255) NOT NULL,
	%s TEXT NOT NULL,
	%s TEXT,
	%s VARCHAR(16) NOT NULL,
	%s DATETIME(6) NOT NULL,
	%s DATETIME(6) NULL,
	%s INT NOT NULL DEFAULT 0,
	%s DATETIME(6) NULL,
	%s VARCHAR(512) NULL,
	INDEX %s (%s, %s, %s),
	INDEX %s (%s, %s)
)`, recordsTable,
			d.QuoteIdent("id"), d.QuoteIdent("key"), d.QuoteIdent("partition"),
			d.QuoteIdent("payload_type"), d.QuoteIdent("payload"), d.QuoteIdent("context"),
			d.QuoteIdent("status"), d.QuoteIdent("created_at"), d.QuoteIdent("completed_at"),
			d.QuoteIdent("failure_count"), d.QuoteIdent("next_attempt_at"), d.QuoteIdent("last_error"),
			indexName(recordsTable, "due"), d.QuoteIdent("partition"), d.QuoteIdent("status"), d.QuoteIdent("next_attempt_at"),
			indexName(recordsTable, "key"), d.QuoteIdent("key"), d.QuoteIdent("created_at")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	%s VARCHAR(191) PRIMARY KEY,
	%s VARCHAR(255) NOT NULL,
	%s INT NOT NULL,
	%s VARCHAR(16) NOT NULL,
	%s DATETIME(6) NOT NULL,
	%s DATETIME(6) NOT NULL
)`, instancesTable,
			d.QuoteIdent("instance_id"), d.QuoteIdent("host"), d.QuoteIdent("port"),
			d.QuoteIdent("status"), d.QuoteIdent("started_at"), d.QuoteIdent("last_heartbeat")),
	}
}

func quoteAll(d Dialect, idents []string) string {
	quoted := make([]string, len(idents))
	for i, ident := range idents {
		quoted[i] = d.QuoteIdent(ident)
	}
	return strings.Join(quoted, ", ")
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func indexName(table, suffix string) string {
	return "idx_" + strings.NewReplacer(".", "_", `"`, "", "`", "").Replace(table) + "_" + suffix
}
