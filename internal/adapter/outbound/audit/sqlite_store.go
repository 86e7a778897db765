// Package audit persists filter decisions. The SQLite store is the durable
// backend; the memory store backs deployments that run without a database
// file and keeps only a bounded recent window.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mcpwire/mcpwire/internal/domain/audit"
)

// defaultQueryLimit bounds queries that do not set their own limit.
const defaultQueryLimit = 100

// maxQueryLimit is the absolute cap regardless of the caller's limit.
const maxQueryLimit = 1000

const schema = `
CREATE TABLE IF NOT EXISTS filter_audit (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	ts            INTEGER NOT NULL,
	session_id    TEXT NOT NULL DEFAULT '',
	filter_name   TEXT NOT NULL,
	action        TEXT NOT NULL,
	reason        TEXT NOT NULL DEFAULT '',
	direction     TEXT NOT NULL,
	method        TEXT NOT NULL DEFAULT '',
	original_hash TEXT NOT NULL,
	filtered_hash TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_filter_audit_ts ON filter_audit(ts);
CREATE INDEX IF NOT EXISTS idx_filter_audit_session ON filter_audit(session_id);
`

// SQLiteStore implements audit.Store on an embedded SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens or creates the database at path and ensures the
// schema. WAL mode keeps appends from blocking concurrent queries.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	// The driver serializes writes; a single connection avoids SQLITE_BUSY
	// churn under concurrent appends.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply audit schema: %w", err)
	}
	return &SQLiteStore{db: db, logger: logger}, nil
}

// Append implements audit.Store. All records land in one transaction.
func (s *SQLiteStore) Append(ctx context.Context, records ...audit.Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin audit append: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO filter_audit
		(ts, session_id, filter_name, action, reason, direction, method, original_hash, filtered_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare audit insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		ts := r.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		_, err := stmt.ExecContext(ctx, ts.UnixMicro(), r.SessionID, r.FilterName,
			r.Action, r.Reason, r.Direction, r.Method,
			hashText(r.OriginalHash), hashText(r.FilteredHash))
		if err != nil {
			return fmt.Errorf("insert audit record: %w", err)
		}
	}
	return tx.Commit()
}

// Query implements audit.Store.
func (s *SQLiteStore) Query(ctx context.Context, f audit.Filter) ([]audit.Record, error) {
	var (
		conds []string
		args  []any
	)
	if f.SessionID != "" {
		conds = append(conds, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.FilterName != "" {
		conds = append(conds, "filter_name = ?")
		args = append(args, f.FilterName)
	}
	if f.Action != "" {
		conds = append(conds, "action = ?")
		args = append(args, f.Action)
	}
	if !f.Since.IsZero() {
		conds = append(conds, "ts >= ?")
		args = append(args, f.Since.UnixMicro())
	}

	q := "SELECT id, ts, session_id, filter_name, action, reason, direction, method, original_hash, filtered_hash FROM filter_audit"
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY id DESC LIMIT ?"
	args = append(args, clampLimit(f.Limit))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	defer rows.Close()

	var out []audit.Record
	for rows.Next() {
		var (
			r      audit.Record
			ts     int64
			oh, fh string
		)
		if err := rows.Scan(&r.ID, &ts, &r.SessionID, &r.FilterName, &r.Action,
			&r.Reason, &r.Direction, &r.Method, &oh, &fh); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		r.Timestamp = time.UnixMicro(ts)
		r.OriginalHash = hashValue(oh)
		r.FilteredHash = hashValue(fh)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close implements audit.Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func clampLimit(n int) int {
	switch {
	case n <= 0:
		return defaultQueryLimit
	case n > maxQueryLimit:
		return maxQueryLimit
	}
	return n
}

// hashText renders a content hash for storage. Hex text sidesteps the
// int64 sign flip a raw uint64 column would take.
func hashText(h uint64) string {
	if h == 0 {
		return ""
	}
	return fmt.Sprintf("%016x", h)
}

func hashValue(s string) uint64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0
	}
	return v
}
