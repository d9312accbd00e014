package exec

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/calderdb/calder/internal/session"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteExecutor writes the mutation log to a SQLite database.
//
// SQLite allows one writer at a time, so the pool is capped at a single
// connection and Execute only buffers; the round-trip happens in
// FlushBatch, one transaction per batch.
type SQLiteExecutor struct {
	db        *sql.DB
	sessionID string

	pending []pendingMutation
	batch   int64
}

type pendingMutation struct {
	seq    int64
	verb   string
	entity string
	table  string
	key    string
	role   string
	spaces string
}

// OpenSQLite creates or opens the mutation log at the given path and
// returns an executor bound to sessionID. Safe to call repeatedly on the
// same path.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
func OpenSQLite(path, sessionID string) (*SQLiteExecutor, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open mutation log: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to mutation log: %w", err)
	}

	// Single writer to avoid SQLITE_BUSY errors.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply mutation log schema: %w", err)
	}

	return &SQLiteExecutor{db: db, sessionID: sessionID}, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// Close flushes nothing: a pending batch that was never flushed is
// discarded, matching transaction-rollback semantics.
func (e *SQLiteExecutor) Close() error {
	if e.db == nil {
		return nil
	}
	return e.db.Close()
}

// Execute buffers one mutation for the next batch.
func (e *SQLiteExecutor) Execute(_ context.Context, m session.Mutation) error {
	e.pending = append(e.pending, pendingMutation{
		seq:    m.Seq,
		verb:   string(m.Verb),
		entity: m.EntityName,
		table:  m.Table,
		key:    m.Key,
		role:   m.Role,
		spaces: strings.Join(m.Spaces, ","),
	})
	return nil
}

// FlushBatch writes every buffered mutation in one transaction. An empty
// buffer is a no-op and does not advance the batch counter.
func (e *SQLiteExecutor) FlushBatch(ctx context.Context) error {
	if len(e.pending) == 0 {
		return nil
	}
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO mutation_log
		(session_id, seq, verb, entity_name, table_name, row_key, role, query_spaces, batch)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch insert: %w", err)
	}
	defer stmt.Close()

	for _, p := range e.pending {
		if _, err := stmt.ExecContext(ctx,
			e.sessionID, p.seq, p.verb, p.entity, p.table, p.key, p.role, p.spaces, e.batch,
		); err != nil {
			return fmt.Errorf("write mutation seq %d: %w", p.seq, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	e.pending = e.pending[:0]
	e.batch++
	return nil
}

// LoggedMutation is one replayed row of the mutation log.
type LoggedMutation struct {
	Seq        int64
	Verb       string
	EntityName string
	Table      string
	Key        string
	Role       string
	Spaces     []string
	Batch      int64
}

// ReadLog returns the session's logged mutations in seq order.
func (e *SQLiteExecutor) ReadLog(ctx context.Context) ([]LoggedMutation, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT seq, verb, entity_name, table_name, row_key, role, query_spaces, batch
		FROM mutation_log
		WHERE session_id = ?
		ORDER BY seq
	`, e.sessionID)
	if err != nil {
		return nil, fmt.Errorf("read mutation log: %w", err)
	}
	defer rows.Close()

	var out []LoggedMutation
	for rows.Next() {
		var m LoggedMutation
		var spaces string
		if err := rows.Scan(&m.Seq, &m.Verb, &m.EntityName, &m.Table, &m.Key, &m.Role, &spaces, &m.Batch); err != nil {
			return nil, fmt.Errorf("scan mutation log row: %w", err)
		}
		if spaces != "" {
			m.Spaces = strings.Split(spaces, ",")
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read mutation log: %w", err)
	}
	return out, nil
}
