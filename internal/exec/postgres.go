package exec

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"github.com/calderdb/calder/internal/session"
)

const (
	pgDriver = "pgx"
	// Default DSN allows overrides via the DSN argument or env.
	defaultPostgresDSN = "postgres://localhost/calder?sslmode=disable"
)

const postgresSchema = `CREATE TABLE IF NOT EXISTS mutation_log (
	session_id   TEXT    NOT NULL,
	seq          BIGINT  NOT NULL,
	verb         TEXT    NOT NULL,
	entity_name  TEXT    NOT NULL,
	table_name   TEXT    NOT NULL,
	row_key      TEXT    NOT NULL,
	role         TEXT    NOT NULL DEFAULT '',
	query_spaces TEXT    NOT NULL DEFAULT '',
	batch        BIGINT  NOT NULL,
	PRIMARY KEY (session_id, seq)
)`

// PostgresExecutor writes the mutation log to Postgres through the pgx
// stdlib driver. Same batching contract as SQLiteExecutor: Execute
// buffers, FlushBatch commits one transaction per batch.
type PostgresExecutor struct {
	db        *sql.DB
	sessionID string

	pending []pendingMutation
	batch   int64
}

// OpenPostgres connects to the given DSN (falling back to a local default)
// and ensures the mutation-log table exists.
func OpenPostgres(ctx context.Context, dsn, sessionID string) (*PostgresExecutor, error) {
	if dsn == "" {
		dsn = defaultPostgresDSN
	}
	db, err := sql.Open(pgDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure mutation log table: %w", err)
	}
	return &PostgresExecutor{db: db, sessionID: sessionID}, nil
}

// Close releases the connection pool; a never-flushed pending batch is
// discarded.
func (e *PostgresExecutor) Close() error {
	if e.db == nil {
		return nil
	}
	return e.db.Close()
}

// Execute buffers one mutation for the next batch.
func (e *PostgresExecutor) Execute(_ context.Context, m session.Mutation) error {
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

// FlushBatch writes every buffered mutation in one transaction.
func (e *PostgresExecutor) FlushBatch(ctx context.Context) error {
	if len(e.pending) == 0 {
		return nil
	}
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	defer tx.Rollback()

	for _, p := range e.pending {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO mutation_log
			(session_id, seq, verb, entity_name, table_name, row_key, role, query_spaces, batch)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, e.sessionID, p.seq, p.verb, p.entity, p.table, p.key, p.role, p.spaces, e.batch); err != nil {
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
