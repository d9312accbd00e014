// Package exec provides the SQL-backed statement executors. Both back the
// same contract: Execute buffers one mutation, FlushBatch writes the whole
// buffer to the database in a single transaction and appends it to the
// durable mutation log.
//
// The mutation log is append-only. Replaying it in seq order reconstructs
// the write-side history of a session, which is what the plan and validate
// commands consume.
package exec

import "github.com/calderdb/calder/internal/session"

// Compile-time checks that both backends satisfy the executor contract.
var (
	_ session.StatementExecutor = (*SQLiteExecutor)(nil)
	_ session.StatementExecutor = (*PostgresExecutor)(nil)
)
