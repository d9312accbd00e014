package exec

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calderdb/calder/internal/session"
)

func openTestExecutor(t *testing.T, sessionID string) *SQLiteExecutor {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mutations.db")
	e, err := OpenSQLite(path, sessionID)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func TestSQLiteExecutorFlushWritesBatch(t *testing.T) {
	ctx := context.Background()
	e := openTestExecutor(t, "s1")

	require.NoError(t, e.Execute(ctx, session.Mutation{
		Verb: session.VerbInsert, EntityName: "Order", Table: "orders",
		Key: "o1", Spaces: []string{"orders"}, Seq: 1,
	}))
	require.NoError(t, e.Execute(ctx, session.Mutation{
		Verb: session.VerbUpdate, EntityName: "Order", Table: "orders",
		Key: "o2", Spaces: []string{"orders"}, Seq: 2,
	}))
	require.NoError(t, e.FlushBatch(ctx))

	log, err := e.ReadLog(ctx)
	require.NoError(t, err)
	require.Len(t, log, 2)
	assert.Equal(t, "insert", log[0].Verb)
	assert.Equal(t, int64(1), log[0].Seq)
	assert.Equal(t, []string{"orders"}, log[0].Spaces)
	assert.Equal(t, "update", log[1].Verb)
	assert.Equal(t, log[0].Batch, log[1].Batch)
}

func TestSQLiteExecutorEmptyFlushIsNoOp(t *testing.T) {
	ctx := context.Background()
	e := openTestExecutor(t, "s1")

	require.NoError(t, e.FlushBatch(ctx))

	require.NoError(t, e.Execute(ctx, session.Mutation{
		Verb: session.VerbDelete, EntityName: "Order", Table: "orders", Key: "o1", Seq: 1,
	}))
	require.NoError(t, e.FlushBatch(ctx))

	log, err := e.ReadLog(ctx)
	require.NoError(t, err)
	require.Len(t, log, 1)
	// The empty flush must not have advanced the batch counter.
	assert.Equal(t, int64(0), log[0].Batch)
}

func TestSQLiteExecutorBatchBoundaries(t *testing.T) {
	ctx := context.Background()
	e := openTestExecutor(t, "s1")

	require.NoError(t, e.Execute(ctx, session.Mutation{
		Verb: session.VerbInsert, EntityName: "A", Table: "a", Key: "1", Seq: 1,
	}))
	require.NoError(t, e.FlushBatch(ctx))
	require.NoError(t, e.Execute(ctx, session.Mutation{
		Verb: session.VerbInsert, EntityName: "B", Table: "b", Key: "2", Seq: 2,
	}))
	require.NoError(t, e.FlushBatch(ctx))

	log, err := e.ReadLog(ctx)
	require.NoError(t, err)
	require.Len(t, log, 2)
	assert.Equal(t, int64(0), log[0].Batch)
	assert.Equal(t, int64(1), log[1].Batch)
}

func TestSQLiteExecutorSessionsAreIsolated(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "mutations.db")

	e1, err := OpenSQLite(path, "s1")
	require.NoError(t, err)
	defer e1.Close()
	require.NoError(t, e1.Execute(ctx, session.Mutation{
		Verb: session.VerbInsert, EntityName: "A", Table: "a", Key: "1", Seq: 1,
	}))
	require.NoError(t, e1.FlushBatch(ctx))
	require.NoError(t, e1.Close())

	e2, err := OpenSQLite(path, "s2")
	require.NoError(t, err)
	defer e2.Close()
	require.NoError(t, e2.Execute(ctx, session.Mutation{
		Verb: session.VerbInsert, EntityName: "B", Table: "b", Key: "2", Seq: 1,
	}))
	require.NoError(t, e2.FlushBatch(ctx))

	log, err := e2.ReadLog(ctx)
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.Equal(t, "B", log[0].EntityName)
}

func TestSQLiteExecutorDuplicateSeqRejected(t *testing.T) {
	ctx := context.Background()
	e := openTestExecutor(t, "s1")

	require.NoError(t, e.Execute(ctx, session.Mutation{
		Verb: session.VerbInsert, EntityName: "A", Table: "a", Key: "1", Seq: 7,
	}))
	require.NoError(t, e.FlushBatch(ctx))

	require.NoError(t, e.Execute(ctx, session.Mutation{
		Verb: session.VerbInsert, EntityName: "A", Table: "a", Key: "2", Seq: 7,
	}))
	err := e.FlushBatch(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "seq 7")
}
