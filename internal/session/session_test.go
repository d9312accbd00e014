package session

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type denyAll struct{}

func (denyAll) VetoInsert(*Instance) bool { return true }

func TestNewSessionAssignsTimeSortableID(t *testing.T) {
	s := New(Options{})
	id, err := uuid.Parse(s.ID())
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), id.Version())
	assert.NotEqual(t, s.ID(), New(Options{}).ID())
}

func TestIsTransient(t *testing.T) {
	s := New(Options{})

	assert.False(t, s.IsTransient(nil))

	// Untracked: identity decides.
	assert.True(t, s.IsTransient(NewInstance("Order")))
	assert.False(t, s.IsTransient(NewInstanceWithID("Order", "o1")))

	// Tracked: the entry status decides, identity or not.
	saving := NewInstance("Order")
	s.Context().Track(saving, StatusSaving)
	assert.False(t, s.IsTransient(saving))

	deleted := NewInstanceWithID("Order", "o2")
	s.Context().Track(deleted, StatusDeleted)
	assert.False(t, s.IsTransient(deleted))

	gone := NewInstanceWithID("Order", "o3")
	s.Context().Track(gone, StatusGone)
	assert.True(t, s.IsTransient(gone))
}

func TestVetoInsertDefaultsToNoVeto(t *testing.T) {
	assert.False(t, New(Options{}).VetoInsert(NewInstance("Order")))
	assert.True(t, New(Options{Vetoer: denyAll{}}).VetoInsert(NewInstance("Order")))
}

func TestSessionCarriesConfigAndCollaborators(t *testing.T) {
	mem := NewMemoryExecutor()
	cfg := Config{OrderInserts: true, QueryCacheEnabled: true}
	s := New(Options{Config: cfg, Executor: mem})

	assert.Equal(t, cfg, s.Config())
	assert.NotNil(t, s.Logger())
	assert.Nil(t, s.Cache())
	if exec, ok := s.Executor().(*MemoryExecutor); assert.True(t, ok) {
		assert.Same(t, mem, exec)
	}
}

func TestMemoryExecutorRecordsInOrder(t *testing.T) {
	mem := NewMemoryExecutor()
	ctx := context.Background()

	require.NoError(t, mem.Execute(ctx, Mutation{Verb: VerbInsert, EntityName: "Order", Seq: 1}))
	require.NoError(t, mem.Execute(ctx, Mutation{Verb: VerbDelete, EntityName: "Line", Seq: 2}))
	require.NoError(t, mem.FlushBatch(ctx))

	muts := mem.Mutations()
	require.Len(t, muts, 2)
	assert.Equal(t, VerbInsert, muts[0].Verb)
	assert.Equal(t, VerbDelete, muts[1].Verb)
	assert.Equal(t, 1, mem.Batches())

	// The returned slice is a copy.
	muts[0].EntityName = "tampered"
	assert.Equal(t, "Order", mem.Mutations()[0].EntityName)
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "managed", StatusManaged.String())
	assert.Equal(t, "deleted", StatusDeleted.String())
	assert.Equal(t, "gone", StatusGone.String())
	assert.Equal(t, "saving", StatusSaving.String())
	assert.Equal(t, "Status(42)", Status(42).String())
}
