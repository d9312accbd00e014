package action

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calderdb/calder/internal/meta"
	"github.com/calderdb/calder/internal/session"
)

func docModel(t *testing.T) *meta.Model {
	t.Helper()
	model, err := meta.NewModel(
		&meta.Entity{Name: "Person", Table: "people"},
		&meta.Entity{Name: "Doc", Table: "docs", Properties: []meta.Property{
			{Name: "author", Kind: meta.KindToOne, Target: "Person", FK: meta.FKFromParent},
			{Name: "reviewer", Kind: meta.KindToOne, Target: "Person", FK: meta.FKFromParent, Nullable: true},
			{Name: "publishing", Kind: meta.KindComposite, Sub: []meta.Property{
				{Name: "editor", Kind: meta.KindToOne, Target: "Person", FK: meta.FKFromParent},
			}},
		}},
	)
	require.NoError(t, err)
	return model
}

func TestTransientDependenciesCollectsRequiredReferences(t *testing.T) {
	model := docModel(t)
	s := session.New(session.Options{Executor: session.NewMemoryExecutor()})

	author := session.NewInstance("Person")
	reviewer := session.NewInstance("Person")
	editor := session.NewInstance("Person")

	doc := session.NewInstance("Doc")
	doc.Set("author", author)
	doc.Set("reviewer", reviewer)
	doc.Set("publishing", map[string]any{"editor": editor})

	ins := NewEntityInsertAction(s, doc, model.Entity("Doc"))
	deps := ins.TransientDependencies()
	require.Len(t, deps, 2)
	assert.Equal(t, "author", deps[author])
	assert.Equal(t, "publishing.editor", deps[editor])
	// Nullable references never block: the column can be written null now.
	// Checked by pointer key: testify's NotContains deep-equals map keys,
	// and the empty reviewer instance would alias the empty author one.
	_, ok := deps[reviewer]
	assert.False(t, ok)
}

func TestTransientDependenciesSkipsPersistentAndProxiedReferences(t *testing.T) {
	model := docModel(t)
	s := session.New(session.Options{Executor: session.NewMemoryExecutor()})

	persistent := session.NewInstanceWithID("Person", "p1")
	s.Context().Track(persistent, session.StatusManaged)

	doc := session.NewInstance("Doc")
	doc.Set("author", persistent)
	doc.Set("publishing", map[string]any{"editor": session.NewProxy("Person", "p2")})

	ins := NewEntityInsertAction(s, doc, model.Entity("Doc"))
	assert.Nil(t, ins.TransientDependencies())
}

func TestTransientDependenciesSeesThroughInitializedProxy(t *testing.T) {
	model := docModel(t)
	s := session.New(session.Options{Executor: session.NewMemoryExecutor()})

	author := session.NewInstance("Person")
	doc := session.NewInstance("Doc")
	doc.Set("author", session.NewInitializedProxy(author))

	ins := NewEntityInsertAction(s, doc, model.Entity("Doc"))
	deps := ins.TransientDependencies()
	require.Len(t, deps, 1)
	assert.Equal(t, "author", deps[author])
}

func TestStampKeepsFirstSequenceAndKey(t *testing.T) {
	model := docModel(t)
	s := session.New(session.Options{Executor: session.NewMemoryExecutor()})

	ins := NewEntityInsertAction(s, session.NewInstance("Person"), model.Entity("Person"))
	ins.stamp(3, NewFixedKeySource("k1"))
	require.Equal(t, int64(3), ins.Seq())
	require.Equal(t, "k1", ins.ComparisonKey())

	// Re-submission through the unresolved tracker keeps the original stamp.
	ins.stamp(9, NewFixedKeySource("k2"))
	assert.Equal(t, int64(3), ins.Seq())
	assert.Equal(t, "k1", ins.ComparisonKey())
}

func TestStampUsesAssignedIdentifierAsKey(t *testing.T) {
	model := docModel(t)
	s := session.New(session.Options{Executor: session.NewMemoryExecutor()})

	ins := NewEntityInsertAction(s, session.NewInstanceWithID("Person", "p1"), model.Entity("Person"))
	ins.stamp(1, nil)
	assert.Equal(t, "p1", ins.ComparisonKey())
}

func TestInsertExecuteAssignsIdentityAndTracksInstance(t *testing.T) {
	model := docModel(t)
	mem := session.NewMemoryExecutor()
	s := session.New(session.Options{Executor: mem})

	person := session.NewInstance("Person")
	ins := NewEntityInsertAction(s, person, model.Entity("Person"))
	ins.stamp(1, NewFixedKeySource("surrogate"))

	require.NoError(t, ins.Execute(context.Background()))
	assert.True(t, ins.Executed())
	assert.Equal(t, "surrogate", person.ID())

	entry := s.Context().Entry(person)
	require.NotNil(t, entry)
	assert.Equal(t, session.StatusManaged, entry.Status)
	assert.True(t, entry.ExistsInDB)

	muts := mem.Mutations()
	require.Len(t, muts, 1)
	assert.Equal(t, session.VerbInsert, muts[0].Verb)
	assert.Equal(t, "people", muts[0].Table)
	assert.Equal(t, "surrogate", muts[0].Key)
	assert.Equal(t, int64(1), muts[0].Seq)
}

func TestInsertExecuteTwiceIsInvariantViolation(t *testing.T) {
	model := docModel(t)
	s := session.New(session.Options{Executor: session.NewMemoryExecutor()})

	ins := NewEntityInsertAction(s, session.NewInstanceWithID("Person", "p1"), model.Entity("Person"))
	ins.stamp(1, nil)
	require.NoError(t, ins.Execute(context.Background()))

	err := ins.Execute(context.Background())
	require.Error(t, err)
	assert.True(t, IsInvariantViolation(err))
}

func TestVetoedInsertExecuteIsInvariantViolation(t *testing.T) {
	model := docModel(t)
	s := session.New(session.Options{Executor: session.NewMemoryExecutor()})

	ins := NewEntityInsertAction(s, session.NewInstanceWithID("Person", "p1"), model.Entity("Person"))
	ins.MarkVetoed()

	err := ins.Execute(context.Background())
	require.Error(t, err)
	assert.True(t, IsInvariantViolation(err))
	assert.False(t, ins.Executed())
}

func TestExecuteWithoutExecutorIsInvariantViolation(t *testing.T) {
	model := docModel(t)
	s := session.New(session.Options{})

	ins := NewEntityInsertAction(s, session.NewInstanceWithID("Person", "p1"), model.Entity("Person"))
	err := ins.Execute(context.Background())
	require.Error(t, err)
	assert.True(t, IsInvariantViolation(err))
}

func TestDeleteExecuteMarksInstanceGone(t *testing.T) {
	model := docModel(t)
	mem := session.NewMemoryExecutor()
	s := session.New(session.Options{Executor: mem})

	person := session.NewInstanceWithID("Person", "p1")
	s.Context().TrackLoaded(person, nil)

	del := NewEntityDeleteAction(s, person, model.Entity("Person"))
	del.stamp(1, nil)
	require.NoError(t, del.Execute(context.Background()))

	entry := s.Context().Entry(person)
	require.NotNil(t, entry)
	assert.Equal(t, session.StatusGone, entry.Status)
	assert.False(t, entry.ExistsInDB)
	assert.True(t, s.IsTransient(person))

	muts := mem.Mutations()
	require.Len(t, muts, 1)
	assert.Equal(t, session.VerbDelete, muts[0].Verb)

	err := del.Execute(context.Background())
	require.Error(t, err)
	assert.True(t, IsInvariantViolation(err))
}

func TestUpdateExecuteTwiceIsInvariantViolation(t *testing.T) {
	model := docModel(t)
	s := session.New(session.Options{Executor: session.NewMemoryExecutor()})

	upd := NewEntityUpdateAction(s, session.NewInstanceWithID("Person", "p1"), model.Entity("Person"))
	upd.stamp(1, nil)
	require.NoError(t, upd.Execute(context.Background()))

	err := upd.Execute(context.Background())
	require.Error(t, err)
	assert.True(t, IsInvariantViolation(err))
}

func TestOrphanRemovalIsADeleteInItsOwnCategory(t *testing.T) {
	model := docModel(t)
	mem := session.NewMemoryExecutor()
	s := session.New(session.Options{Executor: mem})

	person := session.NewInstanceWithID("Person", "p1")
	orphan := NewOrphanRemovalAction(s, person, model.Entity("Person"))
	assert.Equal(t, KindOrphanRemove, orphan.Kind())

	orphan.stamp(1, nil)
	require.NoError(t, orphan.Execute(context.Background()))
	muts := mem.Mutations()
	require.Len(t, muts, 1)
	assert.Equal(t, session.VerbDelete, muts[0].Verb)
	assert.Equal(t, session.StatusGone, s.Context().Entry(person).Status)
}

func TestCollectionRemovePrepareCapturesSnapshotState(t *testing.T) {
	s := session.New(session.Options{Executor: session.NewMemoryExecutor()})
	owner := session.NewInstanceWithID("Owner", "o1")

	fresh := NewCollectionRemoveAction(s, session.NewCollection("Owner.tags", owner), []string{"tags"})
	require.NoError(t, fresh.Prepare(context.Background()))
	assert.True(t, fresh.EmptySnapshot())

	loaded := NewCollectionRemoveAction(s,
		session.NewLoadedCollection("Owner.labels", owner, []*session.Instance{session.NewInstanceWithID("Label", "l1")}),
		[]string{"labels"})
	require.NoError(t, loaded.Prepare(context.Background()))
	assert.False(t, loaded.EmptySnapshot())
}

func TestCollectionActionStampUsesOwnerIdentifier(t *testing.T) {
	s := session.New(session.Options{Executor: session.NewMemoryExecutor()})

	owned := NewCollectionUpdateAction(s,
		session.NewCollection("Owner.tags", session.NewInstanceWithID("Owner", "o1")), []string{"tags"})
	owned.stamp(1, nil)
	assert.Equal(t, "Owner.tags/o1", owned.ComparisonKey())

	transient := NewCollectionUpdateAction(s,
		session.NewCollection("Owner.tags2", session.NewInstance("Owner")), []string{"tags2"})
	transient.stamp(2, NewFixedKeySource("surr"))
	assert.Equal(t, "Owner.tags2/surr", transient.ComparisonKey())
}

func TestCollectionExecuteTwiceIsInvariantViolation(t *testing.T) {
	mem := session.NewMemoryExecutor()
	s := session.New(session.Options{Executor: mem})

	col := session.NewCollection("Owner.tags", session.NewInstanceWithID("Owner", "o1"))
	rec := NewCollectionRecreateAction(s, col, []string{"tags"})
	rec.stamp(1, nil)

	require.NoError(t, rec.Execute(context.Background()))
	muts := mem.Mutations()
	require.Len(t, muts, 1)
	assert.Equal(t, session.VerbCollectionCreate, muts[0].Verb)
	assert.Equal(t, "Owner.tags", muts[0].Role)
	assert.Equal(t, "tags", muts[0].Table)

	err := rec.Execute(context.Background())
	require.Error(t, err)
	assert.True(t, IsInvariantViolation(err))
}

func TestQueuedOperationPrepareCapturesOpCount(t *testing.T) {
	s := session.New(session.Options{Executor: session.NewMemoryExecutor()})
	col := session.NewUninitializedCollection("Owner.tags", session.NewInstanceWithID("Owner", "o1"))
	col.QueueOp()
	col.QueueOp()

	qa := NewQueuedOperationCollectionAction(s, col, []string{"tags"})
	require.NoError(t, qa.Prepare(context.Background()))
	assert.Equal(t, 2, qa.ops)

	// Element operations queued after Prepare do not change the captured
	// count.
	col.QueueOp()
	assert.Equal(t, 2, qa.ops)
}
