package action

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calderdb/calder/internal/meta"
	"github.com/calderdb/calder/internal/session"
)

func sortModel(t *testing.T) *meta.Model {
	t.Helper()
	model, err := meta.NewModel(
		&meta.Entity{Name: "A", Table: "a"},
		&meta.Entity{Name: "B", Table: "b", Properties: []meta.Property{
			{Name: "a", Kind: meta.KindToOne, Target: "A", FK: meta.FKFromParent},
		}},
		&meta.Entity{Name: "Owner", Table: "owners", Properties: []meta.Property{
			{Name: "pets", Kind: meta.KindCollection, Target: "Pet", Role: "Owner.pets"},
			{Name: "groups", Kind: meta.KindCollection, Target: "Group", Role: "Owner.groups", ManyToMany: true, CollectionTable: "owner_groups"},
		}},
		&meta.Entity{Name: "Pet", Table: "pets"},
		&meta.Entity{Name: "Group", Table: "groups"},
		&meta.Entity{Name: "Card", Table: "cards", Properties: []meta.Property{
			{Name: "details", Kind: meta.KindToOne, Target: "Details", FK: meta.FKToParent},
		}},
		&meta.Entity{Name: "Details", Table: "details"},
		&meta.Entity{Name: "X", Table: "x", Properties: []meta.Property{
			{Name: "y", Kind: meta.KindToOne, Target: "Y", FK: meta.FKFromParent},
		}},
		&meta.Entity{Name: "Y", Table: "y", Properties: []meta.Property{
			{Name: "x", Kind: meta.KindToOne, Target: "X", FK: meta.FKFromParent},
		}},
	)
	require.NoError(t, err)
	return model
}

func sortHarness(t *testing.T) (*session.Session, *meta.Model, *insertSorter) {
	t.Helper()
	model := sortModel(t)
	s := session.New(session.Options{Executor: session.NewMemoryExecutor()})
	return s, model, newInsertSorter(model, slog.Default())
}

func insertOf(s *session.Session, model *meta.Model, entity, id string) *EntityInsertAction {
	return NewEntityInsertAction(s, session.NewInstanceWithID(entity, id), model.Entity(entity))
}

func entityNames(ops []Operation) []string {
	out := make([]string, 0, len(ops))
	for _, op := range ops {
		out = append(out, op.EntityName())
	}
	return out
}

func TestSortKeepsSameEntityGroupsContiguous(t *testing.T) {
	s, model, sorter := sortHarness(t)
	ops := []Operation{
		insertOf(s, model, "A", "a1"),
		insertOf(s, model, "B", "b1"),
		insertOf(s, model, "A", "a2"),
		insertOf(s, model, "B", "b2"),
	}
	sorted := sorter.sort(ops)
	assert.Equal(t, []string{"A", "A", "B", "B"}, entityNames(sorted))
}

func TestSortMovesReferencedGroupFirst(t *testing.T) {
	s, model, sorter := sortHarness(t)
	a := session.NewInstanceWithID("A", "a1")
	b := session.NewInstanceWithID("B", "b1")
	b.Set("a", a)
	ops := []Operation{
		NewEntityInsertAction(s, b, model.Entity("B")),
		NewEntityInsertAction(s, a, model.Entity("A")),
	}
	sorted := sorter.sort(ops)
	assert.Equal(t, []string{"A", "B"}, entityNames(sorted))
}

func TestSortTreatsInverseKeyReferenceAsChild(t *testing.T) {
	s, model, sorter := sortHarness(t)
	details := session.NewInstanceWithID("Details", "d1")
	card := session.NewInstanceWithID("Card", "c1")
	card.Set("details", details)

	// The details row carries the key back to the card, so the card's
	// group must come first even though details was queued first.
	ops := []Operation{
		NewEntityInsertAction(s, details, model.Entity("Details")),
		NewEntityInsertAction(s, card, model.Entity("Card")),
	}
	sorted := sorter.sort(ops)
	assert.Equal(t, []string{"Card", "Details"}, entityNames(sorted))
}

func TestSortOrdersCollectionElementsAfterOwner(t *testing.T) {
	s, model, sorter := sortHarness(t)
	owner := session.NewInstanceWithID("Owner", "o1")
	pet := session.NewInstanceWithID("Pet", "p1")
	col := session.NewCollection("Owner.pets", owner)
	col.Add(pet)
	owner.Set("pets", col)

	ops := []Operation{
		NewEntityInsertAction(s, pet, model.Entity("Pet")),
		NewEntityInsertAction(s, owner, model.Entity("Owner")),
	}
	sorted := sorter.sort(ops)
	assert.Equal(t, []string{"Owner", "Pet"}, entityNames(sorted))
}

func TestSortIgnoresManyToManyCollections(t *testing.T) {
	s, model, sorter := sortHarness(t)
	owner := session.NewInstanceWithID("Owner", "o1")
	group := session.NewInstanceWithID("Group", "g1")
	col := session.NewCollection("Owner.groups", owner)
	col.Add(group)
	owner.Set("groups", col)

	ops := []Operation{
		NewEntityInsertAction(s, group, model.Entity("Group")),
		NewEntityInsertAction(s, owner, model.Entity("Owner")),
	}
	sorted := sorter.sort(ops)
	// No edge through the association table: queue order stands.
	assert.Equal(t, []string{"Group", "Owner"}, entityNames(sorted))
}

func TestSortToleratesMutualReferences(t *testing.T) {
	s, model, sorter := sortHarness(t)
	x := session.NewInstanceWithID("X", "x1")
	y := session.NewInstanceWithID("Y", "y1")
	x.Set("y", y)
	y.Set("x", x)

	ops := []Operation{
		NewEntityInsertAction(s, x, model.Entity("X")),
		NewEntityInsertAction(s, y, model.Entity("Y")),
	}
	sorted := sorter.sort(ops)
	// A cycle cannot be ordered; the sort must terminate and keep every
	// operation.
	require.Len(t, sorted, 2)
	assert.ElementsMatch(t, []string{"X", "Y"}, entityNames(sorted))
}

func TestSortBailsOutOnForeignOperationKind(t *testing.T) {
	s, model, sorter := sortHarness(t)
	ops := []Operation{
		NewEntityUpdateAction(s, session.NewInstanceWithID("A", "a1"), model.Entity("A")),
		insertOf(s, model, "B", "b1"),
	}
	sorted := sorter.sort(ops)
	assert.Equal(t, []string{"A", "B"}, entityNames(sorted))
}
