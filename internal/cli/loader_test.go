package cli

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calderdb/calder/internal/meta"
	"github.com/calderdb/calder/internal/session"
)

func loadTestFixture(t *testing.T, path string) *meta.Fixture {
	t.Helper()
	f, err := meta.LoadFixture(path)
	require.NoError(t, err)
	return f
}

func TestHarnessRunOrderGraph(t *testing.T) {
	ctx := context.Background()
	f := loadTestFixture(t, "testdata/order_graph.yaml")
	mem := session.NewMemoryExecutor()

	h, err := BuildHarness(f, mem)
	require.NoError(t, err)

	tr, err := h.Run(ctx)
	require.NoError(t, err)

	// Cascade save of the order reaches both lines; the newly built
	// collection adds a recreate.
	require.Len(t, tr.Queued, 4)
	assert.Equal(t, "entity-insert", tr.Queued[0].Kind)
	assert.Equal(t, "Order", tr.Queued[0].Entity)
	assert.Equal(t, "entity-insert", tr.Queued[1].Kind)
	assert.Equal(t, "Line", tr.Queued[1].Entity)
	assert.Equal(t, "collection-recreate", tr.Queued[3].Kind)

	verbs := make([]string, 0, len(tr.Mutations))
	for _, m := range tr.Mutations {
		verbs = append(verbs, m.Verb)
	}
	assert.Equal(t, []string{"insert", "insert", "insert", "collection-create"}, verbs)

	// The flush assigned identity and made the graph persistent.
	order := h.Object("order1")
	require.NotNil(t, order)
	assert.NotEmpty(t, order.ID())
	assert.False(t, h.Session().IsTransient(order))
	assert.False(t, h.Session().IsTransient(h.Object("line1")))
}

func TestHarnessRunUnknownSaveRef(t *testing.T) {
	f := loadTestFixture(t, "testdata/order_graph.yaml")
	f.Save = append(f.Save, "ghost")

	h, err := BuildHarness(f, session.NewMemoryExecutor())
	require.NoError(t, err)

	_, err = h.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown ref ghost")
}

func TestBuildHarnessRejectsUnmappedEntity(t *testing.T) {
	f := loadTestFixture(t, "testdata/order_graph.yaml")
	f.Objects = append(f.Objects, meta.ObjectSpec{Ref: "x", Entity: "Nope"})

	_, err := BuildHarness(f, session.NewMemoryExecutor())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unmapped entity Nope")
}

func TestBuildHarnessManagedObjectsAreTracked(t *testing.T) {
	f := loadTestFixture(t, "testdata/order_graph.yaml")
	f.Objects[0].ID = "o1"
	f.Objects[0].Managed = true

	h, err := BuildHarness(f, session.NewMemoryExecutor())
	require.NoError(t, err)

	order := h.Object("order1")
	assert.True(t, h.Session().Context().Contains(order))
	assert.False(t, h.Session().IsTransient(order))
}
