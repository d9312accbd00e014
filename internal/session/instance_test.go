package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstanceIdentifierIsStableOnceAssigned(t *testing.T) {
	inst := NewInstance("Order")
	assert.Equal(t, "", inst.ID())

	inst.SetID("o1")
	assert.Equal(t, "o1", inst.ID())

	// Re-assigning the same value is fine; changing it is not.
	inst.SetID("o1")
	assert.Panics(t, func() { inst.SetID("o2") })
}

func TestInstanceGetPathResolvesComposites(t *testing.T) {
	inst := NewInstance("Order")
	inst.Set("sku", "A-1")
	inst.Set("billing", map[string]any{
		"account": "acct-1",
		"address": map[string]any{"city": "Oslo"},
	})

	assert.Equal(t, "A-1", inst.GetPath("sku"))
	assert.Equal(t, "acct-1", inst.GetPath("billing.account"))
	assert.Equal(t, "Oslo", inst.GetPath("billing.address.city"))
	assert.Nil(t, inst.GetPath("billing.missing"))
	assert.Nil(t, inst.GetPath("sku.not.a.composite"))
	assert.Nil(t, inst.GetPath("unset"))
}

func TestInstanceString(t *testing.T) {
	assert.Equal(t, "<nil>", (*Instance)(nil).String())
	assert.Equal(t, "Order#<transient>", NewInstance("Order").String())
	assert.Equal(t, "Order#o1", NewInstanceWithID("Order", "o1").String())
}

func TestUnproxyResolvesValues(t *testing.T) {
	inst := NewInstanceWithID("Order", "o1")

	assert.Same(t, inst, Unproxy(inst))
	assert.Same(t, inst, Unproxy(NewInitializedProxy(inst)))
	assert.Nil(t, Unproxy(NewProxy("Order", "o2")))
	assert.Nil(t, Unproxy(nil))
	assert.Nil(t, Unproxy("not an instance"))
}

func TestProxyInitialization(t *testing.T) {
	p := NewProxy("Order", "o1")
	assert.False(t, p.Initialized())
	assert.Nil(t, p.Target())

	target := NewInstanceWithID("Order", "o1")
	p.Initialize(target)
	assert.True(t, p.Initialized())
	assert.Same(t, target, p.Target())
	assert.Equal(t, "Order", p.EntityName())
	assert.Equal(t, "o1", p.ID())
}

func TestUninitializedCollectionHasNoElements(t *testing.T) {
	owner := NewInstanceWithID("Order", "o1")
	col := NewUninitializedCollection("Order.lines", owner)

	assert.False(t, col.Initialized())
	assert.False(t, col.NewlyInstantiated())
	assert.Nil(t, col.Elements())
	assert.Same(t, owner, col.Owner())
	assert.Equal(t, "Order.lines", col.Role())
}

func TestCollectionAllElementsUnionsLiveAndSnapshot(t *testing.T) {
	owner := NewInstanceWithID("Order", "o1")
	kept := NewInstanceWithID("Line", "l1")
	removed := NewInstanceWithID("Line", "l2")
	added := NewInstance("Line")

	col := NewLoadedCollection("Order.lines", owner, []*Instance{kept, removed})
	col.Remove(removed)
	col.Add(added)

	all := col.AllElements()
	require.Len(t, all, 3)
	// Live first, then snapshot-only, no duplicates.
	assert.Same(t, kept, all[0])
	assert.Same(t, added, all[1])
	assert.Same(t, removed, all[2])
}

func TestCollectionOrphans(t *testing.T) {
	owner := NewInstanceWithID("Order", "o1")
	kept := NewInstanceWithID("Line", "l1")
	dropped := NewInstanceWithID("Line", "l2")

	col := NewLoadedCollection("Order.lines", owner, []*Instance{kept, dropped})
	assert.Empty(t, col.Orphans())

	col.Remove(dropped)
	orphans := col.Orphans()
	require.Len(t, orphans, 1)
	assert.Same(t, dropped, orphans[0])

	// A collection created this session has no loaded state to diff.
	fresh := NewCollection("Order.extras", owner)
	fresh.Add(kept)
	fresh.Remove(kept)
	assert.Nil(t, fresh.Orphans())
	assert.True(t, fresh.NewlyInstantiated())
}

func TestCollectionRemoveIgnoresUnknownElement(t *testing.T) {
	owner := NewInstanceWithID("Order", "o1")
	col := NewCollection("Order.lines", owner)
	elem := NewInstance("Line")
	col.Add(elem)

	col.Remove(NewInstance("Line"))
	assert.Len(t, col.Elements(), 1)

	col.Remove(elem)
	assert.Empty(t, col.Elements())
}

func TestCollectionQueuedOps(t *testing.T) {
	col := NewUninitializedCollection("Order.lines", NewInstanceWithID("Order", "o1"))
	assert.Equal(t, 0, col.QueuedOps())
	col.QueueOp()
	col.QueueOp()
	assert.Equal(t, 2, col.QueuedOps())
}
