// Package cascade implements the association walk of the write path: given
// a root entity and an action kind, it visits the mapped associations the
// action is authorized to cross, hands each reached entity to a delegate,
// and detects orphaned logical one-to-one / one-to-many references.
//
// The engine only walks and classifies; scheduling work is the delegate's
// job. QueueDelegate is the production delegate, feeding the action queue.
package cascade

import (
	"github.com/calderdb/calder/internal/meta"
	"github.com/calderdb/calder/internal/session"
)

// Action is the kind of operation being propagated across the graph.
type Action int

const (
	// ActionSaveUpdate propagates save-or-update.
	ActionSaveUpdate Action = iota + 1
	// ActionPersistOnFlush propagates save during flush, where transient
	// reference checking is owned by the unresolved-insert tracker.
	ActionPersistOnFlush
	// ActionDelete propagates delete.
	ActionDelete
	// ActionLock propagates lock requests.
	ActionLock
	// ActionRefresh propagates refresh.
	ActionRefresh
	// ActionMerge propagates merge.
	ActionMerge
)

// capability describes how one action behaves during the walk.
type capability struct {
	// name is the delegate-facing action name, used in logs.
	name string

	// styleBit is the cascade-style bit a property must carry for this
	// action to cross it.
	styleBit meta.CascadeStyle

	// deletesOrphans enables orphan detection during the walk.
	deletesOrphans bool

	// performsOnLazyProperties forces the walk into lazy properties that
	// would otherwise be skipped.
	performsOnLazyProperties bool

	// requiresNoCascadeChecking suppresses the transient-reference check
	// on non-cascaded required associations; the flush-time unresolved
	// tracker owns that contract instead.
	requiresNoCascadeChecking bool

	// iterate selects the collection elements the walk visits.
	iterate func(*session.Collection) []*session.Instance
}

func liveElements(c *session.Collection) []*session.Instance {
	return c.Elements()
}

// allElements includes elements already removed in memory: a delete must
// reach rows the application dropped from the collection before deleting.
func allElements(c *session.Collection) []*session.Instance {
	return c.AllElements()
}

var capabilities = map[Action]capability{
	ActionSaveUpdate: {
		name:           "save-update",
		styleBit:       meta.CascadeSaveUpdate,
		deletesOrphans: true,
		iterate:        liveElements,
	},
	ActionPersistOnFlush: {
		name:                      "persist-on-flush",
		styleBit:                  meta.CascadeSaveUpdate,
		deletesOrphans:            true,
		requiresNoCascadeChecking: true,
		iterate:                   liveElements,
	},
	ActionDelete: {
		name:                     "delete",
		styleBit:                 meta.CascadeDelete,
		deletesOrphans:           true,
		performsOnLazyProperties: true,
		iterate:                  allElements,
	},
	ActionLock: {
		name:     "lock",
		styleBit: meta.CascadeLock,
		iterate:  liveElements,
	},
	ActionRefresh: {
		name:     "refresh",
		styleBit: meta.CascadeRefresh,
		iterate:  liveElements,
	},
	ActionMerge: {
		name:     "merge",
		styleBit: meta.CascadeMerge,
		iterate:  liveElements,
	},
}

// String returns the action name.
func (a Action) String() string {
	if c, ok := capabilities[a]; ok {
		return c.name
	}
	return "unknown"
}

func (a Action) caps() capability {
	return capabilities[a]
}
