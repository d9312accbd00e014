package action

import (
	"context"
	"fmt"

	"github.com/calderdb/calder/internal/session"
)

// collectionAction carries the state shared by the collection-kind
// operations. Collection actions sort by (role, owner key) and execute a
// single collection-level mutation; row-level details live behind the
// executor boundary.
type collectionAction struct {
	s      *session.Session
	col    *session.Collection
	role   string
	spaces []string

	seq      int64
	ownerKey string
	executed bool
	prepared bool

	beforeFn BeforeCompletionProcess
	afterFn  AfterCompletionProcess
}

func newCollectionAction(s *session.Session, col *session.Collection, spaces []string) collectionAction {
	return collectionAction{s: s, col: col, role: col.Role(), spaces: spaces}
}

// EntityName returns the collection role; collection operations are named
// by the relationship they maintain, not a single entity type.
func (a *collectionAction) EntityName() string { return a.role }

// Collection returns the affected collection.
func (a *collectionAction) Collection() *session.Collection { return a.col }

// Role returns the collection role.
func (a *collectionAction) Role() string { return a.role }

// QuerySpaces returns the tables this operation touches.
func (a *collectionAction) QuerySpaces() []string { return a.spaces }

// Seq returns the logical sequence stamped at queue time.
func (a *collectionAction) Seq() int64 { return a.seq }

// ComparisonKey orders collection actions by role, then owner identity.
func (a *collectionAction) ComparisonKey() string { return a.role + "/" + a.ownerKey }

// OnBeforeTransactionCompletion attaches a before-completion callback.
func (a *collectionAction) OnBeforeTransactionCompletion(fn BeforeCompletionProcess) { a.beforeFn = fn }

// OnAfterTransactionCompletion attaches an after-completion callback.
func (a *collectionAction) OnAfterTransactionCompletion(fn AfterCompletionProcess) { a.afterFn = fn }

// BeforeTransactionCompletion returns the attached callback, or nil.
func (a *collectionAction) BeforeTransactionCompletion() BeforeCompletionProcess { return a.beforeFn }

// AfterTransactionCompletion returns the attached callback, or nil.
func (a *collectionAction) AfterTransactionCompletion() AfterCompletionProcess { return a.afterFn }

// Prepare is the default pre-execution hook: a no-op beyond marking the
// action prepared. Kinds that need to capture state before any execution
// begins override it.
func (a *collectionAction) Prepare(context.Context) error {
	a.prepared = true
	return nil
}

func (a *collectionAction) stamp(seq int64, keys KeySource) {
	if a.seq == 0 {
		a.seq = seq
	}
	if a.ownerKey != "" {
		return
	}
	if owner := a.col.Owner(); owner != nil && owner.ID() != "" {
		a.ownerKey = owner.ID()
	} else {
		a.ownerKey = keys.Next()
	}
}

func (a *collectionAction) execMutation(ctx context.Context, verb session.MutationVerb) error {
	if a.executed {
		return NewInvariantViolationError(a.role, "collection action executed twice")
	}
	exec := a.s.Executor()
	if exec == nil {
		return NewInvariantViolationError(a.role, "session has no statement executor")
	}
	table := ""
	if len(a.spaces) > 0 {
		table = a.spaces[0]
	}
	m := session.Mutation{
		Verb:       verb,
		EntityName: a.role,
		Table:      table,
		Key:        a.ownerKey,
		Role:       a.role,
		Spaces:     a.spaces,
		Seq:        a.seq,
	}
	if err := exec.Execute(ctx, m); err != nil {
		return NewExecutionError(a.role, fmt.Errorf("%s %s: %w", verb, a.role, err))
	}
	a.executed = true
	return nil
}

// CollectionRemoveAction removes a collection's stale rows. It may be
// registered for a collection that was never loaded in this session, which
// is why the coordinator can trim (rather than clear) its queue when a
// flush turns out to be unnecessary.
type CollectionRemoveAction struct {
	collectionAction

	// emptySnapshot is captured in Prepare: a collection with no loaded
	// rows removes nothing, but the action still runs for its side effects
	// on the executor's batch.
	emptySnapshot bool
}

// NewCollectionRemoveAction creates a removal of col's stale rows.
func NewCollectionRemoveAction(s *session.Session, col *session.Collection, spaces []string) *CollectionRemoveAction {
	return &CollectionRemoveAction{collectionAction: newCollectionAction(s, col, spaces)}
}

// Kind implements Operation.
func (a *CollectionRemoveAction) Kind() Kind { return KindCollectionRemove }

// Prepare captures whether there is any loaded state to remove.
func (a *CollectionRemoveAction) Prepare(ctx context.Context) error {
	a.emptySnapshot = a.col.NewlyInstantiated()
	return a.collectionAction.Prepare(ctx)
}

// EmptySnapshot reports whether Prepare found no loaded state.
func (a *CollectionRemoveAction) EmptySnapshot() bool { return a.emptySnapshot }

// Execute removes the stale rows.
func (a *CollectionRemoveAction) Execute(ctx context.Context) error {
	return a.execMutation(ctx, session.VerbCollectionRemove)
}

// CollectionUpdateAction rewrites a collection's changed rows.
type CollectionUpdateAction struct {
	collectionAction
}

// NewCollectionUpdateAction creates an update of col's changed rows.
func NewCollectionUpdateAction(s *session.Session, col *session.Collection, spaces []string) *CollectionUpdateAction {
	return &CollectionUpdateAction{collectionAction: newCollectionAction(s, col, spaces)}
}

// Kind implements Operation.
func (a *CollectionUpdateAction) Kind() Kind { return KindCollectionUpdate }

// Execute rewrites the changed rows.
func (a *CollectionUpdateAction) Execute(ctx context.Context) error {
	return a.execMutation(ctx, session.VerbCollectionUpdate)
}

// CollectionRecreateAction drops and re-inserts every row of a collection.
type CollectionRecreateAction struct {
	collectionAction
}

// NewCollectionRecreateAction creates a full recreate of col.
func NewCollectionRecreateAction(s *session.Session, col *session.Collection, spaces []string) *CollectionRecreateAction {
	return &CollectionRecreateAction{collectionAction: newCollectionAction(s, col, spaces)}
}

// Kind implements Operation.
func (a *CollectionRecreateAction) Kind() Kind { return KindCollectionRecreate }

// Execute re-inserts the collection's rows.
func (a *CollectionRecreateAction) Execute(ctx context.Context) error {
	return a.execMutation(ctx, session.VerbCollectionCreate)
}

// QueuedOperationCollectionAction applies element-level operations that
// were queued against an uninitialized collection, without ever fetching
// it.
type QueuedOperationCollectionAction struct {
	collectionAction

	// ops is captured in Prepare so execution sees a stable count even if
	// further element operations are queued mid-flush.
	ops int
}

// NewQueuedOperationCollectionAction creates an apply of col's queued
// element operations.
func NewQueuedOperationCollectionAction(s *session.Session, col *session.Collection, spaces []string) *QueuedOperationCollectionAction {
	return &QueuedOperationCollectionAction{collectionAction: newCollectionAction(s, col, spaces)}
}

// Kind implements Operation.
func (a *QueuedOperationCollectionAction) Kind() Kind { return KindCollectionQueued }

// Prepare captures the number of queued element operations.
func (a *QueuedOperationCollectionAction) Prepare(ctx context.Context) error {
	a.ops = a.col.QueuedOps()
	return a.collectionAction.Prepare(ctx)
}

// Execute applies the queued element operations.
func (a *QueuedOperationCollectionAction) Execute(ctx context.Context) error {
	return a.execMutation(ctx, session.VerbCollectionUpdate)
}
