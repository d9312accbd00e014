package action

import (
	"context"
	"fmt"

	"github.com/calderdb/calder/internal/meta"
	"github.com/calderdb/calder/internal/session"
)

// entityAction carries the state shared by all entity-kind operations.
type entityAction struct {
	s       *session.Session
	inst    *session.Instance
	mapping *meta.Entity

	key      string // comparison key; assigned at queue time
	seq      int64
	executed bool

	beforeFn BeforeCompletionProcess
	afterFn  AfterCompletionProcess
}

func newEntityAction(s *session.Session, inst *session.Instance, mapping *meta.Entity) entityAction {
	return entityAction{s: s, inst: inst, mapping: mapping}
}

// EntityName returns the affected entity type.
func (a *entityAction) EntityName() string { return a.mapping.Name }

// Instance returns the affected live instance.
func (a *entityAction) Instance() *session.Instance { return a.inst }

// ComparisonKey returns the sort key assigned at queue time.
func (a *entityAction) ComparisonKey() string { return a.key }

// QuerySpaces returns the tables this operation touches.
func (a *entityAction) QuerySpaces() []string { return a.mapping.Spaces }

// Seq returns the logical sequence stamped at queue time.
func (a *entityAction) Seq() int64 { return a.seq }

// Executed reports whether the operation has run.
func (a *entityAction) Executed() bool { return a.executed }

// OnBeforeTransactionCompletion attaches a before-completion callback.
func (a *entityAction) OnBeforeTransactionCompletion(fn BeforeCompletionProcess) { a.beforeFn = fn }

// OnAfterTransactionCompletion attaches an after-completion callback.
func (a *entityAction) OnAfterTransactionCompletion(fn AfterCompletionProcess) { a.afterFn = fn }

// BeforeTransactionCompletion returns the attached callback, or nil.
func (a *entityAction) BeforeTransactionCompletion() BeforeCompletionProcess { return a.beforeFn }

// AfterTransactionCompletion returns the attached callback, or nil.
func (a *entityAction) AfterTransactionCompletion() AfterCompletionProcess { return a.afterFn }

// stamp assigns the logical sequence and comparison key the first time the
// operation is submitted; a re-submission through the unresolved tracker
// keeps its original stamp. Instances with an assigned identifier compare
// by it; the rest get a time-ordered surrogate so surrogate order
// approximates queue order.
func (a *entityAction) stamp(seq int64, keys KeySource) {
	if a.seq == 0 {
		a.seq = seq
	}
	if a.key != "" {
		return
	}
	if id := a.inst.ID(); id != "" {
		a.key = id
	} else {
		a.key = keys.Next()
	}
}

func (a *entityAction) execMutation(ctx context.Context, verb session.MutationVerb) error {
	exec := a.s.Executor()
	if exec == nil {
		return NewInvariantViolationError(a.mapping.Name, "session has no statement executor")
	}
	m := session.Mutation{
		Verb:       verb,
		EntityName: a.mapping.Name,
		Table:      a.mapping.Table,
		Key:        a.keyForRow(),
		Spaces:     a.mapping.Spaces,
		Seq:        a.seq,
	}
	if err := exec.Execute(ctx, m); err != nil {
		return NewExecutionError(a.mapping.Name, fmt.Errorf("%s %s: %w", verb, a.inst, err))
	}
	return nil
}

func (a *entityAction) keyForRow() string {
	if id := a.inst.ID(); id != "" {
		return id
	}
	return a.key
}

// EntityInsertAction inserts one entity row.
//
// Inserts are never added to their queue directly: they route through the
// coordinator's dependency resolution first, and sit in the unresolved
// tracker while any required non-nullable association still points at a
// transient instance.
type EntityInsertAction struct {
	entityAction

	// early forces an immediate database round-trip: the identifier must
	// be visible before queuing can continue (read-back generation).
	early  bool
	vetoed bool
	queued bool
}

// NewEntityInsertAction creates an insert for inst.
func NewEntityInsertAction(s *session.Session, inst *session.Instance, mapping *meta.Entity) *EntityInsertAction {
	return &EntityInsertAction{entityAction: newEntityAction(s, inst, mapping)}
}

// NewEarlyEntityInsertAction creates an insert whose identifier must be
// assigned by an immediate round-trip.
func NewEarlyEntityInsertAction(s *session.Session, inst *session.Instance, mapping *meta.Entity) *EntityInsertAction {
	a := NewEntityInsertAction(s, inst, mapping)
	a.early = true
	return a
}

// Kind implements Operation.
func (a *EntityInsertAction) Kind() Kind { return KindEntityInsert }

// Early reports whether this insert requires an immediate round-trip.
func (a *EntityInsertAction) Early() bool { return a.early }

// Vetoed reports whether a listener refused this insert.
func (a *EntityInsertAction) Vetoed() bool { return a.vetoed }

// MarkVetoed flags the insert as refused. Normally set by the session's
// veto listener during the add.
func (a *EntityInsertAction) MarkVetoed() { a.vetoed = true }

// Queued reports whether the insert has been placed in its category queue.
func (a *EntityInsertAction) Queued() bool { return a.queued }

// TransientDependencies returns the non-nullable associated references that
// still point at transient instances, keyed by instance with the owning
// property path as value. Empty means the insert is ready.
//
// Nullable associations never block: their column can be written null now
// and updated later. Composites are recursed with an accumulated path.
func (a *EntityInsertAction) TransientDependencies() map[*session.Instance]string {
	deps := make(map[*session.Instance]string)
	a.collectTransient(a.inst.EntityName(), "", a.mapping.Properties, a.instValues(), deps)
	if len(deps) == 0 {
		return nil
	}
	return deps
}

func (a *EntityInsertAction) instValues() func(path string) any {
	return func(path string) any { return a.inst.GetPath(path) }
}

func (a *EntityInsertAction) collectTransient(entity, base string, props []meta.Property, value func(string) any, deps map[*session.Instance]string) {
	for i := range props {
		p := &props[i]
		path := meta.PathJoin(base, p.Name)
		switch p.Kind {
		case meta.KindToOne, meta.KindAny:
			if p.Nullable {
				continue
			}
			ref := session.Unproxy(value(path))
			if ref != nil && a.s.IsTransient(ref) {
				deps[ref] = path
			}
		case meta.KindComposite:
			a.collectTransient(entity, path, p.Sub, value, deps)
		}
	}
}

// Execute writes the row. A vetoed insert reaching execution is a
// programming-invariant violation: the entity must not be both inserted
// and vetoed.
func (a *EntityInsertAction) Execute(ctx context.Context) error {
	if a.vetoed {
		return NewInvariantViolationError(a.mapping.Name, "vetoed insert reached execution")
	}
	if a.executed {
		return NewInvariantViolationError(a.mapping.Name, "insert executed twice")
	}
	if err := a.execMutation(ctx, session.VerbInsert); err != nil {
		return err
	}
	a.executed = true
	if a.inst.ID() == "" {
		// Stands in for the generated-identifier read-back: the row is in
		// the database now, so the instance gets its identity.
		a.inst.SetID(a.key)
	}
	entry := a.s.Context().Track(a.inst, session.StatusManaged)
	entry.ExistsInDB = true
	return nil
}

// markQueued is called by the coordinator when the insert enters its queue.
func (a *EntityInsertAction) markQueued() { a.queued = true }

// EntityUpdateAction updates one entity row.
type EntityUpdateAction struct {
	entityAction
}

// NewEntityUpdateAction creates an update for inst.
func NewEntityUpdateAction(s *session.Session, inst *session.Instance, mapping *meta.Entity) *EntityUpdateAction {
	return &EntityUpdateAction{entityAction: newEntityAction(s, inst, mapping)}
}

// Kind implements Operation.
func (a *EntityUpdateAction) Kind() Kind { return KindEntityUpdate }

// Execute writes the changed row.
func (a *EntityUpdateAction) Execute(ctx context.Context) error {
	if a.executed {
		return NewInvariantViolationError(a.mapping.Name, "update executed twice")
	}
	if err := a.execMutation(ctx, session.VerbUpdate); err != nil {
		return err
	}
	a.executed = true
	return nil
}

// EntityDeleteAction deletes one entity row.
type EntityDeleteAction struct {
	entityAction
}

// NewEntityDeleteAction creates a delete for inst.
func NewEntityDeleteAction(s *session.Session, inst *session.Instance, mapping *meta.Entity) *EntityDeleteAction {
	return &EntityDeleteAction{entityAction: newEntityAction(s, inst, mapping)}
}

// Kind implements Operation.
func (a *EntityDeleteAction) Kind() Kind { return KindEntityDelete }

// Execute removes the row and marks the instance gone.
func (a *EntityDeleteAction) Execute(ctx context.Context) error {
	if a.executed {
		return NewInvariantViolationError(a.mapping.Name, "delete executed twice")
	}
	if err := a.execMutation(ctx, session.VerbDelete); err != nil {
		return err
	}
	a.executed = true
	entry := a.s.Context().Track(a.inst, session.StatusGone)
	entry.ExistsInDB = false
	return nil
}

// OrphanRemovalAction deletes an entity that was disassociated from its
// sole owning relationship. It is a delete that runs in the before-queued
// position, ahead of the update that released the association, so the
// orphan's unique key cannot collide with it.
type OrphanRemovalAction struct {
	EntityDeleteAction
}

// NewOrphanRemovalAction creates an orphan removal for inst.
func NewOrphanRemovalAction(s *session.Session, inst *session.Instance, mapping *meta.Entity) *OrphanRemovalAction {
	return &OrphanRemovalAction{
		EntityDeleteAction: EntityDeleteAction{entityAction: newEntityAction(s, inst, mapping)},
	}
}

// Kind implements Operation.
func (a *OrphanRemovalAction) Kind() Kind { return KindOrphanRemove }
