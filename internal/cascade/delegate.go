package cascade

import (
	"context"
	"fmt"

	"github.com/calderdb/calder/internal/action"
	"github.com/calderdb/calder/internal/meta"
	"github.com/calderdb/calder/internal/session"
)

// QueueDelegate is the production Delegate: reached entities become queued
// operations on the coordinator, and the walk recurses through the engine
// so a save or delete covers the whole reachable subgraph.
//
// Each top-level SaveOrUpdate or Delete wraps an entity in the canonical
// two-phase walk: associations whose foreign key is due before the row
// mutation cascade first, then the operation is queued, then the rest
// cascade.
type QueueDelegate struct {
	s      *session.Session
	model  *meta.Model
	queue  *action.Queue
	engine *Engine

	// scheduled de-duplicates entries per top-level call chain: a diamond
	// in the graph reaches the same instance twice.
	scheduledSaves   map[*session.Instance]bool
	scheduledDeletes map[*session.Instance]bool
}

// NewQueueDelegate wires a delegate to the session's queue and engine.
func NewQueueDelegate(s *session.Session, model *meta.Model, queue *action.Queue, engine *Engine) *QueueDelegate {
	return &QueueDelegate{
		s:                s,
		model:            model,
		queue:            queue,
		engine:           engine,
		scheduledSaves:   make(map[*session.Instance]bool),
		scheduledDeletes: make(map[*session.Instance]bool),
	}
}

// CascadeToChild implements Delegate.
func (d *QueueDelegate) CascadeToChild(ctx context.Context, act Action, child *session.Instance, _ string) error {
	switch act {
	case ActionSaveUpdate, ActionPersistOnFlush:
		return d.SaveOrUpdate(ctx, child)
	case ActionDelete:
		return d.Delete(ctx, child)
	case ActionLock, ActionRefresh, ActionMerge:
		// Lock, refresh, and merge reach entities but queue no mutations;
		// their effects live in the loading and locking collaborators.
		return nil
	default:
		return fmt.Errorf("cascade to child: unsupported action %s", act)
	}
}

// SaveOrUpdate schedules an insert for a transient instance or an update
// for a managed one, cascading either way.
func (d *QueueDelegate) SaveOrUpdate(ctx context.Context, inst *session.Instance) error {
	if d.scheduledSaves[inst] {
		return nil
	}
	d.scheduledSaves[inst] = true

	if d.s.IsTransient(inst) {
		return d.save(ctx, inst)
	}
	return d.update(ctx, inst)
}

func (d *QueueDelegate) save(ctx context.Context, inst *session.Instance) error {
	mapping, err := d.mapping(inst)
	if err != nil {
		return err
	}
	if err := d.engine.Cascade(ctx, ActionSaveUpdate, inst, meta.PointBeforeInsertAfterDelete, d); err != nil {
		return err
	}
	if err := d.queue.Add(ctx, action.NewEntityInsertAction(d.s, inst, mapping)); err != nil {
		return err
	}
	return d.engine.Cascade(ctx, ActionSaveUpdate, inst, meta.PointAfterInsertBeforeDelete, d)
}

func (d *QueueDelegate) update(ctx context.Context, inst *session.Instance) error {
	mapping, err := d.mapping(inst)
	if err != nil {
		return err
	}
	if d.s.Context().Entry(inst) == nil {
		// Detached instance with an identity: reattach before updating.
		d.s.Context().Track(inst, session.StatusManaged)
	}
	if err := d.queue.Add(ctx, action.NewEntityUpdateAction(d.s, inst, mapping)); err != nil {
		return err
	}
	return d.engine.Cascade(ctx, ActionSaveUpdate, inst, meta.PointAfterInsertBeforeDelete, d)
}

// Delete schedules deletion of inst and cascades across delete-authorized
// associations in the canonical order: dependent rows first, then the
// delete itself, then associations whose key the delete releases.
func (d *QueueDelegate) Delete(ctx context.Context, inst *session.Instance) error {
	if d.scheduledDeletes[inst] {
		return nil
	}
	d.scheduledDeletes[inst] = true

	if e := d.s.Context().Entry(inst); e != nil && (e.Status == session.StatusDeleted || e.Status == session.StatusGone) {
		return nil
	}
	mapping, err := d.mapping(inst)
	if err != nil {
		return err
	}
	d.s.Context().Track(inst, session.StatusDeleted)

	if err := d.engine.Cascade(ctx, ActionDelete, inst, meta.PointAfterInsertBeforeDelete, d); err != nil {
		return err
	}
	if err := d.queue.Add(ctx, action.NewEntityDeleteAction(d.s, inst, mapping)); err != nil {
		return err
	}
	return d.engine.Cascade(ctx, ActionDelete, inst, meta.PointBeforeInsertAfterDelete, d)
}

// DeleteOrphan implements Delegate. The before-queued path uses the
// orphan-removal queue directly; the normal path is a full cascading
// delete.
func (d *QueueDelegate) DeleteOrphan(ctx context.Context, orphan *session.Instance, beforeQueued bool) error {
	if !beforeQueued {
		return d.Delete(ctx, orphan)
	}
	if d.scheduledDeletes[orphan] {
		return nil
	}
	d.scheduledDeletes[orphan] = true

	mapping, err := d.mapping(orphan)
	if err != nil {
		return err
	}
	d.s.Context().Track(orphan, session.StatusDeleted)
	return d.queue.Add(ctx, action.NewOrphanRemovalAction(d.s, orphan, mapping))
}

func (d *QueueDelegate) mapping(inst *session.Instance) (*meta.Entity, error) {
	mapping := d.model.Entity(inst.EntityName())
	if mapping == nil {
		return nil, fmt.Errorf("unmapped entity %s", inst.EntityName())
	}
	return mapping, nil
}
