package cascade

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/calderdb/calder/internal/action"
	"github.com/calderdb/calder/internal/meta"
	"github.com/calderdb/calder/internal/session"
)

// Delegate receives the entities a walk reaches. Implementations schedule
// the actual work (the queue-backed delegate) or record it (tests, plans).
type Delegate interface {
	// CascadeToChild propagates the action to one reached child. path is
	// the property path from the parent that led here.
	CascadeToChild(ctx context.Context, act Action, child *session.Instance, path string) error

	// DeleteOrphan schedules deletion of an entity disassociated from its
	// owning relationship. beforeQueued routes it ahead of queued updates
	// (the orphan-removal queue) instead of the normal delete path.
	DeleteOrphan(ctx context.Context, orphan *session.Instance, beforeQueued bool) error
}

// Engine walks the live object graph for one session.
//
// Failure semantics: the walk is sequential in property order; the first
// failing step aborts the rest and propagates. Work already delegated is
// not rolled back here - that is the transaction's responsibility.
type Engine struct {
	s     *session.Session
	model *meta.Model
	log   *slog.Logger
}

// New creates a cascade engine over the session's graph.
func New(s *session.Session, model *meta.Model) *Engine {
	return &Engine{s: s, model: model, log: s.Logger()}
}

// Cascade propagates act from root across every association whose cascade
// style authorizes it and whose foreign-key direction is due at the given
// point. Orphan detection for logical one-to-one properties runs
// independently of cascade authorization.
func (e *Engine) Cascade(ctx context.Context, act Action, root *session.Instance, point meta.CascadePoint, d Delegate) error {
	mapping := e.model.Entity(root.EntityName())
	if mapping == nil {
		return fmt.Errorf("cascade %s: unmapped entity %s", act, root.EntityName())
	}
	e.log.Debug("cascade walk", "action", act.String(), "entity", root.String())
	return e.walkProperties(ctx, act.caps(), act, root, "", mapping.Properties, point, d)
}

func (e *Engine) walkProperties(ctx context.Context, caps capability, act Action, root *session.Instance, base string, props []meta.Property, point meta.CascadePoint, d Delegate) error {
	for i := range props {
		p := &props[i]
		if err := e.cascadeProperty(ctx, caps, act, root, meta.PathJoin(base, p.Name), p, point, d); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) cascadeProperty(ctx context.Context, caps capability, act Action, root *session.Instance, path string, p *meta.Property, point meta.CascadePoint, d Delegate) error {
	if p.Lazy {
		if !caps.performsOnLazyProperties {
			return nil
		}
		// Forcing initialization needs a live session context behind the
		// owning entity; detached graphs keep their lazy state.
		if !e.s.Context().Contains(root) {
			return nil
		}
	}

	value := root.GetPath(path)

	authorized := p.Cascade.Has(caps.styleBit)
	if authorized {
		switch p.Kind {
		case meta.KindToOne, meta.KindAny:
			if !p.FK.CascadeNow(point) {
				break
			}
			if err := e.cascadeToOne(ctx, act, root, path, value, d); err != nil {
				return err
			}
		case meta.KindComposite:
			if err := e.walkProperties(ctx, caps, act, root, path, p.Sub, point, d); err != nil {
				return err
			}
		case meta.KindCollection:
			// Element rows carry the key to the owner, so elements walk
			// only once the owner's own operation is queued.
			if point == meta.PointBeforeInsertAfterDelete {
				break
			}
			if err := e.cascadeCollection(ctx, caps, act, root, path, p, value, d); err != nil {
				return err
			}
		}
	} else if !caps.requiresNoCascadeChecking {
		if err := e.checkTransientReference(root, path, p, value); err != nil {
			return err
		}
	}

	if p.Kind == meta.KindToOne && p.LogicalOneToOne && p.OrphanDelete && caps.deletesOrphans {
		if err := e.scheduleOrphan(ctx, root, path, p, value, d); err != nil {
			return err
		}
	}
	return nil
}

// cascadeToOne recurses into a single-valued association. Child-to-parent
// bookkeeping is held for the duration of the call so a cycle in the graph
// cannot cascade the same child twice.
func (e *Engine) cascadeToOne(ctx context.Context, act Action, parent *session.Instance, path string, value any, d Delegate) error {
	if prox, ok := value.(*session.Proxy); ok && !prox.Initialized() {
		e.log.Debug("skipping uninitialized proxy", "entity", prox.EntityName(), "path", path)
		return nil
	}
	child := session.Unproxy(value)
	if child == nil {
		return nil
	}
	if !e.s.Context().AddChildParent(child, parent) {
		// A cascade for this child is already in progress higher up the
		// walk; visiting again would loop.
		return nil
	}
	defer e.s.Context().RemoveChildParent(child)
	return d.CascadeToChild(ctx, act, child, path)
}

func (e *Engine) cascadeCollection(ctx context.Context, caps capability, act Action, parent *session.Instance, path string, p *meta.Property, value any, d Delegate) error {
	col, ok := value.(*session.Collection)
	if !ok || col == nil {
		return nil
	}
	if !col.Initialized() && !caps.performsOnLazyProperties {
		return nil
	}
	if p.Target != "" {
		for _, elem := range caps.iterate(col) {
			if elem == nil {
				continue
			}
			if !e.s.Context().AddChildParent(elem, parent) {
				continue
			}
			err := d.CascadeToChild(ctx, act, elem, path)
			e.s.Context().RemoveChildParent(elem)
			if err != nil {
				return err
			}
		}
	}
	if caps.deletesOrphans && p.OrphanDelete && !col.NewlyInstantiated() {
		for _, orphan := range col.Orphans() {
			if !e.s.Context().Contains(orphan) {
				continue
			}
			if err := d.DeleteOrphan(ctx, orphan, false); err != nil {
				return err
			}
		}
	}
	return nil
}

// scheduleOrphan compares the current value of a logical one-to-one
// against the last-loaded snapshot. A reference that is now null or points
// elsewhere orphans the previously referenced entity; if that entity still
// has a persistence-context entry it is scheduled for deletion - through
// the before-queued path when the foreign key points toward the parent, so
// the orphan vanishes before the queued update that would collide with its
// unique key.
func (e *Engine) scheduleOrphan(ctx context.Context, root *session.Instance, path string, p *meta.Property, value any, d Delegate) error {
	loaded, ok := e.s.Context().LoadedValue(root, path)
	if !ok {
		return nil
	}
	prev := session.Unproxy(loaded)
	if prev == nil {
		return nil
	}
	current := session.Unproxy(value)
	if current == prev {
		return nil
	}
	if !e.s.Context().Contains(prev) {
		return nil
	}
	beforeQueued := p.FK == meta.FKToParent
	e.log.Debug("orphaned one-to-one detected",
		"entity", root.String(), "path", path, "orphan", prev.String(), "before_queued", beforeQueued)
	return d.DeleteOrphan(ctx, prev, beforeQueued)
}

// checkTransientReference guards non-cascaded required associations: a
// transient value there can never be resolved by this walk, so it is
// reported now rather than at the flush checkpoint.
func (e *Engine) checkTransientReference(root *session.Instance, path string, p *meta.Property, value any) error {
	if p.Kind != meta.KindToOne && p.Kind != meta.KindAny {
		return nil
	}
	if p.Nullable {
		return nil
	}
	ref := session.Unproxy(value)
	if ref == nil || !e.s.IsTransient(ref) {
		return nil
	}
	return action.NewUnresolvedDependencyError(root.EntityName(), path, ref.EntityName())
}
