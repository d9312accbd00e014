package cli

import (
	"context"
	"fmt"

	"github.com/calderdb/calder/internal/action"
	"github.com/calderdb/calder/internal/cascade"
	"github.com/calderdb/calder/internal/meta"
	"github.com/calderdb/calder/internal/plan"
	"github.com/calderdb/calder/internal/session"
)

// Harness materializes a fixture into a live session graph and drives its
// save/delete lists through the cascade engine and the queue coordinator.
type Harness struct {
	fixture  *meta.Fixture
	model    *meta.Model
	session  *session.Session
	queue    *action.Queue
	delegate *cascade.QueueDelegate

	// mem is set when the harness runs against the recording executor;
	// its trace is appended to the plan.
	mem *session.MemoryExecutor

	objects map[string]*session.Instance
}

// BuildHarness wires a fixture into a session backed by the given
// executor. Object declarations are materialized in two passes so forward
// references between objects resolve.
func BuildHarness(f *meta.Fixture, exec session.StatementExecutor) (*Harness, error) {
	model, err := f.BuildModel()
	if err != nil {
		return nil, fmt.Errorf("fixture %s: %w", f.Name, err)
	}

	s := session.New(session.Options{
		Config: session.Config{
			OrderInserts:      true,
			OrderUpdates:      true,
			QueryCacheEnabled: false,
		},
		Executor: exec,
	})
	q := action.NewQueue(s, model)
	engine := cascade.New(s, model)

	h := &Harness{
		fixture:  f,
		model:    model,
		session:  s,
		queue:    q,
		delegate: cascade.NewQueueDelegate(s, model, q, engine),
		objects:  make(map[string]*session.Instance, len(f.Objects)),
	}
	if mem, ok := exec.(*session.MemoryExecutor); ok {
		h.mem = mem
	}

	// Pass 1: create instances and assign basic values.
	for _, o := range f.Objects {
		mapping := model.Entity(o.Entity)
		if mapping == nil {
			return nil, fmt.Errorf("fixture %s: object %s has unmapped entity %s", f.Name, o.Ref, o.Entity)
		}
		var inst *session.Instance
		if o.ID != "" {
			inst = session.NewInstanceWithID(o.Entity, o.ID)
		} else {
			inst = session.NewInstance(o.Entity)
		}
		for name, v := range o.Values {
			inst.Set(name, v)
		}
		h.objects[o.Ref] = inst
	}

	// Pass 2: wire associations and collections, then track managed
	// objects with their declared state as the loaded snapshot.
	for _, o := range f.Objects {
		inst := h.objects[o.Ref]
		mapping := model.Entity(o.Entity)
		loaded := make(map[string]any)

		for name, targetRef := range o.Refs {
			p := mapping.Property(name)
			if p == nil || (p.Kind != meta.KindToOne && p.Kind != meta.KindAny) {
				return nil, fmt.Errorf("fixture %s: object %s: %s is not an association property", f.Name, o.Ref, name)
			}
			if targetRef == "" {
				continue
			}
			target, ok := h.objects[targetRef]
			if !ok {
				return nil, fmt.Errorf("fixture %s: object %s: unknown ref %s", f.Name, o.Ref, targetRef)
			}
			inst.Set(name, target)
			loaded[name] = target
		}

		for name, elementRefs := range o.Collections {
			p := mapping.Property(name)
			if p == nil || p.Kind != meta.KindCollection {
				return nil, fmt.Errorf("fixture %s: object %s: %s is not a collection property", f.Name, o.Ref, name)
			}
			elements := make([]*session.Instance, 0, len(elementRefs))
			for _, er := range elementRefs {
				elem, ok := h.objects[er]
				if !ok {
					return nil, fmt.Errorf("fixture %s: object %s: unknown ref %s", f.Name, o.Ref, er)
				}
				elements = append(elements, elem)
			}
			var col *session.Collection
			if o.Managed {
				col = session.NewLoadedCollection(p.Role, inst, elements)
			} else {
				col = session.NewCollection(p.Role, inst)
				for _, e := range elements {
					col.Add(e)
				}
			}
			inst.Set(name, col)
		}

		if o.Managed {
			h.session.Context().TrackLoaded(inst, loaded)
		}
	}
	return h, nil
}

// Object returns the instance declared under the given fixture ref, or nil.
func (h *Harness) Object(ref string) *session.Instance {
	return h.objects[ref]
}

// Session returns the harness session.
func (h *Harness) Session() *session.Session { return h.session }

// Queue returns the harness queue coordinator.
func (h *Harness) Queue() *action.Queue { return h.queue }

// Run drives the fixture's save and delete lists, flushes, and completes
// the transaction. The returned trace captures the queue before execution
// and, on the recording executor, the executed mutations after.
func (h *Harness) Run(ctx context.Context) (*plan.Trace, error) {
	for _, ref := range h.fixture.Save {
		inst, ok := h.objects[ref]
		if !ok {
			return nil, fmt.Errorf("fixture %s: save of unknown ref %s", h.fixture.Name, ref)
		}
		if err := h.delegate.SaveOrUpdate(ctx, inst); err != nil {
			return nil, fmt.Errorf("save %s: %w", ref, err)
		}
	}
	for _, ref := range h.fixture.Delete {
		inst, ok := h.objects[ref]
		if !ok {
			return nil, fmt.Errorf("fixture %s: delete of unknown ref %s", h.fixture.Name, ref)
		}
		if err := h.delegate.Delete(ctx, inst); err != nil {
			return nil, fmt.Errorf("delete %s: %w", ref, err)
		}
	}
	if err := h.scheduleCollections(ctx); err != nil {
		return nil, err
	}

	if err := h.queue.CheckNoUnresolvedInserts(); err != nil {
		return nil, err
	}
	if err := h.queue.PrepareActions(ctx); err != nil {
		return nil, err
	}
	h.queue.SortActions()
	h.queue.SortCollectionActions()

	tr := plan.FromQueue(h.fixture.Name, h.queue)
	if err := h.queue.ExecuteAll(ctx); err != nil {
		return nil, err
	}
	if err := h.queue.BeforeTransactionCompletion(ctx); err != nil {
		return nil, err
	}
	if err := h.queue.AfterTransactionCompletion(ctx, true); err != nil {
		return nil, err
	}
	if h.mem != nil {
		tr.AddMutations(h.mem)
	}
	return tr, nil
}

// scheduleCollections queues collection maintenance for every tracked
// owner: a recreate for collections built in memory this session, an
// update for loaded ones, and a queued-op apply for uninitialized
// collections carrying deferred element operations.
func (h *Harness) scheduleCollections(ctx context.Context) error {
	for _, o := range h.fixture.Objects {
		owner := h.objects[o.Ref]
		if !h.session.Context().Contains(owner) {
			continue
		}
		mapping := h.model.Entity(o.Entity)
		for i := range mapping.Properties {
			p := &mapping.Properties[i]
			if p.Kind != meta.KindCollection {
				continue
			}
			col, ok := owner.Get(p.Name).(*session.Collection)
			if !ok || col == nil {
				continue
			}
			spaces := h.model.CollectionSpaces(p)
			var op action.Operation
			switch {
			case !col.Initialized() && col.QueuedOps() > 0:
				op = action.NewQueuedOperationCollectionAction(h.session, col, spaces)
			case col.Initialized() && col.NewlyInstantiated() && len(col.Elements()) > 0:
				op = action.NewCollectionRecreateAction(h.session, col, spaces)
			case col.Initialized() && !col.NewlyInstantiated():
				op = action.NewCollectionUpdateAction(h.session, col, spaces)
			default:
				continue
			}
			if err := h.queue.Add(ctx, op); err != nil {
				return fmt.Errorf("schedule collection %s: %w", p.Role, err)
			}
		}
	}
	return nil
}
