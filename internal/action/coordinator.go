package action

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/calderdb/calder/internal/meta"
	"github.com/calderdb/calder/internal/session"
)

// stamper is implemented by every concrete operation; the coordinator
// stamps sequence and comparison key at submission time.
type stamper interface {
	stamp(seq int64, keys KeySource)
}

// keyed exposes the comparison key shared by entity and collection
// operations.
type keyed interface {
	ComparisonKey() string
}

// Queue is the coordinator of the write path: it owns the eight category
// queues, the unresolved-insert tracker, and the transaction-completion
// registries, and drives the fixed execution order of a flush.
//
// Ownership: one Queue per session, one logical flow. Methods must never
// be called from more than one flow concurrently. Suspension happens only
// inside executor round-trips; between them the coordinator runs
// synchronously, so queue order is the database order.
//
// Cancellation is not supported mid-flush: once ExecuteAll begins it runs
// to completion or failure. A failure aborts the remaining categories, but
// invalidation already performed for attempted queues stands -
// over-invalidation is the safe default under partial failure.
type Queue struct {
	s     *session.Session
	model *meta.Model
	log   *slog.Logger
	clock *Clock
	keys  KeySource

	// queues are created lazily on first use per kind; cleared but
	// retained across flushes.
	queues [numKinds]*categoryQueue

	unresolved *unresolvedTracker
	beforeTx   beforeRegistry
	afterTx    afterRegistry
}

// NewQueue creates a coordinator for the session with UUIDv7 surrogate
// keys.
func NewQueue(s *session.Session, model *meta.Model) *Queue {
	return NewQueueWithKeys(s, model, UUIDv7Source{})
}

// NewQueueWithKeys creates a coordinator with an explicit surrogate key
// source. Tests use a FixedKeySource for deterministic plans.
func NewQueueWithKeys(s *session.Session, model *meta.Model, keys KeySource) *Queue {
	log := s.Logger()
	return &Queue{
		s:          s,
		model:      model,
		log:        log,
		clock:      NewClock(),
		keys:       keys,
		unresolved: newUnresolvedTracker(log),
	}
}

func (q *Queue) queue(k Kind) *categoryQueue {
	if q.queues[k] == nil {
		q.queues[k] = newCategoryQueue()
	}
	return q.queues[k]
}

// Add classifies an operation into its category queue. Entity inserts
// route through dependency resolution first and may end up in the
// unresolved tracker instead of a queue.
func (q *Queue) Add(ctx context.Context, op Operation) error {
	if ins, ok := op.(*EntityInsertAction); ok {
		return q.addInsertAction(ctx, ins)
	}
	q.stampOp(op)
	q.queue(op.Kind()).add(op)
	return nil
}

func (q *Queue) stampOp(op Operation) {
	if st, ok := op.(stamper); ok {
		st.stamp(q.clock.Next(), q.keys)
	}
}

// addInsertAction applies the insert contract:
//
//  1. An "early" insert needs its identifier assigned by an immediate
//     round-trip, so all currently queued inserts execute first to keep
//     identifier visibility ordered.
//  2. An insert with transient non-nullable references is registered with
//     the tracker and goes inert until those references resolve.
//  3. A resolved insert executes immediately (early) or enqueues; then,
//     unless vetoed, its entity becomes persistently managed and any
//     tracked inserts waiting on exactly that entity are resolved in turn.
//
// Resolution runs on an explicit worklist drained to fixpoint, so chains
// of arbitrary length (A blocks on B blocks on C ...) resolve eagerly and
// synchronously without unbounded recursion. Self-blocking is impossible
// by construction: a transient dependency is always a different instance.
func (q *Queue) addInsertAction(ctx context.Context, ins *EntityInsertAction) error {
	if ins.Early() {
		if err := q.ExecuteInserts(ctx); err != nil {
			return err
		}
	}

	q.stampOp(ins)
	if deps := ins.TransientDependencies(); len(deps) > 0 {
		q.unresolved.add(ins, deps)
		return nil
	}
	return q.addResolvedInserts(ctx, ins)
}

func (q *Queue) addResolvedInserts(ctx context.Context, first *EntityInsertAction) error {
	worklist := []*EntityInsertAction{first}
	for len(worklist) > 0 {
		ins := worklist[0]
		worklist = worklist[1:]
		q.stampOp(ins)

		if q.s.VetoInsert(ins.Instance()) {
			ins.MarkVetoed()
		}
		if ins.Vetoed() {
			if ins.Executed() || ins.Queued() {
				// The entity must not be both inserted and vetoed.
				return NewInvariantViolationError(ins.EntityName(),
					"insert vetoed after it was already queued or executed")
			}
			return NewVetoError(ins.EntityName())
		}

		if ins.Early() {
			if err := q.executeDetached(ctx, ins); err != nil {
				return err
			}
		} else {
			ins.markQueued()
			q.queue(KindEntityInsert).add(ins)
			q.s.Context().Track(ins.Instance(), session.StatusSaving)
		}

		worklist = append(worklist, q.unresolved.resolve(ins.Instance())...)
	}
	return nil
}

// executeDetached runs one operation outside its queue (early inserts):
// execute, register completion callbacks, account for invalidation.
func (q *Queue) executeDetached(ctx context.Context, op Operation) error {
	spaces := make(map[string]struct{})
	for _, s := range op.QuerySpaces() {
		spaces[s] = struct{}{}
	}
	if err := op.Execute(ctx); err != nil {
		q.afterTx.addSpaces(spaces)
		// The execution error wins, same as the queue path; a
		// pre-invalidation failure on top of it is only logged.
		if ierr := q.preInvalidate(ctx, spaces); ierr != nil {
			q.log.Warn("cache pre-invalidation failed after early insert failure",
				"entity", op.EntityName(), "error", ierr)
		}
		return err
	}
	q.beforeTx.register(op.BeforeTransactionCompletion())
	q.afterTx.register(op.AfterTransactionCompletion())
	q.afterTx.addSpaces(spaces)
	return q.preInvalidate(ctx, spaces)
}

// ExecuteInserts runs only the entity-insert queue. Callers use it when
// assigned identities must be visible before queuing continues, e.g.
// identifier strategies that read a value back.
func (q *Queue) ExecuteInserts(ctx context.Context) error {
	return q.executeQueue(ctx, q.queues[KindEntityInsert])
}

// ExecuteAll runs the eight category queues in the fixed order. It fails
// fast if any unresolved inserts remain: the caller violated the contract
// that cascades complete before flush, and that is fatal.
func (q *Queue) ExecuteAll(ctx context.Context) error {
	if !q.unresolved.empty() {
		cause := q.unresolved.check()
		return &FlushError{
			Code:    ErrCodeInvariantViolation,
			Message: fmt.Sprintf("flush started with %d unresolved insert(s): %v", q.unresolved.size(), cause),
		}
	}
	for _, k := range executionOrder {
		if err := q.executeQueue(ctx, q.queues[k]); err != nil {
			return err
		}
	}
	return nil
}

// executeQueue executes one category queue in list order.
//
// Iteration is by index, not iterator: side effects of execution may
// append to the queue and those operations belong to this pass. Each
// operation's completion callbacks are registered as it completes. The
// deferred block aggregates query spaces, performs the queue's single
// pre-invalidation (unconditionally, even after a mid-queue failure),
// clears the queue, and triggers a batch flush on the connection.
func (q *Queue) executeQueue(ctx context.Context, cq *categoryQueue) (err error) {
	if cq.len() == 0 {
		return nil
	}
	defer func() {
		spaces := make(map[string]struct{}, len(cq.querySpaces()))
		for s := range cq.querySpaces() {
			spaces[s] = struct{}{}
		}
		cq.clear()
		q.afterTx.addSpaces(spaces)
		if ierr := q.preInvalidate(ctx, spaces); ierr != nil && err == nil {
			err = ierr
		}
		if exec := q.s.Executor(); exec != nil {
			if ferr := exec.FlushBatch(ctx); ferr != nil && err == nil {
				err = ferr
			}
		}
	}()

	for i := 0; i < cq.len(); i++ {
		op := cq.get(i)
		if execErr := op.Execute(ctx); execErr != nil {
			return execErr
		}
		q.beforeTx.register(op.BeforeTransactionCompletion())
		q.afterTx.register(op.AfterTransactionCompletion())
	}
	return nil
}

func (q *Queue) preInvalidate(ctx context.Context, spaces map[string]struct{}) error {
	if !q.s.Config().QueryCacheEnabled || q.s.Cache() == nil || len(spaces) == 0 {
		return nil
	}
	list := make([]string, 0, len(spaces))
	for s := range spaces {
		list = append(list, s)
	}
	sort.Strings(list)
	if err := q.s.Cache().PreInvalidate(ctx, list); err != nil {
		return fmt.Errorf("pre-invalidate query spaces: %w", err)
	}
	return nil
}

// PrepareActions runs the pre-execution hook of every queued collection
// operation. No suspension point: hooks must not touch the executor. Runs
// after all adds and before any execution begins.
func (q *Queue) PrepareActions(ctx context.Context) error {
	for _, k := range []Kind{KindCollectionRemove, KindCollectionQueued, KindCollectionUpdate, KindCollectionRecreate} {
		cq := q.queues[k]
		for i := 0; i < cq.len(); i++ {
			if col, ok := cq.get(i).(CollectionOperation); ok {
				if err := col.Prepare(ctx); err != nil {
					return fmt.Errorf("prepare %s: %w", k, err)
				}
			}
		}
	}
	return nil
}

// SortActions orders the insert queue by dependency (when OrderInserts is
// set) and the update queue by natural key (when OrderUpdates is set).
// Must run after all adds for the flush and before ExecuteAll.
func (q *Queue) SortActions() {
	cfg := q.s.Config()
	if cfg.OrderInserts {
		ins := q.queue(KindEntityInsert)
		if ins.len() > 1 {
			sorted := newInsertSorter(q.model, q.log).sort(ins.snapshot())
			ins.replace(sorted)
		}
	}
	if cfg.OrderUpdates {
		q.queue(KindEntityUpdate).sortStable(lessByEntityThenKey)
	}
}

// SortCollectionActions orders the collection queues by role and owner
// key, gated by OrderUpdates.
func (q *Queue) SortCollectionActions() {
	if !q.s.Config().OrderUpdates {
		return
	}
	for _, k := range []Kind{KindCollectionRemove, KindCollectionQueued, KindCollectionUpdate, KindCollectionRecreate} {
		q.queue(k).sortStable(lessByEntityThenKey)
	}
}

func lessByEntityThenKey(a, b Operation) bool {
	if a.EntityName() != b.EntityName() {
		return a.EntityName() < b.EntityName()
	}
	ka, aok := a.(keyed)
	kb, bok := b.(keyed)
	if !aok || !bok {
		return false
	}
	return ka.ComparisonKey() < kb.ComparisonKey()
}

// UnscheduleDeletion removes a previously queued delete for the given live
// instance (lazy proxies are unwrapped first), looking in the entity-delete
// queue and then the orphan-removal queue. An instance found in neither is
// a programming-invariant violation.
func (q *Queue) UnscheduleDeletion(value any) error {
	inst := session.Unproxy(value)
	if inst == nil {
		return NewInvariantViolationError("", "unschedule deletion of nil or uninitialized instance")
	}
	match := func(op Operation) bool {
		eo, ok := op.(EntityOperation)
		return ok && eo.Instance() == inst
	}
	for _, k := range []Kind{KindEntityDelete, KindOrphanRemove} {
		cq := q.queues[k]
		if i := cq.indexOf(match); i >= 0 {
			cq.remove(i)
			return nil
		}
	}
	return NewInvariantViolationError(inst.EntityName(),
		"attempt to unschedule a deletion that was never scheduled")
}

// AreTablesToBeUpdated reports whether any queued or unresolved
// operation's query spaces intersect the given set. Query-cache staleness
// checks call this per query.
func (q *Queue) AreTablesToBeUpdated(tables []string) bool {
	if len(tables) == 0 {
		return false
	}
	want := make(map[string]struct{}, len(tables))
	for _, t := range tables {
		want[t] = struct{}{}
	}
	for _, cq := range q.queues {
		for s := range cq.querySpaces() {
			if _, ok := want[s]; ok {
				return true
			}
		}
	}
	for s := range q.unresolved.spaces() {
		if _, ok := want[s]; ok {
			return true
		}
	}
	return false
}

// CheckNoUnresolvedInserts verifies the tracker is empty. Called at
// checkpoints where every cascade must have completed (e.g. after a
// cascade-save); a non-empty tracker is an unresolved-dependency violation
// naming the first offending entity and property.
func (q *Queue) CheckNoUnresolvedInserts() error {
	return q.unresolved.check()
}

// HasUnresolvedInserts reports whether any insert is still blocked.
func (q *Queue) HasUnresolvedInserts() bool {
	return !q.unresolved.empty()
}

// AreInsertionsOrDeletionsQueued reports whether entity inserts (queued or
// unresolved), deletes, or orphan removals are pending. This is the one
// check where entity queues carry over between the flush-needed test and
// the actual flush.
func (q *Queue) AreInsertionsOrDeletionsQueued() bool {
	return q.queues[KindEntityInsert].len() > 0 ||
		q.queues[KindEntityDelete].len() > 0 ||
		q.queues[KindOrphanRemove].len() > 0 ||
		!q.unresolved.empty()
}

// HasAnyQueuedActions reports whether any category queue is non-empty.
func (q *Queue) HasAnyQueuedActions() bool {
	for _, cq := range q.queues {
		if cq.len() > 0 {
			return true
		}
	}
	return false
}

// Len returns the number of operations queued for one kind.
func (q *Queue) Len(k Kind) int {
	return q.queues[k].len()
}

// CollectionRemovalsCount returns the collection-removal queue size, for
// later use with ClearFromFlushNeededCheck.
func (q *Queue) CollectionRemovalsCount() int {
	return q.queues[KindCollectionRemove].len()
}

// Clear empties every category queue and the unresolved tracker. The
// completion registries survive: they belong to the transaction, not the
// flush.
func (q *Queue) Clear() {
	for _, cq := range q.queues {
		if cq != nil {
			cq.clear()
		}
	}
	q.unresolved.clear()
}

// ClearFromFlushNeededCheck is the narrower reset used when a flush turns
// out to be unnecessary after tentative queuing. Collection removals are
// trimmed back to the previously recorded size rather than cleared,
// because removals can legitimately be registered for collections never
// loaded in this session. Entity inserts and deletes are left alone; they
// feed AreInsertionsOrDeletionsQueued.
func (q *Queue) ClearFromFlushNeededCheck(previousCollectionRemovals int) {
	q.queue(KindCollectionRemove).trimTo(previousCollectionRemovals)
	for _, k := range []Kind{KindEntityUpdate, KindCollectionQueued, KindCollectionUpdate, KindCollectionRecreate} {
		if cq := q.queues[k]; cq != nil {
			cq.clear()
		}
	}
}

// RegisterBeforeTransactionCompletion adds a callback to run before the
// surrounding transaction finalizes. Safe to call reentrantly from within
// a draining callback.
func (q *Queue) RegisterBeforeTransactionCompletion(fn BeforeCompletionProcess) {
	q.beforeTx.register(fn)
}

// RegisterAfterTransactionCompletion adds a callback to run after the
// surrounding transaction completes. Safe to call reentrantly from within
// a draining callback.
func (q *Queue) RegisterAfterTransactionCompletion(fn AfterCompletionProcess) {
	q.afterTx.register(fn)
}

// HasBeforeTransactionActions reports pending before-completion callbacks.
func (q *Queue) HasBeforeTransactionActions() bool { return q.beforeTx.size() > 0 }

// HasAfterTransactionActions reports pending after-completion callbacks.
func (q *Queue) HasAfterTransactionActions() bool { return q.afterTx.size() > 0 }

// BeforeTransactionCompletion drains the before registry in registration
// order. The first callback error aborts the drain and propagates.
func (q *Queue) BeforeTransactionCompletion(ctx context.Context) error {
	return q.beforeTx.drain(ctx)
}

// AfterTransactionCompletion drains the after registry, then performs the
// single aggregated cache invalidation for every query space touched this
// transaction. Every callback runs even if one fails; the first error is
// returned.
func (q *Queue) AfterTransactionCompletion(ctx context.Context, success bool) error {
	spaces, err := q.afterTx.drain(ctx, success, q.s)
	if q.s.Config().QueryCacheEnabled && q.s.Cache() != nil && len(spaces) > 0 {
		sort.Strings(spaces)
		if ierr := q.s.Cache().Invalidate(ctx, spaces); ierr != nil && err == nil {
			err = fmt.Errorf("invalidate query spaces: %w", ierr)
		}
	}
	return err
}

// Queued describes one queued operation for plan output and tests.
type Queued struct {
	Kind       Kind
	EntityName string
	Key        string
	Spaces     []string
	Seq        int64
}

// Snapshot returns the queued operations in execution order: category by
// category in the fixed order, list order within each category.
func (q *Queue) Snapshot() []Queued {
	var out []Queued
	for _, k := range executionOrder {
		cq := q.queues[k]
		for i := 0; i < cq.len(); i++ {
			op := cq.get(i)
			entry := Queued{
				Kind:       op.Kind(),
				EntityName: op.EntityName(),
				Spaces:     append([]string(nil), op.QuerySpaces()...),
			}
			if ko, ok := op.(keyed); ok {
				entry.Key = ko.ComparisonKey()
			}
			if so, ok := op.(interface{ Seq() int64 }); ok {
				entry.Seq = so.Seq()
			}
			out = append(out, entry)
		}
	}
	return out
}
