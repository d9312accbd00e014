// Package action implements the pending-operation queue of the write path:
// operation kinds and their category queues, the queue coordinator that
// drives the fixed execution order, the unresolved-insert tracker, the
// insert batch sorter, and the transaction-completion registries.
//
// Everything here is owned by one session and one logical flow. Operations
// are buffered while the application mutates the object graph, sorted once
// all adds for the flush are in, then executed category by category in a
// fixed order. Suspension happens only at executor round-trips; between
// round-trips execution is strictly sequential, so queue order is the
// database order.
package action

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/calderdb/calder/internal/session"
)

// Kind classifies a queued operation into its category queue.
type Kind int

const (
	// KindCollectionRemove removes stale collection rows.
	KindCollectionRemove Kind = iota
	// KindOrphanRemove deletes an entity orphaned by its owning
	// association, ahead of the update that released it.
	KindOrphanRemove
	// KindEntityInsert inserts an entity row.
	KindEntityInsert
	// KindEntityUpdate updates an entity row.
	KindEntityUpdate
	// KindCollectionQueued applies element-level operations queued against
	// an uninitialized collection.
	KindCollectionQueued
	// KindCollectionUpdate rewrites changed collection rows.
	KindCollectionUpdate
	// KindCollectionRecreate drops and re-inserts a collection's rows.
	KindCollectionRecreate
	// KindEntityDelete deletes an entity row. Runs last so foreign keys
	// released by updates are honored.
	KindEntityDelete

	numKinds = int(KindEntityDelete) + 1
)

// executionOrder is the fixed category order of a full flush. The order is
// load-bearing: removals of stale collection rows and orphans must precede
// inserts/updates that might re-add rows with the same key, and deletes run
// last.
var executionOrder = [numKinds]Kind{
	KindCollectionRemove,
	KindOrphanRemove,
	KindEntityInsert,
	KindEntityUpdate,
	KindCollectionQueued,
	KindCollectionUpdate,
	KindCollectionRecreate,
	KindEntityDelete,
}

// String returns the category name used in logs and plan output.
func (k Kind) String() string {
	switch k {
	case KindCollectionRemove:
		return "collection-remove"
	case KindOrphanRemove:
		return "orphan-remove"
	case KindEntityInsert:
		return "entity-insert"
	case KindEntityUpdate:
		return "entity-update"
	case KindCollectionQueued:
		return "collection-queued-op"
	case KindCollectionUpdate:
		return "collection-update"
	case KindCollectionRecreate:
		return "collection-recreate"
	case KindEntityDelete:
		return "entity-delete"
	default:
		return "unknown"
	}
}

// BeforeCompletionProcess runs before the surrounding transaction
// finalizes. It captures whatever arguments it needs at registration time.
type BeforeCompletionProcess func(ctx context.Context) error

// AfterCompletionProcess runs once the surrounding transaction has
// completed; success reports whether it committed. The session is passed
// explicitly because after-completion work may need live session state.
type AfterCompletionProcess func(ctx context.Context, success bool, s *session.Session) error

// Operation is the contract every queued mutation satisfies.
//
// INVARIANT: once classified into a category queue, an operation executes
// at most once and is then removed. It is never re-queued after execution;
// re-submission happens only before execution, via the unresolved tracker.
type Operation interface {
	// Kind classifies the operation into its category queue.
	Kind() Kind
	// EntityName names the affected entity type or collection element.
	EntityName() string
	// QuerySpaces returns the tables this operation touches.
	QuerySpaces() []string
	// Execute performs the mutation against the session's executor.
	Execute(ctx context.Context) error
	// BeforeTransactionCompletion returns the callback to register once
	// this operation has executed, or nil.
	BeforeTransactionCompletion() BeforeCompletionProcess
	// AfterTransactionCompletion returns the callback to register once
	// this operation has executed, or nil.
	AfterTransactionCompletion() AfterCompletionProcess
}

// EntityOperation is implemented by the entity-kind operations. They carry
// the affected instance and a comparison key for sort-stable ordering.
type EntityOperation interface {
	Operation
	// Instance returns the affected live instance.
	Instance() *session.Instance
	// ComparisonKey is the primary key, or a synthetic surrogate assigned
	// at queue time for instances without one. Keys are mutually
	// comparable within one category.
	ComparisonKey() string
}

// CollectionOperation is implemented by the collection-kind operations,
// which expose a pre-execution hook run before any execution begins.
type CollectionOperation interface {
	Operation
	// Collection returns the affected collection.
	Collection() *session.Collection
	// Role returns the collection role.
	Role() string
	// Prepare runs the pre-execution hook. No suspension point: it must
	// not touch the executor.
	Prepare(ctx context.Context) error
}

// KeySource produces synthetic surrogate comparison keys.
type KeySource interface {
	Next() string
}

// UUIDv7Source generates time-ordered UUIDv7 surrogates, so surrogate
// order approximates registration order. Stateless and safe for
// concurrent use.
type UUIDv7Source struct{}

// Next returns a new UUIDv7 string.
func (UUIDv7Source) Next() string {
	return uuid.Must(uuid.NewV7()).String()
}

// FixedKeySource returns predetermined keys, for deterministic tests and
// golden plan output.
type FixedKeySource struct {
	mu   sync.Mutex
	keys []string
	idx  int
}

// NewFixedKeySource creates a source that returns keys in order and panics
// when exhausted. Exhaustion means the test asked for more keys than it
// declared, which is a test bug worth failing fast on.
func NewFixedKeySource(keys ...string) *FixedKeySource {
	return &FixedKeySource{keys: keys}
}

// Next returns the next predetermined key.
func (f *FixedKeySource) Next() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.idx >= len(f.keys) {
		panic("FixedKeySource: all keys consumed")
	}
	k := f.keys[f.idx]
	f.idx++
	return k
}
