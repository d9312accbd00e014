// Package session holds the per-flow ownership root of the write path: the
// persistence context (identity map, entries, loaded-state snapshots), the
// configuration flags, and the collaborator interfaces the flush machinery
// executes against (statement executor, cache).
//
// A Session and everything it owns belong to exactly one logical flow.
// Nothing here is goroutine-safe and nothing needs to be: suspension only
// happens at executor round-trips, and no locks are held across them.
package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Config carries the flush-behavior flags.
type Config struct {
	// OrderInserts enables dependency-aware reordering of the insert queue.
	OrderInserts bool
	// OrderUpdates enables natural-key ordering of update and collection
	// queues.
	OrderUpdates bool
	// QueryCacheEnabled gates all cache invalidation calls.
	QueryCacheEnabled bool
}

// MutationVerb names the kind of row mutation handed to an executor.
type MutationVerb string

const (
	VerbInsert           MutationVerb = "insert"
	VerbUpdate           MutationVerb = "update"
	VerbDelete           MutationVerb = "delete"
	VerbCollectionRemove MutationVerb = "collection-remove"
	VerbCollectionUpdate MutationVerb = "collection-update"
	VerbCollectionCreate MutationVerb = "collection-create"
)

// Mutation is the executor-boundary description of one row-level change.
// Statement text, dialects, and parameter binding live behind the executor.
type Mutation struct {
	Verb       MutationVerb
	EntityName string
	Table      string
	Key        string
	Role       string
	Spaces     []string
	Seq        int64
}

// StatementExecutor performs the actual statement execution and batching.
//
// Execute may buffer the mutation for driver-level batching; FlushBatch
// forces everything buffered onto the connection. Both are suspension
// points: implementations take a context and may block on I/O.
type StatementExecutor interface {
	Execute(ctx context.Context, m Mutation) error
	FlushBatch(ctx context.Context) error
}

// CacheAccess is the query-cache boundary. PreInvalidate runs before
// mutations of the given spaces execute; Invalidate runs once at
// transaction completion.
type CacheAccess interface {
	PreInvalidate(ctx context.Context, spaces []string) error
	Invalidate(ctx context.Context, spaces []string) error
}

// InsertVetoer may refuse an entity insert. Returning true vetoes the
// insert; the add surfaces an error and the entity stays transient.
type InsertVetoer interface {
	VetoInsert(inst *Instance) bool
}

// Options configures a new Session. Executor is required for any flush that
// actually executes; Cache and Vetoer may be nil.
type Options struct {
	Config   Config
	Executor StatementExecutor
	Cache    CacheAccess
	Vetoer   InsertVetoer
	Logger   *slog.Logger
}

// Session owns one unit of work: the context, config, and collaborators.
type Session struct {
	id       string
	config   Config
	ctx      *Context
	executor StatementExecutor
	cache    CacheAccess
	vetoer   InsertVetoer
	log      *slog.Logger
}

// New creates a session with a fresh persistence context.
func New(opts Options) *Session {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		id:       uuid.Must(uuid.NewV7()).String(),
		config:   opts.Config,
		ctx:      NewContext(),
		executor: opts.Executor,
		cache:    opts.Cache,
		vetoer:   opts.Vetoer,
		log:      log,
	}
}

// ID returns the session identifier (UUIDv7, time-sortable).
func (s *Session) ID() string { return s.id }

// Config returns the flush-behavior flags.
func (s *Session) Config() Config { return s.config }

// Context returns the persistence context.
func (s *Session) Context() *Context { return s.ctx }

// Executor returns the statement executor (may be nil in dry runs).
func (s *Session) Executor() StatementExecutor { return s.executor }

// Cache returns the cache boundary, or nil when no cache is attached.
func (s *Session) Cache() CacheAccess { return s.cache }

// Logger returns the session logger.
func (s *Session) Logger() *slog.Logger { return s.log }

// VetoInsert consults the configured vetoer, defaulting to no veto.
func (s *Session) VetoInsert(inst *Instance) bool {
	return s.vetoer != nil && s.vetoer.VetoInsert(inst)
}

// IsTransient reports whether inst has no persistent identity yet: no
// assigned id, or an entry that says the row is not (or no longer) in the
// database.
func (s *Session) IsTransient(inst *Instance) bool {
	if inst == nil {
		return false
	}
	if e := s.ctx.Entry(inst); e != nil {
		switch e.Status {
		case StatusGone:
			return true
		case StatusSaving, StatusManaged, StatusDeleted:
			return false
		}
	}
	return inst.ID() == ""
}

// MemoryExecutor is an in-memory StatementExecutor that records every
// mutation in order. It backs dry-run planning and tests; the SQL-backed
// executors live in the exec package.
//
// The mutex guards against callbacks observing the log while a flush is
// appending; real flushes are single-flow.
type MemoryExecutor struct {
	mu        sync.Mutex
	mutations []Mutation
	batches   int
}

// NewMemoryExecutor creates an empty recording executor.
func NewMemoryExecutor() *MemoryExecutor {
	return &MemoryExecutor{}
}

// Execute records the mutation.
func (m *MemoryExecutor) Execute(_ context.Context, mut Mutation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mutations = append(m.mutations, mut)
	return nil
}

// FlushBatch records a batch boundary.
func (m *MemoryExecutor) FlushBatch(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches++
	return nil
}

// Mutations returns a copy of the recorded mutations in execution order.
func (m *MemoryExecutor) Mutations() []Mutation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Mutation, len(m.mutations))
	copy(out, m.mutations)
	return out
}

// Batches returns the number of batch flushes.
func (m *MemoryExecutor) Batches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.batches
}
