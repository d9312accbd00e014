package action

import (
	"log/slog"

	"github.com/calderdb/calder/internal/session"
)

// unresolvedTracker holds inserts whose required non-nullable associations
// point at instances with no persisted identity yet. A tracked insert is
// inert: it never reaches its category queue or the batch sorter until
// every blocking reference resolves.
//
// The tracker keeps a forward index (insert -> blocking instances with
// their owning property paths) and a reverse index (blocking instance ->
// dependent inserts) so resolution of one entity finds its waiters without
// scanning.
type unresolvedTracker struct {
	// dependenciesByInsert: insert -> blocking instance -> property path.
	dependenciesByInsert map[*EntityInsertAction]map[*session.Instance]string
	// dependentsByInstance: blocking instance -> dependent inserts, in
	// registration order for deterministic resolution.
	dependentsByInstance map[*session.Instance][]*EntityInsertAction

	log *slog.Logger
}

func newUnresolvedTracker(log *slog.Logger) *unresolvedTracker {
	return &unresolvedTracker{
		dependenciesByInsert: make(map[*EntityInsertAction]map[*session.Instance]string),
		dependentsByInstance: make(map[*session.Instance][]*EntityInsertAction),
		log:                  log,
	}
}

// add registers an insert with its blocking references.
func (t *unresolvedTracker) add(insert *EntityInsertAction, deps map[*session.Instance]string) {
	t.dependenciesByInsert[insert] = deps
	for ref := range deps {
		t.dependentsByInstance[ref] = append(t.dependentsByInstance[ref], insert)
	}
	t.log.Debug("insert deferred on transient references",
		"entity", insert.EntityName(),
		"blocked_on", len(deps))
}

// resolve marks inst as having an assigned identity and returns the
// inserts that are now fully unblocked, in registration order. Inserts
// still blocked on other instances stay tracked.
func (t *unresolvedTracker) resolve(inst *session.Instance) []*EntityInsertAction {
	waiters := t.dependentsByInstance[inst]
	if len(waiters) == 0 {
		return nil
	}
	delete(t.dependentsByInstance, inst)

	var ready []*EntityInsertAction
	for _, insert := range waiters {
		deps := t.dependenciesByInsert[insert]
		delete(deps, inst)
		if len(deps) == 0 {
			delete(t.dependenciesByInsert, insert)
			ready = append(ready, insert)
		}
	}
	if len(ready) > 0 {
		t.log.Debug("transient reference resolved",
			"entity", inst.EntityName(),
			"released_inserts", len(ready))
	}
	return ready
}

// empty reports whether no unresolved inserts remain.
func (t *unresolvedTracker) empty() bool {
	return len(t.dependenciesByInsert) == 0
}

// size returns the number of tracked inserts.
func (t *unresolvedTracker) size() int {
	return len(t.dependenciesByInsert)
}

// check returns nil when the tracker is empty, otherwise an
// unresolved-dependency error identifying the first offending
// entity/property pair. "First" is by insert sequence so repeated checks
// name the same offender.
func (t *unresolvedTracker) check() error {
	if t.empty() {
		return nil
	}
	var offender *EntityInsertAction
	for insert := range t.dependenciesByInsert {
		if offender == nil || insert.Seq() < offender.Seq() || (insert.Seq() == offender.Seq() && insert.EntityName() < offender.EntityName()) {
			offender = insert
		}
	}
	deps := t.dependenciesByInsert[offender]
	var path, dependsOn string
	for ref, p := range deps {
		if path == "" || p < path {
			path = p
			dependsOn = ref.EntityName()
		}
	}
	return NewUnresolvedDependencyError(offender.EntityName(), path, dependsOn)
}

// spaces returns the aggregated query spaces of all tracked inserts, for
// staleness checks: a deferred insert will still touch its tables.
func (t *unresolvedTracker) spaces() map[string]struct{} {
	out := make(map[string]struct{})
	for insert := range t.dependenciesByInsert {
		for _, s := range insert.QuerySpaces() {
			out[s] = struct{}{}
		}
	}
	return out
}

// clear drops all tracked state.
func (t *unresolvedTracker) clear() {
	t.dependenciesByInsert = make(map[*EntityInsertAction]map[*session.Instance]string)
	t.dependentsByInstance = make(map[*session.Instance][]*EntityInsertAction)
}
