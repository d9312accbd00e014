package action

import (
	"context"
	"sync"

	"github.com/calderdb/calder/internal/session"
)

// beforeRegistry collects callbacks to run just before the surrounding
// transaction finalizes.
//
// The registry is append-only under a mutex. The lock is defensive: the
// registry is owned by one logical flow, but a completion callback may
// reentrantly register another callback while the registry is draining,
// and the index-based drain below makes that an ordinary append.
type beforeRegistry struct {
	mu    sync.Mutex
	procs []BeforeCompletionProcess
}

func (r *beforeRegistry) register(fn BeforeCompletionProcess) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.procs = append(r.procs, fn)
}

func (r *beforeRegistry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.procs)
}

// drain runs every registered callback in registration order, including
// callbacks registered while draining, then clears the registry. The first
// error stops the drain; the registry is cleared regardless, because a
// transaction completes exactly once.
func (r *beforeRegistry) drain(ctx context.Context) error {
	defer r.clear()
	for i := 0; ; i++ {
		r.mu.Lock()
		if i >= len(r.procs) {
			r.mu.Unlock()
			return nil
		}
		fn := r.procs[i]
		r.mu.Unlock()

		if err := fn(ctx); err != nil {
			return err
		}
	}
}

func (r *beforeRegistry) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.procs = nil
}

// afterRegistry collects callbacks to run once the surrounding transaction
// has completed, plus the aggregated query spaces to invalidate at that
// point. Spaces accumulate across every executed queue and are invalidated
// in one call, never per row or per queue.
type afterRegistry struct {
	mu     sync.Mutex
	procs  []AfterCompletionProcess
	spaces map[string]struct{}
}

func (r *afterRegistry) register(fn AfterCompletionProcess) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.procs = append(r.procs, fn)
}

func (r *afterRegistry) addSpaces(spaces map[string]struct{}) {
	if len(spaces) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.spaces == nil {
		r.spaces = make(map[string]struct{}, len(spaces))
	}
	for s := range spaces {
		r.spaces[s] = struct{}{}
	}
}

func (r *afterRegistry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.procs)
}

// drain runs every registered callback in registration order (reentrant
// registrations included), then returns the aggregated invalidation
// spaces. Callback errors are collected into the first non-nil error but
// do not stop the drain: after-completion work observes a transaction that
// already finished, so every callback gets its chance to run.
func (r *afterRegistry) drain(ctx context.Context, success bool, s *session.Session) ([]string, error) {
	var firstErr error
	for i := 0; ; i++ {
		r.mu.Lock()
		if i >= len(r.procs) {
			r.mu.Unlock()
			break
		}
		fn := r.procs[i]
		r.mu.Unlock()

		if err := fn(ctx, success, s); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	r.mu.Lock()
	spaces := make([]string, 0, len(r.spaces))
	for sp := range r.spaces {
		spaces = append(spaces, sp)
	}
	r.procs = nil
	r.spaces = nil
	r.mu.Unlock()

	return spaces, firstErr
}
