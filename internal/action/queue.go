package action

import "sort"

// categoryQueue is the ordered container for one operation kind.
//
// The aggregated query-space set of all members is computed lazily and
// cached until the next mutation; AreTablesToBeUpdated hits it on every
// query-cache staleness check, so recomputing per call would be wasteful.
//
// Execution iterates by index, not by range snapshot: operation side
// effects may legitimately append to the queue mid-execution, and those
// appends must be picked up in the same pass.
type categoryQueue struct {
	ops []Operation

	spaces      map[string]struct{}
	spacesValid bool
}

func newCategoryQueue() *categoryQueue {
	return &categoryQueue{}
}

func (q *categoryQueue) add(op Operation) {
	q.ops = append(q.ops, op)
	q.spacesValid = false
}

func (q *categoryQueue) len() int {
	if q == nil {
		return 0
	}
	return len(q.ops)
}

func (q *categoryQueue) get(i int) Operation { return q.ops[i] }

// remove drops the operation at index i, preserving order.
func (q *categoryQueue) remove(i int) {
	copy(q.ops[i:], q.ops[i+1:])
	q.ops[len(q.ops)-1] = nil // release for GC
	q.ops = q.ops[:len(q.ops)-1]
	q.spacesValid = false
}

// indexOf returns the index of the first operation satisfying match, or -1.
func (q *categoryQueue) indexOf(match func(Operation) bool) int {
	if q == nil {
		return -1
	}
	for i, op := range q.ops {
		if match(op) {
			return i
		}
	}
	return -1
}

// clear empties the queue but keeps the container for the next flush.
func (q *categoryQueue) clear() {
	for i := range q.ops {
		q.ops[i] = nil
	}
	q.ops = q.ops[:0]
	q.spacesValid = false
}

// trimTo cuts the queue back to a previously recorded size, dropping only
// operations added after that point.
func (q *categoryQueue) trimTo(n int) {
	if q == nil || n >= len(q.ops) {
		return
	}
	for i := n; i < len(q.ops); i++ {
		q.ops[i] = nil
	}
	q.ops = q.ops[:n]
	q.spacesValid = false
}

// querySpaces returns the aggregated query-space set of all members.
func (q *categoryQueue) querySpaces() map[string]struct{} {
	if q == nil {
		return nil
	}
	if !q.spacesValid {
		spaces := make(map[string]struct{})
		for _, op := range q.ops {
			for _, s := range op.QuerySpaces() {
				spaces[s] = struct{}{}
			}
		}
		q.spaces = spaces
		q.spacesValid = true
	}
	return q.spaces
}

// sortStable orders the queue by the given less function, preserving the
// relative order of equal elements so queue order remains deterministic.
func (q *categoryQueue) sortStable(less func(a, b Operation) bool) {
	if q.len() < 2 {
		return
	}
	sort.SliceStable(q.ops, func(i, j int) bool {
		return less(q.ops[i], q.ops[j])
	})
}

// replace swaps in a reordered operation list. Used by the insert sorter,
// which rebuilds the list from its batch buckets.
func (q *categoryQueue) replace(ops []Operation) {
	q.ops = ops
	q.spacesValid = false
}

// snapshot returns a copy of the current operations.
func (q *categoryQueue) snapshot() []Operation {
	if q == nil {
		return nil
	}
	out := make([]Operation, len(q.ops))
	copy(out, q.ops)
	return out
}
