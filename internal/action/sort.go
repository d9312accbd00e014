package action

import (
	"log/slog"

	"github.com/calderdb/calder/internal/meta"
	"github.com/calderdb/calder/internal/session"
)

// batchIdentifier is a sort-time-only node representing one
// (entity name, root entity name) group of queued inserts.
//
// parentNames holds entity names this group's rows reference (their rows
// must exist first); childNames holds entity names whose rows reference
// this group (their rows come after). Many-to-many collections contribute
// to neither.
//
// Nodes live in a slice owned by the sort call and refer to their parent
// group by index into that slice (-1 = none); nothing here survives the
// call.
type batchIdentifier struct {
	entityName string
	rootName   string

	parentNames map[string]struct{}
	childNames  map[string]struct{}

	parent int
}

func newBatchIdentifier(entityName, rootName string) *batchIdentifier {
	return &batchIdentifier{
		entityName:  entityName,
		rootName:    rootName,
		parentNames: make(map[string]struct{}),
		childNames:  make(map[string]struct{}),
		parent:      -1,
	}
}

// insertSorter reorders an insert list to respect foreign-key direction
// while keeping same-entity batches contiguous for driver-level batching.
//
// This is an O(n²) heuristic over entity-name groups, not a formal
// topological sort: it tolerates cycles (logical one-to-one pairs, mutual
// optional references) and degrades to a best-effort order instead of
// failing.
type insertSorter struct {
	model *meta.Model
	log   *slog.Logger

	batches []*batchIdentifier
	buckets [][]Operation
}

func newInsertSorter(model *meta.Model, log *slog.Logger) *insertSorter {
	return &insertSorter{model: model, log: log}
}

// sort returns the inserts reordered; same-entity groups stay contiguous.
func (s *insertSorter) sort(ops []Operation) []Operation {
	if len(ops) < 2 {
		return ops
	}

	for _, op := range ops {
		ins, ok := op.(*EntityInsertAction)
		if !ok {
			// Foreign operation kind in the insert queue; bail out rather
			// than reorder something we cannot reason about.
			s.log.Warn("insert queue contains non-insert operation, skipping sort",
				"kind", op.Kind().String())
			return ops
		}
		s.addToBatch(ins)
	}

	s.linkBatches()
	order, converged, scans := s.reorder()
	if !converged {
		s.log.Warn("insert sort did not converge, likely circular references; using best-effort order",
			"groups", len(s.batches),
			"scans", scans)
	}

	out := make([]Operation, 0, len(ops))
	for _, idx := range order {
		out = append(out, s.buckets[idx]...)
	}
	return out
}

// addToBatch finds or creates the group for the insert's entity name and
// records the insert's dependency edges on it. The group list is scanned
// linearly: the number of distinct entity names is small relative to the
// row count.
func (s *insertSorter) addToBatch(ins *EntityInsertAction) {
	entityName := ins.EntityName()
	var batch *batchIdentifier
	var idx int
	for i, b := range s.batches {
		if b.entityName == entityName {
			batch, idx = b, i
			break
		}
	}
	if batch == nil {
		mapping := s.model.Entity(entityName)
		rootName := entityName
		if mapping != nil {
			rootName = mapping.RootName()
		}
		batch = newBatchIdentifier(entityName, rootName)
		s.batches = append(s.batches, batch)
		s.buckets = append(s.buckets, nil)
		idx = len(s.batches) - 1
	}
	s.buckets[idx] = append(s.buckets[idx], ins)
	s.collectEdges(batch, ins.Instance(), "", insMapping(s.model, ins))
}

func insMapping(model *meta.Model, ins *EntityInsertAction) []meta.Property {
	mapping := model.Entity(ins.EntityName())
	if mapping == nil {
		return nil
	}
	return mapping.Properties
}

// collectEdges records parent/child relationships for every non-null
// association value, recursing into composites:
//   - a to-one whose foreign key points back toward the referencing row's
//     own table (logical one-to-one stored on the parent side) makes the
//     referenced entity a child;
//   - every other to-one or any-type association makes the referenced
//     entity a parent, along with its concrete runtime type and root
//     entity name when those differ;
//   - a to-many collection of entities (excluding many-to-many) makes the
//     element entity a child.
func (s *insertSorter) collectEdges(batch *batchIdentifier, inst *session.Instance, base string, props []meta.Property) {
	for i := range props {
		p := &props[i]
		path := meta.PathJoin(base, p.Name)
		switch p.Kind {
		case meta.KindToOne, meta.KindAny:
			ref := session.Unproxy(inst.GetPath(path))
			if ref == nil {
				continue
			}
			if p.Kind == meta.KindToOne && p.FK == meta.FKToParent {
				batch.childNames[ref.EntityName()] = struct{}{}
				continue
			}
			if p.Target != "" {
				batch.parentNames[p.Target] = struct{}{}
			}
			if ref.EntityName() != p.Target {
				batch.parentNames[ref.EntityName()] = struct{}{}
				if m := s.model.Entity(ref.EntityName()); m != nil {
					batch.parentNames[m.RootName()] = struct{}{}
				}
			}
		case meta.KindComposite:
			s.collectEdges(batch, inst, path, p.Sub)
		case meta.KindCollection:
			if p.Target != "" && !p.ManyToMany {
				batch.childNames[p.Target] = struct{}{}
			}
		}
	}
}

// linkBatches assigns parent pointers by dependency direction: a group
// points at the group whose rows its own rows reference, either because
// its parent-name set mentions that group or because that group's
// child-name set mentions it. Mutual references leave both groups
// pointing at each other; that is the cycle the reorder pass tolerates.
func (s *insertSorter) linkBatches() {
	for i, bi := range s.batches {
		for j, bj := range s.batches {
			if i == j {
				continue
			}
			if _, ok := bi.parentNames[bj.entityName]; ok {
				bi.parent = j
				continue
			}
			if _, ok := bi.parentNames[bj.rootName]; ok {
				bi.parent = j
				continue
			}
			if _, ok := bj.childNames[bi.entityName]; ok {
				bi.parent = j
				continue
			}
			if _, ok := bj.childNames[bi.rootName]; ok {
				bi.parent = j
			}
		}
	}
}

// reorder iteratively moves a group after any group it depends on, until a
// full scan produces no move or the scan budget (group count squared) is
// exhausted. Exceeding the budget is a likely circular reference: the
// caller logs a warning and keeps whatever order was reached.
func (s *insertSorter) reorder() (order []int, converged bool, scans int) {
	n := len(s.batches)
	order = make([]int, n)
	for i := range order {
		order[i] = i
	}
	if n < 2 {
		return order, true, 0
	}

	maxScans := n * n
	for scans < maxScans {
		scans++
		moved := false
		for i := 0; i < n && !moved; i++ {
			for j := i + 1; j < n; j++ {
				gi, gj := order[i], order[j]
				if s.dependsOn(gi, gj) && !s.dependsOn(gj, gi) {
					// Move group i to position j, i.e. after its
					// dependency, and restart the scan.
					copy(order[i:j], order[i+1:j+1])
					order[j] = gi
					moved = true
					break
				}
			}
		}
		if !moved {
			return order, true, scans
		}
	}
	return order, false, scans
}

// dependsOn reports whether group a must come after group b: b is an
// ancestor of a via the parent chain, or a's parent-name set names b
// directly. The chain walk is bounded by the group count because mutual
// references make it cyclic.
func (s *insertSorter) dependsOn(a, b int) bool {
	p := s.batches[a].parent
	for steps := 0; p != -1 && steps < len(s.batches); steps++ {
		if p == b {
			return true
		}
		p = s.batches[p].parent
	}
	ba, bb := s.batches[a], s.batches[b]
	if _, ok := ba.parentNames[bb.entityName]; ok {
		return true
	}
	_, ok := ba.parentNames[bb.rootName]
	return ok
}
