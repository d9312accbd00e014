package session

import (
	"fmt"

	"github.com/calderdb/calder/internal/meta"
)

// Instance is one live entity instance in the in-memory object graph.
//
// Property values are held in a generic map keyed by property name:
//   - basic:      any scalar
//   - to-one/any: *Instance or *Proxy (nil interface value = null)
//   - composite:  map[string]any of sub-property values
//   - collection: *Collection
//
// Instances are identified by pointer within a session; ID is the assigned
// database identifier ("" while transient).
type Instance struct {
	entityName string
	id         string
	values     map[string]any
}

// NewInstance creates a transient instance of the named entity.
func NewInstance(entityName string) *Instance {
	return &Instance{
		entityName: entityName,
		values:     make(map[string]any),
	}
}

// NewInstanceWithID creates an instance carrying an assigned identifier.
func NewInstanceWithID(entityName, id string) *Instance {
	inst := NewInstance(entityName)
	inst.id = id
	return inst
}

// EntityName returns the mapped entity name.
func (i *Instance) EntityName() string { return i.entityName }

// ID returns the assigned identifier, "" while none is assigned.
func (i *Instance) ID() string { return i.id }

// SetID assigns the identifier. Assigning twice with different values is a
// programming error and panics: identity must be stable once visible.
func (i *Instance) SetID(id string) {
	if i.id != "" && i.id != id {
		panic(fmt.Sprintf("instance %s: identifier reassigned %s -> %s", i.entityName, i.id, id))
	}
	i.id = id
}

// Get returns the value of the named property (nil if unset).
func (i *Instance) Get(name string) any {
	v, ok := i.values[name]
	if !ok {
		return nil
	}
	return v
}

// Set assigns a property value.
func (i *Instance) Set(name string, value any) {
	i.values[name] = value
}

// GetPath resolves a dotted component path ("address.city") through
// composite values. Returns nil if any segment is unset.
func (i *Instance) GetPath(path string) any {
	segments := meta.PathSplit(path)
	var current any = i.values[segments[0]]
	for _, seg := range segments[1:] {
		comp, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current = comp[seg]
	}
	return current
}

// String implements fmt.Stringer for log output.
func (i *Instance) String() string {
	if i == nil {
		return "<nil>"
	}
	if i.id == "" {
		return i.entityName + "#<transient>"
	}
	return i.entityName + "#" + i.id
}

// Proxy is a lazy-loading placeholder for a to-one association.
//
// An uninitialized proxy knows the target's entity name and identifier but
// has not materialized the instance. Cascade walks skip uninitialized
// proxies unless the action forces initialization through the session.
type Proxy struct {
	entityName string
	id         string
	target     *Instance
}

// NewProxy creates an uninitialized proxy for the given target identity.
func NewProxy(entityName, id string) *Proxy {
	return &Proxy{entityName: entityName, id: id}
}

// NewInitializedProxy wraps an already materialized instance.
func NewInitializedProxy(target *Instance) *Proxy {
	return &Proxy{entityName: target.EntityName(), id: target.ID(), target: target}
}

// EntityName returns the target entity name.
func (p *Proxy) EntityName() string { return p.entityName }

// ID returns the target identifier.
func (p *Proxy) ID() string { return p.id }

// Initialized reports whether the target has been materialized.
func (p *Proxy) Initialized() bool { return p.target != nil }

// Target returns the materialized instance, nil while uninitialized.
func (p *Proxy) Target() *Instance { return p.target }

// Initialize materializes the proxy with the given instance.
func (p *Proxy) Initialize(target *Instance) { p.target = target }

// Unproxy resolves a property value to the underlying instance:
// instances pass through, initialized proxies yield their target,
// uninitialized proxies and anything else yield nil.
func Unproxy(value any) *Instance {
	switch v := value.(type) {
	case *Instance:
		return v
	case *Proxy:
		return v.target
	default:
		return nil
	}
}

// Collection is the live state of one mapped collection.
type Collection struct {
	role     string
	owner    *Instance
	elements []*Instance

	initialized       bool
	newlyInstantiated bool
	snapshot          []*Instance
	queuedOps         int
}

// NewCollection creates an initialized, newly instantiated collection: one
// the application created in memory, with no database rows behind it yet.
func NewCollection(role string, owner *Instance) *Collection {
	return &Collection{
		role:              role,
		owner:             owner,
		initialized:       true,
		newlyInstantiated: true,
	}
}

// NewLoadedCollection creates a collection materialized from the database,
// with the given elements recorded as its loaded-state snapshot.
func NewLoadedCollection(role string, owner *Instance, elements []*Instance) *Collection {
	snapshot := make([]*Instance, len(elements))
	copy(snapshot, elements)
	return &Collection{
		role:        role,
		owner:       owner,
		elements:    elements,
		initialized: true,
		snapshot:    snapshot,
	}
}

// NewUninitializedCollection creates a lazy collection that was never
// fetched. It has no elements and no snapshot.
func NewUninitializedCollection(role string, owner *Instance) *Collection {
	return &Collection{role: role, owner: owner}
}

// Role returns the collection role.
func (c *Collection) Role() string { return c.role }

// Owner returns the owning instance.
func (c *Collection) Owner() *Instance { return c.owner }

// Initialized reports whether the collection has been fetched or created.
func (c *Collection) Initialized() bool { return c.initialized }

// NewlyInstantiated reports whether the collection was created in memory
// this session, i.e. it has no previously loaded state to diff against.
func (c *Collection) NewlyInstantiated() bool { return c.newlyInstantiated }

// Elements returns the current live elements. Uninitialized collections
// return nil.
func (c *Collection) Elements() []*Instance {
	if !c.initialized {
		return nil
	}
	return c.elements
}

// AllElements returns the union of current elements and snapshot elements,
// current first, without duplicates. Delete walks use this so elements
// removed in memory are still cascaded.
func (c *Collection) AllElements() []*Instance {
	out := make([]*Instance, 0, len(c.elements)+len(c.snapshot))
	seen := make(map[*Instance]bool, len(c.elements))
	for _, e := range c.elements {
		if e != nil && !seen[e] {
			seen[e] = true
			out = append(out, e)
		}
	}
	for _, e := range c.snapshot {
		if e != nil && !seen[e] {
			seen[e] = true
			out = append(out, e)
		}
	}
	return out
}

// Add appends an element.
func (c *Collection) Add(e *Instance) {
	c.elements = append(c.elements, e)
}

// Remove drops the first occurrence of e from the live elements.
func (c *Collection) Remove(e *Instance) {
	for idx, cur := range c.elements {
		if cur == e {
			c.elements = append(c.elements[:idx], c.elements[idx+1:]...)
			return
		}
	}
}

// Orphans returns snapshot elements no longer present in the live
// elements: candidates for orphan removal.
func (c *Collection) Orphans() []*Instance {
	if c.newlyInstantiated || len(c.snapshot) == 0 {
		return nil
	}
	live := make(map[*Instance]bool, len(c.elements))
	for _, e := range c.elements {
		live[e] = true
	}
	var orphans []*Instance
	for _, e := range c.snapshot {
		if e != nil && !live[e] {
			orphans = append(orphans, e)
		}
	}
	return orphans
}

// QueueOp records one deferred element-level operation against an
// uninitialized collection (add/remove without fetching).
func (c *Collection) QueueOp() { c.queuedOps++ }

// QueuedOps returns the number of deferred element-level operations.
func (c *Collection) QueuedOps() int { return c.queuedOps }
