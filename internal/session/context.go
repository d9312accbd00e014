package session

import "fmt"

// Status is the persistence state of a tracked instance.
type Status int

const (
	// StatusManaged: the instance is tracked and has (or will have) a row.
	StatusManaged Status = iota + 1
	// StatusDeleted: a delete has been scheduled for the instance.
	StatusDeleted
	// StatusGone: the delete has executed; the row no longer exists.
	StatusGone
	// StatusSaving: an insert is queued but has not executed yet.
	StatusSaving
)

// String returns the lowercase status name.
func (s Status) String() string {
	switch s {
	case StatusManaged:
		return "managed"
	case StatusDeleted:
		return "deleted"
	case StatusGone:
		return "gone"
	case StatusSaving:
		return "saving"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Entry is the persistence-context bookkeeping for one tracked instance.
type Entry struct {
	Instance *Instance
	Status   Status

	// ExistsInDB is true once the row is known to be present.
	ExistsInDB bool

	// LoadedState maps property paths (dotted for composites) to the value
	// observed when the instance was loaded. Used for dirty checking and
	// orphan detection.
	LoadedState map[string]any
}

// identityKey is the identity-map key: entity name plus assigned id.
type identityKey struct {
	entity string
	id     string
}

// Context is the persistence context: the identity map and entry table for
// one session. It is owned by exactly one logical flow and is not
// goroutine-safe.
type Context struct {
	entries  map[*Instance]*Entry
	identity map[identityKey]*Instance

	// cascadeParents tracks child -> parent for the duration of a cascade
	// step, preventing duplicate cascades when the graph has cycles.
	cascadeParents map[*Instance]*Instance
}

// NewContext creates an empty persistence context.
func NewContext() *Context {
	return &Context{
		entries:        make(map[*Instance]*Entry),
		identity:       make(map[identityKey]*Instance),
		cascadeParents: make(map[*Instance]*Instance),
	}
}

// Entry returns the bookkeeping entry for inst, or nil if untracked.
func (c *Context) Entry(inst *Instance) *Entry {
	return c.entries[inst]
}

// Contains reports whether inst is tracked.
func (c *Context) Contains(inst *Instance) bool {
	_, ok := c.entries[inst]
	return ok
}

// ByIdentity returns the tracked instance with the given identity, or nil.
func (c *Context) ByIdentity(entityName, id string) *Instance {
	return c.identity[identityKey{entity: entityName, id: id}]
}

// Track adds (or updates) an entry for inst with the given status. When the
// instance has an assigned id it is registered in the identity map; a
// conflicting registration for the same identity is a programming error.
func (c *Context) Track(inst *Instance, status Status) *Entry {
	e := c.entries[inst]
	if e == nil {
		e = &Entry{Instance: inst}
		c.entries[inst] = e
	}
	e.Status = status
	if id := inst.ID(); id != "" {
		key := identityKey{entity: inst.EntityName(), id: id}
		if prev, ok := c.identity[key]; ok && prev != inst {
			panic(fmt.Sprintf("identity map collision for %s#%s", inst.EntityName(), id))
		}
		c.identity[key] = inst
	}
	return e
}

// TrackLoaded registers inst as managed with the given loaded-state
// snapshot, as if it had been materialized from the database.
func (c *Context) TrackLoaded(inst *Instance, loadedState map[string]any) *Entry {
	e := c.Track(inst, StatusManaged)
	e.ExistsInDB = true
	e.LoadedState = loadedState
	return e
}

// Evict removes inst from the context and identity map.
func (c *Context) Evict(inst *Instance) {
	delete(c.entries, inst)
	if id := inst.ID(); id != "" {
		key := identityKey{entity: inst.EntityName(), id: id}
		if c.identity[key] == inst {
			delete(c.identity, key)
		}
	}
}

// LoadedValue returns the last-loaded value of the given property path for
// inst, with ok=false when no snapshot is available.
func (c *Context) LoadedValue(inst *Instance, path string) (any, bool) {
	e := c.entries[inst]
	if e == nil || e.LoadedState == nil {
		return nil, false
	}
	v, ok := e.LoadedState[path]
	return v, ok
}

// AddChildParent records child -> parent cascade bookkeeping. Returns false
// if the child already has a recorded parent, meaning a cascade for it is
// already in progress and must not be repeated.
func (c *Context) AddChildParent(child, parent *Instance) bool {
	if _, ok := c.cascadeParents[child]; ok {
		return false
	}
	c.cascadeParents[child] = parent
	return true
}

// RemoveChildParent clears the child -> parent record after a cascade step.
func (c *Context) RemoveChildParent(child *Instance) {
	delete(c.cascadeParents, child)
}

// Size returns the number of tracked instances.
func (c *Context) Size() int { return len(c.entries) }

// Clear drops all tracked state.
func (c *Context) Clear() {
	c.entries = make(map[*Instance]*Entry)
	c.identity = make(map[identityKey]*Instance)
	c.cascadeParents = make(map[*Instance]*Instance)
}
