package meta

import (
	"fmt"
	"strings"
)

// PropertyKind classifies a mapped property.
type PropertyKind int

const (
	// KindBasic is a scalar column value (string, int, ...).
	KindBasic PropertyKind = iota + 1
	// KindToOne is a single-valued association to another entity.
	KindToOne
	// KindAny is a single-valued association whose target entity is only
	// known at runtime (discriminated reference).
	KindAny
	// KindComposite is an embedded value object with sub-properties.
	KindComposite
	// KindCollection is a multi-valued association or element collection.
	KindCollection
)

// String returns the lowercase kind name used in fixtures and logs.
func (k PropertyKind) String() string {
	switch k {
	case KindBasic:
		return "basic"
	case KindToOne:
		return "to_one"
	case KindAny:
		return "any"
	case KindComposite:
		return "composite"
	case KindCollection:
		return "collection"
	default:
		return fmt.Sprintf("PropertyKind(%d)", int(k))
	}
}

// CascadeStyle is a bitmask of operations a property cascades to its value.
type CascadeStyle uint8

const (
	// CascadeNone cascades nothing.
	CascadeNone CascadeStyle = 0
	// CascadeSaveUpdate cascades save and update walks.
	CascadeSaveUpdate CascadeStyle = 1 << iota
	// CascadeDelete cascades delete walks.
	CascadeDelete
	// CascadeLock cascades lock requests.
	CascadeLock
	// CascadeRefresh cascades refresh requests.
	CascadeRefresh
	// CascadeMerge cascades merge walks.
	CascadeMerge

	// CascadeAll cascades every operation.
	CascadeAll = CascadeSaveUpdate | CascadeDelete | CascadeLock | CascadeRefresh | CascadeMerge
)

// Has reports whether the style includes the given bit(s).
func (c CascadeStyle) Has(bit CascadeStyle) bool { return c&bit != 0 }

// FKDirection describes which side of a to-one association carries the
// foreign key, relative to the entity that declares the property.
type FKDirection int

const (
	// FKFromParent: the declaring entity's row carries the foreign key
	// column pointing at the referenced entity. The referenced row must
	// exist first; the referenced entity is a parent for insert ordering.
	FKFromParent FKDirection = iota + 1
	// FKToParent: the foreign key points back toward the declaring
	// entity's own table (a logical one-to-one stored on the parent side).
	// The referenced row depends on ours; it is a child for insert
	// ordering, and its orphan delete must run before queued updates.
	FKToParent
)

// CascadePoint identifies where in the flush cycle a cascade walk runs.
type CascadePoint int

const (
	// PointAfterInsertBeforeDelete is the usual save/update walk position:
	// parent rows are in place, deletes have not run yet.
	PointAfterInsertBeforeDelete CascadePoint = iota + 1
	// PointBeforeInsertAfterDelete is the inverse position used when the
	// referenced side must be handled before the declaring row exists.
	PointBeforeInsertAfterDelete
	// PointBeforeFlush is the pre-flush walk that only queues work.
	PointBeforeFlush
)

// CascadeNow reports whether an association with this foreign-key direction
// should cascade at the given point. An association cascades at every point
// except the one that would violate its key dependency.
func (d FKDirection) CascadeNow(p CascadePoint) bool {
	switch d {
	case FKToParent:
		return p != PointAfterInsertBeforeDelete
	case FKFromParent:
		return p != PointBeforeInsertAfterDelete
	default:
		return true
	}
}

// Property describes one mapped property of an entity or composite.
type Property struct {
	Name    string
	Kind    PropertyKind
	Cascade CascadeStyle

	// Nullable is false when the column(s) backing this property carry a
	// NOT NULL constraint. Only meaningful for to-one/any associations,
	// where it decides whether a transient reference blocks an insert.
	Nullable bool

	// Lazy marks the property as lazily fetched. Lazy properties are
	// skipped by cascade walks unless the action forces initialization.
	Lazy bool

	// Target names the referenced entity for to-one/any associations and
	// the element entity for entity collections ("" for basic elements).
	Target string

	// FK is the foreign-key direction of a to-one association.
	FK FKDirection

	// LogicalOneToOne marks a one-to-one enforced via a unique foreign key
	// rather than a shared primary key. Subject to orphan detection.
	LogicalOneToOne bool

	// OrphanDelete enables orphan removal for this association.
	OrphanDelete bool

	// ManyToMany marks a collection joined through an association table.
	// Many-to-many elements never participate in insert-ordering edges.
	ManyToMany bool

	// Role is the fully qualified collection role, e.g. "Order.lines".
	Role string

	// CollectionTable is the table backing a collection (join or element
	// table); empty when the collection is carried by the element's table.
	CollectionTable string

	// Sub holds the sub-properties of a composite.
	Sub []Property
}

// Entity is the mapping of one entity type.
type Entity struct {
	// Name is the entity name, unique within a Model.
	Name string
	// Root is the root entity name of the inheritance hierarchy;
	// defaults to Name.
	Root string
	// Table is the primary table.
	Table string
	// Spaces are the query spaces (tables) a mutation of this entity
	// touches. Always includes Table.
	Spaces []string

	Properties []Property

	byName map[string]*Property
}

// Property returns the named property, or nil.
func (e *Entity) Property(name string) *Property {
	return e.byName[name]
}

// RootName returns the inheritance root, falling back to the entity name.
func (e *Entity) RootName() string {
	if e.Root != "" {
		return e.Root
	}
	return e.Name
}

// Model is an immutable registry of entity mappings.
type Model struct {
	byName map[string]*Entity
	names  []string
}

// NewModel validates the entities and builds a registry.
//
// Validation checks referential consistency only: association targets must
// name a mapped entity, collection roles must be unique, and every entity
// needs a table.
func NewModel(entities ...*Entity) (*Model, error) {
	m := &Model{byName: make(map[string]*Entity, len(entities))}
	for _, e := range entities {
		if e.Name == "" {
			return nil, fmt.Errorf("entity with empty name")
		}
		if e.Table == "" {
			return nil, fmt.Errorf("entity %s: missing table", e.Name)
		}
		if _, dup := m.byName[e.Name]; dup {
			return nil, fmt.Errorf("duplicate entity name %s", e.Name)
		}
		if len(e.Spaces) == 0 {
			e.Spaces = []string{e.Table}
		}
		e.byName = make(map[string]*Property, len(e.Properties))
		for i := range e.Properties {
			e.byName[e.Properties[i].Name] = &e.Properties[i]
		}
		m.byName[e.Name] = e
		m.names = append(m.names, e.Name)
	}
	roles := make(map[string]string)
	for _, name := range m.names {
		if err := m.validateProperties(name, m.byName[name].Properties, roles); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Model) validateProperties(entity string, props []Property, roles map[string]string) error {
	for i := range props {
		p := &props[i]
		switch p.Kind {
		case KindToOne, KindAny:
			if p.Target == "" {
				return fmt.Errorf("entity %s: association %s has no target", entity, p.Name)
			}
			if p.Kind == KindToOne {
				if _, ok := m.byName[p.Target]; !ok {
					return fmt.Errorf("entity %s: association %s targets unmapped entity %s", entity, p.Name, p.Target)
				}
			}
		case KindCollection:
			if p.Target != "" {
				if _, ok := m.byName[p.Target]; !ok {
					return fmt.Errorf("entity %s: collection %s targets unmapped entity %s", entity, p.Name, p.Target)
				}
			}
			if p.Role == "" {
				return fmt.Errorf("entity %s: collection %s has no role", entity, p.Name)
			}
			if owner, dup := roles[p.Role]; dup {
				return fmt.Errorf("collection role %s declared by both %s and %s", p.Role, owner, entity)
			}
			roles[p.Role] = entity
		case KindComposite:
			if err := m.validateProperties(entity, p.Sub, roles); err != nil {
				return err
			}
		}
	}
	return nil
}

// Entity returns the mapping for name, or nil.
func (m *Model) Entity(name string) *Entity {
	return m.byName[name]
}

// Names returns entity names in registration order.
func (m *Model) Names() []string {
	out := make([]string, len(m.names))
	copy(out, m.names)
	return out
}

// CollectionSpaces returns the query spaces a mutation of the given
// collection property touches: the collection table when the collection has
// one of its own, otherwise the element entity's spaces.
func (m *Model) CollectionSpaces(p *Property) []string {
	if p.CollectionTable != "" {
		return []string{p.CollectionTable}
	}
	if p.Target != "" {
		if target := m.byName[p.Target]; target != nil {
			return target.Spaces
		}
	}
	return nil
}

// PathJoin appends a property name to a component path ("a.b" + "c" = "a.b.c").
func PathJoin(base, name string) string {
	if base == "" {
		return name
	}
	return base + "." + name
}

// PathSplit splits a component path into its property segments.
func PathSplit(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}
