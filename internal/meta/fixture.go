package meta

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Fixture is a declarative description of a mapping model plus an object
// graph, loaded from YAML. Fixtures drive the CLI and scenario tests.
type Fixture struct {
	// Name identifies the fixture in plan output and golden files.
	Name string `yaml:"name"`

	// Entities declares the mapping model.
	Entities []EntitySpec `yaml:"entities"`

	// Objects declares live instances. Order matters: references may only
	// point at objects declared anywhere in the list (forward refs are
	// fine), but duplicate refs are rejected.
	Objects []ObjectSpec `yaml:"objects"`

	// Save lists object refs to cascade-save, in order.
	Save []string `yaml:"save,omitempty"`

	// Delete lists object refs to cascade-delete, in order.
	Delete []string `yaml:"delete,omitempty"`
}

// EntitySpec mirrors Entity for YAML decoding.
type EntitySpec struct {
	Name       string         `yaml:"name"`
	Root       string         `yaml:"root,omitempty"`
	Table      string         `yaml:"table"`
	Spaces     []string       `yaml:"spaces,omitempty"`
	Properties []PropertySpec `yaml:"properties,omitempty"`
}

// PropertySpec mirrors Property for YAML decoding.
type PropertySpec struct {
	Name            string         `yaml:"name"`
	Kind            string         `yaml:"kind"`
	Cascade         []string       `yaml:"cascade,omitempty"`
	Nullable        *bool          `yaml:"nullable,omitempty"`
	Lazy            bool           `yaml:"lazy,omitempty"`
	Target          string         `yaml:"target,omitempty"`
	FK              string         `yaml:"fk,omitempty"`
	LogicalOneToOne bool           `yaml:"logical_one_to_one,omitempty"`
	OrphanDelete    bool           `yaml:"orphan_delete,omitempty"`
	ManyToMany      bool           `yaml:"many_to_many,omitempty"`
	Role            string         `yaml:"role,omitempty"`
	CollectionTable string         `yaml:"collection_table,omitempty"`
	Sub             []PropertySpec `yaml:"sub,omitempty"`
}

// ObjectSpec declares one live instance in the fixture graph.
type ObjectSpec struct {
	// Ref is the fixture-local handle other objects use to reference this one.
	Ref string `yaml:"ref"`
	// Entity names the mapped entity type.
	Entity string `yaml:"entity"`
	// ID is the assigned identifier; empty means transient.
	ID string `yaml:"id,omitempty"`
	// Managed marks the instance as already loaded in the session, with
	// the declared values as its loaded-state snapshot.
	Managed bool `yaml:"managed,omitempty"`
	// Values holds basic property values.
	Values map[string]any `yaml:"values,omitempty"`
	// Refs maps to-one property names to object refs ("" = null).
	Refs map[string]string `yaml:"refs,omitempty"`
	// Collections maps collection property names to element object refs.
	Collections map[string][]string `yaml:"collections,omitempty"`
}

// LoadFixture reads and decodes a fixture file. Decoding is strict:
// unknown fields are an error, catching fixture typos early.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture: %w", err)
	}
	return ParseFixture(data)
}

// ParseFixture decodes fixture YAML.
func ParseFixture(data []byte) (*Fixture, error) {
	var f Fixture
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode fixture: %w", err)
	}
	if f.Name == "" {
		return nil, fmt.Errorf("fixture missing name")
	}
	seen := make(map[string]bool, len(f.Objects))
	for _, o := range f.Objects {
		if o.Ref == "" {
			return nil, fmt.Errorf("fixture %s: object with empty ref", f.Name)
		}
		if seen[o.Ref] {
			return nil, fmt.Errorf("fixture %s: duplicate object ref %s", f.Name, o.Ref)
		}
		seen[o.Ref] = true
	}
	return &f, nil
}

// BuildModel converts the declared entity specs into a validated Model.
func (f *Fixture) BuildModel() (*Model, error) {
	entities := make([]*Entity, 0, len(f.Entities))
	for _, es := range f.Entities {
		props, err := buildProperties(es.Name, es.Properties)
		if err != nil {
			return nil, err
		}
		entities = append(entities, &Entity{
			Name:       es.Name,
			Root:       es.Root,
			Table:      es.Table,
			Spaces:     es.Spaces,
			Properties: props,
		})
	}
	return NewModel(entities...)
}

func buildProperties(entity string, specs []PropertySpec) ([]Property, error) {
	props := make([]Property, 0, len(specs))
	for _, ps := range specs {
		kind, err := parseKind(ps.Kind)
		if err != nil {
			return nil, fmt.Errorf("entity %s property %s: %w", entity, ps.Name, err)
		}
		style, err := parseCascade(ps.Cascade)
		if err != nil {
			return nil, fmt.Errorf("entity %s property %s: %w", entity, ps.Name, err)
		}
		fk, err := parseFK(ps.FK)
		if err != nil {
			return nil, fmt.Errorf("entity %s property %s: %w", entity, ps.Name, err)
		}
		sub, err := buildProperties(entity, ps.Sub)
		if err != nil {
			return nil, err
		}
		nullable := true
		if ps.Nullable != nil {
			nullable = *ps.Nullable
		}
		props = append(props, Property{
			Name:            ps.Name,
			Kind:            kind,
			Cascade:         style,
			Nullable:        nullable,
			Lazy:            ps.Lazy,
			Target:          ps.Target,
			FK:              fk,
			LogicalOneToOne: ps.LogicalOneToOne,
			OrphanDelete:    ps.OrphanDelete,
			ManyToMany:      ps.ManyToMany,
			Role:            ps.Role,
			CollectionTable: ps.CollectionTable,
			Sub:             sub,
		})
	}
	return props, nil
}

func parseKind(s string) (PropertyKind, error) {
	switch s {
	case "basic", "":
		return KindBasic, nil
	case "to_one":
		return KindToOne, nil
	case "any":
		return KindAny, nil
	case "composite":
		return KindComposite, nil
	case "collection":
		return KindCollection, nil
	default:
		return 0, fmt.Errorf("unknown property kind %q", s)
	}
}

func parseCascade(names []string) (CascadeStyle, error) {
	var style CascadeStyle
	for _, n := range names {
		switch n {
		case "save_update", "save":
			style |= CascadeSaveUpdate
		case "delete":
			style |= CascadeDelete
		case "lock":
			style |= CascadeLock
		case "refresh":
			style |= CascadeRefresh
		case "merge":
			style |= CascadeMerge
		case "all":
			style |= CascadeAll
		default:
			return 0, fmt.Errorf("unknown cascade style %q", n)
		}
	}
	return style, nil
}

func parseFK(s string) (FKDirection, error) {
	switch s {
	case "from_parent", "":
		return FKFromParent, nil
	case "to_parent":
		return FKToParent, nil
	default:
		return 0, fmt.Errorf("unknown fk direction %q", s)
	}
}
