package metadata

import (
	"fmt"
	"sort"
)

// Registry holds all registered entities. It is built once at startup, before
// any listener accepts traffic, and is read-only afterwards.
type Registry struct {
	entities map[string]*Entity
	byRoute  map[string]*Entity
	ordered  []*Entity
}

// Build registers all descriptors and resolves cross-entity references.
//
// Registration is two-pass: pass 1 records every descriptor and attaches its
// introspected schema, pass 2 resolves association targets and checks foreign
// keys. The split means declaration order never matters — entity B may
// associate to an entity A declared after it. Any failure here is fatal; the
// process must not serve an entity it cannot back.
func Build(descriptors []*Entity, schemas map[string]*TableSchema) (*Registry, error) {
	reg := &Registry{
		entities: make(map[string]*Entity, len(descriptors)),
		byRoute:  make(map[string]*Entity, len(descriptors)),
	}

	// Pass 1: record descriptors, attach schemas, check per-entity invariants.
	for _, e := range descriptors {
		if e.Name == "" {
			return nil, fmt.Errorf("entity with empty name")
		}
		if e.Kind == "" {
			e.Kind = KindTable
		}
		if _, dup := reg.entities[e.Name]; dup {
			return nil, fmt.Errorf("duplicate entity name %q", e.Name)
		}
		if e.Route == "" {
			e.Route = "/api/" + e.Name
		}
		if prev, dup := reg.byRoute[e.Route]; dup {
			return nil, fmt.Errorf("route %q declared by both %q and %q", e.Route, prev.Name, e.Name)
		}

		switch e.Kind {
		case KindTable, KindView:
			schema, ok := schemas[e.Name]
			if !ok || schema == nil {
				return nil, fmt.Errorf("entity %q has no introspected schema", e.Name)
			}
			e.Schema = schema
			if e.Kind == KindTable && len(schema.PrimaryKey()) == 0 {
				return nil, fmt.Errorf("table entity %q has no primary key", e.Name)
			}
		case KindQuery:
			if e.SQL == "" {
				return nil, fmt.Errorf("query entity %q has no sql configured", e.Name)
			}
		case KindProcedure:
			if e.ProcedureName == "" {
				return nil, &MissingProcedureNameError{Entity: e.Name}
			}
		default:
			return nil, fmt.Errorf("entity %q has unknown kind %q", e.Name, e.Kind)
		}

		if e.Kind == KindQuery || e.Kind == KindProcedure {
			if len(e.Associations) > 0 {
				return nil, &InvalidAssociationError{
					Entity: e.Name,
					As:     e.Associations[0].Alias(),
					Reason: fmt.Sprintf("%s entities cannot declare associations", e.Kind),
				}
			}
		}

		reg.entities[e.Name] = e
		reg.byRoute[e.Route] = e
	}

	// Pass 2: resolve associations now that every entity is known.
	for _, e := range reg.entities {
		seen := make(map[string]bool, len(e.Associations))
		for i := range e.Associations {
			a := &e.Associations[i]
			if dup := seen[a.Alias()]; dup {
				return nil, &InvalidAssociationError{
					Entity: e.Name, As: a.Alias(),
					Reason: "duplicate alias within entity",
				}
			}
			seen[a.Alias()] = true

			target, ok := reg.entities[a.Target]
			if !ok {
				return nil, &InvalidAssociationError{
					Entity: e.Name, As: a.Alias(),
					Reason: fmt.Sprintf("unknown target entity %q", a.Target),
				}
			}
			if target.Kind != KindTable && target.Kind != KindView {
				return nil, &InvalidAssociationError{
					Entity: e.Name, As: a.Alias(),
					Reason: fmt.Sprintf("target %q is a %s entity", a.Target, target.Kind),
				}
			}
			a.TargetEntity = target

			// Association loading addresses rows by primary key on both ends,
			// so each side must expose exactly one key column. Views qualify
			// only when they project a key.
			if len(e.PrimaryKey()) != 1 {
				return nil, &InvalidAssociationError{
					Entity: e.Name, As: a.Alias(),
					Reason: fmt.Sprintf("%q needs a single-column primary key to declare associations", e.Name),
				}
			}
			if len(target.PrimaryKey()) != 1 {
				return nil, &InvalidAssociationError{
					Entity: e.Name, As: a.Alias(),
					Reason: fmt.Sprintf("target %q needs a single-column primary key", a.Target),
				}
			}

			if err := checkForeignKey(reg, e, a); err != nil {
				return nil, err
			}
		}
	}

	reg.ordered = make([]*Entity, 0, len(reg.entities))
	for _, e := range reg.entities {
		reg.ordered = append(reg.ordered, e)
	}
	sort.Slice(reg.ordered, func(i, j int) bool { return reg.ordered[i].Name < reg.ordered[j].Name })

	return reg, nil
}

// checkForeignKey verifies the linking column exists on whichever side owns it.
func checkForeignKey(reg *Registry, e *Entity, a *Association) error {
	if a.ForeignKey == "" {
		return &InvalidAssociationError{Entity: e.Name, As: a.Alias(), Reason: "foreign_key is required"}
	}

	switch a.Type {
	case BelongsTo:
		if !e.HasColumn(a.ForeignKey) {
			return &InvalidAssociationError{
				Entity: e.Name, As: a.Alias(),
				Reason: fmt.Sprintf("foreign key %q is not a column of %q", a.ForeignKey, e.Name),
			}
		}
	case HasMany, HasOne:
		if !a.TargetEntity.HasColumn(a.ForeignKey) {
			return &InvalidAssociationError{
				Entity: e.Name, As: a.Alias(),
				Reason: fmt.Sprintf("foreign key %q is not a column of target %q", a.ForeignKey, a.Target),
			}
		}
	case BelongsToMany:
		if a.Through == "" || a.OtherKey == "" {
			return &InvalidAssociationError{
				Entity: e.Name, As: a.Alias(),
				Reason: "belongsToMany requires through and other_key",
			}
		}
		// When the join table is itself registered, its columns are known and
		// can be verified; an unregistered join table is checked by the
		// database at request time.
		if join, ok := reg.entities[a.Through]; ok && join.Schema != nil {
			if !join.HasColumn(a.ForeignKey) || !join.HasColumn(a.OtherKey) {
				return &InvalidAssociationError{
					Entity: e.Name, As: a.Alias(),
					Reason: fmt.Sprintf("join table %q lacks %q or %q", a.Through, a.ForeignKey, a.OtherKey),
				}
			}
		}
	default:
		return &InvalidAssociationError{
			Entity: e.Name, As: a.Alias(),
			Reason: fmt.Sprintf("unknown association type %q", a.Type),
		}
	}
	return nil
}

// Resolve returns the entity with the given name, or nil.
func (r *Registry) Resolve(name string) *Entity {
	return r.entities[name]
}

// ByRoute returns the entity registered under the given route prefix, or nil.
func (r *Registry) ByRoute(route string) *Entity {
	return r.byRoute[route]
}

// All returns every registered entity in name order.
func (r *Registry) All() []*Entity {
	return r.ordered
}
