// Package graphql exposes table entities as a runtime-built GraphQL schema:
// one object type per table, list and by-key queries, create/update/delete
// mutations, and association fields resolved per record.
package graphql

import (
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/graphql-go/graphql"

	"github.com/cnos-dev/ultimate-crud/internal/engine"
	"github.com/cnos-dev/ultimate-crud/internal/metadata"
)

// Build assembles the schema from every table-kind entity in the registry.
// Views, queries and procedures stay REST-only. dev controls whether server
// error detail reaches the response errors array.
func Build(reg *metadata.Registry, exec *engine.Executor, val *engine.Validator, dev bool) (graphql.Schema, error) {
	b := &builder{
		reg:   reg,
		exec:  exec,
		val:   val,
		dev:   dev,
		types: make(map[string]*graphql.Object),
	}

	for _, e := range reg.All() {
		if e.Kind != metadata.KindTable {
			continue
		}
		b.types[e.Name] = b.objectType(e)
	}
	// Association fields are added after every type exists, so mutually
	// referencing entities resolve.
	for _, e := range reg.All() {
		if e.Kind != metadata.KindTable {
			continue
		}
		b.addAssociationFields(e)
	}

	queries := graphql.Fields{}
	mutations := graphql.Fields{}
	for _, e := range reg.All() {
		if e.Kind != metadata.KindTable {
			continue
		}
		b.addEntityFields(e, queries, mutations)
	}
	if len(queries) == 0 {
		// A schema needs at least one query field even with no table entities.
		queries["_health"] = &graphql.Field{
			Type: graphql.String,
			Resolve: func(p graphql.ResolveParams) (any, error) {
				return "ok", nil
			},
		}
	}

	cfg := graphql.SchemaConfig{
		Query: graphql.NewObject(graphql.ObjectConfig{Name: "Query", Fields: queries}),
	}
	if len(mutations) > 0 {
		cfg.Mutation = graphql.NewObject(graphql.ObjectConfig{Name: "Mutation", Fields: mutations})
	}
	return graphql.NewSchema(cfg)
}

type builder struct {
	reg   *metadata.Registry
	exec  *engine.Executor
	val   *engine.Validator
	dev   bool
	types map[string]*graphql.Object
}

// clientErr renders an executor failure for the response errors array. The
// cause is logged server-side; clients see only the suppressed message.
func (b *builder) clientErr(appErr *engine.AppError) error {
	if appErr.Status >= 500 {
		log.Printf("graphql: %v", appErr)
	}
	return errors.New(appErr.SafeMessage(b.dev))
}

func (b *builder) objectType(e *metadata.Entity) *graphql.Object {
	fields := graphql.Fields{}
	for _, col := range e.Schema.Columns {
		fields[col.Name] = &graphql.Field{Type: scalarFor(col.Type)}
	}
	return graphql.NewObject(graphql.ObjectConfig{
		Name:   typeName(e.Name),
		Fields: fields,
	})
}

func (b *builder) addAssociationFields(e *metadata.Entity) {
	obj := b.types[e.Name]
	for i := range e.Associations {
		assoc := &e.Associations[i]
		target, ok := b.types[assoc.Target]
		if !ok {
			continue // target is a view, not exposed
		}
		var fieldType graphql.Output = target
		if assoc.IsToMany() {
			fieldType = graphql.NewList(target)
		}
		a := assoc
		obj.AddFieldConfig(assoc.Alias(), &graphql.Field{
			Type: fieldType,
			Resolve: func(p graphql.ResolveParams) (any, error) {
				parent, ok := p.Source.(map[string]any)
				if !ok {
					return nil, fmt.Errorf("unexpected source type %T", p.Source)
				}
				related, appErr := b.exec.AssociatedRows(p.Context, e, parent, a)
				if appErr != nil {
					return nil, b.clientErr(appErr)
				}
				return related, nil
			},
		})
	}
}

func (b *builder) addEntityFields(e *metadata.Entity, queries, mutations graphql.Fields) {
	obj := b.types[e.Name]
	name := typeName(e.Name)

	queries[lowerFirst(name)] = &graphql.Field{
		Type:    obj,
		Args:    b.keyArgs(e, true),
		Resolve: b.resolveGet(e),
	}
	queries[lowerFirst(name)+"List"] = &graphql.Field{
		Type: graphql.NewList(obj),
		Args: graphql.FieldConfigArgument{
			"limit": &graphql.ArgumentConfig{Type: graphql.Int},
			"page":  &graphql.ArgumentConfig{Type: graphql.Int},
			"sort":  &graphql.ArgumentConfig{Type: graphql.String},
		},
		Resolve: b.resolveList(e),
	}

	mutations["create"+name] = &graphql.Field{
		Type:    obj,
		Args:    b.columnArgs(e, false),
		Resolve: b.resolveCreate(e),
	}
	mutations["update"+name] = &graphql.Field{
		Type:    obj,
		Args:    b.columnArgs(e, true),
		Resolve: b.resolveUpdate(e),
	}
	mutations["delete"+name] = &graphql.Field{
		Type:    graphql.Boolean,
		Args:    b.keyArgs(e, true),
		Resolve: b.resolveDelete(e),
	}
}

func (b *builder) keyArgs(e *metadata.Entity, required bool) graphql.FieldConfigArgument {
	args := graphql.FieldConfigArgument{}
	for _, col := range e.PrimaryKey() {
		t := scalarFor(col.Type)
		if required {
			args[col.Name] = &graphql.ArgumentConfig{Type: graphql.NewNonNull(t)}
		} else {
			args[col.Name] = &graphql.ArgumentConfig{Type: t}
		}
	}
	return args
}

// columnArgs exposes every column as an optional argument; withKey adds the
// primary key as required (for updates).
func (b *builder) columnArgs(e *metadata.Entity, withKey bool) graphql.FieldConfigArgument {
	args := graphql.FieldConfigArgument{}
	for _, col := range e.Schema.Columns {
		if col.IsPrimaryKey() {
			if withKey {
				args[col.Name] = &graphql.ArgumentConfig{Type: graphql.NewNonNull(scalarFor(col.Type))}
			} else if !col.AutoIncrement {
				args[col.Name] = &graphql.ArgumentConfig{Type: scalarFor(col.Type)}
			}
			continue
		}
		args[col.Name] = &graphql.ArgumentConfig{Type: scalarFor(col.Type)}
	}
	return args
}

func (b *builder) resolveGet(e *metadata.Entity) graphql.FieldResolveFn {
	return func(p graphql.ResolveParams) (any, error) {
		key := make([]any, 0, len(e.PrimaryKey()))
		for _, col := range e.PrimaryKey() {
			key = append(key, p.Args[col.Name])
		}
		row, appErr := b.exec.Get(p.Context, e, key, nil)
		if appErr != nil {
			if appErr.Status == 404 {
				return nil, nil
			}
			return nil, b.clientErr(appErr)
		}
		return row, nil
	}
}

func (b *builder) resolveList(e *metadata.Entity) graphql.FieldResolveFn {
	return func(p graphql.ResolveParams) (any, error) {
		plan := &engine.QueryPlan{Entity: e, Page: 1, Limit: 25}
		if n, ok := p.Args["limit"].(int); ok && n > 0 {
			if n > 100 {
				n = 100
			}
			plan.Limit = n
		}
		if n, ok := p.Args["page"].(int); ok && n > 0 {
			plan.Page = n
		}
		if raw, ok := p.Args["sort"].(string); ok && raw != "" {
			sorts, appErr := engine.ParseSorts(e, raw)
			if appErr != nil {
				return nil, b.clientErr(appErr)
			}
			plan.Sorts = sorts
		}
		rows, _, appErr := b.exec.List(p.Context, plan)
		if appErr != nil {
			return nil, b.clientErr(appErr)
		}
		return rows, nil
	}
}

func (b *builder) resolveCreate(e *metadata.Entity) graphql.FieldResolveFn {
	return func(p graphql.ResolveParams) (any, error) {
		payload := make(map[string]any, len(p.Args))
		for k, v := range p.Args {
			payload[k] = v
		}
		appErr, err := b.val.ValidateWrite(p.Context, e, engine.OpCreate, payload, nil)
		if err != nil {
			return nil, b.clientErr(engine.Internal(err))
		}
		if appErr != nil {
			return nil, b.clientErr(appErr)
		}
		row, appErr := b.exec.Create(p.Context, e, payload)
		if appErr != nil {
			return nil, b.clientErr(appErr)
		}
		return row, nil
	}
}

func (b *builder) resolveUpdate(e *metadata.Entity) graphql.FieldResolveFn {
	return func(p graphql.ResolveParams) (any, error) {
		pk := e.PrimaryKey()
		key := make([]any, 0, len(pk))
		payload := make(map[string]any)
		for k, v := range p.Args {
			payload[k] = v
		}
		for _, col := range pk {
			key = append(key, p.Args[col.Name])
			delete(payload, col.Name)
		}
		appErr, err := b.val.ValidateWrite(p.Context, e, engine.OpUpdate, payload, key)
		if err != nil {
			return nil, b.clientErr(engine.Internal(err))
		}
		if appErr != nil {
			return nil, b.clientErr(appErr)
		}
		row, appErr := b.exec.Update(p.Context, e, key, payload)
		if appErr != nil {
			return nil, b.clientErr(appErr)
		}
		return row, nil
	}
}

func (b *builder) resolveDelete(e *metadata.Entity) graphql.FieldResolveFn {
	return func(p graphql.ResolveParams) (any, error) {
		key := make([]any, 0, len(e.PrimaryKey()))
		for _, col := range e.PrimaryKey() {
			key = append(key, p.Args[col.Name])
		}
		if appErr := b.exec.Delete(p.Context, e, key); appErr != nil {
			if appErr.Status == 404 {
				return false, nil
			}
			return nil, b.clientErr(appErr)
		}
		return true, nil
	}
}

func scalarFor(t metadata.ColumnType) *graphql.Scalar {
	switch t {
	case metadata.TypeInteger:
		return graphql.Int
	case metadata.TypeDecimal:
		return graphql.Float
	case metadata.TypeBoolean:
		return graphql.Boolean
	case metadata.TypeDateTime:
		return graphql.DateTime
	default:
		return graphql.String
	}
}

// typeName converts a table name like "order_items" to "OrderItems".
func typeName(name string) string {
	parts := strings.Split(name, "_")
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	return strings.Join(parts, "")
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}
