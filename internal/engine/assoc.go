package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/cnos-dev/ultimate-crud/internal/metadata"
	"github.com/cnos-dev/ultimate-crud/internal/store"
)

// loadIncludes eager-loads every include path onto the given rows, one query
// per association level rather than one per row.
func (x *Executor) loadIncludes(ctx context.Context, e *metadata.Entity, rows []map[string]any, includes [][]string) *AppError {
	if len(rows) == 0 {
		return nil
	}
	for _, path := range includes {
		assoc := e.Association(path[0])
		if assoc == nil {
			return BadRequest(fmt.Sprintf("unknown association %q on %s", path[0], e.Name))
		}
		if appErr := x.loadAssociation(ctx, e, rows, assoc); appErr != nil {
			return appErr
		}
		if len(path) > 1 {
			children := collectChildren(rows, assoc)
			if appErr := x.loadIncludes(ctx, assoc.TargetEntity, children, [][]string{path[1:]}); appErr != nil {
				return appErr
			}
		}
	}
	return nil
}

// loadAssociation attaches the related record(s) under the association alias
// on every row.
func (x *Executor) loadAssociation(ctx context.Context, e *metadata.Entity, rows []map[string]any, assoc *metadata.Association) *AppError {
	switch assoc.Type {
	case metadata.BelongsTo:
		return x.loadBelongsTo(ctx, rows, assoc)
	case metadata.HasMany, metadata.HasOne:
		return x.loadHas(ctx, e, rows, assoc)
	case metadata.BelongsToMany:
		return x.loadManyToMany(ctx, e, rows, assoc)
	}
	return Internal(fmt.Errorf("unhandled association type %q", assoc.Type))
}

func (x *Executor) loadBelongsTo(ctx context.Context, rows []map[string]any, assoc *metadata.Association) *AppError {
	fks := distinctValues(rows, assoc.ForeignKey)
	alias := assoc.Alias()
	if len(fks) == 0 {
		for _, row := range rows {
			row[alias] = nil
		}
		return nil
	}

	target := assoc.TargetEntity
	targetPK := target.PrimaryKey()[0].Name
	related, appErr := x.fetchByColumn(ctx, target, targetPK, fks)
	if appErr != nil {
		return appErr
	}

	byPK := make(map[any]map[string]any, len(related))
	for _, r := range related {
		byPK[r[targetPK]] = r
	}
	for _, row := range rows {
		fk := row[assoc.ForeignKey]
		if fk == nil {
			row[alias] = nil
			continue
		}
		if match, ok := byPK[fk]; ok {
			row[alias] = match
		} else {
			row[alias] = nil
		}
	}
	return nil
}

func (x *Executor) loadHas(ctx context.Context, e *metadata.Entity, rows []map[string]any, assoc *metadata.Association) *AppError {
	basePK := e.PrimaryKey()[0].Name
	pks := distinctValues(rows, basePK)
	alias := assoc.Alias()

	related, appErr := x.fetchByColumn(ctx, assoc.TargetEntity, assoc.ForeignKey, pks)
	if appErr != nil {
		return appErr
	}

	grouped := make(map[any][]map[string]any)
	for _, r := range related {
		fk := r[assoc.ForeignKey]
		grouped[fk] = append(grouped[fk], r)
	}
	for _, row := range rows {
		matches := grouped[row[basePK]]
		if assoc.Type == metadata.HasOne {
			if len(matches) > 0 {
				row[alias] = matches[0]
			} else {
				row[alias] = nil
			}
			continue
		}
		if matches == nil {
			matches = []map[string]any{}
		}
		row[alias] = matches
	}
	return nil
}

func (x *Executor) loadManyToMany(ctx context.Context, e *metadata.Entity, rows []map[string]any, assoc *metadata.Association) *AppError {
	basePK := e.PrimaryKey()[0].Name
	pks := distinctValues(rows, basePK)
	alias := assoc.Alias()

	pb := x.Store.Dialect.NewParamBuilder()
	joinSQL := fmt.Sprintf("SELECT %s, %s FROM %s WHERE %s",
		assoc.ForeignKey, assoc.OtherKey, assoc.Through,
		x.Store.Dialect.InExpr(assoc.ForeignKey, pb, pks))

	qctx, cancel := x.qctx(ctx)
	links, err := store.QueryRows(qctx, x.Store.DB, joinSQL, pb.Params()...)
	cancel()
	if err != nil {
		return Internal(fmt.Errorf("load %s links: %w", alias, err))
	}

	var targetIDs []any
	seen := make(map[any]bool)
	for _, l := range links {
		id := l[assoc.OtherKey]
		if id != nil && !seen[id] {
			seen[id] = true
			targetIDs = append(targetIDs, id)
		}
	}

	target := assoc.TargetEntity
	targetPK := target.PrimaryKey()[0].Name
	related, appErr := x.fetchByColumn(ctx, target, targetPK, targetIDs)
	if appErr != nil {
		return appErr
	}
	byPK := make(map[any]map[string]any, len(related))
	for _, r := range related {
		byPK[r[targetPK]] = r
	}

	grouped := make(map[any][]map[string]any)
	for _, l := range links {
		if match, ok := byPK[l[assoc.OtherKey]]; ok {
			owner := l[assoc.ForeignKey]
			grouped[owner] = append(grouped[owner], match)
		}
	}
	for _, row := range rows {
		matches := grouped[row[basePK]]
		if matches == nil {
			matches = []map[string]any{}
		}
		row[alias] = matches
	}
	return nil
}

// fetchByColumn selects full target rows where column is in values.
func (x *Executor) fetchByColumn(ctx context.Context, e *metadata.Entity, column string, values []any) ([]map[string]any, *AppError) {
	if len(values) == 0 {
		return nil, nil
	}
	pb := x.Store.Dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf("SELECT %s FROM %s WHERE %s",
		strings.Join(e.Schema.ColumnNames(), ", "), e.Name, x.Store.Dialect.InExpr(column, pb, values))

	qctx, cancel := x.qctx(ctx)
	rows, err := store.QueryRows(qctx, x.Store.DB, sqlStr, pb.Params()...)
	cancel()
	if err != nil {
		return nil, Internal(fmt.Errorf("load %s by %s: %w", e.Name, column, err))
	}
	x.normalizeRows(e, rows)
	return rows, nil
}

// AssociatedRows resolves one association for a single already-fetched parent
// row. To-many associations yield []map[string]any, to-one a map or nil.
func (x *Executor) AssociatedRows(ctx context.Context, e *metadata.Entity, parent map[string]any, assoc *metadata.Association) (any, *AppError) {
	rows := []map[string]any{parent}
	if appErr := x.loadAssociation(ctx, e, rows, assoc); appErr != nil {
		return nil, appErr
	}
	return parent[assoc.Alias()], nil
}

// CreateAssociated creates a child record linked to the parent. For hasMany
// and hasOne the parent key is stamped onto the child's foreign key; for
// belongsToMany a join-table link is inserted from the payload's target id.
func (x *Executor) CreateAssociated(ctx context.Context, e *metadata.Entity, key []any, assoc *metadata.Association, payload map[string]any) (map[string]any, *AppError) {
	parent, appErr := x.Get(ctx, e, key, nil)
	if appErr != nil {
		return nil, appErr
	}
	parentID := parent[e.PrimaryKey()[0].Name]

	switch assoc.Type {
	case metadata.HasMany, metadata.HasOne:
		payload[assoc.ForeignKey] = parentID
		return x.Create(ctx, assoc.TargetEntity, payload)

	case metadata.BelongsToMany:
		targetID, appErr := targetIDFromPayload(assoc, payload)
		if appErr != nil {
			return nil, appErr
		}
		pb := x.Store.Dialect.NewParamBuilder()
		insert := fmt.Sprintf("INSERT INTO %s (%s, %s) VALUES (%s, %s)",
			assoc.Through, assoc.ForeignKey, assoc.OtherKey, pb.Add(parentID), pb.Add(targetID))

		qctx, cancel := x.qctx(ctx)
		_, err := store.Exec(qctx, x.Store.DB, insert, pb.Params()...)
		cancel()
		if err != nil {
			return nil, classify(e, x.Store.Dialect.MapError(err))
		}
		return map[string]any{assoc.ForeignKey: parentID, assoc.OtherKey: targetID}, nil

	default:
		return nil, Unsupported(fmt.Sprintf("cannot create through belongsTo association %q", assoc.Alias()))
	}
}

// ReplaceAssociated atomically replaces a belongsToMany link set: existing
// links are deleted and the new set inserted in one transaction, so a failure
// partway leaves the original links intact.
func (x *Executor) ReplaceAssociated(ctx context.Context, e *metadata.Entity, key []any, assoc *metadata.Association, targetIDs []any) (any, *AppError) {
	if assoc.Type != metadata.BelongsToMany {
		return nil, Unsupported(fmt.Sprintf("association %q does not support bulk replace", assoc.Alias()))
	}
	parent, appErr := x.Get(ctx, e, key, nil)
	if appErr != nil {
		return nil, appErr
	}
	parentID := parent[e.PrimaryKey()[0].Name]

	qctx, cancel := x.qctx(ctx)
	defer cancel()

	tx, err := x.Store.BeginTx(qctx)
	if err != nil {
		return nil, Internal(fmt.Errorf("begin replace tx: %w", err))
	}

	pb := x.Store.Dialect.NewParamBuilder()
	del := fmt.Sprintf("DELETE FROM %s WHERE %s = %s", assoc.Through, assoc.ForeignKey, pb.Add(parentID))
	if _, err := store.Exec(qctx, tx, del, pb.Params()...); err != nil {
		tx.Rollback()
		return nil, classify(e, x.Store.Dialect.MapError(err))
	}

	for _, id := range targetIDs {
		pb := x.Store.Dialect.NewParamBuilder()
		ins := fmt.Sprintf("INSERT INTO %s (%s, %s) VALUES (%s, %s)",
			assoc.Through, assoc.ForeignKey, assoc.OtherKey, pb.Add(parentID), pb.Add(id))
		if _, err := store.Exec(qctx, tx, ins, pb.Params()...); err != nil {
			tx.Rollback()
			return nil, classify(e, x.Store.Dialect.MapError(err))
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, Internal(fmt.Errorf("commit replace tx: %w", err))
	}

	return x.AssociatedRows(ctx, e, parent, assoc)
}

// RemoveAssociated deletes a single belongsToMany link. The target record
// itself is untouched.
func (x *Executor) RemoveAssociated(ctx context.Context, e *metadata.Entity, key []any, assoc *metadata.Association, targetID any) *AppError {
	if assoc.Type != metadata.BelongsToMany {
		return Unsupported(fmt.Sprintf("association %q does not support link removal", assoc.Alias()))
	}
	parent, appErr := x.Get(ctx, e, key, nil)
	if appErr != nil {
		return appErr
	}
	parentID := parent[e.PrimaryKey()[0].Name]

	pb := x.Store.Dialect.NewParamBuilder()
	del := fmt.Sprintf("DELETE FROM %s WHERE %s = %s AND %s = %s",
		assoc.Through, assoc.ForeignKey, pb.Add(parentID), assoc.OtherKey, pb.Add(targetID))

	qctx, cancel := x.qctx(ctx)
	affected, err := store.Exec(qctx, x.Store.DB, del, pb.Params()...)
	cancel()
	if err != nil {
		return classify(e, x.Store.Dialect.MapError(err))
	}
	if affected == 0 {
		return NotFound(assoc.Through, []any{parentID, targetID})
	}
	return nil
}

func targetIDFromPayload(assoc *metadata.Association, payload map[string]any) (any, *AppError) {
	targetPK := assoc.TargetEntity.PrimaryKey()[0].Name
	if id, ok := payload[targetPK]; ok && id != nil {
		return id, nil
	}
	if id, ok := payload["id"]; ok && id != nil {
		return id, nil
	}
	return nil, BadRequest(fmt.Sprintf("payload must contain %q identifying the %s record", targetPK, assoc.Target))
}

func collectChildren(rows []map[string]any, assoc *metadata.Association) []map[string]any {
	var children []map[string]any
	alias := assoc.Alias()
	for _, row := range rows {
		switch v := row[alias].(type) {
		case []map[string]any:
			children = append(children, v...)
		case map[string]any:
			children = append(children, v)
		}
	}
	return children
}

func distinctValues(rows []map[string]any, column string) []any {
	seen := make(map[any]bool, len(rows))
	var values []any
	for _, row := range rows {
		v := row[column]
		if v == nil || seen[v] {
			continue
		}
		seen[v] = true
		values = append(values, v)
	}
	return values
}
