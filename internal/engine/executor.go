package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/cnos-dev/ultimate-crud/internal/metadata"
	"github.com/cnos-dev/ultimate-crud/internal/store"
)

// Executor runs CRUD and association operations for registered entities.
// Every statement is bounded by the store's per-query timeout, and driver
// errors never leave this package unclassified.
type Executor struct {
	Store    *store.Store
	Registry *metadata.Registry
}

func NewExecutor(s *store.Store, reg *metadata.Registry) *Executor {
	return &Executor{Store: s, Registry: reg}
}

func (x *Executor) qctx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, x.Store.Timeout)
}

// List returns one page of rows plus the unpaginated match count.
func (x *Executor) List(ctx context.Context, plan *QueryPlan) ([]map[string]any, int64, *AppError) {
	e := plan.Entity

	sqlStr, params := BuildSelect(x.Store.Dialect, plan)
	qctx, cancel := x.qctx(ctx)
	rows, err := store.QueryRows(qctx, x.Store.DB, sqlStr, params...)
	cancel()
	if err != nil {
		return nil, 0, Internal(fmt.Errorf("list %s: %w", e.Name, err))
	}

	countSQL, countParams := BuildCount(x.Store.Dialect, plan)
	qctx, cancel = x.qctx(ctx)
	countRow, err := store.QueryRow(qctx, x.Store.DB, countSQL, countParams...)
	cancel()
	if err != nil {
		return nil, 0, Internal(fmt.Errorf("count %s: %w", e.Name, err))
	}
	total := toInt64(countRow["total"])

	if appErr := x.loadIncludes(ctx, e, rows, plan.Includes); appErr != nil {
		return nil, 0, appErr
	}
	x.normalizeRows(e, rows)

	if rows == nil {
		rows = []map[string]any{}
	}
	return rows, total, nil
}

// Get fetches a single row by its (possibly compound) primary key.
func (x *Executor) Get(ctx context.Context, e *metadata.Entity, key []any, includes [][]string) (map[string]any, *AppError) {
	pb := x.Store.Dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf("SELECT %s FROM %s WHERE %s",
		strings.Join(e.Schema.ColumnNames(), ", "), e.Name, keyWhere(pb, e, key))

	qctx, cancel := x.qctx(ctx)
	row, err := store.QueryRow(qctx, x.Store.DB, sqlStr, pb.Params()...)
	cancel()
	if err != nil {
		if err == store.ErrNotFound {
			return nil, NotFound(e.Name, key)
		}
		return nil, Internal(fmt.Errorf("get %s: %w", e.Name, err))
	}

	rows := []map[string]any{row}
	if appErr := x.loadIncludes(ctx, e, rows, includes); appErr != nil {
		return nil, appErr
	}
	x.normalizeRows(e, rows)
	return row, nil
}

// Create inserts a row and returns the stored record, including any
// database-assigned values. The payload is assumed validated.
func (x *Executor) Create(ctx context.Context, e *metadata.Entity, fields map[string]any) (map[string]any, *AppError) {
	if e.Kind == metadata.KindView {
		return nil, Unsupported(fmt.Sprintf("%s is read-only", e.Name))
	}

	if e.KeyGenerator == "uuid" {
		if pk := e.PrimaryKey(); len(pk) == 1 {
			if _, ok := fields[pk[0].Name]; !ok {
				fields[pk[0].Name] = uuid.NewString()
			}
		}
	}

	pb := x.Store.Dialect.NewParamBuilder()
	var cols, phs []string
	for _, c := range e.Schema.Columns {
		val, ok := fields[c.Name]
		if !ok {
			continue
		}
		cols = append(cols, c.Name)
		phs = append(phs, pb.Add(val))
	}
	if len(cols) == 0 {
		return nil, BadRequest("empty payload")
	}

	insert := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		e.Name, strings.Join(cols, ", "), strings.Join(phs, ", "))

	if x.Store.Dialect.SupportsReturning() {
		insert += " RETURNING " + strings.Join(e.Schema.ColumnNames(), ", ")
		qctx, cancel := x.qctx(ctx)
		row, err := store.QueryRow(qctx, x.Store.DB, insert, pb.Params()...)
		cancel()
		if err != nil {
			return nil, classify(e, x.Store.Dialect.MapError(err))
		}
		x.normalizeRows(e, []map[string]any{row})
		return row, nil
	}

	// No RETURNING: insert, resolve the key, then re-read the row.
	qctx, cancel := x.qctx(ctx)
	res, err := x.Store.DB.ExecContext(qctx, insert, pb.Params()...)
	cancel()
	if err != nil {
		return nil, classify(e, x.Store.Dialect.MapError(err))
	}

	pk := e.PrimaryKey()
	key := make([]any, len(pk))
	if len(pk) == 1 && pk[0].AutoIncrement {
		id, err := res.LastInsertId()
		if err != nil {
			return nil, Internal(fmt.Errorf("last insert id on %s: %w", e.Name, err))
		}
		key[0] = id
	} else {
		for i, c := range pk {
			key[i] = fields[c.Name]
		}
	}
	return x.Get(ctx, e, key, nil)
}

// Update applies a partial payload to the row with the given key. Primary-key
// columns are never updatable.
func (x *Executor) Update(ctx context.Context, e *metadata.Entity, key []any, fields map[string]any) (map[string]any, *AppError) {
	if e.Kind == metadata.KindView {
		return nil, Unsupported(fmt.Sprintf("%s is read-only", e.Name))
	}

	pb := x.Store.Dialect.NewParamBuilder()
	var sets []string
	for _, c := range e.Schema.Columns {
		val, ok := fields[c.Name]
		if !ok || c.IsPrimaryKey() {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = %s", c.Name, pb.Add(val)))
	}
	if len(sets) == 0 {
		return nil, BadRequest("no updatable fields in payload")
	}

	sqlStr := fmt.Sprintf("UPDATE %s SET %s WHERE %s",
		e.Name, strings.Join(sets, ", "), keyWhere(pb, e, key))

	qctx, cancel := x.qctx(ctx)
	affected, err := store.Exec(qctx, x.Store.DB, sqlStr, pb.Params()...)
	cancel()
	if err != nil {
		return nil, classify(e, x.Store.Dialect.MapError(err))
	}
	if affected == 0 {
		return nil, NotFound(e.Name, key)
	}
	return x.Get(ctx, e, key, nil)
}

// Delete removes the row with the given key. Deleting an absent row is 404,
// so a repeated delete is visible to the caller.
func (x *Executor) Delete(ctx context.Context, e *metadata.Entity, key []any) *AppError {
	if e.Kind == metadata.KindView {
		return Unsupported(fmt.Sprintf("%s is read-only", e.Name))
	}

	pb := x.Store.Dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf("DELETE FROM %s WHERE %s", e.Name, keyWhere(pb, e, key))

	qctx, cancel := x.qctx(ctx)
	affected, err := store.Exec(qctx, x.Store.DB, sqlStr, pb.Params()...)
	cancel()
	if err != nil {
		return classify(e, x.Store.Dialect.MapError(err))
	}
	if affected == 0 {
		return NotFound(e.Name, key)
	}
	return nil
}

// keyWhere renders the primary-key match for a full key tuple, in ordinal
// order.
func keyWhere(pb store.ParamBuilder, e *metadata.Entity, key []any) string {
	pk := e.PrimaryKey()
	conds := make([]string, len(pk))
	for i, c := range pk {
		conds[i] = fmt.Sprintf("%s = %s", c.Name, pb.Add(key[i]))
	}
	return strings.Join(conds, " AND ")
}

// normalizeRows repairs scan artifacts by introspected column type: integer
// booleans on dialects without a boolean type, and text timestamps on
// datetime columns. Other columns keep their scanned values verbatim.
func (x *Executor) normalizeRows(e *metadata.Entity, rows []map[string]any) {
	if e.Schema == nil {
		return
	}
	var boolCols, timeCols []string
	for _, c := range e.Schema.Columns {
		switch c.Type {
		case metadata.TypeBoolean:
			boolCols = append(boolCols, c.Name)
		case metadata.TypeDateTime:
			timeCols = append(timeCols, c.Name)
		}
	}
	if x.Store.Dialect.NeedsBoolFix() {
		store.NormalizeBooleans(rows, boolCols)
	}
	store.NormalizeTimes(rows, timeCols)
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case float64:
		return int64(n)
	case string:
		var out int64
		fmt.Sscanf(n, "%d", &out)
		return out
	default:
		return 0
	}
}
