package engine

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/cnos-dev/ultimate-crud/internal/metadata"
	"github.com/cnos-dev/ultimate-crud/internal/store"
)

const (
	defaultLimit = 25
	maxLimit     = 100
)

var filterOps = map[string]string{
	"eq":   "=",
	"neq":  "<>",
	"gt":   ">",
	"gte":  ">=",
	"lt":   "<",
	"lte":  "<=",
	"like": "LIKE",
	"in":   "IN",
}

// WhereClause is one parsed filter condition. Assoc is set for dotted
// association filters, in which case Column names a column on the target.
type WhereClause struct {
	Column string
	Op     string
	Value  any
	Values []any // IN operator only
	Assoc  *metadata.Association
}

// OrderClause is one parsed sort key. Assoc is set for dotted association
// sorts (belongsTo only).
type OrderClause struct {
	Column string
	Desc   bool
	Assoc  *metadata.Association
}

// QueryPlan is the validated shape of a list request.
type QueryPlan struct {
	Entity   *metadata.Entity
	Filters  []WhereClause
	Sorts    []OrderClause
	Page     int
	Limit    int
	Includes [][]string
}

func (p *QueryPlan) Offset() int {
	return (p.Page - 1) * p.Limit
}

// ParseListQuery validates all query-string options against the entity's
// introspected schema and declared associations. Unknown fields, aliases and
// operators reject the request up front.
func ParseListQuery(c *fiber.Ctx, e *metadata.Entity) (*QueryPlan, *AppError) {
	plan := &QueryPlan{Entity: e, Page: 1, Limit: defaultLimit}

	for key, raw := range c.Queries() {
		if !strings.HasPrefix(key, "filter[") || !strings.HasSuffix(key, "]") {
			continue
		}
		expr := key[len("filter[") : len(key)-1]
		clause, appErr := parseFilter(e, expr, raw)
		if appErr != nil {
			return nil, appErr
		}
		plan.Filters = append(plan.Filters, *clause)
	}

	if raw := c.Query("sort"); raw != "" {
		sorts, appErr := ParseSorts(e, raw)
		if appErr != nil {
			return nil, appErr
		}
		plan.Sorts = sorts
	}

	if raw := c.Query("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return nil, BadRequest("page must be a positive integer")
		}
		plan.Page = n
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return nil, BadRequest("limit must be a positive integer")
		}
		if n > maxLimit {
			n = maxLimit
		}
		plan.Limit = n
	}

	if raw := c.Query("include"); raw != "" {
		includes, appErr := ParseIncludes(e, raw)
		if appErr != nil {
			return nil, appErr
		}
		plan.Includes = includes
	}

	return plan, nil
}

// ParseSorts parses a comma list of sort keys ("-total,author.username")
// against the entity's schema and associations.
func ParseSorts(e *metadata.Entity, raw string) ([]OrderClause, *AppError) {
	var sorts []OrderClause
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		clause, appErr := parseSort(e, part)
		if appErr != nil {
			return nil, appErr
		}
		sorts = append(sorts, *clause)
	}
	return sorts, nil
}

// ParseIncludes splits a comma list of dotted include paths and checks every
// segment against the association chain.
func ParseIncludes(e *metadata.Entity, raw string) ([][]string, *AppError) {
	var includes [][]string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		path := strings.Split(part, ".")
		current := e
		for _, alias := range path {
			assoc := current.Association(alias)
			if assoc == nil {
				return nil, BadRequest(fmt.Sprintf("unknown association %q on %s", alias, current.Name))
			}
			current = assoc.TargetEntity
		}
		includes = append(includes, path)
	}
	return includes, nil
}

func parseFilter(e *metadata.Entity, expr, raw string) (*WhereClause, *AppError) {
	segments := strings.Split(expr, ".")

	// First segment names either a column or an association alias.
	if assoc := e.Association(segments[0]); assoc != nil {
		if len(segments) < 2 {
			return nil, BadRequest(fmt.Sprintf("filter on %q must name a target field", segments[0]))
		}
		col := assoc.TargetEntity.Column(segments[1])
		if col == nil {
			return nil, BadRequest(fmt.Sprintf("unknown field %q on %s", segments[1], assoc.TargetEntity.Name))
		}
		op := "eq"
		if len(segments) == 3 {
			op = segments[2]
		} else if len(segments) > 3 {
			return nil, BadRequest(fmt.Sprintf("malformed filter %q", expr))
		}
		return buildClause(col, segments[1], op, raw, assoc)
	}

	col := e.Column(segments[0])
	if col == nil {
		return nil, BadRequest(fmt.Sprintf("unknown filter field %q", segments[0]))
	}
	op := "eq"
	if len(segments) == 2 {
		op = segments[1]
	} else if len(segments) > 2 {
		return nil, BadRequest(fmt.Sprintf("malformed filter %q", expr))
	}
	return buildClause(col, segments[0], op, raw, nil)
}

func buildClause(col *metadata.ColumnMeta, field, op, raw string, assoc *metadata.Association) (*WhereClause, *AppError) {
	sqlOp, ok := filterOps[op]
	if !ok {
		return nil, BadRequest(fmt.Sprintf("unknown filter operator %q", op))
	}

	clause := &WhereClause{Column: field, Op: sqlOp, Assoc: assoc}
	if op == "in" {
		for _, part := range strings.Split(raw, ",") {
			v, err := coerceParam(col.Type, strings.TrimSpace(part))
			if err != nil {
				return nil, BadRequest(fmt.Sprintf("invalid value for %s: %v", field, err))
			}
			clause.Values = append(clause.Values, v)
		}
		if len(clause.Values) == 0 {
			return nil, BadRequest(fmt.Sprintf("empty value list for %s", field))
		}
		return clause, nil
	}

	v, err := coerceParam(col.Type, raw)
	if err != nil {
		return nil, BadRequest(fmt.Sprintf("invalid value for %s: %v", field, err))
	}
	clause.Value = v
	return clause, nil
}

func parseSort(e *metadata.Entity, part string) (*OrderClause, *AppError) {
	clause := &OrderClause{}
	if strings.HasPrefix(part, "-") {
		clause.Desc = true
		part = part[1:]
	}

	if alias, field, found := strings.Cut(part, "."); found {
		assoc := e.Association(alias)
		if assoc == nil {
			return nil, BadRequest(fmt.Sprintf("unknown sort field %q", part))
		}
		if assoc.IsToMany() {
			return nil, BadRequest(fmt.Sprintf("cannot sort by to-many association %q", alias))
		}
		if !assoc.TargetEntity.HasColumn(field) {
			return nil, BadRequest(fmt.Sprintf("unknown field %q on %s", field, assoc.TargetEntity.Name))
		}
		clause.Assoc = assoc
		clause.Column = field
		return clause, nil
	}

	if !e.HasColumn(part) {
		return nil, BadRequest(fmt.Sprintf("unknown sort field %q", part))
	}
	clause.Column = part
	return clause, nil
}

// coerceParam converts a query-string literal to the column's Go type.
func coerceParam(t metadata.ColumnType, raw string) (any, error) {
	switch t {
	case metadata.TypeInteger:
		return strconv.ParseInt(raw, 10, 64)
	case metadata.TypeDecimal:
		return strconv.ParseFloat(raw, 64)
	case metadata.TypeBoolean:
		return strconv.ParseBool(raw)
	default:
		return raw, nil
	}
}

// BuildSelect renders the plan as a SELECT with bound parameters. Association
// filters stay subqueries so pagination counts base rows only; association
// sorts join the target once.
func BuildSelect(d store.Dialect, plan *QueryPlan) (string, []any) {
	e := plan.Entity
	pb := d.NewParamBuilder()

	joins := sortJoins(plan)
	qualify := len(joins) > 0

	cols := make([]string, len(e.Schema.Columns))
	for i, c := range e.Schema.Columns {
		if qualify {
			cols[i] = e.Name + "." + c.Name
		} else {
			cols[i] = c.Name
		}
	}

	var sb strings.Builder
	sb.WriteString("SELECT " + strings.Join(cols, ", ") + " FROM " + e.Name)
	for _, j := range joins {
		sb.WriteString(" " + j)
	}

	if where := buildWhere(d, pb, e, plan.Filters, qualify); where != "" {
		sb.WriteString(" WHERE " + where)
	}

	if len(plan.Sorts) > 0 {
		var orders []string
		for _, s := range plan.Sorts {
			col := s.Column
			if s.Assoc != nil {
				col = s.Assoc.Alias() + "." + s.Column
			} else if qualify {
				col = e.Name + "." + s.Column
			}
			if s.Desc {
				col += " DESC"
			}
			orders = append(orders, col)
		}
		sb.WriteString(" ORDER BY " + strings.Join(orders, ", "))
	}

	sb.WriteString(" " + d.LimitOffset(pb, plan.Limit, plan.Offset()))
	return sb.String(), pb.Params()
}

// BuildCount renders the matching-row count for the same filters.
func BuildCount(d store.Dialect, plan *QueryPlan) (string, []any) {
	e := plan.Entity
	pb := d.NewParamBuilder()

	sql := "SELECT COUNT(*) AS total FROM " + e.Name
	if where := buildWhere(d, pb, e, plan.Filters, false); where != "" {
		sql += " WHERE " + where
	}
	return sql, pb.Params()
}

// sortJoins returns one LEFT JOIN per distinct belongsTo alias used in sorts.
func sortJoins(plan *QueryPlan) []string {
	seen := map[string]bool{}
	var joins []string
	for _, s := range plan.Sorts {
		if s.Assoc == nil || seen[s.Assoc.Alias()] {
			continue
		}
		seen[s.Assoc.Alias()] = true
		target := s.Assoc.TargetEntity
		targetPK := target.PrimaryKey()[0].Name
		joins = append(joins, fmt.Sprintf("LEFT JOIN %s AS %s ON %s.%s = %s.%s",
			target.Name, s.Assoc.Alias(),
			plan.Entity.Name, s.Assoc.ForeignKey,
			s.Assoc.Alias(), targetPK))
	}
	return joins
}

func buildWhere(d store.Dialect, pb store.ParamBuilder, e *metadata.Entity, filters []WhereClause, qualify bool) string {
	var conds []string
	for _, f := range filters {
		if f.Assoc != nil {
			conds = append(conds, assocCondition(d, pb, e, f, qualify))
			continue
		}
		col := f.Column
		if qualify {
			col = e.Name + "." + f.Column
		}
		if f.Op == "IN" {
			conds = append(conds, d.InExpr(col, pb, f.Values))
		} else {
			conds = append(conds, fmt.Sprintf("%s %s %s", col, f.Op, pb.Add(f.Value)))
		}
	}
	return strings.Join(conds, " AND ")
}

// assocCondition rewrites a dotted association filter as a membership test on
// the base table, so results stay one row per base record.
func assocCondition(d store.Dialect, pb store.ParamBuilder, e *metadata.Entity, f WhereClause, qualify bool) string {
	assoc := f.Assoc
	target := assoc.TargetEntity
	targetPK := target.PrimaryKey()[0].Name

	qual := func(col string) string {
		if qualify {
			return e.Name + "." + col
		}
		return col
	}
	condition := func(colRef string) string {
		if f.Op == "IN" {
			return d.InExpr(colRef, pb, f.Values)
		}
		return fmt.Sprintf("%s %s %s", colRef, f.Op, pb.Add(f.Value))
	}

	switch assoc.Type {
	case metadata.BelongsTo:
		return fmt.Sprintf("%s IN (SELECT %s FROM %s WHERE %s)",
			qual(assoc.ForeignKey), targetPK, target.Name, condition(f.Column))
	case metadata.BelongsToMany:
		basePK := e.PrimaryKey()[0].Name
		return fmt.Sprintf("%s IN (SELECT jt.%s FROM %s jt JOIN %s t ON jt.%s = t.%s WHERE %s)",
			qual(basePK), assoc.ForeignKey, assoc.Through, target.Name,
			assoc.OtherKey, targetPK, condition("t."+f.Column))
	default: // hasMany, hasOne: FK lives on the target
		basePK := e.PrimaryKey()[0].Name
		return fmt.Sprintf("%s IN (SELECT %s FROM %s WHERE %s)",
			qual(basePK), assoc.ForeignKey, target.Name, condition(f.Column))
	}
}
