package engine

import (
	"context"
	"fmt"
	"regexp"

	"github.com/cnos-dev/ultimate-crud/internal/metadata"
	"github.com/cnos-dev/ultimate-crud/internal/store"
)

// namedParamRe matches :name references but not ::type casts; the leading
// group keeps the preceding character intact during rewriting.
var namedParamRe = regexp.MustCompile(`(^|[^:\w]):([a-zA-Z_][a-zA-Z0-9_]*)`)

// bindArgs resolves the declared parameters of a query or procedure entity
// from caller-supplied args, applying defaults and collecting every missing
// required parameter.
func bindArgs(e *metadata.Entity, args map[string]any) (map[string]any, *AppError) {
	bound := make(map[string]any, len(e.Parameters))
	var missing []FieldViolation
	for _, p := range e.Parameters {
		if v, ok := args[p.Name]; ok && v != nil {
			bound[p.Name] = v
			continue
		}
		if p.Default != nil {
			bound[p.Name] = p.Default
			continue
		}
		if p.Required {
			missing = append(missing, FieldViolation{
				Field:   p.Name,
				Message: fmt.Sprintf("parameter %s is required", p.Name),
			})
			continue
		}
		bound[p.Name] = nil
	}
	if len(missing) > 0 {
		return nil, ValidationFailed(missing)
	}
	return bound, nil
}

// RunQuery executes a query entity's declared SQL. Named :param references are
// rewritten to dialect placeholders; a named reference with no declared
// parameter is a descriptor bug surfaced as a server error.
func (x *Executor) RunQuery(ctx context.Context, e *metadata.Entity, args map[string]any) ([]map[string]any, *AppError) {
	bound, appErr := bindArgs(e, args)
	if appErr != nil {
		return nil, appErr
	}

	pb := x.Store.Dialect.NewParamBuilder()
	var bindErr *AppError
	sqlStr := namedParamRe.ReplaceAllStringFunc(e.SQL, func(match string) string {
		parts := namedParamRe.FindStringSubmatch(match)
		prefix, name := parts[1], parts[2]
		v, ok := bound[name]
		if !ok {
			bindErr = Internal(fmt.Errorf("query %s references undeclared parameter :%s", e.Name, name))
			return match
		}
		return prefix + pb.Add(v)
	})
	if bindErr != nil {
		return nil, bindErr
	}

	qctx, cancel := x.qctx(ctx)
	rows, err := store.QueryRows(qctx, x.Store.DB, sqlStr, pb.Params()...)
	cancel()
	if err != nil {
		return nil, Internal(fmt.Errorf("run query %s: %w", e.Name, err))
	}
	if rows == nil {
		rows = []map[string]any{}
	}
	return rows, nil
}

// CallProcedure invokes a procedure entity's stored routine with positional
// arguments in declared parameter order.
func (x *Executor) CallProcedure(ctx context.Context, e *metadata.Entity, args map[string]any) ([]map[string]any, *AppError) {
	if e.ProcedureName == "" {
		return nil, MissingProcedure(e.Name)
	}

	bound, appErr := bindArgs(e, args)
	if appErr != nil {
		return nil, appErr
	}
	ordered := make([]any, len(e.Parameters))
	for i, p := range e.Parameters {
		ordered[i] = bound[p.Name]
	}

	pb := x.Store.Dialect.NewParamBuilder()
	callSQL, err := x.Store.Dialect.CallProcedureSQL(e.ProcedureName, pb, ordered)
	if err != nil {
		return nil, Unsupported(err.Error())
	}

	qctx, cancel := x.qctx(ctx)
	rows, qErr := store.QueryRows(qctx, x.Store.DB, callSQL, pb.Params()...)
	cancel()
	if qErr != nil {
		return nil, Internal(fmt.Errorf("call procedure %s: %w", e.ProcedureName, qErr))
	}
	if rows == nil {
		rows = []map[string]any{}
	}
	return rows, nil
}
