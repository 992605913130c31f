package store

// Dialect abstracts database-specific SQL generation and error classification.
// The engine builds every statement through this interface so that parameter
// placeholder style, LIMIT/OFFSET, procedure calling convention and
// unique-violation detection stay out of the executor.
type Dialect interface {
	// Name returns "postgres", "mysql" or "sqlite".
	Name() string

	// DriverName returns the database/sql driver name.
	DriverName() string

	// Placeholder returns the parameter placeholder for the given 1-based index.
	Placeholder(index int) string

	// NewParamBuilder creates a dialect-aware parameter builder.
	NewParamBuilder() ParamBuilder

	// InExpr builds a SQL expression for the IN operator.
	// PostgreSQL: "field = ANY($n)" with a single array param; others expand
	// the slice into individual placeholders.
	InExpr(field string, pb ParamBuilder, values []any) string

	// LimitOffset returns the pagination clause with bound parameters.
	LimitOffset(pb ParamBuilder, limit, offset int) string

	// SupportsProcedures reports whether the database has stored routines.
	SupportsProcedures() bool

	// SupportsReturning reports whether INSERT ... RETURNING is available.
	SupportsReturning() bool

	// CallProcedureSQL builds the dialect's procedure invocation for the given
	// routine name and bound arguments.
	CallProcedureSQL(name string, pb ParamBuilder, args []any) (string, error)

	// MapError inspects a driver error and returns a *UniqueViolationError
	// for unique-constraint breaches, or the error unchanged.
	MapError(err error) error

	// NeedsBoolFix returns true if boolean columns come back as integers.
	NeedsBoolFix() bool
}

// ParamBuilder accumulates query parameters and generates dialect-specific placeholders.
type ParamBuilder interface {
	// Add appends a value and returns the placeholder string.
	Add(v any) string

	// Params returns all accumulated parameter values.
	Params() []any

	// Count returns the number of parameters added so far.
	Count() int
}

// NewDialect creates a Dialect for the given driver name.
func NewDialect(driver string) Dialect {
	switch driver {
	case "sqlite":
		return &SQLiteDialect{}
	case "mysql":
		return &MySQLDialect{}
	default:
		return &PostgresDialect{}
	}
}

// paramBuilder numbers values as they are added and renders each through the
// dialect's placeholder style.
type paramBuilder struct {
	dialect Dialect
	params  []any
}

func (p *paramBuilder) Add(v any) string {
	p.params = append(p.params, v)
	return p.dialect.Placeholder(len(p.params))
}

func (p *paramBuilder) Params() []any { return p.params }
func (p *paramBuilder) Count() int    { return len(p.params) }
