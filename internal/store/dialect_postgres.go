package store

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// PostgresDialect implements Dialect for PostgreSQL via pgx/stdlib.
type PostgresDialect struct{}

func (d *PostgresDialect) Name() string       { return "postgres" }
func (d *PostgresDialect) DriverName() string { return "pgx" }

func (d *PostgresDialect) Placeholder(index int) string {
	return fmt.Sprintf("$%d", index)
}

func (d *PostgresDialect) NewParamBuilder() ParamBuilder {
	return &paramBuilder{dialect: d}
}

func (d *PostgresDialect) SupportsProcedures() bool { return true }
func (d *PostgresDialect) SupportsReturning() bool  { return true }
func (d *PostgresDialect) NeedsBoolFix() bool       { return false }

func (d *PostgresDialect) InExpr(field string, pb ParamBuilder, values []any) string {
	ph := pb.Add(values)
	return fmt.Sprintf("%s = ANY(%s)", field, ph)
}

func (d *PostgresDialect) LimitOffset(pb ParamBuilder, limit, offset int) string {
	return fmt.Sprintf("LIMIT %s OFFSET %s", pb.Add(limit), pb.Add(offset))
}

func (d *PostgresDialect) CallProcedureSQL(name string, pb ParamBuilder, args []any) (string, error) {
	placeholders := make([]string, len(args))
	for i, a := range args {
		placeholders[i] = pb.Add(a)
	}
	return fmt.Sprintf("CALL %s(%s)", name, strings.Join(placeholders, ", ")), nil
}

func (d *PostgresDialect) MapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return &UniqueViolationError{Fields: parsePgDetail(pgErr.Detail), Err: err}
	}
	// pgx/stdlib sometimes surfaces the code only in the message
	if strings.Contains(err.Error(), "23505") || strings.Contains(err.Error(), "duplicate key") {
		return &UniqueViolationError{Err: err}
	}
	return err
}

// parsePgDetail extracts column names from a detail line like
// "Key (username)=(admin) already exists." (compound: "Key (a, b)=(1, 2) ...").
func parsePgDetail(detail string) []string {
	start := strings.Index(detail, "Key (")
	if start < 0 {
		return nil
	}
	rest := detail[start+len("Key ("):]
	end := strings.Index(rest, ")")
	if end < 0 {
		return nil
	}
	var fields []string
	for _, f := range strings.Split(rest[:end], ",") {
		if f = strings.TrimSpace(f); f != "" {
			fields = append(fields, f)
		}
	}
	return fields
}

var _ Dialect = (*PostgresDialect)(nil)
