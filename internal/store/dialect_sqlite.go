package store

import (
	"fmt"
	"strings"
)

// SQLiteDialect implements Dialect for SQLite via modernc.org/sqlite.
type SQLiteDialect struct{}

func (d *SQLiteDialect) Name() string       { return "sqlite" }
func (d *SQLiteDialect) DriverName() string { return "sqlite" }

func (d *SQLiteDialect) Placeholder(index int) string {
	return fmt.Sprintf("?%d", index)
}

func (d *SQLiteDialect) NewParamBuilder() ParamBuilder {
	return &paramBuilder{dialect: d}
}

func (d *SQLiteDialect) SupportsProcedures() bool { return false }
func (d *SQLiteDialect) SupportsReturning() bool  { return true }
func (d *SQLiteDialect) NeedsBoolFix() bool       { return true }

func (d *SQLiteDialect) InExpr(field string, pb ParamBuilder, values []any) string {
	placeholders := make([]string, len(values))
	for i, v := range values {
		placeholders[i] = pb.Add(v)
	}
	return fmt.Sprintf("%s IN (%s)", field, strings.Join(placeholders, ", "))
}

func (d *SQLiteDialect) LimitOffset(pb ParamBuilder, limit, offset int) string {
	return fmt.Sprintf("LIMIT %s OFFSET %s", pb.Add(limit), pb.Add(offset))
}

func (d *SQLiteDialect) CallProcedureSQL(string, ParamBuilder, []any) (string, error) {
	return "", fmt.Errorf("sqlite has no stored procedures")
}

func (d *SQLiteDialect) MapError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "UNIQUE constraint failed") {
		return &UniqueViolationError{Fields: parseSQLiteUnique(msg), Err: err}
	}
	return err
}

// parseSQLiteUnique extracts column names from a message like
// "UNIQUE constraint failed: users.username, users.email".
func parseSQLiteUnique(msg string) []string {
	idx := strings.Index(msg, "UNIQUE constraint failed:")
	if idx < 0 {
		return nil
	}
	rest := msg[idx+len("UNIQUE constraint failed:"):]
	if end := strings.Index(rest, "("); end >= 0 {
		rest = rest[:end]
	}
	var fields []string
	for _, part := range strings.Split(rest, ",") {
		part = strings.TrimSpace(part)
		if dot := strings.LastIndex(part, "."); dot >= 0 {
			part = part[dot+1:]
		}
		if part != "" {
			fields = append(fields, part)
		}
	}
	return fields
}

var _ Dialect = (*SQLiteDialect)(nil)
