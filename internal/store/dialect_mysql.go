package store

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
)

// MySQLDialect implements Dialect for MySQL/MariaDB.
type MySQLDialect struct{}

func (d *MySQLDialect) Name() string       { return "mysql" }
func (d *MySQLDialect) DriverName() string { return "mysql" }

func (d *MySQLDialect) Placeholder(int) string { return "?" }

func (d *MySQLDialect) NewParamBuilder() ParamBuilder {
	return &paramBuilder{dialect: d}
}

func (d *MySQLDialect) SupportsProcedures() bool { return true }
func (d *MySQLDialect) SupportsReturning() bool  { return false }
func (d *MySQLDialect) NeedsBoolFix() bool       { return true }

func (d *MySQLDialect) InExpr(field string, pb ParamBuilder, values []any) string {
	placeholders := make([]string, len(values))
	for i, v := range values {
		placeholders[i] = pb.Add(v)
	}
	return fmt.Sprintf("%s IN (%s)", field, strings.Join(placeholders, ", "))
}

func (d *MySQLDialect) LimitOffset(pb ParamBuilder, limit, offset int) string {
	return fmt.Sprintf("LIMIT %s OFFSET %s", pb.Add(limit), pb.Add(offset))
}

func (d *MySQLDialect) CallProcedureSQL(name string, pb ParamBuilder, args []any) (string, error) {
	placeholders := make([]string, len(args))
	for i, a := range args {
		placeholders[i] = pb.Add(a)
	}
	return fmt.Sprintf("CALL %s(%s)", name, strings.Join(placeholders, ", ")), nil
}

func (d *MySQLDialect) MapError(err error) error {
	if err == nil {
		return nil
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr.Number == 1062 {
		return &UniqueViolationError{Fields: parseMySQLDuplicate(myErr.Message), Err: err}
	}
	return err
}

// parseMySQLDuplicate extracts the column from a message like
// "Duplicate entry 'admin' for key 'users.username'".
func parseMySQLDuplicate(msg string) []string {
	idx := strings.LastIndex(msg, "for key '")
	if idx < 0 {
		return nil
	}
	key := strings.TrimSuffix(msg[idx+len("for key '"):], "'")
	// Key names come as "table.index"; a conventional unique index is named
	// after its column.
	if dot := strings.LastIndex(key, "."); dot >= 0 {
		key = key[dot+1:]
	}
	if key == "" || key == "PRIMARY" {
		return nil
	}
	return []string{key}
}

var _ Dialect = (*MySQLDialect)(nil)
