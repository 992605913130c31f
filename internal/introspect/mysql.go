package introspect

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/cnos-dev/ultimate-crud/internal/metadata"
)

// MySQL discovers schema through information_schema against the connected
// database (DATABASE()).
type MySQL struct{}

func (m *MySQL) TableSchema(ctx context.Context, db *sql.DB, table string) (*metadata.TableSchema, error) {
	if !validIdent(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}

	schema := &metadata.TableSchema{Name: table}

	rows, err := db.QueryContext(ctx, `
		SELECT column_name, data_type, is_nullable, column_default, column_key, extra, column_type
		FROM information_schema.columns
		WHERE table_schema = DATABASE() AND table_name = ?
		ORDER BY ordinal_position`, table)
	if err != nil {
		return nil, fmt.Errorf("query columns: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var name, dataType, nullable, columnKey, extra, columnType string
		var defaultVal *string
		if err := rows.Scan(&name, &dataType, &nullable, &defaultVal, &columnKey, &extra, &columnType); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		col := metadata.ColumnMeta{
			Name:          name,
			Type:          mysqlColumnType(dataType),
			Nullable:      nullable == "YES",
			Default:       defaultVal,
			AutoIncrement: strings.Contains(extra, "auto_increment"),
			Unique:        columnKey == "UNI",
		}
		if col.Type == metadata.TypeEnum {
			col.EnumValues = parseEnumColumnType(columnType)
		}
		schema.Columns = append(schema.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(schema.Columns) == 0 {
		return nil, &SchemaNotFoundError{Table: table}
	}

	if err := m.primaryKey(ctx, db, table, schema); err != nil {
		return nil, err
	}
	if err := m.foreignKeys(ctx, db, table, schema); err != nil {
		return nil, err
	}

	return schema, nil
}

func (m *MySQL) primaryKey(ctx context.Context, db *sql.DB, table string, schema *metadata.TableSchema) error {
	rows, err := db.QueryContext(ctx, `
		SELECT column_name, ordinal_position
		FROM information_schema.key_column_usage
		WHERE table_schema = DATABASE() AND table_name = ? AND constraint_name = 'PRIMARY'
		ORDER BY ordinal_position`, table)
	if err != nil {
		return fmt.Errorf("query primary key: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		var ordinal int
		if err := rows.Scan(&name, &ordinal); err != nil {
			return err
		}
		if col := schema.Column(name); col != nil {
			col.PKOrdinal = ordinal
		}
	}
	return rows.Err()
}

func (m *MySQL) foreignKeys(ctx context.Context, db *sql.DB, table string, schema *metadata.TableSchema) error {
	rows, err := db.QueryContext(ctx, `
		SELECT column_name, referenced_table_name, referenced_column_name
		FROM information_schema.key_column_usage
		WHERE table_schema = DATABASE() AND table_name = ?
		  AND referenced_table_name IS NOT NULL
		ORDER BY constraint_name, ordinal_position`, table)
	if err != nil {
		return fmt.Errorf("query foreign keys: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var hint metadata.AssociationHint
		if err := rows.Scan(&hint.Column, &hint.RefTable, &hint.RefColumn); err != nil {
			return err
		}
		schema.Hints = append(schema.Hints, hint)
	}
	return rows.Err()
}

// parseEnumColumnType extracts values from a column_type like "enum('a','b')".
func parseEnumColumnType(columnType string) []string {
	open := strings.Index(columnType, "(")
	close := strings.LastIndex(columnType, ")")
	if open < 0 || close <= open {
		return nil
	}
	var values []string
	for _, part := range strings.Split(columnType[open+1:close], ",") {
		values = append(values, strings.Trim(strings.TrimSpace(part), "'"))
	}
	return values
}

func mysqlColumnType(dataType string) metadata.ColumnType {
	switch dataType {
	case "int", "bigint", "smallint", "mediumint", "tinyint":
		return metadata.TypeInteger
	case "decimal", "numeric", "float", "double":
		return metadata.TypeDecimal
	case "datetime", "timestamp", "date", "time":
		return metadata.TypeDateTime
	case "enum":
		return metadata.TypeEnum
	default:
		return metadata.TypeString
	}
}
