package introspect

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/cnos-dev/ultimate-crud/internal/metadata"
)

// Postgres discovers schema through the information_schema catalog.
type Postgres struct{}

func (p *Postgres) TableSchema(ctx context.Context, db *sql.DB, table string) (*metadata.TableSchema, error) {
	if !validIdent(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}

	schema := &metadata.TableSchema{Name: table}

	rows, err := db.QueryContext(ctx, `
		SELECT column_name, data_type, is_nullable, column_default, udt_name
		FROM information_schema.columns
		WHERE table_schema = 'public' AND table_name = $1
		ORDER BY ordinal_position`, table)
	if err != nil {
		return nil, fmt.Errorf("query columns: %w", err)
	}
	defer rows.Close()

	var enumTypes []string // udt_name per enum column, in column order
	for rows.Next() {
		var name, dataType, nullable, udt string
		var defaultVal *string
		if err := rows.Scan(&name, &dataType, &nullable, &defaultVal, &udt); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		col := metadata.ColumnMeta{
			Name:     name,
			Type:     pgColumnType(dataType),
			Nullable: nullable == "YES",
			Default:  defaultVal,
		}
		if defaultVal != nil && strings.HasPrefix(*defaultVal, "nextval(") {
			col.AutoIncrement = true
		}
		if col.Type == metadata.TypeEnum {
			enumTypes = append(enumTypes, udt)
		} else {
			enumTypes = append(enumTypes, "")
		}
		schema.Columns = append(schema.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(schema.Columns) == 0 {
		return nil, &SchemaNotFoundError{Table: table}
	}

	for i, udt := range enumTypes {
		if udt == "" {
			continue
		}
		values, err := p.enumValues(ctx, db, udt)
		if err != nil {
			return nil, err
		}
		schema.Columns[i].EnumValues = values
	}

	if err := p.primaryKey(ctx, db, table, schema); err != nil {
		return nil, err
	}
	if err := p.uniqueColumns(ctx, db, table, schema); err != nil {
		return nil, err
	}
	if err := p.foreignKeys(ctx, db, table, schema); err != nil {
		return nil, err
	}

	return schema, nil
}

func (p *Postgres) enumValues(ctx context.Context, db *sql.DB, udt string) ([]string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT e.enumlabel
		FROM pg_enum e JOIN pg_type t ON t.oid = e.enumtypid
		WHERE t.typname = $1
		ORDER BY e.enumsortorder`, udt)
	if err != nil {
		return nil, fmt.Errorf("query enum %s: %w", udt, err)
	}
	defer rows.Close()

	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

func (p *Postgres) primaryKey(ctx context.Context, db *sql.DB, table string, schema *metadata.TableSchema) error {
	rows, err := db.QueryContext(ctx, `
		SELECT kcu.column_name, kcu.ordinal_position
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON tc.constraint_name = kcu.constraint_name
		  AND tc.table_schema = kcu.table_schema
		WHERE tc.constraint_type = 'PRIMARY KEY'
		  AND tc.table_schema = 'public'
		  AND tc.table_name = $1
		ORDER BY kcu.ordinal_position`, table)
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

func (p *Postgres) uniqueColumns(ctx context.Context, db *sql.DB, table string, schema *metadata.TableSchema) error {
	// Only single-column unique constraints translate to a per-field flag.
	rows, err := db.QueryContext(ctx, `
		SELECT kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON tc.constraint_name = kcu.constraint_name
		  AND tc.table_schema = kcu.table_schema
		WHERE tc.constraint_type = 'UNIQUE'
		  AND tc.table_schema = 'public'
		  AND tc.table_name = $1
		  AND tc.constraint_name IN (
			SELECT constraint_name FROM information_schema.key_column_usage
			WHERE table_schema = 'public' AND table_name = $1
			GROUP BY constraint_name HAVING COUNT(*) = 1
		  )`, table)
	if err != nil {
		return fmt.Errorf("query unique constraints: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		if col := schema.Column(name); col != nil {
			col.Unique = true
		}
	}
	return rows.Err()
}

func (p *Postgres) foreignKeys(ctx context.Context, db *sql.DB, table string, schema *metadata.TableSchema) error {
	rows, err := db.QueryContext(ctx, `
		SELECT kcu.column_name, ccu.table_name, ccu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON tc.constraint_name = kcu.constraint_name
		  AND tc.table_schema = kcu.table_schema
		JOIN information_schema.constraint_column_usage ccu
		  ON tc.constraint_name = ccu.constraint_name
		  AND tc.table_schema = ccu.table_schema
		WHERE tc.constraint_type = 'FOREIGN KEY'
		  AND tc.table_schema = 'public'
		  AND tc.table_name = $1
		ORDER BY tc.constraint_name, kcu.ordinal_position`, table)
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

func pgColumnType(dataType string) metadata.ColumnType {
	switch dataType {
	case "integer", "bigint", "smallint":
		return metadata.TypeInteger
	case "numeric", "real", "double precision", "money":
		return metadata.TypeDecimal
	case "boolean":
		return metadata.TypeBoolean
	case "timestamp with time zone", "timestamp without time zone", "date", "time without time zone":
		return metadata.TypeDateTime
	case "USER-DEFINED":
		return metadata.TypeEnum
	default:
		return metadata.TypeString
	}
}
