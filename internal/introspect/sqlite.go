package introspect

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/cnos-dev/ultimate-crud/internal/metadata"
)

// SQLite discovers schema through PRAGMA statements. PRAGMAs take no bound
// parameters, so table names are validated before interpolation.
type SQLite struct{}

func (s *SQLite) TableSchema(ctx context.Context, db *sql.DB, table string) (*metadata.TableSchema, error) {
	if !validIdent(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}

	schema := &metadata.TableSchema{Name: table}

	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("pragma table_info: %w", err)
	}
	defer rows.Close()

	declTypes := make(map[string]string)
	for rows.Next() {
		var cid, notNull, pk int
		var name, declType string
		var defaultVal *string
		if err := rows.Scan(&cid, &name, &declType, &notNull, &defaultVal, &pk); err != nil {
			return nil, fmt.Errorf("scan table_info: %w", err)
		}
		declTypes[name] = declType
		schema.Columns = append(schema.Columns, metadata.ColumnMeta{
			Name:      name,
			Type:      sqliteColumnType(declType),
			Nullable:  notNull == 0 && pk == 0,
			Default:   defaultVal,
			PKOrdinal: pk, // table_info reports the key position directly
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(schema.Columns) == 0 {
		return nil, &SchemaNotFoundError{Table: table}
	}

	// Only a key declared exactly INTEGER aliases the rowid and auto-assigns;
	// affinity lookalikes like INT or BIGINT do not.
	pkCols := schema.PrimaryKey()
	if len(pkCols) == 1 && strings.EqualFold(strings.TrimSpace(declTypes[pkCols[0].Name]), "INTEGER") {
		schema.Column(pkCols[0].Name).AutoIncrement = true
	}

	if err := s.uniqueColumns(ctx, db, table, schema); err != nil {
		return nil, err
	}
	if err := s.foreignKeys(ctx, db, table, schema); err != nil {
		return nil, err
	}

	return schema, nil
}

func (s *SQLite) uniqueColumns(ctx context.Context, db *sql.DB, table string, schema *metadata.TableSchema) error {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA index_list(%s)", table))
	if err != nil {
		return fmt.Errorf("pragma index_list: %w", err)
	}
	defer rows.Close()

	var uniqueIndexes []string
	for rows.Next() {
		var seq, unique, partial int
		var name, origin string
		if err := rows.Scan(&seq, &name, &unique, &origin, &partial); err != nil {
			return fmt.Errorf("scan index_list: %w", err)
		}
		if unique == 1 && validIdent(name) {
			uniqueIndexes = append(uniqueIndexes, name)
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, idx := range uniqueIndexes {
		cols, err := s.indexColumns(ctx, db, idx)
		if err != nil {
			return err
		}
		if len(cols) != 1 {
			continue // compound unique indexes have no per-column flag
		}
		if col := schema.Column(cols[0]); col != nil {
			col.Unique = true
		}
	}
	return nil
}

func (s *SQLite) indexColumns(ctx context.Context, db *sql.DB, index string) ([]string, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA index_info(%s)", index))
	if err != nil {
		return nil, fmt.Errorf("pragma index_info: %w", err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var seqno, cid int
		var name *string
		if err := rows.Scan(&seqno, &cid, &name); err != nil {
			return nil, err
		}
		if name != nil {
			cols = append(cols, *name)
		}
	}
	return cols, rows.Err()
}

func (s *SQLite) foreignKeys(ctx context.Context, db *sql.DB, table string, schema *metadata.TableSchema) error {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA foreign_key_list(%s)", table))
	if err != nil {
		return fmt.Errorf("pragma foreign_key_list: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, seq int
		var refTable, from string
		var to *string
		var onUpdate, onDelete, match string
		if err := rows.Scan(&id, &seq, &refTable, &from, &to, &onUpdate, &onDelete, &match); err != nil {
			return fmt.Errorf("scan foreign_key_list: %w", err)
		}
		hint := metadata.AssociationHint{Column: from, RefTable: refTable}
		if to != nil {
			hint.RefColumn = *to
		}
		schema.Hints = append(schema.Hints, hint)
	}
	return rows.Err()
}

func sqliteColumnType(declType string) metadata.ColumnType {
	t := strings.ToUpper(declType)
	switch {
	case strings.Contains(t, "INT"):
		return metadata.TypeInteger
	case strings.Contains(t, "BOOL"):
		return metadata.TypeBoolean
	case strings.Contains(t, "REAL"), strings.Contains(t, "NUMERIC"),
		strings.Contains(t, "DECIMAL"), strings.Contains(t, "FLOA"), strings.Contains(t, "DOUB"):
		return metadata.TypeDecimal
	case strings.Contains(t, "DATE"), strings.Contains(t, "TIME"):
		return metadata.TypeDateTime
	default:
		return metadata.TypeString
	}
}
