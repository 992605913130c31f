// Package introspect reads live database metadata (columns, types, keys,
// foreign-key constraints) so entities never declare their field sets by hand.
package introspect

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/cnos-dev/ultimate-crud/internal/metadata"
	"github.com/cnos-dev/ultimate-crud/internal/store"
)

// SchemaNotFoundError is a startup-time fatal: the named table or view does
// not exist in the connected database.
type SchemaNotFoundError struct {
	Table string
}

func (e *SchemaNotFoundError) Error() string {
	return fmt.Sprintf("table or view %q not found in database", e.Table)
}

// Introspector discovers the schema of a single table or view.
type Introspector interface {
	TableSchema(ctx context.Context, db *sql.DB, table string) (*metadata.TableSchema, error)
}

// For returns the introspector for a dialect name.
func For(dialect string) Introspector {
	switch dialect {
	case "sqlite":
		return &SQLite{}
	case "mysql":
		return &MySQL{}
	default:
		return &Postgres{}
	}
}

// DiscoverAll introspects every table- and view-kind descriptor and returns
// schemas keyed by entity name. Any failure aborts startup.
func DiscoverAll(ctx context.Context, s *store.Store, descriptors []*metadata.Entity) (map[string]*metadata.TableSchema, error) {
	insp := For(s.Dialect.Name())
	schemas := make(map[string]*metadata.TableSchema)
	for _, e := range descriptors {
		if e.Kind != metadata.KindTable && e.Kind != metadata.KindView {
			continue
		}
		dctx, cancel := context.WithTimeout(ctx, s.Timeout)
		schema, err := insp.TableSchema(dctx, s.DB, e.Name)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("introspect entity %q: %w", e.Name, err)
		}
		schemas[e.Name] = schema
	}
	return schemas, nil
}

// validIdent guards table names that get interpolated into metadata queries.
func validIdent(name string) bool {
	if name == "" || len(name) > 128 {
		return false
	}
	for i, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '_':
		case c >= '0' && c <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}
