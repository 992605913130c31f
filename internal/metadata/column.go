package metadata

import "sort"

// ColumnType is the semantic type of an introspected column. SQL generation
// and response serialization switch over this closed set instead of raw
// driver type names.
type ColumnType string

const (
	TypeInteger  ColumnType = "integer"
	TypeString   ColumnType = "string"
	TypeDecimal  ColumnType = "decimal"
	TypeBoolean  ColumnType = "boolean"
	TypeDateTime ColumnType = "datetime"
	TypeEnum     ColumnType = "enum"
)

// ColumnMeta describes one column as discovered from the live database.
// Columns are never declared in entity descriptors; introspection is the
// single source of truth for the allowed field set.
type ColumnMeta struct {
	Name          string
	Type          ColumnType
	Nullable      bool
	Default       *string
	PKOrdinal     int // 1-based position within the primary key, 0 when not a key column
	AutoIncrement bool
	Unique        bool
	EnumValues    []string
}

// IsPrimaryKey reports whether the column is part of the primary key.
func (c ColumnMeta) IsPrimaryKey() bool {
	return c.PKOrdinal > 0
}

// HasDefault reports whether the database assigns a value when none is given.
func (c ColumnMeta) HasDefault() bool {
	return c.Default != nil || c.AutoIncrement
}

// TableSchema is the introspected shape of one table or view.
type TableSchema struct {
	Name    string
	Columns []ColumnMeta
	Hints   []AssociationHint
}

// AssociationHint is a foreign-key constraint discovered during
// introspection, reported so descriptor associations can be cross-checked.
type AssociationHint struct {
	Column    string
	RefTable  string
	RefColumn string
}

// Column returns the column with the given name, or nil.
func (t *TableSchema) Column(name string) *ColumnMeta {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			return &t.Columns[i]
		}
	}
	return nil
}

// HasColumn returns true if the schema has a column with the given name.
func (t *TableSchema) HasColumn(name string) bool {
	return t.Column(name) != nil
}

// ColumnNames returns all column names in introspection order.
func (t *TableSchema) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// PrimaryKey returns the primary-key columns as an ordered tuple. Compound
// keys keep their constraint order; a missing key yields an empty slice.
func (t *TableSchema) PrimaryKey() []ColumnMeta {
	var pk []ColumnMeta
	for _, c := range t.Columns {
		if c.IsPrimaryKey() {
			pk = append(pk, c)
		}
	}
	sort.SliceStable(pk, func(i, j int) bool { return pk[i].PKOrdinal < pk[j].PKOrdinal })
	return pk
}
