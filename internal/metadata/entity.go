package metadata

import "strings"

// Kind selects how an entity is backed by the database. It is fixed for the
// entity's lifetime; dialect-dependent choices (procedure vs. fallback query)
// are resolved once at descriptor load time, never per request.
type Kind string

const (
	KindTable     Kind = "table"
	KindView      Kind = "view"
	KindQuery     Kind = "query"
	KindProcedure Kind = "procedure"
)

// Validation configures uniqueness checking for an entity.
type Validation struct {
	UniqueFields   []string `yaml:"unique_fields" json:"unique_fields"`
	ConflictStatus int      `yaml:"conflict_status,omitempty" json:"conflict_status,omitempty"`
}

// Rule is an entity-scoped business rule. The expression is evaluated against
// {record, action}; a true result means the rule is violated.
type Rule struct {
	Field      string `yaml:"field,omitempty" json:"field,omitempty"`
	Expression string `yaml:"expr" json:"expr"`
	Message    string `yaml:"message,omitempty" json:"message,omitempty"`

	// Compiled holds the cached expr program, populated lazily by the engine.
	Compiled any `yaml:"-" json:"-"`
}

// Parameter declares a named parameter of a query or procedure entity.
type Parameter struct {
	Name     string `yaml:"name" json:"name"`
	Required bool   `yaml:"required,omitempty" json:"required,omitempty"`
	Default  any    `yaml:"default,omitempty" json:"default,omitempty"`
}

// Entity is a declarative descriptor supplied by the application at startup.
// For table and view kinds the column set is introspected, not declared;
// Schema is attached during registration.
type Entity struct {
	Name             string         `yaml:"name" json:"name"`
	Kind             Kind           `yaml:"kind" json:"kind"`
	Route            string         `yaml:"route" json:"route"`
	Associations     []Association  `yaml:"associations,omitempty" json:"associations,omitempty"`
	Validation       *Validation    `yaml:"validation,omitempty" json:"validation,omitempty"`
	Rules            []Rule         `yaml:"rules,omitempty" json:"rules,omitempty"`
	ResponseMessages map[int]string `yaml:"response_messages,omitempty" json:"response_messages,omitempty"`
	KeyGenerator     string         `yaml:"key_generator,omitempty" json:"key_generator,omitempty"` // "uuid" or empty

	// Query/Procedure kinds only.
	SQL           string      `yaml:"sql,omitempty" json:"sql,omitempty"`
	ProcedureName string      `yaml:"procedure,omitempty" json:"procedure,omitempty"`
	Parameters    []Parameter `yaml:"parameters,omitempty" json:"parameters,omitempty"`

	// Schema is the introspected backing schema (table/view kinds only).
	Schema *TableSchema `yaml:"-" json:"-"`
}

// Column returns the introspected column with the given name, or nil.
func (e *Entity) Column(name string) *ColumnMeta {
	if e.Schema == nil {
		return nil
	}
	return e.Schema.Column(name)
}

// HasColumn returns true if the entity's schema has the named column.
func (e *Entity) HasColumn(name string) bool {
	return e.Column(name) != nil
}

// PrimaryKey returns the ordered primary-key tuple of the backing table.
func (e *Entity) PrimaryKey() []ColumnMeta {
	if e.Schema == nil {
		return nil
	}
	return e.Schema.PrimaryKey()
}

// Association returns the association with the given alias, or nil.
func (e *Entity) Association(alias string) *Association {
	for i := range e.Associations {
		if e.Associations[i].Alias() == alias {
			return &e.Associations[i]
		}
	}
	return nil
}

// ConflictStatus returns the configured uniqueness-conflict status code,
// defaulting to 409.
func (e *Entity) ConflictStatus() int {
	if e.Validation != nil && e.Validation.ConflictStatus != 0 {
		return e.Validation.ConflictStatus
	}
	return 409
}

// UniqueFields returns the declared unique-field list, if any.
func (e *Entity) UniqueFields() []string {
	if e.Validation == nil {
		return nil
	}
	return e.Validation.UniqueFields
}

// Message returns the configured response message for a status code, or the
// fallback when none is configured.
func (e *Entity) Message(status int, fallback string) string {
	if m, ok := e.ResponseMessages[status]; ok {
		return m
	}
	return fallback
}

// RequiredColumns returns columns a create payload must supply: non-nullable
// columns with no database-side default and no application-side generator.
func (e *Entity) RequiredColumns() []ColumnMeta {
	var required []ColumnMeta
	for _, c := range e.Schema.Columns {
		if c.Nullable || c.HasDefault() {
			continue
		}
		if c.IsPrimaryKey() && e.KeyGenerator != "" {
			continue
		}
		required = append(required, c)
	}
	return required
}

var writeKeywords = []string{"insert", "update", "delete", "alter", "drop", "create", "truncate", "replace"}

// ReadOnlySQL reports whether a query entity's declared SQL is free of write
// keywords, which decides its HTTP method (GET vs POST).
func (e *Entity) ReadOnlySQL() bool {
	lowered := strings.ToLower(e.SQL)
	fields := strings.Fields(lowered)
	if len(fields) == 0 {
		return false
	}
	if fields[0] != "select" && fields[0] != "with" {
		return false
	}
	for _, kw := range writeKeywords {
		for _, f := range fields {
			if f == kw {
				return false
			}
		}
	}
	return true
}
