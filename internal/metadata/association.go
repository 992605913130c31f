package metadata

// AssociationType is the declared relationship kind between two entities.
type AssociationType string

const (
	BelongsTo     AssociationType = "belongsTo"
	HasMany       AssociationType = "hasMany"
	HasOne        AssociationType = "hasOne"
	BelongsToMany AssociationType = "belongsToMany"
)

// Association declares a relationship from one entity to another. ForeignKey
// names the linking column: for belongsTo it lives on the owning entity, for
// hasMany/hasOne on the target, and for belongsToMany on the join table
// (with OtherKey pointing at the target side).
type Association struct {
	Type       AssociationType `yaml:"type" json:"type"`
	Target     string          `yaml:"target" json:"target"`
	ForeignKey string          `yaml:"foreign_key" json:"foreign_key"`
	OtherKey   string          `yaml:"other_key,omitempty" json:"other_key,omitempty"`
	Through    string          `yaml:"through,omitempty" json:"through,omitempty"`
	As         string          `yaml:"as,omitempty" json:"as,omitempty"`

	// TargetEntity is resolved during the second registration pass.
	TargetEntity *Entity `yaml:"-" json:"-"`
}

// IsToMany reports whether the association yields a collection.
func (a *Association) IsToMany() bool {
	return a.Type == HasMany || a.Type == BelongsToMany
}

// Alias returns the response/route segment name, defaulting to the target
// entity name when no explicit alias was declared.
func (a *Association) Alias() string {
	if a.As != "" {
		return a.As
	}
	return a.Target
}
