package engine

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/cnos-dev/ultimate-crud/internal/metadata"
	"github.com/cnos-dev/ultimate-crud/internal/store"
)

func testSchemas() map[string]*metadata.TableSchema {
	createdDefault := "CURRENT_TIMESTAMP"
	return map[string]*metadata.TableSchema{
		"users": {
			Name: "users",
			Columns: []metadata.ColumnMeta{
				{Name: "id", Type: metadata.TypeInteger, PKOrdinal: 1, AutoIncrement: true},
				{Name: "username", Type: metadata.TypeString, Unique: true},
				{Name: "email", Type: metadata.TypeString, Nullable: true, Unique: true},
				{Name: "active", Type: metadata.TypeBoolean, Nullable: true},
				{Name: "role", Type: metadata.TypeEnum, Nullable: true, EnumValues: []string{"admin", "member"}},
			},
		},
		"posts": {
			Name: "posts",
			Columns: []metadata.ColumnMeta{
				{Name: "id", Type: metadata.TypeInteger, PKOrdinal: 1, AutoIncrement: true},
				{Name: "author_id", Type: metadata.TypeInteger},
				{Name: "title", Type: metadata.TypeString},
				{Name: "archived", Type: metadata.TypeBoolean, Nullable: true},
				{Name: "created_at", Type: metadata.TypeDateTime, Nullable: true, Default: &createdDefault},
			},
		},
		"tags": {
			Name: "tags",
			Columns: []metadata.ColumnMeta{
				{Name: "id", Type: metadata.TypeInteger, PKOrdinal: 1, AutoIncrement: true},
				{Name: "name", Type: metadata.TypeString, Unique: true},
			},
		},
		"post_tags": {
			Name: "post_tags",
			Columns: []metadata.ColumnMeta{
				{Name: "post_id", Type: metadata.TypeInteger, PKOrdinal: 1},
				{Name: "tag_id", Type: metadata.TypeInteger, PKOrdinal: 2},
			},
		},
		"order_items": {
			Name: "order_items",
			Columns: []metadata.ColumnMeta{
				{Name: "order_id", Type: metadata.TypeInteger, PKOrdinal: 1},
				{Name: "product_id", Type: metadata.TypeInteger, PKOrdinal: 2},
				{Name: "quantity", Type: metadata.TypeInteger},
			},
		},
		"active_users": {
			Name: "active_users",
			Columns: []metadata.ColumnMeta{
				{Name: "id", Type: metadata.TypeInteger},
				{Name: "username", Type: metadata.TypeString},
			},
		},
	}
}

func testDescriptors() []*metadata.Entity {
	return []*metadata.Entity{
		{
			Name: "users",
			Kind: metadata.KindTable,
			Validation: &metadata.Validation{
				UniqueFields: []string{"username", "email"},
			},
			Rules: []metadata.Rule{
				{
					Field:      "username",
					Expression: `action == "create" && len(record.username ?? "") < 3`,
					Message:    "username must be at least 3 characters",
				},
			},
			ResponseMessages: map[int]string{201: "User created"},
			Associations: []metadata.Association{
				{Type: metadata.HasMany, Target: "posts", ForeignKey: "author_id"},
			},
		},
		{
			Name: "posts",
			Kind: metadata.KindTable,
			Associations: []metadata.Association{
				{Type: metadata.BelongsTo, Target: "users", ForeignKey: "author_id", As: "author"},
				{Type: metadata.BelongsToMany, Target: "tags", Through: "post_tags", ForeignKey: "post_id", OtherKey: "tag_id"},
			},
		},
		{Name: "tags", Kind: metadata.KindTable},
		{Name: "post_tags", Kind: metadata.KindTable},
		{Name: "order_items", Kind: metadata.KindTable},
		{Name: "active_users", Kind: metadata.KindView},
		{
			Name:  "recent_posts",
			Kind:  metadata.KindQuery,
			Route: "/api/recent-posts",
			SQL:   "SELECT id, title FROM posts WHERE created_at >= :since",
			Parameters: []metadata.Parameter{
				{Name: "since", Required: true},
			},
		},
		{
			Name:          "archive_posts",
			Kind:          metadata.KindProcedure,
			Route:         "/api/archive-posts",
			ProcedureName: "archive_old_posts",
			Parameters: []metadata.Parameter{
				{Name: "before", Required: true},
			},
		},
	}
}

func testRegistry(t *testing.T) *metadata.Registry {
	t.Helper()
	reg, err := metadata.Build(testDescriptors(), testSchemas())
	require.NoError(t, err)
	return reg
}

// newMockStore returns a store backed by sqlmock with exact-match SQL
// expectations.
func newMockStore(t *testing.T, driver string) (*store.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return &store.Store{
		DB:      db,
		Dialect: store.NewDialect(driver),
		Timeout: time.Second,
	}, mock
}
