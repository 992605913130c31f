package engine

import (
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cnos-dev/ultimate-crud/internal/metadata"
	"github.com/cnos-dev/ultimate-crud/internal/store"
)

func parsePlan(t *testing.T, e *metadata.Entity, query string) (*QueryPlan, *AppError) {
	t.Helper()
	app := fiber.New()
	var plan *QueryPlan
	var appErr *AppError
	app.Get("/t", func(c *fiber.Ctx) error {
		plan, appErr = ParseListQuery(c, e)
		return nil
	})
	req := httptest.NewRequest("GET", "/t?"+query, nil)
	_, err := app.Test(req)
	require.NoError(t, err)
	return plan, appErr
}

func TestParseListQueryDefaults(t *testing.T) {
	reg := testRegistry(t)
	plan, appErr := parsePlan(t, reg.Resolve("posts"), "")
	require.Nil(t, appErr)
	assert.Equal(t, 1, plan.Page)
	assert.Equal(t, 25, plan.Limit)
	assert.Empty(t, plan.Filters)
	assert.Empty(t, plan.Sorts)
}

func TestParseListQueryFilters(t *testing.T) {
	reg := testRegistry(t)
	posts := reg.Resolve("posts")

	plan, appErr := parsePlan(t, posts, "filter[title]=hello&filter[id.gte]=2")
	require.Nil(t, appErr)
	require.Len(t, plan.Filters, 2)

	byCol := map[string]WhereClause{}
	for _, f := range plan.Filters {
		byCol[f.Column] = f
	}
	assert.Equal(t, "=", byCol["title"].Op)
	assert.Equal(t, "hello", byCol["title"].Value)
	assert.Equal(t, ">=", byCol["id"].Op)
	assert.Equal(t, int64(2), byCol["id"].Value)
}

func TestParseListQueryAssociationFilter(t *testing.T) {
	reg := testRegistry(t)
	plan, appErr := parsePlan(t, reg.Resolve("posts"), "filter[author.username]=bob")
	require.Nil(t, appErr)
	require.Len(t, plan.Filters, 1)

	f := plan.Filters[0]
	require.NotNil(t, f.Assoc)
	assert.Equal(t, "author", f.Assoc.Alias())
	assert.Equal(t, "username", f.Column)
	assert.Equal(t, "bob", f.Value)
}

func TestParseListQueryInFilter(t *testing.T) {
	reg := testRegistry(t)
	plan, appErr := parsePlan(t, reg.Resolve("posts"), "filter[id.in]=1,2,3")
	require.Nil(t, appErr)
	require.Len(t, plan.Filters, 1)
	assert.Equal(t, "IN", plan.Filters[0].Op)
	assert.Equal(t, []any{int64(1), int64(2), int64(3)}, plan.Filters[0].Values)
}

func TestParseListQueryRejectsUnknownField(t *testing.T) {
	reg := testRegistry(t)
	_, appErr := parsePlan(t, reg.Resolve("posts"), "filter[nonsense]=1")
	require.NotNil(t, appErr)
	assert.Equal(t, 400, appErr.Status)
}

func TestParseListQueryRejectsUnknownOperator(t *testing.T) {
	reg := testRegistry(t)
	_, appErr := parsePlan(t, reg.Resolve("posts"), "filter[id.matches]=1")
	require.NotNil(t, appErr)
	assert.Equal(t, 400, appErr.Status)
}

func TestParseListQueryRejectsBadValueType(t *testing.T) {
	reg := testRegistry(t)
	_, appErr := parsePlan(t, reg.Resolve("posts"), "filter[id]=banana")
	require.NotNil(t, appErr)
	assert.Equal(t, 400, appErr.Status)
}

func TestParseListQueryPagination(t *testing.T) {
	reg := testRegistry(t)
	posts := reg.Resolve("posts")

	plan, appErr := parsePlan(t, posts, "page=3&limit=10")
	require.Nil(t, appErr)
	assert.Equal(t, 3, plan.Page)
	assert.Equal(t, 10, plan.Limit)
	assert.Equal(t, 20, plan.Offset())

	// limit is capped, not rejected
	plan, appErr = parsePlan(t, posts, "limit=5000")
	require.Nil(t, appErr)
	assert.Equal(t, 100, plan.Limit)

	_, appErr = parsePlan(t, posts, "page=0")
	require.NotNil(t, appErr)
	assert.Equal(t, 400, appErr.Status)
}

func TestParseSorts(t *testing.T) {
	reg := testRegistry(t)
	posts := reg.Resolve("posts")

	sorts, appErr := ParseSorts(posts, "-created_at,title")
	require.Nil(t, appErr)
	require.Len(t, sorts, 2)
	assert.True(t, sorts[0].Desc)
	assert.Equal(t, "created_at", sorts[0].Column)
	assert.False(t, sorts[1].Desc)

	sorts, appErr = ParseSorts(posts, "author.username")
	require.Nil(t, appErr)
	require.NotNil(t, sorts[0].Assoc)

	// to-many sorts are ill-defined
	_, appErr = ParseSorts(posts, "tags.name")
	require.NotNil(t, appErr)

	_, appErr = ParseSorts(posts, "nonsense")
	require.NotNil(t, appErr)
}

func TestParseIncludes(t *testing.T) {
	reg := testRegistry(t)
	posts := reg.Resolve("posts")

	includes, appErr := ParseIncludes(posts, "author,tags")
	require.Nil(t, appErr)
	assert.Equal(t, [][]string{{"author"}, {"tags"}}, includes)

	// nested path walks the association chain
	includes, appErr = ParseIncludes(reg.Resolve("users"), "posts.author")
	require.Nil(t, appErr)
	assert.Equal(t, [][]string{{"posts", "author"}}, includes)

	_, appErr = ParseIncludes(posts, "author.widgets")
	require.NotNil(t, appErr)
}

func TestBuildSelectPlain(t *testing.T) {
	reg := testRegistry(t)
	plan := &QueryPlan{Entity: reg.Resolve("posts"), Page: 1, Limit: 25}

	sqlStr, params := BuildSelect(store.NewDialect("sqlite"), plan)
	assert.Equal(t,
		"SELECT id, author_id, title, archived, created_at FROM posts LIMIT ?1 OFFSET ?2",
		sqlStr)
	assert.Equal(t, []any{25, 0}, params)
}

func TestBuildSelectWithAssociationFilter(t *testing.T) {
	reg := testRegistry(t)
	posts := reg.Resolve("posts")
	author := posts.Association("author")

	plan := &QueryPlan{
		Entity: posts,
		Page:   1, Limit: 25,
		Filters: []WhereClause{{Column: "username", Op: "=", Value: "bob", Assoc: author}},
	}
	sqlStr, params := BuildSelect(store.NewDialect("sqlite"), plan)
	assert.Equal(t,
		"SELECT id, author_id, title, archived, created_at FROM posts"+
			" WHERE author_id IN (SELECT id FROM users WHERE username = ?1) LIMIT ?2 OFFSET ?3",
		sqlStr)
	assert.Equal(t, []any{"bob", 25, 0}, params)
}

func TestBuildSelectWithManyToManyFilter(t *testing.T) {
	reg := testRegistry(t)
	posts := reg.Resolve("posts")
	tags := posts.Association("tags")

	plan := &QueryPlan{
		Entity: posts,
		Page:   1, Limit: 25,
		Filters: []WhereClause{{Column: "name", Op: "=", Value: "golang", Assoc: tags}},
	}
	sqlStr, _ := BuildSelect(store.NewDialect("sqlite"), plan)
	assert.Contains(t, sqlStr,
		"id IN (SELECT jt.post_id FROM post_tags jt JOIN tags t ON jt.tag_id = t.id WHERE t.name = ?1)")
}

func TestBuildSelectWithAssociationSort(t *testing.T) {
	reg := testRegistry(t)
	posts := reg.Resolve("posts")
	author := posts.Association("author")

	plan := &QueryPlan{
		Entity: posts,
		Page:   1, Limit: 25,
		Sorts: []OrderClause{{Column: "username", Assoc: author, Desc: true}},
	}
	sqlStr, _ := BuildSelect(store.NewDialect("sqlite"), plan)
	assert.Equal(t,
		"SELECT posts.id, posts.author_id, posts.title, posts.archived, posts.created_at FROM posts"+
			" LEFT JOIN users AS author ON posts.author_id = author.id"+
			" ORDER BY author.username DESC LIMIT ?1 OFFSET ?2",
		sqlStr)
}

func TestBuildCount(t *testing.T) {
	reg := testRegistry(t)
	plan := &QueryPlan{
		Entity: reg.Resolve("posts"),
		Page:   1, Limit: 25,
		Filters: []WhereClause{{Column: "title", Op: "=", Value: "x"}},
	}
	sqlStr, params := BuildCount(store.NewDialect("sqlite"), plan)
	assert.Equal(t, "SELECT COUNT(*) AS total FROM posts WHERE title = ?1", sqlStr)
	assert.Equal(t, []any{"x"}, params)
}

func TestCoerceParam(t *testing.T) {
	v, err := coerceParam(metadata.TypeInteger, "42")
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)

	v, err = coerceParam(metadata.TypeBoolean, "true")
	require.NoError(t, err)
	assert.Equal(t, true, v)

	v, err = coerceParam(metadata.TypeDecimal, "1.5")
	require.NoError(t, err)
	assert.Equal(t, 1.5, v)

	v, err = coerceParam(metadata.TypeString, "abc")
	require.NoError(t, err)
	assert.Equal(t, "abc", v)

	_, err = coerceParam(metadata.TypeInteger, "abc")
	require.Error(t, err)
}
