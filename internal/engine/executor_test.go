package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cnos-dev/ultimate-crud/internal/metadata"
)

func buildRegistryWithGeneratedKey(t *testing.T) (*metadata.Registry, error) {
	t.Helper()
	schemas := map[string]*metadata.TableSchema{
		"docs": {Name: "docs", Columns: []metadata.ColumnMeta{
			{Name: "id", Type: metadata.TypeString, PKOrdinal: 1},
			{Name: "body", Type: metadata.TypeString},
		}},
	}
	descriptors := []*metadata.Entity{
		{Name: "docs", Kind: metadata.KindTable, KeyGenerator: "uuid"},
	}
	return metadata.Build(descriptors, schemas)
}

func TestGetReturnsNotFound(t *testing.T) {
	st, mock := newMockStore(t, "sqlite")
	reg := testRegistry(t)
	x := NewExecutor(st, reg)

	mock.ExpectQuery("SELECT id, username, email, active, role FROM users WHERE id = ?1").
		WithArgs(int64(99)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "username", "email", "active", "role"}))

	_, appErr := x.Get(context.Background(), reg.Resolve("users"), []any{int64(99)}, nil)
	require.NotNil(t, appErr)
	assert.Equal(t, 404, appErr.Status)
	assert.Equal(t, "NOT_FOUND", appErr.Code)
}

func TestGetCompoundKey(t *testing.T) {
	st, mock := newMockStore(t, "sqlite")
	reg := testRegistry(t)
	x := NewExecutor(st, reg)

	mock.ExpectQuery("SELECT order_id, product_id, quantity FROM order_items WHERE order_id = ?1 AND product_id = ?2").
		WithArgs(int64(1), int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"order_id", "product_id", "quantity"}).AddRow(1, 2, 5))

	row, appErr := x.Get(context.Background(), reg.Resolve("order_items"), []any{int64(1), int64(2)}, nil)
	require.Nil(t, appErr)
	assert.Equal(t, int64(5), row["quantity"])
}

func TestGetCoercesTimestampsByColumnType(t *testing.T) {
	st, mock := newMockStore(t, "sqlite")
	reg := testRegistry(t)
	x := NewExecutor(st, reg)

	// title happens to look like a timestamp; only created_at is a datetime
	// column and only it is parsed.
	mock.ExpectQuery("SELECT id, author_id, title, archived, created_at FROM posts WHERE id = ?1").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "author_id", "title", "archived", "created_at"}).
			AddRow(1, 7, "2024-05-01 09:30:00", 0, "2024-05-02 10:00:00"))

	row, appErr := x.Get(context.Background(), reg.Resolve("posts"), []any{int64(1)}, nil)
	require.Nil(t, appErr)

	assert.Equal(t, "2024-05-01 09:30:00", row["title"])
	created, ok := row["created_at"].(time.Time)
	require.True(t, ok)
	assert.Equal(t, 2024, created.Year())
	assert.Equal(t, time.May, created.Month())
}

func TestListNormalizesBooleansAndCounts(t *testing.T) {
	st, mock := newMockStore(t, "sqlite")
	reg := testRegistry(t)
	x := NewExecutor(st, reg)
	users := reg.Resolve("users")

	mock.ExpectQuery("SELECT id, username, email, active, role FROM users LIMIT ?1 OFFSET ?2").
		WithArgs(25, 0).
		WillReturnRows(sqlmock.NewRows([]string{"id", "username", "email", "active", "role"}).
			AddRow(1, "alice", nil, 1, "admin").
			AddRow(2, "bob", nil, 0, "member"))
	mock.ExpectQuery("SELECT COUNT(*) AS total FROM users").
		WillReturnRows(sqlmock.NewRows([]string{"total"}).AddRow(2))

	rows, total, appErr := x.List(context.Background(), &QueryPlan{Entity: users, Page: 1, Limit: 25})
	require.Nil(t, appErr)
	assert.Equal(t, int64(2), total)
	require.Len(t, rows, 2)
	assert.Equal(t, true, rows[0]["active"])
	assert.Equal(t, false, rows[1]["active"])
}

func TestListLoadsBelongsToInclude(t *testing.T) {
	st, mock := newMockStore(t, "sqlite")
	reg := testRegistry(t)
	x := NewExecutor(st, reg)
	posts := reg.Resolve("posts")

	mock.ExpectQuery("SELECT id, author_id, title, archived, created_at FROM posts LIMIT ?1 OFFSET ?2").
		WithArgs(25, 0).
		WillReturnRows(sqlmock.NewRows([]string{"id", "author_id", "title", "archived", "created_at"}).
			AddRow(1, 7, "first", 0, nil).
			AddRow(2, 7, "second", 0, nil).
			AddRow(3, nil, "orphan", 0, nil))
	mock.ExpectQuery("SELECT COUNT(*) AS total FROM posts").
		WillReturnRows(sqlmock.NewRows([]string{"total"}).AddRow(3))
	// one query for all authors, not one per row
	mock.ExpectQuery("SELECT id, username, email, active, role FROM users WHERE id IN (?1)").
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "username", "email", "active", "role"}).
			AddRow(7, "alice", nil, 1, "admin"))

	plan := &QueryPlan{Entity: posts, Page: 1, Limit: 25, Includes: [][]string{{"author"}}}
	rows, _, appErr := x.List(context.Background(), plan)
	require.Nil(t, appErr)
	require.Len(t, rows, 3)

	author, ok := rows[0]["author"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "alice", author["username"])
	assert.Equal(t, "alice", rows[1]["author"].(map[string]any)["username"])
	assert.Nil(t, rows[2]["author"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateWithReturning(t *testing.T) {
	st, mock := newMockStore(t, "sqlite")
	reg := testRegistry(t)
	x := NewExecutor(st, reg)
	users := reg.Resolve("users")

	mock.ExpectQuery("INSERT INTO users (username, active) VALUES (?1, ?2) RETURNING id, username, email, active, role").
		WithArgs("alice", true).
		WillReturnRows(sqlmock.NewRows([]string{"id", "username", "email", "active", "role"}).
			AddRow(1, "alice", nil, 1, nil))

	row, appErr := x.Create(context.Background(), users, map[string]any{"username": "alice", "active": true})
	require.Nil(t, appErr)
	assert.Equal(t, int64(1), row["id"])
	assert.Equal(t, true, row["active"])
}

func TestCreateWithoutReturningRefetches(t *testing.T) {
	st, mock := newMockStore(t, "mysql")
	reg := testRegistry(t)
	x := NewExecutor(st, reg)
	users := reg.Resolve("users")

	mock.ExpectExec("INSERT INTO users (username) VALUES (?)").
		WithArgs("alice").
		WillReturnResult(sqlmock.NewResult(5, 1))
	mock.ExpectQuery("SELECT id, username, email, active, role FROM users WHERE id = ?").
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "username", "email", "active", "role"}).
			AddRow(5, "alice", nil, nil, nil))

	row, appErr := x.Create(context.Background(), users, map[string]any{"username": "alice"})
	require.Nil(t, appErr)
	assert.Equal(t, int64(5), row["id"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateMapsDriverUniqueViolation(t *testing.T) {
	st, mock := newMockStore(t, "sqlite")
	reg := testRegistry(t)
	x := NewExecutor(st, reg)
	users := reg.Resolve("users")

	mock.ExpectQuery("INSERT INTO users (username) VALUES (?1) RETURNING id, username, email, active, role").
		WithArgs("alice").
		WillReturnError(errors.New("UNIQUE constraint failed: users.username"))

	_, appErr := x.Create(context.Background(), users, map[string]any{"username": "alice"})
	require.NotNil(t, appErr)
	assert.Equal(t, 409, appErr.Status)
	assert.Equal(t, "CONFLICT", appErr.Code)
	assert.Equal(t, []string{"username"}, appErr.Details["fields"])
}

func TestCreateStampsGeneratedKey(t *testing.T) {
	st, _ := newMockStore(t, "sqlite")
	reg, err := buildRegistryWithGeneratedKey(t)
	require.NoError(t, err)
	x := NewExecutor(st, reg)
	docs := reg.Resolve("docs")

	fields := map[string]any{"body": "hello"}
	// the insert will fail against the mock (no expectation), but the key must
	// already have been stamped before the statement ran
	x.Create(context.Background(), docs, fields)
	id, ok := fields["id"].(string)
	require.True(t, ok)
	assert.Len(t, id, 36)
}

func TestUpdateReturnsNotFoundOnZeroRows(t *testing.T) {
	st, mock := newMockStore(t, "sqlite")
	reg := testRegistry(t)
	x := NewExecutor(st, reg)
	users := reg.Resolve("users")

	mock.ExpectExec("UPDATE users SET username = ?1 WHERE id = ?2").
		WithArgs("zed", int64(99)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	_, appErr := x.Update(context.Background(), users, []any{int64(99)}, map[string]any{"username": "zed"})
	require.NotNil(t, appErr)
	assert.Equal(t, 404, appErr.Status)
}

func TestUpdateNeverTouchesKeyColumns(t *testing.T) {
	st, mock := newMockStore(t, "sqlite")
	reg := testRegistry(t)
	x := NewExecutor(st, reg)
	users := reg.Resolve("users")

	mock.ExpectExec("UPDATE users SET username = ?1 WHERE id = ?2").
		WithArgs("zed", int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT id, username, email, active, role FROM users WHERE id = ?1").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "username", "email", "active", "role"}).
			AddRow(1, "zed", nil, nil, nil))

	// id in the payload is ignored, not written
	_, appErr := x.Update(context.Background(), users, []any{int64(1)},
		map[string]any{"id": int64(42), "username": "zed"})
	require.Nil(t, appErr)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteIsNotIdempotent(t *testing.T) {
	st, mock := newMockStore(t, "sqlite")
	reg := testRegistry(t)
	x := NewExecutor(st, reg)
	users := reg.Resolve("users")

	mock.ExpectExec("DELETE FROM users WHERE id = ?1").
		WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM users WHERE id = ?1").
		WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.Nil(t, x.Delete(context.Background(), users, []any{int64(1)}))

	appErr := x.Delete(context.Background(), users, []any{int64(1)})
	require.NotNil(t, appErr)
	assert.Equal(t, 404, appErr.Status)
}

func TestWritesRejectedOnViews(t *testing.T) {
	st, _ := newMockStore(t, "sqlite")
	reg := testRegistry(t)
	x := NewExecutor(st, reg)
	view := reg.Resolve("active_users")

	_, appErr := x.Create(context.Background(), view, map[string]any{"username": "x"})
	require.NotNil(t, appErr)
	assert.Equal(t, 405, appErr.Status)

	_, appErr = x.Update(context.Background(), view, []any{int64(1)}, map[string]any{"username": "x"})
	require.NotNil(t, appErr)
	assert.Equal(t, 405, appErr.Status)

	appErr = x.Delete(context.Background(), view, []any{int64(1)})
	require.NotNil(t, appErr)
	assert.Equal(t, 405, appErr.Status)
}

func TestRunQueryBindsNamedParameters(t *testing.T) {
	st, mock := newMockStore(t, "sqlite")
	reg := testRegistry(t)
	x := NewExecutor(st, reg)
	q := reg.Resolve("recent_posts")

	mock.ExpectQuery("SELECT id, title FROM posts WHERE created_at >= ?1").
		WithArgs("2026-01-01").
		WillReturnRows(sqlmock.NewRows([]string{"id", "title"}).AddRow(1, "first"))

	rows, appErr := x.RunQuery(context.Background(), q, map[string]any{"since": "2026-01-01"})
	require.Nil(t, appErr)
	require.Len(t, rows, 1)
	assert.Equal(t, "first", rows[0]["title"])
}

func TestRunQueryLeavesCastSyntaxAlone(t *testing.T) {
	st, mock := newMockStore(t, "postgres")
	reg := testRegistry(t)
	x := NewExecutor(st, reg)

	q := &metadata.Entity{
		Name:       "price_report",
		Kind:       metadata.KindQuery,
		SQL:        "SELECT id, price::text AS price FROM posts WHERE created_at >= :since",
		Parameters: []metadata.Parameter{{Name: "since", Required: true}},
	}

	mock.ExpectQuery("SELECT id, price::text AS price FROM posts WHERE created_at >= $1").
		WithArgs("2026-01-01").
		WillReturnRows(sqlmock.NewRows([]string{"id", "price"}).AddRow(1, "9.99"))

	rows, appErr := x.RunQuery(context.Background(), q, map[string]any{"since": "2026-01-01"})
	require.Nil(t, appErr)
	require.Len(t, rows, 1)
	assert.Equal(t, "9.99", rows[0]["price"])
}

func TestRunQueryMissingRequiredParameter(t *testing.T) {
	st, _ := newMockStore(t, "sqlite")
	reg := testRegistry(t)
	x := NewExecutor(st, reg)

	_, appErr := x.RunQuery(context.Background(), reg.Resolve("recent_posts"), map[string]any{})
	require.NotNil(t, appErr)
	assert.Equal(t, 400, appErr.Status)
	assert.Equal(t, "VALIDATION_FAILED", appErr.Code)
}

func TestCallProcedure(t *testing.T) {
	st, mock := newMockStore(t, "postgres")
	reg := testRegistry(t)
	x := NewExecutor(st, reg)
	proc := reg.Resolve("archive_posts")

	mock.ExpectQuery("CALL archive_old_posts($1)").
		WithArgs("2025-01-01").
		WillReturnRows(sqlmock.NewRows([]string{}))

	rows, appErr := x.CallProcedure(context.Background(), proc, map[string]any{"before": "2025-01-01"})
	require.Nil(t, appErr)
	assert.Empty(t, rows)
}

func TestCallProcedureUnsupportedDialect(t *testing.T) {
	st, _ := newMockStore(t, "sqlite")
	reg := testRegistry(t)
	x := NewExecutor(st, reg)

	_, appErr := x.CallProcedure(context.Background(), reg.Resolve("archive_posts"), map[string]any{"before": "x"})
	require.NotNil(t, appErr)
	assert.Equal(t, 405, appErr.Status)
}

func TestReplaceAssociatedIsTransactional(t *testing.T) {
	st, mock := newMockStore(t, "sqlite")
	reg := testRegistry(t)
	x := NewExecutor(st, reg)
	posts := reg.Resolve("posts")
	tags := posts.Association("tags")

	mock.ExpectQuery("SELECT id, author_id, title, archived, created_at FROM posts WHERE id = ?1").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "author_id", "title", "archived", "created_at"}).
			AddRow(1, 7, "first", 0, nil))
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM post_tags WHERE post_id = ?1").
		WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("INSERT INTO post_tags (post_id, tag_id) VALUES (?1, ?2)").
		WithArgs(int64(1), int64(10)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO post_tags (post_id, tag_id) VALUES (?1, ?2)").
		WithArgs(int64(1), int64(11)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectQuery("SELECT post_id, tag_id FROM post_tags WHERE post_id IN (?1)").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"post_id", "tag_id"}).
			AddRow(1, 10).AddRow(1, 11))
	mock.ExpectQuery("SELECT id, name FROM tags WHERE id IN (?1, ?2)").
		WithArgs(int64(10), int64(11)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).
			AddRow(10, "go").AddRow(11, "sql"))

	related, appErr := x.ReplaceAssociated(context.Background(), posts, []any{int64(1)}, tags, []any{int64(10), int64(11)})
	require.Nil(t, appErr)
	list := related.([]map[string]any)
	require.Len(t, list, 2)
	assert.Equal(t, "go", list[0]["name"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaceAssociatedRollsBackOnFailure(t *testing.T) {
	st, mock := newMockStore(t, "sqlite")
	reg := testRegistry(t)
	x := NewExecutor(st, reg)
	posts := reg.Resolve("posts")
	tags := posts.Association("tags")

	mock.ExpectQuery("SELECT id, author_id, title, archived, created_at FROM posts WHERE id = ?1").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "author_id", "title", "archived", "created_at"}).
			AddRow(1, 7, "first", 0, nil))
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM post_tags WHERE post_id = ?1").
		WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO post_tags (post_id, tag_id) VALUES (?1, ?2)").
		WithArgs(int64(1), int64(999)).
		WillReturnError(errors.New("FOREIGN KEY constraint failed"))
	mock.ExpectRollback()

	_, appErr := x.ReplaceAssociated(context.Background(), posts, []any{int64(1)}, tags, []any{int64(999)})
	require.NotNil(t, appErr)
	assert.Equal(t, 500, appErr.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRemoveAssociated(t *testing.T) {
	st, mock := newMockStore(t, "sqlite")
	reg := testRegistry(t)
	x := NewExecutor(st, reg)
	posts := reg.Resolve("posts")
	tags := posts.Association("tags")

	mock.ExpectQuery("SELECT id, author_id, title, archived, created_at FROM posts WHERE id = ?1").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "author_id", "title", "archived", "created_at"}).
			AddRow(1, 7, "first", 0, nil))
	mock.ExpectExec("DELETE FROM post_tags WHERE post_id = ?1 AND tag_id = ?2").
		WithArgs(int64(1), int64(10)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	appErr := x.RemoveAssociated(context.Background(), posts, []any{int64(1)}, tags, int64(10))
	require.NotNil(t, appErr)
	assert.Equal(t, 404, appErr.Status)
}
