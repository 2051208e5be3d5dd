package business

import (
	"context"
	"database/sql"
	"net/http"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/models"
)

func newTestRepository(t *testing.T) (*Repository, sqlmock.Sqlmock, database.DB) {
	t.Helper()

	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })

	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	db := database.NewDatabaseInstance(sqlx.NewDb(mockDB, "postgres"), logger)
	return NewRepository(db, logger), mock, db
}

func businessRow(rows *sqlmock.Rows, id, name string, mergedInto any) *sqlmock.Rows {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return rows.AddRow(id, name, "12 Main St", "Austin", "TX", "78701", "5125550100", nil, "plumbing",
		nil, []byte(`["wordpress"]`), 71.5, 4.6, 120, mergedInto, nil, now, now)
}

func TestRepository_Get(t *testing.T) {
	repo, mock, _ := newTestRepository(t)

	rows := businessRow(sqlmock.NewRows(models.BusinessColumns), "b-1", "Acme Plumbing", nil)
	mock.ExpectQuery(regexp.QuoteMeta("FROM businesses WHERE id = $1")).
		WithArgs("b-1").
		WillReturnRows(rows)

	b, err := repo.Get(context.Background(), "b-1")
	require.NoError(t, err)
	assert.Equal(t, "Acme Plumbing", b.Name)
	assert.Equal(t, []string{"wordpress"}, b.TechStack.Data)
	assert.False(t, b.IsTombstoned())
	require.NotNil(t, b.ReviewCount)
	assert.Equal(t, 120, *b.ReviewCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_Get_NotFound(t *testing.T) {
	repo, mock, _ := newTestRepository(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM businesses WHERE id = $1")).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, httperror.GetStatusCode(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_GetForUpdate_JoinsTransaction(t *testing.T) {
	repo, mock, db := newTestRepository(t)

	mock.ExpectBegin()
	rows := sqlmock.NewRows(models.BusinessColumns)
	rows = businessRow(rows, "a", "Acme", nil)
	rows = businessRow(rows, "b", "Acme Inc", nil)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE id IN ($1, $2) ORDER BY id FOR UPDATE")).
		WithArgs("a", "b").
		WillReturnRows(rows)
	mock.ExpectCommit()

	ctx, tx, err := db.GetTx(context.Background(), nil)
	require.NoError(t, err)

	businesses, err := repo.GetForUpdate(ctx, "a", "b")
	require.NoError(t, err)
	require.Len(t, businesses, 2)
	assert.Equal(t, "a", businesses[0].ID)

	require.NoError(t, tx.Commit(ctx))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_ListActive(t *testing.T) {
	repo, mock, _ := newTestRepository(t)

	rows := businessRow(sqlmock.NewRows(models.BusinessColumns), "b-1", "Acme", nil)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE merged_into IS NULL ORDER BY id LIMIT")).
		WillReturnRows(rows)

	businesses, err := repo.ListActive(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, businesses, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_Upsert(t *testing.T) {
	repo, mock, _ := newTestRepository(t)

	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, name_key = EXCLUDED.name_key")).
		WithArgs("b-1", "The Acme Co.", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			"acme", "78701", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Upsert(context.Background(), &models.Business{
		ID:         "b-1",
		Name:       "The Acme Co.",
		PostalCode: models.StringPtr("78701-1234"),
		TechStack:  database.NewJSONB([]string{"shopify"}),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_Upsert_KeepsStoredFields(t *testing.T) {
	repo, mock, _ := newTestRepository(t)

	mock.ExpectExec(regexp.QuoteMeta("phone = COALESCE(EXCLUDED.phone, businesses.phone)")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Upsert(context.Background(), &models.Business{ID: "b-1", Name: "Acme"})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())

	mock.ExpectExec(regexp.QuoteMeta("WHEN EXCLUDED.tech_stack IN ('null'::jsonb, '[]'::jsonb) THEN businesses.tech_stack")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("WHERE businesses.merged_into IS NULL")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Upsert(context.Background(), &models.Business{ID: "b-1", Name: "Acme"}))
	require.NoError(t, repo.Upsert(context.Background(), &models.Business{ID: "b-1", Name: "Acme"}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_ListActiveByBlockKeys(t *testing.T) {
	repo, mock, _ := newTestRepository(t)

	rows := businessRow(sqlmock.NewRows(models.BusinessColumns), "b-1", "Acme", nil)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE merged_into IS NULL AND postal_key IN ($1, $2) AND LEFT(name_key, 4) || '|' || postal_key IN ($3, $4, $5) ORDER BY id")).
		WithArgs("78701", "10001", "acme|78701", "acmp|78701", "blue|10001").
		WillReturnRows(rows)

	businesses, err := repo.ListActiveByBlockKeys(context.Background(), []string{"acme|78701", "acmp|78701", "blue|10001"}, 4)
	require.NoError(t, err)
	require.Len(t, businesses, 1)
	assert.Equal(t, "b-1", businesses[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_ListActiveByBlockKeys_NoKeys(t *testing.T) {
	repo, mock, _ := newTestRepository(t)

	businesses, err := repo.ListActiveByBlockKeys(context.Background(), nil, 4)
	require.NoError(t, err)
	assert.Empty(t, businesses)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_Tombstone(t *testing.T) {
	tests := []struct {
		name     string
		affected int64
		expected bool
	}{
		{name: "active record is tombstoned", affected: 1, expected: true},
		{name: "already tombstoned record is left alone", affected: 0, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, mock, _ := newTestRepository(t)
			at := time.Now().UTC()

			mock.ExpectExec(regexp.QuoteMeta("UPDATE businesses SET merged_into = $1, merged_at = $2, updated_at = $3 WHERE id = $4 AND merged_into IS NULL")).
				WithArgs("canon", at, at, "loser").
				WillReturnResult(sqlmock.NewResult(0, tt.affected))

			ok, err := repo.Tombstone(context.Background(), "loser", "canon", at)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, ok)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestRepository_Update_NotActive(t *testing.T) {
	repo, mock, _ := newTestRepository(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE businesses SET")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Update(context.Background(), &models.Business{ID: "gone", Name: "Gone"})
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, httperror.GetStatusCode(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_ResolveCanonical(t *testing.T) {
	repo, mock, _ := newTestRepository(t)

	mock.ExpectQuery("WITH RECURSIVE chain").
		WithArgs("c", maxChainDepth).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("a"))

	id, err := repo.ResolveCanonical(context.Background(), "c")
	require.NoError(t, err)
	assert.Equal(t, "a", id)
	assert.NoError(t, mock.ExpectationsWereMet())
}
