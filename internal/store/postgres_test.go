package store

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipsight/clipsight/internal/model"
)

func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return &PostgresStore{pool: mock}, mock
}

func jobColumns() []string {
	return []string{
		"id", "owner_id", "stage", "progress", "selected_item_ids", "items", "summary",
		"downloaded_items", "annotation_results", "primary_insights", "insight_variants",
		"failure_count", "error_message", "created_at", "updated_at",
	}
}

func jobRow(t *testing.T, j model.Job) *pgxmock.Rows {
	t.Helper()
	mustJSON := func(v any) []byte {
		b, err := json.Marshal(v)
		require.NoError(t, err)
		return b
	}
	var primary []byte
	if j.PrimaryInsights != nil {
		primary = mustJSON(j.PrimaryInsights)
	}
	return pgxmock.NewRows(jobColumns()).AddRow(
		j.ID, j.OwnerID, j.Stage, j.Progress,
		mustJSON(j.SelectedItemIDs), mustJSON(j.Items), mustJSON(j.Summary),
		mustJSON(j.DownloadedItems), mustJSON(j.AnnotationResults),
		primary, mustJSON(j.InsightVariants),
		j.FailureCount, j.ErrorMessage, j.CreatedAt, j.UpdatedAt,
	)
}

func TestPostgresStore_CreateJob(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO jobs")).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	items := []model.CandidateItem{{ID: "item-a"}, {ID: "item-b"}}
	job, err := s.CreateJob(context.Background(), "owner-1", items, model.RankedSummary{SelectedItems: 2})
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, model.StageQueued, job.Stage)
	assert.Equal(t, []string{"item-a", "item-b"}, job.SelectedItemIDs)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetJob(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	want := model.Job{
		ID:              "job-1",
		OwnerID:         "owner-1",
		Stage:           model.StageAnalyzingItems,
		Progress:        42,
		SelectedItemIDs: []string{"item-a"},
		Items:           []model.CandidateItem{{ID: "item-a"}},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	mock.ExpectQuery(`SELECT .+ FROM jobs WHERE id = \$1`).
		WithArgs("job-1").
		WillReturnRows(jobRow(t, want))

	got, err := s.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, model.StageAnalyzingItems, got.Stage)
	assert.Equal(t, 42, got.Progress)
	assert.Equal(t, []string{"item-a"}, got.SelectedItemIDs)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetJob_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT .+ FROM jobs WHERE id = \$1`).
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows(jobColumns()))

	_, err := s.GetJob(context.Background(), "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestPostgresStore_UpdateJobStage(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	current := model.Job{
		ID:              "job-1",
		OwnerID:         "owner-1",
		Stage:           model.StageQueued,
		SelectedItemIDs: []string{"item-a"},
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM jobs WHERE id = \$1 FOR UPDATE`).
		WithArgs("job-1").
		WillReturnRows(jobRow(t, current))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE jobs SET")).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()
	mock.ExpectRollback()

	err := s.UpdateJobStage(context.Background(), "job-1", model.StageDownloading)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateJobStage_Terminal(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	current := model.Job{
		ID:              "job-1",
		Stage:           model.StageFailed,
		SelectedItemIDs: []string{"item-a"},
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM jobs WHERE id = \$1 FOR UPDATE`).
		WithArgs("job-1").
		WillReturnRows(jobRow(t, current))
	mock.ExpectRollback()

	err := s.UpdateJobStage(context.Background(), "job-1", model.StageDownloading)
	assert.ErrorIs(t, err, model.ErrJobTerminated)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetBalance_NoAccount(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT balance FROM credit_accounts`).
		WithArgs("owner-1").
		WillReturnRows(pgxmock.NewRows([]string{"balance"}))

	balance, err := s.GetBalance(context.Background(), "owner-1")
	require.NoError(t, err)
	assert.Equal(t, 0, balance)
}

func TestPostgresStore_DeductCredits(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT balance FROM credit_accounts WHERE owner_id = \$1 FOR UPDATE`).
		WithArgs("owner-1").
		WillReturnRows(pgxmock.NewRows([]string{"balance"}).AddRow(100))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE credit_accounts SET balance = balance - $1")).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO credit_transactions")).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()
	mock.ExpectRollback()

	txID, err := s.DeductCredits(context.Background(), "owner-1", 30, "annotation_batch")
	require.NoError(t, err)
	assert.NotEmpty(t, txID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DeductCredits_Insufficient(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT balance FROM credit_accounts WHERE owner_id = \$1 FOR UPDATE`).
		WithArgs("owner-1").
		WillReturnRows(pgxmock.NewRows([]string{"balance"}).AddRow(5))
	mock.ExpectRollback()

	_, err := s.DeductCredits(context.Background(), "owner-1", 30, "annotation_batch")
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_TouchAnnotation_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE annotation_cache SET last_used_at")).
		WithArgs(pgxmock.AnyArg(), "item-missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.TouchAnnotation(context.Background(), "item-missing", time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}
