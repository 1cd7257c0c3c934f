package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/clipsight/clipsight/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS jobs (
	id                 TEXT PRIMARY KEY,
	owner_id           TEXT NOT NULL,
	stage              TEXT NOT NULL DEFAULT 'queued',
	progress           INTEGER NOT NULL DEFAULT 0,
	selected_item_ids  TEXT NOT NULL,
	items              TEXT NOT NULL,
	summary            TEXT NOT NULL,
	downloaded_items   TEXT NOT NULL DEFAULT '[]',
	annotation_results TEXT NOT NULL DEFAULT '[]',
	primary_insights   TEXT,
	insight_variants   TEXT NOT NULL DEFAULT '[]',
	failure_count      INTEGER NOT NULL DEFAULT 0,
	error_message      TEXT NOT NULL DEFAULT '',
	created_at         DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at         DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS annotation_cache (
	item_id           TEXT PRIMARY KEY,
	labels            TEXT NOT NULL DEFAULT '[]',
	transcript        TEXT NOT NULL DEFAULT '',
	shot_change_count INTEGER NOT NULL DEFAULT 0,
	metrics           TEXT NOT NULL DEFAULT '{}',
	created_at        DATETIME NOT NULL DEFAULT (datetime('now')),
	last_used_at      DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS credit_accounts (
	owner_id   TEXT PRIMARY KEY,
	balance    INTEGER NOT NULL DEFAULT 0,
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS credit_transactions (
	id         TEXT PRIMARY KEY,
	owner_id   TEXT NOT NULL REFERENCES credit_accounts(owner_id),
	amount     INTEGER NOT NULL,
	reason     TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_jobs_stage ON jobs(stage);
CREATE INDEX IF NOT EXISTS idx_jobs_owner ON jobs(owner_id);
CREATE INDEX IF NOT EXISTS idx_credit_tx_owner ON credit_transactions(owner_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateJob(ctx context.Context, ownerID string, items []model.CandidateItem, summary model.RankedSummary) (*model.Job, error) {
	now := time.Now().UTC()

	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}

	job := &model.Job{
		ID:              uuid.New().String(),
		OwnerID:         ownerID,
		SelectedItemIDs: ids,
		Items:           items,
		Summary:         summary,
		Stage:           model.StageQueued,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	idsJSON, err := json.Marshal(ids)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal selected item ids")
	}
	itemsJSON, err := json.Marshal(items)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal items")
	}
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal summary")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, owner_id, stage, selected_item_ids, items, summary, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, ownerID, string(model.StageQueued), string(idsJSON), string(itemsJSON), string(summaryJSON), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert job")
	}

	return job, nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx, selectJobSQL+` WHERE id = ?`, jobID)
	return scanJob(row)
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	query := selectJobSQL + ` WHERE 1=1`
	var args []any

	if filter.Stage != "" {
		query += ` AND stage = ?`
		args = append(args, string(filter.Stage))
	}
	if filter.OwnerID != "" {
		query += ` AND owner_id = ?`
		args = append(args, filter.OwnerID)
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "sqlite: list jobs iterate")
}

func (s *SQLiteStore) UpdateJobStage(ctx context.Context, jobID string, stage model.Stage) error {
	return s.mutateJob(ctx, jobID, func(j *model.Job) error {
		if j.Stage.Terminal() {
			return model.ErrJobTerminated
		}
		if !j.Stage.CanTransitionTo(stage) {
			return eris.Errorf("sqlite: illegal stage transition %s -> %s", j.Stage, stage)
		}
		j.Stage = stage
		return nil
	})
}

func (s *SQLiteStore) UpdateJobProgress(ctx context.Context, jobID string, progress int) error {
	return s.mutateJob(ctx, jobID, func(j *model.Job) error {
		if j.Stage.Terminal() {
			return model.ErrJobTerminated
		}
		if progress < j.Progress {
			return eris.Errorf("sqlite: progress cannot decrease (%d -> %d)", j.Progress, progress)
		}
		if progress > 100 {
			progress = 100
		}
		j.Progress = progress
		return nil
	})
}

func (s *SQLiteStore) AppendDownloadedItem(ctx context.Context, jobID string, item model.DownloadedItem) error {
	return s.mutateJob(ctx, jobID, func(j *model.Job) error {
		if j.Stage.Terminal() {
			return model.ErrJobTerminated
		}
		j.DownloadedItems = append(j.DownloadedItems, item)
		return nil
	})
}

func (s *SQLiteStore) AppendAnnotationResult(ctx context.Context, jobID string, ann model.ItemAnnotation) error {
	return s.mutateJob(ctx, jobID, func(j *model.Job) error {
		if j.Stage.Terminal() {
			return model.ErrJobTerminated
		}
		if len(j.AnnotationResults)+j.FailureCount >= len(j.SelectedItemIDs) {
			return eris.Errorf("sqlite: job %s already accounted for all %d selected items", jobID, len(j.SelectedItemIDs))
		}
		j.AnnotationResults = append(j.AnnotationResults, ann)
		return nil
	})
}

func (s *SQLiteStore) IncrementFailureCount(ctx context.Context, jobID string) (int, error) {
	var count int
	err := s.mutateJob(ctx, jobID, func(j *model.Job) error {
		if j.Stage.Terminal() {
			return model.ErrJobTerminated
		}
		if len(j.AnnotationResults)+j.FailureCount >= len(j.SelectedItemIDs) {
			return eris.Errorf("sqlite: job %s already accounted for all %d selected items", jobID, len(j.SelectedItemIDs))
		}
		j.FailureCount++
		count = j.FailureCount
		return nil
	})
	return count, err
}

func (s *SQLiteStore) SetPrimaryInsights(ctx context.Context, jobID string, ins model.Insights) error {
	return s.mutateJob(ctx, jobID, func(j *model.Job) error {
		if err := insightsWritable(j); err != nil {
			return err
		}
		j.PrimaryInsights = &ins
		return nil
	})
}

func (s *SQLiteStore) AppendInsightVariant(ctx context.Context, jobID string, ins model.Insights) error {
	return s.mutateJob(ctx, jobID, func(j *model.Job) error {
		if err := insightsWritable(j); err != nil {
			return err
		}
		j.InsightVariants = append(j.InsightVariants, ins)
		// Backfill the primary from the first variant so a job synthesized
		// only in variant mode still has a primary result.
		if j.PrimaryInsights == nil {
			j.PrimaryInsights = &ins
		}
		return nil
	})
}

func (s *SQLiteStore) FailJob(ctx context.Context, jobID string, message string) error {
	return s.mutateJob(ctx, jobID, func(j *model.Job) error {
		if j.Stage.Terminal() {
			return model.ErrJobTerminated
		}
		// Progress freezes at its last value.
		j.Stage = model.StageFailed
		j.ErrorMessage = message
		return nil
	})
}

// insightsWritable allows insight writes while synthesis is running and
// after completion (regeneration), but never on failed or pre-synthesis jobs.
func insightsWritable(j *model.Job) error {
	switch j.Stage {
	case model.StageGeneratingInsights, model.StageCompleted:
		return nil
	case model.StageFailed:
		return model.ErrJobTerminated
	default:
		return eris.Errorf("job %s has not reached synthesis (stage %s)", j.ID, j.Stage)
	}
}

// mutateJob loads a job inside a transaction, applies fn, and writes the
// mutable columns back. The transaction serializes concurrent writers on the
// same job row.
func (s *SQLiteStore) mutateJob(ctx context.Context, jobID string, fn func(*model.Job) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, selectJobSQL+` WHERE id = ?`, jobID)
	job, err := scanJob(row)
	if err != nil {
		return err
	}

	if err := fn(job); err != nil {
		return err
	}

	downloadedJSON, err := json.Marshal(job.DownloadedItems)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal downloaded items")
	}
	annotationsJSON, err := json.Marshal(job.AnnotationResults)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal annotation results")
	}
	variantsJSON, err := json.Marshal(job.InsightVariants)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal insight variants")
	}
	var primaryJSON sql.NullString
	if job.PrimaryInsights != nil {
		b, err := json.Marshal(job.PrimaryInsights)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal primary insights")
		}
		primaryJSON = sql.NullString{String: string(b), Valid: true}
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET stage = ?, progress = ?, downloaded_items = ?, annotation_results = ?,
		 primary_insights = ?, insight_variants = ?, failure_count = ?, error_message = ?, updated_at = ?
		 WHERE id = ?`,
		string(job.Stage), job.Progress, string(downloadedJSON), string(annotationsJSON),
		primaryJSON, string(variantsJSON), job.FailureCount, job.ErrorMessage, time.Now().UTC(),
		jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update job %s", jobID)
	}
	if err := checkRowsAffected(res, "job", jobID); err != nil {
		return err
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit job mutation")
}

// --- annotation cache ---

func (s *SQLiteStore) GetAnnotation(ctx context.Context, itemID string) (*model.AnnotationCacheEntry, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT item_id, labels, transcript, shot_change_count, metrics, created_at, last_used_at
		 FROM annotation_cache WHERE item_id = ?`,
		itemID,
	)

	var entry model.AnnotationCacheEntry
	var labelsJSON, metricsJSON string
	err := row.Scan(&entry.ItemID, &labelsJSON, &entry.Transcript, &entry.ShotChangeCount, &metricsJSON, &entry.CreatedAt, &entry.LastUsedAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: get annotation")
	}
	if err := json.Unmarshal([]byte(labelsJSON), &entry.Labels); err != nil {
		return nil, false, eris.Wrap(err, "sqlite: unmarshal labels")
	}
	if err := json.Unmarshal([]byte(metricsJSON), &entry.Metrics); err != nil {
		return nil, false, eris.Wrap(err, "sqlite: unmarshal metrics")
	}
	return &entry, true, nil
}

func (s *SQLiteStore) PutAnnotation(ctx context.Context, entry model.AnnotationCacheEntry) error {
	labelsJSON, err := json.Marshal(entry.Labels)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal labels")
	}
	metricsJSON, err := json.Marshal(entry.Metrics)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal metrics")
	}

	now := time.Now().UTC()
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	lastUsedAt := entry.LastUsedAt
	if lastUsedAt.IsZero() {
		lastUsedAt = now
	}

	// Upsert: at most one entry per item id.
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO annotation_cache (item_id, labels, transcript, shot_change_count, metrics, created_at, last_used_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(item_id) DO UPDATE SET
		   labels = excluded.labels,
		   transcript = excluded.transcript,
		   shot_change_count = excluded.shot_change_count,
		   metrics = excluded.metrics,
		   last_used_at = excluded.last_used_at`,
		entry.ItemID, string(labelsJSON), entry.Transcript, entry.ShotChangeCount, string(metricsJSON), createdAt, lastUsedAt,
	)
	return eris.Wrap(err, "sqlite: put annotation")
}

func (s *SQLiteStore) TouchAnnotation(ctx context.Context, itemID string, usedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE annotation_cache SET last_used_at = ? WHERE item_id = ?`,
		usedAt.UTC(), itemID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: touch annotation %s", itemID)
	}
	return checkRowsAffected(res, "annotation", itemID)
}

// --- credit accounts ---

func (s *SQLiteStore) GetBalance(ctx context.Context, ownerID string) (int, error) {
	var balance int
	err := s.db.QueryRowContext(ctx,
		`SELECT balance FROM credit_accounts WHERE owner_id = ?`, ownerID,
	).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: get balance")
	}
	return balance, nil
}

func (s *SQLiteStore) AddCredits(ctx context.Context, ownerID string, amount int) error {
	if amount <= 0 {
		return eris.Errorf("sqlite: credit grant must be positive, got %d", amount)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credit_accounts (owner_id, balance, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(owner_id) DO UPDATE SET balance = balance + excluded.balance, updated_at = excluded.updated_at`,
		ownerID, amount, time.Now().UTC(),
	)
	return eris.Wrap(err, "sqlite: add credits")
}

func (s *SQLiteStore) DeductCredits(ctx context.Context, ownerID string, amount int, reason string) (string, error) {
	if amount <= 0 {
		return "", eris.Errorf("sqlite: deduction must be positive, got %d", amount)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback()

	var balance int
	err = tx.QueryRowContext(ctx,
		`SELECT balance FROM credit_accounts WHERE owner_id = ?`, ownerID,
	).Scan(&balance)
	if err == sql.ErrNoRows {
		balance = 0
		err = nil
	}
	if err != nil {
		return "", eris.Wrap(err, "sqlite: read balance")
	}
	if balance < amount {
		return "", eris.Wrapf(ErrInsufficientBalance, "owner %s: need %d, have %d", ownerID, amount, balance)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE credit_accounts SET balance = balance - ?, updated_at = ? WHERE owner_id = ?`,
		amount, time.Now().UTC(), ownerID,
	); err != nil {
		return "", eris.Wrap(err, "sqlite: deduct balance")
	}

	txID := uuid.New().String()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO credit_transactions (id, owner_id, amount, reason, created_at) VALUES (?, ?, ?, ?, ?)`,
		txID, ownerID, -amount, reason, time.Now().UTC(),
	); err != nil {
		return "", eris.Wrap(err, "sqlite: record transaction")
	}

	if err := tx.Commit(); err != nil {
		return "", eris.Wrap(err, "sqlite: commit deduction")
	}
	return txID, nil
}

// helpers

const selectJobSQL = `SELECT id, owner_id, stage, progress, selected_item_ids, items, summary,
	downloaded_items, annotation_results, primary_insights, insight_variants,
	failure_count, error_message, created_at, updated_at FROM jobs`

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanJob(row scannable) (*model.Job, error) {
	var j model.Job
	var idsJSON, itemsJSON, summaryJSON, downloadedJSON, annotationsJSON, variantsJSON string
	var primaryJSON sql.NullString

	err := row.Scan(&j.ID, &j.OwnerID, &j.Stage, &j.Progress, &idsJSON, &itemsJSON, &summaryJSON,
		&downloadedJSON, &annotationsJSON, &primaryJSON, &variantsJSON,
		&j.FailureCount, &j.ErrorMessage, &j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, eris.New("job not found")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan job")
	}

	for _, field := range []struct {
		raw  string
		dest any
		name string
	}{
		{idsJSON, &j.SelectedItemIDs, "selected item ids"},
		{itemsJSON, &j.Items, "items"},
		{summaryJSON, &j.Summary, "summary"},
		{downloadedJSON, &j.DownloadedItems, "downloaded items"},
		{annotationsJSON, &j.AnnotationResults, "annotation results"},
		{variantsJSON, &j.InsightVariants, "insight variants"},
	} {
		if err := json.Unmarshal([]byte(field.raw), field.dest); err != nil {
			return nil, eris.Wrapf(err, "sqlite: unmarshal %s", field.name)
		}
	}
	if primaryJSON.Valid {
		j.PrimaryInsights = &model.Insights{}
		if err := json.Unmarshal([]byte(primaryJSON.String), j.PrimaryInsights); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal primary insights")
		}
	}
	return &j, nil
}
