package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/clipsight/clipsight/internal/model"
)

// Pool abstracts the pgx connection pool so the store can be unit-tested
// with pgxmock.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool Pool
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}
	pgxCfg.MaxConns = 10
	pgxCfg.MinConns = 2
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS jobs (
	id                 TEXT PRIMARY KEY,
	owner_id           TEXT NOT NULL,
	stage              TEXT NOT NULL DEFAULT 'queued',
	progress           INTEGER NOT NULL DEFAULT 0,
	selected_item_ids  JSONB NOT NULL,
	items              JSONB NOT NULL,
	summary            JSONB NOT NULL,
	downloaded_items   JSONB NOT NULL DEFAULT '[]',
	annotation_results JSONB NOT NULL DEFAULT '[]',
	primary_insights   JSONB,
	insight_variants   JSONB NOT NULL DEFAULT '[]',
	failure_count      INTEGER NOT NULL DEFAULT 0,
	error_message      TEXT NOT NULL DEFAULT '',
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS annotation_cache (
	item_id           TEXT PRIMARY KEY,
	labels            JSONB NOT NULL DEFAULT '[]',
	transcript        TEXT NOT NULL DEFAULT '',
	shot_change_count INTEGER NOT NULL DEFAULT 0,
	metrics           JSONB NOT NULL DEFAULT '{}',
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_used_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS credit_accounts (
	owner_id   TEXT PRIMARY KEY,
	balance    INTEGER NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS credit_transactions (
	id         TEXT PRIMARY KEY,
	owner_id   TEXT NOT NULL REFERENCES credit_accounts(owner_id),
	amount     INTEGER NOT NULL,
	reason     TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_jobs_stage ON jobs(stage);
CREATE INDEX IF NOT EXISTS idx_jobs_owner ON jobs(owner_id);
CREATE INDEX IF NOT EXISTS idx_credit_tx_owner ON credit_transactions(owner_id);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, ownerID string, items []model.CandidateItem, summary model.RankedSummary) (*model.Job, error) {
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
		return nil, eris.Wrap(err, "postgres: marshal selected item ids")
	}
	itemsJSON, err := json.Marshal(items)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal items")
	}
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal summary")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO jobs (id, owner_id, stage, selected_item_ids, items, summary, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		job.ID, ownerID, string(model.StageQueued), idsJSON, itemsJSON, summaryJSON, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert job")
	}

	return job, nil
}

const pgSelectJobSQL = `SELECT id, owner_id, stage, progress, selected_item_ids, items, summary,
	downloaded_items, annotation_results, primary_insights, insight_variants,
	failure_count, error_message, created_at, updated_at FROM jobs`

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	row := s.pool.QueryRow(ctx, pgSelectJobSQL+` WHERE id = $1`, jobID)
	j, err := scanPgJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Errorf("postgres: job not found: %s", jobID)
	}
	return j, err
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	query := pgSelectJobSQL + ` WHERE 1=1`
	var args []any

	if filter.Stage != "" {
		args = append(args, string(filter.Stage))
		query += ` AND stage = $1`
	}
	if filter.OwnerID != "" {
		args = append(args, filter.OwnerID)
		query += ` AND owner_id = $` + strconv.Itoa(len(args))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += ` LIMIT $` + strconv.Itoa(len(args))

	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += ` OFFSET $` + strconv.Itoa(len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		j, err := scanPgJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "postgres: list jobs iterate")
}

func (s *PostgresStore) UpdateJobStage(ctx context.Context, jobID string, stage model.Stage) error {
	return s.mutateJob(ctx, jobID, func(j *model.Job) error {
		if j.Stage.Terminal() {
			return model.ErrJobTerminated
		}
		if !j.Stage.CanTransitionTo(stage) {
			return eris.Errorf("postgres: illegal stage transition %s -> %s", j.Stage, stage)
		}
		j.Stage = stage
		return nil
	})
}

func (s *PostgresStore) UpdateJobProgress(ctx context.Context, jobID string, progress int) error {
	return s.mutateJob(ctx, jobID, func(j *model.Job) error {
		if j.Stage.Terminal() {
			return model.ErrJobTerminated
		}
		if progress < j.Progress {
			return eris.Errorf("postgres: progress cannot decrease (%d -> %d)", j.Progress, progress)
		}
		if progress > 100 {
			progress = 100
		}
		j.Progress = progress
		return nil
	})
}

func (s *PostgresStore) AppendDownloadedItem(ctx context.Context, jobID string, item model.DownloadedItem) error {
	return s.mutateJob(ctx, jobID, func(j *model.Job) error {
		if j.Stage.Terminal() {
			return model.ErrJobTerminated
		}
		j.DownloadedItems = append(j.DownloadedItems, item)
		return nil
	})
}

func (s *PostgresStore) AppendAnnotationResult(ctx context.Context, jobID string, ann model.ItemAnnotation) error {
	return s.mutateJob(ctx, jobID, func(j *model.Job) error {
		if j.Stage.Terminal() {
			return model.ErrJobTerminated
		}
		if len(j.AnnotationResults)+j.FailureCount >= len(j.SelectedItemIDs) {
			return eris.Errorf("postgres: job %s already accounted for all %d selected items", jobID, len(j.SelectedItemIDs))
		}
		j.AnnotationResults = append(j.AnnotationResults, ann)
		return nil
	})
}

func (s *PostgresStore) IncrementFailureCount(ctx context.Context, jobID string) (int, error) {
	var count int
	err := s.mutateJob(ctx, jobID, func(j *model.Job) error {
		if j.Stage.Terminal() {
			return model.ErrJobTerminated
		}
		if len(j.AnnotationResults)+j.FailureCount >= len(j.SelectedItemIDs) {
			return eris.Errorf("postgres: job %s already accounted for all %d selected items", jobID, len(j.SelectedItemIDs))
		}
		j.FailureCount++
		count = j.FailureCount
		return nil
	})
	return count, err
}

func (s *PostgresStore) SetPrimaryInsights(ctx context.Context, jobID string, ins model.Insights) error {
	return s.mutateJob(ctx, jobID, func(j *model.Job) error {
		if err := insightsWritable(j); err != nil {
			return err
		}
		j.PrimaryInsights = &ins
		return nil
	})
}

func (s *PostgresStore) AppendInsightVariant(ctx context.Context, jobID string, ins model.Insights) error {
	return s.mutateJob(ctx, jobID, func(j *model.Job) error {
		if err := insightsWritable(j); err != nil {
			return err
		}
		j.InsightVariants = append(j.InsightVariants, ins)
		if j.PrimaryInsights == nil {
			j.PrimaryInsights = &ins
		}
		return nil
	})
}

func (s *PostgresStore) FailJob(ctx context.Context, jobID string, message string) error {
	return s.mutateJob(ctx, jobID, func(j *model.Job) error {
		if j.Stage.Terminal() {
			return model.ErrJobTerminated
		}
		j.Stage = model.StageFailed
		j.ErrorMessage = message
		return nil
	})
}

// mutateJob loads a job FOR UPDATE inside a transaction, applies fn, and
// writes the mutable columns back. The row lock serializes writers per job.
func (s *PostgresStore) mutateJob(ctx context.Context, jobID string, fn func(*model.Job) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin tx")
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, pgSelectJobSQL+` WHERE id = $1 FOR UPDATE`, jobID)
	job, err := scanPgJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return eris.Errorf("postgres: job not found: %s", jobID)
	}
	if err != nil {
		return err
	}

	if err := fn(job); err != nil {
		return err
	}

	downloadedJSON, err := json.Marshal(job.DownloadedItems)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal downloaded items")
	}
	annotationsJSON, err := json.Marshal(job.AnnotationResults)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal annotation results")
	}
	variantsJSON, err := json.Marshal(job.InsightVariants)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal insight variants")
	}
	var primaryJSON []byte
	if job.PrimaryInsights != nil {
		primaryJSON, err = json.Marshal(job.PrimaryInsights)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal primary insights")
		}
	}

	if _, err := tx.Exec(ctx,
		`UPDATE jobs SET stage = $1, progress = $2, downloaded_items = $3, annotation_results = $4,
		 primary_insights = $5, insight_variants = $6, failure_count = $7, error_message = $8, updated_at = $9
		 WHERE id = $10`,
		string(job.Stage), job.Progress, downloadedJSON, annotationsJSON,
		primaryJSON, variantsJSON, job.FailureCount, job.ErrorMessage, time.Now().UTC(),
		jobID,
	); err != nil {
		return eris.Wrapf(err, "postgres: update job %s", jobID)
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit job mutation")
}

// --- annotation cache ---

func (s *PostgresStore) GetAnnotation(ctx context.Context, itemID string) (*model.AnnotationCacheEntry, bool, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT item_id, labels, transcript, shot_change_count, metrics, created_at, last_used_at
		 FROM annotation_cache WHERE item_id = $1`,
		itemID,
	)

	var entry model.AnnotationCacheEntry
	var labelsJSON, metricsJSON []byte
	err := row.Scan(&entry.ItemID, &labelsJSON, &entry.Transcript, &entry.ShotChangeCount, &metricsJSON, &entry.CreatedAt, &entry.LastUsedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, eris.Wrap(err, "postgres: get annotation")
	}
	if err := json.Unmarshal(labelsJSON, &entry.Labels); err != nil {
		return nil, false, eris.Wrap(err, "postgres: unmarshal labels")
	}
	if err := json.Unmarshal(metricsJSON, &entry.Metrics); err != nil {
		return nil, false, eris.Wrap(err, "postgres: unmarshal metrics")
	}
	return &entry, true, nil
}

func (s *PostgresStore) PutAnnotation(ctx context.Context, entry model.AnnotationCacheEntry) error {
	labelsJSON, err := json.Marshal(entry.Labels)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal labels")
	}
	metricsJSON, err := json.Marshal(entry.Metrics)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal metrics")
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

	_, err = s.pool.Exec(ctx,
		`INSERT INTO annotation_cache (item_id, labels, transcript, shot_change_count, metrics, created_at, last_used_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (item_id) DO UPDATE SET
		   labels = EXCLUDED.labels,
		   transcript = EXCLUDED.transcript,
		   shot_change_count = EXCLUDED.shot_change_count,
		   metrics = EXCLUDED.metrics,
		   last_used_at = EXCLUDED.last_used_at`,
		entry.ItemID, labelsJSON, entry.Transcript, entry.ShotChangeCount, metricsJSON, createdAt, lastUsedAt,
	)
	return eris.Wrap(err, "postgres: put annotation")
}

func (s *PostgresStore) TouchAnnotation(ctx context.Context, itemID string, usedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE annotation_cache SET last_used_at = $1 WHERE item_id = $2`,
		usedAt.UTC(), itemID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: touch annotation %s", itemID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("annotation not found: %s", itemID)
	}
	return nil
}

// --- credit accounts ---

func (s *PostgresStore) GetBalance(ctx context.Context, ownerID string) (int, error) {
	var balance int
	err := s.pool.QueryRow(ctx,
		`SELECT balance FROM credit_accounts WHERE owner_id = $1`, ownerID,
	).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, eris.Wrap(err, "postgres: get balance")
	}
	return balance, nil
}

func (s *PostgresStore) AddCredits(ctx context.Context, ownerID string, amount int) error {
	if amount <= 0 {
		return eris.Errorf("postgres: credit grant must be positive, got %d", amount)
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO credit_accounts (owner_id, balance, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (owner_id) DO UPDATE SET balance = credit_accounts.balance + EXCLUDED.balance, updated_at = EXCLUDED.updated_at`,
		ownerID, amount, time.Now().UTC(),
	)
	return eris.Wrap(err, "postgres: add credits")
}

func (s *PostgresStore) DeductCredits(ctx context.Context, ownerID string, amount int, reason string) (string, error) {
	if amount <= 0 {
		return "", eris.Errorf("postgres: deduction must be positive, got %d", amount)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", eris.Wrap(err, "postgres: begin tx")
	}
	defer tx.Rollback(ctx)

	var balance int
	err = tx.QueryRow(ctx,
		`SELECT balance FROM credit_accounts WHERE owner_id = $1 FOR UPDATE`, ownerID,
	).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		balance = 0
		err = nil
	}
	if err != nil {
		return "", eris.Wrap(err, "postgres: read balance")
	}
	if balance < amount {
		return "", eris.Wrapf(ErrInsufficientBalance, "owner %s: need %d, have %d", ownerID, amount, balance)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE credit_accounts SET balance = balance - $1, updated_at = $2 WHERE owner_id = $3`,
		amount, time.Now().UTC(), ownerID,
	); err != nil {
		return "", eris.Wrap(err, "postgres: deduct balance")
	}

	txID := uuid.New().String()
	if _, err := tx.Exec(ctx,
		`INSERT INTO credit_transactions (id, owner_id, amount, reason, created_at) VALUES ($1, $2, $3, $4, $5)`,
		txID, ownerID, -amount, reason, time.Now().UTC(),
	); err != nil {
		return "", eris.Wrap(err, "postgres: record transaction")
	}

	if err := tx.Commit(ctx); err != nil {
		return "", eris.Wrap(err, "postgres: commit deduction")
	}
	return txID, nil
}

// helpers

type pgScannable interface {
	Scan(dest ...any) error
}

func scanPgJob(row pgScannable) (*model.Job, error) {
	var j model.Job
	var idsJSON, itemsJSON, summaryJSON, downloadedJSON, annotationsJSON, variantsJSON, primaryJSON []byte

	err := row.Scan(&j.ID, &j.OwnerID, &j.Stage, &j.Progress, &idsJSON, &itemsJSON, &summaryJSON,
		&downloadedJSON, &annotationsJSON, &primaryJSON, &variantsJSON,
		&j.FailureCount, &j.ErrorMessage, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, eris.Wrap(err, "postgres: scan job")
	}

	for _, field := range []struct {
		raw  []byte
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
		if len(field.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(field.raw, field.dest); err != nil {
			return nil, eris.Wrapf(err, "postgres: unmarshal %s", field.name)
		}
	}
	if len(primaryJSON) > 0 {
		j.PrimaryInsights = &model.Insights{}
		if err := json.Unmarshal(primaryJSON, j.PrimaryInsights); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal primary insights")
		}
	}
	return &j, nil
}
