package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore persists jobs to Postgres. A partial unique index keeps the
// one-active-job-per-model invariant even under concurrent creation.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(conn string) (*PostgresStore, error) {
	if strings.TrimSpace(conn) == "" {
		return nil, fmt.Errorf("postgres connection string is required")
	}
	db, err := sql.Open("pgx", conn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	db.SetMaxIdleConns(5)
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(time.Hour)

	s := &PostgresStore{db: db}
	if err := s.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS training_jobs (
    id TEXT PRIMARY KEY,
    model_id TEXT NOT NULL,
    kind TEXT NOT NULL DEFAULT 'train',
    task_handle TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    progress DOUBLE PRECISION NOT NULL DEFAULT 0,
    current_epoch INTEGER NOT NULL DEFAULT 0,
    total_epochs INTEGER NOT NULL DEFAULT 0,
    current_loss DOUBLE PRECISION NOT NULL DEFAULT 0,
    current_accuracy DOUBLE PRECISION NOT NULL DEFAULT 0,
    best_value DOUBLE PRECISION NOT NULL DEFAULT 0,
    trials INTEGER NOT NULL DEFAULT 0,
    error_message TEXT NOT NULL DEFAULT '',
    traceback TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    started_at TIMESTAMPTZ,
    completed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_training_jobs_model ON training_jobs (model_id, created_at DESC);
CREATE UNIQUE INDEX IF NOT EXISTS idx_training_jobs_one_active
    ON training_jobs (model_id) WHERE status IN ('pending', 'running');
`
	_, err := s.db.Exec(schema)
	return err
}

func (s *PostgresStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

const jobColumns = `id, model_id, kind, task_handle, status, progress, current_epoch,
    total_epochs, current_loss, current_accuracy, best_value, trials,
    error_message, traceback, created_at, updated_at, started_at, completed_at`

func (s *PostgresStore) GetOrCreate(ctx context.Context, modelID string, kind Kind, handle string) (*Job, bool, error) {
	if strings.TrimSpace(modelID) == "" {
		return nil, false, fmt.Errorf("model id is required")
	}
	if kind == "" {
		kind = KindTrain
	}

	now := time.Now().UTC()
	insert := fmt.Sprintf(`
        INSERT INTO training_jobs (id, model_id, kind, task_handle, status, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $6)
        ON CONFLICT (model_id) WHERE status IN ('pending', 'running') DO NOTHING
        RETURNING %s`, jobColumns)

	j, err := scanJob(s.db.QueryRowContext(ctx, insert,
		uuid.NewString(), modelID, string(kind), handle, string(StatusPending), now))
	if err == nil {
		return j, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("create job: %w", err)
	}

	// Lost the insert race or an active job already exists; attach to it.
	existing, err := s.Active(ctx, modelID)
	if err != nil {
		return nil, false, fmt.Errorf("attach to active job: %w", err)
	}
	if handle != "" && existing.TaskHandle != handle {
		updated, err := s.Update(ctx, existing.ID, func(next *Job) error {
			next.TaskHandle = handle
			return nil
		})
		if err != nil {
			return nil, false, err
		}
		existing = updated
	}
	return existing, false, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Job, error) {
	query := fmt.Sprintf(`SELECT %s FROM training_jobs WHERE id = $1`, jobColumns)
	j, err := scanJob(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return j, nil
}

func (s *PostgresStore) Active(ctx context.Context, modelID string) (*Job, error) {
	query := fmt.Sprintf(`
        SELECT %s FROM training_jobs
        WHERE model_id = $1 AND status IN ('pending', 'running')
        ORDER BY created_at DESC
        LIMIT 1`, jobColumns)

	j, err := scanJob(s.db.QueryRowContext(ctx, query, modelID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoActiveJob
		}
		return nil, err
	}
	return j, nil
}

func (s *PostgresStore) Latest(ctx context.Context, modelID string) (*Job, error) {
	query := fmt.Sprintf(`
        SELECT %s FROM training_jobs
        WHERE model_id = $1
        ORDER BY created_at DESC, id
        LIMIT 1`, jobColumns)

	j, err := scanJob(s.db.QueryRowContext(ctx, query, modelID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return j, nil
}

func (s *PostgresStore) ListForModel(ctx context.Context, modelID string) ([]*Job, error) {
	query := fmt.Sprintf(`
        SELECT %s FROM training_jobs
        WHERE model_id = $1
        ORDER BY created_at DESC, id`, jobColumns)
	return s.queryJobs(ctx, query, modelID)
}

func (s *PostgresStore) ListUnfinished(ctx context.Context, olderThan time.Time) ([]*Job, error) {
	query := fmt.Sprintf(`
        SELECT %s FROM training_jobs
        WHERE status IN ('pending', 'running') AND created_at < $1
        ORDER BY created_at, id`, jobColumns)
	return s.queryJobs(ctx, query, olderThan.UTC())
}

func (s *PostgresStore) queryJobs(ctx context.Context, query string, args ...any) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

func (s *PostgresStore) Update(ctx context.Context, id string, fn func(*Job) error) (*Job, error) {
	return s.UpdateIf(ctx, id, nil, fn)
}

func (s *PostgresStore) UpdateIf(ctx context.Context, id string, from []Status, fn func(*Job) error) (*Job, error) {
	j, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(from) > 0 && !statusIn(j.Status, from) {
		return nil, ErrConflict
	}

	next := cloneJob(j)
	if err := fn(next); err != nil {
		return nil, err
	}
	next.ID = j.ID
	next.ModelID = j.ModelID
	next.CreatedAt = j.CreatedAt
	next.UpdatedAt = time.Now().UTC()

	query := `
        UPDATE training_jobs
        SET kind = $1, task_handle = $2, status = $3, progress = $4,
            current_epoch = $5, total_epochs = $6, current_loss = $7,
            current_accuracy = $8, best_value = $9, trials = $10,
            error_message = $11, traceback = $12, updated_at = $13,
            started_at = $14, completed_at = $15
        WHERE id = $16`
	args := []any{
		string(next.Kind),
		next.TaskHandle,
		string(next.Status),
		next.Progress,
		next.CurrentEpoch,
		next.TotalEpochs,
		next.CurrentLoss,
		next.CurrentAccuracy,
		next.BestValue,
		next.Trials,
		next.ErrorMessage,
		next.Trace,
		next.UpdatedAt,
		nullableTime(next.StartedAt),
		nullableTime(next.CompletedAt),
		id,
	}
	if len(from) > 0 {
		placeholders := make([]string, len(from))
		for i, status := range from {
			placeholders[i] = fmt.Sprintf("$%d", 17+i)
			args = append(args, string(status))
		}
		query += " AND status IN (" + strings.Join(placeholders, ",") + ")"
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("update job rows: %w", err)
	}
	if affected == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrConflict
	}
	return next, nil
}

func scanJob(scanner interface{ Scan(dest ...any) error }) (*Job, error) {
	var (
		j           Job
		startedAt   sql.NullTime
		completedAt sql.NullTime
	)

	err := scanner.Scan(
		&j.ID,
		&j.ModelID,
		&j.Kind,
		&j.TaskHandle,
		&j.Status,
		&j.Progress,
		&j.CurrentEpoch,
		&j.TotalEpochs,
		&j.CurrentLoss,
		&j.CurrentAccuracy,
		&j.BestValue,
		&j.Trials,
		&j.ErrorMessage,
		&j.Trace,
		&j.CreatedAt,
		&j.UpdatedAt,
		&startedAt,
		&completedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}

	if startedAt.Valid {
		t := startedAt.Time.UTC()
		j.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		j.CompletedAt = &t
	}
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()
	return &j, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
