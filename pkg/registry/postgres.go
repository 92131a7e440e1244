package registry

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/medlit/classify/backend/pkg/classifier"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore opens a connection pool and applies embedded migrations.
func NewPostgresStore(connString string) (*PostgresStore, error) {
	if strings.TrimSpace(connString) == "" {
		return nil, fmt.Errorf("postgres connection string is required")
	}
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	db.SetMaxIdleConns(5)
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PostgresStore{db: db}
	if err := s.ensureSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

// ensureSchema applies embedded migrations in lexical order.
func (s *PostgresStore) ensureSchema() error {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, name := range names {
		payload, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		sqlText := strings.TrimSpace(string(payload))
		if sqlText == "" {
			continue
		}
		if _, err := tx.Exec(sqlText); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migrations: %w", err)
	}
	return nil
}

// Close releases database resources.
func (s *PostgresStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *PostgresStore) CreateModel(ctx context.Context, in CreateModelInput) (*Model, error) {
	family, err := in.validate()
	if err != nil {
		return nil, err
	}

	config := in.Config
	if config == nil {
		config = map[string]any{}
	}
	configBytes, err := json.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}

	id := uuid.NewString()
	now := time.Now().UTC()

	const query = `
        INSERT INTO models (
            id, name, description, family, dataset_id, config, status,
            artifact_path, last_error, created_at, updated_at
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
        RETURNING id, name, description, family, dataset_id, config, status,
                  artifact_path, metrics, last_error, created_at, updated_at,
                  training_started_at, training_completed_at
    `

	row := s.db.QueryRowContext(ctx, query,
		id,
		strings.TrimSpace(in.Name),
		strings.TrimSpace(in.Description),
		string(family),
		strings.TrimSpace(in.DatasetID),
		configBytes,
		StatusCreated,
		"",
		"",
		now,
		now,
	)

	return scanModel(row)
}

func (s *PostgresStore) GetModel(ctx context.Context, id string) (*Model, error) {
	const query = `
        SELECT id, name, description, family, dataset_id, config, status,
               artifact_path, metrics, last_error, created_at, updated_at,
               training_started_at, training_completed_at
        FROM models
        WHERE id = $1
    `

	m, err := scanModel(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return m, nil
}

func (s *PostgresStore) ListModels(ctx context.Context, opts QueryOptions) ([]*Model, error) {
	query := `
        SELECT id, name, description, family, dataset_id, config, status,
               artifact_path, metrics, last_error, created_at, updated_at,
               training_started_at, training_completed_at
        FROM models
    `

	var (
		clauses []string
		args    []any
		idx     = 1
	)

	if len(opts.Status) > 0 {
		placeholders := make([]string, len(opts.Status))
		for i, status := range opts.Status {
			placeholders[i] = fmt.Sprintf("$%d", idx)
			args = append(args, string(status))
			idx++
		}
		clauses = append(clauses, "status IN ("+strings.Join(placeholders, ",")+")")
	}
	if len(opts.Family) > 0 {
		placeholders := make([]string, len(opts.Family))
		for i, family := range opts.Family {
			placeholders[i] = fmt.Sprintf("$%d", idx)
			args = append(args, string(family))
			idx++
		}
		clauses = append(clauses, "family IN ("+strings.Join(placeholders, ",")+")")
	}

	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", idx)
		args = append(args, opts.Limit)
		idx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", idx)
		args = append(args, opts.Offset)
		idx++
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer rows.Close()

	var models []*Model
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		models = append(models, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate models: %w", err)
	}
	return models, nil
}

func (s *PostgresStore) UpdateModel(ctx context.Context, id string, fn func(*Model) error) (*Model, error) {
	m, err := s.GetModel(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(m); err != nil {
		return nil, err
	}
	m.ID = id
	m.UpdatedAt = time.Now().UTC()

	configBytes, err := json.Marshal(m.Config)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	var metricsBytes any
	if m.Metrics != nil {
		b, err := json.Marshal(m.Metrics)
		if err != nil {
			return nil, fmt.Errorf("marshal metrics: %w", err)
		}
		metricsBytes = b
	}

	const query = `
        UPDATE models
        SET name = $1, description = $2, config = $3, status = $4,
            artifact_path = $5, metrics = $6, last_error = $7, updated_at = $8,
            training_started_at = $9, training_completed_at = $10
        WHERE id = $11
    `

	res, err := s.db.ExecContext(ctx, query,
		m.Name,
		m.Description,
		configBytes,
		string(m.Status),
		m.ArtifactPath,
		metricsBytes,
		m.LastError,
		m.UpdatedAt,
		nullableTime(m.TrainingStartedAt),
		nullableTime(m.TrainingCompletedAt),
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("update model: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("update model rows: %w", err)
	}
	if affected == 0 {
		return nil, ErrNotFound
	}
	return m, nil
}

func (s *PostgresStore) DeleteModel(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM models WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete model: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete model rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SaveResult(ctx context.Context, r *Result) (*Result, error) {
	saved := *r
	if saved.ID == "" {
		saved.ID = uuid.NewString()
	}
	if saved.CreatedAt.IsZero() {
		saved.CreatedAt = time.Now().UTC()
	}

	predicted, err := json.Marshal(orEmptyStrings(saved.PredictedDomains))
	if err != nil {
		return nil, fmt.Errorf("marshal predicted domains: %w", err)
	}
	confidences, err := json.Marshal(orEmptyScores(saved.Confidences))
	if err != nil {
		return nil, fmt.Errorf("marshal confidences: %w", err)
	}
	allScores, err := json.Marshal(orEmptyScores(saved.AllScores))
	if err != nil {
		return nil, fmt.Errorf("marshal scores: %w", err)
	}
	var trueDomains any
	if saved.TrueDomains != nil {
		b, err := json.Marshal(saved.TrueDomains)
		if err != nil {
			return nil, fmt.Errorf("marshal true domains: %w", err)
		}
		trueDomains = b
	}

	const query = `
        INSERT INTO classification_results (
            id, model_id, title, abstract, predicted_domains, confidence_scores,
            all_domain_scores, prediction_threshold, inference_time_ms,
            true_domains, used_fallback, created_at
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
    `

	_, err = s.db.ExecContext(ctx, query,
		saved.ID,
		saved.ModelID,
		saved.Title,
		saved.Abstract,
		predicted,
		confidences,
		allScores,
		saved.Threshold,
		saved.InferenceMS,
		trueDomains,
		saved.Fallback,
		saved.CreatedAt,
	)
	if err != nil {
		if _, getErr := s.GetModel(ctx, saved.ModelID); errors.Is(getErr, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("save result: %w", err)
	}
	return &saved, nil
}

func (s *PostgresStore) ListResults(ctx context.Context, modelID string, limit int) ([]*Result, error) {
	query := `
        SELECT id, model_id, title, abstract, predicted_domains, confidence_scores,
               all_domain_scores, prediction_threshold, inference_time_ms,
               true_domains, used_fallback, created_at
        FROM classification_results
        WHERE model_id = $1
        ORDER BY created_at DESC, id DESC
    `
	args := []any{modelID}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	var results []*Result
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate results: %w", err)
	}

	if len(results) == 0 {
		if _, err := s.GetModel(ctx, modelID); err != nil {
			return nil, err
		}
		results = []*Result{}
	}
	return results, nil
}

func (s *PostgresStore) SaveComparison(ctx context.Context, c *Comparison) (*Comparison, error) {
	saved := *c
	if saved.ID == "" {
		saved.ID = uuid.NewString()
	}
	if saved.CreatedAt.IsZero() {
		saved.CreatedAt = time.Now().UTC()
	}

	modelIDs, err := json.Marshal(orEmptyStrings(saved.ModelIDs))
	if err != nil {
		return nil, fmt.Errorf("marshal model ids: %w", err)
	}
	results := saved.Results
	if results == nil {
		results = map[string]any{}
	}
	resultsBytes, err := json.Marshal(results)
	if err != nil {
		return nil, fmt.Errorf("marshal comparison results: %w", err)
	}

	const query = `
        INSERT INTO model_comparisons (
            id, name, description, model_ids, comparison_results, created_at
        ) VALUES ($1, $2, $3, $4, $5, $6)
    `

	_, err = s.db.ExecContext(ctx, query,
		saved.ID,
		saved.Name,
		saved.Description,
		modelIDs,
		resultsBytes,
		saved.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("save comparison: %w", err)
	}
	return &saved, nil
}

func (s *PostgresStore) GetComparison(ctx context.Context, id string) (*Comparison, error) {
	const query = `
        SELECT id, name, description, model_ids, comparison_results, created_at
        FROM model_comparisons
        WHERE id = $1
    `

	c, err := scanComparison(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrComparisonNotFound
		}
		return nil, err
	}
	return c, nil
}

func (s *PostgresStore) ListComparisons(ctx context.Context) ([]*Comparison, error) {
	const query = `
        SELECT id, name, description, model_ids, comparison_results, created_at
        FROM model_comparisons
        ORDER BY created_at DESC, id
    `

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list comparisons: %w", err)
	}
	defer rows.Close()

	var comparisons []*Comparison
	for rows.Next() {
		c, err := scanComparison(rows)
		if err != nil {
			return nil, err
		}
		comparisons = append(comparisons, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comparisons: %w", err)
	}
	return comparisons, nil
}

func scanModel(scanner interface{ Scan(dest ...any) error }) (*Model, error) {
	var (
		m            Model
		configBytes  []byte
		metricsBytes []byte
		startedAt    sql.NullTime
		completedAt  sql.NullTime
	)

	err := scanner.Scan(
		&m.ID,
		&m.Name,
		&m.Description,
		&m.Family,
		&m.DatasetID,
		&configBytes,
		&m.Status,
		&m.ArtifactPath,
		&metricsBytes,
		&m.LastError,
		&m.CreatedAt,
		&m.UpdatedAt,
		&startedAt,
		&completedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan model: %w", err)
	}

	if len(configBytes) > 0 {
		if err := json.Unmarshal(configBytes, &m.Config); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	} else {
		m.Config = classifier.Config{}
	}
	if len(metricsBytes) > 0 {
		m.Metrics = &classifier.Metrics{}
		if err := json.Unmarshal(metricsBytes, m.Metrics); err != nil {
			return nil, fmt.Errorf("decode metrics: %w", err)
		}
	}
	if startedAt.Valid {
		t := startedAt.Time.UTC()
		m.TrainingStartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		m.TrainingCompletedAt = &t
	}

	m.CreatedAt = m.CreatedAt.UTC()
	m.UpdatedAt = m.UpdatedAt.UTC()
	return &m, nil
}

func scanResult(scanner interface{ Scan(dest ...any) error }) (*Result, error) {
	var (
		r                Result
		predictedBytes   []byte
		confidenceBytes  []byte
		scoreBytes       []byte
		trueDomainsBytes []byte
	)

	err := scanner.Scan(
		&r.ID,
		&r.ModelID,
		&r.Title,
		&r.Abstract,
		&predictedBytes,
		&confidenceBytes,
		&scoreBytes,
		&r.Threshold,
		&r.InferenceMS,
		&trueDomainsBytes,
		&r.Fallback,
		&r.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan result: %w", err)
	}

	if err := json.Unmarshal(predictedBytes, &r.PredictedDomains); err != nil {
		return nil, fmt.Errorf("decode predicted domains: %w", err)
	}
	if err := json.Unmarshal(confidenceBytes, &r.Confidences); err != nil {
		return nil, fmt.Errorf("decode confidences: %w", err)
	}
	if err := json.Unmarshal(scoreBytes, &r.AllScores); err != nil {
		return nil, fmt.Errorf("decode scores: %w", err)
	}
	if len(trueDomainsBytes) > 0 {
		if err := json.Unmarshal(trueDomainsBytes, &r.TrueDomains); err != nil {
			return nil, fmt.Errorf("decode true domains: %w", err)
		}
	}

	r.CreatedAt = r.CreatedAt.UTC()
	return &r, nil
}

func scanComparison(scanner interface{ Scan(dest ...any) error }) (*Comparison, error) {
	var (
		c            Comparison
		modelIDBytes []byte
		resultBytes  []byte
	)

	err := scanner.Scan(
		&c.ID,
		&c.Name,
		&c.Description,
		&modelIDBytes,
		&resultBytes,
		&c.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan comparison: %w", err)
	}

	if err := json.Unmarshal(modelIDBytes, &c.ModelIDs); err != nil {
		return nil, fmt.Errorf("decode model ids: %w", err)
	}
	if err := json.Unmarshal(resultBytes, &c.Results); err != nil {
		return nil, fmt.Errorf("decode comparison results: %w", err)
	}

	c.CreatedAt = c.CreatedAt.UTC()
	return &c, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func orEmptyStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func orEmptyScores(values map[string]float64) map[string]float64 {
	if values == nil {
		return map[string]float64{}
	}
	return values
}
