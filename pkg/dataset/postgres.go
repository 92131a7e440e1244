package dataset

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresProvider persists datasets and their samples. Dataset metadata is
// stored as one JSONB document per row; samples get their own table so bulk
// corpora do not balloon the metadata document.
type PostgresProvider struct {
	db *sql.DB
}

// NewPostgresProvider opens a pooled connection and ensures the schema.
func NewPostgresProvider(dsn string) (*PostgresProvider, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	db.SetMaxIdleConns(5)
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(time.Hour)

	p := &PostgresProvider{db: db}
	if err := p.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return p, nil
}

func (p *PostgresProvider) ensureSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS datasets (
    id TEXT PRIMARY KEY,
    data JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS dataset_samples (
    id TEXT PRIMARY KEY,
    dataset_id TEXT NOT NULL REFERENCES datasets(id) ON DELETE CASCADE,
    title TEXT NOT NULL,
    abstract TEXT NOT NULL,
    domains JSONB NOT NULL,
    journal TEXT NOT NULL DEFAULT '',
    year INT NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS dataset_samples_dataset_idx ON dataset_samples (dataset_id, created_at);
`
	_, err := p.db.Exec(schema)
	return err
}

func (p *PostgresProvider) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// Create registers a dataset document.
func (p *PostgresProvider) Create(ctx context.Context, ds *Dataset) (*Dataset, error) {
	now := time.Now().UTC()
	if ds.ID == "" {
		ds.ID = uuid.NewString()
	}
	if ds.CreatedAt.IsZero() {
		ds.CreatedAt = now
	}
	ds.UpdatedAt = now
	out := *ds
	if err := p.save(ctx, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (p *PostgresProvider) save(ctx context.Context, ds *Dataset) error {
	raw, err := json.Marshal(ds)
	if err != nil {
		return fmt.Errorf("encode dataset: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO datasets (id, data, created_at, updated_at)
VALUES ($1,$2,$3,$4)
ON CONFLICT (id) DO UPDATE SET
	data = EXCLUDED.data,
	updated_at = EXCLUDED.updated_at`,
		ds.ID, raw, ds.CreatedAt, ds.UpdatedAt)
	return err
}

func (p *PostgresProvider) Dataset(ctx context.Context, id string) (*Dataset, error) {
	var raw []byte
	err := p.db.QueryRowContext(ctx, `SELECT data FROM datasets WHERE id=$1`, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query dataset: %w", err)
	}
	var ds Dataset
	if err := json.Unmarshal(raw, &ds); err != nil {
		return nil, fmt.Errorf("decode dataset: %w", err)
	}
	return &ds, nil
}

// List returns dataset documents, newest first.
func (p *PostgresProvider) List(ctx context.Context) ([]Dataset, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT data FROM datasets ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list datasets: %w", err)
	}
	defer rows.Close()

	var out []Dataset
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			continue
		}
		var ds Dataset
		if err := json.Unmarshal(raw, &ds); err != nil {
			continue
		}
		out = append(out, ds)
	}
	return out, rows.Err()
}

// Delete removes a dataset and, through the FK cascade, its samples.
func (p *PostgresProvider) Delete(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM datasets WHERE id=$1`, id)
	return err
}

// AddSamples bulk-inserts samples and refreshes the dataset's counters.
func (p *PostgresProvider) AddSamples(ctx context.Context, datasetID string, samples []Sample) error {
	ds, err := p.Dataset(ctx, datasetID)
	if err != nil {
		return err
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin sample insert: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for i := range samples {
		s := &samples[i]
		if s.ID == "" {
			s.ID = uuid.NewString()
		}
		s.DatasetID = datasetID
		domains, err := json.Marshal(s.Domains)
		if err != nil {
			return fmt.Errorf("encode sample domains: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO dataset_samples
(id, dataset_id, title, abstract, domains, journal, year, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			s.ID, datasetID, s.Title, s.Abstract, domains, s.Journal, s.Year, now); err != nil {
			return fmt.Errorf("insert sample: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit sample insert: %w", err)
	}

	all, err := p.Samples(ctx, datasetID)
	if err != nil {
		return err
	}
	ds.TotalSamples = len(all)
	ds.Domains, ds.DomainDistribution = computeStats(ds.Domains, all)
	ds.UpdatedAt = time.Now().UTC()
	return p.save(ctx, ds)
}

func (p *PostgresProvider) Samples(ctx context.Context, datasetID string) ([]Sample, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, title, abstract, domains, journal, year
FROM dataset_samples WHERE dataset_id=$1 ORDER BY created_at ASC, id ASC`, datasetID)
	if err != nil {
		return nil, fmt.Errorf("query samples: %w", err)
	}
	defer rows.Close()

	var out []Sample
	for rows.Next() {
		var s Sample
		var domains []byte
		if err := rows.Scan(&s.ID, &s.Title, &s.Abstract, &domains, &s.Journal, &s.Year); err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		if err := json.Unmarshal(domains, &s.Domains); err != nil {
			return nil, fmt.Errorf("decode sample domains: %w", err)
		}
		s.DatasetID = datasetID
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if out == nil {
		// Distinguish an unknown dataset from a known-but-empty one.
		if _, err := p.Dataset(ctx, datasetID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

var _ Provider = (*PostgresProvider)(nil)
