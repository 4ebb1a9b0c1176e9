package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hive-corporation/watchtower-pipeline/internal/core/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS iocs (
	id              BIGSERIAL PRIMARY KEY,
	external_id     TEXT,
	source          TEXT        NOT NULL,
	value           TEXT        NOT NULL,
	type            TEXT        NOT NULL,
	first_seen      TIMESTAMPTZ,
	last_seen       TIMESTAMPTZ,
	tags            TEXT[]      NOT NULL DEFAULT '{}',
	additional_data JSONB       NOT NULL DEFAULT '{}',
	date_ingested   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (source, value)
);
CREATE INDEX IF NOT EXISTS idx_iocs_value ON iocs (value);
CREATE INDEX IF NOT EXISTS idx_iocs_type ON iocs (type);
`

// upsertQuery keeps the earliest first_seen and latest last_seen across
// sightings of the same (source, value).
const upsertQuery = `
	INSERT INTO iocs (external_id, source, value, type, first_seen, last_seen, tags, additional_data)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (source, value) DO UPDATE SET
		external_id     = COALESCE(EXCLUDED.external_id, iocs.external_id),
		type            = EXCLUDED.type,
		first_seen      = LEAST(iocs.first_seen, EXCLUDED.first_seen),
		last_seen       = GREATEST(iocs.last_seen, EXCLUDED.last_seen),
		tags            = EXCLUDED.tags,
		additional_data = iocs.additional_data || EXCLUDED.additional_data,
		updated_at      = now()
`

type PostgresRepository struct {
	db *pgxpool.Pool
}

func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// EnsureSchema creates the iocs table and its indexes if missing.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// SaveBatch upserts iocs in a single transaction: either every row is
// written or none is.
func (r *PostgresRepository) SaveBatch(ctx context.Context, iocs []domain.IoC) error {
	if len(iocs) == 0 {
		return nil
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, ioc := range iocs {
		batch.Queue(upsertQuery, upsertArgs(ioc)...)
	}

	br := tx.SendBatch(ctx, batch)
	for i := range iocs {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("failed to upsert %s: %w", iocs[i].DedupKey(), err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("failed to execute batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

func upsertArgs(ioc domain.IoC) []any {
	var externalID *string
	if ioc.ID != "" {
		externalID = &ioc.ID
	}
	tags := ioc.Tags
	if tags == nil {
		tags = []string{}
	}
	additional := ioc.AdditionalData
	if additional == nil {
		additional = map[string]string{}
	}
	return []any{
		externalID,
		ioc.Source,
		ioc.Value,
		string(ioc.Type),
		ioc.FirstSeen,
		ioc.LastSeen,
		tags,
		additional,
	}
}

// CountByType returns the number of stored IoCs per type.
func (r *PostgresRepository) CountByType(ctx context.Context) (map[string]int64, error) {
	return r.countBy(ctx, `SELECT type, COUNT(*) FROM iocs GROUP BY type`)
}

// CountBySource returns the number of stored IoCs per source.
func (r *PostgresRepository) CountBySource(ctx context.Context) (map[string]int64, error) {
	return r.countBy(ctx, `SELECT source, COUNT(*) FROM iocs GROUP BY source`)
}

func (r *PostgresRepository) countBy(ctx context.Context, query string) (map[string]int64, error) {
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var key string
		var n int64
		if err := rows.Scan(&key, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[key] = n
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return counts, nil
}
