package threat

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresStore reads reports from the community_threats table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed threat store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Lookup(ctx context.Context, hash string) (Report, error) {
	var (
		r    Report
		kind string
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT hash, kind, severity, confidence, reported_at
		FROM community_threats WHERE hash = $1`, hash).Scan(
		&r.Hash, &kind, &r.Severity, &r.Confidence, &r.ReportedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Report{}, ErrNotFound
	}
	if err != nil {
		return Report{}, err
	}
	r.Kind = Kind(kind)
	return r, nil
}

func (p *PostgresStore) Upsert(ctx context.Context, r Report) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if r.ReportedAt.IsZero() {
		r.ReportedAt = time.Now().UTC()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO community_threats (hash, kind, severity, confidence, reported_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (hash) DO UPDATE SET
			kind = EXCLUDED.kind,
			severity = EXCLUDED.severity,
			confidence = EXCLUDED.confidence,
			reported_at = EXCLUDED.reported_at`,
		r.Hash, string(r.Kind), r.Severity, r.Confidence, r.ReportedAt,
	)
	return err
}

var _ Store = (*PostgresStore)(nil)
