package audit

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/mbd888/fraudguard/internal/pagination"
)

// PostgresSink appends records to the score_audit table.
type PostgresSink struct {
	db *sql.DB
}

// NewPostgresSink creates a new PostgreSQL audit sink.
func NewPostgresSink(db *sql.DB) *PostgresSink {
	return &PostgresSink{db: db}
}

func (p *PostgresSink) Publish(ctx context.Context, r Record) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO score_audit (id, transaction_id, account_id, user_id, amount, currency,
			decision, fraud_score, confidence, model_version, cached, fail_safe,
			risk_flags, processing_time_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		r.ID, r.TransactionID, sql.NullString{String: r.AccountID, Valid: r.AccountID != ""},
		r.UserID, r.Amount, r.Currency, string(r.Decision), r.FraudScore, r.Confidence,
		r.ModelVersion, r.Cached, r.FailSafe, pq.Array(r.RiskFlags), r.ProcessingTimeMs, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}

// List returns an account's records newest first, keyed on (created_at, id).
func (p *PostgresSink) List(ctx context.Context, accountID string, after *pagination.Cursor, limit int) ([]Record, error) {
	query := `
		SELECT id, transaction_id, COALESCE(account_id, ''), user_id, amount, currency,
			decision, fraud_score, confidence, model_version, cached, fail_safe,
			risk_flags, processing_time_ms, created_at
		FROM score_audit WHERE account_id = $1`
	args := []interface{}{accountID}
	if after != nil {
		query += ` AND (created_at, id) < ($2, $3)`
		args = append(args, after.CreatedAt, after.ID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: list: %w", err)
	}
	defer rows.Close()

	out := []Record{}
	for rows.Next() {
		var r Record
		var dec string
		if err := rows.Scan(&r.ID, &r.TransactionID, &r.AccountID, &r.UserID, &r.Amount, &r.Currency,
			&dec, &r.FraudScore, &r.Confidence, &r.ModelVersion, &r.Cached, &r.FailSafe,
			pq.Array(&r.RiskFlags), &r.ProcessingTimeMs, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Decision = decisionOf(dec)
		r.CreatedAt = r.CreatedAt.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

var (
	_ Sink   = (*PostgresSink)(nil)
	_ Lister = (*PostgresSink)(nil)
)
