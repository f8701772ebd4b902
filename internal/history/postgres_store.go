package history

import (
	"context"
	"database/sql"
	"errors"

	"github.com/mbd888/fraudguard/internal/txn"
)

// PostgresStore reads aggregates from the user_history table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed history store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) History(ctx context.Context, userID string) (*txn.UserHistory, error) {
	h := &txn.UserHistory{}
	err := p.db.QueryRowContext(ctx, `
		SELECT user_id, account_age_days, recent_transaction_count, avg_amount,
			amount_stddev, velocity_score
		FROM user_history WHERE user_id = $1`, NormalizeUserID(userID)).Scan(
		&h.UserID, &h.AccountAgeDays, &h.RecentTransactionCount, &h.AvgAmount,
		&h.AmountStddev, &h.VelocityScore,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (p *PostgresStore) Upsert(ctx context.Context, h *txn.UserHistory) error {
	if err := Validate(h); err != nil {
		return err
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO user_history (user_id, account_age_days, recent_transaction_count,
			avg_amount, amount_stddev, velocity_score, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			account_age_days = EXCLUDED.account_age_days,
			recent_transaction_count = EXCLUDED.recent_transaction_count,
			avg_amount = EXCLUDED.avg_amount,
			amount_stddev = EXCLUDED.amount_stddev,
			velocity_score = EXCLUDED.velocity_score,
			updated_at = NOW()`,
		NormalizeUserID(h.UserID), h.AccountAgeDays, h.RecentTransactionCount,
		h.AvgAmount, h.AmountStddev, h.VelocityScore,
	)
	return err
}

var _ Store = (*PostgresStore)(nil)
