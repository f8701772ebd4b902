package billing

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/mbd888/fraudguard/internal/account"
	"github.com/mbd888/fraudguard/internal/usage"
)

// PostgresLedger persists closed periods in the usage_periods table.
type PostgresLedger struct {
	db *sql.DB
}

// NewPostgresLedger creates a new PostgreSQL-backed ledger.
func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

func (p *PostgresLedger) RecordPeriod(ctx context.Context, cp usage.ClosedPeriod) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO usage_periods (user_id, plan, period_start, period_end, usage_count,
			quota, overage_count, overage_cost, closed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (user_id, period_start) DO NOTHING`,
		cp.UserID, string(cp.Plan), cp.PeriodStart, cp.PeriodEnd, cp.UsageCount,
		cp.Limit, cp.OverageCount, cp.OverageCost.String(), cp.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("billing: record period: %w", err)
	}
	return nil
}

func (p *PostgresLedger) Periods(ctx context.Context, userID string) ([]usage.ClosedPeriod, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT user_id, plan, period_start, period_end, usage_count, quota,
			overage_count, overage_cost, closed_at
		FROM usage_periods WHERE user_id = $1
		ORDER BY period_start DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []usage.ClosedPeriod{}
	for rows.Next() {
		var (
			cp   usage.ClosedPeriod
			plan string
			cost string
		)
		if err := rows.Scan(&cp.UserID, &plan, &cp.PeriodStart, &cp.PeriodEnd, &cp.UsageCount,
			&cp.Limit, &cp.OverageCount, &cost, &cp.ClosedAt); err != nil {
			return nil, err
		}
		cp.Plan = account.Plan(plan)
		if cp.OverageCost, err = decimal.NewFromString(cost); err != nil {
			return nil, fmt.Errorf("billing: bad overage_cost %q: %w", cost, err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

var (
	_ usage.Ledger = (*PostgresLedger)(nil)
	_ Lister       = (*PostgresLedger)(nil)
)
