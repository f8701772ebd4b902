package account

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

// PostgresStore persists accounts in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed account store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, a *Account) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO accounts (id, name, plan, status, stripe_customer_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.Name, string(a.Plan), string(a.Status), nullString(a.StripeCustomerID),
		a.CreatedAt, a.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrAccountExists
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Account, error) {
	a := &Account{}
	var (
		plan, status string
		stripeID     sql.NullString
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT id, name, plan, status, stripe_customer_id, created_at, updated_at
		FROM accounts WHERE id = $1`, id).Scan(
		&a.ID, &a.Name, &plan, &status, &stripeID, &a.CreatedAt, &a.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Plan = Plan(plan)
	a.Status = Status(status)
	a.StripeCustomerID = stripeID.String
	return a, nil
}

func (p *PostgresStore) Update(ctx context.Context, a *Account) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE accounts SET name = $1, plan = $2, status = $3, stripe_customer_id = $4, updated_at = $5
		WHERE id = $6`,
		a.Name, string(a.Plan), string(a.Status), nullString(a.StripeCustomerID), a.UpdatedAt, a.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ Store = (*PostgresStore)(nil)
