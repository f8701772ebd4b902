package account

import "context"

// Store persists accounts.
type Store interface {
	Create(ctx context.Context, a *Account) error
	Get(ctx context.Context, id string) (*Account, error)
	Update(ctx context.Context, a *Account) error
}
