package auth

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateKey(t *testing.T) {
	mgr := NewManager(NewMemoryStore())

	rawKey, key, err := mgr.GenerateKey(context.Background(), "acct_1", "primary")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(rawKey, "fg_"))
	assert.Len(t, rawKey, 67) // "fg_" + 64 hex chars
	assert.True(t, strings.HasPrefix(key.ID, "key_"))
	assert.Equal(t, "acct_1", key.AccountID)
	assert.NotContains(t, key.Hash, rawKey, "raw key must not be stored")
}

func TestValidateKey(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()
	rawKey, _, err := mgr.GenerateKey(ctx, "acct_1", "primary")
	require.NoError(t, err)

	key, err := mgr.ValidateKey(ctx, rawKey)
	require.NoError(t, err)
	assert.Equal(t, "acct_1", key.AccountID)

	key, err = mgr.ValidateKey(ctx, "Bearer "+rawKey)
	require.NoError(t, err)
	assert.Equal(t, "acct_1", key.AccountID)

	_, err = mgr.ValidateKey(ctx, "")
	assert.ErrorIs(t, err, ErrNoAPIKey)

	_, err = mgr.ValidateKey(ctx, "sk_wrongprefix")
	assert.ErrorIs(t, err, ErrInvalidAPIKey)

	_, err = mgr.ValidateKey(ctx, "fg_"+strings.Repeat("0", 64))
	assert.ErrorIs(t, err, ErrInvalidAPIKey)
}

func TestValidateKey_Expired(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store)
	ctx := context.Background()
	rawKey, key, err := mgr.GenerateKey(ctx, "acct_1", "short-lived")
	require.NoError(t, err)

	past := time.Now().Add(-time.Minute)
	key.ExpiresAt = &past
	require.NoError(t, store.Update(ctx, key))

	_, err = mgr.ValidateKey(ctx, rawKey)
	assert.ErrorIs(t, err, ErrInvalidAPIKey)
}

func TestRevokeKey(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()
	rawKey, key, err := mgr.GenerateKey(ctx, "acct_1", "primary")
	require.NoError(t, err)

	// Another account cannot revoke it.
	assert.ErrorIs(t, mgr.RevokeKey(ctx, key.ID, "acct_2"), ErrKeyNotFound)

	require.NoError(t, mgr.RevokeKey(ctx, key.ID, "acct_1"))
	_, err = mgr.ValidateKey(ctx, rawKey)
	assert.ErrorIs(t, err, ErrInvalidAPIKey)

	assert.ErrorIs(t, mgr.RevokeKey(ctx, key.ID, "acct_1"), ErrKeyNotFound, "already revoked")
}

func TestMemoryStore_RevocationIsSticky(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &APIKey{ID: "key_1", Hash: "h", AccountID: "acct_1"}))

	revoked := &APIKey{ID: "key_1", Hash: "h", AccountID: "acct_1", Revoked: true}
	require.NoError(t, store.Update(ctx, revoked))

	// A stale last-used write arrives after revocation.
	stale := &APIKey{ID: "key_1", Hash: "h", AccountID: "acct_1", LastUsed: time.Now()}
	require.NoError(t, store.Update(ctx, stale))

	keys, err := store.ListByAccount(ctx, "acct_1")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.True(t, keys[0].Revoked)
}
