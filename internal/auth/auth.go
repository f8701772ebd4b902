// Package auth provides API key authentication for the scoring API.
//
// Authentication model:
//   - Health and metrics endpoints: no auth
//   - Scoring: optional; anonymous callers are limited by IP and endpoint
//     tiers only and are not metered
//   - Usage, model and key management: API key required
//   - Account provisioning: X-Admin-Secret header
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"
)

// Errors
var (
	ErrNoAPIKey      = errors.New("API key required")
	ErrInvalidAPIKey = errors.New("invalid or expired API key")
	ErrKeyNotFound   = errors.New("API key not found")
)

// APIKey is a credential bound to one account. Only the SHA-256 hash of the
// raw key is stored.
type APIKey struct {
	ID        string     `json:"id"`
	Hash      string     `json:"-"`
	AccountID string     `json:"accountId"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"createdAt"`
	LastUsed  time.Time  `json:"lastUsed,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Revoked   bool       `json:"revoked"`
}

// Store persists API keys
type Store interface {
	Create(ctx context.Context, key *APIKey) error
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	ListByAccount(ctx context.Context, accountID string) ([]*APIKey, error)
	Update(ctx context.Context, key *APIKey) error
}

// Manager issues and validates API keys
type Manager struct {
	store Store
	now   func() time.Time
}

// NewManager creates a new auth manager
func NewManager(store Store) *Manager {
	return &Manager{store: store, now: time.Now}
}

// GenerateKey creates a new API key for an account.
// Returns the raw key (shown once) and the stored metadata.
func (m *Manager) GenerateKey(ctx context.Context, accountID, name string) (rawKey string, key *APIKey, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", nil, err
	}

	rawKey = "fg_" + hex.EncodeToString(b)
	key = &APIKey{
		ID:        "key_" + hex.EncodeToString(b[:8]),
		Hash:      hashKey(rawKey),
		AccountID: accountID,
		Name:      name,
		CreatedAt: m.now(),
	}

	if err := m.store.Create(ctx, key); err != nil {
		return "", nil, err
	}
	return rawKey, key, nil
}

// IssueKey generates a key and returns only the raw value.
func (m *Manager) IssueKey(ctx context.Context, accountID, name string) (string, error) {
	raw, _, err := m.GenerateKey(ctx, accountID, name)
	return raw, err
}

// ValidateKey validates an API key and returns the key metadata
func (m *Manager) ValidateKey(ctx context.Context, rawKey string) (*APIKey, error) {
	rawKey = strings.TrimSpace(strings.TrimPrefix(rawKey, "Bearer "))
	if rawKey == "" {
		return nil, ErrNoAPIKey
	}
	if !strings.HasPrefix(rawKey, "fg_") {
		return nil, ErrInvalidAPIKey
	}

	key, err := m.store.GetByHash(ctx, hashKey(rawKey))
	if err != nil {
		return nil, ErrInvalidAPIKey
	}
	if key.Revoked {
		return nil, ErrInvalidAPIKey
	}
	if key.ExpiresAt != nil && m.now().After(*key.ExpiresAt) {
		return nil, ErrInvalidAPIKey
	}

	// Last-used bookkeeping must not add latency to the request.
	touched := *key
	touched.LastUsed = m.now()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.store.Update(ctx, &touched)
	}()

	return key, nil
}

// ListKeys returns all keys for an account
func (m *Manager) ListKeys(ctx context.Context, accountID string) ([]*APIKey, error) {
	return m.store.ListByAccount(ctx, accountID)
}

// RevokeKey revokes one of the account's keys
func (m *Manager) RevokeKey(ctx context.Context, keyID, accountID string) error {
	keys, err := m.store.ListByAccount(ctx, accountID)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if k.ID == keyID && !k.Revoked {
			k.Revoked = true
			return m.store.Update(ctx, k)
		}
	}
	return ErrKeyNotFound
}

func hashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// MemoryStore is an in-memory implementation of Store
type MemoryStore struct {
	mu     sync.RWMutex
	keys   map[string]*APIKey // by ID
	byHash map[string]string  // hash -> ID
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keys:   make(map[string]*APIKey),
		byHash: make(map[string]string),
	}
}

func (s *MemoryStore) Create(_ context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *key
	s.keys[key.ID] = &cp
	s.byHash[key.Hash] = key.ID
	return nil
}

func (s *MemoryStore) GetByHash(_ context.Context, hash string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byHash[hash]
	if !ok {
		return nil, ErrKeyNotFound
	}
	cp := *s.keys[id]
	return &cp, nil
}

func (s *MemoryStore) ListByAccount(_ context.Context, accountID string) ([]*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*APIKey
	for _, k := range s.keys {
		if k.AccountID == accountID {
			cp := *k
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (s *MemoryStore) Update(_ context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.keys[key.ID]
	if !ok {
		return ErrKeyNotFound
	}
	cp := *key
	// Revocation is sticky; a concurrent last-used write must not undo it.
	cp.Revoked = cp.Revoked || existing.Revoked
	s.keys[key.ID] = &cp
	return nil
}

var _ Store = (*MemoryStore)(nil)
