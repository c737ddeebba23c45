// Package auth provides API authentication for Mitigator.
//
// Authentication model:
//   - Read endpoints (source status, stats, policy): no auth required
//   - Decision submission: detector API key, when any keys are configured
//   - Administrative operations (reset, policy reload, hooks): admin secret
//
// Detector keys are "sk_" tokens stored only as SHA-256 hashes. They are
// either issued through the admin API or provisioned as pre-hashed values
// in API_KEY_HASHES.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Errors
var (
	ErrNoAPIKey      = errors.New("API key required")
	ErrInvalidAPIKey = errors.New("invalid or expired API key")
	ErrKeyNotFound   = errors.New("API key not found")
	ErrInvalidHash   = errors.New("API key hash must be 64 hex characters")
)

const touchInterval = time.Minute

// StaticOwner is the owner recorded for keys provisioned from configuration
// without an explicit owner.
const StaticOwner = "static"

// APIKey represents an API key
type APIKey struct {
	ID        string     `json:"id"`
	Hash      string     `json:"-"`     // SHA256 hash of key (stored)
	Owner     string     `json:"owner"` // Detector or operator the key was issued to
	Name      string     `json:"name"`  // Friendly name
	CreatedAt time.Time  `json:"createdAt"`
	LastUsed  time.Time  `json:"lastUsed,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Revoked   bool       `json:"revoked"`
}

// Store persists API keys
type Store interface {
	Create(ctx context.Context, key *APIKey) error
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	GetByOwner(ctx context.Context, owner string) ([]*APIKey, error)
	Update(ctx context.Context, key *APIKey) error
	Delete(ctx context.Context, id string) error
}

// Manager handles authentication
type Manager struct {
	store Store
}

// NewManager creates a new auth manager
func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

// NewRawKey generates a fresh "sk_" key and its stored hash without saving
// it anywhere. Operators use it to provision API_KEY_HASHES.
func NewRawKey() (rawKey, hash string, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", err
	}
	rawKey = "sk_" + hex.EncodeToString(b)
	return rawKey, HashKey(rawKey), nil
}

// GenerateKey creates a new API key for an owner
// Returns the raw key (shown once) and the stored metadata
func (m *Manager) GenerateKey(ctx context.Context, owner, name string) (rawKey string, key *APIKey, err error) {
	rawKey, hash, err := NewRawKey()
	if err != nil {
		return "", nil, err
	}

	key = &APIKey{
		ID:        "ak_" + hash[:16],
		Hash:      hash,
		Owner:     strings.ToLower(owner),
		Name:      name,
		CreatedAt: time.Now(),
	}

	if err := m.store.Create(ctx, key); err != nil {
		return "", nil, err
	}

	return rawKey, key, nil
}

// SeedHashes registers pre-hashed keys. Each entry is either "<hash>" or
// "<owner>:<hash>". Hashes already present are skipped.
func (m *Manager) SeedHashes(ctx context.Context, entries []string) (int, error) {
	added := 0
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		owner, hash := StaticOwner, entry
		if i := strings.LastIndex(entry, ":"); i >= 0 {
			owner, hash = strings.TrimSpace(entry[:i]), strings.TrimSpace(entry[i+1:])
		}
		hash = strings.ToLower(hash)
		if b, err := hex.DecodeString(hash); err != nil || len(b) != sha256.Size {
			return added, fmt.Errorf("%w: %q", ErrInvalidHash, entry)
		}
		if _, err := m.store.GetByHash(ctx, hash); err == nil {
			continue
		}
		key := &APIKey{
			ID:        "ak_" + hash[:16],
			Hash:      hash,
			Owner:     strings.ToLower(owner),
			Name:      "provisioned",
			CreatedAt: time.Now(),
		}
		if err := m.store.Create(ctx, key); err != nil {
			return added, err
		}
		added++
	}
	return added, nil
}

// ValidateKey validates an API key and returns the key metadata
func (m *Manager) ValidateKey(ctx context.Context, rawKey string) (*APIKey, error) {
	if rawKey == "" {
		return nil, ErrNoAPIKey
	}

	rawKey = strings.TrimPrefix(rawKey, "Bearer ")
	rawKey = strings.TrimSpace(rawKey)

	if !strings.HasPrefix(rawKey, "sk_") {
		return nil, ErrInvalidAPIKey
	}

	key, err := m.store.GetByHash(ctx, HashKey(rawKey))
	if err != nil {
		return nil, ErrInvalidAPIKey
	}

	if key.Revoked {
		return nil, ErrInvalidAPIKey
	}

	if key.ExpiresAt != nil && time.Now().After(*key.ExpiresAt) {
		return nil, ErrInvalidAPIKey
	}

	// Detectors call in at high rates, so last use is recorded at most once
	// per touchInterval. The copy keeps the stored pointer unshared.
	if now := time.Now(); now.Sub(key.LastUsed) >= touchInterval {
		touched := *key
		touched.LastUsed = now
		go func() {
			_ = m.store.Update(context.Background(), &touched)
		}()
	}

	return key, nil
}

// ListKeys returns all keys for an owner
func (m *Manager) ListKeys(ctx context.Context, owner string) ([]*APIKey, error) {
	return m.store.GetByOwner(ctx, strings.ToLower(owner))
}

// RevokeKey revokes an API key
func (m *Manager) RevokeKey(ctx context.Context, keyID, owner string) error {
	keys, err := m.store.GetByOwner(ctx, strings.ToLower(owner))
	if err != nil {
		return err
	}

	for _, k := range keys {
		if k.ID == keyID {
			revoked := *k
			revoked.Revoked = true
			return m.store.Update(ctx, &revoked)
		}
	}

	return ErrKeyNotFound
}

// HashKey returns the stored form of a raw key.
func HashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// MemoryStore keeps keys in process, indexed by hash for the per-request
// lookup. Stored keys are copied in and out.
type MemoryStore struct {
	mu     sync.RWMutex
	byID   map[string]*APIKey
	byHash map[string]string // hash -> ID
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[string]*APIKey),
		byHash: make(map[string]string),
	}
}

func (s *MemoryStore) Create(_ context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *key
	s.byID[key.ID] = &cp
	s.byHash[key.Hash] = key.ID
	return nil
}

func (s *MemoryStore) GetByHash(_ context.Context, hash string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.byID[s.byHash[hash]]
	if !ok {
		return nil, ErrKeyNotFound
	}
	cp := *k
	return &cp, nil
}

func (s *MemoryStore) GetByOwner(_ context.Context, owner string) ([]*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*APIKey
	for _, k := range s.byID {
		if strings.EqualFold(k.Owner, owner) {
			cp := *k
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Update stores last use and revocation; revocation is sticky and last use
// never moves backwards, matching the Postgres store.
func (s *MemoryStore) Update(_ context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.byID[key.ID]
	if !ok {
		return nil
	}
	cur.Revoked = cur.Revoked || key.Revoked
	if key.LastUsed.After(cur.LastUsed) {
		cur.LastUsed = key.LastUsed
	}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.byID[id]; ok {
		delete(s.byHash, k.Hash)
		delete(s.byID, id)
	}
	return nil
}
