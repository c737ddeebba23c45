package auth

import (
	"context"
	"database/sql"
	"errors"
)

// PostgresStore persists detector and operator keys in the api_keys table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore returns a store over db.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const keyColumns = `id, hash, owner, name, created_at, last_used, expires_at, revoked`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanKey(row rowScanner) (*APIKey, error) {
	var (
		key       APIKey
		name      sql.NullString
		lastUsed  sql.NullTime
		expiresAt sql.NullTime
	)
	if err := row.Scan(&key.ID, &key.Hash, &key.Owner, &name, &key.CreatedAt, &lastUsed, &expiresAt, &key.Revoked); err != nil {
		return nil, err
	}
	key.Name = name.String
	key.LastUsed = lastUsed.Time
	if expiresAt.Valid {
		key.ExpiresAt = &expiresAt.Time
	}
	return &key, nil
}

// Create inserts key. Re-provisioning an existing hash is a no-op.
func (p *PostgresStore) Create(ctx context.Context, key *APIKey) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, hash, owner, name, created_at, expires_at, revoked)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (hash) DO NOTHING
	`, key.ID, key.Hash, key.Owner, key.Name, key.CreatedAt, key.ExpiresAt, key.Revoked)
	return err
}

// GetByHash returns the live key with hash. Revoked and expired keys are
// reported as ErrKeyNotFound.
func (p *PostgresStore) GetByHash(ctx context.Context, hash string) (*APIKey, error) {
	key, err := scanKey(p.db.QueryRowContext(ctx, `
		SELECT `+keyColumns+` FROM api_keys
		WHERE hash = $1 AND NOT revoked AND (expires_at IS NULL OR expires_at > NOW())
	`, hash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	return key, err
}

// GetByOwner returns every key issued to owner, newest first.
func (p *PostgresStore) GetByOwner(ctx context.Context, owner string) ([]*APIKey, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+keyColumns+` FROM api_keys WHERE owner = $1 ORDER BY created_at DESC
	`, owner)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var keys []*APIKey
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Update records last use and revocation. Revocation cannot be undone.
func (p *PostgresStore) Update(ctx context.Context, key *APIKey) error {
	lastUsed := sql.NullTime{Time: key.LastUsed, Valid: !key.LastUsed.IsZero()}
	_, err := p.db.ExecContext(ctx, `
		UPDATE api_keys
		SET last_used = GREATEST(last_used, $1), revoked = (revoked OR $2)
		WHERE id = $3
	`, lastUsed, key.Revoked, key.ID)
	return err
}

// Delete removes a key.
func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = $1`, id)
	return err
}
