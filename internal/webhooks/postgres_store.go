package webhooks

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/mitigator/internal/mitigation"
)

// PostgresStore keeps subscriptions in the webhooks table created by
// migrations/00003_webhooks.sql.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore returns a store over db.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const subscriptionColumns = `id, url, secret, actions, description, active, created_at,
	last_success, last_error, consecutive_failures`

func (p *PostgresStore) Create(ctx context.Context, sub *Subscription) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO webhooks (id, url, secret, actions, description, active, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sub.ID, sub.URL, sub.Secret, pq.Array(actionStrings(sub.Actions)),
		sub.Description, sub.Active, sub.CreatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Subscription, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM webhooks WHERE id = $1`, id)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sub, err
}

func (p *PostgresStore) List(ctx context.Context) ([]*Subscription, error) {
	return p.query(ctx, `SELECT `+subscriptionColumns+` FROM webhooks ORDER BY created_at DESC`)
}

// ListActive skips subscriptions disabled by hand or after repeated failures.
func (p *PostgresStore) ListActive(ctx context.Context) ([]*Subscription, error) {
	return p.query(ctx, `SELECT `+subscriptionColumns+` FROM webhooks
		WHERE active ORDER BY created_at DESC`)
}

// Update stores the delivery bookkeeping of sub. URL, secret and actions are
// immutable after creation.
func (p *PostgresStore) Update(ctx context.Context, sub *Subscription) error {
	var lastSuccess sql.NullTime
	if sub.LastSuccess != nil {
		lastSuccess = sql.NullTime{Time: *sub.LastSuccess, Valid: true}
	}
	res, err := p.db.ExecContext(ctx,
		`UPDATE webhooks
		 SET active = $2, last_success = $3, last_error = NULLIF($4, ''), consecutive_failures = $5
		 WHERE id = $1`,
		sub.ID, sub.Active, lastSuccess, sub.LastError, sub.ConsecutiveFailures,
	)
	return affectedOne(res, err)
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM webhooks WHERE id = $1`, id)
	return affectedOne(res, err)
}

func (p *PostgresStore) query(ctx context.Context, q string, args ...any) ([]*Subscription, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var subs []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func affectedOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (*Subscription, error) {
	var (
		sub         Subscription
		actions     pq.StringArray
		lastSuccess sql.NullTime
		lastError   sql.NullString
	)
	if err := row.Scan(
		&sub.ID, &sub.URL, &sub.Secret, &actions, &sub.Description, &sub.Active,
		&sub.CreatedAt, &lastSuccess, &lastError, &sub.ConsecutiveFailures,
	); err != nil {
		return nil, err
	}

	for _, a := range actions {
		sub.Actions = append(sub.Actions, mitigation.Action(a))
	}
	if lastSuccess.Valid {
		t := lastSuccess.Time.In(time.UTC)
		sub.LastSuccess = &t
	}
	sub.LastError = lastError.String
	return &sub, nil
}

func actionStrings(actions []mitigation.Action) []string {
	out := make([]string, len(actions))
	for i, a := range actions {
		out[i] = string(a)
	}
	return out
}
