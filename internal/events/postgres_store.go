package events

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mbd888/mitigator/internal/mitigation"
)

// PostgresStore persists the decision log in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed decision log.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Name implements Sink.
func (p *PostgresStore) Name() string { return "postgres" }

// Write implements Sink. The batch is inserted in one transaction; rows
// already written by an earlier attempt are skipped.
func (p *PostgresStore) Write(ctx context.Context, batch []*Event) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO decisions (
			id, source, label, attack_type, category, action, reason,
			session_id, score, requests, violation_count, decided_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, ev := range batch {
		if _, err := stmt.ExecContext(ctx,
			ev.ID, ev.Source, ev.Label, ev.AttackType, ev.Category.String(),
			string(ev.Action), ev.Reason, nullString(ev.SessionID), ev.Score,
			ev.Requests, ev.ViolationCount, ev.DecidedAt,
		); err != nil {
			return fmt.Errorf("failed to insert decision %s: %w", ev.ID, err)
		}
	}
	return tx.Commit()
}

// List implements Lister.
func (p *PostgresStore) List(ctx context.Context, source string, limit int, opts ...ListOption) ([]*Event, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	o := applyListOpts(opts)

	query := `
		SELECT id, source, label, attack_type, category, action, reason,
		       session_id, score, requests, violation_count, decided_at
		FROM decisions
		WHERE ($1 = '' OR source = $1)
		  AND ($2 = '' OR action = $2)`
	args := []interface{}{source, string(o.action)}
	if o.cursor != nil {
		query += ` AND (decided_at, id) < ($3, $4)`
		args = append(args, o.cursor.At, o.cursor.ID)
	}
	query += fmt.Sprintf(` ORDER BY decided_at DESC, id DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, ev)
	}
	return result, rows.Err()
}

// Get returns one event by ID.
func (p *PostgresStore) Get(ctx context.Context, id string) (*Event, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, source, label, attack_type, category, action, reason,
		       session_id, score, requests, violation_count, decided_at
		FROM decisions WHERE id = $1`, id)
	ev, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return ev, err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row scanner) (*Event, error) {
	ev := &Event{}
	var category, action string
	var sessionID sql.NullString
	if err := row.Scan(
		&ev.ID, &ev.Source, &ev.Label, &ev.AttackType, &category, &action, &ev.Reason,
		&sessionID, &ev.Score, &ev.Requests, &ev.ViolationCount, &ev.DecidedAt,
	); err != nil {
		return nil, err
	}
	c, err := mitigation.ParseCategory(category)
	if err != nil {
		return nil, fmt.Errorf("decision %s: %w", ev.ID, err)
	}
	ev.Category = c
	ev.Action = mitigation.Action(action)
	ev.SessionID = sessionID.String
	return ev, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
