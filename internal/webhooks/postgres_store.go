package webhooks

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// PostgresStore keeps subscriptions in the webhooks table. Events are a
// JSONB array.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const webhookCols = `id, partner_id, url, secret, events, active, created_at,
	last_success, last_error, consecutive_failures`

func (p *PostgresStore) Create(ctx context.Context, sub *Subscription) error {
	events, err := json.Marshal(sub.Events)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO webhooks (id, partner_id, url, secret, events, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sub.ID, sub.PartnerID, sub.URL, sub.Secret, events, sub.Active, sub.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert webhook: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Subscription, error) {
	return one(scanWebhook(p.db.QueryRowContext(ctx,
		`SELECT `+webhookCols+` FROM webhooks WHERE id = $1`, id)))
}

func (p *PostgresStore) ListByPartner(ctx context.Context, partnerID string) ([]*Subscription, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+webhookCols+` FROM webhooks
		WHERE partner_id = $1
		ORDER BY created_at DESC, id DESC`, partnerID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Subscription
	for rows.Next() {
		sub, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// RecordDelivery does the whole read-modify-write in one statement; SET
// expressions see the pre-update row.
func (p *PostgresStore) RecordDelivery(ctx context.Context, id string, d Delivery, disableAfter int) (*Subscription, error) {
	return one(scanWebhook(p.db.QueryRowContext(ctx, `
		UPDATE webhooks SET
			last_success = CASE WHEN $2::text = '' THEN $1::timestamptz ELSE last_success END,
			last_error = NULLIF($2::text, ''),
			consecutive_failures = CASE WHEN $2::text = '' THEN 0 ELSE consecutive_failures + 1 END,
			active = active AND ($2::text = '' OR consecutive_failures + 1 < $3)
		WHERE id = $4
		RETURNING `+webhookCols,
		d.At, d.Err, disableAfter, id)))
}

func (p *PostgresStore) Reactivate(ctx context.Context, partnerID, id string) error {
	return affected(p.db.ExecContext(ctx, `
		UPDATE webhooks SET active = TRUE, consecutive_failures = 0, last_error = NULL
		WHERE id = $1 AND partner_id = $2`, id, partnerID))
}

func (p *PostgresStore) Delete(ctx context.Context, partnerID, id string) error {
	return affected(p.db.ExecContext(ctx,
		`DELETE FROM webhooks WHERE id = $1 AND partner_id = $2`, id, partnerID))
}

func one(sub *Subscription, err error) (*Subscription, error) {
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sub, err
}

func affected(res sql.Result, err error) error {
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

type scanner interface {
	Scan(dest ...any) error
}

func scanWebhook(row scanner) (*Subscription, error) {
	var (
		sub         Subscription
		events      []byte
		lastSuccess sql.NullTime
		lastError   sql.NullString
	)
	err := row.Scan(&sub.ID, &sub.PartnerID, &sub.URL, &sub.Secret, &events,
		&sub.Active, &sub.CreatedAt, &lastSuccess, &lastError, &sub.ConsecutiveFailures)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(events, &sub.Events); err != nil {
		return nil, fmt.Errorf("decode webhook events: %w", err)
	}
	if lastSuccess.Valid {
		sub.LastSuccess = &lastSuccess.Time
	}
	sub.LastError = lastError.String
	return &sub, nil
}

var _ Store = (*PostgresStore)(nil)
