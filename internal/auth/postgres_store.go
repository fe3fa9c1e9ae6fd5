package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const keyColumns = `id, hash, partner_id, name, created_at, last_used, expires_at, revoked`

// PostgresStore keeps keys in the api_keys table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store over db.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, key *APIKey) error {
	var expires sql.NullTime
	if key.ExpiresAt != nil {
		expires = sql.NullTime{Time: *key.ExpiresAt, Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, hash, partner_id, name, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, key.ID, key.Hash, key.PartnerID, key.Name, key.CreatedAt, expires)
	if err != nil {
		return fmt.Errorf("auth: insert key: %w", err)
	}
	return nil
}

// GetByHash returns the key whatever its state; the manager decides
// whether it is usable.
func (p *PostgresStore) GetByHash(ctx context.Context, hash string) (*APIKey, error) {
	key, err := scanKey(p.db.QueryRowContext(ctx,
		`SELECT `+keyColumns+` FROM api_keys WHERE hash = $1`, hash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	return key, err
}

func (p *PostgresStore) ListByPartner(ctx context.Context, partnerID string) ([]*APIKey, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+keyColumns+` FROM api_keys WHERE partner_id = $1 ORDER BY created_at DESC, id DESC`, partnerID)
	if err != nil {
		return nil, fmt.Errorf("auth: list keys: %w", err)
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

func (p *PostgresStore) Revoke(ctx context.Context, partnerID, keyID string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE api_keys SET revoked = TRUE WHERE id = $1 AND partner_id = $2`, keyID, partnerID)
	if err != nil {
		return fmt.Errorf("auth: revoke key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrKeyNotFound
	}
	return nil
}

func (p *PostgresStore) Touch(ctx context.Context, keyID string, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE api_keys SET last_used = $1
		WHERE id = $2 AND (last_used IS NULL OR last_used < $1)
	`, at, keyID)
	if err != nil {
		return fmt.Errorf("auth: touch key: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanKey(sc rowScanner) (*APIKey, error) {
	key := &APIKey{}
	var expiresAt, lastUsed sql.NullTime
	if err := sc.Scan(
		&key.ID, &key.Hash, &key.PartnerID, &key.Name,
		&key.CreatedAt, &lastUsed, &expiresAt, &key.Revoked,
	); err != nil {
		return nil, err
	}
	if expiresAt.Valid {
		key.ExpiresAt = &expiresAt.Time
	}
	key.LastUsed = lastUsed.Time
	return key, nil
}

var _ Store = (*PostgresStore)(nil)
