package sanctions

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresStore checks the sanctioned_wallets table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed sanctions list.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// IsSanctioned matches case-insensitively so rows stored in checksum case
// still hit.
func (s *PostgresStore) IsSanctioned(ctx context.Context, address string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM sanctioned_wallets WHERE lower(address) = $1
		)
	`, Normalize(address)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check sanctions list: %w", err)
	}
	return exists, nil
}

var _ Checker = (*PostgresStore)(nil)
