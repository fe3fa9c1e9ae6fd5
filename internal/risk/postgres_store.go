package risk

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/relaygate/internal/idgen"
	"github.com/mbd888/relaygate/internal/retry"
)

const (
	writeAttempts  = 3
	writeBaseDelay = 50 * time.Millisecond
)

// PostgresStore persists score snapshots (risk_scores) and evidence
// (risk_events) in PostgreSQL. Writes are retried with backoff.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed risk store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Get(ctx context.Context, address string) (*Snapshot, error) {
	var (
		snap      Snapshot
		band      string
		reasons   []byte
		updatedAt time.Time
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT wallet, score, band, reasons, updated_at
		FROM risk_scores
		WHERE wallet = $1
	`, strings.ToLower(address)).Scan(&snap.Address, &snap.Score, &band, &reasons, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get risk score: %w", err)
	}

	snap.Band = Band(band)
	snap.UpdatedAt = updatedAt
	if len(reasons) > 0 {
		if err := json.Unmarshal(reasons, &snap.Reasons); err != nil {
			return nil, fmt.Errorf("failed to decode reasons: %w", err)
		}
	}
	return &snap, nil
}

func (s *PostgresStore) Upsert(ctx context.Context, snap *Snapshot) error {
	reasons := snap.Reasons
	if reasons == nil {
		reasons = []string{}
	}
	reasonsJSON, err := json.Marshal(reasons)
	if err != nil {
		return fmt.Errorf("failed to marshal reasons: %w", err)
	}

	updatedAt := snap.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	return retry.Do(ctx, writeAttempts, writeBaseDelay, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO risk_scores (wallet, score, band, reasons, updated_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (wallet) DO UPDATE
			SET score = EXCLUDED.score,
			    band = EXCLUDED.band,
			    reasons = EXCLUDED.reasons,
			    updated_at = EXCLUDED.updated_at
		`, strings.ToLower(snap.Address), snap.Score, string(snap.Band), reasonsJSON, updatedAt)
		if err != nil {
			return fmt.Errorf("failed to upsert risk score: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) LogEvents(ctx context.Context, address string, hits []FeatureHit, applied []Contribution) error {
	if len(applied) == 0 {
		return nil
	}

	addr := strings.ToLower(address)
	rows := make([][]any, 0, len(applied))
	for i, c := range applied {
		details := map[string]any{}
		if i < len(hits) && hits[i].Key == c.Key && hits[i].Details != nil {
			details = hits[i].Details
		}
		detailsJSON, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("failed to marshal details for %s: %w", c.Key, err)
		}
		rows = append(rows, []any{idgen.WithPrefix(idgen.RiskEvent), addr, c.Key, detailsJSON, c.Weight})
	}

	return retry.Do(ctx, writeAttempts, writeBaseDelay, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		for _, r := range rows {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO risk_events (id, wallet, feature, details, weight_applied)
				VALUES ($1, $2, $3, $4, $5)
			`, r...); err != nil {
				return fmt.Errorf("failed to insert risk event: %w", err)
			}
		}
		return tx.Commit()
	})
}

func (s *PostgresStore) ListByAddress(ctx context.Context, address string, limit int) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, wallet, feature, details, weight_applied, created_at
		FROM risk_events
		WHERE wallet = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, strings.ToLower(address), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list risk events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Event
	for rows.Next() {
		var ev Event
		var detailsJSON []byte
		if err := rows.Scan(&ev.ID, &ev.Address, &ev.Feature, &detailsJSON, &ev.WeightApplied, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan risk event: %w", err)
		}
		ev.Details = make(map[string]any)
		_ = json.Unmarshal(detailsJSON, &ev.Details)
		result = append(result, &ev)
	}
	return result, rows.Err()
}

var (
	_ SnapshotStore = (*PostgresStore)(nil)
	_ EventStore    = (*PostgresStore)(nil)
)
