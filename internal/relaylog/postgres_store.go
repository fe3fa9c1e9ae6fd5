package relaylog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/relaygate/internal/idgen"
	"github.com/mbd888/relaygate/internal/pagination"
)

// PostgresStore persists the relay log in relay_logs.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed relay log.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Insert(ctx context.Context, e *Entry) error {
	if e.ID == "" {
		e.ID = idgen.WithPrefix(idgen.RelayLog)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	reasons := e.Reasons
	if reasons == nil {
		reasons = []string{}
	}
	reasonsJSON, err := json.Marshal(reasons)
	if err != nil {
		return fmt.Errorf("failed to marshal reasons: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO relay_logs (
			id, partner_id, chain, from_addr, to_addr, decision,
			risk_band, risk_score, reasons, idempotency_key, tx_hash, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, e.ID, e.PartnerID, e.Chain, nullString(e.FromAddr), e.ToAddr, e.Decision,
		e.RiskBand, e.RiskScore, reasonsJSON, nullString(e.IdempotencyKey), nullString(e.TxHash), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert relay log: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetTxHash(ctx context.Context, id, txHash string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE relay_logs SET tx_hash = $1 WHERE id = $2`, txHash, id)
	if err != nil {
		return fmt.Errorf("failed to set tx hash: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const selectColumns = `id, partner_id, chain, from_addr, to_addr, decision,
	risk_band, risk_score, reasons, idempotency_key, tx_hash, created_at`

func (s *PostgresStore) FindByIdempotencyKey(ctx context.Context, partnerID, key string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+selectColumns+`
		FROM relay_logs
		WHERE partner_id = $1 AND idempotency_key = $2 AND tx_hash IS NOT NULL
		ORDER BY created_at DESC
		LIMIT 1
	`, partnerID, key)

	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find relay log: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) ListByPartner(ctx context.Context, partnerID string, limit int, cursor *pagination.Cursor) ([]*Entry, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if cursor == nil {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+selectColumns+`
			FROM relay_logs
			WHERE partner_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		`, partnerID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+selectColumns+`
			FROM relay_logs
			WHERE partner_id = $1 AND (created_at, id) < ($3, $4)
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		`, partnerID, limit, cursor.CreatedAt, cursor.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list relay logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan relay log: %w", err)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (s *PostgresStore) Summarize(ctx context.Context, partnerID string, from, to time.Time) (*Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT risk_band, decision, COUNT(*), COUNT(tx_hash)
		FROM relay_logs
		WHERE partner_id = $1 AND created_at >= $2 AND created_at < $3
		GROUP BY risk_band, decision
	`, partnerID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize relay logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	sum := &Summary{ByBand: make(map[string]int64)}
	for rows.Next() {
		var (
			band, decision   string
			count, broadcast int64
		)
		if err := rows.Scan(&band, &decision, &count, &broadcast); err != nil {
			return nil, fmt.Errorf("failed to scan summary: %w", err)
		}
		sum.Total += count
		sum.Broadcast += broadcast
		switch decision {
		case DecisionAllowed:
			sum.Allowed += count
		case DecisionBlocked:
			sum.Blocked += count
		}
		if band != "" {
			sum.ByBand[band] += count
		}
	}
	return sum, rows.Err()
}

func (s *PostgresStore) UsageSeries(ctx context.Context, partnerID, interval string, from, to time.Time) ([]UsagePoint, error) {
	if !ValidInterval(interval) {
		return nil, fmt.Errorf("invalid interval %q", interval)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT date_trunc($2, created_at AT TIME ZONE 'UTC') AS bucket,
			COUNT(*), COUNT(*) FILTER (WHERE decision = 'blocked')
		FROM relay_logs
		WHERE partner_id = $1 AND created_at >= $3 AND created_at < $4
		GROUP BY 1
		ORDER BY 1
	`, partnerID, interval, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage series: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []UsagePoint
	for rows.Next() {
		var pt UsagePoint
		if err := rows.Scan(&pt.Bucket, &pt.Requests, &pt.Blocked); err != nil {
			return nil, fmt.Errorf("failed to scan usage point: %w", err)
		}
		pt.Bucket = pt.Bucket.UTC()
		result = append(result, pt)
	}
	return result, rows.Err()
}

func (s *PostgresStore) ListBlocked(ctx context.Context, partnerID string, limit int) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+selectColumns+`
		FROM relay_logs
		WHERE partner_id = $1 AND decision = 'blocked'
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, partnerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list blocked relay logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan relay log: %w", err)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc scanner) (*Entry, error) {
	var (
		e                     Entry
		from, idemKey, txHash sql.NullString
		reasons               []byte
	)
	err := sc.Scan(&e.ID, &e.PartnerID, &e.Chain, &from, &e.ToAddr, &e.Decision,
		&e.RiskBand, &e.RiskScore, &reasons, &idemKey, &txHash, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	e.FromAddr = from.String
	e.IdempotencyKey = idemKey.String
	e.TxHash = txHash.String
	if len(reasons) > 0 {
		_ = json.Unmarshal(reasons, &e.Reasons)
	}
	return &e, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var (
	_ Store     = (*PostgresStore)(nil)
	_ Analytics = (*PostgresStore)(nil)
)
