package relaylog

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/relaygate/internal/pagination"
)

func TestMemoryStore_InsertAndIdempotency(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	first := &Entry{PartnerID: "p1", Chain: "ethereum", ToAddr: "0xabc", Decision: DecisionAllowed, IdempotencyKey: "k1", Reasons: []string{"+5 x"}}
	require.NoError(t, s.Insert(ctx, first))
	assert.NotEmpty(t, first.ID)
	assert.False(t, first.CreatedAt.IsZero())

	_, err := s.FindByIdempotencyKey(ctx, "p1", "k1")
	assert.ErrorIs(t, err, ErrNotFound, "entries without a tx hash are not replayable")

	require.NoError(t, s.SetTxHash(ctx, first.ID, "0xhash"))

	got, err := s.FindByIdempotencyKey(ctx, "p1", "k1")
	require.NoError(t, err)
	assert.Equal(t, "0xhash", got.TxHash)
	assert.Equal(t, []string{"+5 x"}, got.Reasons)

	_, err = s.FindByIdempotencyKey(ctx, "p2", "k1")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, s.SetTxHash(ctx, "rl_missing", "0x1"), ErrNotFound)
}

func TestMemoryStore_ListByPartner(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i, to := range []string{"0x1", "0x2", "0x3"} {
		require.NoError(t, s.Insert(ctx, &Entry{PartnerID: "p1", ToAddr: to, CreatedAt: base.Add(time.Duration(i) * time.Second)}))
	}
	require.NoError(t, s.Insert(ctx, &Entry{PartnerID: "p2", ToAddr: "0x9"}))

	list, err := s.ListByPartner(ctx, "p1", 2, nil)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "0x3", list[0].ToAddr)
	assert.Equal(t, "0x2", list[1].ToAddr)

	next := &pagination.Cursor{CreatedAt: list[1].CreatedAt, ID: list[1].ID}
	rest, err := s.ListByPartner(ctx, "p1", 2, next)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "0x1", rest[0].ToAddr)
}

func TestEntry_Before(t *testing.T) {
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	c := &pagination.Cursor{CreatedAt: at, ID: "rl_m"}

	assert.True(t, (&Entry{ID: "rl_z", CreatedAt: at.Add(-time.Second)}).Before(c))
	assert.True(t, (&Entry{ID: "rl_a", CreatedAt: at}).Before(c))
	assert.False(t, (&Entry{ID: "rl_m", CreatedAt: at}).Before(c))
	assert.False(t, (&Entry{ID: "rl_a", CreatedAt: at.Add(time.Second)}).Before(c))
	assert.True(t, (&Entry{ID: "rl_a"}).Before(nil))
}

var columns = []string{"id", "partner_id", "chain", "from_addr", "to_addr", "decision",
	"risk_band", "risk_score", "reasons", "idempotency_key", "tx_hash", "created_at"}

func TestPostgresStore_Insert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	created := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO relay_logs")).
		WithArgs("rl_1", "p1", "ethereum", sql.NullString{}, "0xabc", "blocked",
			"CRITICAL", 85, []byte(`["+85 mixer"]`), sql.NullString{String: "k1", Valid: true}, sql.NullString{}, created).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = NewPostgresStore(db).Insert(context.Background(), &Entry{
		ID: "rl_1", PartnerID: "p1", Chain: "ethereum", ToAddr: "0xabc", Decision: DecisionBlocked,
		RiskBand: "CRITICAL", RiskScore: 85, Reasons: []string{"+85 mixer"}, IdempotencyKey: "k1", CreatedAt: created,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SetTxHash(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE relay_logs SET tx_hash = $1 WHERE id = $2")).
		WithArgs("0xhash", "rl_1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE relay_logs")).
		WithArgs("0xhash", "rl_2").
		WillReturnResult(sqlmock.NewResult(0, 0))

	s := NewPostgresStore(db)
	require.NoError(t, s.SetTxHash(context.Background(), "rl_1", "0xhash"))
	assert.ErrorIs(t, s.SetTxHash(context.Background(), "rl_2", "0xhash"), ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FindByIdempotencyKey(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta("WHERE partner_id = $1 AND idempotency_key = $2 AND tx_hash IS NOT NULL")).
		WithArgs("p1", "k1").
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("rl_1", "p1", "polygon", nil, "0xabc", "allowed", "LOW", 5, []byte(`["+5 x"]`), "k1", "0xhash", now))
	mock.ExpectQuery(regexp.QuoteMeta("FROM relay_logs")).
		WithArgs("p1", "k2").
		WillReturnRows(sqlmock.NewRows(columns))

	s := NewPostgresStore(db)
	e, err := s.FindByIdempotencyKey(context.Background(), "p1", "k1")
	require.NoError(t, err)
	assert.Equal(t, "0xhash", e.TxHash)
	assert.Equal(t, "", e.FromAddr)
	assert.Equal(t, []string{"+5 x"}, e.Reasons)

	_, err = s.FindByIdempotencyKey(context.Background(), "p1", "k2")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListByPartner(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta("WHERE partner_id = $1")).
		WithArgs("p1", 10).
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("rl_2", "p1", "ethereum", "0xfrom", "0xdef", "blocked", "HIGH", 70, []byte(`[]`), nil, nil, now).
			AddRow("rl_1", "p1", "ethereum", nil, "0xabc", "allowed", "LOW", 0, []byte(`[]`), nil, nil, now))

	list, err := NewPostgresStore(db).ListByPartner(context.Background(), "p1", 10, nil)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "0xfrom", list[0].FromAddr)
	assert.Equal(t, 70, list[0].RiskScore)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListByPartnerWithCursor(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("AND (created_at, id) < ($3, $4)")).
		WithArgs("p1", 5, at, "rl_9").
		WillReturnRows(sqlmock.NewRows(columns))

	list, err := NewPostgresStore(db).ListByPartner(context.Background(), "p1", 5, &pagination.Cursor{CreatedAt: at, ID: "rl_9"})
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.NoError(t, mock.ExpectationsWereMet())
}
