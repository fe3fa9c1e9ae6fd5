package webhooks

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var subColumns = []string{"id", "partner_id", "url", "secret", "events", "active",
	"created_at", "last_success", "last_error", "consecutive_failures"}

func TestPostgresStore_Create(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	created := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO webhooks")).
		WithArgs("wh_1", "acme", "https://a.example", "s3cret", []byte(`["decision.blocked"]`), true, created).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = NewPostgresStore(db).Create(context.Background(), &Subscription{
		ID: "wh_1", PartnerID: "acme", URL: "https://a.example", Secret: "s3cret",
		Events: []EventType{EventDecisionBlocked}, Active: true, CreatedAt: created,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Get(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta("FROM webhooks WHERE id = $1")).
		WithArgs("wh_1").
		WillReturnRows(sqlmock.NewRows(subColumns).
			AddRow("wh_1", "acme", "https://a.example", "s3cret", []byte(`["relay.broadcast"]`), true, now, now, "status 500", 2))
	mock.ExpectQuery(regexp.QuoteMeta("FROM webhooks WHERE id = $1")).
		WithArgs("wh_missing").
		WillReturnRows(sqlmock.NewRows(subColumns))

	s := NewPostgresStore(db)
	sub, err := s.Get(context.Background(), "wh_1")
	require.NoError(t, err)
	assert.Equal(t, []EventType{EventRelayBroadcast}, sub.Events)
	require.NotNil(t, sub.LastSuccess)
	assert.Equal(t, "status 500", sub.LastError)
	assert.Equal(t, 2, sub.ConsecutiveFailures)

	_, err = s.Get(context.Background(), "wh_missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListByPartner(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY created_at DESC, id DESC")).
		WithArgs("acme").
		WillReturnRows(sqlmock.NewRows(subColumns).
			AddRow("wh_2", "acme", "https://b.example", "x", []byte(`["decision.alert"]`), true, now, nil, nil, 0).
			AddRow("wh_1", "acme", "https://a.example", "y", []byte(`["decision.blocked"]`), false, now, nil, nil, 10))

	subs, err := NewPostgresStore(db).ListByPartner(context.Background(), "acme")
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Nil(t, subs[0].LastSuccess)
	assert.False(t, subs[1].Active)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RecordDelivery(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE webhooks SET")).
		WithArgs(at, "status 503", MaxConsecutiveFailures, "wh_1").
		WillReturnRows(sqlmock.NewRows(subColumns).
			AddRow("wh_1", "acme", "https://a.example", "s", []byte(`["decision.blocked"]`), false, at, nil, "status 503", 10))
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE webhooks SET")).
		WithArgs(at, "", MaxConsecutiveFailures, "wh_gone").
		WillReturnRows(sqlmock.NewRows(subColumns))

	s := NewPostgresStore(db)
	sub, err := s.RecordDelivery(context.Background(), "wh_1", Delivery{At: at, Err: "status 503"}, MaxConsecutiveFailures)
	require.NoError(t, err)
	assert.False(t, sub.Active)
	assert.Equal(t, 10, sub.ConsecutiveFailures)

	_, err = s.RecordDelivery(context.Background(), "wh_gone", Delivery{At: at}, MaxConsecutiveFailures)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PartnerScopedWrites(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE webhooks SET active = TRUE")).
		WithArgs("wh_1", "acme").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM webhooks WHERE id = $1 AND partner_id = $2")).
		WithArgs("wh_1", "globex").
		WillReturnResult(sqlmock.NewResult(0, 0))

	s := NewPostgresStore(db)
	require.NoError(t, s.Reactivate(context.Background(), "acme", "wh_1"))
	assert.ErrorIs(t, s.Delete(context.Background(), "globex", "wh_1"), ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
