package relaylog

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBucketStart(t *testing.T) {
	// Wednesday.
	at := time.Date(2026, 3, 11, 15, 42, 7, 0, time.UTC)

	assert.Equal(t, time.Date(2026, 3, 11, 15, 0, 0, 0, time.UTC), bucketStart(at, IntervalHour))
	assert.Equal(t, time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC), bucketStart(at, IntervalDay))
	assert.Equal(t, time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC), bucketStart(at, IntervalWeek))

	sunday := time.Date(2026, 3, 15, 23, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC), bucketStart(sunday, IntervalWeek))
}

func TestValidInterval(t *testing.T) {
	assert.True(t, ValidInterval("hour"))
	assert.True(t, ValidInterval("week"))
	assert.False(t, ValidInterval("minute"))
	assert.False(t, ValidInterval(""))
}

func TestMemoryStore_Analytics(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Date(2026, 3, 9, 10, 0, 0, 0, time.UTC)

	for _, e := range []*Entry{
		{PartnerID: "p1", Decision: DecisionAllowed, RiskBand: "LOW", TxHash: "0x1", CreatedAt: base},
		{PartnerID: "p1", Decision: DecisionBlocked, RiskBand: "HIGH", CreatedAt: base.Add(time.Hour)},
		{PartnerID: "p1", Decision: DecisionBlocked, RiskBand: "CRITICAL", CreatedAt: base.Add(26 * time.Hour)},
		{PartnerID: "p2", Decision: DecisionBlocked, RiskBand: "HIGH", CreatedAt: base},
	} {
		require.NoError(t, s.Insert(ctx, e))
	}

	sum, err := s.Summarize(ctx, "p1", base, base.Add(48*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 3, sum.Total)
	assert.EqualValues(t, 1, sum.Allowed)
	assert.EqualValues(t, 2, sum.Blocked)
	assert.EqualValues(t, 1, sum.Broadcast)
	assert.Equal(t, map[string]int64{"LOW": 1, "HIGH": 1, "CRITICAL": 1}, sum.ByBand)

	// The upper bound is exclusive.
	sum, err = s.Summarize(ctx, "p1", base, base.Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, sum.Total)

	points, err := s.UsageSeries(ctx, "p1", IntervalDay, base, base.Add(48*time.Hour))
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, UsagePoint{Bucket: time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC), Requests: 2, Blocked: 1}, points[0])
	assert.Equal(t, UsagePoint{Bucket: time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC), Requests: 1, Blocked: 1}, points[1])

	blocked, err := s.ListBlocked(ctx, "p1", 1)
	require.NoError(t, err)
	require.Len(t, blocked, 1)
	assert.Equal(t, "CRITICAL", blocked[0].RiskBand)
}

func TestPostgresStore_Summarize(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 0, 7)
	mock.ExpectQuery(regexp.QuoteMeta("GROUP BY risk_band, decision")).
		WithArgs("p1", from, to).
		WillReturnRows(sqlmock.NewRows([]string{"risk_band", "decision", "count", "broadcast"}).
			AddRow("LOW", "allowed", 5, 4).
			AddRow("HIGH", "blocked", 2, 0).
			AddRow("HIGH", "allowed", 1, 1))

	sum, err := NewPostgresStore(db).Summarize(context.Background(), "p1", from, to)
	require.NoError(t, err)
	assert.EqualValues(t, 8, sum.Total)
	assert.EqualValues(t, 6, sum.Allowed)
	assert.EqualValues(t, 2, sum.Blocked)
	assert.EqualValues(t, 5, sum.Broadcast)
	assert.EqualValues(t, 3, sum.ByBand["HIGH"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UsageSeries(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 0, 2)
	mock.ExpectQuery(regexp.QuoteMeta("date_trunc($2, created_at AT TIME ZONE 'UTC')")).
		WithArgs("p1", "day", from, to).
		WillReturnRows(sqlmock.NewRows([]string{"bucket", "count", "blocked"}).
			AddRow(from, 3, 1).
			AddRow(from.AddDate(0, 0, 1), 4, 0))

	s := NewPostgresStore(db)
	points, err := s.UsageSeries(context.Background(), "p1", "day", from, to)
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.EqualValues(t, 3, points[0].Requests)
	assert.EqualValues(t, 1, points[0].Blocked)

	_, err = s.UsageSeries(context.Background(), "p1", "minute", from, to)
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListBlocked(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("WHERE partner_id = $1 AND decision = 'blocked'")).
		WithArgs("p1", 20).
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("rl_3", "p1", "ethereum", nil, "0xbad", "blocked", "CRITICAL", 95, []byte(`["sanctioned"]`), nil, nil, time.Now()))

	list, err := NewPostgresStore(db).ListBlocked(context.Background(), "p1", 20)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, []string{"sanctioned"}, list[0].Reasons)
	assert.NoError(t, mock.ExpectationsWereMet())
}
