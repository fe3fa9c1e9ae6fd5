// Package testutil holds helpers shared by the Postgres integration tests.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"strings"
	"testing"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/relaygate/migrations"
)

// EnvURL names the variable holding the integration database DSN.
const EnvURL = "POSTGRES_URL"

// appTables lists the tables emptied between tests.
var appTables = []string{
	"webhooks",
	"relay_logs",
	"risk_events",
	"risk_scores",
	"api_keys",
	"sanctioned_wallets",
}

// PGTest connects to $POSTGRES_URL, migrates it to the latest schema and
// registers a cleanup that empties the application tables. Without the
// variable the test is skipped.
//
//	db := testutil.PGTest(t)
func PGTest(t *testing.T) *sql.DB {
	t.Helper()

	dsn := os.Getenv(EnvURL)
	if dsn == "" {
		t.Skip(EnvURL + " not set, skipping integration test")
	}

	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err, "pgtest: open")
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	require.NoError(t, db.PingContext(ctx), "pgtest: ping")

	_, err = migrations.Up(ctx, db)
	require.NoError(t, err, "pgtest: migrate")

	t.Cleanup(func() {
		_, err := db.ExecContext(context.Background(), "TRUNCATE "+strings.Join(appTables, ", ")+" CASCADE")
		if err != nil {
			t.Logf("pgtest: truncate: %v", err)
		}
	})
	return db
}
