package db

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPgxURL(t *testing.T) {
	require.Equal(t, "pgx5://u:p@localhost:5432/paylink", pgxURL("postgres://u:p@localhost:5432/paylink"))
	require.Equal(t, "pgx5://localhost/paylink", pgxURL("postgresql://localhost/paylink"))
	require.Equal(t, "pgx5://localhost/paylink", pgxURL("pgx5://localhost/paylink"))
}

func TestMigrationsArePaired(t *testing.T) {
	entries, err := fs.ReadDir(migrationFiles, "migrations")
	require.NoError(t, err)

	ups := map[string]bool{}
	downs := map[string]bool{}
	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		}
	}
	require.NotEmpty(t, ups)
	require.Equal(t, ups, downs)
}

func TestTransactionsUniqueIndexIsPresent(t *testing.T) {
	raw, err := fs.ReadFile(migrationFiles, "migrations/000003_transactions.up.sql")
	require.NoError(t, err)
	require.Contains(t, string(raw), "UNIQUE (payment_link_id, provider_transaction_id)")
}
