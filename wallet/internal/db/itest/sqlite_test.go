//go:build itest && !test_db_postgres

package itest

import (
	"path/filepath"
	"testing"

	"github.com/btcsuite/walletcore/wallet/internal/db"
	"github.com/stretchr/testify/require"
)

// NewTestStore creates a SQLite persister on a temporary database file with
// migrations applied.
func NewTestStore(t *testing.T) db.Persister {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")

	store, err := db.OpenSQLite(t.Context(), dbPath)
	require.NoError(t, err, "failed to open sqlite database")

	t.Cleanup(func() {
		_ = store.Close()
	})

	return store
}
