package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/lalith-99/hghs/internal/db"
	"github.com/lalith-99/hghs/internal/repository"
	"github.com/lalith-99/hghs/internal/repository/repotest"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testDB(t *testing.T) *db.DB {
	t.Helper()
	url := os.Getenv("HGHS_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("HGHS_TEST_DATABASE_URL not set")
	}
	database, err := db.New(context.Background(), url, db.PoolOptions{MaxConns: 10}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(database.Close)
	return database
}

func TestItemStoreContract(t *testing.T) {
	database := testDB(t)

	repotest.RunBackendContract(t, func(t *testing.T, kind string) repository.Backend {
		store := NewItemStore(database.Pool(), kind)
		require.NoError(t, store.Initialize(context.Background()))
		t.Cleanup(func() {
			_, _ = database.Pool().Exec(context.Background(), `DELETE FROM hghs_items WHERE kind = $1`, kind)
		})
		return store
	})
}

func TestDriverIdentities(t *testing.T) {
	database := testDB(t)
	ids := repository.NewIdentities(NewDriver(database))
	require.NoError(t, ids.Initialize(context.Background()))
	require.NoError(t, NewDriver(database).Health(context.Background()))
}
