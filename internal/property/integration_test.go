package property

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPostgresStoreIntegration(t *testing.T) {
	dsn := os.Getenv("MAILWATCH_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("MAILWATCH_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	s, err := OpenPostgres(ctx, dsn, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	s.table = fmt.Sprintf("mailbox_properties_test_%d", time.Now().UnixNano())
	require.NoError(t, s.EnsureSchema(ctx))
	t.Cleanup(func() { _, _ = s.db.Exec("DROP TABLE IF EXISTS " + s.table) })

	runStoreContract(t, s)
}

func TestMongoStoreIntegration(t *testing.T) {
	uri := os.Getenv("MAILWATCH_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("MAILWATCH_TEST_MONGO_URI not set")
	}
	ctx := context.Background()
	s, err := OpenMongo(ctx, uri, fmt.Sprintf("mailwatch_test_%d", time.Now().UnixNano()))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.coll.Database().Drop(context.Background())
		_ = s.Close()
	})

	runStoreContract(t, s)
}
