package budget

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kandev/agentbridge/internal/logging"
	"github.com/kandev/agentbridge/internal/storage"
)

func newTestDB(t *testing.T) *storage.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := storage.Open(path, logging.Default())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRecordAccumulatesWithinOneDay(t *testing.T) {
	db := newTestDB(t)
	tr := New(db, 5.0, 50.0)
	ctx := context.Background()

	require.NoError(t, tr.Record(ctx, "client-a", 1.25))
	require.NoError(t, tr.Record(ctx, "client-a", 0.75))

	spent, err := tr.Spent(ctx, "client-a")
	require.NoError(t, err)
	require.InDelta(t, 2.0, spent, 0.0001)
}

func TestCheckAndReserveRejectsOverClientLimit(t *testing.T) {
	db := newTestDB(t)
	tr := New(db, 1.0, 50.0)
	ctx := context.Background()

	require.NoError(t, tr.Record(ctx, "client-a", 0.9))
	err := tr.CheckAndReserve(ctx, "client-a", 0, 0.5)
	require.Error(t, err)
}

func TestCheckAndReserveHonorsPerClientOverride(t *testing.T) {
	db := newTestDB(t)
	tr := New(db, 1.0, 50.0)
	ctx := context.Background()

	require.NoError(t, tr.Record(ctx, "client-a", 0.9))
	err := tr.CheckAndReserve(ctx, "client-a", 10.0, 0.5)
	require.NoError(t, err)
}

func TestCheckAndReserveRejectsOverGlobalLimit(t *testing.T) {
	db := newTestDB(t)
	tr := New(db, 100.0, 1.0)
	ctx := context.Background()

	require.NoError(t, tr.Record(ctx, "client-a", 0.9))
	err := tr.CheckAndReserve(ctx, "client-b", 0, 0.5)
	require.Error(t, err)
}
